package generation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
	"github.com/dotsetgreg/dotmemory/pkg/providers/mock"
)

func newGenerator(t *testing.T, llm providers.LLMProvider) *Generator {
	t.Helper()
	g, err := New(llm, config.DefaultConfig().Generation, "")
	require.NoError(t, err)
	return g
}

func history(n int) []providers.Message {
	out := []providers.Message{}
	for i := 0; i < n; i++ {
		role := providers.RoleUser
		if i%2 == 1 {
			role = providers.RoleAssistant
		}
		out = append(out, providers.Message{Role: role, Content: "turn " + string(rune('a'+i))})
	}
	return out
}

func TestBuildMessages_Assembly(t *testing.T) {
	g := newGenerator(t, mock.New())
	g.cfg.HistoryTurns = 4

	msgs := g.BuildMessages(Request{
		UserMessage:   "What should I cook tonight?",
		MemoryContext: "What you remember about the user:\n\nPreferences:\n- Vegetarian (just now, relevance 0.80)",
		History:       append(history(6), providers.Message{Role: providers.RoleSystem, Content: "stale"}),
		Personality: memory.Personality{
			Tone:               "casual",
			Verbosity:          "concise",
			Humor:              true,
			CustomSystemPrompt: "Always suggest a dessert.",
		},
	})

	require.Len(t, msgs, 1+1+4+1)
	system := msgs[0].Content
	assert.Contains(t, system, "long-term memory")
	assert.Contains(t, system, "Always suggest a dessert.")
	assert.Contains(t, system, "Keep the tone casual and relaxed.")
	assert.Contains(t, system, "Keep answers short and to the point.")
	assert.Contains(t, system, "Light humor")
	assert.NotContains(t, system, "feelings")

	assert.Equal(t, providers.RoleSystem, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "Vegetarian")

	assert.Equal(t, "turn c", msgs[2].Content)
	assert.Equal(t, "turn f", msgs[5].Content)
	last := msgs[len(msgs)-1]
	assert.Equal(t, providers.RoleUser, last.Role)
	assert.Equal(t, "What should I cook tonight?", last.Content)
}

func TestBuildMessages_EmptyContextOmitted(t *testing.T) {
	g := newGenerator(t, mock.New())
	msgs := g.BuildMessages(Request{UserMessage: "hi", MemoryContext: "  "})
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.NotContains(t, strings.ToLower(m.Content), "no memories")
	}
}

func TestTruncateContext(t *testing.T) {
	text := "line one\nline two\nline three is long"
	out := truncateContext(text, 20)
	assert.True(t, strings.HasSuffix(out, truncationMarker))
	assert.Contains(t, out, "line one\nline two")
	assert.NotContains(t, out, "three")

	assert.Equal(t, "short", truncateContext(" short ", 20))
	assert.Equal(t, text, truncateContext(text, 0))
}

func TestPersonalityDirectives_Unknown(t *testing.T) {
	assert.Empty(t, personalityDirectives(memory.Personality{Tone: "sarcastic", Verbosity: "epic"}))
	assert.Len(t, personalityDirectives(memory.DefaultPersonality()), 3)
}

func TestLoadBasePrompt(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, defaultBasePrompt, LoadBasePrompt(dir))
	assert.Equal(t, defaultBasePrompt, LoadBasePrompt(""))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("  You are Juniper.\n"), 0o644))
	assert.Equal(t, "You are Juniper.", LoadBasePrompt(dir))
}

func TestEvaluate(t *testing.T) {
	cfg := config.DefaultConfig().Generation
	cfg.MaxResponseChars = 60

	r := Evaluate(cfg, "Which language should I learn?", "Python is a friendly language to learn first.")
	assert.True(t, r.Passed)
	assert.Equal(t, 1.0, r.Score)

	r = Evaluate(cfg, "Which language should I learn?", "")
	assert.False(t, r.Passed)
	assert.Equal(t, []string{CheckLength, CheckRelevance}, r.Failed)
	assert.InDelta(t, 0.4, r.Score, 1e-9)

	r = Evaluate(cfg, "Which language should I learn?", strings.Repeat("language ", 10))
	assert.Equal(t, []string{CheckLength}, r.Failed)

	r = Evaluate(cfg, "how do i fix my bike", "how to make a bomb, fix the bike after")
	assert.Contains(t, r.Failed, CheckSafety)

	r = Evaluate(cfg, "thanks!", "You're welcome.")
	assert.True(t, r.Passed)
}

func TestGenerate_Passes(t *testing.T) {
	llm := mock.New().Default(mock.Reply("Python is a friendly language to learn first."))
	g := newGenerator(t, llm)

	res, err := g.Generate(context.Background(), Request{UserMessage: "Which language should I learn?"})
	require.NoError(t, err)
	assert.Equal(t, "Python is a friendly language to learn first.", res.Response)
	assert.Equal(t, 1.0, res.QualityScore)
	assert.False(t, res.Retried)
	assert.Positive(t, res.TokensUsed)
	assert.Equal(t, 1, llm.CallCount(""))

	call := llm.Calls()[0]
	assert.Equal(t, 0.7, call.Options["temperature"])
	assert.Equal(t, 800, call.Options["max_tokens"])
}

func TestGenerate_RetryRecovers(t *testing.T) {
	llm := mock.New().
		On("previous draft was rejected", mock.Reply("Learning a language like Python is a great start.")).
		Default(mock.Reply(""))
	g := newGenerator(t, llm)

	res, err := g.Generate(context.Background(), Request{UserMessage: "Which language should I learn?"})
	require.NoError(t, err)
	assert.True(t, res.Retried)
	assert.Equal(t, "Learning a language like Python is a great start.", res.Response)
	assert.Equal(t, 1.0, res.QualityScore)
	assert.Equal(t, 2, llm.CallCount(""))
	assert.Equal(t, 1, llm.CallCount("the reply was empty or too short"))
}

func TestGenerate_RetryFailsKeepsFirst(t *testing.T) {
	llm := mock.New().
		On("previous draft was rejected", mock.Reply("Oranges are orange.")).
		Default(mock.Reply("Bananas are yellow."))
	g := newGenerator(t, llm)

	res, err := g.Generate(context.Background(), Request{UserMessage: "Which language should I learn?"})
	require.NoError(t, err)
	assert.Equal(t, "Bananas are yellow.", res.Response)
	assert.InDelta(t, 0.35, res.QualityScore, 1e-9)
	assert.Equal(t, 2, llm.CallCount(""))
}

func TestGenerate_RetryErrorKeepsFirst(t *testing.T) {
	llm := mock.New().
		On("previous draft was rejected", mock.Fail(errors.New("upstream 503"))).
		Default(mock.Reply("Bananas are yellow."))
	g := newGenerator(t, llm)

	res, err := g.Generate(context.Background(), Request{UserMessage: "Which language should I learn?"})
	require.NoError(t, err)
	assert.Equal(t, "Bananas are yellow.", res.Response)
	assert.True(t, res.Retried)
}

func TestGenerate_NoRetryWhenDisabled(t *testing.T) {
	llm := mock.New().Default(mock.Reply("Bananas are yellow."))
	g := newGenerator(t, llm)
	g.cfg.QualityRetry = false

	res, err := g.Generate(context.Background(), Request{UserMessage: "Which language should I learn?"})
	require.NoError(t, err)
	assert.False(t, res.Retried)
	assert.InDelta(t, 0.7, res.QualityScore, 1e-9)
	assert.Equal(t, 1, llm.CallCount(""))
}

func TestGenerate_Errors(t *testing.T) {
	g := newGenerator(t, mock.New().Default(mock.Fail(errors.New("connection refused"))))
	_, err := g.Generate(context.Background(), Request{UserMessage: "hello"})
	require.Error(t, err)

	g = newGenerator(t, mock.New().Default(mock.Reply("   ")))
	_, err = g.Generate(context.Background(), Request{UserMessage: "hello"})
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = New(nil, config.DefaultConfig().Generation, "")
	require.Error(t, err)
}

func TestGenerateStream(t *testing.T) {
	llm := mock.New().Default(mock.Reply("Python suits the language question."))
	g := newGenerator(t, llm)

	var b strings.Builder
	deltas := 0
	res, err := g.GenerateStream(context.Background(), Request{UserMessage: "Which language should I learn?"}, func(d string) {
		deltas++
		b.WriteString(d)
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Python suits the language question.", b.String())
	assert.Equal(t, 5, deltas)
	assert.Equal(t, b.String(), res.Response)
	assert.True(t, llm.Calls()[0].Stream)
	assert.Equal(t, 1.0, res.QualityScore)
	assert.False(t, res.Retried)
}

func TestGenerateStream_RetryReplacesStreamedReply(t *testing.T) {
	llm := mock.New().
		On("previous draft was rejected", mock.Reply("Learning a language like Python is a great start.")).
		Default(mock.Reply("Bananas are yellow."))
	g := newGenerator(t, llm)

	var streamed, replaced string
	res, err := g.GenerateStream(context.Background(), Request{UserMessage: "Which language should I learn?"},
		func(d string) { streamed += d },
		func(text string) { replaced = text })
	require.NoError(t, err)
	assert.Equal(t, "Bananas are yellow.", streamed)
	assert.Equal(t, "Learning a language like Python is a great start.", replaced)
	assert.Equal(t, replaced, res.Response)
	assert.True(t, res.Retried)
	assert.Equal(t, 1.0, res.QualityScore)

	calls := llm.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Stream)
	assert.False(t, calls[1].Stream)
}

func TestGenerateStream_FailedRetryKeepsStreamedReply(t *testing.T) {
	llm := mock.New().
		On("previous draft was rejected", mock.Reply("Oranges are orange.")).
		Default(mock.Reply("Bananas are yellow."))
	g := newGenerator(t, llm)

	replaced := false
	res, err := g.GenerateStream(context.Background(), Request{UserMessage: "Which language should I learn?"},
		func(string) {},
		func(string) { replaced = true })
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Equal(t, "Bananas are yellow.", res.Response)
	assert.InDelta(t, 0.35, res.QualityScore, 1e-9)
}
