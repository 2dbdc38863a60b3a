package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotmemory/pkg/analysis"
	"github.com/dotsetgreg/dotmemory/pkg/bus"
	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/extraction"
	"github.com/dotsetgreg/dotmemory/pkg/generation"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/privacy"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
	"github.com/dotsetgreg/dotmemory/pkg/providers/mock"
	"github.com/dotsetgreg/dotmemory/pkg/retrieval"
)

const pythonReply = "Python is a great language for programming."

type harness struct {
	cfg     *config.Config
	store   *memory.SQLiteStore
	vectors *memory.ChromemIndex
	llm     *mock.Provider
	coord   *Coordinator
}

func newHarness(t *testing.T, llm *mock.Provider, tweak func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Retrieval.UseLLMIntent = false
	cfg.Extraction.UseLLM = false
	if tweak != nil {
		tweak(cfg)
	}

	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	vectors, err := memory.NewChromemIndex("", memory.NewEmbedder(memory.ChargramModel))
	require.NoError(t, err)

	detector, err := privacy.NewDetector(nil)
	require.NoError(t, err)
	retriever, err := retrieval.New(store, vectors, llm, cfg.Retrieval)
	require.NoError(t, err)
	t.Cleanup(retriever.Close)
	generator, err := generation.New(llm, cfg.Generation, "")
	require.NoError(t, err)
	extractor, err := extraction.New(store, vectors, llm, memory.NewProfileLocks(), cfg.Extraction)
	require.NoError(t, err)

	coord, err := NewCoordinator(Deps{
		Privacy:   privacy.NewGuardian(detector, store),
		Retriever: retriever,
		Generator: generator,
		Extractor: extractor,
		Analyst:   analysis.New(store, cfg.Coordinator.AnalysisInterval),
		Store:     store,
	}, cfg.Coordinator)
	require.NoError(t, err)
	return &harness{cfg: cfg, store: store, vectors: vectors, llm: llm, coord: coord}
}

func pythonLLM() *mock.Provider {
	return mock.New().Default(mock.Reply(pythonReply))
}

func turnFor(session string, mode memory.PrivacyMode, msg string) TurnRequest {
	return TurnRequest{
		SessionID:        session,
		OwnerID:          "u1",
		ProfileID:        "p1",
		SessionProfileID: "p1",
		Mode:             mode,
		UserMessage:      msg,
		TurnIndex:        1,
	}
}

func (h *harness) memories(t *testing.T) []memory.Memory {
	t.Helper()
	ms, err := h.store.ListMemories(context.Background(), "p1", 100)
	require.NoError(t, err)
	return ms
}

type panickyAnalyst struct{}

func (panickyAnalyst) Due(int) bool { return true }

func (panickyAnalyst) Analyze(context.Context, analysis.Request) (*analysis.Result, error) {
	panic("analyst exploded")
}

type panickyPrivacy struct{}

func (panickyPrivacy) Check(context.Context, privacy.CheckRequest) (*privacy.CheckResult, error) {
	panic("guardian exploded")
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, retrieval.Request) (*retrieval.Result, error) {
	return nil, errors.New("vector store offline")
}

func TestNewCoordinator_RequiresPrivacyAndGenerator(t *testing.T) {
	_, err := NewCoordinator(Deps{}, config.DefaultConfig().Coordinator)
	require.Error(t, err)

	h := newHarness(t, pythonLLM(), nil)
	_, err = NewCoordinator(Deps{Privacy: h.coord.deps.Privacy}, config.DefaultConfig().Coordinator)
	require.Error(t, err)
}

func TestHandleTurn_NormalTurnReusesMemory(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	ctx := context.Background()
	_, err := h.store.InsertMemory(ctx, memory.Memory{
		OwnerID:    "u1",
		ProfileID:  "p1",
		Content:    "User prefers Python",
		Type:       memory.MemoryPreference,
		Importance: 0.7,
	})
	require.NoError(t, err)

	first, err := h.coord.HandleTurn(ctx, turnFor("s1", memory.PrivacyNormal, "I love Python programming."))
	require.NoError(t, err)
	assert.Empty(t, first.Error)
	assert.Equal(t, pythonReply, first.Response)
	assert.Equal(t, []string{AgentPrivacyGuardian, AgentMemoryRetriever, AgentResponseGenerator, AgentMemoryExtractor}, first.AgentsExecuted)
	require.NotEmpty(t, first.NewMemories)
	assert.Contains(t, first.NewMemories[0].Content, "Python")
	assert.Equal(t, "p1", first.NewMemories[0].ProfileID)

	second, err := h.coord.HandleTurn(ctx, turnFor("s2", memory.PrivacyNormal, "What language do I prefer?"))
	require.NoError(t, err)
	assert.Empty(t, second.Error)
	assert.Empty(t, second.NewMemories)

	var memoryContext string
	for _, call := range h.llm.Calls() {
		last := call.Messages[len(call.Messages)-1]
		if last.Content != "What language do I prefer?" {
			continue
		}
		for _, m := range call.Messages {
			if m.Role == providers.RoleSystem && strings.Contains(m.Content, "User prefers Python") {
				memoryContext = m.Content
			}
		}
	}
	assert.Contains(t, memoryContext, "Python")

	sum := 0
	for _, n := range second.TokensByAgent {
		sum += n
	}
	assert.Equal(t, second.TokensUsed, sum)
	assert.Greater(t, second.TokensByAgent[AgentResponseGenerator], 0)
}

func TestHandleTurn_IncognitoLeavesNoTrace(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	ctx := context.Background()

	res, err := h.coord.HandleTurn(ctx, turnFor("s1", memory.PrivacyIncognito, "My secret is pineapple on pizza"))
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.Response)
	assert.Equal(t, []string{AgentPrivacyGuardian, AgentResponseGenerator}, res.AgentsExecuted)
	assert.Empty(t, res.NewMemories)

	follow := turnFor("s1", memory.PrivacyIncognito, "What secret did I tell you?")
	follow.TurnIndex = 5
	res, err = h.coord.HandleTurn(ctx, follow)
	require.NoError(t, err)
	assert.NotContains(t, res.AgentsExecuted, AgentMemoryRetriever)
	assert.NotContains(t, res.AgentsExecuted, AgentConversationAnalyst)

	assert.Empty(t, h.memories(t))
	assert.Equal(t, 0, h.vectors.Count("p1"))

	logs, err := h.store.ListAgentLogs(ctx, "s1", 50)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	for _, l := range logs {
		assert.NotContains(t, l.InputSummary, "pineapple")
		assert.NotContains(t, l.OutputSummary, "pineapple")
	}
}

func TestHandleTurn_HighSeverityBlocksInIncognito(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	ctx := context.Background()

	res, err := h.coord.HandleTurn(ctx, turnFor("s1", memory.PrivacyIncognito, "my card is 4111 1111 1111 1111"))
	require.NoError(t, err)
	assert.Equal(t, ErrBlockedByPrivacy, res.Error)
	assert.Equal(t, []string{AgentPrivacyGuardian}, res.AgentsExecuted)
	assert.Contains(t, res.Response, "credit card")
	assert.NotContains(t, res.Response, "4111")
	assert.Equal(t, 0, h.llm.CallCount(""))

	audit, err := h.store.ListPrivacyAudit(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Len(t, audit[0].Violations, 1)
	assert.Equal(t, string(privacy.SeverityHigh), audit[0].Violations[0].Severity)
	assert.False(t, audit[0].Allowed)
}

func TestHandleTurn_ProfileMismatchBlocks(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	req := turnFor("s1", memory.PrivacyNormal, "What do you know about me?")
	req.SessionProfileID = "p2"

	res, err := h.coord.HandleTurn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ErrBlockedByPrivacy, res.Error)
	assert.Equal(t, 0, h.llm.CallCount(""))
}

func TestHandleTurn_GenerationFailureUsesFallback(t *testing.T) {
	llm := mock.New().Default(mock.Fail(errors.New("provider down")))
	h := newHarness(t, llm, nil)

	res, err := h.coord.HandleTurn(context.Background(), turnFor("s1", memory.PrivacyNormal, "I work as a nurse in Boston"))
	require.NoError(t, err)
	assert.Equal(t, ErrGenerationFallback, res.Error)
	assert.Equal(t, h.cfg.Coordinator.FallbackReply, res.Response)
	assert.NotEmpty(t, res.Response)
	assert.Contains(t, res.AgentsExecuted, AgentResponseGenerator)
	assert.Contains(t, res.AgentsExecuted, AgentMemoryExtractor)

	require.Len(t, res.NewMemories, 1)
	assert.Equal(t, "User works as a nurse in Boston", res.NewMemories[0].Content)

	logs, err := h.store.ListAgentLogs(context.Background(), "s1", 50)
	require.NoError(t, err)
	statuses := map[string]memory.LogStatus{}
	for _, l := range logs {
		statuses[l.AgentName] = l.Status
	}
	assert.Equal(t, memory.LogError, statuses[AgentResponseGenerator])
	assert.Equal(t, memory.LogSuccess, statuses[AgentMemoryExtractor])
}

func TestHandleTurn_PauseMemoryReadsButNeverWrites(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	ctx := context.Background()
	_, err := h.store.InsertMemory(ctx, memory.Memory{OwnerID: "u1", ProfileID: "p1", Content: "User prefers Python", Type: memory.MemoryPreference})
	require.NoError(t, err)

	res, err := h.coord.HandleTurn(ctx, turnFor("s1", memory.PrivacyPauseMemory, "I love Rust programming."))
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.Equal(t, []string{AgentPrivacyGuardian, AgentMemoryRetriever, AgentResponseGenerator}, res.AgentsExecuted)
	assert.Empty(t, res.NewMemories)
	assert.Len(t, h.memories(t), 1)

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "Memory is paused") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHandleTurn_RetrievalFailureDegrades(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	h.coord.deps.Retriever = failingRetriever{}

	res, err := h.coord.HandleTurn(context.Background(), turnFor("s1", memory.PrivacyNormal, "I love Python programming."))
	require.NoError(t, err)
	assert.Equal(t, ErrPartialDegradation, res.Error)
	assert.Equal(t, pythonReply, res.Response)
	assert.Contains(t, res.AgentsExecuted, AgentMemoryExtractor)
	assert.NotEmpty(t, res.NewMemories)
}

func TestHandleTurn_BudgetsOnlyWarn(t *testing.T) {
	h := newHarness(t, pythonLLM(), func(c *config.Config) {
		c.Coordinator.Budgets.Generation = 1
		c.Coordinator.Budgets.Turn = 1
	})

	res, err := h.coord.HandleTurn(context.Background(), turnFor("s1", memory.PrivacyNormal, "I love Python programming."))
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.Equal(t, pythonReply, res.Response)
	require.Len(t, res.BudgetOverruns, 2)
	assert.Contains(t, res.BudgetOverruns[0], AgentResponseGenerator)
	assert.Contains(t, res.BudgetOverruns[1], "turn used")
}

func TestHandleTurn_AnalysisRunsOnCadence(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	ctx := context.Background()

	req := turnFor("s1", memory.PrivacyNormal, "I love hiking in the Alps!")
	req.TurnIndex = 4
	res, err := h.coord.HandleTurn(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, res.AgentsExecuted, AgentConversationAnalyst)

	req.TurnIndex = 5
	res, err = h.coord.HandleTurn(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, res.AgentsExecuted, AgentConversationAnalyst)

	logs, err := h.store.ListAgentLogs(ctx, "s1", 50)
	require.NoError(t, err)
	insights := 0
	for _, l := range logs {
		if l.Action == "insight" {
			insights++
		}
	}
	assert.Equal(t, 1, insights)
}

func TestHandleTurn_StepPanicDegrades(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	h.coord.deps.Analyst = panickyAnalyst{}

	res, err := h.coord.HandleTurn(context.Background(), turnFor("s1", memory.PrivacyNormal, "I love Python programming."))
	require.NoError(t, err)
	assert.Equal(t, ErrPartialDegradation, res.Error)
	assert.Equal(t, pythonReply, res.Response)
	assert.Contains(t, res.AgentsExecuted, AgentConversationAnalyst)
}

func TestHandleTurn_PrivacyPanicIsFatal(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	h.coord.deps.Privacy = panickyPrivacy{}

	res, err := h.coord.HandleTurn(context.Background(), turnFor("s1", memory.PrivacyNormal, "hello there"))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, ErrFatal, res.Error)
	assert.Empty(t, res.Response)
	assert.Equal(t, 0, h.llm.CallCount(""))
}

func TestHandleTurn_InvalidRequestIsFatal(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)

	res, err := h.coord.HandleTurn(context.Background(), turnFor("s1", memory.PrivacyMode("loud"), "hello"))
	require.Error(t, err)
	assert.Equal(t, ErrFatal, res.Error)
	assert.Empty(t, res.AgentsExecuted)

	res, err = h.coord.HandleTurn(context.Background(), turnFor("s1", memory.PrivacyNormal, "   "))
	require.Error(t, err)
	assert.Equal(t, ErrFatal, res.Error)
}

func TestHandleTurnStream_StreamsReply(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	sb := bus.NewStreamBus(64)
	defer sb.Close()

	res, err := h.coord.HandleTurnStream(context.Background(), turnFor("s1", memory.PrivacyNormal, "I love Python programming."), sb)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	text, final := sb.Collect(ctx)
	assert.Equal(t, res.Response, text)
	assert.Equal(t, pythonReply, text)
	assert.True(t, final.Done)
	assert.Empty(t, final.Err)
	assert.Equal(t, "s1", final.SessionID)
	assert.NotEmpty(t, res.NewMemories)

	streamed := false
	for _, c := range h.llm.Calls() {
		streamed = streamed || c.Stream
	}
	assert.True(t, streamed)
}

func TestHandleTurnStream_RetriedReplyReplacesStream(t *testing.T) {
	llm := mock.New().
		On("previous draft was rejected", mock.Reply(pythonReply)).
		Default(mock.Reply("Bananas are yellow."))
	h := newHarness(t, llm, nil)
	sb := bus.NewStreamBus(64)
	defer sb.Close()

	res, err := h.coord.HandleTurnStream(context.Background(), turnFor("s1", memory.PrivacyNormal, "Which language should I learn for programming?"), sb)
	require.NoError(t, err)
	assert.Equal(t, pythonReply, res.Response)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	text, final := sb.Collect(ctx)
	assert.Equal(t, res.Response, text)
	assert.True(t, final.Done)
}

func TestHandleTurnStream_BlockedTurnStreamsRefusal(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	sb := bus.NewStreamBus(8)
	defer sb.Close()

	res, err := h.coord.HandleTurnStream(context.Background(), turnFor("s1", memory.PrivacyIncognito, "my card is 4111 1111 1111 1111"), sb)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	text, final := sb.Collect(ctx)
	assert.Equal(t, res.Response, text)
	assert.Equal(t, string(ErrBlockedByPrivacy), final.Err)
}

func TestHandleTurnStream_CancelledTurnStoresNothing(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	sb := bus.NewStreamBus(8)
	defer sb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.coord.HandleTurnStream(ctx, turnFor("s1", memory.PrivacyNormal, "I love Python programming."), sb)
	require.NoError(t, err)
	assert.NotContains(t, res.AgentsExecuted, AgentMemoryExtractor)
	assert.Empty(t, res.NewMemories)
	assert.Empty(t, h.memories(t))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	_, ok := sb.Subscribe(waitCtx)
	assert.False(t, ok)
}

func TestHandleTurnStream_RequiresBus(t *testing.T) {
	h := newHarness(t, pythonLLM(), nil)
	_, err := h.coord.HandleTurnStream(context.Background(), turnFor("s1", memory.PrivacyNormal, "hi"), nil)
	require.Error(t, err)
}

func TestBudgetLedger(t *testing.T) {
	l := newBudgetLedger(config.Budgets{Retrieval: 10, Turn: 25})

	assert.Empty(t, l.add(AgentMemoryRetriever, 8))
	over := l.add(AgentMemoryRetriever, 5)
	require.Len(t, over, 1)
	assert.Equal(t, "MemoryRetriever used 13 tokens, budget 10", over[0])
	assert.Empty(t, l.add(AgentMemoryRetriever, 1))

	over = l.add(AgentResponseGenerator, 20)
	require.Len(t, over, 1)
	assert.Equal(t, "turn used 34 tokens, budget 25", over[0])
	assert.Equal(t, 34, l.total)
	assert.Len(t, l.overruns, 2)
}

func TestLimitHistoryAndPreview(t *testing.T) {
	history := []providers.Message{
		{Role: providers.RoleUser, Content: "a"},
		{Role: providers.RoleAssistant, Content: "b"},
		{Role: providers.RoleUser, Content: "c"},
	}
	assert.Len(t, limitHistory(history, 0), 3)
	assert.Equal(t, "b", limitHistory(history, 2)[0].Content)

	assert.Equal(t, "short", preview("short", 10))
	assert.Equal(t, "abcdefg...", preview("abcdefghijklmnop", 10))
}
