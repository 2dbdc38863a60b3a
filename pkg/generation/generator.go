// Package generation produces the assistant reply for a turn from the user
// message, recalled memories, recent history and the profile personality.
package generation

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

// ErrEmptyResponse is returned when no attempt produced any text.
var ErrEmptyResponse = goerr.New("model returned an empty reply")

type Request struct {
	UserMessage   string
	MemoryContext string
	History       []providers.Message
	Personality   memory.Personality
	Model         string
}

type Result struct {
	Response     string
	QualityScore float64
	Quality      QualityReport
	Retried      bool
	TokensUsed   int
}

type Generator struct {
	llm        providers.LLMProvider
	cfg        config.GenerationConfig
	basePrompt string
}

// New builds a generator. An empty basePrompt selects the built-in one.
func New(llm providers.LLMProvider, cfg config.GenerationConfig, basePrompt string) (*Generator, error) {
	if llm == nil {
		return nil, goerr.New("generation provider is required")
	}
	if strings.TrimSpace(basePrompt) == "" {
		basePrompt = defaultBasePrompt
	}
	return &Generator{llm: llm, cfg: cfg, basePrompt: basePrompt}, nil
}

func (g *Generator) options() map[string]interface{} {
	opts := map[string]interface{}{"temperature": g.cfg.Temperature}
	if g.cfg.MaxTokens > 0 {
		opts["max_tokens"] = g.cfg.MaxTokens
	}
	return opts
}

// Generate calls the model, gates the reply on quality and retries once with
// a corrective instruction when the gate fails. A failing retry never loses
// the first reply: it is returned with its score halved.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	msgs := g.BuildMessages(req)
	resp, err := g.llm.Chat(ctx, msgs, req.Model, g.options())
	if err != nil {
		return nil, goerr.Wrap(err, "generate reply", goerr.V("kind", string(providers.ClassifyError(err))))
	}
	return g.gate(ctx, req, msgs, g.scored(req, msgs, resp), nil)
}

// GenerateStream streams reply deltas to onDelta and applies the same quality
// gate as Generate to the assembled reply. Streamed text cannot be taken
// back, so an accepted retry is handed to onReplace as the whole new reply.
// With a nil onReplace the reply is only scored.
func (g *Generator) GenerateStream(ctx context.Context, req Request, onDelta, onReplace func(string)) (*Result, error) {
	msgs := g.BuildMessages(req)
	var (
		resp *providers.LLMResponse
		err  error
	)
	if sp, ok := g.llm.(providers.StreamingProvider); ok {
		resp, err = sp.ChatStream(ctx, msgs, req.Model, g.options(), onDelta)
	} else {
		resp, err = g.llm.Chat(ctx, msgs, req.Model, g.options())
		if err == nil && resp.Content != "" {
			onDelta(resp.Content)
		}
	}
	if err != nil {
		return nil, goerr.Wrap(err, "stream reply", goerr.V("kind", string(providers.ClassifyError(err))))
	}
	res := g.scored(req, msgs, resp)
	if onReplace == nil {
		return finish(res)
	}
	return g.gate(ctx, req, msgs, res, onReplace)
}

func (g *Generator) scored(req Request, msgs []providers.Message, resp *providers.LLMResponse) *Result {
	res := &Result{
		Response:   strings.TrimSpace(resp.Content),
		TokensUsed: resp.Tokens(msgs),
	}
	res.Quality = Evaluate(g.cfg, req.UserMessage, res.Response)
	res.QualityScore = res.Quality.Score
	return res
}

// gate retries once when res fails the quality check. replace, when set, is
// called with the retry reply whenever it supersedes the first one.
func (g *Generator) gate(ctx context.Context, req Request, msgs []providers.Message, res *Result, replace func(string)) (*Result, error) {
	if res.Quality.Passed || !g.cfg.QualityRetry {
		return finish(res)
	}

	logger.InfoCF("generation", "Reply failed quality gate, retrying", map[string]interface{}{
		"failed": res.Quality.Failed,
		"score":  res.Quality.Score,
	})
	res.Retried = true
	retryMsgs := retryMessages(msgs, res.Quality)
	retry, err := g.llm.Chat(ctx, retryMsgs, req.Model, g.options())
	if err != nil {
		logger.WarnCF("generation", "Quality retry failed", map[string]interface{}{"error": err.Error()})
		res.TokensUsed += providers.EstimateMessagesTokens(retryMsgs)
		res.QualityScore = res.Quality.Score / 2
		return finish(res)
	}
	res.TokensUsed += retry.Tokens(retryMsgs)

	second := strings.TrimSpace(retry.Content)
	report := Evaluate(g.cfg, req.UserMessage, second)
	switch {
	case report.Passed:
		res.Response = second
		res.Quality = report
		res.QualityScore = report.Score
	case res.Response == "" && second != "":
		res.Response = second
		res.QualityScore = res.Quality.Score / 2
	default:
		res.QualityScore = res.Quality.Score / 2
		return finish(res)
	}
	if replace != nil {
		replace(res.Response)
	}
	return finish(res)
}

func finish(res *Result) (*Result, error) {
	if res.Response == "" {
		return nil, ErrEmptyResponse
	}
	return res, nil
}
