// DotMemory - Privacy-aware multi-agent memory pipeline
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/dotmemory/pkg/analysis"
	"github.com/dotsetgreg/dotmemory/pkg/bus"
	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/extraction"
	"github.com/dotsetgreg/dotmemory/pkg/generation"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/privacy"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
	"github.com/dotsetgreg/dotmemory/pkg/retrieval"
)

// Agent names as they appear in TurnResult.AgentsExecuted and agent logs.
const (
	AgentPrivacyGuardian     = "PrivacyGuardian"
	AgentMemoryRetriever     = "MemoryRetriever"
	AgentResponseGenerator   = "ResponseGenerator"
	AgentMemoryExtractor     = "MemoryExtractor"
	AgentConversationAnalyst = "ConversationAnalyst"
)

// ErrorKind classifies a turn that did not complete cleanly.
type ErrorKind string

const (
	ErrBlockedByPrivacy   ErrorKind = "blocked_by_privacy"
	ErrPartialDegradation ErrorKind = "partial_degradation"
	ErrGenerationFallback ErrorKind = "generation_failed_fallback_used"
	ErrFatal              ErrorKind = "fatal"
)

const (
	defaultFallbackReply = "I'm sorry, I couldn't fully process that. Could you try again?"
	existingMemoryLimit  = 200
)

type PrivacyChecker interface {
	Check(ctx context.Context, req privacy.CheckRequest) (*privacy.CheckResult, error)
}

type MemoryRetriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

type ResponseGenerator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Result, error)
	GenerateStream(ctx context.Context, req generation.Request, onDelta, onReplace func(string)) (*generation.Result, error)
}

type MemoryExtractor interface {
	ExtractAndStore(ctx context.Context, req extraction.Request) (*extraction.Result, error)
}

type ConversationAnalyst interface {
	Due(turnIndex int) bool
	Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error)
}

// LogStore receives one execution record per step and supplies the stored
// memories the analyst compares the conversation against.
type LogStore interface {
	AppendAgentLog(ctx context.Context, l memory.AgentLog) error
	ListMemories(ctx context.Context, profileID string, limit int) ([]memory.Memory, error)
}

// Deps are the collaborators of a Coordinator. Privacy and Generator are
// required; leaving any other field unset disables that step.
type Deps struct {
	Privacy   PrivacyChecker
	Retriever MemoryRetriever
	Generator ResponseGenerator
	Extractor MemoryExtractor
	Analyst   ConversationAnalyst
	Store     LogStore
}

type TurnRequest struct {
	SessionID string
	OwnerID   string
	ProfileID string
	// SessionProfileID is the profile bound to the session. A non-empty
	// ProfileID must match it or the turn is blocked.
	SessionProfileID string
	Mode             memory.PrivacyMode
	UserMessage      string
	History          []providers.Message
	// TurnIndex is 1-based and drives the analysis cadence.
	TurnIndex   int
	Personality memory.Personality
	Model       string
}

type TurnResult struct {
	TurnID         string
	Response       string
	AgentsExecuted []string
	TokensUsed     int
	TokensByAgent  map[string]int
	// NewMemories are the rows written by extraction this turn, both new and
	// consolidated. Empty unless extraction ran.
	NewMemories    []memory.Memory
	Warnings       []string
	BudgetOverruns []string
	Error          ErrorKind
	QualityScore   float64
	Elapsed        time.Duration
}

type Coordinator struct {
	deps Deps
	cfg  config.CoordinatorConfig
}

func NewCoordinator(deps Deps, cfg config.CoordinatorConfig) (*Coordinator, error) {
	if deps.Privacy == nil {
		return nil, goerr.New("privacy checker is required")
	}
	if deps.Generator == nil {
		return nil, goerr.New("response generator is required")
	}
	if strings.TrimSpace(cfg.FallbackReply) == "" {
		cfg.FallbackReply = defaultFallbackReply
	}
	return &Coordinator{deps: deps, cfg: cfg}, nil
}

// turn is the mutable state of one HandleTurn call.
type turn struct {
	id       string
	req      TurnRequest
	res      *TurnResult
	ledger   *budgetLedger
	degraded bool
}

// HandleTurn runs the privacy, retrieval, generation, extraction and analysis
// steps for one user message. A non-nil error is returned only for fatal
// failures; every other outcome is reported through TurnResult.Error.
func (c *Coordinator) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return c.handle(ctx, req, nil)
}

// HandleTurnStream is HandleTurn with the reply streamed to out as it is
// generated, followed by a Done chunk. Once ctx is cancelled nothing more is
// published and memory extraction is not attempted. The caller owns out.
func (c *Coordinator) HandleTurnStream(ctx context.Context, req TurnRequest, out *bus.StreamBus) (*TurnResult, error) {
	if out == nil {
		return nil, goerr.New("stream bus is required")
	}
	s := &streamer{ctx: ctx, bus: out, sessionID: req.SessionID}
	res, err := c.handle(ctx, req, s)
	s.finish(res, err)
	return res, err
}

func (c *Coordinator) handle(ctx context.Context, req TurnRequest, stream *streamer) (res *TurnResult, err error) {
	start := time.Now()
	t := &turn{
		id:     uuid.NewString(),
		req:    req,
		ledger: newBudgetLedger(c.cfg.Budgets),
	}
	t.res = &TurnResult{TurnID: t.id, AgentsExecuted: []string{}, Warnings: []string{}}

	defer func() {
		if r := recover(); r != nil {
			err = goerr.New("turn panicked", goerr.V("turn_id", t.id), goerr.V("panic", fmt.Sprint(r)))
			logger.ErrorCF("agent", "Recovered panic outside any step", map[string]interface{}{
				"turn_id": t.id,
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			})
		}
		if err != nil {
			t.res.Error = ErrFatal
		}
		c.finish(t, start)
		res = t.res
	}()

	err = c.run(ctx, t, stream)
	return t.res, err
}

func (c *Coordinator) run(ctx context.Context, t *turn, stream *streamer) error {
	req := t.req
	if !req.Mode.Valid() {
		return goerr.New("invalid privacy mode", goerr.V("mode", req.Mode), goerr.V("turn_id", t.id))
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return goerr.New("empty user message", goerr.V("turn_id", t.id))
	}

	fields := map[string]interface{}{
		"turn_id":    t.id,
		"session_id": req.SessionID,
		"profile_id": req.ProfileID,
		"mode":       string(req.Mode),
		"turn_index": req.TurnIndex,
	}
	if req.Mode != memory.PrivacyIncognito {
		fields["preview"] = preview(req.UserMessage, 80)
	}
	logger.InfoCF("agent", "Processing turn", fields)

	// 1. Privacy check gates everything else
	var check *privacy.CheckResult
	err := c.runStep(ctx, t, AgentPrivacyGuardian, "check", func(ctx context.Context) (stepOutput, error) {
		r, err := c.deps.Privacy.Check(ctx, privacy.CheckRequest{
			SessionID:        req.SessionID,
			Text:             req.UserMessage,
			Mode:             req.Mode,
			ProfileID:        req.ProfileID,
			SessionProfileID: req.SessionProfileID,
		})
		if err != nil {
			return stepOutput{}, err
		}
		check = r
		return stepOutput{summary: fmt.Sprintf("allowed=%t violations=%d", r.Allowed, len(r.Violations))}, nil
	})
	if err != nil {
		return goerr.Wrap(err, "privacy check failed", goerr.V("turn_id", t.id))
	}
	t.res.Warnings = append(t.res.Warnings, check.Warnings...)
	if !check.Allowed {
		t.res.Error = ErrBlockedByPrivacy
		t.res.Response = blockedReply(check.BlockReason)
		stream.delta(t.res.Response)
		logger.WarnCF("agent", "Turn blocked by privacy check", map[string]interface{}{
			"turn_id": t.id,
			"reason":  check.BlockReason,
		})
		return nil
	}
	message := check.SanitizedContent
	if strings.TrimSpace(message) == "" {
		message = req.UserMessage
	}
	history := limitHistory(req.History, c.cfg.HistoryLimit)

	// 2. Memory retrieval, never in incognito
	var memoryContext string
	if req.Mode.CanRead() && c.deps.Retriever != nil {
		err := c.runStep(ctx, t, AgentMemoryRetriever, "retrieve", func(ctx context.Context) (stepOutput, error) {
			r, err := c.deps.Retriever.Retrieve(ctx, retrieval.Request{
				Query:     message,
				ProfileID: req.ProfileID,
				Mode:      req.Mode,
			})
			if err != nil {
				return stepOutput{}, err
			}
			memoryContext = r.Context
			summary := fmt.Sprintf("%d memories", len(r.Memories))
			if r.Skipped {
				summary = "skipped"
			}
			if len(r.StrategyErrors) > 0 {
				summary += fmt.Sprintf(", %d strategies failed", len(r.StrategyErrors))
			}
			return stepOutput{tokens: r.TokensUsed, summary: summary}, nil
		})
		if err != nil {
			c.degrade(t, AgentMemoryRetriever, err)
		}
	}

	// 3. Response generation always runs
	genReq := generation.Request{
		UserMessage:   message,
		MemoryContext: memoryContext,
		History:       history,
		Personality:   req.Personality,
		Model:         req.Model,
	}
	err = c.runStep(ctx, t, AgentResponseGenerator, "generate", func(ctx context.Context) (stepOutput, error) {
		var (
			r   *generation.Result
			err error
		)
		if stream != nil {
			r, err = c.deps.Generator.GenerateStream(ctx, genReq, stream.delta, stream.replace)
		} else {
			r, err = c.deps.Generator.Generate(ctx, genReq)
		}
		if err != nil {
			return stepOutput{}, err
		}
		t.res.Response = r.Response
		t.res.QualityScore = r.QualityScore
		summary := fmt.Sprintf("reply %d chars, quality %.2f", len([]rune(r.Response)), r.QualityScore)
		if r.Retried {
			summary += ", retried"
		}
		return stepOutput{tokens: r.TokensUsed, summary: summary}, nil
	})
	if err != nil {
		t.res.Error = ErrGenerationFallback
		t.res.Response = c.cfg.FallbackReply
		t.res.QualityScore = 0
		stream.fallback(t.res.Response)
		logger.ErrorCF("agent", "Response generation failed, using fallback reply", map[string]interface{}{
			"turn_id":   t.id,
			"kind":      string(providers.ClassifyError(err)),
			"retryable": providers.Retryable(err),
			"error":     err.Error(),
		})
	}

	if ctx.Err() != nil {
		t.res.Warnings = append(t.res.Warnings, "The turn was cancelled before memories could be saved.")
		logger.InfoCF("agent", "Turn cancelled after generation, skipping extraction", map[string]interface{}{
			"turn_id": t.id,
		})
		return nil
	}

	// 4. Memory extraction, normal mode only. From here on the caller
	// cancelling must not interrupt a write.
	if req.Mode.CanWrite() && c.deps.Extractor != nil {
		err := c.runStep(context.WithoutCancel(ctx), t, AgentMemoryExtractor, "extract", func(ctx context.Context) (stepOutput, error) {
			r, err := c.deps.Extractor.ExtractAndStore(ctx, extraction.Request{
				SessionID:         req.SessionID,
				OwnerID:           req.OwnerID,
				ProfileID:         req.ProfileID,
				Mode:              req.Mode,
				UserMessage:       message,
				AssistantResponse: t.res.Response,
				History:           history,
			})
			if err != nil {
				return stepOutput{}, err
			}
			if r.Skipped {
				return stepOutput{tokens: r.TokensUsed, summary: "skipped: " + r.Reason}, nil
			}
			t.res.NewMemories = r.Memories
			return stepOutput{
				tokens:  r.TokensUsed,
				summary: fmt.Sprintf("%d new, %d consolidated, %d conflicts", r.Inserted, r.Consolidated, len(r.Conflicts)),
			}, nil
		})
		if err != nil {
			c.degrade(t, AgentMemoryExtractor, err)
		}
	}

	// 5. Periodic analysis
	if req.Mode != memory.PrivacyIncognito && c.deps.Analyst != nil && c.deps.Analyst.Due(req.TurnIndex) {
		convo := make([]providers.Message, 0, len(history)+2)
		convo = append(convo, history...)
		convo = append(convo,
			providers.Message{Role: providers.RoleUser, Content: message},
			providers.Message{Role: providers.RoleAssistant, Content: t.res.Response},
		)
		err := c.runStep(ctx, t, AgentConversationAnalyst, "analyze", func(ctx context.Context) (stepOutput, error) {
			var existing []memory.Memory
			if c.deps.Store != nil && req.ProfileID != "" {
				var err error
				existing, err = c.deps.Store.ListMemories(ctx, req.ProfileID, existingMemoryLimit)
				if err != nil {
					return stepOutput{}, err
				}
			}
			r, err := c.deps.Analyst.Analyze(ctx, analysis.Request{
				SessionID: req.SessionID,
				History:   convo,
				Existing:  existing,
			})
			if err != nil {
				return stepOutput{}, err
			}
			return stepOutput{summary: r.Insights.Summary}, nil
		})
		if err != nil {
			c.degrade(t, AgentConversationAnalyst, err)
		}
	}
	return nil
}

// degrade records a failed best-effort step at the level its agent warrants.
func (c *Coordinator) degrade(t *turn, agentName string, err error) {
	t.degraded = true
	fields := map[string]interface{}{
		"turn_id": t.id,
		"agent":   agentName,
		"error":   err.Error(),
	}
	switch agentName {
	case AgentMemoryRetriever:
		logger.WarnCF("agent", "Memory retrieval failed, continuing without memories", fields)
	case AgentMemoryExtractor:
		logger.WarnCF("agent", "Memory extraction failed", fields)
	default:
		logger.DebugCF("agent", "Conversation analysis skipped after failure", fields)
	}
}

func (c *Coordinator) finish(t *turn, start time.Time) {
	res := t.res
	res.TokensByAgent = t.ledger.byAgent
	res.TokensUsed = t.ledger.total
	res.BudgetOverruns = t.ledger.overruns
	if res.Error == "" && t.degraded {
		res.Error = ErrPartialDegradation
	}
	res.Elapsed = time.Since(start)

	fields := map[string]interface{}{
		"turn_id":      t.id,
		"session_id":   t.req.SessionID,
		"agents":       strings.Join(res.AgentsExecuted, ","),
		"tokens":       res.TokensUsed,
		"new_memories": len(res.NewMemories),
		"error":        string(res.Error),
		"elapsed_ms":   res.Elapsed.Milliseconds(),
	}
	if t.req.Mode != memory.PrivacyIncognito && res.Response != "" {
		fields["response"] = preview(res.Response, 120)
	}
	logger.InfoCF("agent", "Turn complete", fields)
}

func blockedReply(reason string) string {
	if reason == "" {
		reason = "the message could not be processed in this privacy mode"
	}
	return fmt.Sprintf("I can't process this message: %s. Please remove the sensitive details and try again.", reason)
}

// limitHistory keeps the last n messages; n <= 0 keeps everything.
func limitHistory(history []providers.Message, n int) []providers.Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
