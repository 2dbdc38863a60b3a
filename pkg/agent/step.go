package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

// stepOutput is what a step reports back to the wrapper: tokens consumed
// and a short content-free summary for the execution log.
type stepOutput struct {
	tokens  int
	summary string
}

type stepFunc func(ctx context.Context) (stepOutput, error)

// runStep applies the shared instrumentation to one agent call: a timeout,
// panic recovery, token accounting and an execution log record. A recovered
// panic is returned as the step's error.
func (c *Coordinator) runStep(ctx context.Context, t *turn, agentName, action string, fn stepFunc) (err error) {
	start := time.Now()
	stepCtx := ctx
	if c.cfg.StepTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.StepTimeoutSeconds)*time.Second)
		defer cancel()
	}

	var out stepOutput
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = goerr.New("agent step panicked", goerr.V("agent", agentName), goerr.V("panic", fmt.Sprint(r)))
				logger.ErrorCF("agent", "Recovered panic in step", map[string]interface{}{
					"turn_id": t.id,
					"agent":   agentName,
					"panic":   fmt.Sprint(r),
					"stack":   string(debug.Stack()),
				})
			}
		}()
		out, err = fn(stepCtx)
	}()
	elapsed := time.Since(start)

	t.res.AgentsExecuted = append(t.res.AgentsExecuted, agentName)
	for _, overrun := range t.ledger.add(agentName, out.tokens) {
		logger.WarnCF("agent", "Token budget exceeded", map[string]interface{}{
			"turn_id": t.id,
			"agent":   agentName,
			"detail":  overrun,
		})
	}

	logger.DebugCF("agent", "Step finished", map[string]interface{}{
		"turn_id":    t.id,
		"agent":      agentName,
		"tokens":     out.tokens,
		"elapsed_ms": elapsed.Milliseconds(),
		"ok":         err == nil,
	})
	c.recordStep(ctx, t, agentName, action, out, err, elapsed)
	return err
}

func (c *Coordinator) recordStep(ctx context.Context, t *turn, agentName, action string, out stepOutput, stepErr error, elapsed time.Duration) {
	if c.deps.Store == nil {
		return
	}
	entry := memory.AgentLog{
		SessionID:     t.req.SessionID,
		AgentName:     agentName,
		Action:        action,
		InputSummary:  inputSummary(t.req),
		OutputSummary: out.summary,
		ExecutionTime: elapsed,
		Status:        memory.LogSuccess,
	}
	if stepErr != nil {
		entry.Status = memory.LogError
		entry.ErrorMessage = stepErr.Error()
	}
	if err := c.deps.Store.AppendAgentLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.WarnCF("agent", "Failed to record agent log", map[string]interface{}{
			"turn_id": t.id,
			"agent":   agentName,
			"error":   err.Error(),
		})
	}
}

// inputSummary never carries message text in incognito.
func inputSummary(req TurnRequest) string {
	if req.Mode == memory.PrivacyIncognito {
		return fmt.Sprintf("incognito message, %d chars", len([]rune(req.UserMessage)))
	}
	return preview(req.UserMessage, 80)
}
