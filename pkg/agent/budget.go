package agent

import (
	"fmt"

	"github.com/dotsetgreg/dotmemory/pkg/config"
)

// budgetLedger accumulates token usage per agent and per turn. Budgets are
// advisory: going over one is reported once and never stops the turn.
type budgetLedger struct {
	budgets  config.Budgets
	byAgent  map[string]int
	total    int
	warned   map[string]bool
	overruns []string
}

func newBudgetLedger(b config.Budgets) *budgetLedger {
	return &budgetLedger{
		budgets: b,
		byAgent: map[string]int{},
		warned:  map[string]bool{},
	}
}

func (l *budgetLedger) limitFor(agentName string) int {
	switch agentName {
	case AgentPrivacyGuardian:
		return l.budgets.PrivacyCheck
	case AgentMemoryRetriever:
		return l.budgets.Retrieval
	case AgentResponseGenerator:
		return l.budgets.Generation
	case AgentMemoryExtractor:
		return l.budgets.Extraction
	case AgentConversationAnalyst:
		return l.budgets.Analysis
	}
	return 0
}

// add records tokens for agentName and returns any budgets newly exceeded.
func (l *budgetLedger) add(agentName string, tokens int) []string {
	if tokens < 0 {
		tokens = 0
	}
	l.byAgent[agentName] += tokens
	l.total += tokens

	var exceeded []string
	if limit := l.limitFor(agentName); limit > 0 && l.byAgent[agentName] > limit && !l.warned[agentName] {
		l.warned[agentName] = true
		exceeded = append(exceeded, fmt.Sprintf("%s used %d tokens, budget %d", agentName, l.byAgent[agentName], limit))
	}
	if limit := l.budgets.Turn; limit > 0 && l.total > limit && !l.warned["turn"] {
		l.warned["turn"] = true
		exceeded = append(exceeded, fmt.Sprintf("turn used %d tokens, budget %d", l.total, limit))
	}
	l.overruns = append(l.overruns, exceeded...)
	return exceeded
}
