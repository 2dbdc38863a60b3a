// Package analysis derives conversation-level signals (sentiment, topics,
// engagement, memory gaps) every few turns and records them as insights.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

const agentName = "ConversationAnalyst"

// LogSink receives insight records.
type LogSink interface {
	AppendAgentLog(ctx context.Context, l memory.AgentLog) error
}

type Sentiment struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Positive   int     `json:"positive"`
	Negative   int     `json:"negative"`
}

type Topic struct {
	Term  string  `json:"term"`
	Count int     `json:"count"`
	Score float64 `json:"score"`
}

type Pattern struct {
	Kind   string `json:"kind"`
	Count  int    `json:"count"`
	Detail string `json:"detail,omitempty"`
}

type Engagement struct {
	Score float64 `json:"score"`
	Level string  `json:"level"`
}

type Analysis struct {
	Sentiment  Sentiment  `json:"sentiment"`
	Topics     []Topic    `json:"topics"`
	Patterns   []Pattern  `json:"patterns"`
	Engagement Engagement `json:"engagement"`
	Gaps       []string   `json:"gaps"`
}

type Insights struct {
	Messages     int    `json:"messages"`
	UserMessages int    `json:"user_messages"`
	Questions    int    `json:"questions"`
	MainTopic    string `json:"main_topic,omitempty"`
	Summary      string `json:"summary"`
}

type Recommendation struct {
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
	Message  string `json:"message"`
}

type Request struct {
	SessionID string
	History   []providers.Message
	Existing  []memory.Memory
}

type Result struct {
	Analysis        Analysis         `json:"analysis"`
	Insights        Insights         `json:"insights"`
	Recommendations []Recommendation `json:"recommendations"`
}

type Analyst struct {
	sink     LogSink
	interval int
}

// New builds an analyst that runs every interval turns. A nil sink skips
// persistence.
func New(sink LogSink, interval int) *Analyst {
	return &Analyst{sink: sink, interval: interval}
}

// Due reports whether analysis should run on the given 1-based turn.
func (a *Analyst) Due(turnIndex int) bool {
	return a.interval > 0 && turnIndex > 0 && turnIndex%a.interval == 0
}

// Analyze computes the signals for the conversation and records them as an
// insight log entry.
func (a *Analyst) Analyze(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res := Compute(req.History, req.Existing)

	if a.sink != nil {
		out, err := json.Marshal(res)
		if err != nil {
			return nil, goerr.Wrap(err, "encode insight")
		}
		err = a.sink.AppendAgentLog(ctx, memory.AgentLog{
			SessionID:     req.SessionID,
			AgentName:     agentName,
			Action:        "insight",
			InputSummary:  fmt.Sprintf("%d messages", len(req.History)),
			OutputSummary: string(out),
			ExecutionTime: time.Since(start),
			Status:        memory.LogSuccess,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "record insight", goerr.V("session_id", req.SessionID))
		}
	}
	logger.DebugCF("analysis", "Conversation analyzed", map[string]interface{}{
		"session_id": req.SessionID,
		"sentiment":  res.Analysis.Sentiment.Label,
		"engagement": res.Analysis.Engagement.Level,
		"gaps":       len(res.Analysis.Gaps),
	})
	return res, nil
}

// Compute derives every signal without side effects.
func Compute(history []providers.Message, existing []memory.Memory) *Result {
	msgs := userMessages(history)
	an := Analysis{
		Sentiment:  scoreSentiment(msgs),
		Topics:     rankTopics(msgs),
		Engagement: scoreEngagement(msgs),
		Patterns:   []Pattern{},
	}
	an.Gaps = findGaps(an.Topics, existing)

	questions := 0
	for _, m := range msgs {
		if isQuestion(m) {
			questions++
		}
	}
	if questions >= 3 || (len(msgs) >= 2 && questions*2 > len(msgs)) {
		an.Patterns = append(an.Patterns, Pattern{Kind: "frequent_questions", Count: questions})
	}
	if len(an.Topics) > 0 && an.Topics[0].Count >= 3 {
		an.Patterns = append(an.Patterns, Pattern{Kind: "recurring_topic", Count: an.Topics[0].Count, Detail: an.Topics[0].Term})
	}
	if an.Engagement.Level == "high" {
		an.Patterns = append(an.Patterns, Pattern{Kind: "high_engagement", Count: len(msgs)})
	}

	ins := Insights{Messages: len(history), UserMessages: len(msgs), Questions: questions}
	if len(an.Topics) > 0 {
		ins.MainTopic = an.Topics[0].Term
	}
	ins.Summary = fmt.Sprintf("%s sentiment, %s engagement across %d user messages", an.Sentiment.Label, an.Engagement.Level, len(msgs))
	if ins.MainTopic != "" {
		ins.Summary += ", mostly about " + ins.MainTopic
	}

	return &Result{Analysis: an, Insights: ins, Recommendations: recommend(an, len(msgs))}
}

func recommend(an Analysis, userMessages int) []Recommendation {
	out := []Recommendation{}
	if userMessages > 0 && an.Engagement.Level == "low" {
		out = append(out, Recommendation{
			Kind:     "increase_engagement",
			Priority: "high",
			Message:  "Engagement is low: ask an open question or offer a concrete next step.",
		})
	}
	if an.Sentiment.Label == SentimentNegative {
		out = append(out, Recommendation{
			Kind:     "address_sentiment",
			Priority: "high",
			Message:  "The user sounds frustrated: acknowledge it before moving on.",
		})
	}
	for i, gap := range an.Gaps {
		if i == 3 {
			break
		}
		out = append(out, Recommendation{
			Kind:     "store_information",
			Priority: "medium",
			Message:  "Store information about " + gap,
		})
	}
	for _, p := range an.Patterns {
		if p.Kind == "frequent_questions" {
			out = append(out, Recommendation{
				Kind:     "provide_detail",
				Priority: "low",
				Message:  "The user asks many questions: give fuller answers up front.",
			})
		}
	}
	return out
}
