package providers

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// Tokens returns the reported total, or an estimate from the prompt and
// completion when the provider did not report usage.
func (r *LLMResponse) Tokens(prompt []Message) int {
	if r != nil && r.Usage != nil && r.Usage.TotalTokens > 0 {
		return r.Usage.TotalTokens
	}
	total := EstimateMessagesTokens(prompt)
	if r != nil {
		total += EstimateTokens(r.Content)
	}
	return total
}

// LLMProvider is the single chat entry point every agent uses. Options
// understood by all providers: max_tokens, temperature.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamingProvider emits content deltas as they arrive. The returned
// response carries the full accumulated content.
type StreamingProvider interface {
	LLMProvider
	ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}, onDelta func(string)) (*LLMResponse, error)
}

// EstimateTokens approximates token count at roughly 2.5 chars per token.
func EstimateTokens(text string) int {
	runes := len([]rune(text))
	if runes == 0 {
		return 0
	}
	n := runes * 2 / 5
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessagesTokens adds a small per-message overhead.
func EstimateMessagesTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 + EstimateTokens(m.Content)
	}
	return total
}

func optionAsInt(opts map[string]interface{}, key string) (int, bool) {
	if len(opts) == 0 {
		return 0, false
	}
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, false
	}
	switch vv := v.(type) {
	case int:
		return vv, true
	case int32:
		return int(vv), true
	case int64:
		return int(vv), true
	case float32:
		return int(vv), true
	case float64:
		return int(vv), true
	default:
		return 0, false
	}
}

func optionAsFloat(opts map[string]interface{}, key string) (float64, bool) {
	if len(opts) == 0 {
		return 0, false
	}
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, false
	}
	switch vv := v.(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	default:
		return 0, false
	}
}
