package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotsetgreg/dotmemory/pkg/config"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 1024
)

func init() {
	RegisterFactory(ProviderAnthropic, newAnthropicProviderFromConfig, validateAnthropicConfig)
}

func validateAnthropicConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Providers.Anthropic.APIKey) == "" {
		return fmt.Errorf("Anthropic API key is required (set providers.anthropic.api_key or DOTMEMORY_PROVIDERS_ANTHROPIC_API_KEY)")
	}
	return nil
}

// AnthropicProvider talks to the Messages API through the official SDK.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

var _ StreamingProvider = (*AnthropicProvider)(nil)

func newAnthropicProviderFromConfig(cfg *config.Config) (LLMProvider, error) {
	creds := cfg.Providers.Anthropic
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(creds.APIKey))}
	if base := strings.TrimSpace(creds.APIBase); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if proxy := strings.TrimSpace(creds.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse anthropic proxy: %w", err)
		}
		opts = append(opts, option.WithHTTPClient(&http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}
	return NewAnthropicProvider(modelOrDefault(cfg, defaultAnthropicModel), opts...), nil
}

func NewAnthropicProvider(defaultModel string, opts ...option.RequestOption) *AnthropicProvider {
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: strings.TrimSpace(defaultModel),
	}
}

func (p *AnthropicProvider) GetDefaultModel() string {
	return p.defaultModel
}

// buildParams moves system messages into the top-level system prompt; the
// Messages API rejects them inline.
func (p *AnthropicProvider) buildParams(messages []Message, model string, options map[string]interface{}) anthropic.MessageNewParams {
	model = strings.TrimSpace(model)
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := defaultAnthropicMaxTokens
	if v, ok := optionAsInt(options, "max_tokens"); ok && v > 0 {
		maxTokens = v
	}

	var (
		system []anthropic.TextBlockParam
		turns  []anthropic.MessageParam
	)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  turns,
		System:    system,
	}
	if t, ok := optionAsFloat(options, "temperature"); ok {
		params.Temperature = anthropic.Float(t)
	}
	return params
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	resp, err := p.client.Messages.New(ctx, p.buildParams(messages, model, options))
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	return toLLMResponse(resp), nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}, onDelta func(string)) (*LLMResponse, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(messages, model, options))
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		_ = message.Accumulate(event)

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onDelta != nil && delta.Text != "" {
					onDelta(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return toLLMResponse(&message), nil
}

func toLLMResponse(msg *anthropic.Message) *LLMResponse {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return &LLMResponse{
		Content:      b.String(),
		FinishReason: string(msg.StopReason),
		Usage: &UsageInfo{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}
}
