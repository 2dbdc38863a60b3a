package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotmemory/pkg/config"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *chatCompletionsProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p, err := newChatCompletionsProvider("openai", server.URL, "test-model", "", NewAPIKeyAuth(NewStaticTokenSource("sk-test", "test")), map[string]string{"X-Title": "dotmemory", " ": "skip"})
	require.NoError(t, err)
	return p
}

func TestChatCompletions_Chat(t *testing.T) {
	var got map[string]interface{}
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "dotmemory", r.Header.Get("X-Title"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	})

	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", map[string]interface{}{"max_tokens": 50, "temperature": 0.3})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 7, resp.Tokens(nil))

	assert.Equal(t, "test-model", got["model"])
	assert.EqualValues(t, 50, got["max_tokens"])
	assert.InDelta(t, 0.3, got["temperature"], 1e-9)
	_, streaming := got["stream"]
	assert.False(t, streaming)
}

func TestChatCompletions_ChatArrayContent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]},"finish_reason":"stop"}]}`)
	})
	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Content)
}

func TestChatCompletions_ChatStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`not json`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	resp, err := p.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil, func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestChatCompletions_APIError(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
		retry  bool
	}{
		{http.StatusTooManyRequests, ErrorRateLimit, true},
		{http.StatusUnauthorized, ErrorAuth, false},
		{http.StatusBadGateway, ErrorUnavailable, true},
		{http.StatusBadRequest, ErrorBadRequest, false},
		{http.StatusGatewayTimeout, ErrorTimeout, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			})
			_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil)
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Contains(t, apiErr.Message, "nope")
			assert.Equal(t, tt.kind, ClassifyError(err))
			assert.Equal(t, tt.retry, Retryable(err))
		})
	}
}

func TestClassifyError_Deadline(t *testing.T) {
	assert.Equal(t, ErrorTimeout, ClassifyError(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, ErrorUnknown, ClassifyError(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), ClassifyError(nil))
}

func TestAugmentProviderError(t *testing.T) {
	msg := augmentProviderError("openai", "Incorrect API key provided: sk-...")
	assert.Contains(t, msg, "Hint:")
	assert.Equal(t, "other", augmentProviderError("openrouter", "other"))
}

func TestExtractAPIError(t *testing.T) {
	assert.Equal(t, "empty response body", extractAPIError(nil))
	assert.Equal(t, "top level", extractAPIError([]byte(`{"message":"top level"}`)))
	long := strings.Repeat("x", 2500)
	assert.True(t, strings.HasSuffix(extractAPIError([]byte(long)), "..."))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 4, EstimateTokens("0123456789"))
	assert.Equal(t, 8+4, EstimateMessagesTokens([]Message{{Content: "0123456789"}, {Content: "0123456789"}}))

	var resp *LLMResponse
	assert.Equal(t, 4+4, resp.Tokens([]Message{{Content: "0123456789"}}))
}

type plainProvider struct {
	content string
	calls   int
}

func (p *plainProvider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	p.calls++
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("expected deadline")
	}
	return &LLMResponse{Content: p.content}, nil
}

func (p *plainProvider) GetDefaultModel() string { return "plain" }

func TestRateLimited_StreamFallback(t *testing.T) {
	inner := &plainProvider{content: "whole reply"}
	rl := NewRateLimited(inner, 0, 0, time.Second)

	var deltas []string
	resp, err := rl.ChatStream(context.Background(), nil, "", nil, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, "whole reply", resp.Content)
	assert.Equal(t, []string{"whole reply"}, deltas)
	assert.Equal(t, "plain", rl.GetDefaultModel())
	assert.Same(t, inner, rl.Unwrap())
}

func TestRateLimited_WaitHonorsContext(t *testing.T) {
	inner := &plainProvider{content: "x"}
	rl := NewRateLimited(inner, 1, 1, time.Second)

	_, err := rl.Chat(context.Background(), nil, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.Chat(ctx, nil, "", nil)
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestCreateProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.Name = "openai"
	_, err := CreateProvider(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")

	cfg.Providers.OpenAI.APIKey = "sk-test"
	p, err := CreateProvider(cfg)
	require.NoError(t, err)
	_, ok := p.(StreamingProvider)
	assert.True(t, ok)
	assert.Equal(t, defaultOpenAIModel, p.GetDefaultModel())

	cfg.Provider.Name = "nope"
	_, err = CreateProvider(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")

	assert.Equal(t, []string{ProviderAnthropic, ProviderOpenAI, ProviderOpenRouter}, SupportedProviders())
}

func TestAnthropicBuildParams(t *testing.T) {
	p := NewAnthropicProvider("claude-test")
	params := p.buildParams([]Message{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "again"},
	}, "", map[string]interface{}{"max_tokens": 64})

	assert.Equal(t, "claude-test", string(params.Model))
	assert.EqualValues(t, 64, params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be nice", params.System[0].Text)
	assert.Len(t, params.Messages, 3)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"Sure!\n```json\n[{\"a\":\"}\"}]\n```\nDone", `[{"a":"}"}]`, true},
		{`here you go: {"a":{"b":[1,2]}} trailing`, `{"a":{"b":[1,2]}}`, true},
		{`{"a":"escaped \" quote"}`, `{"a":"escaped \" quote"}`, true},
		{`no json here`, "", false},
		{`{"unterminated": [1,2`, "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractJSON(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
