// Package mock provides a scripted LLM provider for tests.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

// Response is one scripted provider outcome.
type Response struct {
	Content string
	Err     error
	Delay   time.Duration
}

func Reply(content string) Response { return Response{Content: content} }

func Fail(err error) Response { return Response{Err: err} }

// Call records a request the provider received.
type Call struct {
	Messages []providers.Message
	Model    string
	Options  map[string]interface{}
	Stream   bool
}

type route struct {
	match     string
	responses []Response
	next      int
}

// Provider answers each request from the first route whose match string
// appears in any request message. Each route replays its responses in order
// and then repeats the last one.
type Provider struct {
	mu       sync.Mutex
	routes   []*route
	fallback Response
	calls    []Call
	model    string
}

var _ providers.StreamingProvider = (*Provider)(nil)

func New() *Provider {
	return &Provider{fallback: Reply("ok"), model: "mock-model"}
}

func (p *Provider) On(match string, responses ...Response) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = append(p.routes, &route{match: match, responses: responses})
	return p
}

func (p *Provider) Default(r Response) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = r
	return p
}

func (p *Provider) GetDefaultModel() string { return p.model }

func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount counts requests containing match; an empty match counts all.
func (p *Provider) CallCount(match string) int {
	n := 0
	for _, c := range p.Calls() {
		if match == "" || containsAny(c.Messages, match) {
			n++
		}
	}
	return n
}

func (p *Provider) pick(messages []providers.Message, model string, options map[string]interface{}, stream bool) Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Messages: messages, Model: model, Options: options, Stream: stream})
	for _, r := range p.routes {
		if !containsAny(messages, r.match) || len(r.responses) == 0 {
			continue
		}
		idx := r.next
		if idx >= len(r.responses) {
			idx = len(r.responses) - 1
		} else {
			r.next++
		}
		return r.responses[idx]
	}
	return p.fallback
}

func (p *Provider) await(ctx context.Context, r Response) error {
	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Delay):
		}
	}
	return r.Err
}

func (p *Provider) Chat(ctx context.Context, messages []providers.Message, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	r := p.pick(messages, model, options, false)
	if err := p.await(ctx, r); err != nil {
		return nil, err
	}
	return &providers.LLMResponse{Content: r.Content, FinishReason: "stop"}, nil
}

// ChatStream emits the scripted content word by word.
func (p *Provider) ChatStream(ctx context.Context, messages []providers.Message, model string, options map[string]interface{}, onDelta func(string)) (*providers.LLMResponse, error) {
	r := p.pick(messages, model, options, true)
	if err := p.await(ctx, r); err != nil {
		return nil, err
	}
	words := strings.SplitAfter(r.Content, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if w != "" && onDelta != nil {
			onDelta(w)
		}
	}
	return &providers.LLMResponse{Content: r.Content, FinishReason: "stop"}, nil
}

func containsAny(messages []providers.Message, match string) bool {
	for _, m := range messages {
		if strings.Contains(m.Content, match) {
			return true
		}
	}
	return false
}
