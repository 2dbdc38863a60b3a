package providers

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited shares one token bucket across every agent calling the same
// provider and bounds each call with a timeout.
type RateLimited struct {
	inner   LLMProvider
	limiter *rate.Limiter
	timeout time.Duration
}

var _ StreamingProvider = (*RateLimited)(nil)

// NewRateLimited wraps inner. requestsPerMinute <= 0 disables limiting;
// timeout <= 0 leaves the caller's deadline alone.
func NewRateLimited(inner LLMProvider, requestsPerMinute, burst int, timeout time.Duration) *RateLimited {
	r := &RateLimited{inner: inner, timeout: timeout}
	if requestsPerMinute > 0 {
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
	}
	return r
}

func (r *RateLimited) Unwrap() LLMProvider {
	return r.inner
}

func (r *RateLimited) GetDefaultModel() string {
	return r.inner.GetDefaultModel()
}

func (r *RateLimited) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("wait for rate limit: %w", err)
		}
	}
	if r.timeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		return cctx, cancel, nil
	}
	return ctx, func() {}, nil
}

func (r *RateLimited) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	cctx, cancel, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.inner.Chat(cctx, messages, model, options)
}

// ChatStream falls back to a single delta when the wrapped provider cannot
// stream.
func (r *RateLimited) ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}, onDelta func(string)) (*LLMResponse, error) {
	cctx, cancel, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if sp, ok := r.inner.(StreamingProvider); ok {
		return sp.ChatStream(cctx, messages, model, options, onDelta)
	}
	resp, err := r.inner.Chat(cctx, messages, model, options)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && resp.Content != "" {
		onDelta(resp.Content)
	}
	return resp, nil
}
