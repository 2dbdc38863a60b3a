// Package bus carries streamed reply chunks from a turn to its reader.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
)

// Chunk is one piece of a streamed reply. The final chunk of a turn has Done
// set and carries no delta.
type Chunk struct {
	SessionID string
	Seq       int
	Delta     string
	// Replace discards all text received so far in favor of Delta.
	Replace bool
	Done    bool
	// Err is set on the final chunk when the turn ended without a normal
	// reply.
	Err string
}

type StreamBus struct {
	chunks  chan Chunk
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

const (
	publishTimeout = 100 * time.Millisecond
	defaultBuffer  = 256
)

func NewStreamBus(buffer int) *StreamBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &StreamBus{chunks: make(chan Chunk, buffer)}
}

// Publish enqueues c, waiting up to publishTimeout for a slow reader before
// dropping it. It reports whether the chunk was queued.
func (sb *StreamBus) Publish(c Chunk) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	if sb.closed {
		return false
	}

	select {
	case sb.chunks <- c:
		return true
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case sb.chunks <- c:
			return true
		case <-timer.C:
			n := sb.dropped.Add(1)
			logger.WarnCF("bus", "Stream reader too slow, chunk dropped", map[string]interface{}{
				"session_id": c.SessionID,
				"seq":        c.Seq,
				"done":       c.Done,
				"dropped":    n,
			})
			return false
		}
	}
}

// Subscribe returns the next chunk, or false once the bus is closed and
// drained or ctx is done.
func (sb *StreamBus) Subscribe(ctx context.Context) (Chunk, bool) {
	select {
	case c, ok := <-sb.chunks:
		if !ok {
			return Chunk{}, false
		}
		return c, true
	case <-ctx.Done():
		return Chunk{}, false
	}
}

// Collect drains the bus until the Done chunk or close, concatenating the
// deltas and honoring Replace.
func (sb *StreamBus) Collect(ctx context.Context) (string, Chunk) {
	var text []byte
	for {
		c, ok := sb.Subscribe(ctx)
		if !ok {
			return string(text), Chunk{}
		}
		if c.Done {
			return string(text), c
		}
		if c.Replace {
			text = text[:0]
		}
		text = append(text, c.Delta...)
	}
}

func (sb *StreamBus) Close() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return
	}
	sb.closed = true
	close(sb.chunks)
}

func (sb *StreamBus) Dropped() uint64 {
	return sb.dropped.Load()
}
