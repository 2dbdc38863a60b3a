package agent

import (
	"context"

	"github.com/dotsetgreg/dotmemory/pkg/bus"
)

// streamer forwards reply text of one turn to a StreamBus. A nil streamer
// is a non-streaming turn and ignores every call.
type streamer struct {
	ctx       context.Context
	bus       *bus.StreamBus
	sessionID string
	seq       int
	sent      bool
}

func (s *streamer) delta(text string) {
	if s == nil || text == "" || s.ctx.Err() != nil {
		return
	}
	s.bus.Publish(bus.Chunk{SessionID: s.sessionID, Seq: s.seq, Delta: text})
	s.seq++
	s.sent = true
}

// replace swaps everything streamed so far for text.
func (s *streamer) replace(text string) {
	if s == nil || s.ctx.Err() != nil {
		return
	}
	s.bus.Publish(bus.Chunk{SessionID: s.sessionID, Seq: s.seq, Delta: text, Replace: true})
	s.seq++
	s.sent = true
}

// fallback sends the fallback reply, set apart from any partial output the
// failed generation already streamed.
func (s *streamer) fallback(text string) {
	if s == nil {
		return
	}
	if s.sent {
		text = "\n\n" + text
	}
	s.delta(text)
}

func (s *streamer) finish(res *TurnResult, err error) {
	if s == nil || s.ctx.Err() != nil {
		return
	}
	final := bus.Chunk{SessionID: s.sessionID, Seq: s.seq, Done: true}
	switch {
	case err != nil:
		final.Err = string(ErrFatal)
	case res != nil && res.Error != "":
		final.Err = string(res.Error)
	}
	s.bus.Publish(final)
}
