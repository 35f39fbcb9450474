package notify

import (
	"context"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/streaming"
)

// SSESink forwards events to a connected Server-Sent Events client
type SSESink struct {
	id     string
	writer *streaming.SSEWriter
	done   <-chan struct{}
}

// NewSSESink wraps writer. done is closed when the client disconnects.
func NewSSESink(id string, writer *streaming.SSEWriter, done <-chan struct{}) *SSESink {
	return &SSESink{id: id, writer: writer, done: done}
}

// ID returns the sink id
func (s *SSESink) ID() string { return s.id }

// Send writes the event as an SSE frame named after its type
func (s *SSESink) Send(ctx context.Context, event core.Event) error {
	select {
	case <-s.done:
		return context.Canceled
	default:
	}
	return s.writer.WriteEvent(string(event.Type), event)
}

// ChanSink delivers events on a channel, for in-process observers
type ChanSink struct {
	id string
	ch chan core.Event
}

// NewChanSink creates a sink with the given buffer size
func NewChanSink(id string, buffer int) *ChanSink {
	return &ChanSink{id: id, ch: make(chan core.Event, buffer)}
}

// ID returns the sink id
func (s *ChanSink) ID() string { return s.id }

// Events returns the receive side of the sink
func (s *ChanSink) Events() <-chan core.Event { return s.ch }

// Send blocks until the event is buffered or ctx is done
func (s *ChanSink) Send(ctx context.Context, event core.Event) error {
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
