package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/metrics"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

// DefaultTimeout bounds a single delivery to one sink.
const DefaultTimeout = time.Second

// ErrSinkTimeout is reported when a sink does not accept an event in time.
var ErrSinkTimeout = errors.New("sink timed out")

// Sink receives broadcast events
type Sink interface {
	ID() string
	Send(ctx context.Context, event core.Event) error
}

// Registry is the set of connected sinks. Every failed or timed-out sink is
// evicted so one slow observer never holds up later broadcasts.
type Registry struct {
	mu      sync.RWMutex
	sinks   map[string]Sink
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry. A non-positive timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sinks:   make(map[string]Sink),
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// Add registers a sink, replacing any sink with the same id
func (r *Registry) Add(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[sink.ID()] = sink
}

// Remove deregisters a sink. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, id)
}

// Len returns the number of registered sinks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Broadcast delivers event to every sink concurrently and returns the number
// of successful deliveries. Sinks that fail or exceed the timeout are evicted.
// Cancellation of ctx does not reach the sinks; only the per-sink timeout
// bounds a delivery.
func (r *Registry) Broadcast(ctx context.Context, event core.Event) int {
	ctx = context.WithoutCancel(ctx)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	if len(sinks) == 0 {
		return 0
	}

	type outcome struct {
		sink Sink
		err  error
	}
	results := make(chan outcome, len(sinks))
	for _, s := range sinks {
		go func(s Sink) {
			results <- outcome{sink: s, err: r.deliver(ctx, s, event)}
		}(s)
	}

	delivered := 0
	var failed []outcome
	for range sinks {
		res := <-results
		if res.err != nil {
			failed = append(failed, res)
			r.metrics.RecordBroadcast(string(event.Type), "failed")
			continue
		}
		delivered++
		r.metrics.RecordBroadcast(string(event.Type), "delivered")
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, f := range failed {
			// only evict the instance that failed, not a replacement registered meanwhile
			if current, ok := r.sinks[f.sink.ID()]; ok && current == f.sink {
				delete(r.sinks, f.sink.ID())
				r.metrics.RecordEviction()
				r.logger.Warn("Evicted notification sink",
					zap.String("sink_id", f.sink.ID()),
					zap.String("event", string(event.Type)),
					zap.Error(f.err))
			}
		}
		r.mu.Unlock()
	}

	return delivered
}

// deliver sends to one sink bounded by the registry timeout. A sink that
// ignores its context is abandoned once the deadline passes.
func (r *Registry) deliver(ctx context.Context, s Sink, event core.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("sink panicked: %v", p)
			}
		}()
		done <- s.Send(ctx, event)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrSinkTimeout
		}
		return err
	case <-ctx.Done():
		return ErrSinkTimeout
	}
}
