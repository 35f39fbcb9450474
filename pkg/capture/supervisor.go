package capture

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/metrics"
)

// Background task outcomes recorded in metrics
const (
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskPanicked  = "panicked"
)

// Supervisor runs background work off the request path. Failures and
// panics are logged and counted, never propagated.
type Supervisor struct {
	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewSupervisor creates a supervisor
func NewSupervisor(logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{logger: logger, metrics: m}
}

// Go runs fn in its own goroutine. ctx keeps its values but not its
// cancellation, so the task outlives the request that started it.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.run(ctx, name, fn)
		switch {
		case err == nil:
			s.metrics.RecordBackgroundTask(name, TaskSucceeded)
		case isPanic(err):
			s.metrics.RecordBackgroundTask(name, TaskPanicked)
			s.logger.Error("Background task panicked", zap.String("task", name), zap.Error(err))
		default:
			s.metrics.RecordBackgroundTask(name, TaskFailed)
			s.logger.Error("Background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

type panicError struct {
	value any
}

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func isPanic(err error) bool {
	_, ok := err.(panicError)
	return ok
}

func (s *Supervisor) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("Recovered background panic", zap.String("task", name), zap.Stack("stack"))
			err = panicError{value: r}
		}
	}()
	return fn(ctx)
}

// Wait blocks until every started task has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
