package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/storage"
	"github.com/snow-ghost/skilltuner/pkg/tracing"
)

// scriptedMethod scores logs through a callback and tracks concurrency.
type scriptedMethod struct {
	name  string
	score func(log *core.Log) (float64, error)
	delay time.Duration

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *scriptedMethod) Details() MethodDetails {
	return MethodDetails{Name: m.name, Description: "scripted"}
}

func (m *scriptedMethod) ParameterSchema() map[string]any {
	return map[string]any{"note": map[string]any{"type": "string"}}
}

func (m *scriptedMethod) Evaluate(ctx context.Context, job Job) (*Verdict, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	score, err := m.score(job.Log)
	if err != nil {
		return nil, err
	}
	return &Verdict{
		Score:     score,
		Reasoning: "scripted " + job.Log.ID,
		Output:    map[string]any{"method_field": job.Triple.Input},
	}, nil
}

func constScore(v float64) func(*core.Log) (float64, error) {
	return func(*core.Log) (float64, error) { return v, nil }
}

func newTestPipeline(t *testing.T, m Method) (*Pipeline, storage.Store) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(m))
	store := storage.NewMemoryStore()
	return NewPipeline(store, reg, nil), store
}

func seedLogs(t *testing.T, store storage.Store, datasetID string, n int) []*core.Log {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logs := make([]*core.Log, n)
	for i := range n {
		logs[i] = &core.Log{
			ID:           fmt.Sprintf("log-%02d", i),
			SkillID:      "skill-1",
			DatasetIDs:   []string{datasetID},
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			Function:     "chat",
			StatusCode:   200,
			RequestBody:  []byte(fmt.Sprintf(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"question %d"}]}`, i)),
			ResponseBody: []byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"answer"}}]}`),
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.CreateLog(context.Background(), logs[i]))
	}
	return logs
}

func createEvaluation(t *testing.T, p *Pipeline, method string, params map[string]any) *core.Evaluation {
	t.Helper()
	evaluation, err := p.CreateEvaluation(context.Background(), "skill-1", "quality", method, params)
	require.NoError(t, err)
	return evaluation
}

func TestRun_PartialFailureCompletesRun(t *testing.T) {
	m := &scriptedMethod{
		name:  "scripted",
		delay: 5 * time.Millisecond,
		score: func(log *core.Log) (float64, error) {
			if log.ID == "log-04" {
				return 0, errors.New("judge exploded")
			}
			return 0.8, nil
		},
	}
	p, store := newTestPipeline(t, m)
	seedLogs(t, store, "ds-1", 10)
	evaluation := createEvaluation(t, p, "scripted", map[string]any{"batch_size": 3, "async_mode": true})

	run, err := p.Run(context.Background(), RunRequest{EvaluationID: evaluation.ID, DatasetID: "ds-1"})
	require.NoError(t, err)

	assert.Equal(t, core.RunStatusCompleted, run.Status)
	require.NotNil(t, run.Results)
	assert.Equal(t, 10, run.Results.TotalLogs)
	assert.Equal(t, 9, run.Results.PassedCount)
	assert.Equal(t, 1, run.Results.FailedCount)
	assert.InDelta(t, 0.72, run.Results.AverageScore, 1e-9)
	assert.InDelta(t, 0.0, *run.Results.MinScore, 1e-9)
	assert.InDelta(t, 0.8, *run.Results.MaxScore, 1e-9)
	assert.Len(t, run.OutputIDs, 10)
	assert.LessOrEqual(t, m.maxInFlight.Load(), int32(3))

	outputs, err := store.ListLogOutputs(context.Background(), run.ID)
	require.NoError(t, err)
	var errored []*core.LogOutput
	for _, o := range outputs {
		for _, key := range []string{"score", "passed", "execution_time_ms", "evaluated_at"} {
			assert.Contains(t, o.Output, key)
		}
		if o.Error {
			errored = append(errored, o)
		}
	}
	require.Len(t, errored, 1)
	assert.Equal(t, "log-04", errored[0].LogID)
	assert.Zero(t, errored[0].Score)
	assert.False(t, errored[0].Passed)

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestRun_SequentialMode(t *testing.T) {
	m := &scriptedMethod{name: "scripted", delay: time.Millisecond, score: constScore(0.6)}
	p, store := newTestPipeline(t, m)
	seedLogs(t, store, "ds-1", 5)
	evaluation := createEvaluation(t, p, "scripted", map[string]any{"batch_size": 2, "async_mode": false})

	run, err := p.Run(context.Background(), RunRequest{EvaluationID: evaluation.ID, DatasetID: "ds-1"})
	require.NoError(t, err)
	assert.Equal(t, 5, run.Results.TotalLogs)
	assert.Equal(t, int32(1), m.maxInFlight.Load())
	assert.Equal(t, int32(5), m.calls.Load())
}

func TestRun_StrictMode(t *testing.T) {
	m := &scriptedMethod{
		name: "scripted",
		score: func(log *core.Log) (float64, error) {
			if log.ID == "log-00" {
				return 1.0, nil
			}
			return 0.95, nil
		},
	}
	p, store := newTestPipeline(t, m)
	seedLogs(t, store, "ds-1", 2)
	evaluation := createEvaluation(t, p, "scripted", map[string]any{"strict_mode": true, "threshold": 0.3})

	run, err := p.Run(context.Background(), RunRequest{EvaluationID: evaluation.ID, DatasetID: "ds-1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, run.Results.ThresholdUsed)
	assert.Equal(t, 1, run.Results.PassedCount)
	assert.Equal(t, 1, run.Results.FailedCount)
	assert.InDelta(t, 0.5, run.Results.AverageScore, 1e-9)
}

func TestRun_ExplicitLogIDsSkipMissing(t *testing.T) {
	m := &scriptedMethod{name: "scripted", score: constScore(0.7)}
	p, store := newTestPipeline(t, m)
	seedLogs(t, store, "ds-1", 3)
	evaluation := createEvaluation(t, p, "scripted", nil)

	run, err := p.Run(context.Background(), RunRequest{
		EvaluationID: evaluation.ID,
		LogIDs:       []string{"log-00", "log-02", "missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, run.Results.TotalLogs)
}

func TestRun_LogsCarryTraceID(t *testing.T) {
	m := &scriptedMethod{name: "scripted", score: func(log *core.Log) (float64, error) {
		if log.ID == "log-01" {
			return 0, errors.New("judge unavailable")
		}
		return 1, nil
	}}
	reg := NewRegistry()
	require.NoError(t, reg.Register(m))
	store := storage.NewMemoryStore()
	logCore, logs := observer.New(zapcore.DebugLevel)
	tracer := tracing.NewTracerWithProvider(sdktrace.NewTracerProvider())
	p := NewPipeline(store, reg, zap.New(logCore), WithTracer(tracer))

	seedLogs(t, store, "ds-1", 2)
	evaluation := createEvaluation(t, p, "scripted", nil)
	_, err := p.Run(context.Background(), RunRequest{EvaluationID: evaluation.ID, DatasetID: "ds-1"})
	require.NoError(t, err)

	for _, msg := range []string{"log evaluation failed", "evaluation run completed"} {
		entries := logs.FilterMessage(msg).All()
		require.NotEmpty(t, entries, msg)
		assert.NotEmpty(t, entries[0].ContextMap()["trace_id"], msg)
	}
}

func TestRun_UnknownMethodFailsRun(t *testing.T) {
	p, store := newTestPipeline(t, &scriptedMethod{name: "scripted", score: constScore(1)})
	evaluation := &core.Evaluation{ID: "ev-1", SkillID: "skill-1", Method: "nope"}
	require.NoError(t, store.CreateEvaluation(context.Background(), evaluation))

	run, err := p.Run(context.Background(), RunRequest{EvaluationID: "ev-1", DatasetID: "ds-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMethod)
	require.NotNil(t, run)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, stored.Status)
}

func TestRun_NoTargetFailsRun(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedMethod{name: "scripted", score: constScore(1)})
	evaluation := createEvaluation(t, p, "scripted", nil)

	run, err := p.Run(context.Background(), RunRequest{EvaluationID: evaluation.ID})
	assert.ErrorIs(t, err, ErrNoTarget)
	assert.Equal(t, core.RunStatusFailed, run.Status)
}

func TestRun_EmptyDataset(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedMethod{name: "scripted", score: constScore(1)})
	evaluation := createEvaluation(t, p, "scripted", nil)

	run, err := p.Run(context.Background(), RunRequest{EvaluationID: evaluation.ID, DatasetID: "empty"})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, 0, run.Results.TotalLogs)
	assert.Nil(t, run.Results.MinScore)
	assert.Nil(t, run.Results.MedianScore)
}

func TestRun_UnknownEvaluation(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedMethod{name: "scripted", score: constScore(1)})
	run, err := p.Run(context.Background(), RunRequest{EvaluationID: "missing", DatasetID: "ds"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Nil(t, run)
}

func TestEvaluateOneLog_IsIdempotent(t *testing.T) {
	m := &scriptedMethod{name: "scripted", score: constScore(0.9)}
	p, store := newTestPipeline(t, m)
	logs := seedLogs(t, store, "ds-1", 1)
	evaluation := createEvaluation(t, p, "scripted", nil)

	run, err := p.RealtimeRun(context.Background(), evaluation)
	require.NoError(t, err)

	first, err := p.EvaluateOneLog(context.Background(), run.ID, logs[0])
	require.NoError(t, err)
	second, err := p.EvaluateOneLog(context.Background(), run.ID, logs[0])
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), m.calls.Load())

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Results.TotalLogs)
	assert.Equal(t, core.RunStatusRunning, stored.Status)
}

func TestEvaluateOneLog_ConcurrentCallsKeepAggregatesConsistent(t *testing.T) {
	m := &scriptedMethod{name: "scripted", delay: time.Millisecond, score: constScore(0.5)}
	p, store := newTestPipeline(t, m)
	logs := seedLogs(t, store, "ds-1", 20)
	evaluation := createEvaluation(t, p, "scripted", nil)
	run, err := p.RealtimeRun(context.Background(), evaluation)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, log := range logs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.EvaluateOneLog(context.Background(), run.ID, log)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, stored.Results.TotalLogs)
	assert.Len(t, stored.OutputIDs, 20)
	assert.Equal(t, 20, stored.Results.PassedCount)
}

func TestRealtimeRun_ReusesOpenRun(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedMethod{name: "scripted", score: constScore(1)})
	evaluation := createEvaluation(t, p, "scripted", nil)

	a, err := p.RealtimeRun(context.Background(), evaluation)
	require.NoError(t, err)
	b, err := p.RealtimeRun(context.Background(), evaluation)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.True(t, a.Realtime)
}

func TestCreateEvaluation_ValidatesParameters(t *testing.T) {
	p, _ := newTestPipeline(t, &scriptedMethod{name: "scripted", score: constScore(1)})
	ctx := context.Background()

	_, err := p.CreateEvaluation(ctx, "skill-1", "bad", "scripted", map[string]any{"threshold": 2})
	assert.Error(t, err)

	_, err = p.CreateEvaluation(ctx, "skill-1", "bad", "scripted", map[string]any{"unknown_key": true})
	assert.Error(t, err)

	_, err = p.CreateEvaluation(ctx, "skill-1", "bad", "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)

	evaluation, err := p.CreateEvaluation(ctx, "skill-1", "ok", "scripted", map[string]any{"note": "x", "batch_size": 4})
	require.NoError(t, err)
	assert.Equal(t, "scripted", evaluation.Method)
}

func TestAggregate(t *testing.T) {
	outputs := []*core.LogOutput{
		{Score: 0.2},
		{Score: 0.9, Passed: true},
		{Score: 0.5, Passed: true},
		{Score: 0, Error: true},
	}
	results := Aggregate(outputs, 0.5)
	assert.Equal(t, 4, results.TotalLogs)
	assert.Equal(t, 2, results.PassedCount)
	assert.Equal(t, 2, results.FailedCount)
	assert.InDelta(t, 0.4, results.AverageScore, 1e-9)
	assert.InDelta(t, 0.35, *results.MedianScore, 1e-9)
	assert.Equal(t, 0.5, results.ThresholdUsed)
}
