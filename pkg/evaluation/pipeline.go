package evaluation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snow-ghost/skilltuner/pkg/locks"
	"github.com/snow-ghost/skilltuner/pkg/logging"
	"github.com/snow-ghost/skilltuner/pkg/metrics"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/stats"
	"github.com/snow-ghost/skilltuner/pkg/storage"
	"github.com/snow-ghost/skilltuner/pkg/tracing"
)

// ErrNoTarget is returned when a run names neither a dataset nor logs.
var ErrNoTarget = errors.New("run has no dataset or logs")

// Output outcomes recorded in metrics
const (
	OutcomePassed = "passed"
	OutcomeFailed = "failed"
	OutcomeError  = "error"
)

// RunRequest selects what a run evaluates. LogIDs wins over DatasetID.
type RunRequest struct {
	EvaluationID string
	DatasetID    string
	LogIDs       []string
	AgentID      string
}

// Pipeline executes evaluation runs and single-log scoring.
type Pipeline struct {
	store    storage.Store
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
	runLocks *locks.Keyed
	now      func() time.Time
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithMetrics records outputs and run outcomes on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer wraps runs and logs in spans
func WithTracer(t *tracing.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline over store using the methods in registry.
func NewPipeline(store storage.Store, registry *Registry, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		store:    store,
		registry: registry,
		logger:   logger,
		runLocks: locks.NewKeyed(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the method registry the pipeline resolves against.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// CreateEvaluation validates params against the method schema and stores a
// new Evaluation on the skill.
func (p *Pipeline) CreateEvaluation(ctx context.Context, skillID, name, method string, params map[string]any) (*core.Evaluation, error) {
	if _, err := p.registry.Validate(method, params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	evaluation := &core.Evaluation{
		ID:         uuid.NewString(),
		SkillID:    skillID,
		Name:       name,
		Method:     method,
		Parameters: params,
		CreatedAt:  p.now(),
	}
	if err := p.store.CreateEvaluation(ctx, evaluation); err != nil {
		return nil, fmt.Errorf("failed to create evaluation: %w", err)
	}
	return evaluation, nil
}

func (p *Pipeline) resolve(evaluation *core.Evaluation) (Method, Params, error) {
	method, err := p.registry.Get(evaluation.Method)
	if err != nil {
		return nil, Params{}, err
	}
	params, err := p.registry.Validate(evaluation.Method, evaluation.Parameters)
	if err != nil {
		return nil, Params{}, err
	}
	return method, params, nil
}

// Run evaluates the requested logs in batches and returns the completed run.
// Per-log failures become error outputs; anything else fails the run and is
// returned together with the failed run.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*core.EvaluationRun, error) {
	evaluation, err := p.store.GetEvaluation(ctx, req.EvaluationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluation %s: %w", req.EvaluationID, err)
	}

	run := &core.EvaluationRun{
		ID:           uuid.NewString(),
		EvaluationID: evaluation.ID,
		DatasetID:    req.DatasetID,
		AgentID:      req.AgentID,
		SkillID:      evaluation.SkillID,
		Status:       core.RunStatusPending,
		OutputIDs:    []string{},
		StartedAt:    p.now(),
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	ctx, span := p.tracer.StartRunSpan(ctx, evaluation.ID, run.ID, evaluation.Method)
	defer span.End()

	logger := logging.WithTrace(ctx, p.logger).With(
		zap.String("run_id", run.ID),
		zap.String("evaluation_id", evaluation.ID),
		zap.String("method", evaluation.Method),
	)

	if err := p.execute(ctx, run, evaluation, req, logger); err != nil {
		tracing.RecordSpanError(span, err)
		p.fail(ctx, run, evaluation.Method, err, logger)
		return run, err
	}

	p.metrics.RecordEvaluationRun(evaluation.Method, string(run.Status))
	logger.Info("evaluation run completed",
		zap.Int("total_logs", run.Results.TotalLogs),
		zap.Float64("average_score", run.Results.AverageScore),
	)
	return run, nil
}

func (p *Pipeline) execute(ctx context.Context, run *core.EvaluationRun, evaluation *core.Evaluation, req RunRequest, logger *zap.Logger) error {
	method, params, err := p.resolve(evaluation)
	if err != nil {
		return err
	}

	run.Status = core.RunStatusRunning
	if err := p.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}

	logs, err := p.targetLogs(ctx, evaluation, req, logger)
	if err != nil {
		return err
	}

	batchSize := params.BatchSize
	for start := 0; start < len(logs); start += batchSize {
		end := min(start+batchSize, len(logs))
		if err := p.runBatch(ctx, run, method, params, logs[start:end]); err != nil {
			return err
		}
		logger.Debug("batch evaluated", zap.Int("from", start), zap.Int("to", end))
	}

	unlock := p.runLocks.Lock(run.ID)
	defer unlock()

	outputs, err := p.store.ListLogOutputs(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list outputs: %w", err)
	}
	results := Aggregate(outputs, params.EffectiveThreshold())
	completedAt := p.now()
	run.Results = &results
	run.OutputIDs = outputIDs(outputs)
	run.Status = core.RunStatusCompleted
	run.CompletedAt = &completedAt
	if err := p.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

func (p *Pipeline) targetLogs(ctx context.Context, evaluation *core.Evaluation, req RunRequest, logger *zap.Logger) ([]*core.Log, error) {
	switch {
	case len(req.LogIDs) > 0:
		logs := make([]*core.Log, 0, len(req.LogIDs))
		for _, id := range req.LogIDs {
			log, err := p.store.GetLog(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				logger.Warn("skipping missing log", zap.String("log_id", id))
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load log %s: %w", id, err)
			}
			logs = append(logs, log)
		}
		return logs, nil
	case req.DatasetID != "":
		logs, err := p.store.ListDatasetLogs(ctx, req.DatasetID, evaluation.SkillID)
		if err != nil {
			return nil, fmt.Errorf("failed to list dataset %s: %w", req.DatasetID, err)
		}
		return logs, nil
	default:
		return nil, ErrNoTarget
	}
}

// runBatch evaluates one batch, concurrently in async mode. Only storage or
// context failures are returned.
func (p *Pipeline) runBatch(ctx context.Context, run *core.EvaluationRun, method Method, params Params, batch []*core.Log) error {
	if !params.AsyncMode {
		for _, log := range batch {
			if _, err := p.evaluateLog(ctx, run.ID, method, params, log); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(params.BatchSize)
	for _, log := range batch {
		g.Go(func() error {
			_, err := p.evaluateLog(gctx, run.ID, method, params, log)
			return err
		})
	}
	return g.Wait()
}

// evaluateLog judges one log and persists its output. A method error is
// recorded as an error output and not returned.
func (p *Pipeline) evaluateLog(ctx context.Context, runID string, method Method, params Params, log *core.Log) (*core.LogOutput, error) {
	ctx, span := p.tracer.StartLogSpan(ctx, runID, log.ID)
	defer span.End()

	name := method.Details().Name
	start := p.now()
	verdict, evalErr := method.Evaluate(ctx, Job{
		RunID:  runID,
		Log:    log,
		Triple: Extract(log),
		Params: params,
	})
	if evalErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	evaluatedAt := p.now()
	elapsed := evaluatedAt.Sub(start)

	var output *core.LogOutput
	if evalErr != nil {
		tracing.RecordSpanError(span, evalErr)
		logging.WithTrace(ctx, p.logger).Warn("log evaluation failed",
			zap.String("run_id", runID),
			zap.String("log_id", log.ID),
			zap.String("method", name),
			zap.Error(evalErr),
		)
		output = errorOutput(log.ID, runID, evalErr, elapsed, evaluatedAt)
	} else {
		output = scoredOutput(log.ID, runID, verdict, params, elapsed, evaluatedAt)
	}
	span.SetAttributes(attribute.Float64("evaluation.score", output.Score))

	stored, created, err := p.store.CreateLogOutput(ctx, output)
	if err != nil {
		return nil, fmt.Errorf("failed to store output for log %s: %w", log.ID, err)
	}
	if created {
		p.metrics.RecordEvaluationOutput(name, outcome(stored))
	}
	return stored, nil
}

func outcome(o *core.LogOutput) string {
	switch {
	case o.Error:
		return OutcomeError
	case o.Passed:
		return OutcomePassed
	default:
		return OutcomeFailed
	}
}

func scoredOutput(logID, runID string, v *Verdict, params Params, elapsed time.Duration, at time.Time) *core.LogOutput {
	score := params.ApplyStrict(clamp01(v.Score))
	passed := score >= params.EffectiveThreshold()

	payload := make(map[string]any, len(v.Output)+5)
	maps.Copy(payload, v.Output)
	payload["score"] = score
	payload["passed"] = passed
	payload["threshold"] = params.EffectiveThreshold()
	payload["execution_time_ms"] = elapsed.Milliseconds()
	payload["evaluated_at"] = at.UTC().Format(time.RFC3339Nano)

	out := &core.LogOutput{
		ID:              uuid.NewString(),
		LogID:           logID,
		RunID:           runID,
		Output:          payload,
		Score:           score,
		Passed:          passed,
		ExecutionTimeMS: elapsed.Milliseconds(),
		Metadata:        v.Metadata,
		CreatedAt:       at,
	}
	if params.IncludeReason {
		out.Reasoning = v.Reasoning
		payload["reason"] = v.Reasoning
	}
	return out
}

func errorOutput(logID, runID string, evalErr error, elapsed time.Duration, at time.Time) *core.LogOutput {
	return &core.LogOutput{
		ID:    uuid.NewString(),
		LogID: logID,
		RunID: runID,
		Output: map[string]any{
			"score":             0.0,
			"passed":            false,
			"error":             evalErr.Error(),
			"execution_time_ms": elapsed.Milliseconds(),
			"evaluated_at":      at.UTC().Format(time.RFC3339Nano),
		},
		Reasoning:       evalErr.Error(),
		ExecutionTimeMS: elapsed.Milliseconds(),
		Error:           true,
		CreatedAt:       at,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// fail marks the run failed. It runs detached from ctx so a cancelled caller
// still leaves a terminal run behind.
func (p *Pipeline) fail(ctx context.Context, run *core.EvaluationRun, method string, cause error, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	completedAt := p.now()
	run.Status = core.RunStatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &completedAt
	if err := p.store.UpdateRun(ctx, run); err != nil {
		logger.Error("failed to mark run failed", zap.Error(err))
	}
	p.metrics.RecordEvaluationRun(method, string(core.RunStatusFailed))
	logger.Error("evaluation run failed", zap.Error(cause))
}

// EvaluateOneLog scores log into an existing run with the run's evaluation
// parameters and recomputes the run aggregates from every stored output.
// A log already scored in the run is not judged again.
func (p *Pipeline) EvaluateOneLog(ctx context.Context, runID string, log *core.Log) (*core.LogOutput, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	evaluation, err := p.store.GetEvaluation(ctx, run.EvaluationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluation %s: %w", run.EvaluationID, err)
	}
	method, params, err := p.resolve(evaluation)
	if err != nil {
		return nil, err
	}

	existing, err := p.store.ListLogOutputs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	for _, o := range existing {
		if o.LogID == log.ID {
			return o, nil
		}
	}

	output, err := p.evaluateLog(ctx, runID, method, params, log)
	if err != nil {
		return nil, err
	}
	if err := p.reaggregate(ctx, runID, params); err != nil {
		return output, err
	}
	return output, nil
}

func (p *Pipeline) reaggregate(ctx context.Context, runID string, params Params) error {
	unlock := p.runLocks.Lock(runID)
	defer unlock()

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to reload run %s: %w", runID, err)
	}
	outputs, err := p.store.ListLogOutputs(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list outputs: %w", err)
	}
	results := Aggregate(outputs, params.EffectiveThreshold())
	run.Results = &results
	run.OutputIDs = outputIDs(outputs)
	if err := p.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	return nil
}

// RealtimeRun returns the open real-time run of an evaluation, creating it
// on first use.
func (p *Pipeline) RealtimeRun(ctx context.Context, evaluation *core.Evaluation) (*core.EvaluationRun, error) {
	unlock := p.runLocks.Lock("realtime:" + evaluation.ID)
	defer unlock()

	runs, err := p.store.ListRuns(ctx, evaluation.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	for _, run := range runs {
		if run.Realtime && !run.Status.Terminal() {
			return run, nil
		}
	}

	run := &core.EvaluationRun{
		ID:           uuid.NewString(),
		EvaluationID: evaluation.ID,
		SkillID:      evaluation.SkillID,
		Status:       core.RunStatusRunning,
		OutputIDs:    []string{},
		Realtime:     true,
		StartedAt:    p.now(),
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create realtime run: %w", err)
	}
	p.logger.Info("realtime run created",
		zap.String("run_id", run.ID),
		zap.String("evaluation_id", evaluation.ID),
	)
	return run, nil
}

// Aggregate summarizes outputs. Error outputs count as failed with score 0.
func Aggregate(outputs []*core.LogOutput, threshold float64) core.RunResults {
	results := core.RunResults{
		TotalLogs:     len(outputs),
		ThresholdUsed: threshold,
	}
	if len(outputs) == 0 {
		return results
	}

	scores := make([]float64, len(outputs))
	for i, o := range outputs {
		scores[i] = o.Score
		if o.Passed && !o.Error {
			results.PassedCount++
		}
	}
	results.FailedCount = results.TotalLogs - results.PassedCount

	summary := stats.Summarize(scores)
	results.AverageScore = summary.Mean
	results.MinScore = &summary.Min
	results.MaxScore = &summary.Max
	results.MedianScore = &summary.Median
	return results
}

func outputIDs(outputs []*core.LogOutput) []string {
	ids := make([]string, len(outputs))
	for i, o := range outputs {
		ids[i] = o.ID
	}
	return ids
}
