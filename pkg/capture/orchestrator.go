// Package capture persists completed provider calls and drives the
// feedback loop behind them: evaluation, reward, housekeeping and
// notification.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/bandit"
	"github.com/snow-ghost/skilltuner/pkg/clustering"
	"github.com/snow-ghost/skilltuner/pkg/embeddings"
	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/locks"
	"github.com/snow-ghost/skilltuner/pkg/logging"
	"github.com/snow-ghost/skilltuner/pkg/metrics"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/storage"
	"github.com/snow-ghost/skilltuner/pkg/streaming"
	"github.com/snow-ghost/skilltuner/pkg/tracing"
)

var (
	// ErrIncompleteCapture is returned for a successful call whose response
	// body is missing after reconstruction. Such calls are not persisted.
	ErrIncompleteCapture = errors.New("incomplete capture: successful response without a body")

	// ErrOptimizationDisabled is returned by SelectArm for skills that are
	// not being optimized.
	ErrOptimizationDisabled = errors.New("optimization disabled for skill")
)

// Capture outcomes recorded in metrics
const (
	OutcomePersisted  = "persisted"
	OutcomeIncomplete = "incomplete"
	OutcomeError      = "error"
)

// Background task names
const (
	TaskFeedback     = "feedback"
	TaskHousekeeping = "housekeeping"
)

// DefaultEarlyStageRequests is the request count after which a cluster
// without arms gets its first arm set.
const DefaultEarlyStageRequests = 10

// Config holds orchestrator configuration
type Config struct {
	// EarlyStageRequests is the skill request count that triggers the first
	// arm generation for a cluster.
	EarlyStageRequests int64 `yaml:"early_stage_requests" validate:"gte=0"`
}

// Broadcaster delivers events to observers
type Broadcaster interface {
	Broadcast(ctx context.Context, event core.Event) int
}

// Deps are the collaborators of an Orchestrator. Embedder and Notifier are
// optional.
type Deps struct {
	Store      storage.Store
	Assigner   *clustering.Assigner
	Engine     *bandit.Engine
	Pipeline   *evaluation.Pipeline
	Notifier   Broadcaster
	Embedder   embeddings.Embedder
	Supervisor *Supervisor
}

// CaptureRequest is one completed provider call. For streamed calls
// StreamData holds the accumulated chunks and ResponseBody is rebuilt.
type CaptureRequest struct {
	SkillID      string                 `json:"skill_id,omitempty"`
	AgentID      string                 `json:"agent_id,omitempty"`
	DatasetIDs   []string               `json:"dataset_ids,omitempty"`
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	Function     string                 `json:"function"`
	StatusCode   int                    `json:"status_code"`
	Stream       bool                   `json:"stream"`
	StreamKind   streaming.ResponseKind `json:"stream_kind,omitempty"`
	StreamData   []byte                 `json:"stream_data,omitempty"`
	RequestBody  json.RawMessage        `json:"request_body,omitempty"`
	ResponseBody json.RawMessage        `json:"response_body,omitempty"`
	Embedding    []float64              `json:"embedding,omitempty"`
	ClusterID    string                 `json:"cluster_id,omitempty"`
	ArmID        string                 `json:"arm_id,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	FirstTokenAt *time.Time             `json:"first_token_at,omitempty"`
	EndedAt      time.Time              `json:"ended_at"`
}

// Orchestrator ties capture to the optimization loop.
type Orchestrator struct {
	store      storage.Store
	assigner   *clustering.Assigner
	engine     *bandit.Engine
	pipeline   *evaluation.Pipeline
	notifier   Broadcaster
	embedder   embeddings.Embedder
	supervisor *Supervisor
	config     Config
	armSpecs   func(*core.Skill) []bandit.ArmSpec
	locks      *locks.Keyed
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
	now        func() time.Time
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithMetrics records capture outcomes on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer wraps captures in spans
func WithTracer(t *tracing.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithArmSpecs overrides the arm set generated for early-stage clusters
func WithArmSpecs(fn func(*core.Skill) []bandit.ArmSpec) Option {
	return func(o *Orchestrator) { o.armSpecs = fn }
}

// NewOrchestrator creates an orchestrator. A nil Supervisor gets a fresh one.
func NewOrchestrator(deps Deps, config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.EarlyStageRequests <= 0 {
		config.EarlyStageRequests = DefaultEarlyStageRequests
	}
	o := &Orchestrator{
		store:      deps.Store,
		assigner:   deps.Assigner,
		engine:     deps.Engine,
		pipeline:   deps.Pipeline,
		notifier:   deps.Notifier,
		embedder:   deps.Embedder,
		supervisor: deps.Supervisor,
		config:     config,
		armSpecs:   bandit.DefaultArmSpecs,
		locks:      locks.NewKeyed(),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.supervisor == nil {
		o.supervisor = NewSupervisor(logger, o.metrics)
	}
	return o
}

// Wait blocks until all background work started by captures has finished.
func (o *Orchestrator) Wait() {
	o.supervisor.Wait()
}

// Capture validates, persists and announces a completed call, then hands
// the feedback loop to the supervisor. Only the validation gate and
// persistence failures are returned; everything after persistence runs in
// the background.
func (o *Orchestrator) Capture(ctx context.Context, req CaptureRequest) (*core.Log, error) {
	ctx, span := o.tracer.StartCaptureSpan(ctx, req.SkillID, req.Function)
	defer span.End()

	logger := logging.WithTrace(ctx, o.logger).With(
		zap.String("skill_id", req.SkillID),
		zap.String("provider", req.Provider),
		zap.String("model", req.Model),
	)

	body := req.ResponseBody
	if req.Stream && len(req.StreamData) > 0 {
		body = o.reconstruct(req, logger)
	}

	if req.StatusCode >= 200 && req.StatusCode < 300 && emptyBody(body) {
		o.metrics.RecordCapture(OutcomeIncomplete)
		logger.Error("Discarding incomplete capture",
			zap.Int("status_code", req.StatusCode),
			zap.Bool("stream", req.Stream))
		tracing.RecordSpanError(span, ErrIncompleteCapture)
		return nil, ErrIncompleteCapture
	}

	now := o.now()
	log := &core.Log{
		ID:           uuid.NewString(),
		SkillID:      req.SkillID,
		AgentID:      req.AgentID,
		DatasetIDs:   req.DatasetIDs,
		Provider:     req.Provider,
		Model:        req.Model,
		Function:     req.Function,
		StatusCode:   req.StatusCode,
		Stream:       req.Stream,
		RequestBody:  req.RequestBody,
		ResponseBody: body,
		Embedding:    req.Embedding,
		ClusterID:    req.ClusterID,
		ArmID:        req.ArmID,
		StartedAt:    req.StartedAt,
		FirstTokenAt: req.FirstTokenAt,
		EndedAt:      req.EndedAt,
		CreatedAt:    now,
	}

	skill := o.loadSkill(ctx, req.SkillID, logger)
	if skill != nil && skill.OptimizationEnabled {
		o.placeInCluster(ctx, skill, log, logger)
	}

	if err := o.store.CreateLog(ctx, log); err != nil {
		o.metrics.RecordCapture(OutcomeError)
		tracing.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to persist log: %w", err)
	}
	o.metrics.RecordCapture(OutcomePersisted)
	span.SetAttributes(attribute.String("log.id", log.ID))

	if skill != nil {
		if count, err := o.store.IncrementSkillRequests(ctx, skill.ID); err != nil {
			logger.Warn("Failed to count skill request", zap.Error(err))
		} else {
			skill.RequestCount = count
		}
	}

	o.broadcast(ctx, core.Event{
		Type:    core.EventLogCreated,
		LogID:   log.ID,
		SkillID: log.SkillID,
		ArmID:   log.ArmID,
	})

	optimizing := skill != nil && skill.OptimizationEnabled
	switch {
	case log.ArmID != "":
		o.supervisor.Go(ctx, TaskFeedback, func(ctx context.Context) error {
			err := o.Feedback(ctx, log)
			if optimizing {
				err = errors.Join(err, o.Housekeeping(ctx, skill.ID, log.ClusterID))
			}
			return err
		})
	case optimizing:
		o.supervisor.Go(ctx, TaskHousekeeping, func(ctx context.Context) error {
			return o.Housekeeping(ctx, skill.ID, log.ClusterID)
		})
	}

	logger.Debug("Captured log", zap.String("log_id", log.ID), zap.String("arm_id", log.ArmID))
	return log, nil
}

func (o *Orchestrator) reconstruct(req CaptureRequest, logger *zap.Logger) json.RawMessage {
	kind := req.StreamKind
	if kind == "" {
		kind = streaming.KindChatCompletion
	}
	prompt := evaluation.Extract(&core.Log{RequestBody: req.RequestBody}).Input
	res, err := streaming.ReconstructResult(req.StreamData, kind, streaming.WithPrompt(prompt))
	if err != nil {
		logger.Warn("Stream reconstruction failed", zap.Error(err))
		return nil
	}
	if res.Stats.Skipped > 0 {
		logger.Warn("Skipped malformed stream chunks",
			zap.Int("skipped", res.Stats.Skipped),
			zap.Int("frames", res.Stats.Frames))
	}
	return res.Body
}

func emptyBody(body json.RawMessage) bool {
	trimmed := bytes.TrimSpace(body)
	switch string(trimmed) {
	case "", "null", "{}", `""`:
		return true
	}
	return false
}

func (o *Orchestrator) loadSkill(ctx context.Context, skillID string, logger *zap.Logger) *core.Skill {
	if skillID == "" {
		return nil
	}
	skill, err := o.store.GetSkill(ctx, skillID)
	if err != nil {
		logger.Warn("Capturing without skill", zap.Error(err))
		return nil
	}
	return skill
}

// placeInCluster embeds the request if needed and assigns a cluster unless
// the caller already chose one. Failures leave the log unclustered.
func (o *Orchestrator) placeInCluster(ctx context.Context, skill *core.Skill, log *core.Log, logger *zap.Logger) {
	if len(log.Embedding) == 0 && o.embedder != nil {
		triple := evaluation.Extract(log)
		embedding, err := o.Embed(ctx, strings.TrimSpace(triple.System+"\n"+triple.Input))
		if err != nil {
			logger.Warn("Embedding failed, log excluded from clustering", zap.Error(err))
		} else {
			log.Embedding = embedding
		}
	}
	if log.ClusterID != "" || len(log.Embedding) == 0 || o.assigner == nil {
		return
	}
	cluster, _, err := o.assigner.Assign(ctx, skill.ID, log.Embedding)
	if errors.Is(err, clustering.ErrNoEmbedding) {
		logger.Debug("Empty embedding, log excluded from clustering")
		return
	}
	if err != nil {
		logger.Warn("Cluster assignment failed", zap.Error(err))
		return
	}
	log.ClusterID = cluster.ID
}

// Embed returns the embedding of text, or nil when no embedder is set.
func (o *Orchestrator) Embed(ctx context.Context, text string) ([]float64, error) {
	if o.embedder == nil || text == "" {
		return nil, nil
	}
	vec, err := o.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	return clustering.Float64s(vec), nil
}

func (o *Orchestrator) broadcast(ctx context.Context, event core.Event) {
	if o.notifier == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = o.now()
	}
	o.notifier.Broadcast(ctx, event)
}

// Selection is the configuration chosen for an outgoing request.
type Selection struct {
	SkillID   string               `json:"skill_id"`
	ClusterID string               `json:"cluster_id"`
	Arm       *core.Arm            `json:"arm,omitempty"`
	Params    bandit.SampledParams `json:"params"`
}

// Apply writes the arm's system prompt and sampled parameters into req.
// A selection without an arm leaves req untouched.
func (s *Selection) Apply(req *core.ChatRequest) {
	if s.Arm == nil {
		return
	}
	s.Params.Apply(req, s.Arm.SystemPrompt)
}

// SelectArm places embedding in a cluster of the skill and picks an arm for
// it. A cluster without arms yields a Selection with a nil Arm; the request
// then runs unmodified and early-stage housekeeping creates arms later.
func (o *Orchestrator) SelectArm(ctx context.Context, skillID string, embedding []float64) (*Selection, error) {
	skill, err := o.store.GetSkill(ctx, skillID)
	if err != nil {
		return nil, fmt.Errorf("failed to load skill %s: %w", skillID, err)
	}
	if !skill.OptimizationEnabled {
		return nil, fmt.Errorf("skill %s: %w", skillID, ErrOptimizationDisabled)
	}

	cluster, _, err := o.assigner.Assign(ctx, skill.ID, embedding)
	if err != nil {
		return nil, err
	}

	sel := &Selection{SkillID: skill.ID, ClusterID: cluster.ID}
	arm, err := o.engine.SelectArm(ctx, skill, cluster.ID)
	if errors.Is(err, bandit.ErrNoArms) {
		return sel, nil
	}
	if err != nil {
		return nil, err
	}
	sel.Arm = arm
	sel.Params = o.engine.Sample(arm)
	return sel, nil
}
