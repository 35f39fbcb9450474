package bandit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/locks"
	"github.com/snow-ghost/skilltuner/pkg/metrics"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/stats"
	"github.com/snow-ghost/skilltuner/pkg/storage"
)

var (
	// ErrUnknownArm is returned when a reward targets an arm that does not exist.
	ErrUnknownArm = errors.New("unknown arm")

	// ErrNoArms is returned when a cluster has no active arm to select.
	ErrNoArms = errors.New("no active arms")

	// ErrAlreadyApplied is returned when the (log, arm) pair was already rewarded.
	ErrAlreadyApplied = errors.New("reward already applied")
)

// Config holds bandit configuration
type Config struct {
	Policy              string  `yaml:"policy" validate:"omitempty,oneof=ucb1 ucb1-tuned greedy"`
	ExplorationConstant float64 `yaml:"exploration_constant" validate:"gte=0"`
	// DefaultMinPulls applies to skills that leave MinPullsPerArm unset.
	DefaultMinPulls int `yaml:"default_min_pulls" validate:"gte=0"`
}

// Feedback is one reward observation for the arm that served a log
type Feedback struct {
	ArmID  string
	LogID  string
	RunID  string
	Reward float64
}

// Engine selects and updates arms. It is the only writer of arm statistics.
type Engine struct {
	store   storage.Store
	policy  Policy
	config  Config
	locks   *locks.Keyed
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customizes an Engine
type Option func(*Engine)

// WithRand makes selection deterministic
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithMetrics records pulls and updates on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPolicy overrides the configured policy
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// NewEngine creates a new bandit engine
func NewEngine(store storage.Store, config Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:  store,
		config: config,
		policy: NewPolicy(config.Policy, config.ExplorationConstant),
		locks:  locks.NewKeyed(),
		logger: logger,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) minPulls(skill *core.Skill) int64 {
	if skill.MinPullsPerArm > 0 {
		return int64(skill.MinPullsPerArm)
	}
	return int64(e.config.DefaultMinPulls)
}

// SelectArm picks an active arm of the cluster. While any arm is below the
// skill's minimum pulls, the least-pulled of those is chosen (ties broken at
// random); afterwards the policy's index decides.
func (e *Engine) SelectArm(ctx context.Context, skill *core.Skill, clusterID string) (*core.Arm, error) {
	arms, err := e.store.ListArms(ctx, skill.ID, clusterID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list arms: %w", err)
	}
	if len(arms) == 0 {
		return nil, fmt.Errorf("skill %s cluster %s: %w", skill.ID, clusterID, ErrNoArms)
	}

	floor := e.minPulls(skill)
	var under []*core.Arm
	var total int64
	for _, arm := range arms {
		total += arm.Stats.N
		if arm.Stats.N < floor {
			under = append(under, arm)
		}
	}

	if len(under) > 0 {
		fewest := under[0].Stats.N
		for _, arm := range under[1:] {
			if arm.Stats.N < fewest {
				fewest = arm.Stats.N
			}
		}
		var candidates []*core.Arm
		for _, arm := range under {
			if arm.Stats.N == fewest {
				candidates = append(candidates, arm)
			}
		}
		chosen := candidates[e.intn(len(candidates))]
		e.metrics.RecordArmPull(skill.ID, "explore")
		e.logger.Debug("Selected arm below exploration floor",
			zap.String("skill_id", skill.ID),
			zap.String("arm_id", chosen.ID),
			zap.Int64("pulls", chosen.Stats.N),
			zap.Int64("floor", floor))
		return chosen, nil
	}

	bestScore := math.Inf(-1)
	var best []*core.Arm
	for _, arm := range arms {
		score := e.policy.Score(arm.Stats, total)
		switch {
		case score > bestScore:
			bestScore = score
			best = []*core.Arm{arm}
		case score == bestScore:
			best = append(best, arm)
		}
	}
	chosen := best[e.intn(len(best))]
	e.metrics.RecordArmPull(skill.ID, "exploit")
	e.logger.Debug("Selected arm",
		zap.String("skill_id", skill.ID),
		zap.String("arm_id", chosen.ID),
		zap.String("policy", e.policy.Name()),
		zap.Float64("score", bestScore))
	return chosen, nil
}

// Sample draws dispatch parameters for arm from the engine's random source
func (e *Engine) Sample(arm *core.Arm) SampledParams {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return SampleParams(arm, e.rng)
}

func (e *Engine) intn(n int) int {
	if n <= 1 {
		return 0
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// UpdateArm folds a reward into the arm's statistics. The reward is clamped
// to [0,1]. Updates to one arm are serialized and a (log, arm) pair is
// applied at most once; a repeat returns ErrAlreadyApplied.
func (e *Engine) UpdateArm(ctx context.Context, fb Feedback) (*core.Arm, error) {
	unlock := e.locks.Lock(fb.ArmID)
	defer unlock()

	arm, err := e.store.GetArm(ctx, fb.ArmID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.metrics.RecordArmUpdate("unknown_arm")
			return nil, fmt.Errorf("arm %s: %w", fb.ArmID, ErrUnknownArm)
		}
		return nil, fmt.Errorf("failed to load arm: %w", err)
	}

	_, err = e.store.FindArmRunAssociation(ctx, fb.ArmID, fb.LogID)
	switch {
	case err == nil:
		e.metrics.RecordArmUpdate("duplicate")
		return arm, fmt.Errorf("arm %s log %s: %w", fb.ArmID, fb.LogID, ErrAlreadyApplied)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to look up association: %w", err)
	}

	// stats first, association last: a failed write leaves nothing recorded
	reward := stats.ClampUnit(fb.Reward)
	previous := arm.Stats
	arm.Stats = stats.Update(arm.Stats, reward)
	arm.UpdatedAt = e.now()
	if err := e.store.UpdateArm(ctx, arm); err != nil {
		e.metrics.RecordArmUpdate("error")
		return nil, fmt.Errorf("failed to persist arm stats: %w", err)
	}

	created, err := e.store.SaveArmRunAssociation(ctx, &core.ArmRunAssociation{
		ArmID:     fb.ArmID,
		LogID:     fb.LogID,
		RunID:     fb.RunID,
		Reward:    reward,
		CreatedAt: e.now(),
	})
	if err != nil || !created {
		arm.Stats = previous
		if rerr := e.store.UpdateArm(ctx, arm); rerr != nil {
			e.logger.Error("Failed to roll back arm stats",
				zap.String("arm_id", arm.ID),
				zap.String("log_id", fb.LogID),
				zap.Error(rerr))
		}
		if err != nil {
			e.metrics.RecordArmUpdate("error")
			return nil, fmt.Errorf("failed to record association: %w", err)
		}
		e.metrics.RecordArmUpdate("duplicate")
		return arm, fmt.Errorf("arm %s log %s: %w", fb.ArmID, fb.LogID, ErrAlreadyApplied)
	}

	e.metrics.RecordArmUpdate("applied")
	e.metrics.RecordReward(arm.SkillID, reward)
	e.logger.Debug("Updated arm",
		zap.String("arm_id", arm.ID),
		zap.String("log_id", fb.LogID),
		zap.Float64("reward", reward),
		zap.Int64("n", arm.Stats.N),
		zap.Float64("mean", arm.Stats.Mean))
	return arm, nil
}

// RegenerateArms retires the active arms of a cluster and creates one arm
// per spec. Retired arms keep their statistics and remain addressable by id.
func (e *Engine) RegenerateArms(ctx context.Context, skill *core.Skill, clusterID string, specs []ArmSpec) ([]*core.Arm, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("regenerate arms: no specs given")
	}
	unlock := e.locks.Lock("cluster:" + skill.ID + "/" + clusterID)
	defer unlock()

	retired, err := e.retire(ctx, skill.ID, clusterID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	arms := make([]*core.Arm, 0, len(specs))
	for _, spec := range specs {
		arm := &core.Arm{
			ID:           uuid.NewString(),
			SkillID:      skill.ID,
			ClusterID:    clusterID,
			SystemPrompt: spec.SystemPrompt,
			Params:       spec.Params,
			Status:       core.ArmStatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.store.CreateArm(ctx, arm); err != nil {
			return arms, fmt.Errorf("failed to create arm: %w", err)
		}
		arms = append(arms, arm)
	}

	e.metrics.RecordRegeneration(skill.ID)
	e.logger.Info("Regenerated arms",
		zap.String("skill_id", skill.ID),
		zap.String("cluster_id", clusterID),
		zap.Int("retired", retired),
		zap.Int("created", len(arms)))
	return arms, nil
}

// RetireCluster retires every active arm of a cluster, e.g. after the
// cluster was merged into another.
func (e *Engine) RetireCluster(ctx context.Context, skillID, clusterID string) (int, error) {
	unlock := e.locks.Lock("cluster:" + skillID + "/" + clusterID)
	defer unlock()
	return e.retire(ctx, skillID, clusterID)
}

func (e *Engine) retire(ctx context.Context, skillID, clusterID string) (int, error) {
	active, err := e.store.ListArms(ctx, skillID, clusterID, false)
	if err != nil {
		return 0, fmt.Errorf("failed to list arms: %w", err)
	}
	for _, a := range active {
		if err := e.retireArm(ctx, a.ID); err != nil {
			return 0, err
		}
	}
	return len(active), nil
}

// retireArm re-reads the arm under its lock so a concurrent reward is not lost.
func (e *Engine) retireArm(ctx context.Context, armID string) error {
	unlock := e.locks.Lock(armID)
	defer unlock()

	arm, err := e.store.GetArm(ctx, armID)
	if err != nil {
		return fmt.Errorf("failed to load arm %s: %w", armID, err)
	}
	arm.Status = core.ArmStatusRetired
	arm.UpdatedAt = e.now()
	if err := e.store.UpdateArm(ctx, arm); err != nil {
		return fmt.Errorf("failed to retire arm %s: %w", armID, err)
	}
	return nil
}
