package capture

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/bandit"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

var (
	// ErrNoEvaluators means the skill has no evaluation to derive a reward from.
	ErrNoEvaluators = errors.New("no evaluator configured")

	// ErrNoReward means every evaluation of the log failed.
	ErrNoReward = errors.New("evaluation produced no reward")
)

// Feedback evaluates the log, feeds the reward to the arm that served it
// and always announces arm_updated, with a nil reward when none could be
// applied.
func (o *Orchestrator) Feedback(ctx context.Context, log *core.Log) error {
	event := core.Event{
		Type:    core.EventArmUpdated,
		LogID:   log.ID,
		SkillID: log.SkillID,
		ArmID:   log.ArmID,
	}
	defer func() { o.broadcast(ctx, event) }()

	reward, runID, err := o.Reward(ctx, log)
	if errors.Is(err, ErrNoEvaluators) {
		event.Error = err.Error()
		o.logger.Debug("No reward for log", zap.String("log_id", log.ID), zap.Error(err))
		return nil
	}
	if err != nil {
		event.Error = err.Error()
		return err
	}

	arm, err := o.engine.UpdateArm(ctx, bandit.Feedback{
		ArmID:  log.ArmID,
		LogID:  log.ID,
		RunID:  runID,
		Reward: reward,
	})
	if errors.Is(err, bandit.ErrAlreadyApplied) {
		event.Stats = &arm.Stats
		return nil
	}
	if err != nil {
		event.Error = err.Error()
		return fmt.Errorf("reward update for log %s: %w", log.ID, err)
	}

	event.Reward = &reward
	event.Stats = &arm.Stats
	return nil
}

// Reward scores log with every evaluation of its skill, each into that
// evaluation's real-time run, and returns the mean of the scores that did
// not error along with the first contributing run.
func (o *Orchestrator) Reward(ctx context.Context, log *core.Log) (float64, string, error) {
	if o.pipeline == nil || log.SkillID == "" {
		return 0, "", ErrNoEvaluators
	}
	evaluations, err := o.store.ListEvaluations(ctx, log.SkillID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to list evaluations: %w", err)
	}
	if len(evaluations) == 0 {
		return 0, "", ErrNoEvaluators
	}

	var (
		sum     float64
		count   int
		runID   string
		lastErr error
	)
	for _, evaluation := range evaluations {
		run, err := o.pipeline.RealtimeRun(ctx, evaluation)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := o.pipeline.EvaluateOneLog(ctx, run.ID, log)
		if err != nil {
			lastErr = err
			o.logger.Warn("Real-time evaluation failed",
				zap.String("log_id", log.ID),
				zap.String("evaluation_id", evaluation.ID),
				zap.Error(err))
			continue
		}
		if out.Error {
			lastErr = errors.New(out.Reasoning)
			continue
		}
		if runID == "" {
			runID = run.ID
		}
		sum += out.Score
		count++
	}

	if count == 0 {
		return 0, "", fmt.Errorf("%w: %v", ErrNoReward, lastErr)
	}
	return sum / float64(count), runID, nil
}
