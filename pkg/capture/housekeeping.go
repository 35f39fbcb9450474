package capture

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

// Housekeeping runs the periodic checks after a capture: re-clustering
// when the skill's interval has elapsed, then first arm generation for an
// early-stage cluster.
func (o *Orchestrator) Housekeeping(ctx context.Context, skillID, clusterID string) error {
	skill, err := o.store.GetSkill(ctx, skillID)
	if err != nil {
		return fmt.Errorf("failed to load skill %s: %w", skillID, err)
	}

	var errs []error
	if _, err := o.ReclusterIfDue(ctx, skill); err != nil {
		errs = append(errs, err)
	}
	if clusterID != "" {
		if _, err := o.RegenerateIfEarlyStage(ctx, skill, clusterID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReclusterIfDue merges converged clusters once ClusteringInterval has
// passed since the last pass (or since the skill was created) and retires
// the arms of every merged-away cluster.
func (o *Orchestrator) ReclusterIfDue(ctx context.Context, skill *core.Skill) (bool, error) {
	if skill.ClusteringInterval <= 0 || o.assigner == nil {
		return false, nil
	}

	unlock := o.locks.Lock("recluster:" + skill.ID)
	defer unlock()

	current, err := o.store.GetSkill(ctx, skill.ID)
	if err != nil {
		return false, fmt.Errorf("failed to reload skill: %w", err)
	}
	since := current.LastClusteredAt
	if since.IsZero() {
		since = current.CreatedAt
	}
	now := o.now()
	if !since.IsZero() && now.Sub(since) < current.ClusteringInterval {
		return false, nil
	}

	merges, err := o.assigner.Recluster(ctx, skill.ID)
	if err != nil {
		return false, fmt.Errorf("recluster skill %s: %w", skill.ID, err)
	}
	for _, m := range merges {
		if _, err := o.engine.RetireCluster(ctx, skill.ID, m.From); err != nil {
			return true, fmt.Errorf("retire arms of merged cluster %s: %w", m.From, err)
		}
	}

	// Re-read right before writing so concurrent request counts survive.
	current, err = o.store.GetSkill(ctx, skill.ID)
	if err != nil {
		return true, fmt.Errorf("failed to reload skill: %w", err)
	}
	current.LastClusteredAt = now
	current.UpdatedAt = now
	if err := o.store.UpdateSkill(ctx, current); err != nil {
		return true, fmt.Errorf("failed to stamp recluster time: %w", err)
	}

	o.logger.Info("Reclustered skill",
		zap.String("skill_id", skill.ID),
		zap.Int("merges", len(merges)))
	return true, nil
}

// RegenerateIfEarlyStage creates the first arm set of an active cluster
// that has none, once the skill has seen EarlyStageRequests requests.
func (o *Orchestrator) RegenerateIfEarlyStage(ctx context.Context, skill *core.Skill, clusterID string) (bool, error) {
	if !skill.OptimizationEnabled || clusterID == "" || o.engine == nil {
		return false, nil
	}
	if skill.RequestCount < o.config.EarlyStageRequests {
		return false, nil
	}

	unlock := o.locks.Lock("regenerate:" + clusterID)
	defer unlock()

	cluster, err := o.store.GetCluster(ctx, clusterID)
	if err != nil {
		return false, fmt.Errorf("failed to load cluster %s: %w", clusterID, err)
	}
	if !cluster.Active() {
		return false, nil
	}
	arms, err := o.store.ListArms(ctx, skill.ID, clusterID, false)
	if err != nil {
		return false, fmt.Errorf("failed to list arms: %w", err)
	}
	if len(arms) > 0 {
		return false, nil
	}

	specs := o.armSpecs(skill)
	if len(specs) == 0 {
		return false, nil
	}
	if _, err := o.engine.RegenerateArms(ctx, skill, clusterID, specs); err != nil {
		return false, err
	}
	o.logger.Info("Generated first arms for cluster",
		zap.String("skill_id", skill.ID),
		zap.String("cluster_id", clusterID),
		zap.Int64("requests", skill.RequestCount))
	return true, nil
}
