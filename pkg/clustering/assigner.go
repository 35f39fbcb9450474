package clustering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/locks"
	"github.com/snow-ghost/skilltuner/pkg/metrics"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/stats"
	"github.com/snow-ghost/skilltuner/pkg/storage"
)

// DefaultSimilarityThreshold is the cosine similarity above which an
// embedding joins an existing cluster.
const DefaultSimilarityThreshold = 0.8

// ErrNoEmbedding is returned when a request carries no embedding, or one
// with zero norm. Such requests are recorded but excluded from optimization.
var ErrNoEmbedding = errors.New("no embedding available")

// Config holds assigner configuration
type Config struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"gte=0,lte=1"`
}

// Assigner maps embeddings onto the context clusters of a skill
type Assigner struct {
	store     storage.Store
	threshold float64
	locks     *locks.Keyed
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option customizes an Assigner
type Option func(*Assigner)

// WithMetrics records assignments on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Assigner) { a.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(a *Assigner) { a.now = now }
}

// NewAssigner creates a new cluster assigner
func NewAssigner(store storage.Store, config Config, logger *zap.Logger, opts ...Option) *Assigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := config.SimilarityThreshold
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	a := &Assigner{
		store:     store,
		threshold: threshold,
		locks:     locks.NewKeyed(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Threshold returns the similarity threshold in use
func (a *Assigner) Threshold() float64 {
	return a.threshold
}

// Assign places embedding into the most similar active cluster of the skill,
// moving that cluster's centroid toward it, or creates a new cluster when no
// centroid clears the threshold. created reports which of the two happened.
func (a *Assigner) Assign(ctx context.Context, skillID string, embedding []float64) (*core.Cluster, bool, error) {
	if IsZero(embedding) {
		return nil, false, ErrNoEmbedding
	}

	unlock := a.locks.Lock(skillID)
	defer unlock()

	clusters, err := a.store.ListClusters(ctx, skillID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list clusters: %w", err)
	}

	best, similarity := nearest(clusters, embedding)
	if best != nil && similarity >= a.threshold {
		stats.MoveMean(best.Centroid, embedding, best.TotalSteps)
		best.TotalSteps++
		best.UpdatedAt = a.now()
		if err := a.store.UpdateCluster(ctx, best); err != nil {
			return nil, false, fmt.Errorf("failed to update cluster: %w", err)
		}
		a.metrics.RecordClusterAssignment(false)
		a.logger.Debug("Assigned to cluster",
			zap.String("skill_id", skillID),
			zap.String("cluster_id", best.ID),
			zap.Float64("similarity", similarity))
		return best, false, nil
	}

	now := a.now()
	cluster := &core.Cluster{
		ID:         uuid.NewString(),
		SkillID:    skillID,
		Centroid:   append([]float64(nil), embedding...),
		TotalSteps: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.store.CreateCluster(ctx, cluster); err != nil {
		return nil, false, fmt.Errorf("failed to create cluster: %w", err)
	}
	a.metrics.RecordClusterAssignment(true)
	a.logger.Info("Created cluster",
		zap.String("skill_id", skillID),
		zap.String("cluster_id", cluster.ID),
		zap.Int("clusters", len(clusters)+1))
	return cluster, true, nil
}

// Nearest returns the most similar active cluster without modifying it.
func (a *Assigner) Nearest(ctx context.Context, skillID string, embedding []float64) (*core.Cluster, float64, error) {
	if IsZero(embedding) {
		return nil, 0, ErrNoEmbedding
	}
	clusters, err := a.store.ListClusters(ctx, skillID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list clusters: %w", err)
	}
	best, similarity := nearest(clusters, embedding)
	if best == nil {
		return nil, 0, fmt.Errorf("skill %s has no clusters: %w", skillID, storage.ErrNotFound)
	}
	return best, similarity, nil
}

func nearest(clusters []*core.Cluster, embedding []float64) (*core.Cluster, float64) {
	var best *core.Cluster
	bestScore := -2.0
	for _, c := range clusters {
		if !c.Active() {
			continue
		}
		score := CosineSimilarity(c.Centroid, embedding)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, bestScore
}

// Merge records one cluster folded into another by Recluster.
type Merge struct {
	From string
	Into string
}

// Recluster folds together active clusters whose centroids drifted within
// the threshold of each other. The larger cluster survives with the
// step-weighted centroid; the smaller one is kept for history and marked
// merged. Callers retire the arms of every merged-away cluster.
func (a *Assigner) Recluster(ctx context.Context, skillID string) ([]Merge, error) {
	unlock := a.locks.Lock(skillID)
	defer unlock()

	clusters, err := a.store.ListClusters(ctx, skillID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}

	var active []*core.Cluster
	for _, c := range clusters {
		if c.Active() {
			active = append(active, c)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].TotalSteps > active[j].TotalSteps
	})

	var kept []*core.Cluster
	var merges []Merge
	now := a.now()
	for _, c := range active {
		target, similarity := nearest(kept, c.Centroid)
		if target == nil || similarity < a.threshold {
			kept = append(kept, c)
			continue
		}

		target.Centroid = stats.WeightedMean(target.Centroid, target.TotalSteps, c.Centroid, c.TotalSteps)
		target.TotalSteps += c.TotalSteps
		target.UpdatedAt = now
		if err := a.store.UpdateCluster(ctx, target); err != nil {
			return merges, fmt.Errorf("failed to update cluster %s: %w", target.ID, err)
		}

		c.MergedInto = target.ID
		c.UpdatedAt = now
		if err := a.store.UpdateCluster(ctx, c); err != nil {
			return merges, fmt.Errorf("failed to mark cluster %s merged: %w", c.ID, err)
		}
		merges = append(merges, Merge{From: c.ID, Into: target.ID})
		a.logger.Info("Merged clusters",
			zap.String("skill_id", skillID),
			zap.String("from", c.ID),
			zap.String("into", target.ID),
			zap.Float64("similarity", similarity))
	}

	return merges, nil
}
