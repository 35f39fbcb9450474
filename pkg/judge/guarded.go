package judge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/cache"
	"github.com/snow-ghost/skilltuner/pkg/cost"
	"github.com/snow-ghost/skilltuner/pkg/limiter"
	"github.com/snow-ghost/skilltuner/pkg/metrics"
	"github.com/snow-ghost/skilltuner/pkg/tracing"
)

// GuardConfig configures the protection and caching around a judge.
type GuardConfig struct {
	Protection   limiter.Config    `yaml:"protection"`
	CacheEnabled bool              `yaml:"cache_enabled"`
	Cache        cache.CacheConfig `yaml:"cache"`
	// Pricing prices judge calls; unpriced models cost nothing.
	Pricing cost.Table `yaml:"pricing" validate:"dive"`
}

// DefaultGuardConfig enables a verdict cache with default protection.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Protection:   limiter.DefaultConfig(),
		CacheEnabled: true,
		Cache:        *cache.DefaultCacheConfig(),
	}
}

// Guarded wraps a Judge with rate limiting, retries, a circuit breaker,
// an LRU verdict cache and in-flight deduplication of identical prompts.
type Guarded struct {
	inner      Judge
	protection *limiter.ProtectionManager
	cache      *cache.LRUCache[*Result]
	dedup      *cache.Deduplicator[*Result]
	costs      *cost.Calculator
	ttl        time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
}

// GuardOption configures a Guarded judge.
type GuardOption func(*Guarded)

// WithMetrics records judge latency, retries and cache usage on m.
func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guarded) { g.metrics = m }
}

// WithTracer emits a span per judge call.
func WithTracer(t *tracing.Tracer) GuardOption {
	return func(g *Guarded) { g.tracer = t }
}

// NewGuarded wraps inner.
func NewGuarded(inner Judge, cfg GuardConfig, logger *zap.Logger, opts ...GuardOption) (*Guarded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guarded{
		inner:  inner,
		dedup:  cache.NewDeduplicator[*Result](),
		costs:  cost.NewCalculator(cfg.Pricing),
		ttl:    cfg.Cache.DefaultTTL,
		logger: logger.With(zap.String("judge_provider", inner.Provider())),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.protection = limiter.NewProtectionManager(cfg.Protection, g.logger, g.metrics)
	if cfg.CacheEnabled {
		c, err := cache.NewLRUCache[*Result](&cfg.Cache, cache.WithMetrics(g.metrics))
		if err != nil {
			return nil, err
		}
		g.cache = c
	}
	return g, nil
}

func (g *Guarded) Provider() string { return g.inner.Provider() }
func (g *Guarded) Model() string    { return g.inner.Model() }

// Evaluate returns a cached verdict for an identical (model, prompt,
// options) triple, otherwise calls the inner judge under protection.
func (g *Guarded) Evaluate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	model := modelFor(g.inner.Model(), opts)
	target := g.inner.Provider() + ":" + model

	ctx, span := g.tracer.StartJudgeSpan(ctx, g.inner.Provider(), model)
	defer span.End()

	key, err := cache.GenerateKey(g.inner.Provider(), model, prompt, opts)
	if err != nil {
		tracing.RecordSpanError(span, err)
		return nil, err
	}

	start := time.Now()
	res, err := g.dedup.ExecuteWithCache(ctx, key, g.cache, g.ttl, func() (*Result, error) {
		res, err := limiter.Do(ctx, g.protection, target, func(ctx context.Context) (*Result, error) {
			return g.inner.Evaluate(ctx, prompt, opts)
		})
		if err != nil {
			return nil, err
		}
		g.price(res, model)
		return res, nil
	})
	g.metrics.RecordJudgeLatency(g.inner.Provider(), model, time.Since(start))

	if err != nil {
		tracing.RecordSpanError(span, err)
		g.logger.Warn("judge call failed", zap.String("model", model), zap.Error(err))
		return nil, err
	}

	tracing.RecordSpanTokens(span, res.TokensIn, res.TokensOut)
	out := *res
	return &out, nil
}

// price sets res.Cost for a fresh verdict and records the spend.
func (g *Guarded) price(res *Result, model string) {
	priced, err := g.costs.Cost(g.inner.Provider(), model, res.TokensIn, res.TokensOut)
	if err != nil {
		return
	}
	res.Cost = priced.TotalCost
	g.metrics.RecordJudgeCost(g.inner.Provider(), model, priced.Currency, priced.TotalCost)
}

// Close stops the cache sweeper.
func (g *Guarded) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}
