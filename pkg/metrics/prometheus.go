package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the feedback loop.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Bandit metrics
	ArmPullsTotal     *prometheus.CounterVec
	ArmUpdatesTotal   *prometheus.CounterVec
	RewardHistogram   *prometheus.HistogramVec
	ArmsRegenerated   *prometheus.CounterVec
	ClusterAssignment *prometheus.CounterVec

	// Evaluation metrics
	EvaluationOutputsTotal *prometheus.CounterVec
	EvaluationRunsTotal    *prometheus.CounterVec
	JudgeLatency           *prometheus.HistogramVec
	JudgeCostTotal         *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Resilience metrics
	RetriesTotal       *prometheus.CounterVec
	CircuitStateChange *prometheus.CounterVec

	// Capture & notification metrics
	CapturesTotal        *prometheus.CounterVec
	BackgroundTasksTotal *prometheus.CounterVec
	BroadcastsTotal      *prometheus.CounterVec
	SinksEvictedTotal    prometheus.Counter
}

// New registers every collector on reg. A nil reg uses a private registry
// so repeated construction in tests never collides.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ArmPullsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_arm_pulls_total",
				Help: "Total number of arm selections",
			},
			[]string{"skill", "reason"},
		),

		ArmUpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_arm_updates_total",
				Help: "Total number of arm reward updates by outcome",
			},
			[]string{"outcome"},
		),

		RewardHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skilltuner_reward",
				Help:    "Distribution of rewards applied to arms",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"skill"},
		),

		ArmsRegenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_arms_regenerated_total",
				Help: "Total number of arm set regenerations",
			},
			[]string{"skill"},
		),

		ClusterAssignment: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_cluster_assignments_total",
				Help: "Total number of cluster assignments",
			},
			[]string{"result"},
		),

		EvaluationOutputsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_evaluation_outputs_total",
				Help: "Total number of evaluation outputs by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		EvaluationRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_evaluation_runs_total",
				Help: "Total number of finished evaluation runs by status",
			},
			[]string{"method", "status"},
		),

		JudgeLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skilltuner_judge_latency_seconds",
				Help:    "Judge call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),

		JudgeCostTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_judge_cost_total",
				Help: "Accumulated judge spend",
			},
			[]string{"provider", "model", "currency"},
		),

		CacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skilltuner_judge_cache_hits_total",
				Help: "Total number of judge verdict cache hits",
			},
		),

		CacheMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skilltuner_judge_cache_misses_total",
				Help: "Total number of judge verdict cache misses",
			},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_retries_total",
				Help: "Total number of retried judge calls",
			},
			[]string{"model", "reason"},
		),

		CircuitStateChange: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_circuit_state_changes_total",
				Help: "Total number of circuit breaker transitions",
			},
			[]string{"name", "to"},
		),

		CapturesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_captures_total",
				Help: "Total number of log captures by outcome",
			},
			[]string{"outcome"},
		),

		BackgroundTasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_background_tasks_total",
				Help: "Total number of supervised background tasks by outcome",
			},
			[]string{"task", "outcome"},
		),

		BroadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skilltuner_broadcast_deliveries_total",
				Help: "Total number of event deliveries by type and outcome",
			},
			[]string{"type", "outcome"},
		),

		SinksEvictedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "skilltuner_sinks_evicted_total",
				Help: "Total number of notification sinks evicted",
			},
		),
	}
}

// RecordArmPull records an arm selection; reason is "explore" or "exploit"
func (m *Metrics) RecordArmPull(skill, reason string) {
	if m == nil {
		return
	}
	m.ArmPullsTotal.WithLabelValues(skill, reason).Inc()
}

// RecordArmUpdate records the outcome of a reward update
func (m *Metrics) RecordArmUpdate(outcome string) {
	if m == nil {
		return
	}
	m.ArmUpdatesTotal.WithLabelValues(outcome).Inc()
}

// RecordReward records an applied reward
func (m *Metrics) RecordReward(skill string, reward float64) {
	if m == nil {
		return
	}
	m.RewardHistogram.WithLabelValues(skill).Observe(reward)
}

// RecordRegeneration records an arm set regeneration
func (m *Metrics) RecordRegeneration(skill string) {
	if m == nil {
		return
	}
	m.ArmsRegenerated.WithLabelValues(skill).Inc()
}

// RecordClusterAssignment records whether an assignment joined or created a cluster
func (m *Metrics) RecordClusterAssignment(created bool) {
	if m == nil {
		return
	}
	result := "joined"
	if created {
		result = "created"
	}
	m.ClusterAssignment.WithLabelValues(result).Inc()
}

// RecordEvaluationOutput records one LogOutput
func (m *Metrics) RecordEvaluationOutput(method, outcome string) {
	if m == nil {
		return
	}
	m.EvaluationOutputsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordEvaluationRun records a run reaching a terminal status
func (m *Metrics) RecordEvaluationRun(method, status string) {
	if m == nil {
		return
	}
	m.EvaluationRunsTotal.WithLabelValues(method, status).Inc()
}

// RecordJudgeLatency records a judge call latency
func (m *Metrics) RecordJudgeLatency(provider, model string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JudgeLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordJudgeCost adds the price of a judge call
func (m *Metrics) RecordJudgeCost(provider, model, currency string, amount float64) {
	if m == nil {
		return
	}
	m.JudgeCostTotal.WithLabelValues(provider, model, currency).Add(amount)
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordRetry records a retry
func (m *Metrics) RecordRetry(model, reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(model, reason).Inc()
}

// RecordCircuitState records a circuit breaker transition
func (m *Metrics) RecordCircuitState(name, to string) {
	if m == nil {
		return
	}
	m.CircuitStateChange.WithLabelValues(name, to).Inc()
}

// RecordCapture records a capture outcome
func (m *Metrics) RecordCapture(outcome string) {
	if m == nil {
		return
	}
	m.CapturesTotal.WithLabelValues(outcome).Inc()
}

// RecordBackgroundTask records a supervised task finishing
func (m *Metrics) RecordBackgroundTask(task, outcome string) {
	if m == nil {
		return
	}
	m.BackgroundTasksTotal.WithLabelValues(task, outcome).Inc()
}

// RecordBroadcast records one delivery attempt
func (m *Metrics) RecordBroadcast(eventType, outcome string) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordEviction records a sink eviction
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.SinksEvictedTotal.Inc()
}
