package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordArmPull("s1", "explore")
	m.RecordArmPull("s1", "explore")
	m.RecordEviction()

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			values[f.GetName()] += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, values["skilltuner_arm_pulls_total"])
	assert.Equal(t, 1.0, values["skilltuner_sinks_evicted_total"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordArmPull("s", "exploit")
		m.RecordReward("s", 0.5)
		m.RecordCapture("persisted")
		m.RecordJudgeCost("openai", "gpt-4o-mini", "USD", 0.01)
		m.RecordEviction()
	})
}

func TestMetrics_IndependentInstances(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
