package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TasksSubmitted.Inc()
	m.TasksFinal.WithLabelValues("completed").Inc()
	m.StageOutcomes.WithLabelValues("generate", "succeeded").Inc()
	m.StageDuration.WithLabelValues("generate").Observe(1.5)
	m.RetriesScheduled.Inc()
	m.LockWaits.Inc()
	m.QueueDepth.Set(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksSubmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksFinal.WithLabelValues("completed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.QueueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["taskforge_tasks_submitted_total"])
	assert.True(t, names["taskforge_stage_duration_seconds"])
	assert.True(t, names["taskforge_repo_lock_waits_total"])
}

func TestNewSeparateRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.TasksSubmitted.Inc()
	assert.Equal(t, float64(0), testutil.ToFloat64(b.TasksSubmitted))
}
