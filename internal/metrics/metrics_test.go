package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_JobLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.JobStarted("snapshot")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsRunning))

	m.JobFinished("snapshot", "completed", 3*time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("snapshot", "completed")))
}

func TestMetrics_SchedulerStateIsOneHot(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetSchedulerState("waiting-for-calculate")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerState.WithLabelValues("waiting-for-calculate")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SchedulerState.WithLabelValues("waiting-for-airdrop")))

	m.SetSchedulerState("waiting-for-airdrop")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SchedulerState.WithLabelValues("waiting-for-calculate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerState.WithLabelValues("waiting-for-airdrop")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobStarted("airdrop")
		m.LogsDropped(3)
		m.HoldersAdded(10)
		m.SetLeader(true)
		m.SchedulerTriggered("calculate", "failed")
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.HoldersAdded(5)
	m.HoldersAdded(0)
	m.LogsDropped(2)
	m.RateLimited()
	m.GuardRejected("gas_price")

	assert.Equal(t, 5.0, testutil.ToFloat64(m.HoldersInserted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobLogsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardRejections.WithLabelValues("gas_price")))
}
