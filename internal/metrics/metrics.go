// Package metrics defines the orchestrator's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all orchestrator metrics
	Namespace = "reward_airdrop"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Job metrics
	JobsStarted      *prometheus.CounterVec
	JobsFinished     *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobsRunning      prometheus.Gauge
	JobLogsDropped   prometheus.Counter
	JobsDeduplicated *prometheus.CounterVec

	// Snapshot metrics
	HoldersInserted      prometheus.Counter
	ProviderRateLimited  prometheus.Counter
	ProviderPagesFetched prometheus.Counter

	// Payout metrics
	BatchesProcessed *prometheus.CounterVec
	GuardRejections  *prometheus.CounterVec

	// Scheduler metrics
	SchedulerState    *prometheus.GaugeVec
	SchedulerTriggers *prometheus.CounterVec
	IsLeader          prometheus.Gauge
}

// SchedulerStates lists the values the scheduler state gauge is labelled with
var SchedulerStates = []string{
	"waiting-for-start-snapshot",
	"waiting-for-end-snapshot",
	"waiting-for-calculate",
	"waiting-for-airdrop",
	"stopped",
}

// NewMetrics creates and registers all metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initJobMetrics(factory)
	m.initSnapshotMetrics(factory)
	m.initPayoutMetrics(factory)
	m.initSchedulerMetrics(factory)

	return m
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "started_total",
			Help:      "Jobs created, by type",
		},
		[]string{"type"},
	)
	m.JobsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs settled, by type and final status",
		},
		[]string{"type", "status"},
	)
	m.JobDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job run time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
		},
		[]string{"type"},
	)
	m.JobsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Jobs currently running in this process",
		},
	)
	m.JobLogsDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "log_entries_dropped_total",
			Help:      "Job log and progress entries dropped because the recorder buffer was full",
		},
	)
	m.JobsDeduplicated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "deduplicated_total",
			Help:      "Submissions answered with an already active job, by type",
		},
		[]string{"type"},
	)
}

func (m *Metrics) initSnapshotMetrics(factory promauto.Factory) {
	m.HoldersInserted = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "snapshot",
			Name:      "holders_inserted_total",
			Help:      "Holder rows inserted by the snapshot collector",
		},
	)
	m.ProviderRateLimited = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "snapshot",
			Name:      "provider_rate_limited_total",
			Help:      "Balance provider responses that were rate limited",
		},
	)
	m.ProviderPagesFetched = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "snapshot",
			Name:      "provider_pages_total",
			Help:      "Holder pages fetched from the balance provider",
		},
	)
}

func (m *Metrics) initPayoutMetrics(factory promauto.Factory) {
	m.BatchesProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "airdrop",
			Name:      "batches_total",
			Help:      "Batches processed by the executor, by outcome",
		},
		[]string{"status"},
	)
	m.GuardRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "airdrop",
			Name:      "guard_rejections_total",
			Help:      "Batches refused by the pre-submission guard, by reason",
		},
		[]string{"reason"},
	)
}

func (m *Metrics) initSchedulerMetrics(factory promauto.Factory) {
	m.SchedulerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "state",
			Help:      "1 for the scheduler's current state, 0 otherwise",
		},
		[]string{"state"},
	)
	m.SchedulerTriggers = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Scheduler steps fired, by step and outcome",
		},
		[]string{"step", "outcome"},
	)
	m.IsLeader = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "is_leader",
			Help:      "1 when this instance holds the scheduler leader lease",
		},
	)
}

// JobStarted records a newly created job
func (m *Metrics) JobStarted(jobType string) {
	if m == nil {
		return
	}
	m.JobsStarted.WithLabelValues(jobType).Inc()
	m.JobsRunning.Inc()
}

// JobFinished records a settled job and its run time
func (m *Metrics) JobFinished(jobType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(jobType, status).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(took.Seconds())
	m.JobsRunning.Dec()
}

// JobDeduplicated records a submission that returned an existing job
func (m *Metrics) JobDeduplicated(jobType string) {
	if m == nil {
		return
	}
	m.JobsDeduplicated.WithLabelValues(jobType).Inc()
}

// LogsDropped adds n dropped recorder entries
func (m *Metrics) LogsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobLogsDropped.Add(float64(n))
}

// HoldersAdded records holder rows inserted
func (m *Metrics) HoldersAdded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.HoldersInserted.Add(float64(n))
}

// PageFetched records one provider page
func (m *Metrics) PageFetched() {
	if m == nil {
		return
	}
	m.ProviderPagesFetched.Inc()
}

// RateLimited records one rate-limited provider response
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.ProviderRateLimited.Inc()
}

// BatchProcessed records one batch outcome
func (m *Metrics) BatchProcessed(status string) {
	if m == nil {
		return
	}
	m.BatchesProcessed.WithLabelValues(status).Inc()
}

// GuardRejected records a guard refusal
func (m *Metrics) GuardRejected(reason string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(reason).Inc()
}

// SetSchedulerState sets the one-hot scheduler state gauge
func (m *Metrics) SetSchedulerState(state string) {
	if m == nil {
		return
	}
	for _, s := range SchedulerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SchedulerState.WithLabelValues(s).Set(v)
	}
}

// SchedulerTriggered records one fired scheduler step
func (m *Metrics) SchedulerTriggered(step, outcome string) {
	if m == nil {
		return
	}
	m.SchedulerTriggers.WithLabelValues(step, outcome).Inc()
}

// SetLeader sets the leader gauge
func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.IsLeader.Set(1)
	} else {
		m.IsLeader.Set(0)
	}
}
