package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reward-airdrop/internal/cycle"
	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/job"
	"github.com/reward-airdrop/internal/metrics"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

// fixedNow is a Friday in ISO week 42
var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func cronConfig() Config {
	return Config{
		Mode: ModeCron,
		Expressions: map[Step]string{
			StepStartSnapshot: "0 0 * * 1",
			StepEndSnapshot:   "0 0 * * 0",
			StepCalculate:     "0 1 * * 0",
			StepAirdrop:       "0 2 * * 0",
		},
		Now: func() time.Time { return fixedNow },
	}
}

func weekly(t *testing.T) *cycle.Calendar {
	t.Helper()
	cal, err := cycle.NewCalendar("weekly", 0)
	require.NoError(t, err)
	return cal
}

// immediateClock fires the first limit waits at once and blocks every later one
type immediateClock struct {
	mu      sync.Mutex
	fired   int
	limit   int
	once    sync.Once
	reached chan struct{}
}

func newImmediateClock(limit int) *immediateClock {
	return &immediateClock{limit: limit, reached: make(chan struct{})}
}

func (c *immediateClock) after(time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired >= c.limit {
		c.once.Do(func() { close(c.reached) })
		return nil
	}
	c.fired++
	ch := make(chan time.Time, 1)
	ch <- fixedNow
	return ch
}

// jobLog records the jobs the coordinator ran
type jobLog struct {
	mu   sync.Mutex
	runs []string
}

func (l *jobLog) handler(fail bool) job.Handler {
	return func(ctx context.Context, rec *models.JobRecord, r *job.Recorder) (interface{}, error) {
		l.mu.Lock()
		l.runs = append(l.runs, string(rec.Type)+" "+rec.CycleKey)
		l.mu.Unlock()
		if fail {
			return nil, errors.New("snapshot not ready")
		}
		return nil, nil
	}
}

func (l *jobLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.runs...)
}

func newCoordinator(store *storage.MemoryStore, runs *jobLog, failing types.JobType) *job.Coordinator {
	coord := job.NewCoordinator(store, job.Config{PollInterval: 5 * time.Millisecond}, nil)
	for _, jt := range []types.JobType{types.JobSnapshot, types.JobCalculation, types.JobAirdrop, types.JobFullFlow} {
		coord.Register(jt, runs.handler(jt == failing))
	}
	return coord
}

func runUntil(t *testing.T, s *Scheduler, clock *immediateClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go s.Run(ctx)
	select {
	case <-clock.reached:
	case <-ctx.Done():
		t.Fatal("scheduler did not fire the expected steps")
	}
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_RunsCycleInOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	runs := &jobLog{}
	clock := newImmediateClock(4)
	cfg := cronConfig()
	cfg.After = clock.after

	s, err := NewScheduler(cfg, weekly(t), newCoordinator(store, runs, ""), store, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Restore(context.Background()))
	runUntil(t, s, clock)

	assert.Equal(t, []string{
		"snapshot 2026-W42-start",
		"snapshot 2026-W42-end",
		"calculation 2026-W42",
		"airdrop 2026-W42",
	}, runs.list())

	status := s.Status()
	assert.Equal(t, Stopped, status.State)
	assert.Equal(t, "2026-W42", status.CycleKey)
	require.NotNil(t, status.LastStep)
	assert.Equal(t, StepAirdrop, status.LastStep.Step)
	assert.Equal(t, types.JobCompleted, status.LastStep.Status)
}

func TestScheduler_FailedStepStillAdvances(t *testing.T) {
	store := storage.NewMemoryStore()
	runs := &jobLog{}
	clock := newImmediateClock(3)
	cfg := cronConfig()
	cfg.After = clock.after

	s, err := NewScheduler(cfg, weekly(t), newCoordinator(store, runs, types.JobCalculation), store, nil, nil)
	require.NoError(t, err)
	runUntil(t, s, clock)

	assert.Len(t, runs.list(), 3)
	last := s.Status().LastStep
	require.NotNil(t, last)
	assert.Equal(t, StepCalculate, last.Step)
	assert.Equal(t, types.JobFailed, last.Status)
	assert.Contains(t, last.Error, "snapshot not ready")
	assert.Equal(t, WaitingForAirdrop, s.state)
}

func TestScheduler_Restore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.EnsureSnapshot(ctx, &models.Snapshot{
		CycleKey: "2026-W41-start", Cycle: "2026-W41", Phase: types.PhaseStart, Status: types.SnapshotPending,
	})
	require.NoError(t, err)
	require.NoError(t, store.StartSnapshot(ctx, "2026-W41-start", fixedNow))
	require.NoError(t, store.CompleteSnapshot(ctx, "2026-W41-start", 0, "0", fixedNow))

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	s, err := NewScheduler(cronConfig(), weekly(t), newCoordinator(store, &jobLog{}, ""), store, nil, m)
	require.NoError(t, err)
	require.NoError(t, s.Restore(ctx))

	status := s.Status()
	assert.Equal(t, WaitingForEndSnapshot, status.State)
	assert.Equal(t, "2026-W41", status.CycleKey)
	assert.Equal(t, StepEndSnapshot, status.NextAction)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SchedulerState.WithLabelValues(string(WaitingForEndSnapshot))))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SchedulerState.WithLabelValues(string(WaitingForStartSnapshot))))
}

func TestRestorePosition(t *testing.T) {
	calculated := fixedNow
	tests := []struct {
		name  string
		snap  *models.Snapshot
		dist  *models.Distribution
		state State
		cycle string
	}{
		{"cold start", nil, nil, WaitingForStartSnapshot, ""},
		{"start in progress", &models.Snapshot{Cycle: "2026-W42", Phase: types.PhaseStart, Status: types.SnapshotInProgress}, nil, WaitingForStartSnapshot, "2026-W42"},
		{"start completed", &models.Snapshot{Cycle: "2026-W42", Phase: types.PhaseStart, Status: types.SnapshotCompleted}, nil, WaitingForEndSnapshot, "2026-W42"},
		{"end failed", &models.Snapshot{Cycle: "2026-W42", Phase: types.PhaseEnd, Status: types.SnapshotFailed}, nil, WaitingForEndSnapshot, "2026-W42"},
		{"end completed", &models.Snapshot{Cycle: "2026-W42", Phase: types.PhaseEnd, Status: types.SnapshotCompleted}, nil, WaitingForCalculate, "2026-W42"},
		{
			"distribution ready",
			&models.Snapshot{Cycle: "2026-W42", Phase: types.PhaseEnd, Status: types.SnapshotCompleted},
			&models.Distribution{CycleKey: "2026-W42", Status: types.DistributionReady},
			WaitingForAirdrop, "2026-W42",
		},
		{
			"calculation failed",
			&models.Snapshot{Cycle: "2026-W42", Phase: types.PhaseEnd, Status: types.SnapshotCompleted},
			&models.Distribution{CycleKey: "2026-W42", Status: types.DistributionFailed},
			WaitingForCalculate, "2026-W42",
		},
		{
			"airdrop failed",
			nil,
			&models.Distribution{CycleKey: "2026-W42", Status: types.DistributionFailed, CalculatedAt: &calculated},
			WaitingForAirdrop, "2026-W42",
		},
		{
			"distribution completed",
			&models.Snapshot{Cycle: "2026-W42", Phase: types.PhaseEnd, Status: types.SnapshotCompleted},
			&models.Distribution{CycleKey: "2026-W42", Status: types.DistributionCompleted},
			WaitingForStartSnapshot, "2026-W42",
		},
		{
			"newer cycle started after a completed distribution",
			&models.Snapshot{Cycle: "2026-W43", Phase: types.PhaseStart, Status: types.SnapshotCompleted},
			&models.Distribution{CycleKey: "2026-W42", Status: types.DistributionCompleted},
			WaitingForEndSnapshot, "2026-W43",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, key := restorePosition(tt.snap, tt.dist)
			assert.Equal(t, tt.state, state)
			assert.Equal(t, tt.cycle, key)
		})
	}
}

func TestNewScheduler_RejectsInvalidSchedules(t *testing.T) {
	cal := weekly(t)

	missing := cronConfig()
	delete(missing.Expressions, StepCalculate)
	_, err := NewScheduler(missing, cal, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULE_CALCULATE")

	invalid := cronConfig()
	invalid.Expressions[StepAirdrop] = "every sunday"
	_, err = NewScheduler(invalid, cal, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULE_AIRDROP")

	offsets := Config{
		Mode:     ModeInterval,
		Interval: time.Hour,
		Offsets:  map[Step]time.Duration{StepAirdrop: 2 * time.Hour},
	}
	_, err = NewScheduler(offsets, cal, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OFFSET_AIRDROP")

	_, err = NewScheduler(Config{Mode: "manual"}, cal, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestScheduler_NextActionTime(t *testing.T) {
	s, err := NewScheduler(cronConfig(), weekly(t), nil, nil, nil, nil)
	require.NoError(t, err)
	status := s.Status()
	require.NotNil(t, status.NextActionTime)
	// next Monday 00:00
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), *status.NextActionTime)
	assert.Equal(t, "2026-10-19T00:00:00Z", status.NextActionDisplay)

	cfg := cronConfig()
	cfg.Expressions[StepStartSnapshot] = "0 0 1,15 * *"
	s, err = NewScheduler(cfg, weekly(t), nil, nil, nil, nil)
	require.NoError(t, err)
	status = s.Status()
	assert.Nil(t, status.NextActionTime)
	assert.Equal(t, "unknown", status.NextActionDisplay)
}

func TestScheduler_IntervalMode(t *testing.T) {
	cal, err := cycle.NewCalendar("test", time.Hour)
	require.NoError(t, err)
	cfg := Config{
		Mode:     ModeInterval,
		Interval: time.Hour,
		Offsets: map[Step]time.Duration{
			StepStartSnapshot: 0,
			StepEndSnapshot:   40 * time.Minute,
			StepCalculate:     45 * time.Minute,
			StepAirdrop:       50 * time.Minute,
		},
		Now: func() time.Time { return fixedNow.Add(10 * time.Minute) },
	}
	s, err := NewScheduler(cfg, cal, nil, nil, nil, nil)
	require.NoError(t, err)
	status := s.Status()
	require.NotNil(t, status.NextActionTime)
	assert.Equal(t, fixedNow.Add(time.Hour), *status.NextActionTime)
}

func TestDescribable(t *testing.T) {
	tests := map[string]bool{
		"30 9 * * *":      true,
		"0 0 * * 1":       true,
		"*/15 * * * *":    true,
		"@every 90s":      true,
		"@every nonsense": false,
		"0 0 1,15 * *":    false,
		"0 9-17 * * *":    false,
		"*/5 9 * * *":     false,
		"@daily":          false,
		"0 0 * * MON":     false,
		"":                false,
	}
	for expr, want := range tests {
		assert.Equal(t, want, describable(expr), expr)
	}
}

func TestIntervalSchedule_Next(t *testing.T) {
	s := intervalSchedule{interval: time.Hour, offset: 15 * time.Minute}
	base := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, base.Add(15*time.Minute), s.Next(base))
	assert.Equal(t, base.Add(75*time.Minute), s.Next(base.Add(15*time.Minute)))
	assert.Equal(t, base.Add(75*time.Minute), s.Next(base.Add(59*time.Minute)))
}

func TestScheduler_ManualTriggerKeepsPosition(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	runs := &jobLog{}
	s, err := NewScheduler(cronConfig(), weekly(t), newCoordinator(store, runs, ""), store, nil, nil)
	require.NoError(t, err)

	h, err := s.TriggerCalculate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "2026-W42", h.Job.CycleKey)
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	h, err = s.TriggerEndSnapshot(ctx, "2026-W40")
	require.NoError(t, err)
	assert.Equal(t, "2026-W40-end", h.Job.CycleKey)
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	h, err = s.Trigger(ctx, StepFullFlow, "2026-W41")
	require.NoError(t, err)
	assert.Equal(t, types.JobFullFlow, h.Job.Type)
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, WaitingForStartSnapshot, s.Status().State)
	assert.Nil(t, s.Status().LastStep)

	_, err = s.TriggerAirdrop(ctx, "2026-10-16")
	assert.True(t, apperrors.IsUserError(err))
	_, err = s.Trigger(ctx, Step("payout"), "2026-W42")
	assert.True(t, apperrors.IsUserError(err))
}

func TestScheduler_StopBeforeRun(t *testing.T) {
	s, err := NewScheduler(cronConfig(), weekly(t), nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, Stopped, s.Status().State)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run kept going after Stop")
	}
}

func TestScheduler_FollowerSkipsStep(t *testing.T) {
	mr := miniredis.RunT(t)
	client := storage.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	other := storage.NewLeaderLease(client, "airdrop:scheduler:leader", "other-instance", 5*time.Minute)
	held, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, held)

	store := storage.NewMemoryStore()
	runs := &jobLog{}
	clock := newImmediateClock(1)
	cfg := cronConfig()
	cfg.After = clock.after
	lease := storage.NewLeaderLease(client, "airdrop:scheduler:leader", "this-instance", 5*time.Minute)

	s, err := NewScheduler(cfg, weekly(t), newCoordinator(store, runs, ""), store, lease, nil)
	require.NoError(t, err)
	runUntil(t, s, clock)

	assert.Empty(t, runs.list())
	last := s.Status().LastStep
	require.NotNil(t, last)
	assert.True(t, last.Skipped)
	assert.False(t, s.Status().Leader)

	// the lease still belongs to the other instance
	owner, err := mr.Get("airdrop:scheduler:leader")
	require.NoError(t, err)
	assert.Equal(t, "other-instance", owner)
}

func TestScheduler_LeaderFires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := storage.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	store := storage.NewMemoryStore()
	runs := &jobLog{}
	clock := newImmediateClock(1)
	cfg := cronConfig()
	cfg.After = clock.after
	lease := storage.NewLeaderLease(client, "airdrop:scheduler:leader", "this-instance", 5*time.Minute)

	s, err := NewScheduler(cfg, weekly(t), newCoordinator(store, runs, ""), store, lease, nil)
	require.NoError(t, err)
	runUntil(t, s, clock)

	assert.Equal(t, []string{"snapshot 2026-W42-start"}, runs.list())
	assert.True(t, s.Status().Leader)
	// Stop released the lease
	assert.False(t, mr.Exists("airdrop:scheduler:leader"))
}
