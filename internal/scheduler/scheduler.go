// Package scheduler drives the four steps of every reward cycle on a cron or interval
// cadence and exposes manual triggers for each step.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reward-airdrop/internal/cycle"
	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/job"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/metrics"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

// State is the position of the scheduler inside a cycle
type State string

const (
	WaitingForStartSnapshot State = "waiting-for-start-snapshot"
	WaitingForEndSnapshot   State = "waiting-for-end-snapshot"
	WaitingForCalculate     State = "waiting-for-calculate"
	WaitingForAirdrop       State = "waiting-for-airdrop"
	Stopped                 State = "stopped"
)

// Step is one action of a cycle
type Step string

const (
	StepStartSnapshot Step = "start-snapshot"
	StepEndSnapshot   Step = "end-snapshot"
	StepCalculate     Step = "calculate"
	StepAirdrop       Step = "airdrop"
	// StepFullFlow is only triggered manually
	StepFullFlow Step = "full-flow"
)

// sequence is the fixed order of scheduled steps in a cycle
var sequence = []Step{StepStartSnapshot, StepEndSnapshot, StepCalculate, StepAirdrop}

var waitingState = map[Step]State{
	StepStartSnapshot: WaitingForStartSnapshot,
	StepEndSnapshot:   WaitingForEndSnapshot,
	StepCalculate:     WaitingForCalculate,
	StepAirdrop:       WaitingForAirdrop,
}

// ParseStep validates a step name
func ParseStep(s string) (Step, error) {
	switch step := Step(s); step {
	case StepStartSnapshot, StepEndSnapshot, StepCalculate, StepAirdrop, StepFullFlow:
		return step, nil
	}
	return "", apperrors.NewInvalidParameterError("step", fmt.Sprintf("unknown step %q", s))
}

// JobStarter submits jobs; implemented by *job.Coordinator
type JobStarter interface {
	StartJob(ctx context.Context, jobType types.JobType, cycleKey string) (*job.Handle, error)
}

// PositionStore is what Restore reads to find where the last run stopped
type PositionStore interface {
	LatestSnapshot(ctx context.Context) (*models.Snapshot, error)
	LatestDistribution(ctx context.Context) (*models.Distribution, error)
}

// Leader elects the instance allowed to fire scheduled steps; implemented by *storage.LeaderLease
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config holds scheduler settings
type Config struct {
	// Mode is cron or interval
	Mode        string
	Expressions map[Step]string
	Interval    time.Duration
	Offsets     map[Step]time.Duration
	Now         func() time.Time
	// After replaces time.After; tests use it to fire immediately
	After func(d time.Duration) <-chan time.Time
}

// StepOutcome describes the last step fired by the timer
type StepOutcome struct {
	Step       Step            `json:"step"`
	CycleKey   string          `json:"cycleKey"`
	JobID      string          `json:"jobId,omitempty"`
	Status     types.JobStatus `json:"status,omitempty"`
	Error      string          `json:"error,omitempty"`
	Skipped    bool            `json:"skipped,omitempty"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Status is an immutable view of the scheduler published after every change
type Status struct {
	State      State  `json:"state"`
	Mode       string `json:"mode"`
	CycleMode  string `json:"cycleMode"`
	CycleKey   string `json:"cycleKey,omitempty"`
	NextAction Step   `json:"nextAction,omitempty"`
	// NextActionTime is nil when the expression is outside the describable grammar
	NextActionTime    *time.Time      `json:"nextActionTime,omitempty"`
	NextActionDisplay string          `json:"nextActionDisplay"`
	Schedules         map[Step]string `json:"schedules"`
	Leader            bool            `json:"leader"`
	LastStep          *StepOutcome    `json:"lastStep,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Scheduler fires the steps of each cycle in order. Its position is owned by the Run
// goroutine; other goroutines read the published Status.
type Scheduler struct {
	cfg      Config
	calendar *cycle.Calendar
	jobs     JobStarter
	store    PositionStore
	leader   Leader
	metrics  *metrics.Metrics
	triggers map[Step]trigger

	// position, written by Restore and then only by Run
	state    State
	cycleKey string
	last     *StepOutcome
	isLeader bool

	status   atomic.Pointer[Status]
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	done     chan struct{}
}

// NewScheduler validates every schedule expression. A nil leader makes this process leader.
func NewScheduler(cfg Config, calendar *cycle.Calendar, jobs JobStarter, store PositionStore, leader Leader, m *metrics.Metrics) (*Scheduler, error) {
	if calendar == nil {
		return nil, apperrors.NewInvalidConfigError("CYCLE_MODE", "a cycle calendar is required")
	}
	triggers, err := buildTriggers(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	s := &Scheduler{
		cfg:      cfg,
		calendar: calendar,
		jobs:     jobs,
		store:    store,
		leader:   leader,
		metrics:  m,
		triggers: triggers,
		state:    WaitingForStartSnapshot,
		isLeader: leader == nil,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.publish()
	return s, nil
}

// Status returns the latest published view
func (s *Scheduler) Status() Status {
	return *s.status.Load()
}

// Restore derives the waiting state and active cycle from the latest snapshot and
// distribution so a restart resumes mid-cycle. It must be called before Run.
func (s *Scheduler) Restore(ctx context.Context) error {
	log := logging.FromContext(ctx).WithComponent("scheduler")

	snap, err := s.store.LatestSnapshot(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewDatabaseError("latest snapshot", err)
	}
	dist, err := s.store.LatestDistribution(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewDatabaseError("latest distribution", err)
	}

	s.state, s.cycleKey = restorePosition(snap, dist)
	s.publish()
	log.WithFields(map[string]interface{}{
		"state":     s.state,
		"cycle_key": s.cycleKey,
	}).Info("Scheduler position restored")
	return nil
}

// restorePosition maps the most advanced persisted record to the step that should run next
func restorePosition(snap *models.Snapshot, dist *models.Distribution) (State, string) {
	if dist != nil && (snap == nil || dist.CycleKey >= snap.Cycle) {
		switch dist.Status {
		case types.DistributionCompleted:
			return WaitingForStartSnapshot, dist.CycleKey
		case types.DistributionReady, types.DistributionProcessing:
			return WaitingForAirdrop, dist.CycleKey
		case types.DistributionFailed:
			if dist.CalculatedAt != nil {
				return WaitingForAirdrop, dist.CycleKey
			}
			return WaitingForCalculate, dist.CycleKey
		default:
			return WaitingForCalculate, dist.CycleKey
		}
	}
	if snap == nil {
		return WaitingForStartSnapshot, ""
	}
	completed := snap.Status == types.SnapshotCompleted
	switch {
	case snap.Phase == types.PhaseStart && completed:
		return WaitingForEndSnapshot, snap.Cycle
	case snap.Phase == types.PhaseStart:
		return WaitingForStartSnapshot, snap.Cycle
	case completed:
		return WaitingForCalculate, snap.Cycle
	default:
		return WaitingForEndSnapshot, snap.Cycle
	}
}

// Run fires steps until Stop is called or ctx ends. A failed step is logged and the
// scheduler still advances to the next waiting state.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)
	log := logging.FromContext(ctx).WithComponent("scheduler")
	log.WithField("state", s.state).Info("Scheduler started")

	for {
		step := s.nextStep()
		next := s.triggers[step].schedule.Next(s.cfg.Now())
		s.publish()

		select {
		case <-s.cfg.After(next.Sub(s.cfg.Now())):
		case <-s.stop:
			log.Info("Scheduler stopped")
			return
		case <-ctx.Done():
			log.Info("Scheduler context done")
			return
		}

		if !s.fire(ctx, step) {
			return
		}
	}
}

// fire runs one scheduled step and advances the position. It returns false when the
// scheduler was stopped while waiting for the job.
func (s *Scheduler) fire(ctx context.Context, step Step) bool {
	log := logging.FromContext(ctx).WithComponent("scheduler").WithField("step", step)

	cycleKey := s.cycleKey
	if step == StepStartSnapshot || cycleKey == "" {
		cycleKey = s.calendar.Current(s.cfg.Now())
	}
	outcome := &StepOutcome{Step: step, CycleKey: cycleKey}

	leader := s.acquire(ctx)
	if !leader {
		log.WithField("cycle_key", cycleKey).Info("Not leader; another instance runs this step")
		s.metrics.SchedulerTriggered(string(step), "skipped")
		outcome.Skipped = true
		outcome.FinishedAt = s.cfg.Now()
		s.advance(cycleKey, outcome)
		return true
	}

	handle, err := s.start(ctx, step, cycleKey)
	if err != nil {
		log.WithError(err).Error("Scheduled step could not start")
		s.metrics.SchedulerTriggered(string(step), "error")
		outcome.Status = types.JobFailed
		outcome.Error = err.Error()
		outcome.FinishedAt = s.cfg.Now()
		s.advance(cycleKey, outcome)
		return true
	}
	outcome.JobID = handle.ID()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	finished, err := handle.Wait(waitCtx)
	if err != nil {
		log.WithError(err).Warn("Stopped waiting for scheduled job; it keeps running")
		return false
	}

	outcome.Status = finished.Status
	if finished.Error != nil {
		outcome.Error = *finished.Error
	}
	outcome.FinishedAt = s.cfg.Now()
	s.metrics.SchedulerTriggered(string(step), string(finished.Status))

	fields := map[string]interface{}{"cycle_key": cycleKey, "job_id": finished.ID, "status": finished.Status}
	if finished.Status == types.JobFailed {
		log.WithFields(fields).WithField("error", outcome.Error).Error("Scheduled step failed; advancing")
	} else {
		log.WithFields(fields).Info("Scheduled step completed")
	}
	s.advance(cycleKey, outcome)
	return true
}

func (s *Scheduler) acquire(ctx context.Context) bool {
	if s.leader == nil {
		return true
	}
	leader, err := s.leader.Acquire(ctx)
	if err != nil {
		logging.FromContext(ctx).WithComponent("scheduler").WithError(err).Warn("Leader lease unavailable; not firing")
		leader = false
	}
	s.isLeader = leader
	s.metrics.SetLeader(leader)
	return leader
}

func (s *Scheduler) nextStep() Step {
	for _, step := range sequence {
		if waitingState[step] == s.state {
			return step
		}
	}
	return StepStartSnapshot
}

func (s *Scheduler) advance(cycleKey string, outcome *StepOutcome) {
	s.cycleKey = cycleKey
	s.last = outcome
	for i, step := range sequence {
		if step == outcome.Step {
			s.state = waitingState[sequence[(i+1)%len(sequence)]]
			break
		}
	}
	s.publish()
}

// publish computes the next action and swaps in a fresh Status
func (s *Scheduler) publish() {
	now := s.cfg.Now()
	st := &Status{
		State:             s.state,
		Mode:              s.cfg.Mode,
		CycleMode:         string(s.calendar.Mode),
		CycleKey:          s.cycleKey,
		NextActionDisplay: unknownTime,
		Schedules:         make(map[Step]string, len(s.triggers)),
		Leader:            s.isLeader,
		LastStep:          s.last,
		UpdatedAt:         now,
	}
	for step, t := range s.triggers {
		st.Schedules[step] = t.expr
	}

	if s.stopped() {
		st.State = Stopped
	} else {
		step := s.nextStep()
		st.NextAction = step
		if t := s.triggers[step]; t.describable {
			next := t.schedule.Next(now)
			st.NextActionTime = &next
			st.NextActionDisplay = next.Format(time.RFC3339)
		}
	}
	s.status.Store(st)
	s.metrics.SetSchedulerState(string(st.State))
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Stop prevents further scheduled triggers and waits for Run to return. Jobs already
// submitted keep running in the coordinator.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.running.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.publish()
	if s.leader != nil {
		if err := s.leader.Release(ctx); err != nil {
			logging.FromContext(ctx).WithComponent("scheduler").WithError(err).Warn("Failed to release leader lease")
		}
	}
	return nil
}

// Trigger starts step for cycleKey immediately, bypassing the timer and leaving the
// scheduled position unchanged. An empty cycleKey means the active cycle, or the current
// one when no cycle is active.
func (s *Scheduler) Trigger(ctx context.Context, step Step, cycleKey string) (*job.Handle, error) {
	if _, err := ParseStep(string(step)); err != nil {
		return nil, err
	}
	if cycleKey == "" {
		cycleKey = s.Status().CycleKey
	}
	if cycleKey == "" {
		cycleKey = s.calendar.Current(s.cfg.Now())
	}
	if !s.calendar.Valid(cycleKey) {
		return nil, apperrors.NewInvalidParameterError("cycleKey", fmt.Sprintf("%q is not a %s cycle key", cycleKey, s.calendar.Mode))
	}

	handle, err := s.start(ctx, step, cycleKey)
	if err != nil {
		return nil, err
	}
	s.metrics.SchedulerTriggered(string(step), "manual")
	logging.FromContext(ctx).WithComponent("scheduler").WithFields(map[string]interface{}{
		"step":      step,
		"cycle_key": cycleKey,
		"job_id":    handle.ID(),
		"created":   handle.Created,
	}).Info("Manual trigger")
	return handle, nil
}

// TriggerStartSnapshot collects the start snapshot of cycleKey
func (s *Scheduler) TriggerStartSnapshot(ctx context.Context, cycleKey string) (*job.Handle, error) {
	return s.Trigger(ctx, StepStartSnapshot, cycleKey)
}

// TriggerEndSnapshot collects the end snapshot of cycleKey
func (s *Scheduler) TriggerEndSnapshot(ctx context.Context, cycleKey string) (*job.Handle, error) {
	return s.Trigger(ctx, StepEndSnapshot, cycleKey)
}

// TriggerCalculate computes the distribution of cycleKey
func (s *Scheduler) TriggerCalculate(ctx context.Context, cycleKey string) (*job.Handle, error) {
	return s.Trigger(ctx, StepCalculate, cycleKey)
}

// TriggerAirdrop pays out the distribution of cycleKey
func (s *Scheduler) TriggerAirdrop(ctx context.Context, cycleKey string) (*job.Handle, error) {
	return s.Trigger(ctx, StepAirdrop, cycleKey)
}

// start maps a step to its job type and key
func (s *Scheduler) start(ctx context.Context, step Step, cycleKey string) (*job.Handle, error) {
	switch step {
	case StepStartSnapshot:
		return s.jobs.StartJob(ctx, types.JobSnapshot, cycle.SnapshotKey(cycleKey, types.PhaseStart))
	case StepEndSnapshot:
		return s.jobs.StartJob(ctx, types.JobSnapshot, cycle.SnapshotKey(cycleKey, types.PhaseEnd))
	case StepCalculate:
		return s.jobs.StartJob(ctx, types.JobCalculation, cycleKey)
	case StepAirdrop:
		return s.jobs.StartJob(ctx, types.JobAirdrop, cycleKey)
	case StepFullFlow:
		return s.jobs.StartJob(ctx, types.JobFullFlow, cycleKey)
	}
	return nil, apperrors.NewInvalidParameterError("step", fmt.Sprintf("unknown step %q", step))
}
