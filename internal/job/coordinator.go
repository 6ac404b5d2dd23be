// Package job runs orchestration work as deduplicated, persisted jobs.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/metrics"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

// Handler performs the work of one job. The returned value is stored as the job result.
type Handler func(ctx context.Context, job *models.JobRecord, rec *Recorder) (interface{}, error)

// Config holds coordinator settings
type Config struct {
	LeaseDuration      time.Duration
	LeaseRenewInterval time.Duration
	RecorderBuffer     int
	// PollInterval paces Handle.Wait for jobs owned by another process
	PollInterval time.Duration
	Now          func() time.Time
}

type registryKey struct {
	jobType  types.JobType
	cycleKey string
}

// Handle refers to a submitted job
type Handle struct {
	// Job is the record as it was when the handle was obtained
	Job *models.JobRecord
	// Created is false when the submission joined an already active job
	Created bool

	store storage.JobStore
	done  chan struct{}
	poll  time.Duration
	now   func() time.Time
}

// ID returns the job ID
func (h *Handle) ID() string {
	return h.Job.ID
}

// Local reports whether the job runs in this process
func (h *Handle) Local() bool {
	return h.done != nil
}

// Wait blocks until the job is completed or failed and returns its final record.
// Jobs owned by another process are polled from the store; once such a job's lease has
// expired its owner is presumed dead and the job is failed here.
func (h *Handle) Wait(ctx context.Context) (*models.JobRecord, error) {
	if h.done != nil {
		select {
		case <-h.done:
			return h.store.GetJob(ctx, h.Job.ID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	for {
		job, err := h.store.GetJob(ctx, h.Job.ID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(h.now()) {
			expired, err := h.store.ExpireJob(ctx, job.ID, h.now())
			if err != nil {
				return nil, err
			}
			if expired {
				logging.FromContext(ctx).WithComponent("job-coordinator").WithFields(map[string]interface{}{
					"job_id":    job.ID,
					"job_type":  job.Type,
					"cycle_key": job.CycleKey,
				}).Warn("Failed job whose owner stopped renewing its lease")
			}
			continue
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Coordinator is the single entry point for starting jobs. At most one job per
// (type, cycle key) is active: the in-memory registry answers for this process and the
// store's insert-if-absent answers across processes.
type Coordinator struct {
	mu       sync.Mutex
	store    storage.JobStore
	cfg      Config
	metrics  *metrics.Metrics
	handlers map[types.JobType]Handler
	active   map[registryKey]*Handle
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator with no handlers registered
func NewCoordinator(store storage.JobStore, cfg Config, m *metrics.Metrics) *Coordinator {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = time.Minute
	}
	if cfg.RecorderBuffer <= 0 {
		cfg.RecorderBuffer = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		store:    store,
		cfg:      cfg,
		metrics:  m,
		handlers: make(map[types.JobType]Handler),
		active:   make(map[registryKey]*Handle),
	}
}

// Register installs the handler for a job type
func (c *Coordinator) Register(jobType types.JobType, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[jobType] = handler
}

// StartJob submits a job. When a job for the same type and cycle key is already queued or
// running, here or in another process, its handle is returned instead of a new job.
// The handler runs asynchronously and is not cancelled when ctx is.
func (c *Coordinator) StartJob(ctx context.Context, jobType types.JobType, cycleKey string) (*Handle, error) {
	if !jobType.Valid() {
		return nil, apperrors.NewInvalidParameterError("type", fmt.Sprintf("unknown job type %q", jobType))
	}
	if cycleKey == "" {
		return nil, apperrors.NewInvalidParameterError("cycleKey", "must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handler, ok := c.handlers[jobType]
	if !ok {
		return nil, apperrors.NewInvalidParameterError("type", fmt.Sprintf("no handler for job type %q", jobType))
	}

	key := registryKey{jobType: jobType, cycleKey: cycleKey}
	if h, ok := c.active[key]; ok {
		c.metrics.JobDeduplicated(string(jobType))
		return &Handle{Job: h.Job, store: c.store, done: h.done, poll: h.poll, now: h.now}, nil
	}

	now := c.cfg.Now()
	lease := now.Add(c.cfg.LeaseDuration)
	record := &models.JobRecord{
		ID:             uuid.NewString(),
		Type:           jobType,
		CycleKey:       cycleKey,
		Status:         types.JobQueued,
		LeaseExpiresAt: &lease,
		CreatedAt:      now,
	}
	stored, created, err := c.store.CreateJobIfAbsent(ctx, record, now)
	if err != nil {
		return nil, apperrors.NewDatabaseError("create job", err)
	}
	if !created {
		c.metrics.JobDeduplicated(string(jobType))
		logging.FromContext(ctx).WithComponent("job-coordinator").WithFields(map[string]interface{}{
			"job_id":    stored.ID,
			"job_type":  jobType,
			"cycle_key": cycleKey,
		}).Info("Job already active in another process")
		return &Handle{Job: stored, store: c.store, poll: c.cfg.PollInterval, now: c.cfg.Now}, nil
	}

	h := &Handle{Job: stored, Created: true, store: c.store, done: make(chan struct{}), poll: c.cfg.PollInterval, now: c.cfg.Now}
	c.active[key] = h
	c.wg.Add(1)
	c.metrics.JobStarted(string(jobType))

	go c.run(context.WithoutCancel(ctx), key, h, handler)
	return h, nil
}

func (c *Coordinator) run(ctx context.Context, key registryKey, h *Handle, handler Handler) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
		close(h.done)
	}()

	job := h.Job
	log := logging.FromContext(ctx).WithComponent("job-coordinator").WithFields(map[string]interface{}{
		"job_id":    job.ID,
		"job_type":  job.Type,
		"cycle_key": job.CycleKey,
	})
	ctx = logging.WithLogger(ctx, log)

	started := c.cfg.Now()
	if err := c.store.MarkJobRunning(ctx, job.ID, started, started.Add(c.cfg.LeaseDuration)); err != nil {
		log.WithError(err).Error("Failed to mark job running")
		reason := err.Error()
		if ferr := c.store.FinishJob(ctx, job.ID, types.JobFailed, nil, &reason, c.cfg.Now()); ferr != nil {
			log.WithError(ferr).Error("Failed to mark job failed")
		}
		c.metrics.JobFinished(string(job.Type), string(types.JobFailed), 0)
		return
	}

	rec := newRecorder(ctx, c.store, job, c.cfg.RecorderBuffer, c.cfg.Now, c.metrics)
	stopLease := c.renewLease(ctx, job.ID)

	rec.Log(types.LogInfo, fmt.Sprintf("Job %s started for %s", job.Type, job.CycleKey))
	result, err := c.invoke(ctx, handler, job, rec)

	status := types.JobCompleted
	var resultJSON json.RawMessage
	var reason *string
	if err == nil && result != nil {
		if resultJSON, err = json.Marshal(result); err != nil {
			err = fmt.Errorf("failed to encode job result: %w", err)
		}
	}

	stopLease()
	if err != nil {
		status = types.JobFailed
		msg := err.Error()
		reason = &msg
		rec.Finish(ctx, types.LogError, fmt.Sprintf("Job failed: %s", msg))
	} else {
		rec.Finish(ctx, types.LogSuccess, fmt.Sprintf("Job %s completed", job.Type))
	}
	if dropped := rec.Dropped(); dropped > 0 {
		log.WithField("dropped", dropped).Warn("Job log entries dropped")
	}

	took := c.cfg.Now().Sub(started)
	if ferr := c.store.FinishJob(ctx, job.ID, status, resultJSON, reason, c.cfg.Now()); ferr != nil {
		log.WithError(ferr).Error("Failed to persist job outcome")
	}
	c.metrics.JobFinished(string(job.Type), string(status), took)
	log.WithFields(map[string]interface{}{
		"status":   status,
		"duration": took.String(),
	}).Info("Job settled")
}

// invoke runs the handler, turning a panic into a job failure
func (c *Coordinator) invoke(ctx context.Context, handler Handler, job *models.JobRecord, rec *Recorder) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.FromContext(ctx).WithField("stack", string(debug.Stack())).Error("Job handler panicked")
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler(ctx, job, rec)
}

// renewLease extends the job lease on an interval until the returned stop func is called
func (c *Coordinator) renewLease(ctx context.Context, jobID string) func() {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.cfg.LeaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				until := c.cfg.Now().Add(c.cfg.LeaseDuration)
				if err := c.store.RenewJobLease(ctx, jobID, until); err != nil {
					logging.FromContext(ctx).WithError(err).Warn("Failed to renew job lease")
				}
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-stopped
	}
}

// GetJob returns a job record by ID
func (c *Coordinator) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	job, err := c.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get job", err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs
func (c *Coordinator) ListJobs(ctx context.Context, limit int) ([]models.JobRecord, error) {
	jobs, err := c.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list jobs", err)
	}
	return jobs, nil
}

// ActiveJobs returns the number of jobs running in this process
func (c *Coordinator) ActiveJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Wait blocks until every job started by this coordinator settled or ctx ends
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
