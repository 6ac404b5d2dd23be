package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/metrics"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

// maxLogsPerWrite bounds how many queued log lines are appended in one store call
const maxLogsPerWrite = 64

type entry struct {
	log      *models.JobLog
	progress *models.JobProgress
}

// Recorder forwards a job's log lines and progress to the store from its own goroutine.
// Log and Progress never block: when the buffer is full the entry is dropped and counted.
// The terminal line goes through Finish, which writes it synchronously.
type Recorder struct {
	store   storage.JobStore
	jobID   string
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	entries chan entry
	dropped atomic.Int64
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

func newRecorder(ctx context.Context, store storage.JobStore, job *models.JobRecord, buffer int, now func() time.Time, m *metrics.Metrics) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store: store,
		jobID: job.ID,
		logger: logging.FromContext(ctx).WithComponent("job").WithFields(map[string]interface{}{
			"job_id":    job.ID,
			"job_type":  job.Type,
			"cycle_key": job.CycleKey,
		}),
		metrics: m,
		now:     now,
		entries: make(chan entry, buffer),
		done:    make(chan struct{}),
	}
	go r.drain(context.WithoutCancel(ctx))
	return r
}

// Log records one job log line and mirrors it to the process logger
func (r *Recorder) Log(level types.LogLevel, message string) {
	r.mirror(level, message)
	r.enqueue(entry{log: &models.JobLog{Time: r.now(), Level: level, Message: message}})
}

func (r *Recorder) mirror(level types.LogLevel, message string) {
	switch level {
	case types.LogError:
		r.logger.Error(message)
	case types.LogWarn:
		r.logger.Warn(message)
	default:
		r.logger.Info(message)
	}
}

// Progress records the latest progress of the job
func (r *Recorder) Progress(progress models.JobProgress) {
	r.enqueue(entry{progress: &progress})
}

// Dropped returns how many entries were discarded because the buffer was full
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) enqueue(e entry) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.entries <- e:
	default:
		r.dropped.Add(1)
		r.metrics.LogsDropped(1)
	}
}

// Close stops accepting entries and waits until every queued entry was written
func (r *Recorder) Close() {
	r.closeMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.closeMu.Unlock()
	<-r.done
}

// Finish closes the recorder and then appends the job's terminal log line directly, so the
// line is stored even when earlier entries were dropped.
func (r *Recorder) Finish(ctx context.Context, level types.LogLevel, message string) {
	r.mirror(level, message)
	r.Close()
	line := models.JobLog{Time: r.now(), Level: level, Message: message}
	if err := r.store.AppendJobLogs(ctx, r.jobID, []models.JobLog{line}); err != nil {
		r.logger.WithError(err).Warn("Failed to persist final job log")
	}
}

func (r *Recorder) drain(ctx context.Context) {
	defer close(r.done)
	for e := range r.entries {
		logs, progress := collect(nil, nil, e)
	batch:
		for len(logs) < maxLogsPerWrite {
			select {
			case next, ok := <-r.entries:
				if !ok {
					break batch
				}
				logs, progress = collect(logs, progress, next)
			default:
				break batch
			}
		}
		r.write(ctx, logs, progress)
	}
}

func collect(logs []models.JobLog, progress *models.JobProgress, e entry) ([]models.JobLog, *models.JobProgress) {
	if e.log != nil {
		logs = append(logs, *e.log)
	}
	if e.progress != nil {
		progress = e.progress
	}
	return logs, progress
}

func (r *Recorder) write(ctx context.Context, logs []models.JobLog, progress *models.JobProgress) {
	if len(logs) > 0 {
		if err := r.store.AppendJobLogs(ctx, r.jobID, logs); err != nil {
			r.logger.WithError(err).Warn("Failed to persist job logs")
		}
	}
	if progress != nil {
		if err := r.store.UpdateJobProgress(ctx, r.jobID, *progress); err != nil {
			r.logger.WithError(err).Warn("Failed to persist job progress")
		}
	}
}
