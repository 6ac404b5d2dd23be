package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/types"
)

// JobRepository handles job persistence. The partial unique index on
// (type, cycle_key) for queued/running rows is the dedup boundary across processes.
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

// staleJobReason is recorded on active jobs whose lease ran out
const staleJobReason = "lease expired; owning process is gone"

const jobColumns = `
	id, type, cycle_key, status, logs, progress, result, error,
	lease_expires_at, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.JobRecord, error) {
	var job models.JobRecord
	var logsJSON, progressJSON, resultJSON []byte
	err := row.Scan(
		&job.ID,
		&job.Type,
		&job.CycleKey,
		&job.Status,
		&logsJSON,
		&progressJSON,
		&resultJSON,
		&job.Error,
		&job.LeaseExpiresAt,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &job.Logs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job logs: %w", err)
		}
	}
	if len(progressJSON) > 0 {
		job.Progress = &models.JobProgress{}
		if err := json.Unmarshal(progressJSON, job.Progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job progress: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		job.Result = json.RawMessage(resultJSON)
	}
	return &job, nil
}

// CreateJobIfAbsent inserts the job unless an active one exists for its (type, cycleKey)
func (r *JobRepository) CreateJobIfAbsent(ctx context.Context, job *models.JobRecord, now time.Time) (*models.JobRecord, bool, error) {
	if _, err := r.db.Pool().Exec(ctx, `
		UPDATE jobs SET status = 'failed', error = $4, completed_at = $3
		WHERE type = $1 AND cycle_key = $2 AND status IN ('queued', 'running')
			AND lease_expires_at IS NOT NULL AND lease_expires_at < $3
	`, job.Type, job.CycleKey, now, staleJobReason); err != nil {
		return nil, false, fmt.Errorf("failed to expire stale jobs: %w", err)
	}

	logsJSON, err := json.Marshal(job.Logs)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job logs: %w", err)
	}
	if job.Logs == nil {
		logsJSON = []byte("[]")
	}

	query := `
		INSERT INTO jobs (id, type, cycle_key, status, logs, lease_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (type, cycle_key) WHERE status IN ('queued', 'running') DO NOTHING
		RETURNING` + jobColumns

	created, err := scanJob(r.db.Pool().QueryRow(ctx, query,
		job.ID, job.Type, job.CycleKey, job.Status, logsJSON, job.LeaseExpiresAt, job.CreatedAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}

	existing, err := scanJob(r.db.Pool().QueryRow(ctx, `SELECT`+jobColumns+`
		FROM jobs WHERE type = $1 AND cycle_key = $2 AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1`, job.Type, job.CycleKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// the conflicting job settled between the insert and this read
			return nil, false, fmt.Errorf("active %s job for %s vanished, retry submission", job.Type, job.CycleKey)
		}
		return nil, false, fmt.Errorf("failed to load active job: %w", err)
	}
	return existing, false, nil
}

// ExpireJob fails one active job whose lease expired before now
func (r *JobRepository) ExpireJob(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE jobs SET status = 'failed', error = $3, completed_at = $2
		WHERE id = $1 AND status IN ('queued', 'running')
			AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
	`, id, now, staleJobReason)
	if err != nil {
		return false, fmt.Errorf("failed to expire job: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkJobRunning moves a queued job to running and sets its lease
func (r *JobRepository) MarkJobRunning(ctx context.Context, id string, at time.Time, leaseUntil time.Time) error {
	return r.execJob(ctx, id, "mark job running", `
		UPDATE jobs SET status = 'running', started_at = $2, lease_expires_at = $3
		WHERE id = $1 AND status = 'queued'
	`, id, at, leaseUntil)
}

// RenewJobLease extends the lease of a running job
func (r *JobRepository) RenewJobLease(ctx context.Context, id string, leaseUntil time.Time) error {
	return r.execJob(ctx, id, "renew job lease", `
		UPDATE jobs SET lease_expires_at = $2 WHERE id = $1 AND status IN ('queued', 'running')
	`, id, leaseUntil)
}

// AppendJobLogs appends log lines to the job's log array
func (r *JobRepository) AppendJobLogs(ctx context.Context, id string, logs []models.JobLog) error {
	if len(logs) == 0 {
		return nil
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("failed to marshal job logs: %w", err)
	}
	return r.execJob(ctx, id, "append job logs", `
		UPDATE jobs SET logs = logs || $2::jsonb WHERE id = $1
	`, id, logsJSON)
}

// UpdateJobProgress replaces the job's progress
func (r *JobRepository) UpdateJobProgress(ctx context.Context, id string, progress models.JobProgress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal job progress: %w", err)
	}
	return r.execJob(ctx, id, "update job progress", `
		UPDATE jobs SET progress = $2 WHERE id = $1
	`, id, progressJSON)
}

// FinishJob settles a job as completed or failed
func (r *JobRepository) FinishJob(ctx context.Context, id string, status types.JobStatus, result json.RawMessage, reason *string, at time.Time) error {
	var resultArg interface{}
	if len(result) > 0 {
		resultArg = []byte(result)
	}
	return r.execJob(ctx, id, "finish job", `
		UPDATE jobs SET status = $2, result = $3, error = $4, completed_at = $5, lease_expires_at = NULL
		WHERE id = $1
	`, id, status, resultArg, reason, at)
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	job, err := scanJob(r.db.Pool().QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs first
func (r *JobRepository) ListJobs(ctx context.Context, limit int) ([]models.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool().Query(ctx, `SELECT`+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) execJob(ctx context.Context, id, op, query string, args ...interface{}) error {
	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}
