// Package storage provides the persisted state store: Postgres repositories, an in-memory
// store with the same semantics, the Redis leader lease and the ClickHouse holder archive.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/types"
)

// ErrNotFound is returned (wrapped) when a record does not exist
var ErrNotFound = errors.New("record not found")

// ErrSnapshotCompleted is returned when mutating a snapshot that is already completed
var ErrSnapshotCompleted = errors.New("snapshot already completed")

// SnapshotStore persists Snapshot records. Only the collector mutates them.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, key string) (*models.Snapshot, error)
	// EnsureSnapshot inserts snap when no record with its key exists and returns the stored record
	EnsureSnapshot(ctx context.Context, snap *models.Snapshot) (*models.Snapshot, error)
	// StartSnapshot moves a pending or in_progress snapshot to in_progress
	StartSnapshot(ctx context.Context, key string, at time.Time) error
	// ResetSnapshot deletes the snapshot's holders and restarts it from an empty checkpoint
	ResetSnapshot(ctx context.Context, key string, at time.Time) error
	SaveSnapshotProgress(ctx context.Context, key string, progress models.SnapshotProgress) error
	// CompleteSnapshot records the aggregate, marks completed and clears progress in one write
	CompleteSnapshot(ctx context.Context, key string, totalHolders int64, totalBalance string, at time.Time) error
	FailSnapshot(ctx context.Context, key string, reason string) error
	// LatestSnapshot returns the snapshot with the greatest cycle, end phase before start
	LatestSnapshot(ctx context.Context) (*models.Snapshot, error)
}

// HolderStore persists Holder rows
type HolderStore interface {
	// InsertHolders inserts rows absent for (snapshotKey, address) and returns how many were new
	InsertHolders(ctx context.Context, snapshotKey string, holders []models.Holder) (int64, error)
	// CopyHolders duplicates every holder of one snapshot into another
	CopyHolders(ctx context.Context, fromKey, toKey string) (int64, error)
	ListHolders(ctx context.Context, snapshotKey string) ([]models.Holder, error)
	// AggregateHolders returns the row count and exact balance sum
	AggregateHolders(ctx context.Context, snapshotKey string) (int64, string, error)
}

// DistributionStore persists Distribution, Recipient and Batch records
type DistributionStore interface {
	GetDistribution(ctx context.Context, cycleKey string) (*models.Distribution, error)
	LatestDistribution(ctx context.Context) (*models.Distribution, error)
	// BeginCalculation creates or updates the distribution in calculating status
	BeginCalculation(ctx context.Context, cycleKey, previousSnapshot, currentSnapshot string) (*models.Distribution, error)
	// ReplaceResults writes config/stats, sets ready and swaps the full recipient and batch set in one transaction
	ReplaceResults(ctx context.Context, dist *models.Distribution, recipients []models.Recipient, batches []models.Batch) error
	SetDistributionStatus(ctx context.Context, id int64, status types.DistributionStatus, reason *string) error
	// FinishDistribution records the executor roll-up
	FinishDistribution(ctx context.Context, id int64, status types.DistributionStatus, totalDistributed string, at time.Time) error
	CountBatches(ctx context.Context, distributionID int64, status types.PayoutStatus) (int, error)
	// ListBatches returns batches in batch-number order, filtered by statuses when given
	ListBatches(ctx context.Context, distributionID int64, statuses ...types.PayoutStatus) ([]models.Batch, error)
	UpdateBatch(ctx context.Context, batch *models.Batch) error
	// UpdateBatchRecipients sets status (and txHash when non-nil) on every recipient of one batch
	UpdateBatchRecipients(ctx context.Context, distributionID int64, batchNumber int, status types.PayoutStatus, txHash *string) error
	ListRecipients(ctx context.Context, distributionID int64, filter RecipientFilter) ([]models.Recipient, error)
}

// RecipientFilter pages through recipients
type RecipientFilter struct {
	Status types.PayoutStatus
	Limit  int
	Offset int
}

// JobStore persists Job records
type JobStore interface {
	// CreateJobIfAbsent fails active jobs whose lease expired before now, then inserts job unless
	// an active job for (type, cycleKey) exists. It returns the stored job and whether it was created.
	CreateJobIfAbsent(ctx context.Context, job *models.JobRecord, now time.Time) (*models.JobRecord, bool, error)
	// ExpireJob fails the job if it is still active and its lease expired before now.
	// It reports whether the job was expired by this call.
	ExpireJob(ctx context.Context, id string, now time.Time) (bool, error)
	MarkJobRunning(ctx context.Context, id string, at time.Time, leaseUntil time.Time) error
	RenewJobLease(ctx context.Context, id string, leaseUntil time.Time) error
	AppendJobLogs(ctx context.Context, id string, logs []models.JobLog) error
	UpdateJobProgress(ctx context.Context, id string, progress models.JobProgress) error
	FinishJob(ctx context.Context, id string, status types.JobStatus, result json.RawMessage, reason *string, at time.Time) error
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]models.JobRecord, error)
}

// FlaggedAddressStore persists the dynamic exclusion list
type FlaggedAddressStore interface {
	ListFlaggedAddresses(ctx context.Context) ([]models.FlaggedAddress, error)
	FlagAddress(ctx context.Context, flagged models.FlaggedAddress) error
}

// Store is the complete persisted state used by the orchestrator
type Store interface {
	SnapshotStore
	HolderStore
	DistributionStore
	JobStore
	FlaggedAddressStore
	Ping(ctx context.Context) error
	Close()
}
