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

// SnapshotRepository handles snapshot and holder persistence
type SnapshotRepository struct {
	db *PostgresDB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *PostgresDB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

const snapshotColumns = `
	cycle_key, cycle, phase, token_address, status, total_holders, total_balance::text,
	progress, synthetic, error, started_at, completed_at, created_at, updated_at`

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var snap models.Snapshot
	var progressJSON []byte
	err := row.Scan(
		&snap.CycleKey,
		&snap.Cycle,
		&snap.Phase,
		&snap.TokenAddress,
		&snap.Status,
		&snap.TotalHolders,
		&snap.TotalBalance,
		&progressJSON,
		&snap.Synthetic,
		&snap.Error,
		&snap.StartedAt,
		&snap.CompletedAt,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(progressJSON) > 0 {
		snap.Progress = &models.SnapshotProgress{}
		if err := json.Unmarshal(progressJSON, snap.Progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot progress: %w", err)
		}
	}
	return &snap, nil
}

// GetSnapshot retrieves a snapshot by key
func (r *SnapshotRepository) GetSnapshot(ctx context.Context, key string) (*models.Snapshot, error) {
	query := `SELECT` + snapshotColumns + ` FROM snapshots WHERE cycle_key = $1`

	snap, err := scanSnapshot(r.db.Pool().QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// EnsureSnapshot inserts the snapshot unless it exists and returns the stored row
func (r *SnapshotRepository) EnsureSnapshot(ctx context.Context, snap *models.Snapshot) (*models.Snapshot, error) {
	query := `
		INSERT INTO snapshots (cycle_key, cycle, phase, token_address, status, synthetic, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (cycle_key) DO NOTHING
	`
	_, err := r.db.Pool().Exec(ctx, query,
		snap.CycleKey,
		snap.Cycle,
		snap.Phase,
		snap.TokenAddress,
		snap.Status,
		snap.Synthetic,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return r.GetSnapshot(ctx, snap.CycleKey)
}

// StartSnapshot moves a non-terminal snapshot to in_progress
func (r *SnapshotRepository) StartSnapshot(ctx context.Context, key string, at time.Time) error {
	query := `
		UPDATE snapshots
		SET status = $2, error = NULL, started_at = COALESCE(started_at, $3), updated_at = NOW()
		WHERE cycle_key = $1 AND status IN ('pending', 'in_progress')
	`
	return r.execSnapshotUpdate(ctx, key, "start snapshot", query, key, types.SnapshotInProgress, at)
}

// ResetSnapshot deletes partial holders and restarts the snapshot in one transaction
func (r *SnapshotRepository) ResetSnapshot(ctx context.Context, key string, at time.Time) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE snapshots
		SET status = $2, error = NULL, progress = NULL, total_holders = 0, total_balance = 0,
			started_at = $3, completed_at = NULL, updated_at = NOW()
		WHERE cycle_key = $1 AND status <> 'completed'
	`, key, types.SnapshotInProgress, at)
	if err != nil {
		return fmt.Errorf("failed to reset snapshot: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrCompleted(ctx, key)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM holders WHERE snapshot_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete partial holders: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot reset: %w", err)
	}
	return nil
}

// SaveSnapshotProgress persists the resumable checkpoint
func (r *SnapshotRepository) SaveSnapshotProgress(ctx context.Context, key string, progress models.SnapshotProgress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot progress: %w", err)
	}
	query := `
		UPDATE snapshots SET progress = $2, updated_at = NOW()
		WHERE cycle_key = $1 AND status = 'in_progress'
	`
	return r.execSnapshotUpdate(ctx, key, "save snapshot progress", query, key, progressJSON)
}

// CompleteSnapshot marks the snapshot completed with its aggregate and clears progress
func (r *SnapshotRepository) CompleteSnapshot(ctx context.Context, key string, totalHolders int64, totalBalance string, at time.Time) error {
	query := `
		UPDATE snapshots
		SET status = 'completed', total_holders = $2, total_balance = $3::text::numeric,
			progress = NULL, error = NULL, completed_at = $4, updated_at = NOW()
		WHERE cycle_key = $1 AND status <> 'completed'
	`
	return r.execSnapshotUpdate(ctx, key, "complete snapshot", query, key, totalHolders, totalBalance, at)
}

// FailSnapshot marks a non-completed snapshot failed
func (r *SnapshotRepository) FailSnapshot(ctx context.Context, key string, reason string) error {
	query := `
		UPDATE snapshots SET status = 'failed', error = $2, updated_at = NOW()
		WHERE cycle_key = $1 AND status <> 'completed'
	`
	return r.execSnapshotUpdate(ctx, key, "fail snapshot", query, key, reason)
}

// LatestSnapshot returns the most recent snapshot by cycle key
func (r *SnapshotRepository) LatestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	query := `SELECT` + snapshotColumns + `
		FROM snapshots
		ORDER BY cycle DESC, CASE phase WHEN 'end' THEN 1 ELSE 0 END DESC
		LIMIT 1`

	snap, err := scanSnapshot(r.db.Pool().QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("latest snapshot: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snap, nil
}

func (r *SnapshotRepository) execSnapshotUpdate(ctx context.Context, key, op, query string, args ...interface{}) error {
	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrCompleted(ctx, key)
	}
	return nil
}

// missingOrCompleted explains why a guarded update touched no row
func (r *SnapshotRepository) missingOrCompleted(ctx context.Context, key string) error {
	snap, err := r.GetSnapshot(ctx, key)
	if err != nil {
		return err
	}
	if snap.Status == types.SnapshotCompleted {
		return fmt.Errorf("snapshot %s: %w", key, ErrSnapshotCompleted)
	}
	return fmt.Errorf("snapshot %s is %s", key, snap.Status)
}

// InsertHolders inserts holders absent for the snapshot and returns the number of new rows
func (r *SnapshotRepository) InsertHolders(ctx context.Context, snapshotKey string, holders []models.Holder) (int64, error) {
	if len(holders) == 0 {
		return 0, nil
	}

	addresses := make([]string, len(holders))
	balances := make([]string, len(holders))
	for i, h := range holders {
		addresses[i] = h.Address
		balances[i] = h.Balance
	}

	query := `
		INSERT INTO holders (snapshot_key, address, balance)
		SELECT $1, t.address, t.balance::numeric
		FROM unnest($2::text[], $3::text[]) AS t(address, balance)
		ON CONFLICT (snapshot_key, address) DO NOTHING
	`
	result, err := r.db.Pool().Exec(ctx, query, snapshotKey, addresses, balances)
	if err != nil {
		return 0, fmt.Errorf("failed to insert holders: %w", err)
	}
	return result.RowsAffected(), nil
}

// CopyHolders duplicates one snapshot's holders into another
func (r *SnapshotRepository) CopyHolders(ctx context.Context, fromKey, toKey string) (int64, error) {
	query := `
		INSERT INTO holders (snapshot_key, address, balance)
		SELECT $2, address, balance FROM holders WHERE snapshot_key = $1
		ON CONFLICT (snapshot_key, address) DO NOTHING
	`
	result, err := r.db.Pool().Exec(ctx, query, fromKey, toKey)
	if err != nil {
		return 0, fmt.Errorf("failed to copy holders: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListHolders returns all holders of a snapshot ordered by address
func (r *SnapshotRepository) ListHolders(ctx context.Context, snapshotKey string) ([]models.Holder, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT address, balance::text FROM holders WHERE snapshot_key = $1 ORDER BY address
	`, snapshotKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query holders: %w", err)
	}
	defer rows.Close()

	var holders []models.Holder
	for rows.Next() {
		h := models.Holder{SnapshotKey: snapshotKey}
		if err := rows.Scan(&h.Address, &h.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan holder row: %w", err)
		}
		holders = append(holders, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holder rows: %w", err)
	}
	return holders, nil
}

// AggregateHolders returns the holder count and exact balance sum
func (r *SnapshotRepository) AggregateHolders(ctx context.Context, snapshotKey string) (int64, string, error) {
	var count int64
	var total string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(balance), 0)::text FROM holders WHERE snapshot_key = $1
	`, snapshotKey).Scan(&count, &total)
	if err != nil {
		return 0, "", fmt.Errorf("failed to aggregate holders: %w", err)
	}
	return count, total, nil
}
