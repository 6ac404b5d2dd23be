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

// DistributionRepository handles distribution, recipient and batch persistence
type DistributionRepository struct {
	db *PostgresDB
}

// NewDistributionRepository creates a new distribution repository
func NewDistributionRepository(db *PostgresDB) *DistributionRepository {
	return &DistributionRepository{db: db}
}

const distributionColumns = `
	id, cycle_key, status, config, stats, previous_snapshot, current_snapshot,
	error, calculated_at, completed_at, created_at, updated_at`

func scanDistribution(row pgx.Row) (*models.Distribution, error) {
	var dist models.Distribution
	var configJSON, statsJSON []byte
	err := row.Scan(
		&dist.ID,
		&dist.CycleKey,
		&dist.Status,
		&configJSON,
		&statsJSON,
		&dist.PreviousSnapshot,
		&dist.CurrentSnapshot,
		&dist.Error,
		&dist.CalculatedAt,
		&dist.CompletedAt,
		&dist.CreatedAt,
		&dist.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &dist.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal distribution config: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &dist.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal distribution stats: %w", err)
	}
	return &dist, nil
}

// GetDistribution retrieves a distribution by cycle key
func (r *DistributionRepository) GetDistribution(ctx context.Context, cycleKey string) (*models.Distribution, error) {
	query := `SELECT` + distributionColumns + ` FROM distributions WHERE cycle_key = $1`
	dist, err := scanDistribution(r.db.Pool().QueryRow(ctx, query, cycleKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("distribution %s: %w", cycleKey, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get distribution: %w", err)
	}
	return dist, nil
}

// LatestDistribution returns the distribution with the greatest cycle key
func (r *DistributionRepository) LatestDistribution(ctx context.Context) (*models.Distribution, error) {
	query := `SELECT` + distributionColumns + ` FROM distributions ORDER BY cycle_key DESC LIMIT 1`
	dist, err := scanDistribution(r.db.Pool().QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("latest distribution: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest distribution: %w", err)
	}
	return dist, nil
}

// BeginCalculation upserts the distribution row in calculating status
func (r *DistributionRepository) BeginCalculation(ctx context.Context, cycleKey, previousSnapshot, currentSnapshot string) (*models.Distribution, error) {
	query := `
		INSERT INTO distributions (cycle_key, status, previous_snapshot, current_snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (cycle_key) DO UPDATE SET
			status = EXCLUDED.status,
			previous_snapshot = EXCLUDED.previous_snapshot,
			current_snapshot = EXCLUDED.current_snapshot,
			error = NULL,
			updated_at = NOW()
		WHERE distributions.status <> 'completed'
		RETURNING` + distributionColumns

	dist, err := scanDistribution(r.db.Pool().QueryRow(ctx, query,
		cycleKey, types.DistributionCalculating, previousSnapshot, currentSnapshot))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("distribution %s is completed", cycleKey)
		}
		return nil, fmt.Errorf("failed to begin calculation: %w", err)
	}
	return dist, nil
}

// ReplaceResults persists the calculation output atomically
func (r *DistributionRepository) ReplaceResults(ctx context.Context, dist *models.Distribution, recipients []models.Recipient, batches []models.Batch) error {
	configJSON, err := json.Marshal(dist.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal distribution config: %w", err)
	}
	statsJSON, err := json.Marshal(dist.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal distribution stats: %w", err)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE distributions
		SET status = $2, config = $3, stats = $4, error = NULL, calculated_at = $5, updated_at = NOW()
		WHERE id = $1
	`, dist.ID, types.DistributionReady, configJSON, statsJSON, dist.CalculatedAt); err != nil {
		return fmt.Errorf("failed to update distribution: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM recipients WHERE distribution_id = $1`, dist.ID); err != nil {
		return fmt.Errorf("failed to delete recipients: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM batches WHERE distribution_id = $1`, dist.ID); err != nil {
		return fmt.Errorf("failed to delete batches: %w", err)
	}

	if len(recipients) > 0 {
		n := len(recipients)
		addresses := make([]string, n)
		previous := make([]string, n)
		current := make([]string, n)
		mins := make([]string, n)
		rewards := make([]string, n)
		percentages := make([]float64, n)
		batchNumbers := make([]*int32, n)
		for i, rec := range recipients {
			addresses[i] = rec.Address
			previous[i] = rec.Balances.Previous
			current[i] = rec.Balances.Current
			mins[i] = rec.Balances.Min
			rewards[i] = rec.Reward
			percentages[i] = rec.Percentage
			if rec.BatchNumber != nil {
				bn := int32(*rec.BatchNumber) // #nosec G115 - batch numbers are small
				batchNumbers[i] = &bn
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO recipients (
				distribution_id, address, previous_balance, current_balance, min_balance,
				reward, percentage, status, batch_number
			)
			SELECT $1, t.address, t.prev::numeric, t.cur::numeric, t.min::numeric,
				t.reward::numeric, t.pct, $2, t.batch
			FROM unnest($3::text[], $4::text[], $5::text[], $6::text[], $7::text[], $8::float8[], $9::int4[])
				AS t(address, prev, cur, min, reward, pct, batch)
		`, dist.ID, types.PayoutPending, addresses, previous, current, mins, rewards, percentages, batchNumbers); err != nil {
			return fmt.Errorf("failed to insert recipients: %w", err)
		}
	}

	for _, b := range batches {
		if _, err := tx.Exec(ctx, `
			INSERT INTO batches (
				distribution_id, batch_number, recipients, amounts, recipient_count,
				total_amount, status, retry_count, updated_at
			) VALUES ($1, $2, $3, $4::text[]::numeric[], $5, $6::text::numeric, $7, 0, NOW())
		`, dist.ID, b.BatchNumber, b.Recipients, b.Amounts, b.RecipientCount, b.TotalAmount, types.PayoutPending); err != nil {
			return fmt.Errorf("failed to insert batch %d: %w", b.BatchNumber, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit distribution results: %w", err)
	}
	dist.Status = types.DistributionReady
	return nil
}

// SetDistributionStatus updates status and error message
func (r *DistributionRepository) SetDistributionStatus(ctx context.Context, id int64, status types.DistributionStatus, reason *string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE distributions SET status = $2, error = $3, updated_at = NOW() WHERE id = $1
	`, id, status, reason)
	if err != nil {
		return fmt.Errorf("failed to update distribution status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("distribution %d: %w", id, ErrNotFound)
	}
	return nil
}

// FinishDistribution records the roll-up status and total distributed amount
func (r *DistributionRepository) FinishDistribution(ctx context.Context, id int64, status types.DistributionStatus, totalDistributed string, at time.Time) error {
	var completedAt *time.Time
	if status == types.DistributionCompleted {
		completedAt = &at
	}
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE distributions
		SET status = $2,
			stats = jsonb_set(stats, '{totalDistributed}', to_jsonb($3::text)),
			completed_at = COALESCE($4, completed_at),
			updated_at = NOW()
		WHERE id = $1
	`, id, status, totalDistributed, completedAt)
	if err != nil {
		return fmt.Errorf("failed to finish distribution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("distribution %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountBatches counts the distribution's batches in one status
func (r *DistributionRepository) CountBatches(ctx context.Context, distributionID int64, status types.PayoutStatus) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM batches WHERE distribution_id = $1 AND status = $2
	`, distributionID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	return count, nil
}

// ListBatches returns batches ordered by batch number
func (r *DistributionRepository) ListBatches(ctx context.Context, distributionID int64, statuses ...types.PayoutStatus) ([]models.Batch, error) {
	query := `
		SELECT distribution_id, batch_number, recipients, amounts::text[], recipient_count,
			total_amount::text, status, execution, retry_count, last_error, updated_at
		FROM batches
		WHERE distribution_id = $1`
	args := []interface{}{distributionID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` AND status = ANY($2::text[])`
		args = append(args, names)
	}
	query += ` ORDER BY batch_number ASC`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		var b models.Batch
		var executionJSON []byte
		if err := rows.Scan(
			&b.DistributionID,
			&b.BatchNumber,
			&b.Recipients,
			&b.Amounts,
			&b.RecipientCount,
			&b.TotalAmount,
			&b.Status,
			&executionJSON,
			&b.RetryCount,
			&b.LastError,
			&b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		if len(executionJSON) > 0 {
			b.Execution = &models.BatchExecution{}
			if err := json.Unmarshal(executionJSON, b.Execution); err != nil {
				return nil, fmt.Errorf("failed to unmarshal batch execution: %w", err)
			}
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch rows: %w", err)
	}
	return batches, nil
}

// UpdateBatch writes the executor-owned fields of a batch
func (r *DistributionRepository) UpdateBatch(ctx context.Context, batch *models.Batch) error {
	var executionJSON []byte
	if batch.Execution != nil {
		var err error
		if executionJSON, err = json.Marshal(batch.Execution); err != nil {
			return fmt.Errorf("failed to marshal batch execution: %w", err)
		}
	}
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE batches
		SET status = $3, execution = $4, retry_count = $5, last_error = $6, updated_at = NOW()
		WHERE distribution_id = $1 AND batch_number = $2
	`, batch.DistributionID, batch.BatchNumber, batch.Status, executionJSON, batch.RetryCount, batch.LastError)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("batch %d/%d: %w", batch.DistributionID, batch.BatchNumber, ErrNotFound)
	}
	return nil
}

// UpdateBatchRecipients bulk-updates every recipient of one batch
func (r *DistributionRepository) UpdateBatchRecipients(ctx context.Context, distributionID int64, batchNumber int, status types.PayoutStatus, txHash *string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE recipients SET status = $3, tx_hash = COALESCE($4, tx_hash)
		WHERE distribution_id = $1 AND batch_number = $2
	`, distributionID, batchNumber, status, txHash)
	if err != nil {
		return fmt.Errorf("failed to update batch recipients: %w", err)
	}
	return nil
}

// ListRecipients pages through recipients ordered by min balance desc then address
func (r *DistributionRepository) ListRecipients(ctx context.Context, distributionID int64, filter RecipientFilter) ([]models.Recipient, error) {
	query := `
		SELECT distribution_id, address, previous_balance::text, current_balance::text, min_balance::text,
			reward::text, percentage, status, batch_number, tx_hash
		FROM recipients
		WHERE distribution_id = $1`
	args := []interface{}{distributionID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += ` ORDER BY min_balance DESC, address ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var rec models.Recipient
		var batchNumber *int32
		if err := rows.Scan(
			&rec.DistributionID,
			&rec.Address,
			&rec.Balances.Previous,
			&rec.Balances.Current,
			&rec.Balances.Min,
			&rec.Reward,
			&rec.Percentage,
			&rec.Status,
			&batchNumber,
			&rec.TxHash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan recipient row: %w", err)
		}
		if batchNumber != nil {
			bn := int(*batchNumber)
			rec.BatchNumber = &bn
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipient rows: %w", err)
	}
	return recipients, nil
}

// ListFlaggedAddresses returns the dynamic exclusion list
func (r *DistributionRepository) ListFlaggedAddresses(ctx context.Context) ([]models.FlaggedAddress, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT address, reason, flagged_at FROM flagged_addresses ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flagged addresses: %w", err)
	}
	defer rows.Close()

	var flagged []models.FlaggedAddress
	for rows.Next() {
		var f models.FlaggedAddress
		if err := rows.Scan(&f.Address, &f.Reason, &f.FlaggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flagged address: %w", err)
		}
		flagged = append(flagged, f)
	}
	return flagged, rows.Err()
}

// FlagAddress adds or refreshes an entry of the dynamic exclusion list
func (r *DistributionRepository) FlagAddress(ctx context.Context, flagged models.FlaggedAddress) error {
	if flagged.FlaggedAt.IsZero() {
		flagged.FlaggedAt = time.Now().UTC()
	}
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO flagged_addresses (address, reason, flagged_at) VALUES (lower($1), $2, $3)
		ON CONFLICT (address) DO UPDATE SET reason = EXCLUDED.reason, flagged_at = EXCLUDED.flagged_at
	`, flagged.Address, flagged.Reason, flagged.FlaggedAt)
	if err != nil {
		return fmt.Errorf("failed to flag address: %w", err)
	}
	return nil
}
