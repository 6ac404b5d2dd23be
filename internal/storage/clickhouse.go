package storage

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/reward-airdrop/internal/config"
	"github.com/reward-airdrop/internal/models"
)

// ClickHouseDB wraps the ClickHouse connection
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(ctx context.Context, cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Exec executes a query without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}

// HolderBalancePoint is one archived balance of an address
type HolderBalancePoint struct {
	SnapshotKey string    `json:"snapshotKey"`
	Cycle       string    `json:"cycle"`
	Phase       string    `json:"phase"`
	Balance     string    `json:"balance"`
	Synthetic   bool      `json:"synthetic"`
	ArchivedAt  time.Time `json:"archivedAt"`
}

// HolderArchive keeps completed snapshots for cross-cycle history queries
type HolderArchive interface {
	ArchiveSnapshot(ctx context.Context, snap *models.Snapshot, holders []models.Holder) error
	History(ctx context.Context, address string, limit int) ([]HolderBalancePoint, error)
}

// HolderArchiveRepository writes and reads holder_balance_history
type HolderArchiveRepository struct {
	db *ClickHouseDB
}

// NewHolderArchiveRepository creates a new archive repository
func NewHolderArchiveRepository(db *ClickHouseDB) *HolderArchiveRepository {
	return &HolderArchiveRepository{db: db}
}

// ArchiveSnapshot appends every holder of a completed snapshot. Re-archiving the same
// snapshot collapses under ReplacingMergeTree.
func (r *HolderArchiveRepository) ArchiveSnapshot(ctx context.Context, snap *models.Snapshot, holders []models.Holder) error {
	if len(holders) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO holder_balance_history (
			snapshot_key, cycle, phase, token_address, address, balance, synthetic, archived_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	archivedAt := time.Now().UTC()
	var synthetic uint8
	if snap.Synthetic {
		synthetic = 1
	}
	for _, h := range holders {
		balance, ok := new(big.Int).SetString(h.Balance, 10)
		if !ok {
			return fmt.Errorf("invalid balance %q for %s", h.Balance, h.Address)
		}
		if err := batch.Append(
			snap.CycleKey,
			snap.Cycle,
			string(snap.Phase),
			snap.TokenAddress,
			h.Address,
			balance,
			synthetic,
			archivedAt,
		); err != nil {
			return fmt.Errorf("failed to append holder %s to batch: %w", h.Address, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// History returns the archived balances of one address, newest cycle first
func (r *HolderArchiveRepository) History(ctx context.Context, address string, limit int) ([]HolderBalancePoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Conn().Query(ctx, `
		SELECT snapshot_key, cycle, phase, balance, synthetic, archived_at
		FROM holder_balance_history FINAL
		WHERE address = ?
		ORDER BY cycle DESC, phase ASC
		LIMIT ?
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query holder history: %w", err)
	}
	defer rows.Close()

	var points []HolderBalancePoint
	for rows.Next() {
		var p HolderBalancePoint
		var balance big.Int
		var synthetic uint8
		if err := rows.Scan(&p.SnapshotKey, &p.Cycle, &p.Phase, &balance, &synthetic, &p.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holder history row: %w", err)
		}
		p.Balance = balance.String()
		p.Synthetic = synthetic == 1
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holder history: %w", err)
	}
	return points, nil
}
