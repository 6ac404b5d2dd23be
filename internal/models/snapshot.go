package models

import (
	"time"

	"github.com/reward-airdrop/internal/types"
)

// SnapshotProgress is the resumable checkpoint of an in-flight collection
type SnapshotProgress struct {
	LastCursor    string `json:"lastCursor"`
	InsertedCount int64  `json:"insertedCount"`
}

// Snapshot is a persisted capture of all holder balances at one point of a cycle.
// CycleKey is the snapshot key (cycle + phase) and is unique.
type Snapshot struct {
	CycleKey     string               `json:"cycleKey" db:"cycle_key"`
	Cycle        string               `json:"cycle" db:"cycle"`
	Phase        types.SnapshotPhase  `json:"phase" db:"phase"`
	TokenAddress string               `json:"tokenAddress" db:"token_address"`
	Status       types.SnapshotStatus `json:"status" db:"status"`
	TotalHolders int64                `json:"totalHolders" db:"total_holders"`
	TotalBalance string               `json:"totalBalance" db:"total_balance"`
	Progress     *SnapshotProgress    `json:"progress,omitempty" db:"progress"`
	Synthetic    bool                 `json:"synthetic" db:"synthetic"`
	Error        *string              `json:"error,omitempty" db:"error"`
	StartedAt    *time.Time           `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt  *time.Time           `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt    time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time            `json:"updatedAt" db:"updated_at"`
}

// Holder is one address balance inside a snapshot
type Holder struct {
	SnapshotKey string `json:"snapshotKey" db:"snapshot_key"`
	Address     string `json:"address" db:"address"`
	Balance     string `json:"balance" db:"balance"`
}
