package models

import (
	"encoding/json"
	"time"

	"github.com/reward-airdrop/internal/types"
)

// JobLog is one append-only log line of a job
type JobLog struct {
	Time    time.Time      `json:"time"`
	Level   types.LogLevel `json:"level"`
	Message string         `json:"message"`
}

// JobProgress is the latest progress report of a running job
type JobProgress struct {
	Current    int64   `json:"current"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
	Stage      string  `json:"stage"`
}

// JobRecord represents one unit of orchestration work (at most one active per type and cycle key)
type JobRecord struct {
	ID             string          `json:"id" db:"id"`
	Type           types.JobType   `json:"type" db:"type"`
	CycleKey       string          `json:"cycleKey" db:"cycle_key"`
	Status         types.JobStatus `json:"status" db:"status"`
	Logs           []JobLog        `json:"logs" db:"logs"`
	Progress       *JobProgress    `json:"progress,omitempty" db:"progress"`
	Result         json.RawMessage `json:"result,omitempty" db:"result"`
	Error          *string         `json:"error,omitempty" db:"error"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	StartedAt      *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
}
