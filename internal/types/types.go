// Package types provides common type definitions for the reward airdrop system.
package types

// SnapshotStatus represents the lifecycle of a holder snapshot
type SnapshotStatus string

const (
	// SnapshotPending represents a snapshot record created but not yet collecting
	SnapshotPending SnapshotStatus = "pending"
	// SnapshotInProgress represents a snapshot being collected (may be resumed)
	SnapshotInProgress SnapshotStatus = "in_progress"
	// SnapshotCompleted represents a complete, immutable snapshot
	SnapshotCompleted SnapshotStatus = "completed"
	// SnapshotFailed represents a snapshot that must be restarted from scratch
	SnapshotFailed SnapshotStatus = "failed"
)

// SnapshotPhase identifies which point of a cycle a snapshot measures
type SnapshotPhase string

const (
	// PhaseStart is the snapshot taken when a cycle opens
	PhaseStart SnapshotPhase = "start"
	// PhaseEnd is the snapshot taken when a cycle closes
	PhaseEnd SnapshotPhase = "end"
)

// DistributionStatus represents the lifecycle of a reward distribution
type DistributionStatus string

const (
	DistributionPending     DistributionStatus = "pending"
	DistributionCalculating DistributionStatus = "calculating"
	DistributionReady       DistributionStatus = "ready"
	DistributionProcessing  DistributionStatus = "processing"
	DistributionCompleted   DistributionStatus = "completed"
	DistributionFailed      DistributionStatus = "failed"
)

// PayoutStatus is shared by recipients and batches
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutQueued     PayoutStatus = "queued"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// IsRetryable reports whether a batch in this status is picked up by the executor
func (s PayoutStatus) IsRetryable() bool {
	return s == PayoutPending || s == PayoutQueued || s == PayoutFailed
}

// JobType identifies the handler a job runs
type JobType string

const (
	JobSnapshot    JobType = "snapshot"
	JobCalculation JobType = "calculation"
	JobAirdrop     JobType = "airdrop"
	JobFullFlow    JobType = "full-flow"
)

// Valid reports whether the job type is known
func (t JobType) Valid() bool {
	switch t {
	case JobSnapshot, JobCalculation, JobAirdrop, JobFullFlow:
		return true
	}
	return false
}

// JobStatus represents the lifecycle of a job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether the job has settled
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// LogLevel is the severity of a job log line
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarn    LogLevel = "warn"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// PoolSource selects where the reward pool amount comes from
type PoolSource string

const (
	// PoolFixed uses the configured reward pool amount
	PoolFixed PoolSource = "fixed"
	// PoolWallet uses the distributor wallet's live reward token balance
	PoolWallet PoolSource = "wallet"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
