package models

import (
	"time"

	"github.com/reward-airdrop/internal/types"
)

// DistributionConfig records the parameters a distribution was calculated with
type DistributionConfig struct {
	MinBalance  string           `json:"minBalance"`
	RewardPool  string           `json:"rewardPool"`
	RewardToken string           `json:"rewardToken"`
	BatchSize   int              `json:"batchSize"`
	PoolSource  types.PoolSource `json:"poolSource"`
}

// DistributionStats summarises the eligibility pass and the payout progress
type DistributionStats struct {
	TotalHolders         int64  `json:"totalHolders"`
	EligibleHolders      int64  `json:"eligibleHolders"`
	ExcludedHolders      int64  `json:"excludedHolders"`
	ConfigExcluded       int64  `json:"configExcluded"`
	BotRestricted        int64  `json:"botRestricted"`
	TotalEligibleBalance string `json:"totalEligibleBalance"`
	TotalDistributed     string `json:"totalDistributed"`
}

// Distribution is the reward computation and payout state for one cycle
type Distribution struct {
	ID               int64                    `json:"id" db:"id"`
	CycleKey         string                   `json:"cycleKey" db:"cycle_key"`
	Status           types.DistributionStatus `json:"status" db:"status"`
	Config           DistributionConfig       `json:"config" db:"config"`
	Stats            DistributionStats        `json:"stats" db:"stats"`
	PreviousSnapshot string                   `json:"previousSnapshot" db:"previous_snapshot"`
	CurrentSnapshot  string                   `json:"currentSnapshot" db:"current_snapshot"`
	Error            *string                  `json:"error,omitempty" db:"error"`
	CalculatedAt     *time.Time               `json:"calculatedAt,omitempty" db:"calculated_at"`
	CompletedAt      *time.Time               `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt        time.Time                `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time                `json:"updatedAt" db:"updated_at"`
}

// RecipientBalances holds the two snapshot balances and the credited minimum
type RecipientBalances struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Min      string `json:"min"`
}

// Recipient is one rewarded address of a distribution
type Recipient struct {
	DistributionID int64              `json:"distributionId" db:"distribution_id"`
	Address        string             `json:"address" db:"address"`
	Balances       RecipientBalances  `json:"balances" db:"balances"`
	Reward         string             `json:"reward" db:"reward"`
	Percentage     float64            `json:"percentage" db:"percentage"` // min/Σmin as a fraction in [0,1]; display only
	Status         types.PayoutStatus `json:"status" db:"status"`
	BatchNumber    *int               `json:"batchNumber,omitempty" db:"batch_number"`
	TxHash         *string            `json:"txHash,omitempty" db:"tx_hash"`
}

// BatchExecution records the on-chain outcome of a batch transfer
type BatchExecution struct {
	TxHash      string `json:"txHash"`
	GasUsed     uint64 `json:"gasUsed"`
	GasPrice    string `json:"gasPrice"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Batch is a bounded group of recipients submitted as one transaction
type Batch struct {
	DistributionID int64              `json:"distributionId" db:"distribution_id"`
	BatchNumber    int                `json:"batchNumber" db:"batch_number"`
	Recipients     []string           `json:"recipients" db:"recipients"`
	Amounts        []string           `json:"amounts" db:"amounts"`
	RecipientCount int                `json:"recipientCount" db:"recipient_count"`
	TotalAmount    string             `json:"totalAmount" db:"total_amount"`
	Status         types.PayoutStatus `json:"status" db:"status"`
	Execution      *BatchExecution    `json:"execution,omitempty" db:"execution"`
	RetryCount     int                `json:"retryCount" db:"retry_count"`
	LastError      *string            `json:"lastError,omitempty" db:"last_error"`
	UpdatedAt      time.Time          `json:"updatedAt" db:"updated_at"`
}

// FlaggedAddress is an entry of the dynamic exclusion list (e.g. anti-bot)
type FlaggedAddress struct {
	Address   string    `json:"address" db:"address"`
	Reason    string    `json:"reason" db:"reason"`
	FlaggedAt time.Time `json:"flaggedAt" db:"flagged_at"`
}
