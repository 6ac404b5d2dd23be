package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/reward-airdrop/internal/adapter"
	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/metrics"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

// Guard rejection reasons, also used as metric labels
const (
	GuardCircuitOpen   = "circuit_open"
	GuardGasPrice      = "gas_price"
	GuardTokenBalance  = "token_balance"
	GuardNativeBalance = "native_balance"
)

// Breaker reports whether the RPC circuit breaker admits calls
type Breaker interface {
	Ready() bool
}

// ExecutorConfig holds payout guard and pacing settings
type ExecutorConfig struct {
	RewardToken      string
	MaxGasPriceGwei  int64
	MinNativeBalance string
	BatchDelay       time.Duration
	// Sleep overrides the inter-batch wait; nil uses a context-aware timer
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// ExecutionResult summarises one executor run
type ExecutionResult struct {
	DistributionID   int64                    `json:"distributionId"`
	CycleKey         string                   `json:"cycleKey"`
	Status           types.DistributionStatus `json:"status"`
	Attempted        int                      `json:"attempted"`
	Succeeded        int                      `json:"succeeded"`
	Failed           int                      `json:"failed"`
	TotalDistributed string                   `json:"totalDistributed"`
}

// AirdropExecutor pays out a ready distribution batch by batch
type AirdropExecutor struct {
	store     storage.DistributionStore
	chain     adapter.ChainClient
	breaker   Breaker
	cfg       ExecutorConfig
	maxGas    *big.Int
	minNative *big.Int
	metrics   *metrics.Metrics
}

// NewAirdropExecutor validates the guard settings. breaker may be nil.
func NewAirdropExecutor(store storage.DistributionStore, chain adapter.ChainClient, breaker Breaker, cfg ExecutorConfig, m *metrics.Metrics) (*AirdropExecutor, error) {
	minNative, err := models.ParseAmount(cfg.MinNativeBalance)
	if err != nil {
		return nil, apperrors.NewInvalidConfigError("MIN_NATIVE_BALANCE", err.Error())
	}
	if cfg.MaxGasPriceGwei <= 0 {
		return nil, apperrors.NewInvalidConfigError("MAX_GAS_PRICE_GWEI", "must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	maxGas := new(big.Int).Mul(big.NewInt(cfg.MaxGasPriceGwei), big.NewInt(1_000_000_000))
	return &AirdropExecutor{
		store:     store,
		chain:     chain,
		breaker:   breaker,
		cfg:       cfg,
		maxGas:    maxGas,
		minNative: minNative,
		metrics:   m,
	}, nil
}

// Execute submits every pending, queued or failed batch of the cycle's distribution in batch
// order. A failing batch is recorded and skipped; the distribution status is rolled up from
// all of its batches at the end.
func (e *AirdropExecutor) Execute(ctx context.Context, cycleKey string, reporter Reporter) (*ExecutionResult, error) {
	reporter = reporterOrNop(reporter)
	log := logging.FromContext(ctx).WithComponent("airdrop-executor").WithField("cycle", cycleKey)
	if e.chain == nil {
		return nil, apperrors.NewServiceUnavailableError("payout chain")
	}

	dist, err := e.store.GetDistribution(ctx, cycleKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("distribution", cycleKey)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get distribution", err)
	}
	switch dist.Status {
	case types.DistributionReady, types.DistributionProcessing:
	case types.DistributionFailed:
		// a failed calculation leaves no batches to retry
		if dist.CalculatedAt == nil {
			return nil, apperrors.NewDistributionStateError(cycleKey, dist.Status)
		}
	case types.DistributionCompleted:
		return nil, apperrors.NewDistributionCompletedError(cycleKey)
	default:
		return nil, apperrors.NewDistributionStateError(cycleKey, dist.Status)
	}

	if err := e.store.SetDistributionStatus(ctx, dist.ID, types.DistributionProcessing, nil); err != nil {
		return nil, apperrors.NewDatabaseError("set distribution processing", err)
	}

	batches, err := e.store.ListBatches(ctx, dist.ID, types.PayoutPending, types.PayoutQueued, types.PayoutFailed)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list batches", err)
	}
	log.WithField("batches", len(batches)).Info("Starting airdrop")
	reporter.Log(types.LogInfo, fmt.Sprintf("Executing %d batches for %s", len(batches), cycleKey))

	result := &ExecutionResult{DistributionID: dist.ID, CycleKey: cycleKey}
	for i := range batches {
		if i > 0 && e.cfg.BatchDelay > 0 {
			if err := e.sleep(ctx, e.cfg.BatchDelay); err != nil {
				log.WithError(err).Warn("Airdrop interrupted between batches")
				break
			}
		}
		batch := &batches[i]
		result.Attempted++
		if e.processBatch(ctx, batch, reporter) {
			result.Succeeded++
		} else {
			result.Failed++
		}
		reporter.Progress(NewProgress("executing", int64(i+1), int64(len(batches))))
	}

	status, total, err := e.rollUp(ctx, dist.ID)
	if err != nil {
		return nil, err
	}
	result.Status = status
	result.TotalDistributed = total

	log.WithFields(map[string]interface{}{
		"status":            status,
		"succeeded":         result.Succeeded,
		"failed":            result.Failed,
		"total_distributed": total,
	}).Info("Airdrop finished")
	level := types.LogSuccess
	if status != types.DistributionCompleted {
		level = types.LogWarn
	}
	reporter.Log(level, fmt.Sprintf("Airdrop %s %s: %d/%d batches succeeded, %s distributed",
		cycleKey, status, result.Succeeded, result.Attempted, total))
	return result, nil
}

// processBatch runs one batch to completed or failed and reports whether it succeeded
func (e *AirdropExecutor) processBatch(ctx context.Context, batch *models.Batch, reporter Reporter) bool {
	log := logging.FromContext(ctx).WithComponent("airdrop-executor").WithFields(map[string]interface{}{
		"distribution": batch.DistributionID,
		"batch":        batch.BatchNumber,
	})

	amounts, total, err := batchAmounts(batch)
	if err != nil {
		e.failBatch(ctx, batch, err, true, reporter)
		return false
	}

	reason, err := e.guard(ctx, total)
	if err != nil {
		e.failBatch(ctx, batch, err, true, reporter)
		return false
	}
	if reason != "" {
		e.metrics.GuardRejected(reason)
		log.WithField("reason", reason).Warn("Batch rejected by guard")
		e.failBatch(ctx, batch, fmt.Errorf("guard rejected batch: %s", reason), false, reporter)
		return false
	}

	if err := e.store.UpdateBatchRecipients(ctx, batch.DistributionID, batch.BatchNumber, types.PayoutProcessing, nil); err != nil {
		e.failBatch(ctx, batch, err, true, reporter)
		return false
	}
	batch.Status = types.PayoutProcessing
	if err := e.store.UpdateBatch(ctx, batch); err != nil {
		e.failBatch(ctx, batch, err, true, reporter)
		return false
	}

	if err := e.chain.EnsureAllowance(ctx, e.cfg.RewardToken, total); err != nil {
		e.failBatch(ctx, batch, apperrors.NewChainError("ensure allowance", err), true, reporter)
		return false
	}
	receipt, err := e.chain.SubmitBatchTransfer(ctx, e.cfg.RewardToken, batch.Recipients, amounts)
	if err != nil {
		e.failBatch(ctx, batch, apperrors.NewChainError("submit batch transfer", err), true, reporter)
		return false
	}

	gasPrice := "0"
	if receipt.GasPrice != nil {
		gasPrice = receipt.GasPrice.String()
	}
	batch.Execution = &models.BatchExecution{
		TxHash:      receipt.TxHash,
		GasUsed:     receipt.GasUsed,
		GasPrice:    gasPrice,
		BlockNumber: receipt.BlockNumber,
	}
	batch.Status = types.PayoutCompleted
	batch.LastError = nil
	if err := e.store.UpdateBatch(ctx, batch); err != nil {
		// the transfer is mined; leave the batch processing so it is not resubmitted blindly
		log.WithError(err).WithField("tx_hash", receipt.TxHash).Error("Failed to record completed batch")
		reporter.Log(types.LogError, fmt.Sprintf("Batch %d mined in %s but could not be recorded: %v", batch.BatchNumber, receipt.TxHash, err))
		return false
	}
	txHash := receipt.TxHash
	if err := e.store.UpdateBatchRecipients(ctx, batch.DistributionID, batch.BatchNumber, types.PayoutCompleted, &txHash); err != nil {
		log.WithError(err).Error("Failed to mark batch recipients completed")
	}

	e.metrics.BatchProcessed(string(types.PayoutCompleted))
	log.WithFields(map[string]interface{}{
		"tx_hash":    receipt.TxHash,
		"recipients": batch.RecipientCount,
		"gas_used":   receipt.GasUsed,
	}).Info("Batch completed")
	reporter.Log(types.LogSuccess, fmt.Sprintf("Batch %d sent %s to %d recipients in %s", batch.BatchNumber, batch.TotalAmount, batch.RecipientCount, receipt.TxHash))
	return true
}

// guard returns a rejection reason, or an error when a check itself could not run
func (e *AirdropExecutor) guard(ctx context.Context, total *big.Int) (string, error) {
	if e.breaker != nil && !e.breaker.Ready() {
		return GuardCircuitOpen, nil
	}

	gasPrice, err := e.chain.CurrentGasPrice(ctx)
	if err != nil {
		return "", apperrors.NewChainError("read gas price", err)
	}
	if gasPrice.Cmp(e.maxGas) > 0 {
		return GuardGasPrice, nil
	}

	tokenBalance, err := e.chain.WalletBalance(ctx, e.cfg.RewardToken)
	if err != nil {
		return "", apperrors.NewChainError("read token balance", err)
	}
	if tokenBalance.Cmp(total) < 0 {
		return GuardTokenBalance, nil
	}

	nativeBalance, err := e.chain.WalletBalance(ctx, adapter.NativeToken)
	if err != nil {
		return "", apperrors.NewChainError("read native balance", err)
	}
	if nativeBalance.Cmp(e.minNative) < 0 {
		return GuardNativeBalance, nil
	}
	return "", nil
}

// failBatch marks the batch and its recipients failed. Guard rejections do not count as retries.
func (e *AirdropExecutor) failBatch(ctx context.Context, batch *models.Batch, cause error, countRetry bool, reporter Reporter) {
	log := logging.FromContext(ctx).WithComponent("airdrop-executor").WithFields(map[string]interface{}{
		"distribution": batch.DistributionID,
		"batch":        batch.BatchNumber,
	})

	reason := cause.Error()
	batch.Status = types.PayoutFailed
	batch.LastError = &reason
	if countRetry {
		batch.RetryCount++
	}
	if err := e.store.UpdateBatch(ctx, batch); err != nil {
		log.WithError(err).Error("Failed to mark batch failed")
	}
	if err := e.store.UpdateBatchRecipients(ctx, batch.DistributionID, batch.BatchNumber, types.PayoutFailed, nil); err != nil {
		log.WithError(err).Error("Failed to mark batch recipients failed")
	}

	e.metrics.BatchProcessed(string(types.PayoutFailed))
	log.WithField("retry_count", batch.RetryCount).WithError(cause).Warn("Batch failed")
	reporter.Log(types.LogError, fmt.Sprintf("Batch %d failed: %s", batch.BatchNumber, reason))
}

// rollUp derives the distribution status from all of its batches and records it
func (e *AirdropExecutor) rollUp(ctx context.Context, distributionID int64) (types.DistributionStatus, string, error) {
	all, err := e.store.ListBatches(ctx, distributionID)
	if err != nil {
		return "", "", apperrors.NewDatabaseError("list batches", err)
	}

	var paid []string
	failed := 0
	for _, b := range all {
		switch b.Status {
		case types.PayoutCompleted:
			paid = append(paid, b.TotalAmount)
		case types.PayoutFailed:
			failed++
		}
	}
	completed := len(paid)
	total, err := models.SumAmounts(paid)
	if err != nil {
		return "", "", fmt.Errorf("completed batch totals: %w", err)
	}

	status := types.DistributionProcessing
	switch {
	case completed == len(all):
		status = types.DistributionCompleted
	case failed > 0:
		status = types.DistributionFailed
	}
	if err := e.store.FinishDistribution(ctx, distributionID, status, total.String(), e.cfg.Now()); err != nil {
		return "", "", apperrors.NewDatabaseError("finish distribution", err)
	}
	return status, total.String(), nil
}

func (e *AirdropExecutor) sleep(ctx context.Context, d time.Duration) error {
	if e.cfg.Sleep != nil {
		return e.cfg.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func batchAmounts(batch *models.Batch) ([]*big.Int, *big.Int, error) {
	if len(batch.Amounts) != len(batch.Recipients) {
		return nil, nil, fmt.Errorf("batch %d has %d recipients but %d amounts", batch.BatchNumber, len(batch.Recipients), len(batch.Amounts))
	}
	amounts := make([]*big.Int, len(batch.Amounts))
	total := new(big.Int)
	for i, a := range batch.Amounts {
		v, err := models.ParseAmount(a)
		if err != nil {
			return nil, nil, fmt.Errorf("batch %d: %w", batch.BatchNumber, err)
		}
		amounts[i] = v
		total.Add(total, v)
	}
	recorded, err := models.ParseAmount(batch.TotalAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("batch %d total: %w", batch.BatchNumber, err)
	}
	if recorded.Cmp(total) != 0 {
		return nil, nil, fmt.Errorf("batch %d total %s does not match its amounts (%s)", batch.BatchNumber, recorded, total)
	}
	return amounts, total, nil
}
