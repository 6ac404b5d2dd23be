package service

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

func testExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		RewardToken:      testToken,
		MaxGasPriceGwei:  50,
		MinNativeBalance: "10000000000000000",
		BatchDelay:       time.Second,
		Sleep:            noSleep,
	}
}

// readyDistribution seeds three single-recipient batches worth 70, 20 and 10
func readyDistribution(t *testing.T, store *storage.MemoryStore) int64 {
	t.Helper()
	seedPair(t, store,
		map[string]string{addr(1): "7000", addr(2): "2000", addr(3): "1000"},
		map[string]string{addr(1): "7000", addr(2): "2000", addr(3): "1000"},
	)
	cfg := testCalculatorConfig()
	cfg.BatchSize = 1
	result, err := newTestCalculator(t, store, nil, cfg).Calculate(context.Background(), calcInput(), nil)
	require.NoError(t, err)
	require.Equal(t, 3, result.Batches)
	return result.DistributionID
}

func newTestExecutor(t *testing.T, store *storage.MemoryStore, chain *fakeChain, breaker Breaker, cfg ExecutorConfig) *AirdropExecutor {
	t.Helper()
	executor, err := NewAirdropExecutor(store, chain, breaker, cfg, nil)
	require.NoError(t, err)
	return executor
}

func TestAirdropExecutor_PaysAllBatches(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	distID := readyDistribution(t, store)
	chain := newFakeChain()

	var slept int
	cfg := testExecutorConfig()
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		assert.Equal(t, time.Second, d)
		slept++
		return nil
	}
	reporter := &recordingReporter{}

	result, err := newTestExecutor(t, store, chain, &fakeBreaker{}, cfg).Execute(ctx, cycle42, reporter)
	require.NoError(t, err)
	assert.Equal(t, types.DistributionCompleted, result.Status)
	assert.Equal(t, "100", result.TotalDistributed)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 2, slept)
	assert.Equal(t, 3, chain.submitted())
	assert.Equal(t, float64(100), reporter.progress.Percentage)

	dist, err := store.GetDistribution(ctx, cycle42)
	require.NoError(t, err)
	assert.Equal(t, types.DistributionCompleted, dist.Status)
	assert.Equal(t, "100", dist.Stats.TotalDistributed)
	require.NotNil(t, dist.CompletedAt)

	batches, err := store.ListBatches(ctx, distID)
	require.NoError(t, err)
	for _, b := range batches {
		assert.Equal(t, types.PayoutCompleted, b.Status)
		require.NotNil(t, b.Execution)
		assert.NotEmpty(t, b.Execution.TxHash)
	}

	recipients, err := store.ListRecipients(ctx, distID, storage.RecipientFilter{})
	require.NoError(t, err)
	for _, r := range recipients {
		assert.Equal(t, types.PayoutCompleted, r.Status)
		require.NotNil(t, r.TxHash)
	}
	assert.Equal(t, batches[0].Execution.TxHash, *recipients[0].TxHash)
}

func TestAirdropExecutor_MidRunFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	distID := readyDistribution(t, store)
	chain := newFakeChain()
	chain.failSubmit[2] = errors.New("execution reverted")

	result, err := newTestExecutor(t, store, chain, nil, testExecutorConfig()).Execute(ctx, cycle42, nil)
	require.NoError(t, err)
	assert.Equal(t, types.DistributionFailed, result.Status)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "80", result.TotalDistributed)

	batches, err := store.ListBatches(ctx, distID)
	require.NoError(t, err)
	assert.Equal(t, types.PayoutCompleted, batches[0].Status)
	assert.Equal(t, types.PayoutFailed, batches[1].Status)
	assert.Equal(t, 1, batches[1].RetryCount)
	require.NotNil(t, batches[1].LastError)
	assert.Contains(t, *batches[1].LastError, "execution reverted")
	assert.Equal(t, types.PayoutCompleted, batches[2].Status)

	failed, err := store.ListRecipients(ctx, distID, storage.RecipientFilter{Status: types.PayoutFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, addr(2), failed[0].Address)

	// a later run retries only the failed batch
	result, err = newTestExecutor(t, store, chain, nil, testExecutorConfig()).Execute(ctx, cycle42, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, types.DistributionCompleted, result.Status)
	assert.Equal(t, "100", result.TotalDistributed)
	assert.Equal(t, 4, chain.submitted())
}

func TestAirdropExecutor_GuardRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *fakeChain, b *fakeBreaker)
		reason  string
		retries int
	}{
		{
			name:   "gas price above ceiling",
			setup:  func(c *fakeChain, b *fakeBreaker) { c.gasPrice = big.NewInt(51_000_000_000) },
			reason: GuardGasPrice,
		},
		{
			name:   "token balance below batch total",
			setup:  func(c *fakeChain, b *fakeBreaker) { c.tokenBalance = big.NewInt(5) },
			reason: GuardTokenBalance,
		},
		{
			name:   "native balance below minimum",
			setup:  func(c *fakeChain, b *fakeBreaker) { c.nativeBalance = big.NewInt(1) },
			reason: GuardNativeBalance,
		},
		{
			name:   "circuit breaker open",
			setup:  func(c *fakeChain, b *fakeBreaker) { b.open = true },
			reason: GuardCircuitOpen,
		},
		{
			name:    "balance lookup error",
			setup:   func(c *fakeChain, b *fakeBreaker) { c.balanceErr = errBoom },
			reason:  "CHAIN_ERROR",
			retries: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStore()
			distID := readyDistribution(t, store)
			chain := newFakeChain()
			breaker := &fakeBreaker{}
			tt.setup(chain, breaker)

			result, err := newTestExecutor(t, store, chain, breaker, testExecutorConfig()).Execute(ctx, cycle42, nil)
			require.NoError(t, err)
			assert.Equal(t, types.DistributionFailed, result.Status)
			assert.Equal(t, "0", result.TotalDistributed)
			assert.Equal(t, 0, chain.submitted())

			batches, err := store.ListBatches(ctx, distID)
			require.NoError(t, err)
			for _, b := range batches {
				assert.Equal(t, types.PayoutFailed, b.Status)
				assert.Equal(t, tt.retries, b.RetryCount)
				require.NotNil(t, b.LastError)
				assert.Contains(t, *b.LastError, tt.reason)
			}
		})
	}
}

func TestAirdropExecutor_RejectsCompletedDistribution(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	readyDistribution(t, store)
	chain := newFakeChain()
	executor := newTestExecutor(t, store, chain, nil, testExecutorConfig())

	_, err := executor.Execute(ctx, cycle42, nil)
	require.NoError(t, err)

	_, err = executor.Execute(ctx, cycle42, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsPrecondition(err))
	assert.Equal(t, 3, chain.submitted())
}

func TestAirdropExecutor_MissingDistribution(t *testing.T) {
	store := storage.NewMemoryStore()
	_, err := newTestExecutor(t, store, newFakeChain(), nil, testExecutorConfig()).Execute(context.Background(), cycle42, nil)
	require.Error(t, err)
	var catErr *apperrors.CategorizedError
	require.True(t, errors.As(err, &catErr))
	assert.Equal(t, apperrors.CategoryNotFound, catErr.Category)
}

func TestAirdropExecutor_RejectsCalculatingDistribution(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.BeginCalculation(ctx, cycle42, prevKey, curKey)
	require.NoError(t, err)

	_, err = newTestExecutor(t, store, newFakeChain(), nil, testExecutorConfig()).Execute(ctx, cycle42, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calculating")
}

func TestAirdropExecutor_RejectsFailedCalculation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dist, err := store.BeginCalculation(ctx, cycle42, prevKey, curKey)
	require.NoError(t, err)
	reason := "wallet balance lookup failed"
	require.NoError(t, store.SetDistributionStatus(ctx, dist.ID, types.DistributionFailed, &reason))

	chain := newFakeChain()
	_, err = newTestExecutor(t, store, chain, nil, testExecutorConfig()).Execute(ctx, cycle42, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsPrecondition(err))

	stored, err := store.GetDistribution(ctx, cycle42)
	require.NoError(t, err)
	assert.Equal(t, types.DistributionFailed, stored.Status)
}

func TestAirdropExecutor_EmptyDistributionCompletes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedPair(t, store, map[string]string{addr(1): "10"}, map[string]string{addr(1): "10"})
	_, err := newTestCalculator(t, store, nil, testCalculatorConfig()).Calculate(ctx, calcInput(), nil)
	require.NoError(t, err)

	result, err := newTestExecutor(t, store, newFakeChain(), nil, testExecutorConfig()).Execute(ctx, cycle42, nil)
	require.NoError(t, err)
	assert.Equal(t, types.DistributionCompleted, result.Status)
	assert.Equal(t, "0", result.TotalDistributed)
}

func TestNewAirdropExecutor_ValidatesConfig(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testExecutorConfig()
	cfg.MaxGasPriceGwei = 0
	_, err := NewAirdropExecutor(store, newFakeChain(), nil, cfg, nil)
	assert.Error(t, err)

	cfg = testExecutorConfig()
	cfg.MinNativeBalance = "lots"
	_, err = NewAirdropExecutor(store, newFakeChain(), nil, cfg, nil)
	assert.Error(t, err)
}

func TestAirdropExecutor_RequiresChain(t *testing.T) {
	store := storage.NewMemoryStore()
	readyDistribution(t, store)
	executor, err := NewAirdropExecutor(store, nil, nil, testExecutorConfig(), nil)
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), cycle42, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.GetHTTPStatusCode(err))
}

func TestBatchAmounts(t *testing.T) {
	tests := []struct {
		name    string
		batch   models.Batch
		want    string
		wantErr string
	}{
		{"consistent", models.Batch{BatchNumber: 1, Recipients: []string{addr(1), addr(2)}, Amounts: []string{"70", "30"}, TotalAmount: "100"}, "100", ""},
		{"total mismatch", models.Batch{BatchNumber: 2, Recipients: []string{addr(1), addr(2)}, Amounts: []string{"70", "30"}, TotalAmount: "101"}, "", "does not match"},
		{"length mismatch", models.Batch{BatchNumber: 3, Recipients: []string{addr(1)}, Amounts: []string{"70", "30"}, TotalAmount: "100"}, "", "2 amounts"},
		{"bad amount", models.Batch{BatchNumber: 4, Recipients: []string{addr(1)}, Amounts: []string{"-5"}, TotalAmount: "-5"}, "", "batch 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amounts, total, err := batchAmounts(&tt.batch)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, amounts, len(tt.batch.Amounts))
			assert.Equal(t, tt.want, total.String())
		})
	}
}
