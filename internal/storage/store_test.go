package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/types"
)

const testToken = "0x1111111111111111111111111111111111111111"

func newJob(cycleKey string, now time.Time) *models.JobRecord {
	lease := now.Add(5 * time.Minute)
	return &models.JobRecord{
		ID:             uuid.NewString(),
		Type:           types.JobSnapshot,
		CycleKey:       cycleKey,
		Status:         types.JobQueued,
		LeaseExpiresAt: &lease,
		CreatedAt:      now,
	}
}

func intPtr(v int) *int { return &v }

// runStoreConformance exercises the behavior every Store backend must share
func runStoreConformance(t *testing.T, store Store, cycle string) {
	ctx := testContext(t)
	key := cycle + "-end"

	t.Run("snapshot lifecycle", func(t *testing.T) {
		snap, err := store.EnsureSnapshot(ctx, &models.Snapshot{
			CycleKey: key, Cycle: cycle, Phase: types.PhaseEnd,
			TokenAddress: testToken, Status: types.SnapshotPending,
		})
		require.NoError(t, err)
		assert.Equal(t, types.SnapshotPending, snap.Status)

		// a second ensure returns the stored record untouched
		again, err := store.EnsureSnapshot(ctx, &models.Snapshot{
			CycleKey: key, Cycle: cycle, Phase: types.PhaseEnd,
			TokenAddress: testToken, Status: types.SnapshotFailed,
		})
		require.NoError(t, err)
		assert.Equal(t, types.SnapshotPending, again.Status)

		now := time.Now().UTC()
		require.NoError(t, store.StartSnapshot(ctx, key, now))

		inserted, err := store.InsertHolders(ctx, key, []models.Holder{
			{Address: "0x00000000000000000000000000000000000000a1", Balance: "100"},
			{Address: "0x00000000000000000000000000000000000000a2", Balance: "250"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), inserted)

		// replayed page inserts nothing new
		inserted, err = store.InsertHolders(ctx, key, []models.Holder{
			{Address: "0x00000000000000000000000000000000000000a2", Balance: "999"},
			{Address: "0x00000000000000000000000000000000000000a3", Balance: "1"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), inserted)

		require.NoError(t, store.SaveSnapshotProgress(ctx, key, models.SnapshotProgress{LastCursor: "c2", InsertedCount: 3}))
		got, err := store.GetSnapshot(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got.Progress)
		assert.Equal(t, "c2", got.Progress.LastCursor)

		count, total, err := store.AggregateHolders(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
		assert.Equal(t, "351", total)

		require.NoError(t, store.CompleteSnapshot(ctx, key, count, total, now))
		got, err = store.GetSnapshot(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, types.SnapshotCompleted, got.Status)
		assert.Nil(t, got.Progress)
		assert.Equal(t, "351", got.TotalBalance)

		holders, err := store.ListHolders(ctx, key)
		require.NoError(t, err)
		require.Len(t, holders, 3)
		assert.Equal(t, "250", holders[1].Balance)
	})

	t.Run("completed snapshot is immutable", func(t *testing.T) {
		err := store.FailSnapshot(ctx, key, "late failure")
		assert.True(t, errors.Is(err, ErrSnapshotCompleted))
		err = store.ResetSnapshot(ctx, key, time.Now())
		assert.True(t, errors.Is(err, ErrSnapshotCompleted))
	})

	t.Run("missing snapshot", func(t *testing.T) {
		_, err := store.GetSnapshot(ctx, cycle+"-missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("distribution results", func(t *testing.T) {
		dist, err := store.BeginCalculation(ctx, cycle, cycle+"-start", key)
		require.NoError(t, err)
		assert.Equal(t, types.DistributionCalculating, dist.Status)

		dist.Config = models.DistributionConfig{MinBalance: "1", RewardPool: "1000", RewardToken: testToken, BatchSize: 1, PoolSource: types.PoolFixed}
		dist.Stats = models.DistributionStats{TotalHolders: 3, EligibleHolders: 2, TotalEligibleBalance: "300", TotalDistributed: "0"}
		calculatedAt := time.Now().UTC()
		dist.CalculatedAt = &calculatedAt

		recipients := []models.Recipient{
			{Address: "0x00000000000000000000000000000000000000a2", Balances: models.RecipientBalances{Previous: "250", Current: "250", Min: "250"}, Reward: "833", Percentage: 0.833, BatchNumber: intPtr(1)},
			{Address: "0x00000000000000000000000000000000000000a1", Balances: models.RecipientBalances{Previous: "50", Current: "100", Min: "50"}, Reward: "166", Percentage: 0.166, BatchNumber: intPtr(2)},
		}
		batches := []models.Batch{
			{BatchNumber: 1, Recipients: []string{recipients[0].Address}, Amounts: []string{"833"}, RecipientCount: 1, TotalAmount: "833"},
			{BatchNumber: 2, Recipients: []string{recipients[1].Address}, Amounts: []string{"166"}, RecipientCount: 1, TotalAmount: "166"},
		}
		require.NoError(t, store.ReplaceResults(ctx, dist, recipients, batches))

		stored, err := store.GetDistribution(ctx, cycle)
		require.NoError(t, err)
		assert.Equal(t, types.DistributionReady, stored.Status)
		assert.Equal(t, int64(2), stored.Stats.EligibleHolders)

		pending, err := store.CountBatches(ctx, dist.ID, types.PayoutPending)
		require.NoError(t, err)
		assert.Equal(t, 2, pending)

		listed, err := store.ListRecipients(ctx, dist.ID, RecipientFilter{})
		require.NoError(t, err)
		require.Len(t, listed, 2)
		assert.Equal(t, "250", listed[0].Balances.Min)

		hash := "0xfeed"
		b := batches[0]
		b.DistributionID = dist.ID
		b.Status = types.PayoutCompleted
		b.Execution = &models.BatchExecution{TxHash: hash, GasUsed: 21000, GasPrice: "1000000000", BlockNumber: 7}
		require.NoError(t, store.UpdateBatch(ctx, &b))
		require.NoError(t, store.UpdateBatchRecipients(ctx, dist.ID, 1, types.PayoutCompleted, &hash))

		done, err := store.ListRecipients(ctx, dist.ID, RecipientFilter{Status: types.PayoutCompleted})
		require.NoError(t, err)
		require.Len(t, done, 1)
		require.NotNil(t, done[0].TxHash)
		assert.Equal(t, hash, *done[0].TxHash)

		open, err := store.ListBatches(ctx, dist.ID, types.PayoutPending, types.PayoutFailed)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, 2, open[0].BatchNumber)

		require.NoError(t, store.FinishDistribution(ctx, dist.ID, types.DistributionCompleted, "833", time.Now().UTC()))
		_, err = store.BeginCalculation(ctx, cycle, cycle+"-start", key)
		assert.Error(t, err, "completed distribution must not be recalculated")
	})

	t.Run("job dedup and lease expiry", func(t *testing.T) {
		now := time.Now().UTC()
		jobCycle := cycle + "-jobs"

		first, created, err := store.CreateJobIfAbsent(ctx, newJob(jobCycle, now), now)
		require.NoError(t, err)
		require.True(t, created)

		dup, created, err := store.CreateJobIfAbsent(ctx, newJob(jobCycle, now), now)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, dup.ID)

		require.NoError(t, store.MarkJobRunning(ctx, first.ID, now, now.Add(time.Minute)))
		require.NoError(t, store.AppendJobLogs(ctx, first.ID, []models.JobLog{{Time: now, Level: types.LogInfo, Message: "started"}}))

		// after the lease lapses a new submission replaces the stale job
		later := now.Add(2 * time.Minute)
		replacement, created, err := store.CreateJobIfAbsent(ctx, newJob(jobCycle, later), later)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, replacement.ID)

		stale, err := store.GetJob(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, types.JobFailed, stale.Status)
		require.Len(t, stale.Logs, 1)
		assert.Equal(t, "started", stale.Logs[0].Message)
	})

	t.Run("expire single job", func(t *testing.T) {
		now := time.Now().UTC()
		job, created, err := store.CreateJobIfAbsent(ctx, newJob(cycle+"-expire", now), now)
		require.NoError(t, err)
		require.True(t, created)

		expired, err := store.ExpireJob(ctx, job.ID, now)
		require.NoError(t, err)
		assert.False(t, expired, "lease still valid")

		expired, err = store.ExpireJob(ctx, job.ID, now.Add(10*time.Minute))
		require.NoError(t, err)
		assert.True(t, expired)

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.JobFailed, got.Status)

		expired, err = store.ExpireJob(ctx, job.ID, now.Add(20*time.Minute))
		require.NoError(t, err)
		assert.False(t, expired, "already terminal")
	})
}

func TestMemoryStore_Conformance(t *testing.T) {
	runStoreConformance(t, NewMemoryStore(), "test-000000000600")
}

func TestMemoryStore_LatestSnapshotPrefersEnd(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)

	for _, s := range []models.Snapshot{
		{CycleKey: "2026-W41-end", Cycle: "2026-W41", Phase: types.PhaseEnd},
		{CycleKey: "2026-W42-start", Cycle: "2026-W42", Phase: types.PhaseStart},
		{CycleKey: "2026-W42-end", Cycle: "2026-W42", Phase: types.PhaseEnd},
	} {
		snap := s
		snap.Status = types.SnapshotPending
		_, err := store.EnsureSnapshot(ctx, &snap)
		require.NoError(t, err)
	}

	latest, err := store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-W42-end", latest.CycleKey)
}

func TestMemoryStore_CopyHolders(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)

	for _, key := range []string{"a-end", "b-start"} {
		_, err := store.EnsureSnapshot(ctx, &models.Snapshot{CycleKey: key, Status: types.SnapshotPending})
		require.NoError(t, err)
	}
	_, err := store.InsertHolders(ctx, "a-end", []models.Holder{
		{Address: "0x01", Balance: "5"},
		{Address: "0x02", Balance: "7"},
	})
	require.NoError(t, err)

	copied, err := store.CopyHolders(ctx, "a-end", "b-start")
	require.NoError(t, err)
	assert.Equal(t, int64(2), copied)

	count, total, err := store.AggregateHolders(ctx, "b-start")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, "12", total)
}

func TestMemoryStore_InsertHoldersRejectsBadBalance(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)
	_, err := store.EnsureSnapshot(ctx, &models.Snapshot{CycleKey: "x-end", Status: types.SnapshotPending})
	require.NoError(t, err)

	_, err = store.InsertHolders(ctx, "x-end", []models.Holder{{Address: "0x01", Balance: "1.5"}})
	assert.Error(t, err)
}

func TestMemoryStore_ResetClearsHolders(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)
	_, err := store.EnsureSnapshot(ctx, &models.Snapshot{CycleKey: "r-end", Status: types.SnapshotPending})
	require.NoError(t, err)
	require.NoError(t, store.StartSnapshot(ctx, "r-end", time.Now()))
	_, err = store.InsertHolders(ctx, "r-end", []models.Holder{{Address: "0x01", Balance: "3"}})
	require.NoError(t, err)
	require.NoError(t, store.FailSnapshot(ctx, "r-end", "provider down"))

	// a failed snapshot cannot be resumed, only reset
	assert.Error(t, store.StartSnapshot(ctx, "r-end", time.Now()))
	require.NoError(t, store.ResetSnapshot(ctx, "r-end", time.Now()))

	count, _, err := store.AggregateHolders(ctx, "r-end")
	require.NoError(t, err)
	assert.Zero(t, count)
	snap, err := store.GetSnapshot(ctx, "r-end")
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotInProgress, snap.Status)
	assert.Nil(t, snap.Error)
}
