package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/reward-airdrop/internal/adapter"
	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

// CalculatorStore is the part of the state store the calculator reads and writes
type CalculatorStore interface {
	storage.SnapshotStore
	storage.HolderStore
	storage.DistributionStore
	storage.FlaggedAddressStore
}

// CalculatorConfig holds the reward parameters
type CalculatorConfig struct {
	MinBalance string
	// Pool is the fixed reward pool; ignored when PoolSource is wallet
	Pool              string
	PoolSource        types.PoolSource
	RewardToken       string
	BatchSize         int
	ExcludedAddresses []string
	Now               func() time.Time
}

// CalculationInput names the distribution and the two snapshots it compares
type CalculationInput struct {
	CycleKey            string `json:"cycleKey"`
	PreviousSnapshotKey string `json:"previousSnapshotKey"`
	CurrentSnapshotKey  string `json:"currentSnapshotKey"`
}

// CalculationResult summarises a persisted distribution
type CalculationResult struct {
	DistributionID int64                    `json:"distributionId"`
	CycleKey       string                   `json:"cycleKey"`
	Status         types.DistributionStatus `json:"status"`
	RewardPool     string                   `json:"rewardPool"`
	TotalRewards   string                   `json:"totalRewards"`
	Recipients     int                      `json:"recipients"`
	Batches        int                      `json:"batches"`
	Stats          models.DistributionStats `json:"stats"`
}

// RewardCalculator turns two completed snapshots into a ready distribution
type RewardCalculator struct {
	store      CalculatorStore
	chain      adapter.ChainClient
	cfg        CalculatorConfig
	minBalance *big.Int
	pool       *big.Int
	excluded   map[string]struct{}
}

// NewRewardCalculator validates the reward parameters. chain is only used when the pool
// comes from the distributor wallet.
func NewRewardCalculator(store CalculatorStore, chain adapter.ChainClient, cfg CalculatorConfig) (*RewardCalculator, error) {
	minBalance, err := models.ParseAmount(cfg.MinBalance)
	if err != nil {
		return nil, apperrors.NewInvalidConfigError("MIN_BALANCE", err.Error())
	}
	if cfg.BatchSize <= 0 {
		return nil, apperrors.NewInvalidConfigError("BATCH_SIZE", "must be positive")
	}
	if cfg.PoolSource == "" {
		cfg.PoolSource = types.PoolFixed
	}

	var pool *big.Int
	switch cfg.PoolSource {
	case types.PoolFixed:
		if pool, err = models.ParseAmount(cfg.Pool); err != nil {
			return nil, apperrors.NewInvalidConfigError("REWARD_POOL", err.Error())
		}
	case types.PoolWallet:
		if chain == nil {
			return nil, apperrors.NewInvalidConfigError("REWARD_POOL_SOURCE", "wallet pool needs a chain client")
		}
	default:
		return nil, apperrors.NewInvalidConfigError("REWARD_POOL_SOURCE", fmt.Sprintf("unknown source %q", cfg.PoolSource))
	}

	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &RewardCalculator{
		store:      store,
		chain:      chain,
		cfg:        cfg,
		minBalance: minBalance,
		pool:       pool,
		excluded:   addressSet(cfg.ExcludedAddresses),
	}, nil
}

// Calculate computes and persists the distribution for input.CycleKey. It refuses, without
// touching any state, when the distribution is already paid or being paid, or when either
// snapshot is not completed. A successful run replaces any earlier result as a whole.
func (c *RewardCalculator) Calculate(ctx context.Context, input CalculationInput, reporter Reporter) (*CalculationResult, error) {
	reporter = reporterOrNop(reporter)
	log := logging.FromContext(ctx).WithComponent("reward-calculator").WithField("cycle", input.CycleKey)

	if err := c.checkPreconditions(ctx, input); err != nil {
		return nil, err
	}

	dist, err := c.store.BeginCalculation(ctx, input.CycleKey, input.PreviousSnapshotKey, input.CurrentSnapshotKey)
	if err != nil {
		return nil, apperrors.NewDatabaseError("begin calculation", err)
	}
	reporter.Log(types.LogInfo, fmt.Sprintf("Calculating rewards for %s from %s and %s", input.CycleKey, input.PreviousSnapshotKey, input.CurrentSnapshotKey))

	result, err := c.calculate(ctx, dist, input, reporter)
	if err != nil {
		reason := err.Error()
		if serr := c.store.SetDistributionStatus(ctx, dist.ID, types.DistributionFailed, &reason); serr != nil {
			log.WithField("status_error", serr.Error()).Warn("Failed to mark distribution failed")
		}
		log.WithError(err).Error("Reward calculation failed")
		reporter.Log(types.LogError, fmt.Sprintf("Calculation failed: %v", err))
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"eligible":      result.Stats.EligibleHolders,
		"recipients":    result.Recipients,
		"batches":       result.Batches,
		"total_rewards": result.TotalRewards,
	}).Info("Distribution ready")
	reporter.Log(types.LogSuccess, fmt.Sprintf("Distribution %s ready: %d recipients in %d batches, %s distributed of pool %s",
		input.CycleKey, result.Recipients, result.Batches, result.TotalRewards, result.RewardPool))
	return result, nil
}

func (c *RewardCalculator) checkPreconditions(ctx context.Context, input CalculationInput) error {
	existing, err := c.store.GetDistribution(ctx, input.CycleKey)
	switch {
	case err == nil:
		switch existing.Status {
		case types.DistributionCompleted:
			return apperrors.NewDistributionCompletedError(input.CycleKey)
		case types.DistributionProcessing:
			return apperrors.NewDistributionBusyError(input.CycleKey, "payout in progress")
		}
		paid, err := c.store.CountBatches(ctx, existing.ID, types.PayoutCompleted)
		if err != nil {
			return apperrors.NewDatabaseError("count batches", err)
		}
		if paid > 0 {
			return apperrors.NewDistributionBusyError(input.CycleKey, fmt.Sprintf("%d batches already paid", paid))
		}
	case !errors.Is(err, storage.ErrNotFound):
		return apperrors.NewDatabaseError("get distribution", err)
	}

	for _, key := range []string{input.PreviousSnapshotKey, input.CurrentSnapshotKey} {
		snap, err := c.store.GetSnapshot(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NewSnapshotMissingError(key, "")
		}
		if err != nil {
			return apperrors.NewDatabaseError("get snapshot", err)
		}
		if snap.Status != types.SnapshotCompleted {
			return apperrors.NewSnapshotMissingError(key, snap.Status)
		}
	}
	return nil
}

func (c *RewardCalculator) calculate(ctx context.Context, dist *models.Distribution, input CalculationInput, reporter Reporter) (*CalculationResult, error) {
	pool, err := c.rewardPool(ctx)
	if err != nil {
		return nil, err
	}
	reporter.Log(types.LogInfo, fmt.Sprintf("Reward pool %s (%s)", pool, c.cfg.PoolSource))

	previous, err := c.store.ListHolders(ctx, input.PreviousSnapshotKey)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list previous holders", err)
	}
	current, err := c.store.ListHolders(ctx, input.CurrentSnapshotKey)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list current holders", err)
	}
	flagged, err := c.store.ListFlaggedAddresses(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list flagged addresses", err)
	}
	flaggedSet := make(map[string]struct{}, len(flagged))
	for _, f := range flagged {
		flaggedSet[strings.ToLower(f.Address)] = struct{}{}
	}
	reporter.Progress(NewProgress("allocating", 0, int64(len(previous)+len(current))))

	alloc, err := Allocate(previous, current, AllocationParams{
		MinBalance: c.minBalance,
		Pool:       pool,
		BatchSize:  c.cfg.BatchSize,
		Excluded:   c.excluded,
		Flagged:    flaggedSet,
	})
	if err != nil {
		return nil, err
	}

	now := c.cfg.Now()
	dist.Config = models.DistributionConfig{
		MinBalance:  c.minBalance.String(),
		RewardPool:  pool.String(),
		RewardToken: c.cfg.RewardToken,
		BatchSize:   c.cfg.BatchSize,
		PoolSource:  c.cfg.PoolSource,
	}
	dist.Stats = alloc.Stats
	dist.CalculatedAt = &now
	if err := c.store.ReplaceResults(ctx, dist, alloc.Recipients, alloc.Batches); err != nil {
		return nil, apperrors.NewDatabaseError("replace distribution results", err)
	}
	reporter.Progress(NewProgress("ready", int64(len(alloc.Recipients)), int64(len(alloc.Recipients))))

	return &CalculationResult{
		DistributionID: dist.ID,
		CycleKey:       dist.CycleKey,
		Status:         types.DistributionReady,
		RewardPool:     pool.String(),
		TotalRewards:   alloc.TotalRewards.String(),
		Recipients:     len(alloc.Recipients),
		Batches:        len(alloc.Batches),
		Stats:          alloc.Stats,
	}, nil
}

func (c *RewardCalculator) rewardPool(ctx context.Context) (*big.Int, error) {
	if c.cfg.PoolSource != types.PoolWallet {
		return new(big.Int).Set(c.pool), nil
	}
	balance, err := c.chain.WalletBalance(ctx, c.cfg.RewardToken)
	if err != nil {
		return nil, apperrors.NewChainError("read reward pool balance", err)
	}
	return balance, nil
}

// AllocationParams are the inputs of the pro-rata allocation
type AllocationParams struct {
	MinBalance *big.Int
	Pool       *big.Int
	BatchSize  int
	// Excluded is the static exclusion list, Flagged the dynamic one. Keys are lowercase.
	Excluded map[string]struct{}
	Flagged  map[string]struct{}
}

// Allocation is the outcome of one reward computation
type Allocation struct {
	Recipients   []models.Recipient
	Batches      []models.Batch
	Stats        models.DistributionStats
	TotalRewards *big.Int
}

type candidate struct {
	address string
	prev    *big.Int
	cur     *big.Int
	min     *big.Int
}

// Allocate splits the pool over holders present with a positive balance in both snapshots,
// weighting each by the lesser of its two balances. Rewards are floored, so their sum never
// exceeds the pool; holders whose reward floors to zero are dropped.
func Allocate(previous, current []models.Holder, params AllocationParams) (*Allocation, error) {
	if params.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", params.BatchSize)
	}
	prevBalances, err := balanceIndex(previous)
	if err != nil {
		return nil, err
	}
	curBalances, err := balanceIndex(current)
	if err != nil {
		return nil, err
	}

	union := make(map[string]struct{}, len(prevBalances)+len(curBalances))
	for addr := range prevBalances {
		union[addr] = struct{}{}
	}
	for addr := range curBalances {
		union[addr] = struct{}{}
	}

	stats := models.DistributionStats{TotalHolders: int64(len(union)), TotalDistributed: "0"}
	zero := new(big.Int)
	totalMin := new(big.Int)
	var eligible []candidate

	for addr := range union {
		if _, ok := params.Excluded[addr]; ok {
			stats.ConfigExcluded++
			continue
		}
		if _, ok := params.Flagged[addr]; ok {
			stats.BotRestricted++
			continue
		}
		prev, cur := prevBalances[addr], curBalances[addr]
		if prev == nil {
			prev = zero
		}
		if cur == nil {
			cur = zero
		}
		if prev.Sign() <= 0 || cur.Sign() <= 0 {
			continue
		}
		m := models.MinAmount(prev, cur)
		if m.Cmp(params.MinBalance) < 0 {
			continue
		}
		eligible = append(eligible, candidate{address: addr, prev: prev, cur: cur, min: m})
		totalMin.Add(totalMin, m)
	}
	stats.ExcludedHolders = stats.ConfigExcluded + stats.BotRestricted
	stats.EligibleHolders = int64(len(eligible))
	stats.TotalEligibleBalance = totalMin.String()

	sort.Slice(eligible, func(i, j int) bool {
		if c := eligible[i].min.Cmp(eligible[j].min); c != 0 {
			return c > 0
		}
		return eligible[i].address < eligible[j].address
	})

	alloc := &Allocation{Stats: stats, TotalRewards: new(big.Int)}
	if totalMin.Sign() == 0 {
		return alloc, nil
	}

	for _, e := range eligible {
		reward := new(big.Int).Mul(e.min, params.Pool)
		reward.Quo(reward, totalMin)
		if reward.Sign() == 0 {
			continue
		}
		share, _ := new(big.Rat).SetFrac(e.min, totalMin).Float64()
		alloc.Recipients = append(alloc.Recipients, models.Recipient{
			Address: e.address,
			Balances: models.RecipientBalances{
				Previous: e.prev.String(),
				Current:  e.cur.String(),
				Min:      e.min.String(),
			},
			Reward:     reward.String(),
			Percentage: share,
			Status:     types.PayoutPending,
		})
		alloc.TotalRewards.Add(alloc.TotalRewards, reward)
	}

	for start := 0; start < len(alloc.Recipients); start += params.BatchSize {
		end := start + params.BatchSize
		if end > len(alloc.Recipients) {
			end = len(alloc.Recipients)
		}
		number := start/params.BatchSize + 1
		batch := models.Batch{BatchNumber: number, Status: types.PayoutPending}
		total := new(big.Int)
		for i := start; i < end; i++ {
			r := &alloc.Recipients[i]
			n := number
			r.BatchNumber = &n
			batch.Recipients = append(batch.Recipients, r.Address)
			batch.Amounts = append(batch.Amounts, r.Reward)
			amount, _ := new(big.Int).SetString(r.Reward, 10)
			total.Add(total, amount)
		}
		batch.RecipientCount = len(batch.Recipients)
		batch.TotalAmount = total.String()
		alloc.Batches = append(alloc.Batches, batch)
	}
	return alloc, nil
}

func balanceIndex(holders []models.Holder) (map[string]*big.Int, error) {
	index := make(map[string]*big.Int, len(holders))
	for _, h := range holders {
		v, err := models.ParseAmount(h.Balance)
		if err != nil {
			return nil, fmt.Errorf("holder %s: %w", h.Address, err)
		}
		index[strings.ToLower(h.Address)] = v
	}
	return index, nil
}

func addressSet(addresses []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		if a = strings.TrimSpace(a); a != "" {
			set[strings.ToLower(a)] = struct{}{}
		}
	}
	return set
}
