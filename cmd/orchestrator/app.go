package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/reward-airdrop/internal/adapter"
	"github.com/reward-airdrop/internal/api"
	"github.com/reward-airdrop/internal/circuitbreaker"
	"github.com/reward-airdrop/internal/config"
	"github.com/reward-airdrop/internal/cycle"
	"github.com/reward-airdrop/internal/job"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/metrics"
	"github.com/reward-airdrop/internal/scheduler"
	"github.com/reward-airdrop/internal/service"
	"github.com/reward-airdrop/internal/storage"
)

const leaderKey = "airdrop:scheduler:leader"

// app holds the wired components and the resources to release on exit
type app struct {
	cfg         *config.Config
	registry    *prometheus.Registry
	store       storage.Store
	archive     storage.HolderArchive
	coordinator *job.Coordinator
	scheduler   *scheduler.Scheduler
	server      *api.Server
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp connects the backends and wires services, coordinator, scheduler and admin API
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.GetGlobalLogger()
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(a.registry)

	if err := a.openStores(ctx); err != nil {
		a.close()
		return nil, err
	}

	calendar, err := cycle.NewCalendar(cfg.Schedule.CycleMode, cfg.Schedule.CycleInterval)
	if err != nil {
		a.close()
		return nil, err
	}

	// the chain is optional for dry runs; the executor refuses to pay without it
	var chain adapter.ChainClient
	var breaker service.Breaker
	var chainStats api.BreakerStats
	if len(cfg.Chain.RPCURLs) > 0 {
		pool, err := adapter.NewRPCPool(&adapter.RPCPoolConfig{Endpoints: cfg.Chain.RPCURLs})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create RPC pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("chain-rpc"))
		client, err := adapter.NewEVMChainClient(&cfg.Chain, pool, cb)
		if err != nil {
			a.close()
			return nil, err
		}
		chain, breaker, chainStats = client, cb, cb
		logger.WithFields(map[string]interface{}{
			"endpoints":   pool.EndpointCount(),
			"chain_id":    cfg.Chain.ChainID,
			"distributor": client.Address().Hex(),
		}).Info("Chain client initialized")
	} else {
		logger.Warn("RPC_URLS not set; airdrops are disabled")
	}

	provider := adapter.NewMoralisClient(&cfg.Provider, cfg.Token.Chain)
	collector := service.NewSnapshotCollector(a.store, provider, a.archive, service.CollectorConfig{
		Token:     cfg.Token.Address,
		FlushSize: cfg.Jobs.SnapshotFlushSize,
		Iterator: service.IteratorConfig{
			ProviderName: cfg.Provider.Name,
			RequestDelay: cfg.Provider.RequestDelay,
			BackoffBase:  cfg.Provider.BackoffBase,
			BackoffMax:   cfg.Provider.BackoffMax,
			MaxAttempts:  cfg.Provider.MaxRetries,
		},
	}, m)
	calculator, err := service.NewRewardCalculator(a.store, chain, service.CalculatorConfig{
		MinBalance:        cfg.Reward.MinBalance,
		Pool:              cfg.Reward.Pool,
		PoolSource:        cfg.Reward.PoolSource,
		RewardToken:       cfg.Reward.Token,
		BatchSize:         cfg.Reward.BatchSize,
		ExcludedAddresses: cfg.Reward.ExcludedAddresses,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	executor, err := service.NewAirdropExecutor(a.store, chain, breaker, service.ExecutorConfig{
		RewardToken:      cfg.Reward.Token,
		MaxGasPriceGwei:  cfg.Airdrop.MaxGasPriceGwei,
		MinNativeBalance: cfg.Airdrop.MinNativeBalance,
		BatchDelay:       cfg.Airdrop.BatchDelay,
	}, m)
	if err != nil {
		a.close()
		return nil, err
	}

	a.coordinator = job.NewCoordinator(a.store, job.Config{
		LeaseDuration:      cfg.Jobs.LeaseDuration,
		LeaseRenewInterval: cfg.Jobs.LeaseRenewInterval,
		RecorderBuffer:     cfg.Jobs.RecorderBuffer,
	}, m)
	job.RegisterHandlers(a.coordinator, job.Services{
		Collector:      collector,
		Calculator:     calculator,
		Executor:       executor,
		Calendar:       calendar,
		SyntheticStart: cfg.Jobs.FullFlowSyntheticStart,
	})

	leader, err := a.leaderLease(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	a.scheduler, err = scheduler.NewScheduler(schedulerConfig(cfg.Schedule), calendar, a.coordinator, a.store, leader, m)
	if err != nil {
		a.close()
		return nil, err
	}

	a.server = api.NewServer(&cfg.Server, api.Deps{
		Scheduler: a.scheduler,
		Jobs:      a.coordinator,
		Store:     a.store,
		Archive:   a.archive,
		Breaker:   chainStats,
		Gatherer:  a.registry,
	})
	return a, nil
}

// openStores selects the state store backend and the optional ClickHouse archive
func (a *app) openStores(ctx context.Context) error {
	logger := logging.GetGlobalLogger()

	switch a.cfg.Database.Backend {
	case "memory":
		logger.Warn("Using in-memory store; state is lost on exit")
		a.store = storage.NewMemoryStore()
	default:
		db, err := storage.NewPostgresDB(ctx, &a.cfg.Database.Postgres)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		store := storage.NewPostgresStore(db)
		a.store = store
		a.closers = append(a.closers, store.Close)
	}

	if a.cfg.Database.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseDB(ctx, &a.cfg.Database.ClickHouse)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.archive = storage.NewHolderArchiveRepository(ch)
		a.closers = append(a.closers, func() {
			if err := ch.Close(); err != nil {
				logger.WithError(err).Warn("Error closing ClickHouse connection")
			}
		})
	}

	logger.WithFields(map[string]interface{}{
		"backend": a.cfg.Database.Backend,
		"archive": a.archive != nil,
	}).Info("Stores initialized")
	return nil
}

// leaderLease returns nil when Redis is not configured; a lone process is always leader
func (a *app) leaderLease(ctx context.Context) (scheduler.Leader, error) {
	if a.cfg.Database.Redis.Host == "" {
		return nil, nil
	}
	rc, err := storage.NewRedisClient(ctx, &a.cfg.Database.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = rc.Close() })

	host, _ := os.Hostname()
	token := fmt.Sprintf("%s-%s", host, uuid.NewString())
	logging.WithField("token", token).Info("Scheduler leader election via Redis")
	return storage.NewLeaderLease(rc, leaderKey, token, a.cfg.Schedule.LeaderLeaseTTL), nil
}

func schedulerConfig(cfg config.ScheduleConfig) scheduler.Config {
	return scheduler.Config{
		Mode: cfg.Mode,
		Expressions: map[scheduler.Step]string{
			scheduler.StepStartSnapshot: cfg.StartSnapshot,
			scheduler.StepEndSnapshot:   cfg.EndSnapshot,
			scheduler.StepCalculate:     cfg.Calculate,
			scheduler.StepAirdrop:       cfg.Airdrop,
		},
		Interval: cfg.CycleInterval,
		Offsets: map[scheduler.Step]time.Duration{
			scheduler.StepStartSnapshot: cfg.StartSnapshotOffset,
			scheduler.StepEndSnapshot:   cfg.EndSnapshotOffset,
			scheduler.StepCalculate:     cfg.CalculateOffset,
			scheduler.StepAirdrop:       cfg.AirdropOffset,
		},
	}
}
