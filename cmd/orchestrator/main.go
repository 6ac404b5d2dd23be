// Package main provides the reward airdrop orchestrator: the cycle scheduler, the job
// coordinator and the admin API in one process.
//
// Usage:
//
//	orchestrator                     run the scheduler and the admin API
//	orchestrator run <step> [cycle]  run one step to completion and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/reward-airdrop/internal/config"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/scheduler"
	"github.com/reward-airdrop/internal/types"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize orchestrator")
	}
	defer a.close()

	if len(os.Args) > 1 && os.Args[1] == "run" {
		if err := runOnce(ctx, a, os.Args[2:]); err != nil {
			logger.WithError(err).Error("Run failed")
			a.close()
			os.Exit(1)
		}
		return
	}

	serve(ctx, a)
}

// runOnce triggers one step and waits for its job, for cron-less or manual operation
func runOnce(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("usage: orchestrator run <start-snapshot|end-snapshot|calculate|airdrop|full-flow> [cycleKey]")
	}
	step, err := scheduler.ParseStep(args[0])
	if err != nil {
		return err
	}
	var cycleKey string
	if len(args) == 2 {
		cycleKey = args[1]
	}

	if err := a.scheduler.Restore(ctx); err != nil {
		return err
	}
	handle, err := a.scheduler.Trigger(ctx, step, cycleKey)
	if err != nil {
		return err
	}
	logger := logging.WithFields(map[string]interface{}{
		"step":    step,
		"job_id":  handle.ID(),
		"cycle":   handle.Job.CycleKey,
		"created": handle.Created,
	})
	logger.Info("Waiting for job")

	job, err := handle.Wait(ctx)
	if err != nil {
		return err
	}
	if job.Status != types.JobCompleted {
		reason := "unknown"
		if job.Error != nil {
			reason = *job.Error
		}
		return errors.New(reason)
	}
	logger.WithField("result", string(job.Result)).Info("Job completed")
	return nil
}

// serve runs until SIGINT/SIGTERM, then stops the scheduler and the API and gives running
// jobs the configured grace period.
func serve(ctx context.Context, a *app) {
	logger := logging.GetGlobalLogger()

	if err := a.scheduler.Restore(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to restore scheduler position")
	}
	if a.cfg.Schedule.Enabled {
		go a.scheduler.Run(ctx)
	} else {
		logger.Info("Scheduler disabled; steps run only through manual triggers")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Start()
	}()

	status := a.scheduler.Status()
	logger.WithFields(map[string]interface{}{
		"host":        a.cfg.Server.Host,
		"port":        a.cfg.Server.Port,
		"state":       status.State,
		"cycle":       status.CycleKey,
		"next_action": status.NextAction,
		"next_at":     status.NextActionDisplay,
	}).Info("Orchestrator started")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("Admin API server failed")
		}
	}

	logger.Info("Shutting down orchestrator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Scheduler did not stop cleanly")
	}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Admin API forced to shutdown")
	}

	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), a.cfg.Jobs.ShutdownTimeout)
	defer cancelJobs()
	if err := a.coordinator.Wait(jobsCtx); err != nil {
		logger.WithField("active_jobs", a.coordinator.ActiveJobs()).Warn("Jobs still running at exit; their leases will expire")
	}

	logger.Info("Orchestrator stopped")
}
