package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reward-airdrop/internal/cycle"
	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/service"
	"github.com/reward-airdrop/internal/types"
)

// SnapshotCollector is the part of service.SnapshotCollector the handlers use
type SnapshotCollector interface {
	Collect(ctx context.Context, snapshotKey string, reporter service.Reporter) (*models.Snapshot, error)
	CollectSynthetic(ctx context.Context, snapshotKey, sourceKey string, reporter service.Reporter) (*models.Snapshot, error)
}

// RewardCalculator is the part of service.RewardCalculator the handlers use
type RewardCalculator interface {
	Calculate(ctx context.Context, input service.CalculationInput, reporter service.Reporter) (*service.CalculationResult, error)
}

// AirdropExecutor is the part of service.AirdropExecutor the handlers use
type AirdropExecutor interface {
	Execute(ctx context.Context, cycleKey string, reporter service.Reporter) (*service.ExecutionResult, error)
}

// Services are the components the job handlers dispatch to
type Services struct {
	Collector  SnapshotCollector
	Calculator RewardCalculator
	Executor   AirdropExecutor
	Calendar   *cycle.Calendar
	// SyntheticStart lets full-flow copy the previous cycle's end snapshot as its start snapshot
	SyntheticStart bool

	jobs *Coordinator
}

// FullFlowResult is stored as the result of a full-flow job
type FullFlowResult struct {
	StartSnapshot *SnapshotSummary           `json:"startSnapshot"`
	EndSnapshot   *SnapshotSummary           `json:"endSnapshot"`
	Calculation   *service.CalculationResult `json:"calculation"`
}

// SnapshotSummary is the job result of a snapshot collection
type SnapshotSummary struct {
	Key          string               `json:"key"`
	Status       types.SnapshotStatus `json:"status"`
	TotalHolders int64                `json:"totalHolders"`
	TotalBalance string               `json:"totalBalance"`
	Synthetic    bool                 `json:"synthetic"`
}

func summarize(snap *models.Snapshot) *SnapshotSummary {
	return &SnapshotSummary{
		Key:          snap.CycleKey,
		Status:       snap.Status,
		TotalHolders: snap.TotalHolders,
		TotalBalance: snap.TotalBalance,
		Synthetic:    snap.Synthetic,
	}
}

// RegisterHandlers installs the snapshot, calculation, airdrop and full-flow handlers
func RegisterHandlers(c *Coordinator, svc Services) {
	svc.jobs = c
	c.Register(types.JobSnapshot, svc.snapshot)
	c.Register(types.JobCalculation, svc.calculation)
	c.Register(types.JobAirdrop, svc.airdrop)
	c.Register(types.JobFullFlow, svc.fullFlow)
}

// snapshot jobs carry the snapshot key in their cycle key
func (s Services) snapshot(ctx context.Context, job *models.JobRecord, rec *Recorder) (interface{}, error) {
	snap, err := s.Collector.Collect(ctx, job.CycleKey, rec)
	if err != nil {
		return nil, err
	}
	return summarize(snap), nil
}

func (s Services) calculation(ctx context.Context, job *models.JobRecord, rec *Recorder) (interface{}, error) {
	return s.Calculator.Calculate(ctx, calculationInput(job.CycleKey), rec)
}

func (s Services) airdrop(ctx context.Context, job *models.JobRecord, rec *Recorder) (interface{}, error) {
	return s.Executor.Execute(ctx, job.CycleKey, rec)
}

// fullFlow runs start snapshot, end snapshot and calculation of one cycle back to back.
// Collected snapshots run as snapshot jobs so a standalone trigger for the same key is joined,
// not run twice.
func (s Services) fullFlow(ctx context.Context, job *models.JobRecord, rec *Recorder) (interface{}, error) {
	result := &FullFlowResult{}

	startKey := cycle.SnapshotKey(job.CycleKey, types.PhaseStart)
	rec.Log(types.LogInfo, fmt.Sprintf("Collecting start snapshot %s", startKey))
	start, err := s.startSnapshot(ctx, job.CycleKey, startKey, rec)
	if err != nil {
		return nil, fmt.Errorf("start snapshot: %w", err)
	}
	result.StartSnapshot = start

	endKey := cycle.SnapshotKey(job.CycleKey, types.PhaseEnd)
	rec.Log(types.LogInfo, fmt.Sprintf("Collecting end snapshot %s", endKey))
	end, err := s.snapshotJob(ctx, endKey, rec)
	if err != nil {
		return nil, fmt.Errorf("end snapshot: %w", err)
	}
	result.EndSnapshot = end

	rec.Log(types.LogInfo, "Calculating rewards")
	calc, err := s.Calculator.Calculate(ctx, calculationInput(job.CycleKey), rec)
	if err != nil {
		return nil, fmt.Errorf("calculation: %w", err)
	}
	result.Calculation = calc
	return result, nil
}

// startSnapshot collects the start snapshot, or in test mode copies it without a provider fetch
func (s Services) startSnapshot(ctx context.Context, cycleKey, startKey string, rec *Recorder) (*SnapshotSummary, error) {
	if !s.SyntheticStart || s.Calendar == nil {
		return s.snapshotJob(ctx, startKey, rec)
	}
	previous, err := s.Calendar.Previous(cycleKey)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("cycleKey", err.Error())
	}
	snap, err := s.Collector.CollectSynthetic(ctx, startKey, cycle.SnapshotKey(previous, types.PhaseEnd), rec)
	if err != nil {
		return nil, err
	}
	return summarize(snap), nil
}

// snapshotJob submits a snapshot job for key, or joins the active one, and waits for it
func (s Services) snapshotJob(ctx context.Context, key string, rec *Recorder) (*SnapshotSummary, error) {
	h, err := s.jobs.StartJob(ctx, types.JobSnapshot, key)
	if err != nil {
		return nil, err
	}
	if h.Created {
		rec.Log(types.LogInfo, fmt.Sprintf("Started snapshot job %s", h.ID()))
	} else {
		rec.Log(types.LogInfo, fmt.Sprintf("Joined active snapshot job %s", h.ID()))
	}

	done, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if done.Status != types.JobCompleted {
		reason := "snapshot job failed"
		if done.Error != nil {
			reason = *done.Error
		}
		return nil, fmt.Errorf("snapshot job %s: %s", done.ID, reason)
	}
	var summary SnapshotSummary
	if err := json.Unmarshal(done.Result, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot job result: %w", err)
	}
	return &summary, nil
}

// calculationInput pairs the start and end snapshots of one cycle
func calculationInput(cycleKey string) service.CalculationInput {
	return service.CalculationInput{
		CycleKey:            cycleKey,
		PreviousSnapshotKey: cycle.SnapshotKey(cycleKey, types.PhaseStart),
		CurrentSnapshotKey:  cycle.SnapshotKey(cycleKey, types.PhaseEnd),
	}
}
