package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reward-airdrop/internal/adapter"
	"github.com/reward-airdrop/internal/cycle"
	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/metrics"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

// CollectorStore is the part of the state store the collector mutates
type CollectorStore interface {
	storage.SnapshotStore
	storage.HolderStore
}

// CollectorConfig holds snapshot collection settings
type CollectorConfig struct {
	Token string
	// FlushSize is the number of buffered holders written per insert
	FlushSize int
	Iterator  IteratorConfig
	Now       func() time.Time
}

// SnapshotCollector captures every holder balance of the token into a snapshot.
// It is the only writer of Snapshot and Holder records.
type SnapshotCollector struct {
	store    CollectorStore
	provider adapter.BalanceProvider
	archive  storage.HolderArchive
	cfg      CollectorConfig
	metrics  *metrics.Metrics
}

// NewSnapshotCollector creates a collector. archive may be nil.
func NewSnapshotCollector(store CollectorStore, provider adapter.BalanceProvider, archive storage.HolderArchive, cfg CollectorConfig, m *metrics.Metrics) *SnapshotCollector {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &SnapshotCollector{
		store:    store,
		provider: provider,
		archive:  archive,
		cfg:      cfg,
		metrics:  m,
	}
}

// Collect brings the snapshot to completed. A completed snapshot is returned untouched,
// an in_progress one resumes from its checkpoint and a failed one restarts from scratch.
//
// When the provider keeps rate limiting, Collect returns a recoverable error and the
// snapshot stays in_progress; any other failure marks it failed.
func (c *SnapshotCollector) Collect(ctx context.Context, snapshotKey string, reporter Reporter) (*models.Snapshot, error) {
	reporter = reporterOrNop(reporter)
	log := logging.FromContext(ctx).WithComponent("snapshot-collector").WithField("snapshot", snapshotKey)

	snap, err := c.ensure(ctx, snapshotKey, false)
	if err != nil {
		return nil, err
	}

	var progress models.SnapshotProgress
	switch snap.Status {
	case types.SnapshotCompleted:
		reporter.Log(types.LogInfo, fmt.Sprintf("Snapshot %s already completed with %d holders", snapshotKey, snap.TotalHolders))
		return snap, nil
	case types.SnapshotFailed:
		log.Warn("Restarting failed snapshot")
		reporter.Log(types.LogWarn, fmt.Sprintf("Snapshot %s failed previously, discarding partial holders and restarting", snapshotKey))
		if err := c.store.ResetSnapshot(ctx, snapshotKey, c.cfg.Now()); err != nil {
			return nil, apperrors.NewDatabaseError("reset snapshot", err)
		}
	default:
		if err := c.store.StartSnapshot(ctx, snapshotKey, c.cfg.Now()); err != nil {
			return nil, apperrors.NewDatabaseError("start snapshot", err)
		}
		if snap.Progress != nil {
			progress = *snap.Progress
		}
		if progress.LastCursor != "" {
			log.WithField("inserted", progress.InsertedCount).Info("Resuming snapshot from checkpoint")
			reporter.Log(types.LogInfo, fmt.Sprintf("Resuming snapshot %s after %d holders", snapshotKey, progress.InsertedCount))
		} else {
			reporter.Log(types.LogInfo, fmt.Sprintf("Collecting snapshot %s", snapshotKey))
		}
	}

	if err := c.collect(ctx, snapshotKey, progress, reporter); err != nil {
		return nil, c.settleFailure(ctx, snapshotKey, err, reporter)
	}
	return c.complete(ctx, snapshotKey, reporter)
}

// CollectSynthetic builds the start snapshot snapshotKey by copying the holders of the
// completed snapshot sourceKey. It only applies when no record exists for snapshotKey;
// otherwise, or when the source is not completed, it falls back to Collect.
func (c *SnapshotCollector) CollectSynthetic(ctx context.Context, snapshotKey, sourceKey string, reporter Reporter) (*models.Snapshot, error) {
	reporter = reporterOrNop(reporter)
	log := logging.FromContext(ctx).WithComponent("snapshot-collector").WithFields(map[string]interface{}{
		"snapshot": snapshotKey,
		"source":   sourceKey,
	})

	_, err := c.store.GetSnapshot(ctx, snapshotKey)
	switch {
	case err == nil:
		return c.Collect(ctx, snapshotKey, reporter)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, apperrors.NewDatabaseError("get snapshot", err)
	}

	source, err := c.store.GetSnapshot(ctx, sourceKey)
	if err != nil || source.Status != types.SnapshotCompleted {
		log.Warn("No completed source snapshot, collecting start snapshot from provider")
		reporter.Log(types.LogWarn, fmt.Sprintf("Synthetic start requested but %s is not completed, collecting normally", sourceKey))
		return c.Collect(ctx, snapshotKey, reporter)
	}

	if _, err := c.ensure(ctx, snapshotKey, true); err != nil {
		return nil, err
	}
	if err := c.store.ResetSnapshot(ctx, snapshotKey, c.cfg.Now()); err != nil {
		return nil, apperrors.NewDatabaseError("reset snapshot", err)
	}
	copied, err := c.store.CopyHolders(ctx, sourceKey, snapshotKey)
	if err != nil {
		return nil, c.settleFailure(ctx, snapshotKey, apperrors.NewDatabaseError("copy holders", err), reporter)
	}
	c.metrics.HoldersAdded(copied)

	log.WithField("holders", copied).Warn("Start snapshot synthesized from previous cycle end snapshot")
	reporter.Log(types.LogWarn, fmt.Sprintf("Synthetic start snapshot: copied %d holders from %s", copied, sourceKey))
	return c.complete(ctx, snapshotKey, reporter)
}

func (c *SnapshotCollector) ensure(ctx context.Context, snapshotKey string, synthetic bool) (*models.Snapshot, error) {
	cycleKey, phase, err := cycle.ParseSnapshotKey(snapshotKey)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("snapshotKey", err.Error())
	}
	snap, err := c.store.EnsureSnapshot(ctx, &models.Snapshot{
		CycleKey:     snapshotKey,
		Cycle:        cycleKey,
		Phase:        phase,
		TokenAddress: c.cfg.Token,
		Status:       types.SnapshotPending,
		TotalBalance: "0",
		Synthetic:    synthetic,
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("ensure snapshot", err)
	}
	return snap, nil
}

// collect drains the iterator. Holders are flushed at page boundaries only, so the
// persisted checkpoint never points past an unwritten holder.
func (c *SnapshotCollector) collect(ctx context.Context, snapshotKey string, progress models.SnapshotProgress, reporter Reporter) error {
	it := NewHolderIterator(c.provider, c.cfg.Token, progress.LastCursor, c.cfg.Iterator, c.metrics)
	it.OnRetry(func(page int, delay time.Duration) {
		reporter.Log(types.LogWarn, fmt.Sprintf("Provider rate limited on page %d, retrying in %s", page, delay))
	})

	inserted := progress.InsertedCount
	var buf []models.Holder

	flush := func() error {
		for start := 0; start < len(buf); start += c.cfg.FlushSize {
			end := start + c.cfg.FlushSize
			if end > len(buf) {
				end = len(buf)
			}
			n, err := c.store.InsertHolders(ctx, snapshotKey, buf[start:end])
			if err != nil {
				return apperrors.NewDatabaseError("insert holders", err)
			}
			inserted += n
			c.metrics.HoldersAdded(n)
		}
		buf = buf[:0]
		if err := c.store.SaveSnapshotProgress(ctx, snapshotKey, models.SnapshotProgress{
			LastCursor:    it.Checkpoint(),
			InsertedCount: inserted,
		}); err != nil {
			return apperrors.NewDatabaseError("save snapshot progress", err)
		}
		reporter.Progress(NewProgress("collecting", inserted, 0))
		return nil
	}

	for {
		page, err := it.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			break
		}
		if err != nil {
			return err
		}
		for _, h := range page {
			buf = append(buf, models.Holder{SnapshotKey: snapshotKey, Address: h.Address, Balance: h.Balance})
		}
		if len(buf) >= c.cfg.FlushSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if len(buf) > 0 {
		return flush()
	}
	return nil
}

func (c *SnapshotCollector) complete(ctx context.Context, snapshotKey string, reporter Reporter) (*models.Snapshot, error) {
	count, total, err := c.store.AggregateHolders(ctx, snapshotKey)
	if err != nil {
		return nil, c.settleFailure(ctx, snapshotKey, apperrors.NewDatabaseError("aggregate holders", err), reporter)
	}
	if err := c.store.CompleteSnapshot(ctx, snapshotKey, count, total, c.cfg.Now()); err != nil {
		return nil, c.settleFailure(ctx, snapshotKey, apperrors.NewDatabaseError("complete snapshot", err), reporter)
	}

	snap, err := c.store.GetSnapshot(ctx, snapshotKey)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get snapshot", err)
	}

	logging.FromContext(ctx).WithComponent("snapshot-collector").WithFields(map[string]interface{}{
		"snapshot":      snapshotKey,
		"total_holders": count,
		"total_balance": total,
	}).Info("Snapshot completed")
	reporter.Progress(NewProgress("completed", count, count))
	reporter.Log(types.LogSuccess, fmt.Sprintf("Snapshot %s completed: %d holders, total balance %s", snapshotKey, count, total))

	c.archiveSnapshot(ctx, snap)
	return snap, nil
}

// archiveSnapshot copies the completed holder set into the history archive. Failures are
// logged only; the archive is not part of the snapshot's state.
func (c *SnapshotCollector) archiveSnapshot(ctx context.Context, snap *models.Snapshot) {
	if c.archive == nil {
		return
	}
	log := logging.FromContext(ctx).WithComponent("snapshot-collector").WithField("snapshot", snap.CycleKey)
	holders, err := c.store.ListHolders(ctx, snap.CycleKey)
	if err != nil {
		log.WithError(err).Warn("Failed to load holders for archive")
		return
	}
	if err := c.archive.ArchiveSnapshot(ctx, snap, holders); err != nil {
		log.WithError(err).Warn("Failed to archive snapshot holders")
	}
}

// settleFailure decides what a collection error leaves behind. Recoverable errors and
// cancellation keep the snapshot in_progress with its checkpoint.
func (c *SnapshotCollector) settleFailure(ctx context.Context, snapshotKey string, err error, reporter Reporter) error {
	log := logging.FromContext(ctx).WithComponent("snapshot-collector").WithField("snapshot", snapshotKey).WithError(err)

	if apperrors.IsRecoverable(err) || ctx.Err() != nil {
		log.Warn("Snapshot collection interrupted, checkpoint kept for resume")
		reporter.Log(types.LogWarn, fmt.Sprintf("Snapshot %s interrupted, will resume from checkpoint: %v", snapshotKey, err))
		return err
	}

	log.Error("Snapshot collection failed")
	reporter.Log(types.LogError, fmt.Sprintf("Snapshot %s failed: %v", snapshotKey, err))
	if ferr := c.store.FailSnapshot(ctx, snapshotKey, err.Error()); ferr != nil {
		log.WithField("fail_error", ferr.Error()).Warn("Failed to mark snapshot failed")
	}
	return err
}
