package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/types"
)

// MemoryStore is a Store kept in process memory. It is used for dry runs
// (STORE_BACKEND=memory) and by tests; its guarded updates behave like the
// Postgres repositories.
type MemoryStore struct {
	mu            sync.Mutex
	snapshots     map[string]*models.Snapshot
	holders       map[string]map[string]string // snapshot key -> address -> balance
	distributions map[string]*models.Distribution
	recipients    map[int64][]models.Recipient
	batches       map[int64][]models.Batch
	jobs          map[string]*models.JobRecord
	flagged       map[string]models.FlaggedAddress
	nextDistID    int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:     make(map[string]*models.Snapshot),
		holders:       make(map[string]map[string]string),
		distributions: make(map[string]*models.Distribution),
		recipients:    make(map[int64][]models.Recipient),
		batches:       make(map[int64][]models.Batch),
		jobs:          make(map[string]*models.JobRecord),
		flagged:       make(map[string]models.FlaggedAddress),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func copySnapshot(snap *models.Snapshot) *models.Snapshot {
	out := *snap
	if snap.Progress != nil {
		p := *snap.Progress
		out.Progress = &p
	}
	return &out
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, key string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[key]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", key, ErrNotFound)
	}
	return copySnapshot(snap), nil
}

func (s *MemoryStore) EnsureSnapshot(ctx context.Context, snap *models.Snapshot) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.snapshots[snap.CycleKey]; ok {
		return copySnapshot(existing), nil
	}
	stored := copySnapshot(snap)
	now := time.Now().UTC()
	stored.CreatedAt, stored.UpdatedAt = now, now
	if stored.TotalBalance == "" {
		stored.TotalBalance = "0"
	}
	s.snapshots[snap.CycleKey] = stored
	return copySnapshot(stored), nil
}

// mutableSnapshot returns the snapshot if it exists and is not completed
func (s *MemoryStore) mutableSnapshot(key string) (*models.Snapshot, error) {
	snap, ok := s.snapshots[key]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", key, ErrNotFound)
	}
	if snap.Status == types.SnapshotCompleted {
		return nil, fmt.Errorf("snapshot %s: %w", key, ErrSnapshotCompleted)
	}
	return snap, nil
}

func (s *MemoryStore) StartSnapshot(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.mutableSnapshot(key)
	if err != nil {
		return err
	}
	if snap.Status == types.SnapshotFailed {
		return fmt.Errorf("snapshot %s is %s", key, snap.Status)
	}
	snap.Status = types.SnapshotInProgress
	snap.Error = nil
	if snap.StartedAt == nil {
		snap.StartedAt = &at
	}
	snap.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ResetSnapshot(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.mutableSnapshot(key)
	if err != nil {
		return err
	}
	snap.Status = types.SnapshotInProgress
	snap.Error = nil
	snap.Progress = nil
	snap.TotalHolders = 0
	snap.TotalBalance = "0"
	snap.StartedAt = &at
	snap.CompletedAt = nil
	snap.UpdatedAt = time.Now().UTC()
	delete(s.holders, key)
	return nil
}

func (s *MemoryStore) SaveSnapshotProgress(ctx context.Context, key string, progress models.SnapshotProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.mutableSnapshot(key)
	if err != nil {
		return err
	}
	if snap.Status != types.SnapshotInProgress {
		return fmt.Errorf("snapshot %s is %s", key, snap.Status)
	}
	snap.Progress = &progress
	snap.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CompleteSnapshot(ctx context.Context, key string, totalHolders int64, totalBalance string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.mutableSnapshot(key)
	if err != nil {
		return err
	}
	snap.Status = types.SnapshotCompleted
	snap.TotalHolders = totalHolders
	snap.TotalBalance = totalBalance
	snap.Progress = nil
	snap.Error = nil
	snap.CompletedAt = &at
	snap.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FailSnapshot(ctx context.Context, key string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.mutableSnapshot(key)
	if err != nil {
		return err
	}
	snap.Status = types.SnapshotFailed
	snap.Error = &reason
	snap.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Snapshot
	for _, snap := range s.snapshots {
		if latest == nil || snapshotAfter(snap, latest) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest snapshot: %w", ErrNotFound)
	}
	return copySnapshot(latest), nil
}

func snapshotAfter(a, b *models.Snapshot) bool {
	if a.Cycle != b.Cycle {
		return a.Cycle > b.Cycle
	}
	return a.Phase == types.PhaseEnd && b.Phase != types.PhaseEnd
}

func (s *MemoryStore) InsertHolders(ctx context.Context, snapshotKey string, holders []models.Holder) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snapshotKey]; !ok {
		return 0, fmt.Errorf("snapshot %s: %w", snapshotKey, ErrNotFound)
	}
	rows := s.holders[snapshotKey]
	if rows == nil {
		rows = make(map[string]string)
		s.holders[snapshotKey] = rows
	}
	var inserted int64
	for _, h := range holders {
		if _, ok := new(big.Int).SetString(h.Balance, 10); !ok {
			return inserted, fmt.Errorf("failed to insert holders: invalid balance %q for %s", h.Balance, h.Address)
		}
		if _, exists := rows[h.Address]; exists {
			continue
		}
		rows[h.Address] = h.Balance
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) CopyHolders(ctx context.Context, fromKey, toKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[toKey]; !ok {
		return 0, fmt.Errorf("snapshot %s: %w", toKey, ErrNotFound)
	}
	dst := s.holders[toKey]
	if dst == nil {
		dst = make(map[string]string)
		s.holders[toKey] = dst
	}
	var inserted int64
	for addr, bal := range s.holders[fromKey] {
		if _, exists := dst[addr]; !exists {
			dst[addr] = bal
			inserted++
		}
	}
	return inserted, nil
}

func (s *MemoryStore) ListHolders(ctx context.Context, snapshotKey string) ([]models.Holder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.holders[snapshotKey]
	holders := make([]models.Holder, 0, len(rows))
	for addr, bal := range rows {
		holders = append(holders, models.Holder{SnapshotKey: snapshotKey, Address: addr, Balance: bal})
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].Address < holders[j].Address })
	return holders, nil
}

func (s *MemoryStore) AggregateHolders(ctx context.Context, snapshotKey string) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := new(big.Int)
	for _, bal := range s.holders[snapshotKey] {
		v, _ := new(big.Int).SetString(bal, 10)
		total.Add(total, v)
	}
	return int64(len(s.holders[snapshotKey])), total.String(), nil
}

func copyDistribution(d *models.Distribution) *models.Distribution {
	out := *d
	return &out
}

func (s *MemoryStore) GetDistribution(ctx context.Context, cycleKey string) (*models.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distributions[cycleKey]
	if !ok {
		return nil, fmt.Errorf("distribution %s: %w", cycleKey, ErrNotFound)
	}
	return copyDistribution(d), nil
}

func (s *MemoryStore) LatestDistribution(ctx context.Context) (*models.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Distribution
	for _, d := range s.distributions {
		if latest == nil || d.CycleKey > latest.CycleKey {
			latest = d
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest distribution: %w", ErrNotFound)
	}
	return copyDistribution(latest), nil
}

func (s *MemoryStore) distributionByID(id int64) (*models.Distribution, error) {
	for _, d := range s.distributions {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("distribution %d: %w", id, ErrNotFound)
}

func (s *MemoryStore) BeginCalculation(ctx context.Context, cycleKey, previousSnapshot, currentSnapshot string) (*models.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	d, ok := s.distributions[cycleKey]
	if !ok {
		s.nextDistID++
		d = &models.Distribution{ID: s.nextDistID, CycleKey: cycleKey, CreatedAt: now}
		s.distributions[cycleKey] = d
	} else if d.Status == types.DistributionCompleted {
		return nil, fmt.Errorf("distribution %s is completed", cycleKey)
	}
	d.Status = types.DistributionCalculating
	d.PreviousSnapshot = previousSnapshot
	d.CurrentSnapshot = currentSnapshot
	d.Error = nil
	d.UpdatedAt = now
	return copyDistribution(d), nil
}

func (s *MemoryStore) ReplaceResults(ctx context.Context, dist *models.Distribution, recipients []models.Recipient, batches []models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.distributionByID(dist.ID)
	if err != nil {
		return err
	}
	d.Status = types.DistributionReady
	d.Config = dist.Config
	d.Stats = dist.Stats
	d.Error = nil
	d.CalculatedAt = dist.CalculatedAt
	d.UpdatedAt = time.Now().UTC()

	recs := make([]models.Recipient, len(recipients))
	for i, r := range recipients {
		r.DistributionID = d.ID
		r.Status = types.PayoutPending
		r.TxHash = nil
		recs[i] = r
	}
	bs := make([]models.Batch, len(batches))
	for i, b := range batches {
		b.DistributionID = d.ID
		b.Status = types.PayoutPending
		b.RetryCount = 0
		b.LastError = nil
		b.Execution = nil
		b.Recipients = append([]string(nil), b.Recipients...)
		b.Amounts = append([]string(nil), b.Amounts...)
		b.UpdatedAt = d.UpdatedAt
		bs[i] = b
	}
	s.recipients[d.ID] = recs
	s.batches[d.ID] = bs
	dist.Status = types.DistributionReady
	return nil
}

func (s *MemoryStore) SetDistributionStatus(ctx context.Context, id int64, status types.DistributionStatus, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.distributionByID(id)
	if err != nil {
		return err
	}
	d.Status = status
	d.Error = reason
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FinishDistribution(ctx context.Context, id int64, status types.DistributionStatus, totalDistributed string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.distributionByID(id)
	if err != nil {
		return err
	}
	d.Status = status
	d.Stats.TotalDistributed = totalDistributed
	if status == types.DistributionCompleted {
		d.CompletedAt = &at
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CountBatches(ctx context.Context, distributionID int64, status types.PayoutStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, b := range s.batches[distributionID] {
		if b.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListBatches(ctx context.Context, distributionID int64, statuses ...types.PayoutStatus) ([]models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Batch
	for _, b := range s.batches[distributionID] {
		if len(statuses) > 0 && !containsStatus(statuses, b.Status) {
			continue
		}
		b.Recipients = append([]string(nil), b.Recipients...)
		b.Amounts = append([]string(nil), b.Amounts...)
		if b.Execution != nil {
			e := *b.Execution
			b.Execution = &e
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func containsStatus(statuses []types.PayoutStatus, s types.PayoutStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (s *MemoryStore) UpdateBatch(ctx context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs := s.batches[batch.DistributionID]
	for i := range bs {
		if bs[i].BatchNumber != batch.BatchNumber {
			continue
		}
		bs[i].Status = batch.Status
		bs[i].RetryCount = batch.RetryCount
		bs[i].LastError = batch.LastError
		if batch.Execution != nil {
			e := *batch.Execution
			bs[i].Execution = &e
		} else {
			bs[i].Execution = nil
		}
		bs[i].UpdatedAt = time.Now().UTC()
		return nil
	}
	return fmt.Errorf("batch %d/%d: %w", batch.DistributionID, batch.BatchNumber, ErrNotFound)
}

func (s *MemoryStore) UpdateBatchRecipients(ctx context.Context, distributionID int64, batchNumber int, status types.PayoutStatus, txHash *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.recipients[distributionID]
	for i := range recs {
		if recs[i].BatchNumber == nil || *recs[i].BatchNumber != batchNumber {
			continue
		}
		recs[i].Status = status
		if txHash != nil {
			h := *txHash
			recs[i].TxHash = &h
		}
	}
	return nil
}

func (s *MemoryStore) ListRecipients(ctx context.Context, distributionID int64, filter RecipientFilter) ([]models.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Recipient
	for _, r := range s.recipients[distributionID] {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := new(big.Int).SetString(out[i].Balances.Min, 10)
		b, _ := new(big.Int).SetString(out[j].Balances.Min, 10)
		if c := a.Cmp(b); c != 0 {
			return c > 0
		}
		return out[i].Address < out[j].Address
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copyJob(j *models.JobRecord) *models.JobRecord {
	out := *j
	out.Logs = append([]models.JobLog(nil), j.Logs...)
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &out
}

func (s *MemoryStore) CreateJobIfAbsent(ctx context.Context, job *models.JobRecord, now time.Time) (*models.JobRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.Type != job.Type || existing.CycleKey != job.CycleKey || existing.Status.IsTerminal() {
			continue
		}
		if existing.LeaseExpiresAt != nil && existing.LeaseExpiresAt.Before(now) {
			reason := staleJobReason
			existing.Status = types.JobFailed
			existing.Error = &reason
			existing.CompletedAt = &now
			continue
		}
		return copyJob(existing), false, nil
	}
	if _, dup := s.jobs[job.ID]; dup {
		return nil, false, fmt.Errorf("job id %s already used", job.ID)
	}
	stored := copyJob(job)
	s.jobs[job.ID] = stored
	return copyJob(stored), true, nil
}

func (s *MemoryStore) ExpireJob(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return false, err
	}
	if j.Status.IsTerminal() || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
		return false, nil
	}
	reason := staleJobReason
	j.Status = types.JobFailed
	j.Error = &reason
	j.CompletedAt = &now
	return true, nil
}

func (s *MemoryStore) job(id string) (*models.JobRecord, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

func (s *MemoryStore) MarkJobRunning(ctx context.Context, id string, at time.Time, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	if j.Status != types.JobQueued {
		return fmt.Errorf("job %s is %s: %w", id, j.Status, ErrNotFound)
	}
	j.Status = types.JobRunning
	j.StartedAt = &at
	j.LeaseExpiresAt = &leaseUntil
	return nil
}

func (s *MemoryStore) RenewJobLease(ctx context.Context, id string, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", id, j.Status, ErrNotFound)
	}
	j.LeaseExpiresAt = &leaseUntil
	return nil
}

func (s *MemoryStore) AppendJobLogs(ctx context.Context, id string, logs []models.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	j.Logs = append(j.Logs, logs...)
	return nil
}

func (s *MemoryStore) UpdateJobProgress(ctx context.Context, id string, progress models.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	j.Progress = &progress
	return nil
}

func (s *MemoryStore) FinishJob(ctx context.Context, id string, status types.JobStatus, result json.RawMessage, reason *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return err
	}
	j.Status = status
	j.Result = append(json.RawMessage(nil), result...)
	j.Error = reason
	j.CompletedAt = &at
	j.LeaseExpiresAt = nil
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(id)
	if err != nil {
		return nil, err
	}
	return copyJob(j), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, limit int) ([]models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]models.JobRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *copyJob(j))
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ListFlaggedAddresses(ctx context.Context) ([]models.FlaggedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FlaggedAddress, 0, len(s.flagged))
	for _, f := range s.flagged {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *MemoryStore) FlagAddress(ctx context.Context, flagged models.FlaggedAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flagged.Address = strings.ToLower(flagged.Address)
	if flagged.FlaggedAt.IsZero() {
		flagged.FlaggedAt = time.Now().UTC()
	}
	s.flagged[flagged.Address] = flagged
	return nil
}

var _ Store = (*MemoryStore)(nil)
