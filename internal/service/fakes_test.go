package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/reward-airdrop/internal/adapter"
	"github.com/reward-airdrop/internal/cycle"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

const testToken = "0x1111111111111111111111111111111111111111"

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func noSleep(context.Context, time.Duration) error { return nil }

// fakeProvider serves pages keyed by cursor; the first page has the empty cursor
type fakeProvider struct {
	mu sync.Mutex
	// pages[i] is served for cursor "" (i == 0) or fmt.Sprintf("c%d", i)
	pages [][]adapter.HolderBalance
	// rateLimited[cursor] is how many 429s precede a success; negative means forever
	rateLimited map[string]int
	fatal       map[string]error
	calls       int
}

func newFakeProvider(pages ...[]adapter.HolderBalance) *fakeProvider {
	return &fakeProvider{pages: pages, rateLimited: map[string]int{}, fatal: map[string]error{}}
}

func cursorFor(page int) string {
	if page == 0 {
		return ""
	}
	return fmt.Sprintf("c%d", page)
}

func (p *fakeProvider) Fetch(ctx context.Context, token, cursor string) (*adapter.HolderPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err, ok := p.fatal[cursor]; ok {
		return nil, err
	}
	if n, ok := p.rateLimited[cursor]; ok && n != 0 {
		if n > 0 {
			p.rateLimited[cursor] = n - 1
		}
		return nil, adapter.ErrProviderRateLimit
	}
	for i := range p.pages {
		if cursorFor(i) != cursor {
			continue
		}
		next := ""
		if i+1 < len(p.pages) {
			next = cursorFor(i + 1)
		}
		return &adapter.HolderPage{Holders: p.pages[i], NextCursor: next}, nil
	}
	return nil, fmt.Errorf("unknown cursor %q", cursor)
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func holdersPage(from, to int, balance string) []adapter.HolderBalance {
	var out []adapter.HolderBalance
	for i := from; i <= to; i++ {
		out = append(out, adapter.HolderBalance{Address: addr(i), Balance: balance})
	}
	return out
}

// recordingReporter keeps every log line and the last progress
type recordingReporter struct {
	mu       sync.Mutex
	logs     []models.JobLog
	progress models.JobProgress
}

func (r *recordingReporter) Log(level types.LogLevel, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, models.JobLog{Level: level, Message: message})
}

func (r *recordingReporter) Progress(p models.JobProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = p
}

func (r *recordingReporter) count(level types.LogLevel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.logs {
		if l.Level == level {
			n++
		}
	}
	return n
}

type fakeArchive struct {
	mu       sync.Mutex
	archived map[string]int
	err      error
}

func (a *fakeArchive) ArchiveSnapshot(ctx context.Context, snap *models.Snapshot, holders []models.Holder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.archived == nil {
		a.archived = map[string]int{}
	}
	a.archived[snap.CycleKey] = len(holders)
	return nil
}

func (a *fakeArchive) History(ctx context.Context, address string, limit int) ([]storage.HolderBalancePoint, error) {
	return nil, nil
}

// fakeChain is a programmable ChainClient
type fakeChain struct {
	mu            sync.Mutex
	gasPrice      *big.Int
	tokenBalance  *big.Int
	nativeBalance *big.Int
	balanceErr    error
	// failSubmit[n] fails the n-th submission (1-based)
	failSubmit  map[int]error
	submissions [][]string
	approvals   int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		gasPrice:      big.NewInt(10_000_000_000),
		tokenBalance:  models.MustAmount("1000000000000000000000000"),
		nativeBalance: models.MustAmount("1000000000000000000"),
		failSubmit:    map[int]error{},
	}
}

func (c *fakeChain) CurrentGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) WalletBalance(ctx context.Context, token string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balanceErr != nil {
		return nil, c.balanceErr
	}
	if token == adapter.NativeToken {
		return new(big.Int).Set(c.nativeBalance), nil
	}
	return new(big.Int).Set(c.tokenBalance), nil
}

func (c *fakeChain) EnsureAllowance(ctx context.Context, token string, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approvals++
	return nil
}

func (c *fakeChain) SubmitBatchTransfer(ctx context.Context, token string, recipients []string, amounts []*big.Int) (*adapter.TransferReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.submissions) + 1
	c.submissions = append(c.submissions, recipients)
	if err, ok := c.failSubmit[n]; ok {
		return nil, err
	}
	total := new(big.Int)
	for _, a := range amounts {
		total.Add(total, a)
	}
	c.tokenBalance.Sub(c.tokenBalance, total)
	return &adapter.TransferReceipt{
		TxHash:      fmt.Sprintf("0x%064x", n),
		GasUsed:     21000 * uint64(len(recipients)),
		GasPrice:    new(big.Int).Set(c.gasPrice),
		BlockNumber: uint64(100 + n),
	}, nil
}

func (c *fakeChain) TransactionStatus(ctx context.Context, txHash string) (adapter.TxStatus, error) {
	return adapter.TxConfirmed, nil
}

func (c *fakeChain) submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submissions)
}

type fakeBreaker struct{ open bool }

func (b *fakeBreaker) Ready() bool { return !b.open }

var errBoom = errors.New("boom")

// seedSnapshot stores a completed snapshot with the given balances keyed by address
func seedSnapshot(ctx context.Context, store *storage.MemoryStore, key string, balances map[string]string) error {
	cycleKey, phase, err := cycle.ParseSnapshotKey(key)
	if err != nil {
		return err
	}
	if _, err := store.EnsureSnapshot(ctx, &models.Snapshot{
		CycleKey: key, Cycle: cycleKey, Phase: phase, TokenAddress: testToken, Status: types.SnapshotPending,
	}); err != nil {
		return err
	}
	if err := store.StartSnapshot(ctx, key, time.Now().UTC()); err != nil {
		return err
	}
	var holders []models.Holder
	for a, b := range balances {
		holders = append(holders, models.Holder{SnapshotKey: key, Address: a, Balance: b})
	}
	if _, err := store.InsertHolders(ctx, key, holders); err != nil {
		return err
	}
	count, total, err := store.AggregateHolders(ctx, key)
	if err != nil {
		return err
	}
	return store.CompleteSnapshot(ctx, key, count, total, time.Now().UTC())
}
