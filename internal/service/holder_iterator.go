package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/reward-airdrop/internal/adapter"
	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/metrics"
	"github.com/reward-airdrop/internal/retry"
)

// ErrIteratorDone is returned by HolderIterator.Next once the last page was consumed
var ErrIteratorDone = errors.New("no more holder pages")

// IteratorConfig holds the provider pacing and rate-limit policy
type IteratorConfig struct {
	ProviderName string
	// RequestDelay is the minimum spacing between page requests
	RequestDelay time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// MaxAttempts bounds consecutive rate-limited attempts for one page
	MaxAttempts int
	// Sleep overrides the backoff wait; nil uses a context-aware timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// HolderIterator pages through a token's holders from a resumable checkpoint. It owns
// the inter-request delay and the rate-limit backoff; callers only see pages.
type HolderIterator struct {
	provider adapter.BalanceProvider
	token    string
	cfg      IteratorConfig
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	onRetry  func(page int, delay time.Duration)

	next  string // cursor of the next page to fetch
	done  bool
	pages int
}

// NewHolderIterator starts at cursor; an empty cursor starts from the first page
func NewHolderIterator(provider adapter.BalanceProvider, token, cursor string, cfg IteratorConfig, m *metrics.Metrics) *HolderIterator {
	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "balance-provider"
	}
	return &HolderIterator{
		provider: provider,
		token:    token,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		metrics:  m,
		next:     cursor,
	}
}

// OnRetry registers a callback invoked before each backoff wait with the page number
func (it *HolderIterator) OnRetry(fn func(page int, delay time.Duration)) {
	it.onRetry = fn
}

// Checkpoint returns the cursor from which iteration resumes: every page fetched so far
// precedes it. It is empty both before the first page and after the last one.
func (it *HolderIterator) Checkpoint() string {
	if it.done {
		return ""
	}
	return it.next
}

// Pages returns the number of pages fetched by this iterator
func (it *HolderIterator) Pages() int {
	return it.pages
}

// Next fetches the next page. Rate-limited requests are retried with capped exponential
// backoff; when the attempts are exhausted Next returns a recoverable PROVIDER_RATE_LIMIT
// error and the checkpoint still points at the unfetched page.
func (it *HolderIterator) Next(ctx context.Context) ([]adapter.HolderBalance, error) {
	if it.done {
		return nil, ErrIteratorDone
	}

	var page *adapter.HolderPage
	policy := retry.DefaultRetryConfig()
	policy.MaxAttempts = it.cfg.MaxAttempts
	policy.InitialDelay = it.cfg.BackoffBase
	policy.MaxDelay = it.cfg.BackoffMax
	policy.Retryable = func(err error) bool {
		return errors.Is(err, adapter.ErrProviderRateLimit)
	}
	policy.Sleep = it.sleep

	result := retry.WithExponentialBackoff(ctx, policy, func(ctx context.Context, attempt int) error {
		if err := it.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		page, err = it.provider.Fetch(ctx, it.token, it.next)
		if errors.Is(err, adapter.ErrProviderRateLimit) {
			it.metrics.RateLimited()
		}
		return err
	})

	if !result.Success {
		err := result.LastError
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case result.Exhausted:
			return nil, apperrors.NewProviderRateLimitError(it.cfg.ProviderName, result.Attempts, err)
		default:
			return nil, apperrors.NewProviderError(it.cfg.ProviderName, err)
		}
	}

	it.pages++
	it.metrics.PageFetched()
	if page.NextCursor == "" {
		it.done = true
	}
	it.next = page.NextCursor
	return page.Holders, nil
}

func (it *HolderIterator) sleep(ctx context.Context, d time.Duration) error {
	if it.onRetry != nil {
		it.onRetry(it.pages+1, d)
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"token":  it.token,
		"cursor": it.next,
		"delay":  d.String(),
	}).Debug("Provider rate limited, backing off")

	if it.cfg.Sleep != nil {
		return it.cfg.Sleep(ctx, d)
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
