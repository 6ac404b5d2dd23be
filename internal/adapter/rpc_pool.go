package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/reward-airdrop/internal/logging"
)

// RPCPool manages multiple RPC endpoints with failover on rate limiting.
// It sticks to the current endpoint until it is rate limited, then moves on.
type RPCPool struct {
	endpoints    []string
	clients      []*ethclient.Client
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time // when each endpoint was rate limited
	cooldownTime time.Duration
	now          func() time.Time
	logger       *logging.Logger
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	Endpoints []string
	// CooldownTime is how long a rate-limited endpoint is skipped. Default: 60 seconds
	CooldownTime time.Duration
}

// NewRPCPool creates a pool and connects to the first endpoint; the others are dialed lazily
func NewRPCPool(cfg *RPCPoolConfig) (*RPCPool, error) {
	var endpoints []string
	if cfg != nil {
		for _, ep := range cfg.Endpoints {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 60 * time.Second
	}

	pool := &RPCPool{
		endpoints:    endpoints,
		clients:      make([]*ethclient.Client, len(endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		now:          time.Now,
		logger:       logging.GetGlobalLogger().WithComponent("rpc-pool"),
	}

	client, err := ethclient.Dial(endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	pool.logger.WithField("endpoints", len(endpoints)).Info("RPC pool initialized")
	return pool, nil
}

// GetClient returns the current active client
func (p *RPCPool) GetClient() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[p.currentIndex]
}

// GetCurrentIndex returns the current endpoint index
func (p *RPCPool) GetCurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentIndex
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// Do runs fn against the current client, returning to the primary first when its
// cooldown is over. A rate-limit error moves the pool to the next endpoint out of
// cooldown and retries, once per endpoint.
func (p *RPCPool) Do(ctx context.Context, fn func(*ethclient.Client) error) error {
	p.TryResetToPrimary()
	var err error
	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		err = fn(p.GetClient())
		if err == nil || !IsRateLimitError(err) || ctx.Err() != nil {
			return err
		}
		if failErr := p.OnRateLimited(); failErr != nil {
			return fmt.Errorf("%w: %v", ErrProviderRateLimit, err)
		}
	}
	return err
}

// OnRateLimited marks the current endpoint as cooling down and switches to the next
// available one. It fails when every endpoint is cooling down.
func (p *RPCPool) OnRateLimited() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.cooldowns[p.currentIndex] = now
	startIndex := p.currentIndex

	for i := 1; i < len(p.endpoints); i++ {
		next := (startIndex + i) % len(p.endpoints)
		if since, exists := p.cooldowns[next]; exists {
			if now.Sub(since) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, next)
		}
		if err := p.switchToEndpoint(next); err != nil {
			p.logger.WithError(err).WithField("endpoint", next).Warn("Failed to switch RPC endpoint")
			continue
		}
		p.logger.WithFields(map[string]interface{}{
			"from": startIndex,
			"to":   next,
		}).Warn("RPC endpoint rate limited, switched")
		return nil
	}
	return fmt.Errorf("all %d RPC endpoints are rate limited", len(p.endpoints))
}

// switchToEndpoint must be called with the lock held
func (p *RPCPool) switchToEndpoint(index int) error {
	if p.clients[index] == nil {
		client, err := ethclient.Dial(p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}
	p.currentIndex = index
	return nil
}

// TryResetToPrimary switches back to endpoint 0 once its cooldown has expired
func (p *RPCPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}
	if since, exists := p.cooldowns[0]; exists {
		if p.now().Sub(since) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}
	if err := p.switchToEndpoint(0); err != nil {
		p.logger.WithError(err).Warn("Failed to reset to primary RPC endpoint")
		return false
	}
	p.logger.Info("Returned to primary RPC endpoint")
	return true
}

// IsRateLimitError checks if an error indicates rate limiting
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// RPCPoolStatus represents the current status of the RPC pool
type RPCPoolStatus struct {
	TotalEndpoints int              `json:"totalEndpoints"`
	CurrentIndex   int              `json:"currentIndex"`
	EndpointStatus []EndpointStatus `json:"endpoints"`
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int           `json:"index"`
	Connected         bool          `json:"connected"`
	IsCurrent         bool          `json:"isCurrent"`
	InCooldown        bool          `json:"inCooldown"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
}

// Status returns the current status of the pool
func (p *RPCPool) Status() *RPCPoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := &RPCPoolStatus{
		TotalEndpoints: len(p.endpoints),
		CurrentIndex:   p.currentIndex,
		EndpointStatus: make([]EndpointStatus, len(p.endpoints)),
	}
	for i := range p.endpoints {
		es := EndpointStatus{
			Index:     i,
			Connected: p.clients[i] != nil,
			IsCurrent: i == p.currentIndex,
		}
		if since, exists := p.cooldowns[i]; exists {
			if remaining := p.cooldownTime - p.now().Sub(since); remaining > 0 {
				es.InCooldown = true
				es.CooldownRemaining = remaining
			}
		}
		status.EndpointStatus[i] = es
	}
	return status
}
