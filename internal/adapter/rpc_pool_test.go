package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCPool_RequiresEndpoint(t *testing.T) {
	_, err := NewRPCPool(&RPCPoolConfig{Endpoints: []string{" ", ""}})
	assert.Error(t, err)
}

func TestRPCPool_CooldownAndReset(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:    []string{"http://127.0.0.1:1", "http://127.0.0.1:2"},
		CooldownTime: time.Minute,
	})
	require.NoError(t, err)
	defer pool.Close()

	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return now }

	require.NoError(t, pool.OnRateLimited())
	assert.Equal(t, 1, pool.GetCurrentIndex())

	// endpoint 0 is cooling down, so a second limit has nowhere to go
	assert.Error(t, pool.OnRateLimited())
	assert.False(t, pool.TryResetToPrimary())
	assert.True(t, pool.Status().EndpointStatus[1].InCooldown)

	now = now.Add(2 * time.Minute)
	assert.True(t, pool.TryResetToPrimary())
	assert.Equal(t, 0, pool.GetCurrentIndex())

	status := pool.Status()
	assert.Equal(t, 2, status.TotalEndpoints)
	assert.True(t, status.EndpointStatus[0].IsCurrent)
	assert.False(t, status.EndpointStatus[1].InCooldown)
}

func TestRPCPool_DoStopsOnOtherErrors(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{Endpoints: []string{"http://127.0.0.1:1", "http://127.0.0.1:2"}})
	require.NoError(t, err)
	defer pool.Close()

	calls := 0
	boom := errors.New("execution reverted")
	err = pool.Do(context.Background(), func(*ethclient.Client) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, pool.GetCurrentIndex())
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError(errors.New("429 Too Many Requests")))
	assert.True(t, IsRateLimitError(errors.New("request throttled")))
	assert.False(t, IsRateLimitError(errors.New("nonce too low")))
	assert.False(t, IsRateLimitError(nil))
}

func TestRPCPool_DoReturnsToPrimaryAfterCooldown(t *testing.T) {
	pool, err := NewRPCPool(&RPCPoolConfig{
		Endpoints:    []string{"http://127.0.0.1:1", "http://127.0.0.1:2"},
		CooldownTime: time.Minute,
	})
	require.NoError(t, err)
	defer pool.Close()
	assert.Equal(t, 2, pool.EndpointCount())

	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return now }
	require.NoError(t, pool.OnRateLimited())

	tests := []struct {
		name    string
		advance time.Duration
		want    int
	}{
		{"primary still cooling down", 30 * time.Second, 1},
		{"primary cooldown over", time.Minute, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = now.Add(tt.advance)
			require.NoError(t, pool.Do(context.Background(), func(*ethclient.Client) error { return nil }))
			assert.Equal(t, tt.want, pool.GetCurrentIndex())
		})
	}
}
