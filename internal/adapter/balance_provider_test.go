package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reward-airdrop/internal/config"
)

const testToken = "0x1111111111111111111111111111111111111111"

func newTestMoralisClient(url string) *MoralisClient {
	return NewMoralisClient(&config.ProviderConfig{
		BaseURL:  url,
		APIKey:   "test-key",
		PageSize: 2,
		Timeout:  5 * time.Second,
	}, "eth")
}

func TestMoralisClient_FetchPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/erc20/"+testToken+"/owners", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "eth", r.URL.Query().Get("chain"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			_, _ = w.Write([]byte(`{"cursor":"next-1","result":[
				{"owner_address":"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","balance":"1000000000000000000000000"},
				{"owner_address":"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb","balance":"5"}]}`))
			return
		}
		assert.Equal(t, "next-1", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"cursor":"","result":[{"owner_address":"0xcccccccccccccccccccccccccccccccccccccccc","balance":"7"}]}`))
	}))
	defer server.Close()

	client := newTestMoralisClient(server.URL)
	ctx := context.Background()

	page, err := client.Fetch(ctx, testToken, "")
	require.NoError(t, err)
	require.Len(t, page.Holders, 2)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", page.Holders[0].Address)
	assert.Equal(t, "1000000000000000000000000", page.Holders[0].Balance)
	assert.Equal(t, "next-1", page.NextCursor)

	page, err = client.Fetch(ctx, testToken, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Holders, 1)
	assert.Empty(t, page.NextCursor)
}

func TestMoralisClient_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestMoralisClient(server.URL).Fetch(context.Background(), testToken, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderRateLimit))
}

func TestMoralisClient_ServerErrorIsNotRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestMoralisClient(server.URL).Fetch(context.Background(), testToken, "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrProviderRateLimit))
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestMoralisClient_RejectsBadBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":[{"owner_address":"0xcccccccccccccccccccccccccccccccccccccccc","balance":"12.5"}]}`))
	}))
	defer server.Close()

	_, err := newTestMoralisClient(server.URL).Fetch(context.Background(), testToken, "")
	assert.Error(t, err)
}

func TestMoralisClient_InvalidToken(t *testing.T) {
	_, err := newTestMoralisClient("http://127.0.0.1:1").Fetch(context.Background(), "not-a-token", "")
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}
