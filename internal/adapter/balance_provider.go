package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/reward-airdrop/internal/config"
	"github.com/reward-airdrop/internal/logging"
)

// HolderBalance is one holder entry of a provider page
type HolderBalance struct {
	Address string
	Balance string // base-10 integer in the token's smallest unit
}

// HolderPage is one page of token holders. An empty NextCursor marks the last page.
type HolderPage struct {
	Holders    []HolderBalance
	NextCursor string
}

// BalanceProvider pages through the holders of a token
type BalanceProvider interface {
	// Fetch returns the page starting at cursor; an empty cursor requests the first page.
	// A rate-limited request returns an error wrapping ErrProviderRateLimit.
	Fetch(ctx context.Context, token, cursor string) (*HolderPage, error)
}

// MoralisClient fetches token owners from a Moralis-style REST API
type MoralisClient struct {
	baseURL  string
	apiKey   string
	chain    string
	pageSize int
	client   *http.Client
}

// moralisOwnersResponse is the body of GET /erc20/{token}/owners
type moralisOwnersResponse struct {
	Cursor   string `json:"cursor"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Result   []struct {
		OwnerAddress string `json:"owner_address"`
		Balance      string `json:"balance"`
	} `json:"result"`
}

// NewMoralisClient creates a provider client for the given chain
func NewMoralisClient(cfg *config.ProviderConfig, chain string) *MoralisClient {
	return &MoralisClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		chain:    chain,
		pageSize: cfg.PageSize,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch implements BalanceProvider
func (c *MoralisClient) Fetch(ctx context.Context, token, cursor string) (*HolderPage, error) {
	if !common.IsHexAddress(token) {
		return nil, NewAdapterError("provider", "Fetch", ErrInvalidAddress, map[string]interface{}{"token": token})
	}

	params := url.Values{}
	params.Set("chain", c.chain)
	params.Set("limit", strconv.Itoa(c.pageSize))
	params.Set("order", "DESC")
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("%s/erc20/%s/owners?%s", c.baseURL, strings.ToLower(token), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewAdapterError("provider", "Fetch", err, nil)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, NewAdapterError("provider", "Fetch", err, nil)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewAdapterError("provider", "Fetch", ErrProviderRateLimit, map[string]interface{}{
			"retryAfter": resp.Header.Get("Retry-After"),
		})
	case resp.StatusCode != http.StatusOK:
		return nil, NewAdapterError("provider", "Fetch", ErrProviderUnavailable, map[string]interface{}{
			"status": resp.StatusCode,
			"body":   truncate(string(body), 200),
		})
	}

	var parsed moralisOwnersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, NewAdapterError("provider", "Fetch", fmt.Errorf("decode owners response: %w", err), nil)
	}

	page := &HolderPage{
		Holders:    make([]HolderBalance, 0, len(parsed.Result)),
		NextCursor: parsed.Cursor,
	}
	for _, r := range parsed.Result {
		if !common.IsHexAddress(r.OwnerAddress) {
			logging.FromContext(ctx).WithField("address", r.OwnerAddress).Warn("Skipping holder with malformed address")
			continue
		}
		balance, ok := new(big.Int).SetString(r.Balance, 10)
		if !ok || balance.Sign() < 0 {
			return nil, NewAdapterError("provider", "Fetch", ErrProviderUnavailable, map[string]interface{}{
				"address": r.OwnerAddress,
				"balance": r.Balance,
			})
		}
		page.Holders = append(page.Holders, HolderBalance{
			Address: strings.ToLower(r.OwnerAddress),
			Balance: balance.String(),
		})
	}
	return page, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
