package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/reward-airdrop/internal/circuitbreaker"
	"github.com/reward-airdrop/internal/config"
	"github.com/reward-airdrop/internal/logging"
)

// NativeToken selects the chain's native currency in WalletBalance
const NativeToken = "native"

// TxStatus is the observed state of a submitted transaction
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxUnknown   TxStatus = "unknown"
)

// TransferReceipt describes a mined batch transfer
type TransferReceipt struct {
	TxHash      string
	GasUsed     uint64
	GasPrice    *big.Int
	BlockNumber uint64
}

// ChainClient is the payout chain as seen by the airdrop executor and calculator
type ChainClient interface {
	CurrentGasPrice(ctx context.Context) (*big.Int, error)
	// WalletBalance returns the distributor wallet balance of token, or of the native currency for NativeToken
	WalletBalance(ctx context.Context, token string) (*big.Int, error)
	// EnsureAllowance approves the disperse contract for at least amount of token
	EnsureAllowance(ctx context.Context, token string, amount *big.Int) error
	// SubmitBatchTransfer sends one disperse transaction and waits for the configured confirmations
	SubmitBatchTransfer(ctx context.Context, token string, recipients []string, amounts []*big.Int) (*TransferReceipt, error)
	TransactionStatus(ctx context.Context, txHash string) (TxStatus, error)
}

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const disperseABIJSON = `[
	{"constant":false,"inputs":[{"name":"token","type":"address"},{"name":"recipients","type":"address[]"},{"name":"values","type":"uint256[]"}],"name":"disperseToken","outputs":[],"type":"function"}
]`

var (
	erc20ABI    = mustParseABI(erc20ABIJSON)
	disperseABI = mustParseABI(disperseABIJSON)
	maxUint256  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// EVMChainClient implements ChainClient with go-ethereum over an RPCPool.
// Every RPC call goes through the circuit breaker.
type EVMChainClient struct {
	pool          *RPCPool
	breaker       *circuitbreaker.CircuitBreaker
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	disperse      common.Address
	confirmations uint64
	pollInterval  time.Duration
	txTimeout     time.Duration

	// sendMu serializes nonce assignment
	sendMu sync.Mutex
}

// NewEVMChainClient creates a chain client signing with cfg.PrivateKey. Without a key the
// client is read-only and the write methods fail.
func NewEVMChainClient(cfg *config.ChainConfig, pool *RPCPool, breaker *circuitbreaker.CircuitBreaker) (*EVMChainClient, error) {
	c := &EVMChainClient{
		pool:          pool,
		breaker:       breaker,
		chainID:       big.NewInt(cfg.ChainID),
		disperse:      common.HexToAddress(cfg.DisperseContract),
		confirmations: cfg.Confirmations,
		pollInterval:  cfg.ReceiptPollInterval,
		txTimeout:     cfg.TxTimeout,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 3 * time.Second
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid distributor private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Address returns the distributor wallet address
func (c *EVMChainClient) Address() common.Address {
	return c.from
}

// call runs fn through the breaker and the pool. A not-found answer is a healthy
// response and does not count against the breaker.
func (c *EVMChainClient) call(ctx context.Context, fn func(*ethclient.Client) error) error {
	var notFound error
	err := c.breaker.Execute(ctx, func() error {
		err := c.pool.Do(ctx, fn)
		if errors.Is(err, ethereum.NotFound) {
			notFound = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return notFound
}

// CurrentGasPrice returns the node's suggested gas price in wei
func (c *EVMChainClient) CurrentGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.call(ctx, func(client *ethclient.Client) error {
		var err error
		price, err = client.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, NewAdapterError("chain", "CurrentGasPrice", err, nil)
	}
	return price, nil
}

// WalletBalance implements ChainClient
func (c *EVMChainClient) WalletBalance(ctx context.Context, token string) (*big.Int, error) {
	if token == NativeToken || token == "" {
		var balance *big.Int
		err := c.call(ctx, func(client *ethclient.Client) error {
			var err error
			balance, err = client.BalanceAt(ctx, c.from, nil)
			return err
		})
		if err != nil {
			return nil, NewAdapterError("chain", "WalletBalance", err, map[string]interface{}{"token": NativeToken})
		}
		return balance, nil
	}

	if !common.IsHexAddress(token) {
		return nil, NewAdapterError("chain", "WalletBalance", ErrInvalidAddress, map[string]interface{}{"token": token})
	}
	balance, err := c.callUint256(ctx, common.HexToAddress(token), "balanceOf", c.from)
	if err != nil {
		return nil, NewAdapterError("chain", "WalletBalance", err, map[string]interface{}{"token": token})
	}
	return balance, nil
}

func (c *EVMChainClient) callUint256(ctx context.Context, contract common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var out []byte
	err = c.call(ctx, func(client *ethclient.Client) error {
		var err error
		out, err = client.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &contract, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no value", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, values[0])
	}
	return v, nil
}

// EnsureAllowance approves the disperse contract for the maximum amount when the
// current allowance is below amount
func (c *EVMChainClient) EnsureAllowance(ctx context.Context, token string, amount *big.Int) error {
	if c.key == nil {
		return NewAdapterError("chain", "EnsureAllowance", errors.New("no signing key configured"), nil)
	}
	tokenAddr := common.HexToAddress(token)
	allowance, err := c.callUint256(ctx, tokenAddr, "allowance", c.from, c.disperse)
	if err != nil {
		return NewAdapterError("chain", "EnsureAllowance", err, map[string]interface{}{"token": token})
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	data, err := erc20ABI.Pack("approve", c.disperse, maxUint256)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	receipt, err := c.sendAndWait(ctx, tokenAddr, data)
	if err != nil {
		return NewAdapterError("chain", "EnsureAllowance", err, map[string]interface{}{"token": token})
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"token":  token,
		"txHash": receipt.TxHash,
	}).Info("Approved disperse contract allowance")
	return nil
}

// packDisperse encodes disperseToken(token, recipients, amounts)
func packDisperse(token string, recipients []string, amounts []*big.Int) ([]byte, error) {
	if len(recipients) != len(amounts) {
		return nil, fmt.Errorf("recipients (%d) and amounts (%d) differ in length", len(recipients), len(amounts))
	}
	addrs := make([]common.Address, len(recipients))
	for i, r := range recipients {
		if !common.IsHexAddress(r) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, r)
		}
		addrs[i] = common.HexToAddress(r)
	}
	return disperseABI.Pack("disperseToken", common.HexToAddress(token), addrs, amounts)
}

// SubmitBatchTransfer implements ChainClient
func (c *EVMChainClient) SubmitBatchTransfer(ctx context.Context, token string, recipients []string, amounts []*big.Int) (*TransferReceipt, error) {
	if c.key == nil {
		return nil, NewAdapterError("chain", "SubmitBatchTransfer", errors.New("no signing key configured"), nil)
	}
	data, err := packDisperse(token, recipients, amounts)
	if err != nil {
		return nil, NewAdapterError("chain", "SubmitBatchTransfer", err, nil)
	}
	receipt, err := c.sendAndWait(ctx, c.disperse, data)
	if err != nil {
		return receipt, NewAdapterError("chain", "SubmitBatchTransfer", err, map[string]interface{}{
			"recipients": len(recipients),
		})
	}
	return receipt, nil
}

// sendAndWait signs a legacy transaction, sends it and waits for it to be mined and confirmed.
// The returned receipt carries the hash even when waiting fails.
func (c *EVMChainClient) sendAndWait(ctx context.Context, to common.Address, data []byte) (*TransferReceipt, error) {
	signed, gasPrice, err := c.send(ctx, to, data)
	if err != nil {
		return nil, err
	}
	result := &TransferReceipt{TxHash: signed.Hash().Hex(), GasPrice: gasPrice}

	waitCtx := ctx
	if c.txTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.txTimeout)
		defer cancel()
	}
	receipt, err := c.waitMined(waitCtx, signed.Hash())
	if err != nil {
		return result, err
	}
	result.GasUsed = receipt.GasUsed
	result.BlockNumber = receipt.BlockNumber.Uint64()
	if receipt.EffectiveGasPrice != nil {
		result.GasPrice = receipt.EffectiveGasPrice
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return result, fmt.Errorf("%w: %s", ErrTransactionReverted, result.TxHash)
	}
	return result, nil
}

func (c *EVMChainClient) send(ctx context.Context, to common.Address, data []byte) (*ethtypes.Transaction, *big.Int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var signed *ethtypes.Transaction
	var gasPrice *big.Int
	err := c.call(ctx, func(client *ethclient.Client) error {
		nonce, err := client.PendingNonceAt(ctx, c.from)
		if err != nil {
			return fmt.Errorf("get nonce: %w", err)
		}
		gasPrice, err = client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("suggest gas price: %w", err)
		}
		gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
		if err != nil {
			return fmt.Errorf("estimate gas: %w", err)
		}
		tx := ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas + gas/5,
			To:       &to,
			Data:     data,
		})
		signed, err = ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.key)
		if err != nil {
			return fmt.Errorf("sign transaction: %w", err)
		}
		return client.SendTransaction(ctx, signed)
	})
	if err != nil {
		return nil, nil, err
	}
	return signed, gasPrice, nil
}

// waitMined polls for the receipt, then for the configured number of confirmations
func (c *EVMChainClient) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var receipt *ethtypes.Receipt
	for {
		var head uint64
		err := c.call(ctx, func(client *ethclient.Client) error {
			var err error
			if receipt == nil {
				receipt, err = client.TransactionReceipt(ctx, hash)
				if err != nil {
					return err
				}
			}
			head, err = client.BlockNumber(ctx)
			return err
		})
		switch {
		case err == nil:
			if c.confirmations <= 1 || head+1 >= receipt.BlockNumber.Uint64()+c.confirmations {
				return receipt, nil
			}
		case errors.Is(err, ethereum.NotFound):
			receipt = nil
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.FromContext(ctx).WithError(err).WithField("txHash", hash.Hex()).Warn("Receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// TransactionStatus implements ChainClient
func (c *EVMChainClient) TransactionStatus(ctx context.Context, txHash string) (TxStatus, error) {
	hash := common.HexToHash(txHash)
	var receipt *ethtypes.Receipt
	err := c.call(ctx, func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, hash)
		return err
	})
	if err == nil {
		if receipt.Status == ethtypes.ReceiptStatusSuccessful {
			return TxConfirmed, nil
		}
		return TxFailed, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return TxUnknown, NewAdapterError("chain", "TransactionStatus", err, map[string]interface{}{"txHash": txHash})
	}

	var pending bool
	err = c.call(ctx, func(client *ethclient.Client) error {
		var err error
		_, pending, err = client.TransactionByHash(ctx, hash)
		return err
	})
	switch {
	case err == nil && pending:
		return TxPending, nil
	case err == nil:
		return TxUnknown, nil
	case errors.Is(err, ethereum.NotFound):
		return TxUnknown, ErrTransactionNotFound
	}
	return TxUnknown, NewAdapterError("chain", "TransactionStatus", err, map[string]interface{}{"txHash": txHash})
}

var _ ChainClient = (*EVMChainClient)(nil)
