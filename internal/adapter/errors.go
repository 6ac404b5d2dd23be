// Package adapter holds the clients for the external systems the orchestrator talks to:
// the holder balance provider and the EVM payout chain.
package adapter

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = errors.New("invalid address format")

	// ErrProviderRateLimit indicates the provider rate limit was exceeded. Retryable.
	ErrProviderRateLimit = errors.New("provider rate limit exceeded")

	// ErrProviderUnavailable indicates the data provider returned an unusable response
	ErrProviderUnavailable = errors.New("data provider unavailable")

	// ErrTransactionReverted indicates a mined transaction has status 0
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrTransactionNotFound indicates the chain does not know the hash
	ErrTransactionNotFound = errors.New("transaction not found")
)

// AdapterError wraps errors with the failing source and operation
type AdapterError struct {
	Source  string // "provider" or "chain"
	Op      string // e.g. "Fetch", "SubmitBatchTransfer"
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s adapter error [%s]: %v (details: %+v)", e.Source, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s adapter error [%s]: %v", e.Source, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(source, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Source:  source,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
