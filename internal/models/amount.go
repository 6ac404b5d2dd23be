package models

import (
	"fmt"
	"math/big"
	"strings"
)

// Token amounts are persisted as base-10 integer strings in the smallest unit.

// ParseAmount parses a non-negative base-10 integer amount
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

// MustAmount parses an amount and panics on malformed input. Intended for constants and tests.
func MustAmount(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// SumAmounts returns the exact sum of the given amount strings
func SumAmounts(amounts []string) (*big.Int, error) {
	total := new(big.Int)
	for _, a := range amounts {
		v, err := ParseAmount(a)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	return total, nil
}

// MinAmount returns the lesser of a and b
func MinAmount(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
