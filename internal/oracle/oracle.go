// Package oracle converts raw token amounts into the reference currency
// used for minimum-threshold checks.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// ErrBadQuote is returned when the price source yields an unusable quote
// (zero or negative price, or a transport failure). Threshold checks fail
// closed on it.
var ErrBadQuote = errors.New("oracle: bad quote")

// QuoteSource supplies the current token price in reference-currency
// units scaled by 10^decimals. Read-only; no side effects.
type QuoteSource interface {
	Quote(ctx context.Context) (price *big.Int, decimals uint8, err error)
}

// Static is a fixed-price QuoteSource for configuration and tests.
type Static struct {
	Price    *big.Int
	Decimals uint8
}

func (s Static) Quote(ctx context.Context) (*big.Int, uint8, error) {
	return s.Price, s.Decimals, nil
}

// Valuator converts amounts through a QuoteSource. Every conversion
// re-reads the quote; nothing is cached.
type Valuator struct {
	source QuoteSource
}

func NewValuator(source QuoteSource) *Valuator {
	return &Valuator{source: source}
}

// ToReference computes amount * price / 10^decimals. The intermediate
// product is a big.Int, so the multiplication cannot overflow before the
// division.
func (v *Valuator) ToReference(ctx context.Context, amount uint64) (*big.Int, error) {
	price, decimals, err := v.source.Quote(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuote, err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrBadQuote
	}

	out := new(big.Int).Mul(new(big.Int).SetUint64(amount), price)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return out.Quo(out, scale), nil
}
