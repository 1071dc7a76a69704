package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Quote is a venue's offer for a given input amount.
type Quote struct {
	Venue     string
	Price     decimal.Decimal // output units per input unit
	Fee       decimal.Decimal // fraction, e.g. 0.003
	NetOutput decimal.Decimal // amount * price * (1 - fee)
}

// NewQuote computes the net output for amount at price less fee.
func NewQuote(venue string, amount, price, fee decimal.Decimal) Quote {
	return Quote{
		Venue:     venue,
		Price:     price,
		Fee:       fee,
		NetOutput: amount.Mul(price).Mul(decimal.NewFromInt(1).Sub(fee)),
	}
}

// Settlement is the result of an executed swap.
type Settlement struct {
	Reference  string // transaction hash
	FinalPrice decimal.Decimal
}

// Venue is a liquidity source. Execute errors are retryable unless
// wrapped with Permanent.
type Venue interface {
	Name() string
	Quote(ctx context.Context, amount decimal.Decimal) (Quote, error)
	Execute(ctx context.Context, q Quote, amount decimal.Decimal) (Settlement, error)
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent tags err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
