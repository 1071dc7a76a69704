package venue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Fixed is a deterministic venue: it always quotes the same price and
// fee, and fails the first FailExecutions executions (negative = always).
type Fixed struct {
	VenueName      string
	Price          decimal.Decimal
	Fee            decimal.Decimal
	QuoteErr       error
	ExecErr        error // returned while failing; defaults to ErrSimulatedTimeout
	FailExecutions int

	quotes     atomic.Int64
	executions atomic.Int64
}

func (f *Fixed) Name() string { return f.VenueName }

func (f *Fixed) Quote(ctx context.Context, amount decimal.Decimal) (Quote, error) {
	f.quotes.Add(1)
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	if f.QuoteErr != nil {
		return Quote{}, f.QuoteErr
	}
	return NewQuote(f.VenueName, amount, f.Price, f.Fee), nil
}

func (f *Fixed) Execute(ctx context.Context, q Quote, amount decimal.Decimal) (Settlement, error) {
	n := f.executions.Add(1)
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}
	if f.FailExecutions < 0 || n <= int64(f.FailExecutions) {
		err := f.ExecErr
		if err == nil {
			err = fmt.Errorf("%s: %w", f.VenueName, ErrSimulatedTimeout)
		}
		return Settlement{}, err
	}
	return Settlement{
		Reference:  settlementHash(f.VenueName, amount, uint64(n), time.Unix(0, 0)),
		FinalPrice: q.Price,
	}, nil
}

func (f *Fixed) Quotes() int     { return int(f.quotes.Load()) }
func (f *Fixed) Executions() int { return int(f.executions.Load()) }

var _ Venue = (*Fixed)(nil)
