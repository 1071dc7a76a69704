package worker

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/swapd/pkg/order"
	"github.com/uhyunpark/swapd/pkg/venue"
)

// Outcome classifies how one attempt ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomePermanent
	// outcomeSettled means the order was already terminal (or gone) and
	// there is nothing left to write.
	outcomeSettled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	case outcomeSettled:
		return "settled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the value an attempt returns instead of throwing: success
// carries the settlement, failures carry a human-readable reason.
type Result struct {
	Outcome    Outcome
	Reason     string
	Quote      venue.Quote
	Settlement venue.Settlement
}

func Success(q venue.Quote, s venue.Settlement) Result {
	return Result{Outcome: OutcomeSuccess, Quote: q, Settlement: s}
}

func Retryable(reason string) Result {
	return Result{Outcome: OutcomeRetryable, Reason: reason}
}

func Permanent(reason string) Result {
	return Result{Outcome: OutcomePermanent, Reason: reason}
}

func settled(reason string) Result {
	return Result{Outcome: outcomeSettled, Reason: reason}
}

// classify maps a venue or store error to a Result.
func classify(step string, err error) Result {
	reason := fmt.Sprintf("%s: %v", step, err)
	switch {
	case venue.IsPermanent(err):
		return Permanent(reason)
	case errors.Is(err, order.ErrTerminal):
		return settled(reason)
	case errors.Is(err, order.ErrNotFound):
		return Permanent(reason)
	}
	return Retryable(reason)
}
