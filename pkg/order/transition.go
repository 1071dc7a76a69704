package order

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrExists          = errors.New("order already exists")
	ErrTerminal        = errors.New("order is in a terminal state")
	ErrStaleTransition = errors.New("order status transition is not forward")
)

// Delta is one atomic mutation of an order: an optional status move, an
// optional log line and, for confirmations, the settlement details.
type Delta struct {
	Status Status
	Log    string
	TxHash string
	Price  float64
}

func (d Delta) String() string {
	if d.Status == "" {
		return fmt.Sprintf("log(%q)", d.Log)
	}
	return fmt.Sprintf("%s(%q)", d.Status, d.Log)
}

// Apply mutates o according to d. Store implementations call it inside
// their read-modify-write critical section so every backend enforces the
// same state machine. On error o is left untouched.
func Apply(o *Order, d Delta, now time.Time) error {
	if o.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, o.ID, o.Status)
	}
	if d.Status != "" {
		if !o.Status.CanTransition(d.Status) {
			return fmt.Errorf("%w: %s %s -> %s", ErrStaleTransition, o.ID, o.Status, d.Status)
		}
		o.Status = d.Status
	}
	if d.Log != "" {
		o.Logs = append(o.Logs, d.Log)
	}
	if d.TxHash != "" {
		o.TxHash = d.TxHash
	}
	if d.Price != 0 {
		o.Price = d.Price
	}
	o.UpdatedAt = now
	return nil
}
