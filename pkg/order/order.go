package order

import (
	"time"
)

// Side is the direction of a swap relative to the input token.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Type is the order type requested at intake. All types currently
// execute as market swaps; the type is recorded on the order.
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
	TypeSniper Type = "SNIPER"
)

func (t Type) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeSniper:
		return true
	}
	return false
}

// Status is the order lifecycle state.
//
//	pending -> routing -> submitted -> confirmed | failed
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// rank orders statuses along the state machine. Both terminal states share
// the top rank so neither can follow the other.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRouting:
		return 1
	case StatusSubmitted:
		return 2
	case StatusConfirmed, StatusFailed:
		return 3
	}
	return -1
}

func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Reached reports whether an order currently in s has already been
// observed at (or beyond) target.
func (s Status) Reached(target Status) bool {
	return s.rank() >= target.rank()
}

// CanTransition reports whether moving from s to next is a forward step.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// Order is the durable record of a swap request.
type Order struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Side        Side      `json:"side"`
	InputToken  string    `json:"inputToken"`
	OutputToken string    `json:"outputToken"`
	Amount      float64   `json:"amount"`
	Status      Status    `json:"status"`
	Logs        []string  `json:"logs"`
	TxHash      string    `json:"txHash,omitempty"`
	Price       float64   `json:"price,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// New builds a pending order from a validated request.
func New(id string, req Request, now time.Time) *Order {
	return &Order{
		ID:          id,
		Type:        req.Type,
		Side:        req.Side,
		InputToken:  req.InputToken,
		OutputToken: req.OutputToken,
		Amount:      req.Amount,
		Status:      StatusPending,
		Logs:        []string{"Order received"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so callers never share the log slice.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Logs = append([]string(nil), o.Logs...)
	return &cp
}
