package order

import (
	"fmt"
	"math"
	"strings"
)

// Request is the intake payload for a new swap.
type Request struct {
	Type        Type    `json:"type"`
	Side        Side    `json:"side"`
	InputToken  string  `json:"inputToken"`
	OutputToken string  `json:"outputToken"`
	Amount      float64 `json:"amount"`
}

// ValidationError rejects a request before any job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the request and normalizes token symbols.
func (r *Request) Validate() error {
	if r.Type == "" {
		r.Type = TypeMarket
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %q", r.Type)}
	}
	if !r.Side.Valid() {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", r.Side)}
	}
	r.InputToken = strings.TrimSpace(r.InputToken)
	r.OutputToken = strings.TrimSpace(r.OutputToken)
	if r.InputToken == "" {
		return &ValidationError{Field: "inputToken", Reason: "required"}
	}
	if r.OutputToken == "" {
		return &ValidationError{Field: "outputToken", Reason: "required"}
	}
	if math.IsNaN(r.Amount) || math.IsInf(r.Amount, 0) {
		return &ValidationError{Field: "amount", Reason: "must be a finite number"}
	}
	if r.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return nil
}
