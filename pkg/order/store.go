package order

import "context"

// Store is the durable record of orders. Update must be an atomic
// read-modify-write that applies Apply; it returns the order as persisted
// after the update. Repeated identical updates are safe: a repeated status
// move is rejected as stale and a repeated log-only delta appends again.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, id string, d Delta) (*Order, error)
}
