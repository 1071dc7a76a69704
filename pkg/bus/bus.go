// Package bus carries order updates from workers to whoever is listening.
// Delivery is fire-and-forget: a message published while nobody is
// subscribed to its topic is gone.
package bus

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("bus closed")
	ErrSubCancelled = errors.New("subscription cancelled")
)

// Bus is a topic-keyed publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription yields messages for one topic until cancelled.
type Subscription interface {
	// Next blocks for the next message. It returns ErrSubCancelled after
	// Cancel and ctx.Err() when ctx ends.
	Next(ctx context.Context) ([]byte, error)
	Cancel()
}

// Topic is the per-order update channel name.
func Topic(orderID string) string {
	return "updates:" + orderID
}
