package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uhyunpark/swapd/pkg/order"
)

// MemoryStore is an in-process order store for tests and throwaway runs.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*order.Order
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*order.Order), now: time.Now}
}

func (s *MemoryStore) Create(ctx context.Context, o *order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", order.ErrExists, o.ID)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, d order.Delta) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	next := o.Clone()
	if err := order.Apply(next, d, s.now()); err != nil {
		return nil, err
	}
	s.orders[id] = next
	return next.Clone(), nil
}

var _ order.Store = (*MemoryStore)(nil)
