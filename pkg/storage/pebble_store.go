package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/swapd/pkg/order"
	"github.com/uhyunpark/swapd/pkg/queue"
)

// PebbleStore keeps orders and queued jobs in one Pebble database.
// Every write is synced before it returns.
type PebbleStore struct {
	db    *pebble.DB
	locks stripedLocks
	now   func() time.Time
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Orders
// ============================================================================

// Create persists a new order. It fails with order.ErrExists if the id is taken.
func (s *PebbleStore) Create(ctx context.Context, o *order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.lock(o.ID)
	defer unlock()

	if _, err := s.load(o.ID); err == nil {
		return fmt.Errorf("%w: %s", order.ErrExists, o.ID)
	} else if !errors.Is(err, order.ErrNotFound) {
		return err
	}
	return s.save(o)
}

// Get loads an order, or order.ErrNotFound.
func (s *PebbleStore) Get(ctx context.Context, id string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(id)
}

// Update applies d to the stored order under the order's stripe lock.
func (s *PebbleStore) Update(ctx context.Context, id string, d order.Delta) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	o, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := order.Apply(o, d, s.now()); err != nil {
		return nil, err
	}
	if err := s.save(o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PebbleStore) load(id string) (*order.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *PebbleStore) save(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// ============================================================================
// Jobs
// ============================================================================

func (s *PebbleStore) SaveJob(j queue.Job) error {
	data, err := j.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.db.Set(jobKey(j.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *PebbleStore) DeleteJob(id string) error {
	if err := s.db.Delete(jobKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// LoadJobs returns every persisted job. Order is by key; the queue
// re-sorts by enqueue time.
func (s *PebbleStore) LoadJobs() ([]queue.Job, error) {
	prefix := []byte(prefixJob)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job iterator: %w", err)
	}
	defer iter.Close()

	var jobs []queue.Job
	for iter.First(); iter.Valid(); iter.Next() {
		j, err := queue.UnmarshalJob(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal job %s: %w", iter.Key(), err)
		}
		jobs = append(jobs, j)
	}
	return jobs, iter.Error()
}

var (
	_ order.Store = (*PebbleStore)(nil)
	_ queue.Store = (*PebbleStore)(nil)
)
