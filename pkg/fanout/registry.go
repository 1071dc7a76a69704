// Package fanout relays bus updates for an order to every observer that
// is currently attached to it.
package fanout

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/swapd/pkg/bus"
)

// ErrObserverClosed is returned by Observer.Send once the observer's
// connection is gone.
var ErrObserverClosed = errors.New("observer closed")

// Observer receives raw update payloads. Send must not block: it runs
// under the order's entry lock, so a blocking Send stalls delivery and
// every Attach or Detach for that order. Queue the payload or fail fast.
// Any error detaches the observer.
type Observer interface {
	Send(data []byte) error
}

const shardCount = 32

// Registry maps order ids to observer sets. Each order has its own entry
// lock so attaching to one order never waits on another. Lock order is
// entry.mu before shard.mu.
type Registry struct {
	bus    bus.Bus
	log    *zap.SugaredLogger
	shards [shardCount]shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	orderID string

	mu        sync.Mutex
	observers map[Observer]struct{}
	sub       bus.Subscription
	closed    bool // removed from its shard; callers must retry with a fresh entry
}

func NewRegistry(b bus.Bus, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{bus: b, log: log, ctx: ctx, cancel: cancel}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

func (r *Registry) shardFor(orderID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return &r.shards[h.Sum32()%shardCount]
}

// Attach adds o to the observers of orderID. The first observer of an
// order subscribes to its topic before Attach returns, so every update
// published afterwards reaches o.
func (r *Registry) Attach(ctx context.Context, orderID string, o Observer) error {
	sh := r.shardFor(orderID)
	for {
		sh.mu.Lock()
		e, ok := sh.entries[orderID]
		if !ok {
			e = &entry{orderID: orderID, observers: make(map[Observer]struct{})}
			sh.entries[orderID] = e
		}
		sh.mu.Unlock()

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		if _, dup := e.observers[o]; dup {
			e.mu.Unlock()
			return nil
		}
		if len(e.observers) == 0 {
			sub, err := r.bus.Subscribe(ctx, bus.Topic(orderID))
			if err != nil {
				r.retire(sh, e)
				e.mu.Unlock()
				return err
			}
			e.sub = sub
			r.wg.Add(1)
			go r.relay(e, sub)
			r.log.Debugw("topic_subscribed", "order_id", orderID)
		}
		e.observers[o] = struct{}{}
		e.mu.Unlock()
		return nil
	}
}

// Detach removes o from orderID. Removing the last observer unsubscribes
// from the order's topic. Detaching an unknown observer is a no-op.
func (r *Registry) Detach(orderID string, o Observer) {
	sh := r.shardFor(orderID)
	sh.mu.Lock()
	e, ok := sh.entries[orderID]
	sh.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.observers[o]; !ok {
		return
	}
	delete(e.observers, o)
	if len(e.observers) == 0 {
		r.retire(sh, e)
		r.log.Debugw("topic_unsubscribed", "order_id", orderID)
	}
}

// retire drops e from its shard and cancels its subscription. Must be
// called with e.mu held.
func (r *Registry) retire(sh *shard, e *entry) {
	e.closed = true
	sh.mu.Lock()
	if sh.entries[e.orderID] == e {
		delete(sh.entries, e.orderID)
	}
	sh.mu.Unlock()
	if e.sub != nil {
		e.sub.Cancel()
		e.sub = nil
	}
}

// relay forwards every message on sub to the entry's observers until the
// subscription is cancelled.
func (r *Registry) relay(e *entry, sub bus.Subscription) {
	defer r.wg.Done()
	for {
		data, err := sub.Next(r.ctx)
		if err != nil {
			if !errors.Is(err, bus.ErrSubCancelled) && r.ctx.Err() == nil {
				r.log.Warnw("relay_stopped", "order_id", e.orderID, "err", err)
			}
			return
		}

		e.mu.Lock()
		if e.closed || e.sub != sub {
			e.mu.Unlock()
			return
		}
		var dead []Observer
		for o := range e.observers {
			if err := o.Send(data); err != nil {
				r.log.Warnw("observer_dropped", "order_id", e.orderID, "err", err)
				dead = append(dead, o)
			}
		}
		e.mu.Unlock()

		for _, o := range dead {
			r.Detach(e.orderID, o)
		}
	}
}

// Observers returns how many observers orderID currently has.
func (r *Registry) Observers(orderID string) int {
	sh := r.shardFor(orderID)
	sh.mu.Lock()
	e, ok := sh.entries[orderID]
	sh.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	return len(e.observers)
}

// Topics lists the order ids that currently hold a subscription.
func (r *Registry) Topics() []string {
	var ids []string
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for id := range sh.entries {
			ids = append(ids, id)
		}
		sh.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Close detaches everyone and waits for relay loops to exit.
func (r *Registry) Close() {
	r.cancel()
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.Unlock()

		for _, e := range entries {
			e.mu.Lock()
			if !e.closed {
				r.retire(sh, e)
			}
			e.mu.Unlock()
		}
	}
	r.wg.Wait()
}
