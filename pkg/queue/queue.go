package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapd/pkg/util"
)

var (
	ErrClosed            = errors.New("job queue closed")
	ErrUnknownLease      = errors.New("lease is not active")
	ErrAttemptsExhausted = errors.New("job has no attempts left")
)

// Queue is a durable, at-least-once work queue. Jobs for the same order
// are never leased concurrently; jobs for different orders carry no
// ordering guarantee. Starts are admitted through a sliding-window limiter.
type Queue struct {
	cfg     Config
	store   Store
	clock   util.Clock
	log     *zap.SugaredLogger
	limiter *SlidingWindow

	mu      sync.Mutex
	ready   []*Job            // FIFO
	delayed delayHeap         // ordered by NextRunAt
	active  map[string]string // orderID -> leased jobID
	wake    chan struct{}     // closed and replaced on every state change
	closed  bool
}

// New opens a queue over store, re-admitting every job persisted by a
// previous run. Jobs that were leased when the process died run again.
func New(cfg Config, store Store, clock util.Clock, log *zap.SugaredLogger) (*Queue, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()

	q := &Queue{
		cfg:     cfg,
		store:   store,
		clock:   clock,
		log:     log,
		limiter: NewSlidingWindow(cfg.RateMax, cfg.RateWindow),
		active:  make(map[string]string),
		wake:    make(chan struct{}),
	}

	jobs, err := store.LoadJobs()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].EnqueuedAt.Before(jobs[b].EnqueuedAt) })

	now := clock.Now()
	for i := range jobs {
		j := jobs[i]
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = cfg.MaxAttempts
		}
		q.schedule(&j, now)
	}
	if len(jobs) > 0 {
		log.Infow("jobs_recovered", "count", len(jobs))
	}
	return q, nil
}

func (q *Queue) Config() Config { return q.cfg }

// Enqueue persists a new job for orderID and makes it available to workers.
func (q *Queue) Enqueue(ctx context.Context, orderID string, amount float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := q.clock.Now()
	j := &Job{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		InputAmount: amount,
		MaxAttempts: q.cfg.MaxAttempts,
		NextRunAt:   now,
		EnqueuedAt:  now,
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if err := q.store.SaveJob(*j); err != nil {
		return "", fmt.Errorf("persist job for %s: %w", orderID, err)
	}

	q.mu.Lock()
	if q.closed {
		// Persisted; the next run picks it up.
		q.mu.Unlock()
		return j.ID, ErrClosed
	}
	q.schedule(j, now)
	q.signal()
	q.mu.Unlock()

	q.log.Debugw("job_enqueued", "job_id", j.ID, "order_id", orderID)
	return j.ID, nil
}

// Dequeue blocks until a job is runnable, its order has no active lease,
// and the limiter admits another start.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		now := q.clock.Now()
		q.promote(now)

		wait := time.Duration(-1)
		if idx := q.nextRunnable(); idx >= 0 {
			wait = q.limiter.Reserve(now)
			if wait == 0 {
				lease := q.take(idx, now)
				q.mu.Unlock()
				return lease, nil
			}
		}
		if len(q.delayed) > 0 {
			due := q.delayed[0].NextRunAt.Sub(now)
			if wait < 0 || due < wait {
				wait = due
			}
		}
		wake := q.wake
		q.mu.Unlock()

		var timer <-chan time.Time
		if wait >= 0 {
			timer = q.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-timer:
		}
	}
}

// Ack removes a finished job. If the delete cannot be persisted the job is
// still released in memory; it will be redelivered after a restart.
func (q *Queue) Ack(l *Lease) error {
	if err := q.release(l); err != nil {
		return err
	}
	if err := q.store.DeleteJob(l.Job.ID); err != nil {
		return fmt.Errorf("delete job %s: %w", l.Job.ID, err)
	}
	return nil
}

// Retry schedules the next attempt after the backoff for l.Attempt and
// returns that delay. A final lease cannot be retried.
func (q *Queue) Retry(l *Lease, reason string) (time.Duration, error) {
	if l.Final {
		return 0, ErrAttemptsExhausted
	}
	if err := q.release(l); err != nil {
		return 0, err
	}

	now := q.clock.Now()
	delay := q.cfg.Backoff(l.Attempt)
	j := l.Job
	j.Attempts = l.Attempt
	j.LastError = reason
	j.NextRunAt = now.Add(delay)

	storeErr := q.store.SaveJob(j)

	q.mu.Lock()
	if !q.closed {
		q.schedule(&j, now)
		q.signal()
	}
	q.mu.Unlock()

	if storeErr != nil {
		return delay, fmt.Errorf("persist retry of job %s: %w", j.ID, storeErr)
	}
	return delay, nil
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Ready    int
	Delayed  int
	Active   int
	InWindow int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Ready:    len(q.ready),
		Delayed:  len(q.delayed),
		Active:   len(q.active),
		InWindow: q.limiter.InWindow(q.clock.Now()),
	}
}

// Close wakes every blocked Dequeue with ErrClosed. Persisted jobs stay in
// the store for the next run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

func (q *Queue) release(l *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[l.Job.OrderID] != l.Job.ID {
		return fmt.Errorf("%w: job %s", ErrUnknownLease, l.Job.ID)
	}
	delete(q.active, l.Job.OrderID)
	if !q.closed {
		q.signal()
	}
	return nil
}

// schedule places j in the ready list or the delay heap. Must be called with mu held.
func (q *Queue) schedule(j *Job, now time.Time) {
	if j.NextRunAt.After(now) {
		heap.Push(&q.delayed, j)
		return
	}
	q.ready = append(q.ready, j)
}

// promote moves due delayed jobs to the ready list. Must be called with mu held.
func (q *Queue) promote(now time.Time) {
	for len(q.delayed) > 0 && !q.delayed[0].NextRunAt.After(now) {
		q.ready = append(q.ready, heap.Pop(&q.delayed).(*Job))
	}
}

// nextRunnable returns the index of the oldest ready job whose order is
// not leased, or -1. Must be called with mu held.
func (q *Queue) nextRunnable() int {
	for i, j := range q.ready {
		if _, busy := q.active[j.OrderID]; !busy {
			return i
		}
	}
	return -1
}

// take leases ready[idx]. Must be called with mu held.
func (q *Queue) take(idx int, now time.Time) *Lease {
	j := q.ready[idx]
	q.ready = append(q.ready[:idx], q.ready[idx+1:]...)
	q.active[j.OrderID] = j.ID

	attempt := j.Attempts + 1
	return &Lease{
		Job:       *j,
		Attempt:   attempt,
		Final:     attempt >= j.MaxAttempts,
		StartedAt: now,
	}
}

// signal wakes every goroutine blocked in Dequeue. Must be called with mu held.
func (q *Queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type delayHeap []*Job

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].NextRunAt.Equal(h[j].NextRunAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].NextRunAt.Before(h[j].NextRunAt)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
