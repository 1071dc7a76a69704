package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/swapd/pkg/util"
)

func testConfig() Config {
	return Config{
		Concurrency: 4,
		MaxAttempts: 3,
		BackoffBase: 20 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

func newTestQueue(t *testing.T, cfg Config, store Store) *Queue {
	t.Helper()
	q, err := New(cfg, store, util.RealClock{}, nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func dequeue(t *testing.T, q *Queue, timeout time.Duration) *Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	l, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return l
}

func TestEnqueueDequeueAck(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, testConfig(), store)

	id, err := q.Enqueue(context.Background(), "order-1", 0.5)
	require.NoError(t, err)

	l := dequeue(t, q, time.Second)
	assert.Equal(t, id, l.Job.ID)
	assert.Equal(t, Payload{OrderID: "order-1", InputAmount: 0.5}, l.Job.Payload())
	assert.Equal(t, 1, l.Attempt)
	assert.False(t, l.Final)

	require.NoError(t, q.Ack(l))
	jobs, _ := store.LoadJobs()
	assert.Empty(t, jobs)

	assert.ErrorIs(t, q.Ack(l), ErrUnknownLease)
}

func TestSameOrderIsNeverLeasedTwice(t *testing.T) {
	q := newTestQueue(t, testConfig(), NewMemoryStore())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "order-1", 1)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "order-1", 2)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "order-2", 3)
	require.NoError(t, err)

	first := dequeue(t, q, time.Second)
	assert.Equal(t, "order-1", first.Job.OrderID)
	assert.Equal(t, 1.0, first.Job.InputAmount)

	// order-1 is busy, so order-2 jumps ahead.
	second := dequeue(t, q, time.Second)
	assert.Equal(t, "order-2", second.Job.OrderID)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Ack(first))
	third := dequeue(t, q, time.Second)
	assert.Equal(t, "order-1", third.Job.OrderID)
	assert.Equal(t, 2.0, third.Job.InputAmount)
}

func TestRetryBackoffAndFinalAttempt(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, testConfig(), store)

	_, err := q.Enqueue(context.Background(), "order-1", 1)
	require.NoError(t, err)

	l1 := dequeue(t, q, time.Second)
	require.Equal(t, 1, l1.Attempt)

	delay, err := q.Retry(l1, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, delay)

	start := time.Now()
	l2 := dequeue(t, q, time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, 2, l2.Attempt)
	assert.Equal(t, "timeout", l2.Job.LastError)
	assert.False(t, l2.Final)

	delay, err = q.Retry(l2, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, delay)

	l3 := dequeue(t, q, time.Second)
	assert.Equal(t, 3, l3.Attempt)
	assert.True(t, l3.Final)

	_, err = q.Retry(l3, "timeout")
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	require.NoError(t, q.Ack(l3))
}

func TestRateLimitDelaysStarts(t *testing.T) {
	cfg := testConfig()
	cfg.RateMax = 2
	cfg.RateWindow = 100 * time.Millisecond
	q := newTestQueue(t, cfg, NewMemoryStore())

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(context.Background(), id, 1)
		require.NoError(t, err)
	}

	start := time.Now()
	dequeue(t, q, time.Second)
	dequeue(t, q, time.Second)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	dequeue(t, q, time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestUnackedJobsSurviveRestart(t *testing.T) {
	store := NewMemoryStore()
	q1, err := New(testConfig(), store, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = q1.Enqueue(ctx, "order-1", 1)
	require.NoError(t, err)
	_, err = q1.Enqueue(ctx, "order-2", 2)
	require.NoError(t, err)

	l := dequeue(t, q1, time.Second)
	_, err = q1.Retry(l, "boom")
	require.NoError(t, err)
	dequeue(t, q1, time.Second) // leased, never acked
	q1.Close()

	q2 := newTestQueue(t, testConfig(), store)
	got := map[string]int{}
	for i := 0; i < 2; i++ {
		l := dequeue(t, q2, time.Second)
		got[l.Job.OrderID] = l.Attempt
	}
	assert.Equal(t, map[string]int{"order-1": 2, "order-2": 1}, got)
}

func TestCloseUnblocksDequeue(t *testing.T) {
	q := newTestQueue(t, testConfig(), NewMemoryStore())

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Dequeue(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	}

	_, err := q.Enqueue(context.Background(), "late", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentWorkersDrainEverything(t *testing.T) {
	q := newTestQueue(t, testConfig(), NewMemoryStore())
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, string(rune('A'+i%10)), float64(i))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		running = map[string]bool{}
		done    int
		overlap bool
	)

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				l, err := q.Dequeue(runCtx)
				if err != nil {
					return
				}
				mu.Lock()
				if running[l.Job.OrderID] {
					overlap = true
				}
				running[l.Job.OrderID] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running[l.Job.OrderID] = false
				done++
				finished := done == n
				mu.Unlock()
				assert.NoError(t, q.Ack(l))
				if finished {
					cancel()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, done)
	assert.False(t, overlap, "two leases for one order ran concurrently")
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(3))
	assert.Equal(t, 5*time.Second, cfg.Backoff(4))
	assert.Equal(t, 5*time.Second, cfg.Backoff(100))

	uncapped := Config{BackoffBase: 10 * time.Millisecond}
	assert.Equal(t, 80*time.Millisecond, uncapped.Backoff(4))
}

func TestSlidingWindow(t *testing.T) {
	l := NewSlidingWindow(2, time.Minute)
	now := time.Unix(1000, 0)

	assert.Zero(t, l.Reserve(now))
	assert.Zero(t, l.Reserve(now.Add(10*time.Second)))
	assert.Equal(t, 40*time.Second, l.Reserve(now.Add(20*time.Second)))
	assert.Equal(t, 2, l.InWindow(now.Add(20*time.Second)))

	// The first admission leaves the window.
	assert.Zero(t, l.Reserve(now.Add(61*time.Second)))
	assert.Equal(t, 2, l.InWindow(now.Add(61*time.Second)))

	unlimited := NewSlidingWindow(0, time.Minute)
	for i := 0; i < 1000; i++ {
		require.Zero(t, unlimited.Reserve(now))
	}
}
