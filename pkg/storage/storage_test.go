package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/swapd/pkg/order"
	"github.com/uhyunpark/swapd/pkg/queue"
)

func newOrder(id string) *order.Order {
	return order.New(id, order.Request{
		Type:        order.TypeMarket,
		Side:        order.SideBuy,
		InputToken:  "SOL",
		OutputToken: "USDC",
		Amount:      1.5,
	}, time.Now())
}

func openPebble(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]order.Store {
	return map[string]order.Store{
		"pebble": openPebble(t),
		"memory": NewMemoryStore(),
	}
}

func TestOrderStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Create(ctx, newOrder("o1")))
			assert.ErrorIs(t, s.Create(ctx, newOrder("o1")), order.ErrExists)

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, order.ErrNotFound)
			_, err = s.Update(ctx, "missing", order.Delta{Log: "x"})
			assert.ErrorIs(t, err, order.ErrNotFound)

			o, err := s.Update(ctx, "o1", order.Delta{Status: order.StatusRouting, Log: "Fetching quotes from venues..."})
			require.NoError(t, err)
			assert.Equal(t, order.StatusRouting, o.Status)

			_, err = s.Update(ctx, "o1", order.Delta{Status: order.StatusRouting, Log: "again"})
			assert.ErrorIs(t, err, order.ErrStaleTransition)

			_, err = s.Update(ctx, "o1", order.Delta{Status: order.StatusConfirmed, Log: "Swap confirmed!", TxHash: "0xabc", Price: 150.2})
			require.NoError(t, err)

			_, err = s.Update(ctx, "o1", order.Delta{Status: order.StatusFailed, Log: "late"})
			assert.ErrorIs(t, err, order.ErrTerminal)
			_, err = s.Update(ctx, "o1", order.Delta{Log: "late log"})
			assert.ErrorIs(t, err, order.ErrTerminal)

			got, err := s.Get(ctx, "o1")
			require.NoError(t, err)
			assert.Equal(t, order.StatusConfirmed, got.Status)
			assert.Equal(t, "0xabc", got.TxHash)
			assert.Equal(t, 150.2, got.Price)
			assert.Equal(t, []string{"Order received", "Fetching quotes from venues...", "Swap confirmed!"}, got.Logs)
		})
	}
}

func TestOrderStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			const orders, writers = 8, 10
			for i := 0; i < orders; i++ {
				require.NoError(t, s.Create(ctx, newOrder(fmt.Sprintf("o%d", i))))
			}

			var wg sync.WaitGroup
			for i := 0; i < orders; i++ {
				for w := 0; w < writers; w++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.Update(ctx, fmt.Sprintf("o%d", i), order.Delta{Log: fmt.Sprintf("w%d", w)})
						assert.NoError(t, err)
					}()
				}
			}
			wg.Wait()

			for i := 0; i < orders; i++ {
				o, err := s.Get(ctx, fmt.Sprintf("o%d", i))
				require.NoError(t, err)
				assert.Len(t, o.Logs, writers+1, "no lost updates on %s", o.ID)
			}
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newOrder("o1")))

	o, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	o.Logs[0] = "tampered"
	o.Status = order.StatusFailed

	again, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "Order received", again.Logs[0])
	assert.Equal(t, order.StatusPending, again.Status)
}

func TestPebbleStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	s, err := NewPebbleStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newOrder("o1")))
	_, err = s.Update(ctx, "o1", order.Delta{Status: order.StatusSubmitted, Log: "Transaction sent to network..."})
	require.NoError(t, err)
	require.NoError(t, s.SaveJob(queue.Job{ID: "j1", OrderID: "o1", InputAmount: 1.5, MaxAttempts: 3}))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(path)
	require.NoError(t, err)
	defer s.Close()

	o, err := s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, o.Status)

	jobs, err := s.LoadJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "o1", jobs[0].OrderID)
}

func TestPebbleStoreJobs(t *testing.T) {
	s := openPebble(t)
	ctx := context.Background()

	// Orders share the keyspace but must not show up as jobs.
	require.NoError(t, s.Create(ctx, newOrder("o1")))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveJob(queue.Job{ID: fmt.Sprintf("j%d", i), OrderID: "o1"}))
	}
	require.NoError(t, s.SaveJob(queue.Job{ID: "j1", OrderID: "o1", Attempts: 2, LastError: "timeout"}))
	require.NoError(t, s.DeleteJob("j0"))

	jobs, err := s.LoadJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, "j2", jobs[1].ID)
}

func TestPebbleStoreBacksQueue(t *testing.T) {
	s := openPebble(t)
	ctx := context.Background()
	cfg := queue.Config{Concurrency: 1, RateMax: 100, RateWindow: time.Minute, MaxAttempts: 3, BackoffBase: time.Millisecond}

	q, err := queue.New(cfg, s, nil, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "o1", 2)
	require.NoError(t, err)
	q.Close()

	q, err = queue.New(cfg, s, nil, nil)
	require.NoError(t, err)
	defer q.Close()

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o1", lease.Job.OrderID)
	require.NoError(t, q.Ack(lease))

	jobs, err := s.LoadJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestKeyUpperBound(t *testing.T) {
	assert.Equal(t, []byte("job;"), keyUpperBound([]byte("job:")))
	assert.Equal(t, []byte{0x02}, keyUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, keyUpperBound([]byte{0xff, 0xff}))
}

func TestFileJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "submissions.log")
	j, err := NewFileJournal(path)
	require.NoError(t, err)

	require.NoError(t, j.Append("ORDER_SUBMIT", map[string]any{"order_id": "o1", "amount": 1.5}))
	require.NoError(t, j.Append("ORDER_SUBMIT", map[string]any{"order_id": "o2", "amount": 3}))
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, "ORDER_SUBMIT", entries[0]["event"])
	assert.Equal(t, "o2", entries[1]["data"].(map[string]any)["order_id"])
	_, err = time.Parse(time.RFC3339, entries[0]["timestamp"].(string))
	assert.NoError(t, err)

	assert.NoError(t, NewNopJournal().Append("ORDER_SUBMIT", nil))
}
