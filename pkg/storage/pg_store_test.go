package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/swapd/pkg/order"
)

// Runs against a real database only when SWAPD_TEST_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SWAPD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SWAPD_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, s.Create(ctx, newOrder(id)))
	assert.ErrorIs(t, s.Create(ctx, newOrder(id)), order.ErrExists)

	_, err = s.Update(ctx, id, order.Delta{Status: order.StatusRouting, Log: "Fetching quotes from venues..."})
	require.NoError(t, err)
	_, err = s.Update(ctx, id, order.Delta{Status: order.StatusPending})
	assert.ErrorIs(t, err, order.ErrStaleTransition)

	o, err := s.Update(ctx, id, order.Delta{Status: order.StatusFailed, Log: "Attempt 3/3 failed: timeout. Order failed."})
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, o.Status)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, o.Logs, got.Logs)

	_, err = s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderRecordRoundTrip(t *testing.T) {
	o := newOrder("o1")
	o.TxHash = "0xabc"
	o.Price = 149.9
	o.Status = order.StatusConfirmed

	back := toRecord(o).toOrder()
	assert.Equal(t, o, back)
}
