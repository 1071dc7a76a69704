package fanout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/swapd/pkg/bus"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
	fail bool
}

func (r *recorder) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return ErrObserverClosed
	}
	r.msgs = append(r.msgs, string(data))
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func setup(t *testing.T) (*bus.Local, *Registry) {
	t.Helper()
	b := bus.NewLocal(nil, 64)
	r := NewRegistry(b, nil)
	t.Cleanup(func() {
		r.Close()
		b.Close()
	})
	return b, r
}

func publish(t *testing.T, b bus.Bus, orderID string, msgs ...string) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, b.Publish(context.Background(), bus.Topic(orderID), []byte(m)))
	}
}

func TestNoObserversNoSubscription(t *testing.T) {
	b, r := setup(t)
	publish(t, b, "o1", "ignored")
	assert.Equal(t, 0, r.Observers("o1"))
	assert.Empty(t, r.Topics())
	assert.Equal(t, 0, b.Subscribers(bus.Topic("o1")))
}

func TestTwoObserversReceiveInOrder(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()
	a, c := &recorder{}, &recorder{}
	require.NoError(t, r.Attach(ctx, "o1", a))
	require.NoError(t, r.Attach(ctx, "o1", c))
	assert.Equal(t, 1, b.Subscribers(bus.Topic("o1")), "one bus subscription per order")

	publish(t, b, "o1", "routing", "submitted", "confirmed")

	want := []string{"routing", "submitted", "confirmed"}
	require.Eventually(t, func() bool { return len(a.got()) == 3 && len(c.got()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, a.got())
	assert.Equal(t, want, c.got())
}

func TestUpdatesStayOnTheirOrder(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()
	a, c := &recorder{}, &recorder{}
	require.NoError(t, r.Attach(ctx, "o1", a))
	require.NoError(t, r.Attach(ctx, "o2", c))

	publish(t, b, "o1", "for-o1")
	publish(t, b, "o2", "for-o2")

	require.Eventually(t, func() bool { return len(a.got()) == 1 && len(c.got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"for-o1"}, a.got())
	assert.Equal(t, []string{"for-o2"}, c.got())
}

func TestNoDeliveryAfterDetach(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()
	a, c := &recorder{}, &recorder{}
	require.NoError(t, r.Attach(ctx, "o1", a))
	require.NoError(t, r.Attach(ctx, "o1", c))

	publish(t, b, "o1", "one")
	require.Eventually(t, func() bool { return len(a.got()) == 1 && len(c.got()) == 1 }, time.Second, 5*time.Millisecond)

	r.Detach("o1", a)
	assert.Equal(t, 1, r.Observers("o1"))
	publish(t, b, "o1", "two")
	require.Eventually(t, func() bool { return len(c.got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one"}, a.got())
}

func TestLastDetachUnsubscribes(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()
	a := &recorder{}
	require.NoError(t, r.Attach(ctx, "o1", a))
	assert.Equal(t, []string{"o1"}, r.Topics())

	r.Detach("o1", a)
	r.Detach("o1", a) // no-op
	assert.Equal(t, 0, r.Observers("o1"))
	assert.Empty(t, r.Topics())
	assert.Equal(t, 0, b.Subscribers(bus.Topic("o1")))

	// Re-attaching subscribes afresh.
	require.NoError(t, r.Attach(ctx, "o1", a))
	publish(t, b, "o1", "again")
	require.Eventually(t, func() bool { return len(a.got()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDeadObserverDroppedOthersKeepReceiving(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()
	dead, live := &recorder{fail: true}, &recorder{}
	require.NoError(t, r.Attach(ctx, "o1", dead))
	require.NoError(t, r.Attach(ctx, "o1", live))

	publish(t, b, "o1", "first")
	require.Eventually(t, func() bool { return r.Observers("o1") == 1 }, time.Second, 5*time.Millisecond)

	publish(t, b, "o1", "second")
	require.Eventually(t, func() bool { return len(live.got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, dead.got())
}

func TestAttachDuplicateIsIdempotent(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()
	a := &recorder{}
	require.NoError(t, r.Attach(ctx, "o1", a))
	require.NoError(t, r.Attach(ctx, "o1", a))
	assert.Equal(t, 1, r.Observers("o1"))

	publish(t, b, "o1", "once")
	require.Eventually(t, func() bool { return len(a.got()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, a.got(), 1)
}

func TestAttachFailsOnClosedBus(t *testing.T) {
	b := bus.NewLocal(nil, 1)
	r := NewRegistry(b, nil)
	defer r.Close()
	require.NoError(t, b.Close())

	err := r.Attach(context.Background(), "o1", &recorder{})
	assert.ErrorIs(t, err, bus.ErrClosed)
	assert.Empty(t, r.Topics())
}

func TestConcurrentAttachDetach(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()

	const orders, perOrder = 10, 20
	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		for j := 0; j < perOrder; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := fmt.Sprintf("o%d", i)
				o := &recorder{}
				assert.NoError(t, r.Attach(ctx, id, o))
				_ = b.Publish(ctx, bus.Topic(id), []byte("x"))
				r.Detach(id, o)
			}()
		}
	}
	wg.Wait()

	assert.Empty(t, r.Topics())
	for i := 0; i < orders; i++ {
		assert.Equal(t, 0, b.Subscribers(bus.Topic(fmt.Sprintf("o%d", i))))
	}
}

func TestCloseDetachesEveryone(t *testing.T) {
	b := bus.NewLocal(nil, 1)
	defer b.Close()
	r := NewRegistry(b, nil)
	ctx := context.Background()
	require.NoError(t, r.Attach(ctx, "o1", &recorder{}))
	require.NoError(t, r.Attach(ctx, "o2", &recorder{}))

	r.Close()
	assert.Empty(t, r.Topics())
	assert.Equal(t, 0, b.Subscribers(bus.Topic("o1")))
}
