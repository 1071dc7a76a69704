package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultLocalBuffer = 64

// Local is an in-process bus. Publish never blocks: a subscriber whose
// buffer is full misses the message.
type Local struct {
	log    *zap.SugaredLogger
	buffer int

	mu     sync.RWMutex
	topics map[string]map[*localSub]struct{}
	closed bool
}

func NewLocal(log *zap.SugaredLogger, buffer int) *Local {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if buffer <= 0 {
		buffer = defaultLocalBuffer
	}
	return &Local{log: log, buffer: buffer, topics: make(map[string]map[*localSub]struct{})}
}

func (b *Local) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.topics[topic] {
		msg := append([]byte(nil), data...)
		select {
		case s.ch <- msg:
		default:
			b.log.Warnw("bus_message_dropped", "topic", topic, "buffer", b.buffer)
		}
	}
	return nil
}

func (b *Local) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &localSub{bus: b, topic: topic, ch: make(chan []byte, b.buffer), done: make(chan struct{})}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[*localSub]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s, nil
}

// Subscribers returns how many live subscriptions topic has.
func (b *Local) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close cancels every subscription.
func (b *Local) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*localSub
	for _, subs := range b.topics {
		for s := range subs {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Cancel()
	}
	return nil
}

func (b *Local) remove(s *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[s.topic]
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.topics, s.topic)
	}
}

type localSub struct {
	bus   *Local
	topic string
	ch    chan []byte

	once sync.Once
	done chan struct{}
}

func (s *localSub) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrSubCancelled
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return nil, ErrSubCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *localSub) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

var _ Bus = (*Local)(nil)
