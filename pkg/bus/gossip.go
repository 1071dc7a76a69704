package bus

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Gossip carries updates over libp2p GossipSub so that workers and
// gateways can run in different processes. Messages published locally
// are also delivered to local subscribers.
type Gossip struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

type GossipConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewGossip(ctx context.Context, cfg GossipConfig) (*Gossip, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("parse listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	log.Infow("gossip_bus_ready", "peer", h.ID().String(), "addrs", h.Addrs())
	return &Gossip{h: h, ps: ps, log: log, topics: make(map[string]*pubsub.Topic)}, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// topic joins name once and reuses the handle; GossipSub rejects a second Join.
func (g *Gossip) topic(name string) (*pubsub.Topic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	if t, ok := g.topics[name]; ok {
		return t, nil
	}
	t, err := g.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	g.topics[name] = t
	return t, nil
}

func (g *Gossip) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := g.topic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

func (g *Gossip) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := g.topic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return &gossipSub{sub: sub, done: make(chan struct{})}, nil
}

func (g *Gossip) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.topics = nil
	g.mu.Unlock()
	return g.h.Close()
}

type gossipSub struct {
	sub  *pubsub.Subscription
	once sync.Once
	done chan struct{}
}

func (s *gossipSub) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.Next(ctx)
	if err != nil {
		select {
		case <-s.done:
			return nil, ErrSubCancelled
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("gossip next: %w", err)
	}
	return msg.Data, nil
}

func (s *gossipSub) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Cancel()
	})
}

var _ Bus = (*Gossip)(nil)
