package venue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/swapd/pkg/util"
)

// ErrSimulatedTimeout is the retryable failure injected by simulated venues.
var ErrSimulatedTimeout = errors.New("simulated network timeout")

// SimConfig describes a simulated venue. Prices are drawn uniformly from
// BasePrice * (1 ± Variance).
type SimConfig struct {
	Name         string
	BasePrice    float64
	Variance     float64
	Fee          float64
	QuoteLatency time.Duration
	ExecLatency  time.Duration // minimum execution latency
	ExecJitter   time.Duration // extra latency drawn from [0, ExecJitter)
	MaxSlippage  float64       // final price = quote price * (1 - U[0, MaxSlippage))

	// GlitchAmount makes Execute fail retryably when the input amount equals it (0 disables).
	GlitchAmount float64
	// FailAll makes every Execute fail retryably.
	FailAll bool
}

// RaydiumConfig mimics a pool with wider price variance and a 0.3% fee.
func RaydiumConfig() SimConfig {
	return SimConfig{
		Name:         "RAYDIUM",
		BasePrice:    150,
		Variance:     0.02,
		Fee:          0.003,
		QuoteLatency: 200 * time.Millisecond,
		ExecLatency:  2 * time.Second,
		ExecJitter:   time.Second,
		MaxSlippage:  0.005,
	}
}

// MeteoraConfig mimics a tighter pool with a cheaper 0.2% fee.
func MeteoraConfig() SimConfig {
	return SimConfig{
		Name:         "METEORA",
		BasePrice:    150,
		Variance:     0.01,
		Fee:          0.002,
		QuoteLatency: 200 * time.Millisecond,
		ExecLatency:  2 * time.Second,
		ExecJitter:   time.Second,
		MaxSlippage:  0.005,
	}
}

// Simulated is a venue with randomized prices, latency and slippage.
type Simulated struct {
	cfg   SimConfig
	clock util.Clock

	mu    sync.Mutex
	rng   *rand.Rand
	nonce uint64
}

func NewSimulated(cfg SimConfig, seed uint64) *Simulated {
	return &Simulated{
		cfg:   cfg,
		clock: util.RealClock{},
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulated) Name() string { return s.cfg.Name }

func (s *Simulated) Quote(ctx context.Context, amount decimal.Decimal) (Quote, error) {
	if err := util.Sleep(ctx, s.clock, s.cfg.QuoteLatency); err != nil {
		return Quote{}, err
	}

	s.mu.Lock()
	variance := 1 - s.cfg.Variance + s.rng.Float64()*2*s.cfg.Variance
	s.mu.Unlock()

	price := decimal.NewFromFloat(s.cfg.BasePrice * variance)
	return NewQuote(s.cfg.Name, amount, price, decimal.NewFromFloat(s.cfg.Fee)), nil
}

func (s *Simulated) Execute(ctx context.Context, q Quote, amount decimal.Decimal) (Settlement, error) {
	s.mu.Lock()
	latency := s.cfg.ExecLatency
	if s.cfg.ExecJitter > 0 {
		latency += time.Duration(s.rng.Int64N(int64(s.cfg.ExecJitter)))
	}
	slippage := s.rng.Float64() * s.cfg.MaxSlippage
	s.nonce++
	nonce := s.nonce
	s.mu.Unlock()

	glitch := s.cfg.GlitchAmount > 0 && amount.Equal(decimal.NewFromFloat(s.cfg.GlitchAmount))
	if s.cfg.FailAll || glitch {
		// Fail after a short delay, like a real timeout would.
		if err := util.Sleep(ctx, s.clock, latency/2); err != nil {
			return Settlement{}, err
		}
		return Settlement{}, fmt.Errorf("%s: %w", s.cfg.Name, ErrSimulatedTimeout)
	}

	if err := util.Sleep(ctx, s.clock, latency); err != nil {
		return Settlement{}, err
	}

	return Settlement{
		Reference:  settlementHash(s.cfg.Name, amount, nonce, s.clock.Now()),
		FinalPrice: q.Price.Mul(decimal.NewFromFloat(1 - slippage)),
	}, nil
}

// settlementHash derives a keccak256 transaction hash for a simulated swap.
func settlementHash(venue string, amount decimal.Decimal, nonce uint64, at time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], nonce)
	binary.BigEndian.PutUint64(buf[8:], uint64(at.UnixNano()))

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(venue))
	h.Write([]byte(amount.String()))
	h.Write(buf[:])
	return common.BytesToHash(h.Sum(nil)).Hex()
}

var _ Venue = (*Simulated)(nil)
