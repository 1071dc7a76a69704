// Package worker runs the per-order swap workflow on a bounded pool of
// goroutines fed by the job queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/swapd/pkg/bus"
	"github.com/uhyunpark/swapd/pkg/order"
	"github.com/uhyunpark/swapd/pkg/queue"
	"github.com/uhyunpark/swapd/pkg/util"
	"github.com/uhyunpark/swapd/pkg/venue"
)

const (
	logFetchingQuotes = "Fetching quotes from venues..."
	logTxSent         = "Transaction sent to network..."
)

type Config struct {
	Concurrency    int
	StoreTimeout   time.Duration
	QuoteTimeout   time.Duration
	ExecuteTimeout time.Duration
	// ExplorerURL is a format string with one %s for the transaction hash.
	// Empty disables links.
	ExplorerURL string
	// Terminal writes get their own small retry budget so a confirmed
	// swap is never executed again just because the status write failed.
	TerminalWriteAttempts int
	TerminalWriteBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:           10,
		StoreTimeout:          5 * time.Second,
		QuoteTimeout:          5 * time.Second,
		ExecuteTimeout:        30 * time.Second,
		ExplorerURL:           "https://explorer.solana.com/tx/%s?cluster=devnet",
		TerminalWriteAttempts: 3,
		TerminalWriteBackoff:  100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = d.QuoteTimeout
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = d.ExecuteTimeout
	}
	if c.TerminalWriteAttempts <= 0 {
		c.TerminalWriteAttempts = d.TerminalWriteAttempts
	}
	if c.TerminalWriteBackoff <= 0 {
		c.TerminalWriteBackoff = d.TerminalWriteBackoff
	}
	return c
}

// Pool drains the queue with Concurrency workers. Each lease is one
// attempt of the order workflow:
//
//	load -> routing -> quote -> submitted -> execute -> confirmed
//
// with failures turned into a retry or a terminal failed write.
type Pool struct {
	cfg    Config
	queue  *queue.Queue
	store  order.Store
	router *venue.Router
	bus    bus.Bus
	clock  util.Clock
	log    *zap.SugaredLogger
}

func NewPool(cfg Config, q *queue.Queue, store order.Store, router *venue.Router, b bus.Bus, log *zap.SugaredLogger) *Pool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{
		cfg:    cfg.withDefaults(),
		queue:  q,
		store:  store,
		router: router,
		bus:    b,
		clock:  util.RealClock{},
		log:    log,
	}
}

// Run blocks until ctx is cancelled or the queue is closed. Attempts that
// are in flight at that point run to completion before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Infow("worker_pool_started", "concurrency", p.cfg.Concurrency, "venues", p.router.Venues())

	var g errgroup.Group
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.loop(ctx, i)
			return nil
		})
	}
	err := g.Wait()
	p.log.Infow("worker_pool_stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.log.Errorw("dequeue_failed", "worker", id, "err", err)
			if util.Sleep(ctx, p.clock, time.Second) != nil {
				return
			}
			continue
		}
		// Detached from ctx: shutdown never cancels an attempt midway.
		p.Handle(context.WithoutCancel(ctx), lease)
	}
}

// Handle runs one attempt for lease and settles it with the queue.
func (p *Pool) Handle(ctx context.Context, l *queue.Lease) {
	orderID := l.Job.OrderID
	maxAttempts := l.Job.MaxAttempts
	p.log.Infow("attempt_started", "order_id", orderID, "attempt", l.Attempt, "max_attempts", maxAttempts)

	res := p.attempt(ctx, l)
	switch res.Outcome {
	case OutcomeSuccess:
		p.confirm(ctx, l, res)
	case outcomeSettled:
		p.log.Infow("order_already_settled", "order_id", orderID, "reason", res.Reason)
		p.ack(l)
	case OutcomeRetryable:
		if !l.Final {
			p.retry(ctx, l, res.Reason)
			return
		}
		p.fail(ctx, l, res.Reason)
	case OutcomePermanent:
		p.fail(ctx, l, res.Reason)
	}
}

// attempt runs the workflow once. A panic becomes a retryable failure.
func (p *Pool) attempt(ctx context.Context, l *queue.Lease) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("attempt_panicked", "order_id", l.Job.OrderID, "panic", r)
			res = Retryable(fmt.Sprintf("internal error: %v", r))
		}
	}()

	orderID := l.Job.OrderID
	o, err := p.get(ctx, orderID)
	if errors.Is(err, order.ErrNotFound) {
		return settled("order does not exist")
	}
	if err != nil {
		return classify("load order", err)
	}
	if o.Status.Terminal() {
		return settled("order is " + string(o.Status))
	}

	// Steps already observed by an earlier attempt are not repeated.
	if !o.Status.Reached(order.StatusRouting) {
		if r, stop := p.step(ctx, orderID, order.Delta{Status: order.StatusRouting, Log: logFetchingQuotes}); stop {
			return r
		}
	}

	amount := decimal.NewFromFloat(l.Job.InputAmount)
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QuoteTimeout)
	quote, err := p.router.Quote(qctx, amount)
	cancel()
	if err != nil {
		return classify("quote", err)
	}
	p.log.Infow("venue_selected", "order_id", orderID, "venue", quote.Venue,
		"price", quote.Price.StringFixed(2), "net_output", quote.NetOutput.String())

	// Selection is broadcast once, before the first submission.
	if !o.Status.Reached(order.StatusSubmitted) {
		if r, stop := p.step(ctx, orderID, order.Delta{Log: fmt.Sprintf("Selected %s at $%s", quote.Venue, quote.Price.StringFixed(2))}); stop {
			return r
		}
		if r, stop := p.step(ctx, orderID, order.Delta{Status: order.StatusSubmitted, Log: logTxSent}); stop {
			return r
		}
	}

	ectx, cancel := context.WithTimeout(ctx, p.cfg.ExecuteTimeout)
	settlement, err := p.router.Execute(ectx, quote, amount)
	cancel()
	if err != nil {
		return classify("execute", err)
	}
	return Success(quote, settlement)
}

// step commits an intermediate update and publishes it. Store failures
// other than a terminal order are logged and the workflow continues.
func (p *Pool) step(ctx context.Context, orderID string, d order.Delta) (Result, bool) {
	o, err := p.update(ctx, orderID, d)
	switch {
	case err == nil:
		p.publish(ctx, o, d)
	case errors.Is(err, order.ErrTerminal):
		return settled(err.Error()), true
	case errors.Is(err, order.ErrStaleTransition):
		p.log.Debugw("transition_skipped", "order_id", orderID, "delta", d.String())
	default:
		p.log.Errorw("order_update_failed", "order_id", orderID, "delta", d.String(), "err", err)
	}
	return Result{}, false
}

func (p *Pool) confirm(ctx context.Context, l *queue.Lease, res Result) {
	s := res.Settlement
	price, _ := s.FinalPrice.Float64()
	d := order.Delta{
		Status: order.StatusConfirmed,
		Log:    "Swap confirmed! Hash: " + s.Reference,
		TxHash: s.Reference,
		Price:  price,
	}
	p.terminal(ctx, l, d)
	p.log.Infow("order_confirmed", "order_id", l.Job.OrderID, "venue", res.Quote.Venue,
		"tx_hash", s.Reference, "price", s.FinalPrice.StringFixed(4), "attempt", l.Attempt)
}

func (p *Pool) fail(ctx context.Context, l *queue.Lease, reason string) {
	d := order.Delta{
		Status: order.StatusFailed,
		Log:    fmt.Sprintf("Attempt %d/%d failed: %s. Order failed.", l.Attempt, l.Job.MaxAttempts, reason),
	}
	p.terminal(ctx, l, d)
	p.log.Errorw("order_failed", "order_id", l.Job.OrderID, "attempt", l.Attempt, "reason", reason)
}

// retry records the failed attempt on the order, without touching its
// status, and hands the job back to the queue.
func (p *Pool) retry(ctx context.Context, l *queue.Lease, reason string) {
	orderID := l.Job.OrderID
	delay := p.queue.Config().Backoff(l.Attempt)
	d := order.Delta{
		Log: fmt.Sprintf("Attempt %d/%d failed: %s. Retrying in %s...", l.Attempt, l.Job.MaxAttempts, reason, delay),
	}
	p.log.Warnw("attempt_failed", "order_id", orderID, "attempt", l.Attempt, "retry_in", delay, "reason", reason)

	o, err := p.update(ctx, orderID, d)
	switch {
	case err == nil:
		p.publish(ctx, o, d)
	case errors.Is(err, order.ErrTerminal):
		p.ack(l)
		return
	default:
		p.log.Errorw("order_update_failed", "order_id", orderID, "delta", d.String(), "err", err)
	}

	if _, err := p.queue.Retry(l, reason); err != nil {
		p.log.Errorw("job_retry_failed", "order_id", orderID, "job_id", l.Job.ID, "err", err)
	}
}

// terminal writes d with its own retry budget and acks the job whatever
// happens: the venue outcome is final and must not be replayed.
func (p *Pool) terminal(ctx context.Context, l *queue.Lease, d order.Delta) {
	orderID := l.Job.OrderID
	var (
		o   *order.Order
		err error
	)
	for i := 0; i < p.cfg.TerminalWriteAttempts; i++ {
		if i > 0 {
			_ = util.Sleep(ctx, p.clock, p.cfg.TerminalWriteBackoff<<(i-1))
		}
		o, err = p.update(ctx, orderID, d)
		if err == nil || errors.Is(err, order.ErrTerminal) || errors.Is(err, order.ErrStaleTransition) || errors.Is(err, order.ErrNotFound) {
			break
		}
		p.log.Warnw("terminal_write_retry", "order_id", orderID, "try", i+1, "err", err)
	}

	switch {
	case err == nil:
		p.publish(ctx, o, d)
	case errors.Is(err, order.ErrTerminal), errors.Is(err, order.ErrStaleTransition):
		p.log.Infow("order_already_settled", "order_id", orderID, "reason", err.Error())
	default:
		p.log.Errorw("terminal_write_failed", "order_id", orderID, "status", d.Status, "tx_hash", d.TxHash, "err", err)
		// Observers still learn the outcome even though the record lags.
		p.publish(ctx, &order.Order{ID: orderID, Status: d.Status}, d)
	}
	p.ack(l)
}

func (p *Pool) ack(l *queue.Lease) {
	if err := p.queue.Ack(l); err != nil {
		p.log.Errorw("job_ack_failed", "order_id", l.Job.OrderID, "job_id", l.Job.ID, "err", err)
	}
}

func (p *Pool) get(ctx context.Context, id string) (*order.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	return p.store.Get(ctx, id)
}

func (p *Pool) update(ctx context.Context, id string, d order.Delta) (*order.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	return p.store.Update(ctx, id, d)
}

// publish announces a committed delta. Publishing is best effort.
func (p *Pool) publish(ctx context.Context, o *order.Order, d order.Delta) {
	ev := order.EventFor(o, d, p.clock.Now())
	if d.TxHash != "" && p.cfg.ExplorerURL != "" {
		ev.Link = p.explorerLink(d.TxHash)
	}
	data, err := ev.Marshal()
	if err != nil {
		p.log.Errorw("event_marshal_failed", "order_id", o.ID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, bus.Topic(o.ID), data); err != nil {
		p.log.Warnw("publish_failed", "order_id", o.ID, "status", o.Status, "err", err)
	}
}

func (p *Pool) explorerLink(txHash string) string {
	if strings.Contains(p.cfg.ExplorerURL, "%s") {
		return fmt.Sprintf(p.cfg.ExplorerURL, txHash)
	}
	return strings.TrimRight(p.cfg.ExplorerURL, "/") + "/" + txHash
}
