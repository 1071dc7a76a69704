package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoVenues     = errors.New("no venues configured")
	ErrUnknownVenue = errors.New("quote references an unknown venue")
)

// Router picks the best-execution venue and executes on it.
type Router struct {
	venues []Venue
	byName map[string]Venue
	log    *zap.SugaredLogger
}

func NewRouter(log *zap.SugaredLogger, venues ...Venue) *Router {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Router{venues: venues, byName: make(map[string]Venue, len(venues)), log: log}
	for _, v := range venues {
		r.byName[v.Name()] = v
	}
	return r
}

func (r *Router) Venues() []string {
	names := make([]string, len(r.venues))
	for i, v := range r.venues {
		names[i] = v.Name()
	}
	return names
}

// Quote asks every venue in parallel and returns the quote with the
// largest net output after fees. Ties go to the venue registered first.
// It fails only when no venue produced a quote.
func (r *Router) Quote(ctx context.Context, amount decimal.Decimal) (Quote, error) {
	if len(r.venues) == 0 {
		return Quote{}, Permanent(ErrNoVenues)
	}

	quotes := make([]Quote, len(r.venues))
	errs := make([]error, len(r.venues))

	var g errgroup.Group
	for i, v := range r.venues {
		g.Go(func() error {
			quotes[i], errs[i] = v.Quote(ctx, amount)
			return nil
		})
	}
	_ = g.Wait()

	return r.best(quotes, errs)
}

func (r *Router) best(quotes []Quote, errs []error) (Quote, error) {
	var (
		best  Quote
		found bool
	)
	for i, q := range quotes {
		if errs[i] != nil {
			r.log.Warnw("venue_quote_failed", "venue", r.venues[i].Name(), "err", errs[i])
			continue
		}
		r.log.Debugw("venue_quote", "venue", q.Venue, "price", q.Price.StringFixed(2), "net_output", q.NetOutput.String())
		if !found || q.NetOutput.GreaterThan(best.NetOutput) {
			best, found = q, true
		}
	}
	if !found {
		return Quote{}, fmt.Errorf("all venues failed to quote: %w", errors.Join(errs...))
	}
	return best, nil
}

// Execute runs the swap on the venue that produced q.
func (r *Router) Execute(ctx context.Context, q Quote, amount decimal.Decimal) (Settlement, error) {
	v, ok := r.byName[q.Venue]
	if !ok {
		return Settlement{}, Permanent(fmt.Errorf("%w: %s", ErrUnknownVenue, q.Venue))
	}
	r.log.Debugw("venue_execute", "venue", q.Venue, "amount", amount.String())
	return v.Execute(ctx, q, amount)
}
