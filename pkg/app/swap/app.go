// Package swap is the intake side of the service: it validates swap
// requests, records them as pending orders and queues them for workers.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapd/pkg/order"
)

const failUpdateTimeout = 5 * time.Second

// Enqueuer is the part of the job queue intake needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID string, amount float64) (string, error)
}

type App struct {
	store order.Store
	queue Enqueuer
	log   *zap.SugaredLogger
	now   func() time.Time
	newID func() string
}

func NewApp(store order.Store, q Enqueuer, log *zap.SugaredLogger) *App {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &App{store: store, queue: q, log: log, now: time.Now, newID: uuid.NewString}
}

// SubmitOrder validates req, persists a pending order and enqueues it.
// Invalid requests return *order.ValidationError and create nothing.
func (a *App) SubmitOrder(ctx context.Context, req order.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	o := order.New(a.newID(), req, a.now())
	if err := a.store.Create(ctx, o); err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}

	jobID, err := a.queue.Enqueue(ctx, o.ID, o.Amount)
	if err != nil {
		a.log.Errorw("enqueue_failed", "order_id", o.ID, "err", err)
		// Never leave a pending order that no worker will pick up, even
		// when the request context is what made Enqueue fail.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failUpdateTimeout)
		_, uerr := a.store.Update(uctx, o.ID, order.Delta{
			Status: order.StatusFailed,
			Log:    "Failed to queue order: " + err.Error(),
		})
		cancel()
		if uerr != nil {
			a.log.Errorw("order_update_failed", "order_id", o.ID, "err", uerr)
		}
		return o.ID, fmt.Errorf("enqueue order %s: %w", o.ID, err)
	}

	a.log.Infow("order_submitted", "order_id", o.ID, "job_id", jobID, "type", o.Type, "side", o.Side,
		"pair", o.InputToken+"/"+o.OutputToken, "amount", o.Amount)
	return o.ID, nil
}

// GetOrder returns the stored order or order.ErrNotFound.
func (a *App) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return a.store.Get(ctx, id)
}

// IsValidation reports whether err rejects the request itself.
func IsValidation(err error) bool {
	var v *order.ValidationError
	return errors.As(err, &v)
}
