// Package expiry removes lapsed holds and reacts to payments the processor gave up on.
package expiry

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/payments"
)

const maxRetries = 3

type Sweeper interface {
	SweepExpiredLocks(ctx context.Context, now time.Time) ([]domain.Lock, error)
}

// PaymentHandler is satisfied by booking.Service.
type PaymentHandler interface {
	HandlePaymentEvent(ctx context.Context, handleID string, status payments.Status) error
}

type Worker struct {
	sweeper  Sweeper
	payments PaymentHandler
	events   events.Emitter
	clock    clock.Clock
	logger   observability.Logger
	backoff  time.Duration
}

func NewWorker(sweeper Sweeper, handler PaymentHandler, emitter events.Emitter, clk clock.Clock, logger observability.Logger) *Worker {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Worker{
		sweeper:  sweeper,
		payments: handler,
		events:   emitter,
		clock:    clk,
		logger:   logger,
		backoff:  time.Second,
	}
}

func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepWithRetry(ctx); err != nil {
				w.logger.WithError(err).Error("failed to sweep expired holds after retries")
			}
		}
	}
}

// SweepWithRetry sweeps once, backing off exponentially on store errors.
func (w *Worker) SweepWithRetry(ctx context.Context) (int, error) {
	var err error
	for i := 0; i < maxRetries; i++ {
		var n int
		if n, err = w.SweepOnce(ctx); err == nil {
			return n, nil
		}
		w.logger.WithError(err).WithField("attempt", i+1).Warn("sweep failed")
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(1<<i) * w.backoff):
		}
	}
	return 0, errors.Wrapf(err, "sweep failed after %d retries", maxRetries)
}

// SweepOnce deletes every lapsed hold and emits one hold.expired per payment handle.
func (w *Worker) SweepOnce(ctx context.Context) (int, error) {
	now := w.clock.Now()
	swept, err := w.sweeper.SweepExpiredLocks(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(swept) == 0 {
		return 0, nil
	}
	observability.SweptLocks.Add(float64(len(swept)))

	type group struct {
		resourceID string
		buckets    []string
	}
	byReason := map[string]*group{}
	for _, l := range swept {
		g, ok := byReason[l.Reason]
		if !ok {
			g = &group{resourceID: l.ResourceID}
			byReason[l.Reason] = g
		}
		g.buckets = append(g.buckets, l.Bucket)
	}
	for reason, g := range byReason {
		handleID, _ := domain.HoldHandle(reason)
		sort.Strings(g.buckets)
		w.events.Emit(ctx, events.Event{
			ID:         uuid.New(),
			Type:       events.HoldExpired,
			ResourceID: g.resourceID,
			OccurredAt: now,
		}.WithData(map[string]any{
			"payment_handle_id": handleID,
			"buckets":           g.buckets,
		}))
	}
	w.logger.WithFields(map[string]interface{}{
		"locks": len(swept),
		"holds": len(byReason),
	}).Info("swept expired holds")
	return len(swept), nil
}

// HandlePaymentEvent is the rabbit consumer callback.
func (w *Worker) HandlePaymentEvent(ctx context.Context, ev rabbit.PaymentEvent) error {
	if ev.HandleID == "" {
		return errors.New("payment event without handle")
	}
	return w.payments.HandlePaymentEvent(ctx, ev.HandleID, ev.Status)
}
