// Package events carries lifecycle notifications to audit and notification sinks.
// Delivery is best effort: a failing sink is logged and never reaches the caller.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"golang.org/x/sync/errgroup"
)

type Type string

const (
	HoldOpened           Type = "hold.opened"
	HoldReleased         Type = "hold.released"
	HoldExpired          Type = "hold.expired"
	ReservationCreated   Type = "reservation.created"
	ReservationAccepted  Type = "reservation.accepted"
	ReservationDeclined  Type = "reservation.declined"
	ReservationCancelled Type = "reservation.cancelled"
	CheckedIn            Type = "reservation.checked_in"
	CheckedOut           Type = "reservation.checked_out"
)

type Event struct {
	ID            uuid.UUID       `json:"id" bson:"_id"`
	Type          Type            `json:"type" bson:"type"`
	ReservationID string          `json:"reservation_id,omitempty" bson:"reservation_id,omitempty"`
	ResourceID    string          `json:"resource_id" bson:"resource_id"`
	ActorID       string          `json:"actor_id,omitempty" bson:"actor_id,omitempty"`
	State         domain.State    `json:"state,omitempty" bson:"state,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at" bson:"occurred_at"`
	Data          json.RawMessage `json:"data,omitempty" bson:"-"`
}

// ForReservation builds the event describing res after a transition.
func ForReservation(t Type, res domain.Reservation, actorID string, at time.Time) Event {
	return Event{
		ID:            uuid.New(),
		Type:          t,
		ReservationID: res.ID.String(),
		ResourceID:    res.ResourceID,
		ActorID:       actorID,
		State:         res.State,
		OccurredAt:    at.UTC(),
	}
}

// WithData attaches a JSON payload. Values that cannot be encoded are dropped.
func (e Event) WithData(v any) Event {
	if data, err := json.Marshal(v); err == nil {
		e.Data = data
	}
	return e
}

type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Emitter is what services depend on.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  observability.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(logger observability.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sinks: sinks, timeout: timeout, logger: logger}
}

// Emit hands ev to every sink in the background. The request context only
// contributes its values; its cancellation does not stop delivery.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if len(d.sinks) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		var eg errgroup.Group
		for _, s := range d.sinks {
			s := s
			eg.Go(func() error {
				if err := s.Emit(ctx, ev); err != nil {
					d.logger.WithFields(map[string]interface{}{
						"event_id":   ev.ID.String(),
						"event_type": string(ev.Type),
					}).WithError(err).Warn("event sink failed")
				}
				return nil
			})
		}
		_ = eg.Wait()
	}()
}

// Wait blocks until every emitted event has been handed to all sinks.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
