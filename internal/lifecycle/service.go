// Package lifecycle moves committed reservations through their states.
package lifecycle

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/payments"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const maxUpdateAttempts = 3

var tracer = otel.Tracer("lifecycle")

type Deps struct {
	Reservations domain.ReservationRepository
	Locks        domain.LockStore
	Payments     payments.Processor
	Validator    *CheckpointValidator
	Events       events.Emitter
	Clock        clock.Clock
	Logger       observability.Logger
}

type Service struct {
	reservations  domain.ReservationRepository
	locks         domain.LockStore
	payments      payments.Processor
	validator     *CheckpointValidator
	events        events.Emitter
	clock         clock.Clock
	logger        observability.Logger
	checkoutGrace time.Duration
}

func NewService(d Deps, checkoutGrace time.Duration) *Service {
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = observability.NewDiscardLogger()
	}
	return &Service{
		reservations:  d.Reservations,
		locks:         d.Locks,
		payments:      d.Payments,
		validator:     d.Validator,
		events:        d.Events,
		clock:         d.Clock,
		logger:        d.Logger,
		checkoutGrace: checkoutGrace,
	}
}

func (s *Service) log(ctx context.Context) observability.Logger {
	return observability.LoggerFrom(ctx, s.logger)
}

// Get hides reservations the actor is not a party to.
func (s *Service) Get(ctx context.Context, actorID string, id uuid.UUID) (domain.Reservation, error) {
	res, err := s.reservations.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Reservation{}, domain.NotFound("reservation")
	}
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "load reservation")
	}
	if !res.IsParty(actorID) {
		return domain.Reservation{}, domain.NotFound("reservation")
	}
	return res, nil
}

func (s *Service) List(ctx context.Context, actorID string, limit int) ([]domain.Reservation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	out, err := s.reservations.ListByActor(ctx, actorID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list reservations")
	}
	return out, nil
}

// step decides the next version of res. Returning changed=false leaves the stored
// record untouched and hands it back to the caller as is.
type step func(ctx context.Context, res domain.Reservation, now time.Time) (next domain.Reservation, changed bool, err error)

// transition applies fn under optimistic concurrency, reloading on a version clash.
func (s *Service) transition(ctx context.Context, event, actorID string, id uuid.UUID, fn step) (domain.Reservation, bool, error) {
	ctx, span := tracer.Start(ctx, "lifecycle."+event)
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", id.String()))

	res, changed, err := s.apply(ctx, actorID, id, fn)
	switch {
	case err != nil:
		observability.TransitionsTotal.WithLabelValues(event, string(domain.KindOf(err))).Inc()
		span.RecordError(err)
	case changed:
		observability.TransitionsTotal.WithLabelValues(event, "applied").Inc()
	default:
		observability.TransitionsTotal.WithLabelValues(event, "unchanged").Inc()
	}
	return res, changed, err
}

func (s *Service) apply(ctx context.Context, actorID string, id uuid.UUID, fn step) (domain.Reservation, bool, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.Get(ctx, actorID, id)
		if err != nil {
			return domain.Reservation{}, false, err
		}
		now := s.clock.Now()
		next, changed, err := fn(ctx, current, now)
		if err != nil || !changed {
			return current, false, err
		}
		next.UpdatedAt = now
		stored, err := s.reservations.Update(ctx, next)
		if errors.Is(err, domain.ErrConflict) && attempt < maxUpdateAttempts {
			s.log(ctx).WithField("reservation_id", id.String()).Debug("version clash, reloading")
			continue
		}
		if err != nil {
			return domain.Reservation{}, false, errors.Wrap(err, "update reservation")
		}
		return stored, true, nil
	}
}

func (s *Service) Accept(ctx context.Context, actorID string, id uuid.UUID) (domain.Reservation, error) {
	res, changed, err := s.transition(ctx, "accept", actorID, id, func(_ context.Context, res domain.Reservation, _ time.Time) (domain.Reservation, bool, error) {
		if actorID != res.OwnerID {
			return res, false, domain.Forbidden("only the owner can accept")
		}
		if res.State != domain.StatePending {
			return res, false, nil
		}
		res.State = domain.StateAccepted
		return res, true, nil
	})
	if changed {
		s.events.Emit(ctx, events.ForReservation(events.ReservationAccepted, res, actorID, s.clock.Now()))
	}
	return res, err
}

func (s *Service) Decline(ctx context.Context, actorID string, id uuid.UUID) (domain.Reservation, error) {
	return s.terminate(ctx, "decline", actorID, id, domain.StateDeclined, events.ReservationDeclined, func(res domain.Reservation) error {
		if actorID != res.OwnerID {
			return domain.Forbidden("only the owner can decline")
		}
		return nil
	})
}

func (s *Service) Cancel(ctx context.Context, actorID string, id uuid.UUID) (domain.Reservation, error) {
	return s.terminate(ctx, "cancel", actorID, id, domain.StateCancelled, events.ReservationCancelled, func(res domain.Reservation) error {
		if actorID != res.RequesterID {
			return domain.Forbidden("only the requester can cancel")
		}
		return nil
	})
}

// terminate ends a pending reservation. The terminal state is written first so it
// wins or loses against a concurrent accept; only then are the buckets released and
// the charge refunded. A terminated record still marked paid has its refund resumed.
func (s *Service) terminate(ctx context.Context, event, actorID string, id uuid.UUID, to domain.State, evType events.Type, guard func(domain.Reservation) error) (domain.Reservation, error) {
	res, changed, err := s.transition(ctx, event, actorID, id, func(_ context.Context, res domain.Reservation, _ time.Time) (domain.Reservation, bool, error) {
		if err := guard(res); err != nil {
			return res, false, err
		}
		if res.State != domain.StatePending {
			return res, false, nil
		}
		res.State = to
		return res, true, nil
	})
	if err != nil {
		return res, err
	}
	if !changed && !refundPending(res) {
		return res, nil
	}

	if changed {
		if n, err := s.locks.ReleaseByReason(context.WithoutCancel(ctx), domain.ReservationReason(res.ID)); err != nil {
			s.log(ctx).WithError(err).WithField("reservation_id", res.ID.String()).Error("failed to release reservation locks")
		} else {
			s.log(ctx).WithFields(map[string]interface{}{"reservation_id": res.ID.String(), "released": n}).Info("reservation locks released")
		}
		s.events.Emit(ctx, events.ForReservation(evType, res, actorID, s.clock.Now()))
	}

	if !refundPending(res) {
		return res, nil
	}
	if err := s.refund(ctx, res); err != nil {
		return res, err
	}
	refunded, _, err := s.transition(ctx, event+".refund", actorID, id, func(_ context.Context, res domain.Reservation, _ time.Time) (domain.Reservation, bool, error) {
		if !refundPending(res) {
			return res, false, nil
		}
		res.PaymentStatus = domain.PaymentRefunded
		return res, true, nil
	})
	if err != nil {
		return res, err
	}
	return refunded, nil
}

// refundPending reports a declined or cancelled reservation whose charge is still held.
func refundPending(res domain.Reservation) bool {
	return (res.State == domain.StateDeclined || res.State == domain.StateCancelled) &&
		res.PaymentStatus == domain.PaymentPaid
}

func (s *Service) refund(ctx context.Context, res domain.Reservation) error {
	ref := res.Payment.ChargeID
	if ref == "" {
		ref = res.Payment.HandleID
	}
	if err := s.payments.Refund(ctx, ref, "refund:"+res.ID.String()); err != nil {
		return errors.Wrapf(err, "refund reservation %s", res.ID)
	}
	return nil
}

func (s *Service) CheckIn(ctx context.Context, actorID string, id uuid.UUID, in CheckpointInput) (domain.Reservation, error) {
	res, changed, err := s.transition(ctx, "checkin", actorID, id, func(_ context.Context, res domain.Reservation, now time.Time) (domain.Reservation, bool, error) {
		if res.Checkin != nil {
			return res, false, nil
		}
		if res.State != domain.StateAccepted || res.PaymentStatus != domain.PaymentPaid {
			return res, false, domain.InvalidState(res.State, "check in")
		}
		if err := s.validator.Validate(in); err != nil {
			return res, false, err
		}
		if now.Before(res.Start) || now.After(res.End) {
			return res, false, domain.InvalidWindow("check-in is only possible between start and end")
		}
		res.Checkin = checkpoint(actorID, now, in)
		res.State = domain.StateInProgress
		return res, true, nil
	})
	if changed {
		s.events.Emit(ctx, events.ForReservation(events.CheckedIn, res, actorID, res.Checkin.At).WithData(res.Checkin))
	}
	return res, err
}

func (s *Service) CheckOut(ctx context.Context, actorID string, id uuid.UUID, in CheckpointInput) (domain.Reservation, error) {
	res, changed, err := s.transition(ctx, "checkout", actorID, id, func(_ context.Context, res domain.Reservation, now time.Time) (domain.Reservation, bool, error) {
		if res.Checkout != nil {
			return res, false, nil
		}
		if res.State != domain.StateInProgress || res.Checkin == nil {
			return res, false, domain.InvalidState(res.State, "check out")
		}
		if err := s.validator.Validate(in); err != nil {
			return res, false, err
		}
		if now.Before(res.Checkin.At) || now.After(res.End.Add(s.checkoutGrace)) {
			return res, false, domain.InvalidWindow("check-out is only possible between check-in and the end of the grace period")
		}
		res.Checkout = checkpoint(actorID, now, in)
		res.State = domain.StateCompleted
		return res, true, nil
	})
	if changed {
		s.events.Emit(ctx, events.ForReservation(events.CheckedOut, res, actorID, res.Checkout.At).WithData(res.Checkout))
	}
	return res, err
}

func checkpoint(actorID string, at time.Time, in CheckpointInput) *domain.Checkpoint {
	photos := make([]string, len(in.Photos))
	copy(photos, in.Photos)
	return &domain.Checkpoint{
		ActorID:  actorID,
		At:       at,
		Notes:    in.Notes,
		Readings: in.Readings,
		Photos:   photos,
	}
}
