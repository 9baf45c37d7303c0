package booking

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/rental-reservations/internal/calendar"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/payments"
	"github.com/robertarktes/rental-reservations/internal/pricing"
	"go.opentelemetry.io/otel/attribute"
)

// Finalize turns a captured hold into a reservation. A second call for the same
// handle returns the reservation created by the first. An empty actorID is the
// processor's webhook acting on the requester's behalf.
func (s *Service) Finalize(ctx context.Context, actorID, handleID string) (domain.Reservation, bool, error) {
	ctx, span := tracer.Start(ctx, "booking.Finalize")
	defer span.End()
	span.SetAttributes(attribute.String("payment_handle.id", handleID))

	res, created, err := s.finalize(ctx, actorID, handleID)
	switch {
	case err == nil && created:
		observability.CommitsTotal.WithLabelValues("created").Inc()
	case err == nil:
		observability.CommitsTotal.WithLabelValues("replayed").Inc()
	default:
		observability.CommitsTotal.WithLabelValues(commitResult(err)).Inc()
		span.RecordError(err)
	}
	return res, created, err
}

func commitResult(err error) string {
	switch domain.KindOf(err) {
	case domain.KindAmountMismatch:
		return "amount_mismatch"
	case domain.KindUnavailable:
		return "holds_missing"
	case domain.KindInvalidPayment:
		return "invalid_payment"
	case domain.KindInternal:
		return "error"
	}
	return "rejected"
}

func (s *Service) finalize(ctx context.Context, actorID, handleID string) (domain.Reservation, bool, error) {
	if handleID == "" {
		return domain.Reservation{}, false, domain.InvalidPayment("payment handle is required")
	}
	if existing, err := s.reservations.GetByPaymentHandle(ctx, handleID); err == nil {
		if actorID != "" && !existing.IsParty(actorID) {
			return domain.Reservation{}, false, domain.NotFound("payment handle")
		}
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Reservation{}, false, errors.Wrap(err, "look up reservation")
	}

	h, err := s.payments.RetrieveHandle(ctx, handleID)
	if errors.Is(err, payments.ErrHandleNotFound) {
		return domain.Reservation{}, false, domain.InvalidPayment("unknown payment handle")
	}
	if err != nil {
		return domain.Reservation{}, false, errors.Wrap(err, "retrieve payment handle")
	}
	meta, err := payments.DecodeHoldMetadata(h.Metadata)
	if err != nil {
		return domain.Reservation{}, false, err
	}
	if actorID != "" && actorID != meta.RequesterID {
		return domain.Reservation{}, false, domain.NotFound("payment handle")
	}

	switch {
	case h.Status == payments.StatusSucceeded:
	case h.Status.Released():
		s.releaseQuietly(ctx, h.ID)
		return domain.Reservation{}, false, domain.InvalidPayment("payment was " + string(h.Status))
	default:
		return domain.Reservation{}, false, domain.InvalidPayment("payment has not succeeded")
	}

	resource, err := s.reader.Resource(ctx, meta.ResourceID)
	if err != nil {
		return domain.Reservation{}, false, s.abort(ctx, h, err)
	}
	q, err := s.quoter.Quote(ctx, pricing.QuoteRequest{
		Resource:     resource,
		Start:        meta.Start,
		End:          meta.End,
		Granularity:  meta.Granularity,
		DiscountCode: meta.DiscountCode,
	})
	if err != nil {
		return domain.Reservation{}, false, s.abort(ctx, h, err)
	}
	if q.TotalCents != meta.QuotedTotalCents || h.AmountReceivedCents != q.TotalCents {
		s.log(ctx).WithFields(map[string]interface{}{
			"payment_handle_id": h.ID,
			"quoted_cents":      meta.QuotedTotalCents,
			"recomputed_cents":  q.TotalCents,
			"captured_cents":    h.AmountReceivedCents,
		}).Error("amount mismatch at finalize")
		return domain.Reservation{}, false, s.abort(ctx, h, domain.AmountMismatch(meta.QuotedTotalCents, q.TotalCents, h.AmountReceivedCents))
	}

	now := s.clock.Now()
	buckets := calendar.EnumerateBuckets(meta.Start, meta.End, meta.Granularity)
	res := domain.NewReservation(resource, meta.RequesterID, meta.Start, meta.End, meta.Granularity,
		q.Snapshot(meta.DiscountCode),
		domain.PaymentReference{HandleID: h.ID, ChargeID: h.ChargeID},
		now)

	stored, created, err := s.reservations.Finalize(ctx, res, domain.HoldReason(h.ID), buckets, now)
	var missing *domain.LocksMissingError
	if errors.As(err, &missing) {
		return domain.Reservation{}, false, s.abort(ctx, h, domain.Unavailable(missing.Buckets, nil))
	}
	if err != nil {
		return domain.Reservation{}, false, errors.Wrap(err, "finalize reservation")
	}
	if created {
		s.events.Emit(ctx, events.ForReservation(events.ReservationCreated, stored, meta.RequesterID, now).
			WithData(stored.Pricing))
	}
	return stored, created, nil
}

// abort undoes a captured hold that cannot become a reservation: its remaining
// locks go and the charge is refunded. The cause is returned unchanged.
func (s *Service) abort(ctx context.Context, h payments.Handle, cause error) error {
	s.releaseQuietly(ctx, h.ID)
	s.refund(ctx, h)
	return cause
}

func (s *Service) releaseQuietly(ctx context.Context, handleID string) {
	if _, err := s.ReleaseHold(context.WithoutCancel(ctx), handleID); err != nil {
		s.log(ctx).WithError(err).WithField("payment_handle_id", handleID).Error("failed to release holds")
	}
}

// HandlePaymentEvent applies a status reported asynchronously by the processor.
// A failure report is only trusted once the processor confirms it, then the
// handle's buckets are given back; a success finalizes the reservation.
func (s *Service) HandlePaymentEvent(ctx context.Context, handleID string, status payments.Status) error {
	log := s.log(ctx).WithFields(map[string]interface{}{
		"payment_handle_id": handleID,
		"status":            string(status),
	})
	switch {
	case status.Released():
		h, err := s.payments.RetrieveHandle(ctx, handleID)
		if errors.Is(err, payments.ErrHandleNotFound) {
			return domain.InvalidPayment("unknown payment handle")
		}
		if err != nil {
			return errors.Wrap(err, "retrieve payment handle")
		}
		if !h.Status.Released() {
			log.WithField("processor_status", string(h.Status)).Warn("release event not confirmed by the processor")
			return domain.InvalidPayment("payment handle is not failed or canceled")
		}
		if _, err := s.reservations.GetByPaymentHandle(ctx, handleID); err == nil {
			log.Warn("payment released after the reservation was created")
			return nil
		}
		n, err := s.ReleaseHold(ctx, handleID)
		if err != nil {
			return err
		}
		if meta, err := payments.DecodeHoldMetadata(h.Metadata); err == nil {
			s.emitReleased(ctx, meta, handleID, "", n)
		}
		log.WithField("released", n).Info("released holds for failed payment")
		return nil
	case status == payments.StatusSucceeded:
		_, _, err := s.Finalize(ctx, "", handleID)
		return err
	default:
		log.Debug("ignoring payment status")
		return nil
	}
}
