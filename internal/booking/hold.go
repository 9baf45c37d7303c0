package booking

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/robertarktes/rental-reservations/internal/idempotency"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/payments"
	"github.com/robertarktes/rental-reservations/internal/pricing"
	"go.opentelemetry.io/otel/attribute"
)

type HoldInput struct {
	ActorID      string
	ResourceID   string
	Start        time.Time
	End          time.Time
	DiscountCode string
	// Token is the caller's idempotency key. Without one the request fingerprint is used.
	Token string
}

// Hold is returned to the caller so it can complete the charge client-side.
type Hold struct {
	PaymentHandleID string             `json:"payment_handle_id"`
	ClientSecret    string             `json:"client_secret"`
	AmountCents     int64              `json:"amount_cents"`
	Currency        string             `json:"currency"`
	ResourceID      string             `json:"resource_id"`
	Granularity     domain.Granularity `json:"granularity"`
	Buckets         []string           `json:"buckets"`
	HoldUntil       time.Time          `json:"hold_until"`
	Quote           pricing.Quote      `json:"quote"`
}

// OpenHold prices the window, creates a payment handle for the total and locks
// every bucket against it. A repeated call with the same token or fingerprint gets
// the original hold back while that hold is still live.
func (s *Service) OpenHold(ctx context.Context, in HoldInput) (Hold, bool, error) {
	ctx, span := tracer.Start(ctx, "booking.OpenHold")
	defer span.End()
	span.SetAttributes(attribute.String("resource.id", in.ResourceID))

	hold, replay, err := s.openHold(ctx, in)
	switch {
	case err != nil && domain.KindOf(err) == domain.KindUnavailable:
		observability.HoldsTotal.WithLabelValues("unavailable").Inc()
	case err != nil:
		observability.HoldsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
	case replay:
		observability.HoldsTotal.WithLabelValues("replayed").Inc()
	default:
		observability.HoldsTotal.WithLabelValues("created").Inc()
	}
	return hold, replay, err
}

func (s *Service) openHold(ctx context.Context, in HoldInput) (Hold, bool, error) {
	in.Start = in.Start.UTC().Truncate(time.Second)
	in.End = in.End.UTC().Truncate(time.Second)

	res, err := s.reader.Resource(ctx, in.ResourceID)
	if err != nil {
		return Hold{}, false, err
	}
	if res.OwnerID == in.ActorID {
		return Hold{}, false, domain.Forbidden("owners cannot reserve their own resource")
	}
	g, buckets, err := s.reader.Buckets(res, in.Start, in.End)
	if err != nil {
		return Hold{}, false, err
	}
	q, err := s.quoter.Quote(ctx, pricing.QuoteRequest{
		Resource:     res,
		Start:        in.Start,
		End:          in.End,
		Granularity:  g,
		DiscountCode: in.DiscountCode,
	})
	if err != nil {
		return Hold{}, false, err
	}

	key := idempotency.Key("hold:"+in.ActorID, in.Token,
		res.ID,
		in.Start.Format(time.RFC3339),
		in.End.Format(time.RFC3339),
		strconv.FormatInt(q.TotalCents, 10),
		in.DiscountCode,
	)
	// a stored hold whose handle was released or whose time ran out is replaced;
	// its handle is cancelled and its remaining locks freed first
	var stale *Hold
	isStale := func(resp idempotency.Response) bool {
		var h Hold
		if err := json.Unmarshal(resp.Result, &h); err != nil {
			return true
		}
		if s.holdIsLive(ctx, h) {
			return false
		}
		stale = &h
		return true
	}
	compute := func(ctx context.Context) (idempotency.Response, error) {
		if stale != nil {
			s.cancelHandle(ctx, stale.PaymentHandleID)
			s.releaseQuietly(ctx, stale.PaymentHandleID)
		}
		hold, err := s.placeHold(ctx, in, res, g, buckets, q)
		if err != nil {
			return idempotency.Response{}, err
		}
		data, err := json.Marshal(hold)
		if err != nil {
			return idempotency.Response{}, errors.Wrap(err, "encode hold")
		}
		return idempotency.Response{Status: http.StatusCreated, Result: data}, nil
	}

	resp, replay, err := s.idem.GetOrRecompute(ctx, key, s.holdTTL, isStale, compute)
	if err != nil {
		return Hold{}, false, err
	}
	var hold Hold
	if err := json.Unmarshal(resp.Result, &hold); err != nil {
		return Hold{}, false, errors.Wrap(err, "decode stored hold")
	}
	return hold, replay, nil
}

// holdIsLive reports whether a stored hold can still be paid. A handle the
// processor already captured stays live past its time so the caller finalizes it.
func (s *Service) holdIsLive(ctx context.Context, hold Hold) bool {
	h, err := s.payments.RetrieveHandle(ctx, hold.PaymentHandleID)
	switch {
	case errors.Is(err, payments.ErrHandleNotFound):
		return false
	case err != nil:
		s.log(ctx).WithError(err).Warn("could not verify stored hold")
	case h.Status == payments.StatusSucceeded:
		return true
	case h.Status.Released():
		return false
	}
	return s.clock.Now().Before(hold.HoldUntil)
}

func (s *Service) placeHold(ctx context.Context, in HoldInput, res domain.Resource, g domain.Granularity, buckets []string, q pricing.Quote) (Hold, error) {
	avail, err := s.reader.CheckResource(ctx, res, in.Start, in.End)
	if err != nil {
		return Hold{}, err
	}
	if !avail.Available() {
		locked, blackout := avail.Conflicts()
		if len(locked) > 0 {
			observability.LockConflicts.Inc()
		}
		return Hold{}, domain.Unavailable(locked, blackout)
	}

	meta := payments.HoldMetadata{
		ResourceID:       res.ID,
		RequesterID:      in.ActorID,
		Start:            in.Start,
		End:              in.End,
		Granularity:      g,
		DiscountCode:     in.DiscountCode,
		QuotedTotalCents: q.TotalCents,
	}
	h, err := s.payments.CreateHandle(ctx, payments.CreateRequest{
		AmountCents:    q.TotalCents,
		Currency:       q.Currency,
		Metadata:       meta.Encode(),
		IdempotencyKey: "hold:" + uuid.NewString(),
	})
	if err != nil {
		return Hold{}, errors.Wrap(err, "create payment handle")
	}

	now := s.clock.Now()
	until := now.Add(s.holdTTL)
	conflicts, err := s.locks.Acquire(ctx, domain.LockRequest{
		ResourceID:  res.ID,
		Buckets:     buckets,
		Granularity: g,
		CreatedBy:   in.ActorID,
		Reason:      domain.HoldReason(h.ID),
		HoldUntil:   &until,
	}, now)
	if err != nil {
		s.cancelHandle(ctx, h.ID)
		return Hold{}, errors.Wrap(err, "acquire holds")
	}
	if len(conflicts) > 0 {
		observability.LockConflicts.Inc()
		s.cancelHandle(ctx, h.ID)
		return Hold{}, domain.Unavailable(conflicts, nil)
	}

	s.events.Emit(ctx, events.Event{
		ID:         uuid.New(),
		Type:       events.HoldOpened,
		ResourceID: res.ID,
		ActorID:    in.ActorID,
		OccurredAt: now,
	}.WithData(map[string]any{"payment_handle_id": h.ID, "buckets": buckets, "hold_until": until}))

	return Hold{
		PaymentHandleID: h.ID,
		ClientSecret:    h.ClientSecret,
		AmountCents:     q.TotalCents,
		Currency:        q.Currency,
		ResourceID:      res.ID,
		Granularity:     g,
		Buckets:         buckets,
		HoldUntil:       until,
		Quote:           q,
	}, nil
}

// cancelHandle is best effort; a handle left open simply never gets paid.
func (s *Service) cancelHandle(ctx context.Context, handleID string) {
	if err := s.payments.CancelHandle(context.WithoutCancel(ctx), handleID); err != nil {
		s.log(ctx).WithError(err).WithField("payment_handle_id", handleID).Warn("failed to cancel payment handle")
	}
}

// AbandonHold lets the requester give a hold back before paying for it.
func (s *Service) AbandonHold(ctx context.Context, actorID, handleID string) error {
	ctx, span := tracer.Start(ctx, "booking.AbandonHold")
	defer span.End()

	if existing, err := s.reservations.GetByPaymentHandle(ctx, handleID); err == nil {
		if !existing.IsParty(actorID) {
			return domain.NotFound("payment handle")
		}
		return domain.InvalidState(existing.State, "abandon the hold of")
	} else if !errors.Is(err, domain.ErrNotFound) {
		return errors.Wrap(err, "look up reservation")
	}

	h, err := s.payments.RetrieveHandle(ctx, handleID)
	if errors.Is(err, payments.ErrHandleNotFound) {
		return domain.NotFound("payment handle")
	}
	if err != nil {
		return errors.Wrap(err, "retrieve payment handle")
	}
	meta, err := payments.DecodeHoldMetadata(h.Metadata)
	if err != nil {
		return err
	}
	if meta.RequesterID != actorID {
		return domain.NotFound("payment handle")
	}

	if h.Status == payments.StatusSucceeded {
		s.refund(ctx, h)
	} else if !h.Status.Released() {
		s.cancelHandle(ctx, h.ID)
	}
	n, err := s.ReleaseHold(ctx, h.ID)
	if err != nil {
		return err
	}
	s.emitReleased(ctx, meta, h.ID, actorID, n)
	return nil
}

func (s *Service) emitReleased(ctx context.Context, meta payments.HoldMetadata, handleID, actorID string, released int) {
	s.events.Emit(ctx, events.Event{
		ID:         uuid.New(),
		Type:       events.HoldReleased,
		ResourceID: meta.ResourceID,
		ActorID:    actorID,
		OccurredAt: s.clock.Now(),
	}.WithData(map[string]any{"payment_handle_id": handleID, "released": released}))
}

// refund is best effort; failures are logged for manual follow-up.
func (s *Service) refund(ctx context.Context, h payments.Handle) {
	ref := h.ChargeID
	if ref == "" {
		ref = h.ID
	}
	if err := s.payments.Refund(context.WithoutCancel(ctx), ref, "refund:hold:"+h.ID); err != nil {
		s.log(ctx).WithError(err).WithField("payment_handle_id", h.ID).Error("refund failed")
	}
}
