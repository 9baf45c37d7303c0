// Package booking turns a priced window into a reservation in two calls. OpenHold
// reserves the buckets against a fresh payment handle; Finalize converts the hold
// into a reservation once the processor reports the charge captured.
package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/rental-reservations/internal/availability"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/robertarktes/rental-reservations/internal/idempotency"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/payments"
	"github.com/robertarktes/rental-reservations/internal/pricing"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("booking")

type Deps struct {
	Reader       *availability.Reader
	Quoter       pricing.Quoter
	Payments     payments.Processor
	Locks        domain.LockStore
	Reservations domain.ReservationRepository
	Idempotency  *idempotency.Idempotency
	Events       events.Emitter
	Clock        clock.Clock
	Logger       observability.Logger
}

type Service struct {
	reader       *availability.Reader
	quoter       pricing.Quoter
	payments     payments.Processor
	locks        domain.LockStore
	reservations domain.ReservationRepository
	idem         *idempotency.Idempotency
	events       events.Emitter
	clock        clock.Clock
	logger       observability.Logger
	holdTTL      time.Duration
}

func NewService(d Deps, holdTTL time.Duration) *Service {
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
		reader:       d.Reader,
		quoter:       d.Quoter,
		payments:     d.Payments,
		locks:        d.Locks,
		reservations: d.Reservations,
		idem:         d.Idempotency,
		events:       d.Events,
		clock:        d.Clock,
		logger:       d.Logger,
		holdTTL:      holdTTL,
	}
}

func (s *Service) log(ctx context.Context) observability.Logger {
	return observability.LoggerFrom(ctx, s.logger)
}

type PreviewInput struct {
	ResourceID   string
	Start        time.Time
	End          time.Time
	DiscountCode string
}

type Preview struct {
	Availability availability.Result `json:"availability"`
	Quote        pricing.Quote       `json:"quote"`
}

// Preview prices a window and reports what blocks it. It takes no locks.
func (s *Service) Preview(ctx context.Context, in PreviewInput) (Preview, error) {
	ctx, span := tracer.Start(ctx, "booking.Preview")
	defer span.End()

	res, err := s.reader.Resource(ctx, in.ResourceID)
	if err != nil {
		return Preview{}, err
	}
	avail, err := s.reader.CheckResource(ctx, res, in.Start, in.End)
	if err != nil {
		return Preview{}, err
	}
	q, err := s.quoter.Quote(ctx, pricing.QuoteRequest{
		Resource:     res,
		Start:        in.Start,
		End:          in.End,
		Granularity:  avail.Granularity,
		DiscountCode: in.DiscountCode,
	})
	if err != nil {
		return Preview{}, err
	}
	return Preview{Availability: avail, Quote: q}, nil
}

// ReleaseHold frees every lock still tagged with the handle. It is safe to repeat.
func (s *Service) ReleaseHold(ctx context.Context, handleID string) (int, error) {
	n, err := s.locks.ReleaseByReason(ctx, domain.HoldReason(handleID))
	if err != nil {
		return 0, errors.Wrapf(err, "release holds for %s", handleID)
	}
	return n, nil
}
