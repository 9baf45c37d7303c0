package payments

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/rental-reservations/internal/domain"
)

var ErrHandleNotFound = errors.New("payment handle not found")

type Status string

const (
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusProcessing            Status = "processing"
	StatusSucceeded             Status = "succeeded"
	StatusCanceled              Status = "canceled"
	StatusFailed                Status = "failed"
)

// Released reports whether the processor has given up on the charge.
func (s Status) Released() bool {
	return s == StatusCanceled || s == StatusFailed
}

// Handle is the processor's view of an intended charge.
type Handle struct {
	ID                  string            `json:"id"`
	ClientSecret        string            `json:"client_secret,omitempty"`
	Status              Status            `json:"status"`
	AmountCents         int64             `json:"amount"`
	AmountReceivedCents int64             `json:"amount_received"`
	Currency            string            `json:"currency"`
	ChargeID            string            `json:"latest_charge,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

type CreateRequest struct {
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Processor creates and inspects payment handles. Capture happens outside the service.
type Processor interface {
	CreateHandle(ctx context.Context, req CreateRequest) (Handle, error)
	RetrieveHandle(ctx context.Context, id string) (Handle, error)
	CancelHandle(ctx context.Context, id string) error
	Refund(ctx context.Context, chargeRef, idempotencyKey string) error
}

const (
	metaResource     = "resource_id"
	metaRequester    = "requester_id"
	metaStart        = "start"
	metaEnd          = "end"
	metaGranularity  = "granularity"
	metaDiscountCode = "discount_code"
	metaQuotedTotal  = "quoted_total_cents"
)

// HoldMetadata is what a hold records on its payment handle so that a later
// finalize can recompute the quote from the same inputs.
type HoldMetadata struct {
	ResourceID       string
	RequesterID      string
	Start            time.Time
	End              time.Time
	Granularity      domain.Granularity
	DiscountCode     string
	QuotedTotalCents int64
}

func (m HoldMetadata) Encode() map[string]string {
	return map[string]string{
		metaResource:     m.ResourceID,
		metaRequester:    m.RequesterID,
		metaStart:        m.Start.UTC().Format(time.RFC3339),
		metaEnd:          m.End.UTC().Format(time.RFC3339),
		metaGranularity:  string(m.Granularity),
		metaDiscountCode: m.DiscountCode,
		metaQuotedTotal:  strconv.FormatInt(m.QuotedTotalCents, 10),
	}
}

// DecodeHoldMetadata fails with INVALID_PI when the handle was not created by a hold.
func DecodeHoldMetadata(meta map[string]string) (HoldMetadata, error) {
	invalid := domain.InvalidPayment("payment handle is not linked to a reservation hold")
	if meta[metaResource] == "" || meta[metaRequester] == "" {
		return HoldMetadata{}, invalid
	}
	start, err := time.Parse(time.RFC3339, meta[metaStart])
	if err != nil {
		return HoldMetadata{}, invalid
	}
	end, err := time.Parse(time.RFC3339, meta[metaEnd])
	if err != nil {
		return HoldMetadata{}, invalid
	}
	total, err := strconv.ParseInt(meta[metaQuotedTotal], 10, 64)
	if err != nil {
		return HoldMetadata{}, invalid
	}
	g := domain.Granularity(meta[metaGranularity])
	if !g.Valid() {
		return HoldMetadata{}, invalid
	}
	return HoldMetadata{
		ResourceID:       meta[metaResource],
		RequesterID:      meta[metaRequester],
		Start:            start.UTC(),
		End:              end.UTC(),
		Granularity:      g,
		DiscountCode:     meta[metaDiscountCode],
		QuotedTotalCents: total,
	}, nil
}
