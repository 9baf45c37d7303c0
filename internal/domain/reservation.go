package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	holdReasonPrefix        = "preview-hold:"
	reservationReasonPrefix = "reservation:"
)

// HoldReason tags locks owned by an unconfirmed payment handle.
func HoldReason(handleID string) string {
	return holdReasonPrefix + handleID
}

// ReservationReason tags locks owned by a committed reservation.
func ReservationReason(id uuid.UUID) string {
	return reservationReasonPrefix + id.String()
}

// IsHoldReason reports whether reason was produced by HoldReason.
func IsHoldReason(reason string) bool {
	return strings.HasPrefix(reason, holdReasonPrefix)
}

// HoldHandle returns the payment handle a hold reason was derived from.
func HoldHandle(reason string) (string, bool) {
	return strings.CutPrefix(reason, holdReasonPrefix)
}

// NewReservation builds the record written by a successful commit.
func NewReservation(res Resource, requesterID string, start, end time.Time, g Granularity, pricing PricingSnapshot, payment PaymentReference, now time.Time) Reservation {
	state := StatePending
	if res.InstantBook {
		state = StateAccepted
	}
	return Reservation{
		ID:            uuid.New(),
		ResourceID:    res.ID,
		OwnerID:       res.OwnerID,
		RequesterID:   requesterID,
		Start:         start.UTC(),
		End:           end.UTC(),
		Granularity:   g,
		Pricing:       pricing,
		State:         state,
		PaymentStatus: PaymentPaid,
		Payment:       payment,
		Version:       1,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}
