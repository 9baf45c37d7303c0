package payments_test

import (
	"testing"
	"time"

	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldMetadataRoundTrip(t *testing.T) {
	in := payments.HoldMetadata{
		ResourceID:       "res-1",
		RequesterID:      "renter",
		Start:            time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		End:              time.Date(2025, 9, 3, 0, 0, 0, 0, time.UTC),
		Granularity:      domain.GranularityDay,
		DiscountCode:     "SUMMER",
		QuotedTotalCents: 9000,
	}
	out, err := payments.DecodeHoldMetadata(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeHoldMetadataRejectsForeignHandles(t *testing.T) {
	cases := map[string]map[string]string{
		"empty":        {},
		"bad start":    {"resource_id": "r", "requester_id": "u", "start": "x", "end": "2025-09-03T00:00:00Z", "granularity": "day", "quoted_total_cents": "1"},
		"bad total":    {"resource_id": "r", "requester_id": "u", "start": "2025-09-01T00:00:00Z", "end": "2025-09-03T00:00:00Z", "granularity": "day", "quoted_total_cents": "lots"},
		"bad grain":    {"resource_id": "r", "requester_id": "u", "start": "2025-09-01T00:00:00Z", "end": "2025-09-03T00:00:00Z", "granularity": "week", "quoted_total_cents": "1"},
		"no requester": {"resource_id": "r", "start": "2025-09-01T00:00:00Z", "end": "2025-09-03T00:00:00Z", "granularity": "day", "quoted_total_cents": "1"},
	}
	for name, meta := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := payments.DecodeHoldMetadata(meta)
			assert.Equal(t, domain.KindInvalidPayment, domain.KindOf(err))
		})
	}
}
