package availability_test

import (
	"context"
	"testing"
	"time"

	"github.com/robertarktes/rental-reservations/internal/adapters/memory"
	"github.com/robertarktes/rental-reservations/internal/availability"
	"github.com/robertarktes/rental-reservations/internal/calendar"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2025, 9, d, 0, 0, 0, 0, time.UTC)
}

func setup(t *testing.T, res domain.Resource) (*availability.Reader, *memory.Store, *clock.Manual) {
	t.Helper()
	store := memory.NewStore()
	clk := clock.NewManual(day(1).Add(-24 * time.Hour))
	rule := calendar.NewGranularityRule([]string{"tools"})
	return availability.NewReader(memory.NewDirectory(res), store, rule, clk, 100), store, clk
}

func TestCheckReportsLocksAndBlackouts(t *testing.T) {
	res := domain.Resource{
		ID: "cabin", OwnerID: "host", Category: "cabins", Active: true, DailyRateCents: 4500,
		Blackouts: []domain.BlackoutRange{{Start: day(4).Add(12 * time.Hour), End: day(5)}},
	}
	reader, store, clk := setup(t, res)

	until := clk.Now().Add(time.Hour)
	_, err := store.Acquire(context.Background(), domain.LockRequest{
		ResourceID: "cabin", Buckets: []string{"2025-09-02"}, Granularity: domain.GranularityDay,
		Reason: "preview-hold:x", HoldUntil: &until,
	}, clk.Now())
	require.NoError(t, err)

	got, err := reader.Check(context.Background(), "cabin", day(1), day(6))
	require.NoError(t, err)

	assert.Equal(t, domain.GranularityDay, got.Granularity)
	assert.Equal(t, []string{"2025-09-01", "2025-09-02", "2025-09-03", "2025-09-04", "2025-09-05"}, got.Buckets)
	assert.Equal(t, []string{"2025-09-01", "2025-09-03", "2025-09-05"}, got.Free)
	assert.Equal(t, []availability.Blocked{
		{Bucket: "2025-09-02", Source: availability.SourceLock},
		{Bucket: "2025-09-04", Source: availability.SourceBlackout},
	}, got.Blocked)

	locked, blackout := got.Conflicts()
	assert.Equal(t, []string{"2025-09-02"}, locked)
	assert.Equal(t, []string{"2025-09-04"}, blackout)
	assert.False(t, got.Available())
}

func TestCheckIgnoresExpiredHolds(t *testing.T) {
	res := domain.Resource{ID: "drill", Category: "Tools", Active: true, HourlyRateCents: 500}
	reader, store, clk := setup(t, res)

	until := clk.Now().Add(time.Second)
	_, err := store.Acquire(context.Background(), domain.LockRequest{
		ResourceID: "drill", Buckets: []string{"2025-09-01T10"}, Granularity: domain.GranularityHour,
		Reason: "preview-hold:x", HoldUntil: &until,
	}, clk.Now())
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	got, err := reader.Check(context.Background(), "drill", day(1).Add(10*time.Hour), day(1).Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.GranularityHour, got.Granularity)
	assert.True(t, got.Available())
	assert.Equal(t, []string{"2025-09-01T10", "2025-09-01T11"}, got.Free)
}

func TestCheckRejectsBadInput(t *testing.T) {
	res := domain.Resource{ID: "cabin", Category: "cabins", Active: true}
	reader, _, _ := setup(t, res)
	ctx := context.Background()

	_, err := reader.Check(ctx, "cabin", day(3), day(3))
	assert.Equal(t, domain.KindInvalidWindow, domain.KindOf(err))

	_, err = reader.Check(ctx, "cabin", day(1), day(1).AddDate(1, 0, 0))
	assert.Equal(t, domain.KindInvalidWindow, domain.KindOf(err))

	_, err = reader.Check(ctx, "nope", day(1), day(2))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestCheckHidesInactiveResources(t *testing.T) {
	res := domain.Resource{ID: "cabin", Category: "cabins", Active: false}
	reader, _, _ := setup(t, res)

	_, err := reader.Check(context.Background(), "cabin", day(1), day(2))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}
