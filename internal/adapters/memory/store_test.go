package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/adapters/memory"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func holdRequest(reason string, until time.Time, buckets ...string) domain.LockRequest {
	return domain.LockRequest{
		ResourceID:  "res-1",
		Buckets:     buckets,
		Granularity: domain.GranularityDay,
		CreatedBy:   "renter",
		Reason:      reason,
		HoldUntil:   &until,
	}
}

func TestAcquireIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	conflicts, err := s.Acquire(ctx, holdRequest("preview-hold:a", t0.Add(time.Hour), "2025-09-02"), t0)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	conflicts, err = s.Acquire(ctx, holdRequest("preview-hold:b", t0.Add(time.Hour), "2025-09-01", "2025-09-02"), t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-09-02"}, conflicts)
	assert.Len(t, s.Locks("res-1"), 1)
}

func TestAcquireTakesOverExpiredHolds(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	_, err := s.Acquire(ctx, holdRequest("preview-hold:a", t0.Add(time.Second), "2025-09-01"), t0)
	require.NoError(t, err)

	later := t0.Add(2 * time.Second)
	conflicts, err := s.Acquire(ctx, holdRequest("preview-hold:b", later.Add(time.Hour), "2025-09-01"), later)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	locks, err := s.ListActive(ctx, "res-1", []string{"2025-09-01"}, later)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "preview-hold:b", locks[0].Reason)
}

func TestFinalizeRetagsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	buckets := []string{"2025-09-01", "2025-09-02"}

	_, err := s.Acquire(ctx, holdRequest(domain.HoldReason("ph_1"), t0.Add(time.Hour), buckets...), t0)
	require.NoError(t, err)

	res := domain.Reservation{
		ID:         uuid.New(),
		ResourceID: "res-1",
		Payment:    domain.PaymentReference{HandleID: "ph_1"},
		Version:    1,
	}
	got, created, err := s.Finalize(ctx, res, domain.HoldReason("ph_1"), buckets, t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, res.ID, got.ID)

	for _, l := range s.Locks("res-1") {
		assert.Equal(t, domain.ReservationReason(res.ID), l.Reason)
		assert.Nil(t, l.HoldUntil)
	}

	again := res
	again.ID = uuid.New()
	got, created, err = s.Finalize(ctx, again, domain.HoldReason("ph_1"), buckets, t0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, res.ID, got.ID)
}

func TestFinalizeReportsMissingHolds(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	_, err := s.Acquire(ctx, holdRequest(domain.HoldReason("ph_1"), t0.Add(time.Second), "2025-09-01"), t0)
	require.NoError(t, err)

	res := domain.Reservation{ID: uuid.New(), ResourceID: "res-1", Payment: domain.PaymentReference{HandleID: "ph_1"}}
	_, _, err = s.Finalize(ctx, res, domain.HoldReason("ph_1"), []string{"2025-09-01", "2025-09-02"}, t0.Add(time.Minute))

	var missing *domain.LocksMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"2025-09-01", "2025-09-02"}, missing.Buckets)
}

func TestUpdateComparesVersion(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	res := domain.Reservation{ID: uuid.New(), ResourceID: "res-1", Payment: domain.PaymentReference{HandleID: "ph_1"}, Version: 1}
	_, _, err := s.Finalize(ctx, res, "preview-hold:ph_1", nil, t0)
	require.NoError(t, err)

	res.State = domain.StateAccepted
	updated, err := s.Update(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.Update(ctx, res)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSweepAndRelease(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	_, err := s.Acquire(ctx, holdRequest("preview-hold:a", t0.Add(time.Second), "2025-09-01"), t0)
	require.NoError(t, err)
	_, err = s.Acquire(ctx, holdRequest("preview-hold:b", t0.Add(time.Hour), "2025-09-02", "2025-09-03"), t0)
	require.NoError(t, err)

	n, err := s.SweepExpired(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ReleaseByReason(ctx, "preview-hold:b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, s.Locks("res-1"))
}
