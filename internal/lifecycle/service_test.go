package lifecycle_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/adapters/memory"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	start = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2025, 9, 3, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc      *lifecycle.Service
	store    *memory.Store
	payments *memory.Payments
	clock    *clock.Manual
}

func newFixture(t *testing.T, hosts ...string) *fixture {
	t.Helper()
	v, err := lifecycle.NewCheckpointValidator(hosts)
	require.NoError(t, err)
	f := &fixture{
		store:    memory.NewStore(),
		payments: memory.NewPayments(),
		clock:    clock.NewManual(time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)),
	}
	f.svc = lifecycle.NewService(lifecycle.Deps{
		Reservations: f.store,
		Locks:        f.store,
		Payments:     f.payments,
		Validator:    v,
		Clock:        f.clock,
	}, 12*time.Hour)
	return f
}

// commit stores a paid reservation holding its two day buckets.
func (f *fixture) commit(t *testing.T, state domain.State) domain.Reservation {
	t.Helper()
	ctx := context.Background()
	handle := "ph_" + uuid.NewString()
	buckets := []string{"2025-09-01", "2025-09-02"}
	until := f.clock.Now().Add(time.Hour)
	_, err := f.store.Acquire(ctx, domain.LockRequest{
		ResourceID: "cabin", Buckets: buckets, Granularity: domain.GranularityDay,
		CreatedBy: "renter", Reason: domain.HoldReason(handle), HoldUntil: &until,
	}, f.clock.Now())
	require.NoError(t, err)

	res := domain.NewReservation(
		domain.Resource{ID: "cabin", OwnerID: "host"}, "renter", start, end, domain.GranularityDay,
		domain.PricingSnapshot{Currency: "USD", BaseCents: 9000, TotalCents: 9000},
		domain.PaymentReference{HandleID: handle, ChargeID: "ch_" + handle},
		f.clock.Now(),
	)
	res.State = state
	stored, _, err := f.store.Finalize(ctx, res, domain.HoldReason(handle), buckets, f.clock.Now())
	require.NoError(t, err)
	return stored
}

func notes(s string) lifecycle.CheckpointInput {
	return lifecycle.CheckpointInput{Notes: s}
}

func TestAcceptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.commit(t, domain.StatePending)

	first, err := f.svc.Accept(ctx, "host", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAccepted, first.State)

	second, err := f.svc.Accept(ctx, "host", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAccepted, second.State)
	assert.Equal(t, first.Version, second.Version)
}

func TestAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.commit(t, domain.StatePending)

	_, err := f.svc.Accept(ctx, "renter", res.ID)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	_, err = f.svc.Cancel(ctx, "host", res.ID)
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	_, err = f.svc.Accept(ctx, "stranger", res.ID)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = f.svc.Get(ctx, "stranger", res.ID)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = f.svc.Get(ctx, "host", uuid.New())
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestDeclineRefundsAndReleasesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.commit(t, domain.StatePending)

	declined, err := f.svc.Decline(ctx, "host", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeclined, declined.State)
	assert.Equal(t, domain.PaymentRefunded, declined.PaymentStatus)
	assert.Empty(t, f.store.Locks("cabin"))
	assert.Equal(t, map[string]string{"refund:" + res.ID.String(): res.Payment.ChargeID}, f.payments.Refunds())

	again, err := f.svc.Decline(ctx, "host", res.ID)
	require.NoError(t, err)
	assert.Equal(t, declined.Version, again.Version)
	assert.Len(t, f.payments.Refunds(), 1)
}

// acceptFirst lets the owner accept just before the first reservation write lands.
type acceptFirst struct {
	*memory.Store
	accept func()
	once   bool
}

func (r *acceptFirst) Update(ctx context.Context, res domain.Reservation) (domain.Reservation, error) {
	if !r.once {
		r.once = true
		r.accept()
	}
	return r.Store.Update(ctx, res)
}

func TestCancelLosesToConcurrentAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.commit(t, domain.StatePending)

	v, err := lifecycle.NewCheckpointValidator(nil)
	require.NoError(t, err)
	repo := &acceptFirst{Store: f.store}
	svc := lifecycle.NewService(lifecycle.Deps{
		Reservations: repo, Locks: f.store, Payments: f.payments, Validator: v, Clock: f.clock,
	}, 12*time.Hour)
	repo.accept = func() {
		_, err := f.svc.Accept(ctx, "host", res.ID)
		require.NoError(t, err)
	}

	got, err := svc.Cancel(ctx, "renter", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAccepted, got.State)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Empty(t, f.payments.Refunds())
	assert.Len(t, f.store.Locks("cabin"), 2)
}

func TestDeclineResumesFailedRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.commit(t, domain.StatePending)

	f.payments.RefundErr = errors.New("processor down")
	_, err := f.svc.Decline(ctx, "host", res.ID)
	require.Error(t, err)

	stored, err := f.svc.Get(ctx, "host", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeclined, stored.State)
	assert.Equal(t, domain.PaymentPaid, stored.PaymentStatus)
	assert.Empty(t, f.store.Locks("cabin"))

	f.payments.RefundErr = nil
	declined, err := f.svc.Decline(ctx, "host", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeclined, declined.State)
	assert.Equal(t, domain.PaymentRefunded, declined.PaymentStatus)
	assert.Len(t, f.payments.Refunds(), 1)
}

func TestCancelByRequester(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.commit(t, domain.StatePending)

	cancelled, err := f.svc.Cancel(ctx, "renter", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)
	assert.Empty(t, f.store.Locks("cabin"))

	// accepting a cancelled reservation returns it unchanged
	got, err := f.svc.Accept(ctx, "host", res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
}

func TestCheckInAndOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.commit(t, domain.StateAccepted)

	_, err := f.svc.CheckOut(ctx, "renter", res.ID, notes("early"))
	assert.Equal(t, domain.KindInvalidState, domain.KindOf(err))

	_, err = f.svc.CheckIn(ctx, "renter", res.ID, notes("too soon"))
	assert.Equal(t, domain.KindInvalidWindow, domain.KindOf(err))

	f.clock.Set(start.Add(10 * time.Hour))
	fuel := 80.0
	in, err := f.svc.CheckIn(ctx, "renter", res.ID, lifecycle.CheckpointInput{
		Readings: domain.Readings{FuelPercent: &fuel},
		Photos:   []string{"https://cdn.example.com/a.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateInProgress, in.State)
	require.NotNil(t, in.Checkin)
	assert.Equal(t, "renter", in.Checkin.ActorID)

	again, err := f.svc.CheckIn(ctx, "host", res.ID, notes("retry"))
	require.NoError(t, err)
	assert.Equal(t, in.Checkin, again.Checkin)

	f.clock.Set(end.Add(13 * time.Hour))
	_, err = f.svc.CheckOut(ctx, "host", res.ID, notes("late"))
	assert.Equal(t, domain.KindInvalidWindow, domain.KindOf(err))

	f.clock.Set(end.Add(11 * time.Hour))
	out, err := f.svc.CheckOut(ctx, "host", res.ID, notes("all good"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, out.State)
	assert.Equal(t, "host", out.Checkout.ActorID)

	// the buckets stay occupied by the finished reservation
	for _, l := range f.store.Locks("cabin") {
		assert.Equal(t, domain.ReservationReason(res.ID), l.Reason)
		assert.Nil(t, l.HoldUntil)
	}
}

func TestCheckpointWindowBounds(t *testing.T) {
	cases := []struct {
		name     string
		checkin  time.Time
		checkout time.Time
		outKind  domain.Kind
	}{
		{name: "check in at start, out at grace end", checkin: start, checkout: end.Add(12 * time.Hour)},
		{name: "check in at end, out at end", checkin: end, checkout: end},
		{name: "check out just past grace", checkin: start, checkout: end.Add(12*time.Hour + time.Second), outKind: domain.KindInvalidWindow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			res := f.commit(t, domain.StateAccepted)

			f.clock.Set(tc.checkin)
			in, err := f.svc.CheckIn(ctx, "renter", res.ID, notes("in"))
			require.NoError(t, err)
			assert.Equal(t, domain.StateInProgress, in.State)

			f.clock.Set(tc.checkout)
			out, err := f.svc.CheckOut(ctx, "renter", res.ID, notes("out"))
			if tc.outKind != "" {
				assert.Equal(t, tc.outKind, domain.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StateCompleted, out.State)
		})
	}

	t.Run("check in a second past end", func(t *testing.T) {
		f := newFixture(t)
		res := f.commit(t, domain.StateAccepted)
		f.clock.Set(end.Add(time.Second))
		_, err := f.svc.CheckIn(context.Background(), "renter", res.ID, notes("late"))
		assert.Equal(t, domain.KindInvalidWindow, domain.KindOf(err))
	})
}

func TestCheckInRejectsWrongState(t *testing.T) {
	f := newFixture(t)
	res := f.commit(t, domain.StatePending)
	f.clock.Set(start.Add(time.Hour))

	_, err := f.svc.CheckIn(context.Background(), "renter", res.ID, notes("hello"))
	assert.Equal(t, domain.KindInvalidState, domain.KindOf(err))
}

func TestCheckpointValidation(t *testing.T) {
	neg := -1.0
	over := 101.0
	cases := []struct {
		name   string
		hosts  []string
		in     lifecycle.CheckpointInput
		fields []string
	}{
		{name: "empty", in: lifecycle.CheckpointInput{}},
		{name: "negative odometer", in: lifecycle.CheckpointInput{Readings: domain.Readings{Odometer: &neg}}, fields: []string{"readings.odometer"}},
		{name: "percent over 100", in: lifecycle.CheckpointInput{Readings: domain.Readings{BatteryPercent: &over}}, fields: []string{"readings.battery_percent"}},
		{name: "bad cleanliness", in: lifecycle.CheckpointInput{Readings: domain.Readings{Cleanliness: "spotless"}}, fields: []string{"readings.cleanliness"}},
		{name: "long notes", in: notes(strings.Repeat("x", 2001)), fields: []string{"notes"}},
		{name: "malformed url", in: lifecycle.CheckpointInput{Photos: []string{"not a url"}}, fields: []string{"photos[0]"}},
		{name: "untrusted host", hosts: []string{"cdn.example.com"}, in: lifecycle.CheckpointInput{Photos: []string{"https://evil.test/x.jpg"}}, fields: []string{"photos[0]"}},
		{name: "too many photos", in: lifecycle.CheckpointInput{Photos: manyPhotos(21)}, fields: []string{"photos"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := lifecycle.NewCheckpointValidator(tc.hosts)
			require.NoError(t, err)

			err = v.Validate(tc.in)
			var de *domain.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, domain.KindInvalidBody, de.Kind)
			if len(tc.fields) == 0 {
				return
			}
			fields, ok := de.Details["fields"].(map[string]string)
			require.True(t, ok)
			for _, f := range tc.fields {
				assert.Contains(t, fields, f)
			}
		})
	}
}

func TestCheckpointValidationAccepts(t *testing.T) {
	v, err := lifecycle.NewCheckpointValidator([]string{"CDN.example.com"})
	require.NoError(t, err)

	hours := 12.5
	assert.NoError(t, v.Validate(lifecycle.CheckpointInput{
		Notes:    "scratch on left door",
		Readings: domain.Readings{MeterHours: &hours, Cleanliness: "good"},
		Photos:   manyPhotos(20),
	}))
}

func manyPhotos(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "https://cdn.example.com/p.jpg"
	}
	return out
}
