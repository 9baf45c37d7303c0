package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robertarktes/rental-reservations/internal/adapters/memory"
	"github.com/robertarktes/rental-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type flakySweeper struct {
	Sweeper
	failures int
}

func (f *flakySweeper) SweepExpiredLocks(ctx context.Context, now time.Time) ([]domain.Lock, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	return f.Sweeper.SweepExpiredLocks(ctx, now)
}

type paymentCalls struct {
	handles  []string
	statuses []payments.Status
}

func (p *paymentCalls) HandlePaymentEvent(_ context.Context, handleID string, status payments.Status) error {
	p.handles = append(p.handles, handleID)
	p.statuses = append(p.statuses, status)
	return nil
}

func hold(t *testing.T, store *memory.Store, handle string, until time.Time, buckets ...string) {
	t.Helper()
	_, err := store.Acquire(context.Background(), domain.LockRequest{
		ResourceID: "cabin", Buckets: buckets, Granularity: domain.GranularityDay,
		CreatedBy: "renter", Reason: domain.HoldReason(handle), HoldUntil: &until,
	}, until.Add(-time.Hour))
	require.NoError(t, err)
}

func TestSweepOnceEmitsPerHold(t *testing.T) {
	now := time.Date(2025, 8, 20, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	hold(t, store, "ph_a", now.Add(-time.Minute), "2025-09-01", "2025-09-02")
	hold(t, store, "ph_b", now.Add(-time.Second), "2025-09-05")
	hold(t, store, "ph_live", now.Add(time.Hour), "2025-09-10")

	rec := &recorder{}
	w := NewWorker(store, nil, rec, clock.NewManual(now), observability.NewDiscardLogger())

	n, err := w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, rec.events, 2)

	byHandle := map[string][]any{}
	for _, ev := range rec.events {
		assert.Equal(t, events.HoldExpired, ev.Type)
		var data map[string]any
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		byHandle[data["payment_handle_id"].(string)] = data["buckets"].([]any)
	}
	assert.Equal(t, []any{"2025-09-01", "2025-09-02"}, byHandle["ph_a"])
	assert.Equal(t, []any{"2025-09-05"}, byHandle["ph_b"])

	locks := store.Locks("cabin")
	require.Len(t, locks, 1)
	assert.Equal(t, domain.HoldReason("ph_live"), locks[0].Reason)
}

func TestSweepWithRetry(t *testing.T) {
	now := time.Date(2025, 8, 20, 9, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	hold(t, store, "ph_a", now.Add(-time.Minute), "2025-09-01")

	sweeper := &flakySweeper{Sweeper: store, failures: 2}
	w := NewWorker(sweeper, nil, nil, clock.NewManual(now), observability.NewDiscardLogger())
	w.backoff = time.Millisecond

	n, err := w.SweepWithRetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sweeper.failures = maxRetries
	_, err = w.SweepWithRetry(context.Background())
	assert.Error(t, err)
}

func TestHandlePaymentEvent(t *testing.T) {
	calls := &paymentCalls{}
	w := NewWorker(memory.NewStore(), calls, nil, nil, observability.NewDiscardLogger())

	require.NoError(t, w.HandlePaymentEvent(context.Background(), rabbit.PaymentEvent{HandleID: "ph_1", Status: payments.StatusFailed}))
	assert.Error(t, w.HandlePaymentEvent(context.Background(), rabbit.PaymentEvent{Status: payments.StatusFailed}))
	assert.Equal(t, []string{"ph_1"}, calls.handles)
	assert.Equal(t, []payments.Status{payments.StatusFailed}, calls.statuses)
}
