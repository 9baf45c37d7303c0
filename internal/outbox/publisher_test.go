package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/adapters/crdb"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	records   []crdb.OutboxRecord
	published map[uuid.UUID]bool
	attempts  map[uuid.UUID]int
}

func (s *fakeStore) GetUnpublishedOutbox(_ context.Context, limit int) ([]crdb.OutboxRecord, error) {
	var out []crdb.OutboxRecord
	for _, r := range s.records {
		if !s.published[r.ID] && s.attempts[r.ID] < maxAttempts && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.published[id] = true
	return nil
}

func (s *fakeStore) MarkAttempt(_ context.Context, id uuid.UUID, _ int) error {
	s.attempts[id]++
	return nil
}

type fakeBroker struct {
	sent []string
	fail map[string]bool
}

func (b *fakeBroker) PublishEvent(_ context.Context, eventType, messageID string, _ []byte) error {
	if b.fail[eventType] {
		return errors.New("broker unavailable")
	}
	b.sent = append(b.sent, messageID)
	return nil
}

type fakeStream struct{ keys []string }

func (s *fakeStream) PublishEvent(_ context.Context, key, _, _ string, _ []byte) error {
	s.keys = append(s.keys, key)
	return nil
}

func record(eventType, aggregate string) crdb.OutboxRecord {
	id := uuid.New()
	return crdb.OutboxRecord{ID: id, AggregateID: aggregate, EventType: eventType, DedupeKey: id.String(),
		Payload: []byte(`{}`), CreatedAt: time.Now().Add(-time.Second)}
}

func TestRelayOnce(t *testing.T) {
	ok := record("reservation.created", "res-1")
	bad := record("reservation.cancelled", "res-2")
	store := &fakeStore{records: []crdb.OutboxRecord{ok, bad}, published: map[uuid.UUID]bool{}, attempts: map[uuid.UUID]int{}}
	broker := &fakeBroker{fail: map[string]bool{"reservation.cancelled": true}}
	stream := &fakeStream{}
	p := NewPublisher(store, broker, stream, time.Second, observability.NewDiscardLogger())

	n, err := p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{ok.DedupeKey}, broker.sent)
	assert.Equal(t, []string{"res-1"}, stream.keys)
	assert.Equal(t, 1, store.attempts[bad.ID])

	broker.fail = nil
	n, err = p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, store.published[bad.ID])

	n, err = p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayWithoutStream(t *testing.T) {
	store := &fakeStore{records: []crdb.OutboxRecord{record("hold.expired", "r1")}, published: map[uuid.UUID]bool{}, attempts: map[uuid.UUID]int{}}
	broker := &fakeBroker{}
	p := NewPublisher(store, broker, nil, 0, observability.NewDiscardLogger())

	n, err := p.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, broker.sent, 1)
}
