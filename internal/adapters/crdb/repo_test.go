package crdb_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/rental-reservations/internal/adapters/crdb"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRepository(t *testing.T) *crdb.Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("container test")
	}
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = crdbContainer.Terminate(ctx) })

	host, err := crdbContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := crdbContainer.MappedPort(ctx, "26257")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgresql://root@%s:%s/defaultdb?sslmode=disable", host, port.Port()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	if err := crdb.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	return crdb.NewRepository(pool)
}

func hold(resourceID, reason string, until time.Time, buckets ...string) domain.LockRequest {
	return domain.LockRequest{
		ResourceID:  resourceID,
		Buckets:     buckets,
		Granularity: domain.GranularityDay,
		CreatedBy:   "renter",
		Reason:      reason,
		HoldUntil:   &until,
	}
}

func TestRepository(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("acquire is all or nothing", func(t *testing.T) {
		conflicts, err := repo.Acquire(ctx, hold("r-atomic", "preview-hold:a", now.Add(time.Hour), "2025-09-02"), now)
		require.NoError(t, err)
		require.Empty(t, conflicts)

		conflicts, err = repo.Acquire(ctx, hold("r-atomic", "preview-hold:b", now.Add(time.Hour), "2025-09-01", "2025-09-02", "2025-09-03"), now)
		require.NoError(t, err)
		assert.Equal(t, []string{"2025-09-02"}, conflicts)

		locks, err := repo.ListActive(ctx, "r-atomic", []string{"2025-09-01", "2025-09-02", "2025-09-03"}, now)
		require.NoError(t, err)
		require.Len(t, locks, 1)
		assert.Equal(t, "preview-hold:a", locks[0].Reason)
	})

	t.Run("expired holds are taken over", func(t *testing.T) {
		_, err := repo.Acquire(ctx, hold("r-expiry", "preview-hold:old", now.Add(time.Second), "2025-09-01"), now)
		require.NoError(t, err)

		later := now.Add(2 * time.Second)
		conflicts, err := repo.Acquire(ctx, hold("r-expiry", "preview-hold:new", later.Add(time.Hour), "2025-09-01"), later)
		require.NoError(t, err)
		assert.Empty(t, conflicts)

		n, err := repo.ReleaseByReason(ctx, "preview-hold:old")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("concurrent acquisitions have one winner", func(t *testing.T) {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conflicts, err := repo.Acquire(ctx, hold("r-race", fmt.Sprintf("preview-hold:%d", i), now.Add(time.Hour), "2025-09-01", "2025-09-02"), now)
				if err != nil {
					assert.ErrorIs(t, err, domain.ErrSerializationFailure)
					return
				}
				if len(conflicts) == 0 {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("finalize retags and is idempotent", func(t *testing.T) {
		buckets := []string{"2025-10-01", "2025-10-02"}
		_, err := repo.Acquire(ctx, hold("r-final", domain.HoldReason("ph_final"), now.Add(time.Hour), buckets...), now)
		require.NoError(t, err)

		res := domain.NewReservation(domain.Resource{ID: "r-final", OwnerID: "host"}, "renter",
			time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 10, 3, 0, 0, 0, 0, time.UTC),
			domain.GranularityDay, domain.PricingSnapshot{Currency: "USD", BaseCents: 9000, TotalCents: 9000},
			domain.PaymentReference{HandleID: "ph_final", ChargeID: "ch_1"}, now)

		stored, created, err := repo.Finalize(ctx, res, domain.HoldReason("ph_final"), buckets, now)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, res.ID, stored.ID)

		locks, err := repo.ListActive(ctx, "r-final", buckets, now.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, locks, 2)
		for _, l := range locks {
			assert.Equal(t, domain.ReservationReason(res.ID), l.Reason)
			assert.Nil(t, l.HoldUntil)
		}

		retry := res
		retry.ID = uuid.New()
		again, created, err := repo.Finalize(ctx, retry, domain.HoldReason("ph_final"), buckets, now)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, res.ID, again.ID)
		assert.Equal(t, int64(9000), again.Pricing.TotalCents)
	})

	t.Run("finalize reports missing holds", func(t *testing.T) {
		_, err := repo.Acquire(ctx, hold("r-missing", domain.HoldReason("ph_missing"), now.Add(time.Hour), "2025-11-01"), now)
		require.NoError(t, err)

		res := domain.NewReservation(domain.Resource{ID: "r-missing", OwnerID: "host"}, "renter",
			time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC),
			domain.GranularityDay, domain.PricingSnapshot{TotalCents: 1}, domain.PaymentReference{HandleID: "ph_missing"}, now)
		_, _, err = repo.Finalize(ctx, res, domain.HoldReason("ph_missing"), []string{"2025-11-01", "2025-11-02"}, now)

		var missing *domain.LocksMissingError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, []string{"2025-11-02"}, missing.Buckets)

		_, err = repo.GetByPaymentHandle(ctx, "ph_missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("update compares versions", func(t *testing.T) {
		res, err := repo.GetByPaymentHandle(ctx, "ph_final")
		require.NoError(t, err)

		res.State = domain.StateInProgress
		fuel := 50.0
		res.Checkin = &domain.Checkpoint{ActorID: "renter", At: now, Notes: "keys", Readings: domain.Readings{FuelPercent: &fuel}}
		updated, err := repo.Update(ctx, res)
		require.NoError(t, err)
		assert.Equal(t, res.Version+1, updated.Version)

		_, err = repo.Update(ctx, res)
		assert.ErrorIs(t, err, domain.ErrConflict)

		got, err := repo.Get(ctx, res.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Checkin)
		assert.Equal(t, 50.0, *got.Checkin.Readings.FuelPercent)

		list, err := repo.ListByActor(ctx, "host", 10)
		require.NoError(t, err)
		assert.NotEmpty(t, list)
	})

	t.Run("sweep removes lapsed holds only", func(t *testing.T) {
		_, err := repo.Acquire(ctx, hold("r-sweep", "preview-hold:s", now.Add(time.Second), "2025-12-01"), now)
		require.NoError(t, err)

		n, err := repo.SweepExpired(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		locks, err := repo.ListActive(ctx, "r-final", []string{"2025-10-01"}, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, locks, 1)
	})

	t.Run("outbox", func(t *testing.T) {
		ev := events.Event{ID: uuid.New(), Type: events.HoldExpired, ResourceID: "r-sweep", OccurredAt: now}
		require.NoError(t, repo.Emit(ctx, ev))
		require.NoError(t, repo.Emit(ctx, ev))

		records, err := repo.GetUnpublishedOutbox(ctx, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "resource", records[0].AggregateType)

		require.NoError(t, repo.MarkPublished(ctx, records[0].ID, now))
		records, err = repo.GetUnpublishedOutbox(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
