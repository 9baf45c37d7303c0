// Package memory holds in-process implementations of the service ports. They keep
// the same atomicity guarantees as the database adapters by serialising every
// operation behind one mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/rental-reservations/internal/domain"
)

type lockKey struct {
	resourceID string
	bucket     string
}

// Store implements domain.LockStore and domain.ReservationRepository.
type Store struct {
	mu           sync.Mutex
	locks        map[lockKey]domain.Lock
	reservations map[uuid.UUID]domain.Reservation
	byHandle     map[string]uuid.UUID
}

func NewStore() *Store {
	return &Store{
		locks:        make(map[lockKey]domain.Lock),
		reservations: make(map[uuid.UUID]domain.Reservation),
		byHandle:     make(map[string]uuid.UUID),
	}
}

func (s *Store) Acquire(_ context.Context, req domain.LockRequest, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []string
	for _, b := range req.Buckets {
		if l, ok := s.locks[lockKey{req.ResourceID, b}]; ok && l.Live(now) {
			conflicts = append(conflicts, b)
		}
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	for _, b := range req.Buckets {
		var holdUntil *time.Time
		if req.HoldUntil != nil {
			t := *req.HoldUntil
			holdUntil = &t
		}
		s.locks[lockKey{req.ResourceID, b}] = domain.Lock{
			ResourceID:  req.ResourceID,
			Bucket:      b,
			Granularity: req.Granularity,
			CreatedBy:   req.CreatedBy,
			Reason:      req.Reason,
			HoldUntil:   holdUntil,
			CreatedAt:   now,
		}
	}
	return nil, nil
}

func (s *Store) ListActive(_ context.Context, resourceID string, buckets []string, now time.Time) ([]domain.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Lock
	for _, b := range buckets {
		if l, ok := s.locks[lockKey{resourceID, b}]; ok && l.Live(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) ReleaseByReason(_ context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, l := range s.locks {
		if l.Reason == reason {
			delete(s.locks, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	swept, err := s.SweepExpiredLocks(ctx, now)
	return len(swept), err
}

func (s *Store) SweepExpiredLocks(_ context.Context, now time.Time) ([]domain.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Lock
	for k, l := range s.locks {
		if !l.Live(now) {
			delete(s.locks, k)
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out, nil
}

// Locks returns every stored lock for a resource, live or not, ordered by bucket.
func (s *Store) Locks(resourceID string) []domain.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Lock
	for k, l := range s.locks {
		if k.resourceID == resourceID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

func (s *Store) Finalize(_ context.Context, res domain.Reservation, holdReason string, buckets []string, now time.Time) (domain.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHandle[res.Payment.HandleID]; ok {
		return s.reservations[id], false, nil
	}

	var missing []string
	for _, b := range buckets {
		l, ok := s.locks[lockKey{res.ResourceID, b}]
		if !ok || l.Reason != holdReason || !l.Live(now) {
			missing = append(missing, b)
		}
	}
	if len(missing) > 0 {
		return domain.Reservation{}, false, &domain.LocksMissingError{Buckets: missing}
	}

	s.reservations[res.ID] = res
	s.byHandle[res.Payment.HandleID] = res.ID

	tag := domain.ReservationReason(res.ID)
	for k, l := range s.locks {
		if l.Reason == holdReason {
			l.Reason = tag
			l.HoldUntil = nil
			s.locks[k] = l
		}
	}
	return res, true, nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *Store) GetByPaymentHandle(_ context.Context, handleID string) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHandle[handleID]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return s.reservations[id], nil
}

func (s *Store) ListByActor(_ context.Context, actorID string, limit int) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.IsParty(actorID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, res domain.Reservation) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.reservations[res.ID]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if current.Version != res.Version {
		return domain.Reservation{}, domain.ErrConflict
	}
	res.Version++
	s.reservations[res.ID] = res
	return res, nil
}
