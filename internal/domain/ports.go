package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LockStore is the (resourceId, bucket) lock table. Uniqueness is enforced by the
// store itself; callers never coordinate in-process.
type LockStore interface {
	// Acquire takes every requested bucket or none. It returns the buckets that are
	// held by a live lock; when that slice is non-empty nothing was written. Locks whose
	// HoldUntil is not after now are taken over.
	Acquire(ctx context.Context, req LockRequest, now time.Time) ([]string, error)
	// ListActive returns the live locks among buckets.
	ListActive(ctx context.Context, resourceID string, buckets []string, now time.Time) ([]Lock, error)
	// ReleaseByReason deletes every lock carrying reason. Releasing nothing is not an error.
	ReleaseByReason(ctx context.Context, reason string) (int, error)
	// SweepExpired deletes locks whose hold has lapsed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type ReservationRepository interface {
	// Finalize creates res for its payment handle, or returns the reservation already
	// created for that handle with created=false. Before inserting it checks that every
	// bucket carries a live lock tagged holdReason (*LocksMissingError otherwise), and
	// afterwards retags those locks to ReservationReason(res.ID) with no expiry.
	Finalize(ctx context.Context, res Reservation, holdReason string, buckets []string, now time.Time) (Reservation, bool, error)
	Get(ctx context.Context, id uuid.UUID) (Reservation, error)
	GetByPaymentHandle(ctx context.Context, handleID string) (Reservation, error)
	ListByActor(ctx context.Context, actorID string, limit int) ([]Reservation, error)
	// Update writes res if the stored version equals res.Version, bumping it.
	// A stale version yields ErrConflict.
	Update(ctx context.Context, res Reservation) (Reservation, error)
}

type ResourceDirectory interface {
	GetResource(ctx context.Context, id string) (Resource, error)
}
