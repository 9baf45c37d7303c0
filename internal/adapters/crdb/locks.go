package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/rental-reservations/internal/domain"
)

var errPartialAcquire = errors.New("partial lock acquisition")

// Acquire inserts one row per bucket. A row whose hold has lapsed is overwritten
// in the same statement; any other existing row is left alone and reported back as
// a conflict, and the transaction is rolled back so nothing is written.
func (r *Repository) Acquire(ctx context.Context, req domain.LockRequest, now time.Time) ([]string, error) {
	if len(req.Buckets) == 0 {
		return nil, nil
	}
	var conflicts []string
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		conflicts = nil
		rows, err := tx.Query(ctx, `
			INSERT INTO locks (resource_id, bucket, granularity, created_by, reason, hold_until, created_at)
			SELECT $1, b, $3, $4, $5, $6, $7 FROM unnest($2::STRING[]) AS b
			ON CONFLICT (resource_id, bucket) DO UPDATE SET
				granularity = excluded.granularity,
				created_by = excluded.created_by,
				reason = excluded.reason,
				hold_until = excluded.hold_until,
				created_at = excluded.created_at
			WHERE locks.hold_until IS NOT NULL AND locks.hold_until <= $7
			RETURNING bucket
		`, req.ResourceID, req.Buckets, string(req.Granularity), req.CreatedBy, req.Reason, req.HoldUntil, now)
		if err != nil {
			return errors.Wrap(err, "insert locks")
		}
		acquired, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return errors.Wrap(err, "read acquired buckets")
		}
		if len(acquired) == len(req.Buckets) {
			return nil
		}
		got := make(map[string]struct{}, len(acquired))
		for _, b := range acquired {
			got[b] = struct{}{}
		}
		for _, b := range req.Buckets {
			if _, ok := got[b]; !ok {
				conflicts = append(conflicts, b)
			}
		}
		return errPartialAcquire
	})
	if errors.Is(err, errPartialAcquire) {
		return conflicts, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *Repository) ListActive(ctx context.Context, resourceID string, buckets []string, now time.Time) ([]domain.Lock, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT resource_id, bucket, granularity, created_by, reason, hold_until, created_at
		FROM locks
		WHERE resource_id = $1 AND bucket = ANY($2::STRING[])
			AND (hold_until IS NULL OR hold_until > $3)
		ORDER BY bucket
	`, resourceID, buckets, now)
	if err != nil {
		return nil, errors.Wrap(err, "query locks")
	}
	defer rows.Close()

	var out []domain.Lock
	for rows.Next() {
		var l domain.Lock
		var g string
		if err := rows.Scan(&l.ResourceID, &l.Bucket, &g, &l.CreatedBy, &l.Reason, &l.HoldUntil, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan lock")
		}
		l.Granularity = domain.Granularity(g)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *Repository) ReleaseByReason(ctx context.Context, reason string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM locks WHERE reason = $1`, reason)
	if err != nil {
		return 0, errors.Wrap(err, "delete locks by reason")
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	swept, err := r.SweepExpiredLocks(ctx, now)
	return len(swept), err
}

// SweepExpiredLocks deletes lapsed holds and returns them, so the caller can say
// which holds expired. Row-level TTL removes the same rows eventually.
func (r *Repository) SweepExpiredLocks(ctx context.Context, now time.Time) ([]domain.Lock, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM locks WHERE hold_until IS NOT NULL AND hold_until <= $1
		RETURNING resource_id, bucket, granularity, created_by, reason, hold_until, created_at
	`, now)
	if err != nil {
		return nil, errors.Wrap(err, "sweep expired locks")
	}
	defer rows.Close()

	var out []domain.Lock
	for rows.Next() {
		var l domain.Lock
		var g string
		if err := rows.Scan(&l.ResourceID, &l.Bucket, &g, &l.CreatedBy, &l.Reason, &l.HoldUntil, &l.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan swept lock")
		}
		l.Granularity = domain.Granularity(g)
		out = append(out, l)
	}
	return out, rows.Err()
}
