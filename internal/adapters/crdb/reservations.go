package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/rental-reservations/internal/domain"
)

const reservationColumns = `id, resource_id, owner_id, requester_id, start_at, end_at, granularity,
	pricing, state, payment_status, payment_handle_id, charge_id, checkin, checkout,
	version, created_at, updated_at`

var errHandleTaken = errors.New("payment handle already finalized")

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		res                        domain.Reservation
		g, state, payStatus        string
		pricing, checkin, checkout []byte
	)
	err := row.Scan(&res.ID, &res.ResourceID, &res.OwnerID, &res.RequesterID, &res.Start, &res.End, &g,
		&pricing, &state, &payStatus, &res.Payment.HandleID, &res.Payment.ChargeID, &checkin, &checkout,
		&res.Version, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "scan reservation")
	}
	res.Granularity = domain.Granularity(g)
	res.State = domain.State(state)
	res.PaymentStatus = domain.PaymentStatus(payStatus)
	res.Start, res.End = res.Start.UTC(), res.End.UTC()
	if err := json.Unmarshal(pricing, &res.Pricing); err != nil {
		return domain.Reservation{}, errors.Wrap(err, "decode pricing")
	}
	if res.Checkin, err = decodeCheckpoint(checkin); err != nil {
		return domain.Reservation{}, err
	}
	if res.Checkout, err = decodeCheckpoint(checkout); err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

func decodeCheckpoint(data []byte) (*domain.Checkpoint, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	return &cp, nil
}

func encodeCheckpoint(cp *domain.Checkpoint) (any, error) {
	if cp == nil {
		return nil, nil
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, errors.Wrap(err, "encode checkpoint")
	}
	return data, nil
}

// Finalize verifies the holds, inserts the reservation and retags the holds in one
// transaction, so a hold cannot lapse between the check and the retag.
func (r *Repository) Finalize(ctx context.Context, res domain.Reservation, holdReason string, buckets []string, now time.Time) (domain.Reservation, bool, error) {
	pricing, err := json.Marshal(res.Pricing)
	if err != nil {
		return domain.Reservation{}, false, errors.Wrap(err, "encode pricing")
	}

	var (
		out     domain.Reservation
		created bool
	)
	err = r.WithTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanReservation(tx.QueryRow(ctx,
			`SELECT `+reservationColumns+` FROM reservations WHERE payment_handle_id = $1`, res.Payment.HandleID))
		if err == nil {
			out, created = existing, false
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT bucket FROM locks
			WHERE resource_id = $1 AND bucket = ANY($2::STRING[]) AND reason = $3 AND hold_until > $4
			FOR UPDATE
		`, res.ResourceID, buckets, holdReason, now)
		if err != nil {
			return errors.Wrap(err, "query holds")
		}
		held, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return errors.Wrap(err, "read holds")
		}
		if missing := difference(buckets, held); len(missing) > 0 {
			return &domain.LocksMissingError{Buckets: missing}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO reservations (id, resource_id, owner_id, requester_id, start_at, end_at, granularity,
				pricing, total_cents, state, payment_status, payment_handle_id, charge_id, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, res.ID, res.ResourceID, res.OwnerID, res.RequesterID, res.Start, res.End, string(res.Granularity),
			pricing, res.Pricing.TotalCents, string(res.State), string(res.PaymentStatus),
			res.Payment.HandleID, res.Payment.ChargeID, res.Version, res.CreatedAt, res.UpdatedAt)
		if isUniqueViolation(err) {
			return errHandleTaken
		}
		if err != nil {
			return errors.Wrap(err, "insert reservation")
		}

		if _, err := tx.Exec(ctx, `
			UPDATE locks SET reason = $2, hold_until = NULL WHERE reason = $1
		`, holdReason, domain.ReservationReason(res.ID)); err != nil {
			return errors.Wrap(err, "retag locks")
		}
		out, created = res, true
		return nil
	})
	if errors.Is(err, errHandleTaken) {
		existing, err := r.GetByPaymentHandle(ctx, res.Payment.HandleID)
		return existing, false, err
	}
	if err != nil {
		return domain.Reservation{}, false, err
	}
	return out, created, nil
}

func difference(want, have []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	var out []string
	for _, w := range want {
		if _, ok := set[w]; !ok {
			out = append(out, w)
		}
	}
	return out
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	return scanReservation(r.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
}

func (r *Repository) GetByPaymentHandle(ctx context.Context, handleID string) (domain.Reservation, error) {
	return scanReservation(r.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE payment_handle_id = $1`, handleID))
}

func (r *Repository) ListByActor(ctx context.Context, actorID string, limit int) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE owner_id = $1 OR requester_id = $1
		ORDER BY start_at DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query reservations")
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Update writes the mutable columns when the stored version still matches.
func (r *Repository) Update(ctx context.Context, res domain.Reservation) (domain.Reservation, error) {
	checkin, err := encodeCheckpoint(res.Checkin)
	if err != nil {
		return domain.Reservation{}, err
	}
	checkout, err := encodeCheckpoint(res.Checkout)
	if err != nil {
		return domain.Reservation{}, err
	}

	err = r.pool.QueryRow(ctx, `
		UPDATE reservations SET
			state = $2, payment_status = $3, charge_id = $4, checkin = $5, checkout = $6,
			updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $8
		RETURNING version
	`, res.ID, string(res.State), string(res.PaymentStatus), res.Payment.ChargeID, checkin, checkout,
		res.UpdatedAt, res.Version).Scan(&res.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, res.ID); getErr != nil {
			return domain.Reservation{}, getErr
		}
		return domain.Reservation{}, domain.ErrConflict
	}
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "update reservation")
	}
	return res, nil
}
