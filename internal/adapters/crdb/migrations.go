package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Expired holds are removed by row-level TTL on hold_until. Rows with a NULL
// hold_until belong to reservations and never expire. Acquire also takes over an
// expired row directly, so correctness does not wait for the TTL job.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS locks (
	resource_id STRING NOT NULL,
	bucket STRING NOT NULL,
	granularity STRING NOT NULL CHECK (granularity IN ('hour', 'day')),
	created_by STRING NOT NULL,
	reason STRING NOT NULL,
	hold_until TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (resource_id, bucket),
	INDEX locks_reason_idx (reason),
	INDEX locks_hold_until_idx (hold_until)
) WITH (ttl_expiration_expression = 'hold_until', ttl_job_cron = '*/5 * * * *');

CREATE TABLE IF NOT EXISTS reservations (
	id UUID PRIMARY KEY,
	resource_id STRING NOT NULL,
	owner_id STRING NOT NULL,
	requester_id STRING NOT NULL,
	start_at TIMESTAMPTZ NOT NULL,
	end_at TIMESTAMPTZ NOT NULL,
	granularity STRING NOT NULL,
	pricing JSONB NOT NULL,
	total_cents INT8 NOT NULL,
	state STRING NOT NULL CHECK (state IN ('draft', 'pending', 'accepted', 'declined', 'cancelled', 'in_progress', 'completed')),
	payment_status STRING NOT NULL CHECK (payment_status IN ('unpaid', 'paid', 'refunded')),
	payment_handle_id STRING NOT NULL,
	charge_id STRING NOT NULL DEFAULT '',
	checkin JSONB NULL,
	checkout JSONB NULL,
	version INT8 NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT reservations_window_check CHECK (end_at > start_at),
	UNIQUE INDEX reservations_payment_handle_key (payment_handle_id),
	INDEX reservations_owner_idx (owner_id, start_at DESC),
	INDEX reservations_requester_idx (requester_id, start_at DESC)
);

CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	aggregate_type STRING NOT NULL,
	aggregate_id STRING NOT NULL,
	event_type STRING NOT NULL,
	payload_json JSONB NOT NULL,
	status STRING NOT NULL DEFAULT 'NEW' CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
	attempts INT8 NOT NULL DEFAULT 0,
	dedupe_key STRING NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ NULL,
	UNIQUE INDEX outbox_dedupe_key (dedupe_key),
	INDEX outbox_status_created_idx (status, created_at)
);
`

// Migrate creates the schema. It is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}
