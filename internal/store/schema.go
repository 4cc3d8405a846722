package store

import (
	"context"
	"fmt"
)

// Schema is idempotent; cmd/migrate applies it on deploy.
const Schema = `
CREATE TABLE IF NOT EXISTS sequences (
    id           UUID PRIMARY KEY,
    campaign_id  TEXT NOT NULL DEFAULT '',
    name         TEXT NOT NULL,
    sender_email TEXT NOT NULL,
    steps_json   JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS recipients (
    id          UUID PRIMARY KEY,
    email       TEXT NOT NULL,
    first_name  TEXT NOT NULL DEFAULT '',
    last_name   TEXT NOT NULL DEFAULT '',
    company     TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL DEFAULT '',
    phone       TEXT NOT NULL DEFAULT '',
    profile_url TEXT NOT NULL DEFAULT '',
    industry    TEXT NOT NULL DEFAULT '',
    city        TEXT NOT NULL DEFAULT '',
    state       TEXT NOT NULL DEFAULT '',
    attributes  JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrollments (
    id           UUID PRIMARY KEY,
    sequence_id  UUID NOT NULL REFERENCES sequences(id),
    recipient_id UUID NOT NULL REFERENCES recipients(id),
    step_index   INT NOT NULL DEFAULT 0,
    status       TEXT NOT NULL DEFAULT 'pending',
    due_at       TIMESTAMPTZ NOT NULL,
    attempts     INT NOT NULL DEFAULT 0,
    version      INT NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT '',
    claimed_at   TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- One live enrollment per (recipient, sequence).
CREATE UNIQUE INDEX IF NOT EXISTS enrollments_live_uniq
    ON enrollments (recipient_id, sequence_id)
    WHERE status IN ('pending', 'waiting', 'in_flight');

CREATE INDEX IF NOT EXISTS enrollments_due_idx
    ON enrollments (status, due_at);

CREATE TABLE IF NOT EXISTS senders (
    email           TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    title           TEXT NOT NULL DEFAULT '',
    phone           TEXT NOT NULL DEFAULT '',
    signature_rich  TEXT NOT NULL DEFAULT '',
    signature_plain TEXT NOT NULL DEFAULT '',
    daily_cap       INT NOT NULL DEFAULT 50,
    warmup_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
    warmup_start    TIMESTAMPTZ,
    ramp_key        TEXT NOT NULL DEFAULT '',
    on_hold         BOOLEAN NOT NULL DEFAULT FALSE,
    window_days     TEXT NOT NULL DEFAULT '',
    window_start    TEXT NOT NULL DEFAULT '00:00',
    window_end      TEXT NOT NULL DEFAULT '00:00',
    window_tz       TEXT NOT NULL DEFAULT 'UTC',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS warmup_counts (
    sender_email TEXT NOT NULL,
    day          DATE NOT NULL,
    count        INT NOT NULL DEFAULT 0,
    PRIMARY KEY (sender_email, day)
);

CREATE TABLE IF NOT EXISTS log_entries (
    id            UUID PRIMARY KEY,
    -- text ids: test sends and webhook events may log without an enrollment
    enrollment_id TEXT NOT NULL DEFAULT '',
    sequence_id   TEXT NOT NULL DEFAULT '',
    recipient_id  TEXT NOT NULL DEFAULT '',
    sender_email  TEXT NOT NULL DEFAULT '',
    step_index    INT NOT NULL DEFAULT 0,
    channel       TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    external_ref  TEXT NOT NULL DEFAULT '',
    subject       TEXT NOT NULL DEFAULT '',
    detail        TEXT NOT NULL DEFAULT '',
    variant_tags  TEXT[] NOT NULL DEFAULT '{}',
    occurred_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS log_entries_enrollment_idx ON log_entries (enrollment_id, occurred_at);
CREATE INDEX IF NOT EXISTS log_entries_external_ref_idx ON log_entries (external_ref) WHERE external_ref <> '';

CREATE TABLE IF NOT EXISTS templates (
    key        TEXT PRIMARY KEY,
    subject    TEXT NOT NULL,
    body       TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS webhook_events (
    provider    TEXT NOT NULL,
    event_id    TEXT NOT NULL,
    payload     JSONB NOT NULL DEFAULT '{}',
    received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (provider, event_id)
);
`

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
