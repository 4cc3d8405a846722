package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/intralog/outreach-engine/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLogEntry(ctx context.Context, db execer, e *domain.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO log_entries (id, enrollment_id, sequence_id, recipient_id,
			sender_email, step_index, channel, status, external_ref, subject,
			detail, variant_tags, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.EnrollmentID, e.SequenceID, e.RecipientID, e.SenderEmail,
		e.StepIndex, string(e.Channel), e.Status, e.ExternalRef, e.Subject,
		e.Detail, pq.Array(e.VariantTags), e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// AppendLogEntry writes one event-log record outside any enrollment
// transaction (webhook events, test sends).
func (s *Store) AppendLogEntry(ctx context.Context, e *domain.LogEntry) error {
	return insertLogEntry(ctx, s.db, e)
}

// LogEntriesForEnrollment returns an enrollment's log, oldest first.
func (s *Store) LogEntriesForEnrollment(ctx context.Context, enrollmentID string) ([]*domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, enrollment_id, sequence_id, recipient_id, sender_email,
			step_index, channel, status, external_ref, subject, detail,
			variant_tags, occurred_at
		FROM log_entries
		WHERE enrollment_id = $1
		ORDER BY occurred_at, id`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("select log entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var channel string
		err := rows.Scan(&e.ID, &e.EnrollmentID, &e.SequenceID, &e.RecipientID,
			&e.SenderEmail, &e.StepIndex, &channel, &e.Status, &e.ExternalRef,
			&e.Subject, &e.Detail, pq.Array(&e.VariantTags), &e.OccurredAt)
		if err != nil {
			return nil, err
		}
		e.Channel = domain.Channel(channel)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// FindLogByExternalRef resolves a provider message or call id back to the
// dispatch entry that produced it. Webhook handlers use this to link
// provider events to enrollments.
func (s *Store) FindLogByExternalRef(ctx context.Context, ref string) (*domain.LogEntry, error) {
	var e domain.LogEntry
	var channel string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, enrollment_id, sequence_id, recipient_id, sender_email,
			step_index, channel, status, external_ref, subject, detail,
			variant_tags, occurred_at
		FROM log_entries
		WHERE external_ref = $1
		ORDER BY occurred_at DESC
		LIMIT 1`, ref,
	).Scan(&e.ID, &e.EnrollmentID, &e.SequenceID, &e.RecipientID,
		&e.SenderEmail, &e.StepIndex, &channel, &e.Status, &e.ExternalRef,
		&e.Subject, &e.Detail, pq.Array(&e.VariantTags), &e.OccurredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by external ref: %w", err)
	}
	e.Channel = domain.Channel(channel)
	return &e, nil
}

// MarkWebhookEvent records a (provider, event_id) pair. The first call for
// a pair returns true; replays return false and must be ignored.
func (s *Store) MarkWebhookEvent(ctx context.Context, provider, eventID string, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal webhook payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, data)
	if err != nil {
		return false, fmt.Errorf("mark webhook event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
