package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/intralog/outreach-engine/internal/domain"
)

const enrollmentCols = `id, sequence_id, recipient_id, step_index, status, due_at,
	attempts, version, last_error, COALESCE(claimed_at, 'epoch'::timestamptz),
	created_at, updated_at`

func scanEnrollment(row interface{ Scan(...any) error }) (*domain.Enrollment, error) {
	var e domain.Enrollment
	err := row.Scan(&e.ID, &e.SequenceID, &e.RecipientID, &e.StepIndex, &e.Status,
		&e.DueAt, &e.Attempts, &e.Version, &e.LastError, &e.ClaimedAt,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EnrollBatch inserts one pending enrollment per recipient, due at firstDue.
// Recipients that already hold a live enrollment in the sequence are
// skipped, not errored; callers report both counts. Duplicate arbitration
// happens on the partial live-unique index, so two concurrent batches for
// the same recipient cannot both create a row.
func (s *Store) EnrollBatch(ctx context.Context, sequenceID string, recipientIDs []string, firstDue time.Time) (created, skipped int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, rid := range recipientIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO enrollments (id, sequence_id, recipient_id, status, due_at)
			VALUES ($1, $2, $3, 'pending', $4)
			ON CONFLICT (recipient_id, sequence_id)
			WHERE status IN ('pending', 'waiting', 'in_flight')
			DO NOTHING`,
			uuid.NewString(), sequenceID, rid, firstDue)
		if err != nil {
			return 0, 0, fmt.Errorf("enroll %s: %w", rid, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		} else {
			skipped++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return created, skipped, nil
}

// ClaimDue atomically flips up to limit due pending/waiting enrollments to
// in_flight and returns them, oldest due first. SKIP LOCKED keeps
// concurrent claimers from colliding.
func (s *Store) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*domain.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id FROM enrollments
			WHERE status IN ('pending', 'waiting') AND due_at <= $1
			ORDER BY due_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE enrollments e
		SET status = 'in_flight', claimed_at = $1, version = e.version + 1, updated_at = now()
		FROM due
		WHERE e.id = due.id
		RETURNING `+enrollmentCols, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	var out []*domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEnrollment loads one enrollment.
func (s *Store) GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentCols+` FROM enrollments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select enrollment: %w", err)
	}
	return e, nil
}

// SaveResult persists an executor outcome and its log entry in one
// transaction, guarded by the version read at claim time. A guard miss
// returns ErrConflict and writes nothing.
func (s *Store) SaveResult(ctx context.Context, e *domain.Enrollment, entry *domain.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE enrollments
		SET step_index = $2, status = $3, due_at = $4, attempts = $5,
		    last_error = $6, claimed_at = NULL, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $7`,
		e.ID, e.StepIndex, e.Status, e.DueAt, e.Attempts, e.LastError, e.Version)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}

	if entry != nil {
		if err := insertLogEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Version++
	return nil
}

// RecoverStale reverts in_flight rows claimed before cutoff back to
// pending with an extra attempt, covering executors that died mid-step.
func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET status = 'pending', attempts = attempts + 1, claimed_at = NULL,
		    version = version + 1, updated_at = now()
		WHERE status = 'in_flight' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InFlightBySender counts in_flight enrollments grouped by the owning
// sequence's sender, used to rebuild governor reservations at startup.
func (s *Store) InFlightBySender(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sq.sender_email, COUNT(*)
		FROM enrollments e
		JOIN sequences sq ON sq.id = e.sequence_id
		WHERE e.status = 'in_flight'
		GROUP BY sq.sender_email`)
	if err != nil {
		return nil, fmt.Errorf("count in-flight: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			sender string
			n      int
		)
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, err
		}
		out[sender] = n
	}
	return out, rows.Err()
}

// RetryEnrollment requeues a failed enrollment at its current step.
func (s *Store) RetryEnrollment(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET status = 'pending', attempts = 0, last_error = '', due_at = $2,
		    version = version + 1, updated_at = now()
		WHERE id = $1 AND status = 'failed'`, id, now)
	if err != nil {
		return fmt.Errorf("retry enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or not in a retryable state.
		if _, err := s.GetEnrollment(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: enrollment is not failed", ErrConflict)
	}
	return nil
}

// SetEnrollmentPaused parks or resumes an enrollment. Pausing only applies
// to pending/waiting rows (in_flight work finishes its step first); resume
// requeues a paused row as pending with its due time intact.
func (s *Store) SetEnrollmentPaused(ctx context.Context, id string, paused bool) error {
	var res sql.Result
	var err error
	if paused {
		res, err = s.db.ExecContext(ctx, `
			UPDATE enrollments
			SET status = 'paused', version = version + 1, updated_at = now()
			WHERE id = $1 AND status IN ('pending', 'waiting')`, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE enrollments
			SET status = 'pending', version = version + 1, updated_at = now()
			WHERE id = $1 AND status = 'paused'`, id)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		// Another live enrollment was created for the pair while paused.
		return fmt.Errorf("%w: a live enrollment already exists for this recipient and sequence", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("set enrollment paused: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetEnrollment(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: enrollment is not in a pausable state", ErrConflict)
	}
	return nil
}

// PullDueForward moves a live enrollment's due_at to now when it is
// currently later, used by the voice webhook to resume after a completed
// call.
func (s *Store) PullDueForward(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET due_at = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'waiting') AND due_at > $2`, id, now)
	if err != nil {
		return fmt.Errorf("pull due forward: %w", err)
	}
	return nil
}
