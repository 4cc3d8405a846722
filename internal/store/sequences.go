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

// CreateSequence validates and persists a new sequence. The step list is
// stored as a JSON snapshot; enrollments reference it by sequence id.
func (s *Store) CreateSequence(ctx context.Context, seq *domain.Sequence) error {
	if err := domain.ValidateSteps(seq.Steps); err != nil {
		return err
	}
	if seq.ID == "" {
		seq.ID = uuid.NewString()
	}
	steps, err := json.Marshal(seq.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sequences (id, campaign_id, name, sender_email, steps_json)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		seq.ID, seq.CampaignID, seq.Name, seq.SenderEmail, steps,
	).Scan(&seq.CreatedAt, &seq.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert sequence: %w", err)
	}
	return nil
}

// GetSequence loads one sequence with its steps.
func (s *Store) GetSequence(ctx context.Context, id string) (*domain.Sequence, error) {
	var (
		seq   domain.Sequence
		steps []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, name, sender_email, steps_json, created_at, updated_at
		FROM sequences WHERE id = $1`, id,
	).Scan(&seq.ID, &seq.CampaignID, &seq.Name, &seq.SenderEmail, &steps, &seq.CreatedAt, &seq.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select sequence: %w", err)
	}
	if err := json.Unmarshal(steps, &seq.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return &seq, nil
}

// ReplaceSteps swaps a sequence's step list. Refused while any enrollment
// of the sequence is in flight; enrollments resume on the new list at
// their current index, so a shortened list can complete them early.
func (s *Store) ReplaceSteps(ctx context.Context, id string, steps []domain.Step) error {
	if err := domain.ValidateSteps(steps); err != nil {
		return err
	}
	payload, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var inFlight int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments
		WHERE sequence_id = $1 AND status = 'in_flight'`, id,
	).Scan(&inFlight)
	if err != nil {
		return fmt.Errorf("count in-flight: %w", err)
	}
	if inFlight > 0 {
		return fmt.Errorf("%w: %d enrollments in flight", ErrConflict, inFlight)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sequences SET steps_json = $2, updated_at = now()
		WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("update steps: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// StatusCounts reports enrollment counts per status for one sequence.
func (s *Store) StatusCounts(ctx context.Context, sequenceID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM enrollments
		WHERE sequence_id = $1 GROUP BY status`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// FailedEnrollments lists a sequence's failed enrollments with their last
// error, for the status endpoint. Each is retryable via RetryEnrollment.
func (s *Store) FailedEnrollments(ctx context.Context, sequenceID string) ([]*domain.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, step_index, attempts, last_error, updated_at
		FROM enrollments
		WHERE sequence_id = $1 AND status = 'failed'
		ORDER BY updated_at DESC`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("list failed enrollments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Enrollment
	for rows.Next() {
		e := domain.Enrollment{SequenceID: sequenceID, Status: domain.StatusFailed}
		if err := rows.Scan(&e.ID, &e.RecipientID, &e.StepIndex, &e.Attempts, &e.LastError, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// FailureBreakdown reports permanent-failure log counts per channel for a
// sequence, for the status endpoint.
func (s *Store) FailureBreakdown(ctx context.Context, sequenceID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, COUNT(*) FROM log_entries
		WHERE sequence_id = $1 AND status = ANY($2)
		GROUP BY channel`,
		sequenceID, pq.Array([]string{domain.LogPermanentFailure}))
	if err != nil {
		return nil, fmt.Errorf("failure breakdown: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			channel string
			n       int
		)
		if err := rows.Scan(&channel, &n); err != nil {
			return nil, err
		}
		out[channel] = n
	}
	return out, rows.Err()
}
