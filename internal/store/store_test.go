package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intralog/outreach-engine/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func enrollmentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "sequence_id", "recipient_id", "step_index", "status", "due_at",
		"attempts", "version", "last_error", "claimed_at", "created_at", "updated_at",
	})
}

func TestClaimDue(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(now, 8).
		WillReturnRows(enrollmentRows().
			AddRow("e1", "sq1", "r1", 0, "in_flight", now, 0, 3, "", now, now, now).
			AddRow("e2", "sq1", "r2", 2, "in_flight", now, 1, 7, "timeout", now, now, now))

	got, err := s.ClaimDue(context.Background(), 8, now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "in_flight", got[0].Status)
	assert.Equal(t, 3, got[0].Version)
	assert.Equal(t, 2, got[1].StepIndex)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDueEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(now, 4).
		WillReturnRows(enrollmentRows())

	got, err := s.ClaimDue(context.Background(), 4, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveResultVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	e := &domain.Enrollment{
		ID: "e1", Status: domain.StatusPending, DueAt: time.Now(), Version: 4,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE enrollments`).
		WithArgs(e.ID, e.StepIndex, e.Status, e.DueAt, e.Attempts, e.LastError, e.Version).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SaveResult(context.Background(), e, nil)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveResultWithLogEntry(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	e := &domain.Enrollment{
		ID: "e1", StepIndex: 1, Status: domain.StatusWaiting,
		DueAt: now.AddDate(0, 0, 3), Version: 2,
	}
	entry := &domain.LogEntry{
		EnrollmentID: "e1", SequenceID: "sq1", RecipientID: "r1",
		SenderEmail: "dana@intralog.io", Channel: domain.ChannelEmail,
		Status: domain.LogSent, ExternalRef: "msg-1", OccurredAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE enrollments`).
		WithArgs(e.ID, e.StepIndex, e.Status, e.DueAt, e.Attempts, e.LastError, e.Version).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO log_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveResult(context.Background(), e, entry))
	assert.Equal(t, 3, e.Version, "version advances after a successful save")
	assert.NotEmpty(t, entry.ID, "log entry gets an id")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollBatchSkipsExistingLive(t *testing.T) {
	s, mock := newMockStore(t)
	due := time.Now()

	// Duplicates resolve on the live-unique index, never as an insert error,
	// so a concurrent enrollment of the same recipient also lands here.
	mock.ExpectBegin()
	mock.ExpectExec(`ON CONFLICT \(recipient_id, sequence_id\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`ON CONFLICT \(recipient_id, sequence_id\)`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // live enrollment exists
	mock.ExpectExec(`ON CONFLICT \(recipient_id, sequence_id\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, skipped, err := s.EnrollBatch(context.Background(), "sq1", []string{"r1", "r2", "r3"}, due)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, 1, skipped)
}

func TestRetryEnrollmentNotFailed(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE enrollments`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM enrollments WHERE id`).
		WillReturnRows(enrollmentRows().
			AddRow("e1", "sq1", "r1", 1, "completed", now, 0, 5, "", now, now, now))

	err := s.RetryEnrollment(context.Background(), "e1", now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMarkWebhookEventDedupe(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("ses", "evt-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("ses", "evt-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.MarkWebhookEvent(context.Background(), "ses", "evt-1", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.True(t, first)

	replay, err := s.MarkWebhookEvent(context.Background(), "ses", "evt-1", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.False(t, replay, "replayed event must be ignored")
}

func TestSetEnrollmentPausedRequiresPausableState(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE enrollments`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM enrollments WHERE id`).
		WillReturnRows(enrollmentRows().
			AddRow("e1", "sq1", "r1", 1, "in_flight", now, 0, 5, "", now, now, now))

	err := s.SetEnrollmentPaused(context.Background(), "e1", true)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetTemplateNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT key, subject, body`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetTemplate(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverStale(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-10 * time.Minute)

	mock.ExpectExec(`UPDATE enrollments`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.RecoverStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
