package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/intralog/outreach-engine/internal/domain"
)

const senderCols = `email, name, title, phone, signature_rich, signature_plain,
	daily_cap, warmup_enabled, COALESCE(warmup_start, 'epoch'::timestamptz),
	ramp_key, on_hold, window_days, window_start, window_end, window_tz`

func scanSender(row interface{ Scan(...any) error }) (*domain.Sender, error) {
	var (
		s                       domain.Sender
		days, start, end, tzone string
	)
	err := row.Scan(&s.Email, &s.Name, &s.Title, &s.Phone, &s.SignatureRich,
		&s.SignaturePlain, &s.DailyCap, &s.WarmupEnabled, &s.WarmupStart,
		&s.RampKey, &s.OnHold, &days, &start, &end, &tzone)
	if err != nil {
		return nil, err
	}
	w, err := decodeWindow(days, start, end, tzone)
	if err != nil {
		return nil, err
	}
	s.Window = w
	return &s, nil
}

// Window columns store days as a csv of weekday numbers (0=Sunday) and
// clock times as "HH:MM" in the window's timezone.
func decodeWindow(days, start, end, tzone string) (domain.SendWindow, error) {
	w := domain.SendWindow{Timezone: tzone}
	if days != "" {
		for _, part := range strings.Split(days, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return w, fmt.Errorf("decode window days %q: %w", days, err)
			}
			w.Days = append(w.Days, time.Weekday(n))
		}
	}
	var err error
	if w.StartMinute, err = domain.ParseClock(start); err != nil {
		return w, err
	}
	if w.EndMinute, err = domain.ParseClock(end); err != nil {
		return w, err
	}
	return w, nil
}

func encodeWindowDays(days []time.Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

// UpsertSender inserts or fully refreshes a sender row.
func (s *Store) UpsertSender(ctx context.Context, snd *domain.Sender) error {
	var warmupStart any
	if !snd.WarmupStart.IsZero() {
		warmupStart = snd.WarmupStart
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO senders (email, name, title, phone, signature_rich, signature_plain,
			daily_cap, warmup_enabled, warmup_start, ramp_key, on_hold,
			window_days, window_start, window_end, window_tz)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name, title = EXCLUDED.title, phone = EXCLUDED.phone,
			signature_rich = EXCLUDED.signature_rich,
			signature_plain = EXCLUDED.signature_plain,
			daily_cap = EXCLUDED.daily_cap, warmup_enabled = EXCLUDED.warmup_enabled,
			warmup_start = EXCLUDED.warmup_start, ramp_key = EXCLUDED.ramp_key,
			on_hold = EXCLUDED.on_hold, window_days = EXCLUDED.window_days,
			window_start = EXCLUDED.window_start, window_end = EXCLUDED.window_end,
			window_tz = EXCLUDED.window_tz, updated_at = now()`,
		snd.Email, snd.Name, snd.Title, snd.Phone, snd.SignatureRich, snd.SignaturePlain,
		snd.DailyCap, snd.WarmupEnabled, warmupStart, snd.RampKey, snd.OnHold,
		encodeWindowDays(snd.Window.Days), domain.FormatClock(snd.Window.StartMinute),
		domain.FormatClock(snd.Window.EndMinute), snd.Window.Timezone)
	if err != nil {
		return fmt.Errorf("upsert sender: %w", err)
	}
	return nil
}

// GetSender loads one sender.
func (s *Store) GetSender(ctx context.Context, email string) (*domain.Sender, error) {
	snd, err := scanSender(s.db.QueryRowContext(ctx,
		`SELECT `+senderCols+` FROM senders WHERE email = $1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select sender: %w", err)
	}
	return snd, nil
}

// ListSenders returns all senders ordered by address.
func (s *Store) ListSenders(ctx context.Context) ([]*domain.Sender, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+senderCols+` FROM senders ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Sender
	for rows.Next() {
		snd, err := scanSender(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snd)
	}
	return out, rows.Err()
}

// SetSenderHold flips the manual hold flag.
func (s *Store) SetSenderHold(ctx context.Context, email string, hold bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE senders SET on_hold = $2, updated_at = now() WHERE email = $1`,
		email, hold)
	if err != nil {
		return fmt.Errorf("set hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSenderSignature replaces both signature forms.
func (s *Store) UpdateSenderSignature(ctx context.Context, email, rich, plain string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE senders SET signature_rich = $2, signature_plain = $3, updated_at = now()
		WHERE email = $1`, email, rich, plain)
	if err != nil {
		return fmt.Errorf("update signature: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSenderWarmup enables or disables warmup. Enabling stamps the start
// time and ramp; disabling clears them.
func (s *Store) SetSenderWarmup(ctx context.Context, email string, enabled bool, rampKey string, start time.Time) error {
	var (
		res sql.Result
		err error
	)
	if enabled {
		res, err = s.db.ExecContext(ctx, `
			UPDATE senders SET warmup_enabled = TRUE, warmup_start = $2, ramp_key = $3,
				updated_at = now()
			WHERE email = $1`, email, start, rampKey)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE senders SET warmup_enabled = FALSE, warmup_start = NULL, ramp_key = '',
				updated_at = now()
			WHERE email = $1`, email)
	}
	if err != nil {
		return fmt.Errorf("set warmup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SendsOn reads the committed send count for a sender-local day
// ("2006-01-02"). Implements the governor's counter store.
func (s *Store) SendsOn(ctx context.Context, senderEmail, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM warmup_counts WHERE sender_email = $1 AND day = $2`,
		senderEmail, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read send count: %w", err)
	}
	return n, nil
}

// RecordSend increments the sender's counter for the day.
func (s *Store) RecordSend(ctx context.Context, senderEmail, day string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warmup_counts (sender_email, day, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (sender_email, day) DO UPDATE SET count = warmup_counts.count + 1`,
		senderEmail, day)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}
