package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/intralog/outreach-engine/internal/domain"
)

// UpsertTemplate stores a named email template. Steps reference it by key;
// changing a template affects future sends of every step that uses it.
func (s *Store) UpsertTemplate(ctx context.Context, t *domain.Template) error {
	if t.Key == "" {
		return &domain.ValidationError{Field: "key", Message: "template key is required"}
	}
	if t.Subject == "" || t.Body == "" {
		return &domain.ValidationError{Field: "template", Message: "subject and body are required"}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO templates (key, subject, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET subject = EXCLUDED.subject, body = EXCLUDED.body, updated_at = now()
		RETURNING updated_at`,
		t.Key, t.Subject, t.Body,
	).Scan(&t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// GetTemplate loads one template by key.
func (s *Store) GetTemplate(ctx context.Context, key string) (*domain.Template, error) {
	var t domain.Template
	err := s.db.QueryRowContext(ctx, `
		SELECT key, subject, body, updated_at
		FROM templates WHERE key = $1`, key,
	).Scan(&t.Key, &t.Subject, &t.Body, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select template: %w", err)
	}
	return &t, nil
}
