package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/intralog/outreach-engine/internal/domain"
)

const recipientCols = `id, email, first_name, last_name, company, title,
	phone, profile_url, industry, city, state, attributes`

func scanRecipient(row interface{ Scan(...any) error }) (*domain.Recipient, error) {
	var (
		r     domain.Recipient
		attrs []byte
	)
	err := row.Scan(&r.ID, &r.Email, &r.FirstName, &r.LastName, &r.Company, &r.Title,
		&r.Phone, &r.ProfileURL, &r.Industry, &r.City, &r.State, &attrs)
	if err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return &r, nil
}

// UpsertRecipient inserts or refreshes a recipient keyed by id.
func (s *Store) UpsertRecipient(ctx context.Context, r *domain.Recipient) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(r.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	if r.Attributes == nil {
		attrs = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recipients (id, email, first_name, last_name, company, title,
			phone, profile_url, industry, city, state, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email, first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name, company = EXCLUDED.company,
			title = EXCLUDED.title, phone = EXCLUDED.phone,
			profile_url = EXCLUDED.profile_url, industry = EXCLUDED.industry,
			city = EXCLUDED.city, state = EXCLUDED.state,
			attributes = EXCLUDED.attributes`,
		r.ID, r.Email, r.FirstName, r.LastName, r.Company, r.Title,
		r.Phone, r.ProfileURL, r.Industry, r.City, r.State, attrs)
	if err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

// GetRecipient loads one recipient.
func (s *Store) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx,
		`SELECT `+recipientCols+` FROM recipients WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select recipient: %w", err)
	}
	return r, nil
}
