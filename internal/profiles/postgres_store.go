package profiles

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const profileColumns = `telegram_id, address, username, first_name, photo_url, created_at, updated_at`

func (p *PostgresStore) Upsert(ctx context.Context, profile Profile) (*Profile, error) {
	now := time.Now().UTC()

	// The address column keeps its first non-empty value; the rest is
	// last-write-wins.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO profiles (telegram_id, address, username, first_name, photo_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (telegram_id) DO UPDATE SET
			address = CASE
				WHEN profiles.address IS NULL OR profiles.address = '' THEN EXCLUDED.address
				ELSE profiles.address
			END,
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			photo_url = EXCLUDED.photo_url,
			updated_at = EXCLUDED.updated_at
		RETURNING `+profileColumns,
		profile.TelegramID, nullString(profile.Address), nullString(profile.Username),
		nullString(profile.FirstName), nullString(profile.PhotoURL), now,
	)
	return scanProfile(row)
}

func (p *PostgresStore) GetByTelegramID(ctx context.Context, telegramID int64) (*Profile, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE telegram_id = $1`, telegramID)
	profile, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	return profile, err
}

func (p *PostgresStore) GetByAddress(ctx context.Context, address string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE address = $1`, address)
	profile, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	return profile, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(s scanner) (*Profile, error) {
	p := &Profile{}
	var address, username, firstName, photoURL sql.NullString

	err := s.Scan(&p.TelegramID, &address, &username, &firstName, &photoURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Address = address.String
	p.Username = username.String
	p.FirstName = firstName.String
	p.PhotoURL = photoURL.String
	return p, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
