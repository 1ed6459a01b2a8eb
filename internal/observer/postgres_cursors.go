package observer

import (
	"context"
	"database/sql"
	"time"
)

// PostgresCursorStore persists low-water-marks in PostgreSQL.
type PostgresCursorStore struct {
	db *sql.DB
}

// NewPostgresCursorStore creates a new PostgreSQL-backed cursor store.
func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (p *PostgresCursorStore) Get(ctx context.Context, address string) (int64, error) {
	var sequence int64
	err := p.db.QueryRowContext(ctx,
		`SELECT sequence FROM observer_cursors WHERE address = $1`, address).Scan(&sequence)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sequence, nil
}

func (p *PostgresCursorStore) Set(ctx context.Context, address string, sequence int64) error {
	// GREATEST keeps the mark monotonic even if writes arrive out of
	// order from overlapping poll cycles.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO observer_cursors (address, sequence, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE
		SET sequence = GREATEST(observer_cursors.sequence, EXCLUDED.sequence),
		    updated_at = EXCLUDED.updated_at`,
		address, sequence, time.Now().UTC(),
	)
	return err
}

// Compile-time assertion that PostgresCursorStore implements CursorStore.
var _ CursorStore = (*PostgresCursorStore)(nil)
