package volume

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/equityrun/internal/domain"
)

// Store is the persistent volume-average repository. The persistent store is
// authoritative; the in-process memo layer on top is an optimization only.
type Store interface {
	BatchGet(ctx context.Context, symbols []string, freshness time.Duration) (map[string]domain.VolumeAverage, error)
	Upsert(ctx context.Context, records []domain.VolumeAverage) error
	StaleSymbols(ctx context.Context, window time.Duration) ([]string, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS volume_averages (
	symbol        TEXT PRIMARY KEY,
	avg_20d       BIGINT NOT NULL CHECK (avg_20d > 0),
	avg_30d       BIGINT,
	last_updated  TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_volume_averages_last_updated
	ON volume_averages (last_updated);
`

// postgresStore implements Store for PostgreSQL.
type postgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore creates the PostgreSQL volume-average repository.
func NewPostgresStore(db *sqlx.DB, timeout time.Duration) Store {
	return &postgresStore{db: db, timeout: timeout}
}

// Migrate creates the volume_averages table and its freshness index.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate volume_averages: %w", err)
	}
	return nil
}

// BatchGet returns rows for the requested symbols whose last_updated is
// within the freshness window. Missing or stale symbols are absent from the
// map, never filled with defaults.
func (s *postgresStore) BatchGet(ctx context.Context, symbols []string, freshness time.Duration) (map[string]domain.VolumeAverage, error) {
	if len(symbols) == 0 {
		return map[string]domain.VolumeAverage{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT symbol, avg_20d, avg_30d, last_updated, created_at
		FROM volume_averages
		WHERE symbol = ANY($1) AND last_updated >= $2`

	cutoff := time.Now().Add(-freshness)
	rows, err := s.db.QueryxContext(ctx, query, pq.Array(symbols), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to batch get volume averages: %w", err)
	}
	defer rows.Close()

	result := make(map[string]domain.VolumeAverage, len(symbols))
	for rows.Next() {
		var va domain.VolumeAverage
		if err := rows.StructScan(&va); err != nil {
			return nil, fmt.Errorf("failed to scan volume average: %w", err)
		}
		if va.Avg20d <= 0 {
			// CHECK constraint should make this unreachable; drop rather than serve.
			continue
		}
		result[va.Symbol] = va
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating volume averages: %w", err)
	}

	return result, nil
}

// Upsert replaces rows atomically per record, stamping last_updated. Records
// violating avg_20d > 0 are rejected before touching the database.
func (s *postgresStore) Upsert(ctx context.Context, records []domain.VolumeAverage) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if rec.Avg20d <= 0 {
			return fmt.Errorf("%w: %s avg_20d=%d", domain.ErrInvalidVolume, rec.Symbol, rec.Avg20d)
		}
		if !domain.ValidSymbol(rec.Symbol) {
			return fmt.Errorf("%w: bad symbol %q", domain.ErrInvalidVolume, rec.Symbol)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(records)/100+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO volume_averages (symbol, avg_20d, avg_30d, last_updated)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (symbol) DO UPDATE
		SET avg_20d = EXCLUDED.avg_20d,
		    avg_30d = EXCLUDED.avg_30d,
		    last_updated = now()`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.Symbol, rec.Avg20d, rec.Avg30d); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", rec.Symbol, err)
		}
	}

	return tx.Commit()
}

// StaleSymbols lists symbols whose last_updated predates the window.
func (s *postgresStore) StaleSymbols(ctx context.Context, window time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT symbol
		FROM volume_averages
		WHERE last_updated < $1
		ORDER BY last_updated ASC`

	var symbols []string
	if err := s.db.SelectContext(ctx, &symbols, query, time.Now().Add(-window)); err != nil {
		return nil, fmt.Errorf("failed to query stale symbols: %w", err)
	}
	return symbols, nil
}
