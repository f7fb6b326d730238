package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS calibration_history (
	id           BIGSERIAL PRIMARY KEY,
	strategy     TEXT NOT NULL,
	version      BIGINT NOT NULL,
	weights_hash TEXT NOT NULL,
	profile      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (strategy, version)
);
`

// postgresHistory records each committed calibration version. The in-memory
// store remains the read path; this table is the audit trail and the active
// pointer is always the highest version per strategy.
type postgresHistory struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresHistory creates the calibration audit repository.
func NewPostgresHistory(db *sqlx.DB, timeout time.Duration) History {
	return &postgresHistory{db: db, timeout: timeout}
}

// MigrateHistory creates the calibration_history table.
func MigrateHistory(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		return fmt.Errorf("failed to migrate calibration_history: %w", err)
	}
	return nil
}

func (h *postgresHistory) Record(ctx context.Context, profile Profile, weightsHash string) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	query := `
		INSERT INTO calibration_history (strategy, version, weights_hash, profile)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (strategy, version) DO NOTHING`

	if _, err := h.db.ExecContext(ctx, query, profile.Strategy, profile.Version, weightsHash, payload); err != nil {
		return fmt.Errorf("failed to record calibration version: %w", err)
	}
	return nil
}
