// Package dedupe keeps a ledger of prepare requests per dataset.
package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Tracker counts repeated prepare requests for the same dataset archive
type Tracker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTracker creates a new dedupe tracker, creating its table if needed
func NewTracker(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tracker := &Tracker{db: db, logger: logger}

	if err := tracker.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure dedupe table: %w", err)
	}

	return tracker, nil
}

func (t *Tracker) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS prepare_dedupe (
			dataset TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			first_seen_at TIMESTAMPTZ DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ DEFAULT NOW(),
			seen_count INTEGER DEFAULT 1
		)
	`

	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create prepare_dedupe table: %w", err)
	}

	t.logger.Info("prepare_dedupe table ready")
	return nil
}

// Record records a prepare request for dataset and returns how many times it has been seen
func (t *Tracker) Record(ctx context.Context, dataset string, mode string) (int, error) {
	query := `
		INSERT INTO prepare_dedupe (dataset, mode, first_seen_at, last_seen_at, seen_count)
		VALUES ($1, $2, NOW(), NOW(), 1)
		ON CONFLICT (dataset) DO UPDATE
		SET last_seen_at = NOW(),
		    seen_count = prepare_dedupe.seen_count + 1,
		    mode = EXCLUDED.mode
		RETURNING seen_count
	`

	var seenCount int
	if err := t.db.QueryRowContext(ctx, query, dataset, mode).Scan(&seenCount); err != nil {
		return 0, fmt.Errorf("failed to record dedupe: %w", err)
	}

	return seenCount, nil
}

// GetSeenCount retrieves the seen count for a dataset
func (t *Tracker) GetSeenCount(ctx context.Context, dataset string) (int, error) {
	query := `SELECT seen_count FROM prepare_dedupe WHERE dataset = $1`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, dataset).Scan(&seenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}

	return seenCount, nil
}
