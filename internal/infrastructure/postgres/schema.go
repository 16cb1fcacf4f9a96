package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		id            UUID PRIMARY KEY,
		user_id       TEXT NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_user ON usage_records (user_id)`,

	`CREATE TABLE IF NOT EXISTS wallets (
		user_id    TEXT PRIMARY KEY,
		balance    DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS wallet_entries (
		id         UUID PRIMARY KEY,
		user_id    TEXT NOT NULL,
		amount     DOUBLE PRECISION NOT NULL,
		balance    DOUBLE PRECISION NOT NULL,
		reference  TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_entries_user ON wallet_entries (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_entries_reference ON wallet_entries (reference)`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id             UUID PRIMARY KEY,
		event_type     TEXT NOT NULL,
		subject        TEXT NOT NULL,
		payload        JSONB NOT NULL,
		status         TEXT NOT NULL DEFAULT 'new',
		correlation_id UUID,
		causation_id   UUID,
		producer       TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Bootstrap creates the tables the services expect. Every statement is
// idempotent so it can run on each startup.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
