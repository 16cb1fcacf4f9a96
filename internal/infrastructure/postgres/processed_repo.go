package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ProcessedEventRepository persists handled event IDs so deduplication
// survives restarts and is shared across replicas of the same service.
type ProcessedEventRepository struct {
	pool *pgxpool.Pool
}

func NewProcessedEventRepository(pool *pgxpool.Pool) *ProcessedEventRepository {
	return &ProcessedEventRepository{pool: pool}
}

func (r *ProcessedEventRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	const sql = `
		SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, sql, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, eventID string) error {
	const sql = `
		INSERT INTO processed_events (event_id, processed_at)
		VALUES ($1, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`

	if _, err := r.pool.Exec(ctx, sql, eventID); err != nil {
		return fmt.Errorf("insert processed event: %w", err)
	}
	return nil
}
