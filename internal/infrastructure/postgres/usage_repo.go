package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenoISA/isA-user-sub009/internal/domain/usage"
)

type UsageRepository struct {
	pool *pgxpool.Pool
}

func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

func (r *UsageRepository) Create(ctx context.Context, rec *usage.Record) error {
	const sql = `
		INSERT INTO usage_records (id, user_id, model, input_tokens, output_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	// Check for transaction in context
	var executor interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	} = r.pool

	if tx := GetTx(ctx); tx != nil {
		executor = tx
	}

	_, err := executor.Exec(ctx, sql,
		rec.ID, rec.UserID, rec.Model, rec.InputTokens, rec.OutputTokens, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *UsageRepository) GetByID(ctx context.Context, id string) (*usage.Record, error) {
	const sql = `
		SELECT id, user_id, model, input_tokens, output_tokens, created_at
		FROM usage_records
		WHERE id = $1
	`

	var rec usage.Record
	err := r.pool.QueryRow(ctx, sql, id).Scan(
		&rec.ID, &rec.UserID, &rec.Model, &rec.InputTokens, &rec.OutputTokens, &rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get usage record by id: %w", err)
	}

	return &rec, nil
}

func (r *UsageRepository) TotalsByUser(ctx context.Context, userID string) (*usage.Totals, error) {
	const sql = `
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM usage_records
		WHERE user_id = $1
	`

	t := &usage.Totals{UserID: userID}
	err := r.pool.QueryRow(ctx, sql, userID).Scan(&t.Requests, &t.InputTokens, &t.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}

	return t, nil
}
