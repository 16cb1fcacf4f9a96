package usage

import (
	"context"
	"time"
)

// Record is one metered AI model call reported by a client service.
type Record struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// Totals aggregates a user's recorded usage.
type Totals struct {
	UserID       string `json:"user_id"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id string) (*Record, error)
	TotalsByUser(ctx context.Context, userID string) (*Totals, error)
}
