package wallet

import (
	"context"
	"time"
)

// Wallet holds a user's balance in USD. Balances may go negative; billing
// is postpaid and settlement happens outside this system.
type Wallet struct {
	UserID    string    `json:"user_id"`
	Balance   float64   `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one ledger line recording a balance change.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"`
	Balance   float64   `json:"balance"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

type Repository interface {
	Get(ctx context.Context, userID string) (*Wallet, error)
	Debit(ctx context.Context, userID string, amount float64) (*Wallet, error)
	Credit(ctx context.Context, userID string, amount float64) (*Wallet, error)
}

type EntryRepository interface {
	Create(ctx context.Context, e *Entry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error)
	ListByReference(ctx context.Context, reference string) ([]*Entry, error)
}
