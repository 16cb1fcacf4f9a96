package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenoISA/isA-user-sub009/internal/domain/wallet"
)

type WalletRepository struct {
	pool *pgxpool.Pool
}

func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// Get returns the user's wallet, or a zero-balance wallet when the user has
// never been charged.
func (r *WalletRepository) Get(ctx context.Context, userID string) (*wallet.Wallet, error) {
	const sql = `
		SELECT user_id, balance, updated_at
		FROM wallets
		WHERE user_id = $1
	`

	var w wallet.Wallet
	err := r.pool.QueryRow(ctx, sql, userID).Scan(&w.UserID, &w.Balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &wallet.Wallet{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	return &w, nil
}

// Debit atomically decreases the balance, creating the wallet row on first
// charge, and returns the resulting state.
func (r *WalletRepository) Debit(ctx context.Context, userID string, amount float64) (*wallet.Wallet, error) {
	const sql = `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, -$2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = wallets.balance - $2, updated_at = NOW()
		RETURNING user_id, balance, updated_at
	`

	w, err := r.applyDelta(ctx, sql, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("debit wallet: %w", err)
	}
	return w, nil
}

// Credit atomically increases the balance, creating the wallet row on first
// top-up.
func (r *WalletRepository) Credit(ctx context.Context, userID string, amount float64) (*wallet.Wallet, error) {
	const sql = `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = wallets.balance + $2, updated_at = NOW()
		RETURNING user_id, balance, updated_at
	`

	w, err := r.applyDelta(ctx, sql, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}
	return w, nil
}

func (r *WalletRepository) applyDelta(ctx context.Context, sql string, userID string, amount float64) (*wallet.Wallet, error) {
	var querier interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	} = r.pool

	if tx := GetTx(ctx); tx != nil {
		querier = tx
	}

	var w wallet.Wallet
	if err := querier.QueryRow(ctx, sql, userID, amount).Scan(&w.UserID, &w.Balance, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

type WalletEntryRepository struct {
	pool *pgxpool.Pool
}

func NewWalletEntryRepository(pool *pgxpool.Pool) *WalletEntryRepository {
	return &WalletEntryRepository{pool: pool}
}

func (r *WalletEntryRepository) Create(ctx context.Context, e *wallet.Entry) error {
	const sql = `
		INSERT INTO wallet_entries (id, user_id, amount, balance, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	var executor interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	} = r.pool

	if tx := GetTx(ctx); tx != nil {
		executor = tx
	}

	_, err := executor.Exec(ctx, sql,
		e.ID, e.UserID, e.Amount, e.Balance, nullIfEmpty(e.Reference), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet entry: %w", err)
	}

	return nil
}

func (r *WalletEntryRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*wallet.Entry, error) {
	const sql = `
		SELECT id, user_id, amount, balance, COALESCE(reference, ''), created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, sql, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query wallet entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (r *WalletEntryRepository) ListByReference(ctx context.Context, reference string) ([]*wallet.Entry, error) {
	const sql = `
		SELECT id, user_id, amount, balance, COALESCE(reference, ''), created_at
		FROM wallet_entries
		WHERE reference = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, sql, reference)
	if err != nil {
		return nil, fmt.Errorf("query wallet entries by reference: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*wallet.Entry, error) {
	var entries []*wallet.Entry
	for rows.Next() {
		e := &wallet.Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Balance, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
