package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xenoISA/isA-user-sub009/internal/domain/events"
	"github.com/xenoISA/isA-user-sub009/internal/domain/outbox"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/postgres"
)

type CreditWallet struct {
	txManager  postgres.Transactor
	outboxRepo outbox.Repository
}

func NewCreditWallet(txManager postgres.Transactor, outboxRepo outbox.Repository) *CreditWallet {
	return &CreditWallet{
		txManager:  txManager,
		outboxRepo: outboxRepo,
	}
}

type CreditWalletParams struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// Execute records a wallet.credited outbox event. The balance itself is
// updated by the billing consumer when the event arrives, so top-ups flow
// through the same pipeline as debits.
func (uc *CreditWallet) Execute(ctx context.Context, params CreditWalletParams) (string, error) {
	if params.UserID == "" {
		return "", fmt.Errorf("user_id is required")
	}
	if params.Amount <= 0 {
		return "", fmt.Errorf("amount must be positive")
	}

	creditID := uuid.New().String()

	payload, err := json.Marshal(events.WalletCredited{
		CreditID: creditID,
		UserID:   params.UserID,
		Amount:   params.Amount,
		Reason:   params.Reason,
	})
	if err != nil {
		return "", fmt.Errorf("marshal credit event: %w", err)
	}

	outboxEvent := &outbox.Event{
		ID:            uuid.New().String(),
		EventType:     events.TypeWalletCredited,
		Subject:       events.TypeWalletCredited,
		Payload:       payload,
		Status:        "new",
		CorrelationID: creditID,
		CausationID:   "",
		Producer:      "usage-service",
		CreatedAt:     time.Now(),
	}

	err = uc.txManager.WithinTransaction(ctx, func(txCtx context.Context) error {
		return uc.outboxRepo.Create(txCtx, outboxEvent)
	})
	if err != nil {
		return "", fmt.Errorf("transaction failed: %w", err)
	}

	return creditID, nil
}
