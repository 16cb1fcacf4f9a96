package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xenoISA/isA-user-sub009/internal/domain/events"
	"github.com/xenoISA/isA-user-sub009/internal/domain/outbox"
	"github.com/xenoISA/isA-user-sub009/internal/domain/usage"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/postgres"
)

type RecordUsage struct {
	txManager  postgres.Transactor
	usageRepo  usage.Repository
	outboxRepo outbox.Repository
}

func NewRecordUsage(
	txManager postgres.Transactor,
	usageRepo usage.Repository,
	outboxRepo outbox.Repository,
) *RecordUsage {
	return &RecordUsage{
		txManager:  txManager,
		usageRepo:  usageRepo,
		outboxRepo: outboxRepo,
	}
}

type RecordUsageParams struct {
	UserID       string `json:"user_id"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Execute stores the usage record and its usage.recorded outbox event in one
// transaction, so the event is published iff the record exists.
func (uc *RecordUsage) Execute(ctx context.Context, params RecordUsageParams) (string, error) {
	if params.UserID == "" {
		return "", fmt.Errorf("user_id is required")
	}
	if params.Model == "" {
		return "", fmt.Errorf("model is required")
	}
	if params.InputTokens < 0 || params.OutputTokens < 0 {
		return "", fmt.Errorf("token counts must be non-negative")
	}

	rec := &usage.Record{
		ID:           uuid.New().String(),
		UserID:       params.UserID,
		Model:        params.Model,
		InputTokens:  params.InputTokens,
		OutputTokens: params.OutputTokens,
		CreatedAt:    time.Now().UTC(),
	}

	payload, err := json.Marshal(events.UsageRecorded{
		UsageID:      rec.ID,
		UserID:       rec.UserID,
		Model:        rec.Model,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal usage event: %w", err)
	}

	outboxEvent := &outbox.Event{
		ID:            uuid.New().String(),
		EventType:     events.TypeUsageRecorded,
		Subject:       events.TypeUsageRecorded + "." + subjectToken(rec.Model),
		Payload:       payload,
		Status:        "new",
		CorrelationID: rec.ID,
		CausationID:   "",
		Producer:      "usage-service",
		CreatedAt:     time.Now(),
	}

	err = uc.txManager.WithinTransaction(ctx, func(txCtx context.Context) error {
		if err := uc.usageRepo.Create(txCtx, rec); err != nil {
			return err
		}

		if err := uc.outboxRepo.Create(txCtx, outboxEvent); err != nil {
			return err
		}

		return nil
	})

	if err != nil {
		return "", fmt.Errorf("transaction failed: %w", err)
	}

	return rec.ID, nil
}

// subjectToken makes a model name safe to use as one subject segment.
func subjectToken(model string) string {
	token := strings.ToLower(strings.TrimSpace(model))
	token = strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-").Replace(token)
	if token == "" {
		return "unknown"
	}
	return token
}
