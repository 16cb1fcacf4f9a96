package usecase

import (
	"context"
	"fmt"

	"github.com/xenoISA/isA-user-sub009/internal/domain/outbox"
	"github.com/xenoISA/isA-user-sub009/internal/domain/usage"
	"github.com/xenoISA/isA-user-sub009/internal/domain/wallet"
)

// UsageTrailDTO shows everything a single usage record caused: the outbox
// events correlated to it and the wallet entries that reference it.
type UsageTrailDTO struct {
	Record  *usage.Record   `json:"record"`
	Outbox  []*outbox.Event `json:"outbox"`
	Entries []*wallet.Entry `json:"wallet_entries"`
}

type GetUsageTrail struct {
	usageRepo  usage.Repository
	outboxRepo outbox.Repository
	entryRepo  wallet.EntryRepository
}

func NewGetUsageTrail(
	usageRepo usage.Repository,
	outboxRepo outbox.Repository,
	entryRepo wallet.EntryRepository,
) *GetUsageTrail {
	return &GetUsageTrail{
		usageRepo:  usageRepo,
		outboxRepo: outboxRepo,
		entryRepo:  entryRepo,
	}
}

func (uc *GetUsageTrail) Execute(ctx context.Context, recordID string) (*UsageTrailDTO, error) {
	rec, err := uc.usageRepo.GetByID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("get usage record: %w", err)
	}

	outboxEvents, err := uc.outboxRepo.ListByCorrelationID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("get outbox events: %w", err)
	}

	entries, err := uc.entryRepo.ListByReference(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("get wallet entries: %w", err)
	}

	return &UsageTrailDTO{
		Record:  rec,
		Outbox:  outboxEvents,
		Entries: entries,
	}, nil
}
