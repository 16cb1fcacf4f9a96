package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xenoISA/isA-user-sub009/internal/domain/outbox"
	"github.com/xenoISA/isA-user-sub009/internal/domain/usage"
	"github.com/xenoISA/isA-user-sub009/internal/domain/wallet"
)

func TestGetUsageCombinesTotalsAndBalance(t *testing.T) {
	usageRepo := newStubUsageRepo()
	usageRepo.totals["alice"] = &usage.Totals{
		UserID: "alice", Requests: 12, InputTokens: 34000, OutputTokens: 8100,
	}
	walletRepo := &stubWalletRepo{balances: map[string]float64{"alice": 41.5}}

	uc := NewGetUsage(nil, usageRepo, walletRepo)

	summary, err := uc.Execute(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", summary.UserID)
	require.Equal(t, int64(12), summary.Requests)
	require.Equal(t, int64(34000), summary.InputTokens)
	require.Equal(t, int64(8100), summary.OutputTokens)
	require.InDelta(t, 41.5, summary.Balance, 1e-9)
}

func TestGetUsageUnknownUserIsZero(t *testing.T) {
	uc := NewGetUsage(nil, newStubUsageRepo(), &stubWalletRepo{balances: map[string]float64{}})

	summary, err := uc.Execute(context.Background(), "nobody")
	require.NoError(t, err)
	require.Zero(t, summary.Requests)
	require.Zero(t, summary.Balance)
}

func TestGetUsageTrailCollectsCausalChain(t *testing.T) {
	usageRepo := newStubUsageRepo()
	rec := &usage.Record{
		ID: "u-1", UserID: "alice", Model: "gpt-4",
		InputTokens: 1000, OutputTokens: 500, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, usageRepo.Create(context.Background(), rec))

	outboxRepo := &stubOutboxRepo{}
	require.NoError(t, outboxRepo.Create(context.Background(), &outbox.Event{
		ID: "row-1", EventType: "usage.recorded", Subject: "usage.recorded.gpt-4",
		CorrelationID: "u-1", Status: "processed",
	}))
	require.NoError(t, outboxRepo.Create(context.Background(), &outbox.Event{
		ID: "row-2", EventType: "usage.recorded", Subject: "usage.recorded.gpt-4",
		CorrelationID: "u-other", Status: "new",
	}))

	entryRepo := &stubEntryRepo{entries: []*wallet.Entry{
		{ID: "e-1", UserID: "alice", Amount: -0.06, Reference: "u-1"},
		{ID: "e-2", UserID: "alice", Amount: 25, Reference: "c-1"},
	}}

	uc := NewGetUsageTrail(usageRepo, outboxRepo, entryRepo)

	trail, err := uc.Execute(context.Background(), "u-1")
	require.NoError(t, err)
	require.Equal(t, rec, trail.Record)
	require.Len(t, trail.Outbox, 1)
	require.Equal(t, "row-1", trail.Outbox[0].ID)
	require.Len(t, trail.Entries, 1)
	require.Equal(t, "e-1", trail.Entries[0].ID)
}

func TestGetUsageTrailUnknownRecord(t *testing.T) {
	uc := NewGetUsageTrail(newStubUsageRepo(), &stubOutboxRepo{}, &stubEntryRepo{})
	_, err := uc.Execute(context.Background(), "missing")
	require.Error(t, err)
}
