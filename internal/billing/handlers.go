package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xenoISA/isA-user-sub009/internal/domain/event"
	"github.com/xenoISA/isA-user-sub009/internal/domain/events"
	"github.com/xenoISA/isA-user-sub009/internal/domain/outbox"
	"github.com/xenoISA/isA-user-sub009/internal/domain/wallet"
	"github.com/xenoISA/isA-user-sub009/internal/eventbus"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/postgres"
)

const producerName = "billing-service"

// Handlers are the billing service's event handlers. Deliveries are already
// deduplicated by event id in the bus; the ledger guards in here cover the
// remaining window where a handler partially succeeded and the event is
// retried or redelivered before it was marked processed.
type Handlers struct {
	tx        postgres.Transactor
	wallets   wallet.Repository
	entries   wallet.EntryRepository
	outbox    outbox.Repository
	publisher *eventbus.Publisher
	prices    *PriceTable

	lowBalanceThreshold float64
	logger              *slog.Logger
}

func NewHandlers(
	tx postgres.Transactor,
	wallets wallet.Repository,
	entries wallet.EntryRepository,
	outboxRepo outbox.Repository,
	publisher *eventbus.Publisher,
	prices *PriceTable,
	lowBalanceThreshold float64,
	logger *slog.Logger,
) *Handlers {
	if prices == nil {
		prices = DefaultPriceTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		tx:                  tx,
		wallets:             wallets,
		entries:             entries,
		outbox:              outboxRepo,
		publisher:           publisher,
		prices:              prices,
		lowBalanceThreshold: lowBalanceThreshold,
		logger:              logger,
	}
}

// Register wires every billing handler into the registry.
func Register(reg *eventbus.Registry, h *Handlers) {
	eventbus.AddHandler(reg, eventbus.HandlerFunc[events.UsageRecorded](h.HandleUsageRecorded))
	eventbus.AddHandler(reg, eventbus.HandlerFunc[events.WalletDebited](h.HandleWalletDebited))
	eventbus.AddHandler(reg, eventbus.HandlerFunc[events.WalletCredited](h.HandleWalletCredited))
}

// HandleUsageRecorded prices the usage, debits the wallet and writes the
// ledger entry in one transaction, then announces the debit. If the ledger
// already holds an entry for this usage id the debit is skipped and only the
// announcement is repeated.
func (h *Handlers) HandleUsageRecorded(ctx context.Context, d *eventbus.Delivery[events.UsageRecorded]) error {
	p := d.Payload
	cost := h.prices.CostFor(p.Model, p.InputTokens, p.OutputTokens)

	var balance float64
	err := h.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		existing, err := h.entries.ListByReference(txCtx, p.UsageID)
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if len(existing) > 0 {
			balance = existing[0].Balance
			h.logger.Info("usage already billed, republishing debit only",
				"usage_id", p.UsageID, "event_id", d.Envelope.EventID)
			return nil
		}

		w, err := h.wallets.Debit(txCtx, p.UserID, cost)
		if err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}
		balance = w.Balance

		entry := &wallet.Entry{
			ID:        uuid.New().String(),
			UserID:    p.UserID,
			Amount:    -cost,
			Balance:   w.Balance,
			Reference: p.UsageID,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.entries.Create(txCtx, entry); err != nil {
			return fmt.Errorf("write ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	env, err := event.New(events.WalletDebited{
		UserID:    p.UserID,
		Amount:    cost,
		Balance:   balance,
		Reference: p.UsageID,
	})
	if err != nil {
		return fmt.Errorf("build wallet.debited event: %w", err)
	}
	// Derive the event id from the usage id so a republish after a crash
	// carries the same id and downstream consumers dedup it.
	env.EventID = debitEventID(p.UsageID)
	env.CorrelationID = d.Envelope.CorrelationID
	if env.CorrelationID == "" {
		env.CorrelationID = p.UsageID
	}
	env.CausationID = d.Envelope.EventID

	if err := h.publisher.PublishEvent(ctx, events.TypeWalletDebited, env, nil); err != nil {
		return fmt.Errorf("announce debit: %w", err)
	}

	h.logger.Info("usage billed",
		"usage_id", p.UsageID, "user_id", p.UserID, "model", p.Model, "cost", cost, "balance", balance)
	return nil
}

// HandleWalletDebited watches balances and queues a balance_low notification
// event when a debit drops a wallet under the threshold.
func (h *Handlers) HandleWalletDebited(ctx context.Context, d *eventbus.Delivery[events.WalletDebited]) error {
	p := d.Payload
	if p.Balance >= h.lowBalanceThreshold {
		return nil
	}

	payload, err := json.Marshal(events.BalanceLow{
		UserID:    p.UserID,
		Balance:   p.Balance,
		Threshold: h.lowBalanceThreshold,
	})
	if err != nil {
		return fmt.Errorf("marshal balance_low payload: %w", err)
	}

	outboxEvent := &outbox.Event{
		ID:            uuid.New().String(),
		EventType:     events.TypeBalanceLow,
		Subject:       events.TypeBalanceLow,
		Payload:       payload,
		Status:        "new",
		CorrelationID: d.Envelope.CorrelationID,
		CausationID:   d.Envelope.EventID,
		Producer:      producerName,
		CreatedAt:     time.Now(),
	}
	if err := h.outbox.Create(ctx, outboxEvent); err != nil {
		return fmt.Errorf("queue balance_low event: %w", err)
	}

	h.logger.Warn("balance below threshold",
		"user_id", p.UserID, "balance", p.Balance, "threshold", h.lowBalanceThreshold)
	return nil
}

// HandleWalletCredited applies a requested top-up: balance and ledger entry
// in one transaction, skipped entirely when the credit id is already in the
// ledger.
func (h *Handlers) HandleWalletCredited(ctx context.Context, d *eventbus.Delivery[events.WalletCredited]) error {
	p := d.Payload
	if p.Amount <= 0 {
		// Permanently invalid; retrying cannot fix the payload.
		h.logger.Error("ignoring non-positive credit", "credit_id", p.CreditID, "amount", p.Amount)
		return nil
	}

	return h.tx.WithinTransaction(ctx, func(txCtx context.Context) error {
		existing, err := h.entries.ListByReference(txCtx, p.CreditID)
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if len(existing) > 0 {
			return nil
		}

		w, err := h.wallets.Credit(txCtx, p.UserID, p.Amount)
		if err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}

		entry := &wallet.Entry{
			ID:        uuid.New().String(),
			UserID:    p.UserID,
			Amount:    p.Amount,
			Balance:   w.Balance,
			Reference: p.CreditID,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.entries.Create(txCtx, entry); err != nil {
			return fmt.Errorf("write ledger entry: %w", err)
		}

		h.logger.Info("wallet credited",
			"credit_id", p.CreditID, "user_id", p.UserID, "amount", p.Amount, "balance", w.Balance)
		return nil
	})
}

func debitEventID(usageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("wallet.debited:"+usageID)).String()
}
