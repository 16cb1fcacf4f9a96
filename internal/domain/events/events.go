// Package events holds the cross-service event payload schemas carried
// inside the wire envelope.
package events

const (
	TypeUsageRecorded  = "usage.recorded"
	TypeWalletDebited  = "wallet.debited"
	TypeWalletCredited = "wallet.credited"
	TypeBalanceLow     = "notification.balance_low"
)

// UsageRecorded is emitted by the usage service for every metered call.
type UsageRecorded struct {
	UsageID      string `json:"usage_id"`
	UserID       string `json:"user_id"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

func (UsageRecorded) EventType() string { return TypeUsageRecorded }

// WalletDebited is emitted by the billing service after charging a wallet
// for recorded usage.
type WalletDebited struct {
	UserID    string  `json:"user_id"`
	Amount    float64 `json:"amount"`
	Balance   float64 `json:"balance"`
	Reference string  `json:"reference"`
}

func (WalletDebited) EventType() string { return TypeWalletDebited }

// WalletCredited is emitted when a top-up is requested for a wallet. The
// billing consumer applies it to the balance.
type WalletCredited struct {
	CreditID string  `json:"credit_id"`
	UserID   string  `json:"user_id"`
	Amount   float64 `json:"amount"`
	Reason   string  `json:"reason,omitempty"`
}

func (WalletCredited) EventType() string { return TypeWalletCredited }

// BalanceLow is emitted by the billing consumer when a debit leaves a wallet
// below the configured threshold. Consumed by the notification backend.
type BalanceLow struct {
	UserID    string  `json:"user_id"`
	Balance   float64 `json:"balance"`
	Threshold float64 `json:"threshold"`
}

func (BalanceLow) EventType() string { return TypeBalanceLow }
