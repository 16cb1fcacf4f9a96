package eventbus

import (
	"reflect"
	"testing"
)

func TestStreamNameFor(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"usage.recorded.*", "USAGE_EVENTS"},
		{"usage.recorded.gpt-4", "USAGE_EVENTS"},
		{"wallet.>", "WALLET_EVENTS"},
		{"billing.invoice.created", "BILLING_EVENTS"},
		{"notification.balance_low", "NOTIFICATION_EVENTS"},
		{"dlq.usage.recorded.gpt-4", "DLQ_EVENTS"},
		{"dlq.>", "DLQ_EVENTS"},
		{"telemetry.ping", "TELEMETRY_EVENTS"},
		{"usage", "USAGE_EVENTS"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got := StreamNameFor(tt.pattern)
			if got != tt.want {
				t.Fatalf("StreamNameFor(%q) = %q, want %q", tt.pattern, got, tt.want)
			}
			// Pure: a second call must agree with the first.
			if again := StreamNameFor(tt.pattern); again != got {
				t.Fatalf("StreamNameFor(%q) changed between calls: %q then %q", tt.pattern, got, again)
			}
		})
	}
}

func TestStreamSubjectsFor(t *testing.T) {
	tests := []struct {
		pattern string
		want    []string
	}{
		{"usage.recorded.*", []string{"usage.>"}},
		{"wallet.debited", []string{"wallet.>"}},
		{"dlq.>", []string{"dlq.>"}},
		{"usage", []string{"usage.>"}},
	}

	for _, tt := range tests {
		got := StreamSubjectsFor(tt.pattern)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("StreamSubjectsFor(%q) = %v, want %v", tt.pattern, got, tt.want)
		}
	}
}

func TestConsumerNameFor(t *testing.T) {
	tests := []struct {
		service string
		pattern string
		want    string
	}{
		{"billing", "usage.recorded.*", "billing-usage-recorded-all"},
		{"analytics", "wallet.>", "analytics-wallet-all"},
		{"audit", "usage.recorded", "audit-usage-recorded"},
		{"billing-service", "wallet.*", "billing-service-wallet-all"},
	}

	for _, tt := range tests {
		got := ConsumerNameFor(tt.service, tt.pattern)
		if got != tt.want {
			t.Errorf("ConsumerNameFor(%q, %q) = %q, want %q", tt.service, tt.pattern, got, tt.want)
		}
	}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"usage.recorded.gpt-4", "usage.recorded.gpt-4", true},
		{"usage.recorded.gpt-4", "usage.recorded.gpt-3", false},
		{"usage.recorded.*", "usage.recorded.gpt-4", true},
		{"usage.recorded.*", "usage.recorded", false},
		{"usage.recorded.*", "usage.recorded.gpt-4.extra", false},
		{"usage.*.gpt-4", "usage.recorded.gpt-4", true},
		{"usage.>", "usage.recorded.gpt-4", true},
		{"usage.>", "usage.recorded", true},
		{"usage.>", "usage", false},
		{"wallet.>", "usage.recorded", false},
		{"*.recorded.*", "usage.recorded.gpt-4", true},
	}

	for _, tt := range tests {
		got := SubjectMatches(tt.pattern, tt.subject)
		if got != tt.want {
			t.Errorf("SubjectMatches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}
