package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const (
	deadLetterPrefix      = "dlq."
	reasonRetriesExceeded = "max_retries_exceeded"
)

// DeadLetter is the wire record parked on the dlq subject when an event
// exhausts its retry budget.
type DeadLetter struct {
	OriginalEvent   json.RawMessage `json:"original_event"`
	OriginalSubject string          `json:"original_subject"`
	FailureReason   string          `json:"failure_reason"`
	FailedAt        time.Time       `json:"failed_at"`
	Service         string          `json:"service"`
}

type deadLetterRouter struct {
	broker  Broker
	service string
	logger  *slog.Logger
}

// route parks the original message bytes under "dlq.<subject>". Dead
// lettering is best effort: failures are logged and the event is dropped
// from the DLQ path, the original message stays unacked either way.
func (r *deadLetterRouter) route(ctx context.Context, originalSubject string, original []byte) {
	record := DeadLetter{
		OriginalEvent:   json.RawMessage(original),
		OriginalSubject: originalSubject,
		FailureReason:   reasonRetriesExceeded,
		FailedAt:        time.Now().UTC(),
		Service:         r.service,
	}

	data, err := json.Marshal(record)
	if err != nil {
		r.logger.Error("failed to encode dead letter", "subject", originalSubject, "error", err)
		return
	}

	subject := deadLetterPrefix + originalSubject
	if err := r.broker.Publish(ctx, subject, data, Headers{HeaderEventType: "dead_letter"}); err != nil {
		r.logger.Error("failed to publish dead letter", "subject", subject, "error", err)
		return
	}

	r.logger.Warn("event dead lettered", "subject", subject, "service", r.service)
}
