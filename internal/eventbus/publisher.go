package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xenoISA/isA-user-sub009/internal/domain/event"
)

// Publisher serializes envelopes and hands them to the broker. It never
// panics; every failure is logged and returned for the caller to decide on.
type Publisher struct {
	broker  Broker
	service string
	logger  *slog.Logger
}

func NewPublisher(broker Broker, service string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{broker: broker, service: service, logger: logger}
}

// PublishEvent fills in source_service when the envelope has none, encodes
// the flattened wire form, and publishes it with the event type in the
// message headers.
func (p *Publisher) PublishEvent(ctx context.Context, subject string, env *event.Envelope, headers Headers) error {
	if env == nil {
		return fmt.Errorf("publish to %s: nil envelope", subject)
	}
	if env.EventID == "" || env.EventType == "" {
		return fmt.Errorf("publish to %s: %w", subject, event.ErrInvalidEnvelope)
	}
	if env.SourceService == "" {
		env.SourceService = p.service
	}

	data, err := env.MarshalJSON()
	if err != nil {
		p.logger.Error("failed to encode event", "subject", subject, "event_type", env.EventType, "error", err)
		return fmt.Errorf("encode event %s: %w", env.EventType, err)
	}

	h := Headers{}
	for k, v := range headers {
		h[k] = v
	}
	h[HeaderEventType] = env.EventType

	if err := p.broker.Publish(ctx, subject, data, h); err != nil {
		p.logger.Error("failed to publish event", "subject", subject, "event_type", env.EventType, "event_id", env.EventID, "error", err)
		return fmt.Errorf("publish %s to %s: %w", env.EventType, subject, err)
	}

	p.logger.Debug("event published", "subject", subject, "event_type", env.EventType, "event_id", env.EventID)
	return nil
}

// PublishRaw forwards pre-encoded bytes without touching them. Headers are
// passed through as given.
func (p *Publisher) PublishRaw(ctx context.Context, subject string, data []byte, headers Headers) error {
	if err := p.broker.Publish(ctx, subject, data, headers); err != nil {
		p.logger.Error("failed to publish raw message", "subject", subject, "error", err)
		return fmt.Errorf("publish raw to %s: %w", subject, err)
	}
	return nil
}
