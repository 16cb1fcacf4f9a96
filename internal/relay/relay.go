package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xenoISA/isA-user-sub009/internal/domain/event"
	"github.com/xenoISA/isA-user-sub009/internal/domain/outbox"
	"github.com/xenoISA/isA-user-sub009/internal/eventbus"
)

var (
	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_events_published_total",
		Help: "Outbox events published to the broker.",
	})
	publishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbox_publish_errors_total",
		Help: "Outbox events that failed to publish and were returned to the queue.",
	})
)

const (
	defaultInterval  = 2 * time.Second
	defaultBatchSize = 10
	publishTimeout   = 5 * time.Second
)

// Relay drains the outbox: it claims batches of pending rows, rebuilds their
// event envelopes and publishes them through the bus. A row's id becomes the
// envelope's event id, so republishing after a crash carries the same id and
// consumers dedup it.
type Relay struct {
	outboxRepo outbox.Repository
	publisher  *eventbus.Publisher
	logger     *slog.Logger

	interval  time.Duration
	batchSize int
}

func New(outboxRepo outbox.Repository, publisher *eventbus.Publisher, interval time.Duration, batchSize int, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		batchSize:  batchSize,
	}
}

// Run polls until ctx is cancelled. Rows that fail to publish go back to the
// queue for the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "interval", r.interval, "batch_size", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil {
				r.logger.Error("failed to process outbox batch", "error", err)
			}
		}
	}
}

func (r *Relay) processBatch(ctx context.Context) error {
	rows, err := r.outboxRepo.FetchBatch(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	var processedIDs []string
	var failedIDs []string

	for _, row := range rows {
		env := envelopeFor(row)

		sendCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := r.publisher.PublishEvent(sendCtx, row.Subject, env, nil)
		cancel()

		if err != nil {
			r.logger.Error("failed to publish outbox event",
				"outbox_id", row.ID, "event_type", row.EventType, "subject", row.Subject, "error", err)
			publishErrors.Inc()
			failedIDs = append(failedIDs, row.ID)
			continue
		}

		eventsPublished.Inc()
		processedIDs = append(processedIDs, row.ID)
	}

	if len(processedIDs) > 0 {
		if err := r.outboxRepo.MarkProcessed(ctx, processedIDs); err != nil {
			return err
		}
		r.logger.Info("outbox events published", "count", len(processedIDs))
	}

	if len(failedIDs) > 0 {
		if err := r.outboxRepo.MarkFailed(ctx, failedIDs); err != nil {
			r.logger.Error("failed to return outbox events to queue", "count", len(failedIDs), "error", err)
		}
	}

	return nil
}

// envelopeFor rebuilds the wire envelope from an outbox row. The timestamp
// is the row's creation time, not publish time, so it is stable across
// republishes.
func envelopeFor(row *outbox.Event) *event.Envelope {
	return &event.Envelope{
		EventID:       row.ID,
		EventType:     row.EventType,
		Timestamp:     row.CreatedAt.UTC(),
		SourceService: row.Producer,
		CorrelationID: row.CorrelationID,
		CausationID:   row.CausationID,
		Payload:       row.Payload,
	}
}
