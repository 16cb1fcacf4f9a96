package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xenoISA/isA-user-sub009/internal/domain/event"
	"github.com/xenoISA/isA-user-sub009/internal/domain/outbox"
	"github.com/xenoISA/isA-user-sub009/internal/eventbus"
)

type capturedPublish struct {
	subject string
	data    []byte
}

// stubBroker records publishes; failSubject simulates a broker rejecting one
// subject while accepting the rest.
type stubBroker struct {
	mu          sync.Mutex
	pubs        []capturedPublish
	failSubject string
}

func (b *stubBroker) Publish(_ context.Context, subject string, data []byte, _ eventbus.Headers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSubject != "" && subject == b.failSubject {
		return errors.New("no responders")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.pubs = append(b.pubs, capturedPublish{subject: subject, data: cp})
	return nil
}

func (b *stubBroker) CreateStream(context.Context, string, []string) error { return nil }

func (b *stubBroker) CreateConsumer(context.Context, string, string, string) error { return nil }

func (b *stubBroker) PullMessages(context.Context, string, string, int) ([]eventbus.Message, error) {
	return nil, nil
}

func (b *stubBroker) AckMessage(context.Context, string, string, uint64) error { return nil }

func (b *stubBroker) published() []capturedPublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]capturedPublish, len(b.pubs))
	copy(out, b.pubs)
	return out
}

type stubOutboxRepo struct {
	mu        sync.Mutex
	rows      []*outbox.Event
	processed []string
	failed    []string
	fetchErr  error
}

func (r *stubOutboxRepo) Create(_ context.Context, e *outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, e)
	return nil
}

func (r *stubOutboxRepo) FetchBatch(_ context.Context, limit int) ([]*outbox.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	if limit > len(r.rows) {
		limit = len(r.rows)
	}
	batch := r.rows[:limit]
	r.rows = r.rows[limit:]
	return batch, nil
}

func (r *stubOutboxRepo) MarkProcessed(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, ids...)
	return nil
}

func (r *stubOutboxRepo) MarkFailed(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, ids...)
	return nil
}

func (r *stubOutboxRepo) ListByCorrelationID(context.Context, string) ([]*outbox.Event, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func outboxRow(id, eventType, subject string) *outbox.Event {
	return &outbox.Event{
		ID:            id,
		EventType:     eventType,
		Subject:       subject,
		Payload:       []byte(`{"usage_id":"` + id + `","user_id":"alice"}`),
		Status:        "processing",
		CorrelationID: id,
		Producer:      "usage-service",
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProcessBatchPublishesAndMarks(t *testing.T) {
	broker := &stubBroker{}
	repo := &stubOutboxRepo{rows: []*outbox.Event{
		outboxRow("row-1", "usage.recorded", "usage.recorded.gpt-4"),
		outboxRow("row-2", "usage.recorded", "usage.recorded.claude-3-opus"),
	}}

	r := New(repo, eventbus.NewPublisher(broker, "outbox-relay", testLogger()), time.Second, 10, testLogger())
	require.NoError(t, r.processBatch(context.Background()))

	pubs := broker.published()
	require.Len(t, pubs, 2)
	require.Equal(t, "usage.recorded.gpt-4", pubs[0].subject)
	require.Equal(t, "usage.recorded.claude-3-opus", pubs[1].subject)

	env, err := event.Decode(pubs[0].data)
	require.NoError(t, err)
	require.Equal(t, "row-1", env.EventID, "outbox row id becomes the event id")
	require.Equal(t, "usage.recorded", env.EventType)
	require.Equal(t, "usage-service", env.SourceService, "producer survives the relay hop")
	require.Equal(t, "row-1", env.CorrelationID)
	require.True(t, env.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	require.Equal(t, []string{"row-1", "row-2"}, repo.processed)
	require.Empty(t, repo.failed)
}

func TestProcessBatchReturnsFailuresToQueue(t *testing.T) {
	broker := &stubBroker{failSubject: "usage.recorded.gpt-4"}
	repo := &stubOutboxRepo{rows: []*outbox.Event{
		outboxRow("row-1", "usage.recorded", "usage.recorded.gpt-4"),
		outboxRow("row-2", "wallet.credited", "wallet.credited"),
	}}

	r := New(repo, eventbus.NewPublisher(broker, "outbox-relay", testLogger()), time.Second, 10, testLogger())
	require.NoError(t, r.processBatch(context.Background()))

	require.Equal(t, []string{"row-2"}, repo.processed)
	require.Equal(t, []string{"row-1"}, repo.failed)
	require.Len(t, broker.published(), 1)
}

func TestProcessBatchEmptyOutbox(t *testing.T) {
	broker := &stubBroker{}
	repo := &stubOutboxRepo{}

	r := New(repo, eventbus.NewPublisher(broker, "outbox-relay", testLogger()), time.Second, 10, testLogger())
	require.NoError(t, r.processBatch(context.Background()))

	require.Empty(t, broker.published())
	require.Empty(t, repo.processed)
	require.Empty(t, repo.failed)
}

func TestProcessBatchPropagatesFetchError(t *testing.T) {
	repo := &stubOutboxRepo{fetchErr: errors.New("db down")}
	r := New(repo, eventbus.NewPublisher(&stubBroker{}, "outbox-relay", testLogger()), time.Second, 10, testLogger())
	require.ErrorIs(t, r.processBatch(context.Background()), repo.fetchErr)
}

func TestRepublishKeepsStableEventID(t *testing.T) {
	row := outboxRow("row-1", "usage.recorded", "usage.recorded.gpt-4")
	first := envelopeFor(row)
	second := envelopeFor(row)
	require.Equal(t, first.EventID, second.EventID)
	require.True(t, first.Timestamp.Equal(second.Timestamp))
}

func TestRunDrainsUntilCancelled(t *testing.T) {
	broker := &stubBroker{}
	repo := &stubOutboxRepo{rows: []*outbox.Event{
		outboxRow("row-1", "usage.recorded", "usage.recorded.gpt-4"),
	}}

	r := New(repo, eventbus.NewPublisher(broker, "outbox-relay", testLogger()), time.Millisecond, 10, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(broker.published()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	require.Len(t, broker.published(), 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(&stubOutboxRepo{}, eventbus.NewPublisher(&stubBroker{}, "outbox-relay", testLogger()), 0, 0, nil)
	require.Equal(t, defaultInterval, r.interval)
	require.Equal(t, defaultBatchSize, r.batchSize)
	require.NotNil(t, r.logger)
}
