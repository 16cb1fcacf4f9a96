package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xenoISA/isA-user-sub009/internal/domain/event"
	"github.com/xenoISA/isA-user-sub009/internal/domain/events"
)

// fakeBroker is an in-memory Broker for tests. Pulled messages are consumed
// from a single queue regardless of stream/consumer; within one test there is
// one subscription, so that is enough.
type fakeBroker struct {
	mu         sync.Mutex
	streams    map[string][]string
	consumers  map[string]string
	pending    []Message
	acked      []uint64
	pubs       []fakePublish
	pullErr    error
	publishErr error
	seq        uint64
}

type fakePublish struct {
	subject string
	data    []byte
	headers Headers
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		streams:   make(map[string][]string),
		consumers: make(map[string]string),
	}
}

func (b *fakeBroker) Publish(_ context.Context, subject string, data []byte, headers Headers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.pubs = append(b.pubs, fakePublish{subject: subject, data: cp, headers: headers})
	return nil
}

func (b *fakeBroker) CreateStream(_ context.Context, name string, subjects []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[name]; ok {
		return ErrAlreadyExists
	}
	b.streams[name] = subjects
	return nil
}

func (b *fakeBroker) CreateConsumer(_ context.Context, stream, name, filterSubject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := stream + "/" + name
	if _, ok := b.consumers[key]; ok {
		return ErrAlreadyExists
	}
	b.consumers[key] = filterSubject
	return nil
}

func (b *fakeBroker) PullMessages(_ context.Context, _, _ string, batchSize int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pullErr != nil {
		return nil, b.pullErr
	}
	n := batchSize
	if n > len(b.pending) {
		n = len(b.pending)
	}
	msgs := make([]Message, n)
	copy(msgs, b.pending[:n])
	b.pending = b.pending[n:]
	return msgs, nil
}

func (b *fakeBroker) AckMessage(_ context.Context, _, _ string, sequence uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, sequence)
	return nil
}

func (b *fakeBroker) enqueue(subject string, data []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.pending = append(b.pending, Message{Subject: subject, Data: data, Sequence: b.seq, NumDelivered: 1})
	return b.seq
}

func (b *fakeBroker) ackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

func (b *fakeBroker) publishesTo(subjectPrefix string) []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []fakePublish
	for _, p := range b.pubs {
		if strings.HasPrefix(p.subject, subjectPrefix) {
			out = append(out, p)
		}
	}
	return out
}

func (b *fakeBroker) streamSubjects(name string) ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subjects, ok := b.streams[name]
	return subjects, ok
}

func (b *fakeBroker) consumerFilter(stream, name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filter, ok := b.consumers[stream+"/"+name]
	return filter, ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSubscriber(t *testing.T, fb *fakeBroker, reg *Registry, store IdempotencyStore) *Subscriber {
	t.Helper()
	s := NewSubscriber(fb, reg, store, SubscriberConfig{
		Service:   "billing-service",
		BatchSize: 10,
		RetryPolicy: RetryPolicy{
			MaxRetries:   3,
			InitialDelay: time.Millisecond,
			MaxDelay:     4 * time.Millisecond,
			Exponential:  true,
		},
		PollInterval:  time.Millisecond,
		IdleInterval:  time.Millisecond,
		ErrorInterval: time.Millisecond,
	}, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func wireEnvelope(t *testing.T, p event.Payload) (*event.Envelope, []byte) {
	t.Helper()
	env, err := event.New(p)
	require.NoError(t, err)
	data, err := env.MarshalJSON()
	require.NoError(t, err)
	return env, data
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestSubscribeProvisionsTopology(t *testing.T) {
	fb := newFakeBroker()
	s := newTestSubscriber(t, fb, NewRegistry(), nil)

	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	subjects, ok := fb.streamSubjects("USAGE_EVENTS")
	require.True(t, ok, "usage stream should be created")
	require.Equal(t, []string{"usage.>"}, subjects)

	filter, ok := fb.consumerFilter("USAGE_EVENTS", "billing-usage-recorded-all")
	require.True(t, ok, "durable consumer should be created")
	require.Equal(t, "usage.recorded.*", filter)

	subjects, ok = fb.streamSubjects("DLQ_EVENTS")
	require.True(t, ok, "dead letter stream should be created")
	require.Equal(t, []string{"dlq.>"}, subjects)

	subs := s.GetMetrics().Subscriptions
	require.Len(t, subs, 1)
	require.Equal(t, Subscription{
		SubjectPattern: "usage.recorded.*",
		StreamName:     "USAGE_EVENTS",
		ConsumerName:   "billing-usage-recorded-all",
		QueueGroup:     "billing",
	}, subs[0])
}

func TestSubscribeTwiceTreatsExistingAsSuccess(t *testing.T) {
	fb := newFakeBroker()
	s := newTestSubscriber(t, fb, NewRegistry(), nil)

	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))
	// Stream and consumer already exist; the broker reports ErrAlreadyExists
	// and the subscription still starts.
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))
	require.Len(t, s.GetMetrics().Subscriptions, 2)
}

func TestWithDurableOverridesConsumerName(t *testing.T) {
	fb := newFakeBroker()
	s := newTestSubscriber(t, fb, NewRegistry(), nil)

	require.NoError(t, s.Subscribe(context.Background(), "wallet.>", WithDurable("wallet-audit-v2")))

	_, ok := fb.consumerFilter("WALLET_EVENTS", "wallet-audit-v2")
	require.True(t, ok)
}

func TestDispatchProcessesAndAcks(t *testing.T) {
	fb := newFakeBroker()
	reg := NewRegistry()
	store := NewMemoryIdempotencyStore(0)

	delivered := make(chan *Delivery[events.UsageRecorded], 1)
	AddHandler(reg, HandlerFunc[events.UsageRecorded](func(_ context.Context, d *Delivery[events.UsageRecorded]) error {
		time.Sleep(time.Millisecond)
		delivered <- d
		return nil
	}))

	s := newTestSubscriber(t, fb, reg, store)
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	env, data := wireEnvelope(t, events.UsageRecorded{
		UsageID: "u-1", UserID: "alice", Model: "gpt-4", InputTokens: 1000, OutputTokens: 500,
	})
	fb.enqueue("usage.recorded.gpt-4", data)

	var d *Delivery[events.UsageRecorded]
	select {
	case d = <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	require.Equal(t, env.EventID, d.Envelope.EventID)
	require.Equal(t, "usage.recorded.gpt-4", d.Subject)
	require.Equal(t, "alice", d.Payload.UserID)
	require.Equal(t, int64(1000), d.Payload.InputTokens)

	waitUntil(t, func() bool { return fb.ackedCount() == 1 }, "message acked")

	processed, err := store.IsProcessed(context.Background(), env.EventID)
	require.NoError(t, err)
	require.True(t, processed, "event id should be marked after success")

	m := s.GetMetrics()
	require.Equal(t, uint64(1), m.EventsReceived)
	require.Equal(t, uint64(1), m.EventsProcessed)
	require.Zero(t, m.EventsFailed)
	require.Greater(t, m.AvgProcessingTimeSeconds, 0.0)
}

func TestDuplicateDeliveryRunsHandlerOnce(t *testing.T) {
	fb := newFakeBroker()
	reg := NewRegistry()

	var calls atomic.Int32
	AddHandler(reg, HandlerFunc[events.UsageRecorded](func(context.Context, *Delivery[events.UsageRecorded]) error {
		calls.Add(1)
		return nil
	}))

	s := newTestSubscriber(t, fb, reg, NewMemoryIdempotencyStore(0))
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	_, data := wireEnvelope(t, events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	fb.enqueue("usage.recorded.gpt-4", data)
	fb.enqueue("usage.recorded.gpt-4", data)

	waitUntil(t, func() bool { return fb.ackedCount() == 2 }, "both deliveries acked")

	require.Equal(t, int32(1), calls.Load(), "handler must run once for duplicate deliveries")
	m := s.GetMetrics()
	require.Equal(t, uint64(2), m.EventsReceived)
	require.Equal(t, uint64(1), m.EventsProcessed)
	require.Equal(t, uint64(1), m.EventsSkippedDuplicate)
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	fb := newFakeBroker()
	reg := NewRegistry()
	store := NewMemoryIdempotencyStore(0)

	var attempts atomic.Int32
	AddHandler(reg, HandlerFunc[events.UsageRecorded](func(context.Context, *Delivery[events.UsageRecorded]) error {
		attempts.Add(1)
		return errors.New("wallet db down")
	}))

	s := newTestSubscriber(t, fb, reg, store)
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	env, data := wireEnvelope(t, events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	fb.enqueue("usage.recorded.gpt-4", data)

	waitUntil(t, func() bool { return len(fb.publishesTo("dlq.")) == 1 }, "dead letter published")

	require.Equal(t, int32(4), attempts.Load(), "one initial attempt plus three retries")

	pub := fb.publishesTo("dlq.")[0]
	require.Equal(t, "dlq.usage.recorded.gpt-4", pub.subject)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(pub.data, &dl))
	require.Equal(t, "usage.recorded.gpt-4", dl.OriginalSubject)
	require.Equal(t, "max_retries_exceeded", dl.FailureReason)
	require.Equal(t, "billing-service", dl.Service)
	require.False(t, dl.FailedAt.IsZero())
	require.JSONEq(t, string(data), string(dl.OriginalEvent))

	// The original message stays unacked so the broker redelivers it.
	require.Zero(t, fb.ackedCount())

	processed, err := store.IsProcessed(context.Background(), env.EventID)
	require.NoError(t, err)
	require.False(t, processed, "failed event must not be marked processed")

	m := s.GetMetrics()
	require.Equal(t, uint64(1), m.EventsFailed)
	require.Zero(t, m.EventsProcessed)
}

func TestTransientFailureRecovers(t *testing.T) {
	fb := newFakeBroker()
	reg := NewRegistry()

	var attempts atomic.Int32
	AddHandler(reg, HandlerFunc[events.UsageRecorded](func(context.Context, *Delivery[events.UsageRecorded]) error {
		if attempts.Add(1) < 3 {
			return errors.New("deadlock, retry")
		}
		return nil
	}))

	s := newTestSubscriber(t, fb, reg, NewMemoryIdempotencyStore(0))
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	_, data := wireEnvelope(t, events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	fb.enqueue("usage.recorded.gpt-4", data)

	waitUntil(t, func() bool { return fb.ackedCount() == 1 }, "message acked after recovery")

	require.Equal(t, int32(3), attempts.Load())
	require.Empty(t, fb.publishesTo("dlq."), "recovered event must not be dead lettered")
	require.Equal(t, uint64(1), s.GetMetrics().EventsProcessed)
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	fb := newFakeBroker()
	reg := NewRegistry()

	AddHandler(reg, HandlerFunc[events.UsageRecorded](func(context.Context, *Delivery[events.UsageRecorded]) error {
		panic("nil wallet")
	}))

	s := newTestSubscriber(t, fb, reg, NewMemoryIdempotencyStore(0))
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	_, data := wireEnvelope(t, events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	fb.enqueue("usage.recorded.gpt-4", data)

	waitUntil(t, func() bool { return len(fb.publishesTo("dlq.")) == 1 }, "panicking handler dead letters")
	require.Zero(t, fb.ackedCount())
}

func TestNoHandlerLeavesMessageUnacked(t *testing.T) {
	fb := newFakeBroker()
	s := newTestSubscriber(t, fb, NewRegistry(), NewMemoryIdempotencyStore(0))
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	_, data := wireEnvelope(t, events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	fb.enqueue("usage.recorded.gpt-4", data)

	waitUntil(t, func() bool { return s.GetMetrics().EventsFailed >= 1 }, "unhandled event counted as failed")

	require.Zero(t, fb.ackedCount(), "unhandled event stays unacked for redelivery")
	require.Empty(t, fb.publishesTo("dlq."), "unhandled event is not dead lettered")
}

func TestUndecodableMessageLeftUnacked(t *testing.T) {
	fb := newFakeBroker()
	s := newTestSubscriber(t, fb, NewRegistry(), NewMemoryIdempotencyStore(0))
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	fb.enqueue("usage.recorded.gpt-4", []byte("not an envelope"))

	waitUntil(t, func() bool { return s.GetMetrics().EventsFailed >= 1 }, "undecodable message counted as failed")
	require.Zero(t, fb.ackedCount())
}

// erringStore fails every call, standing in for an unreachable backend.
type erringStore struct{}

func (erringStore) IsProcessed(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

func (erringStore) MarkProcessed(context.Context, string) error {
	return errors.New("store down")
}

func TestIdempotencyStoreFailureFailsOpen(t *testing.T) {
	fb := newFakeBroker()
	reg := NewRegistry()

	var calls atomic.Int32
	AddHandler(reg, HandlerFunc[events.UsageRecorded](func(context.Context, *Delivery[events.UsageRecorded]) error {
		calls.Add(1)
		return nil
	}))

	s := newTestSubscriber(t, fb, reg, erringStore{})
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	_, data := wireEnvelope(t, events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	fb.enqueue("usage.recorded.gpt-4", data)

	// The store erroring on both check and mark must not block processing.
	waitUntil(t, func() bool { return fb.ackedCount() == 1 }, "message acked despite store errors")
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, uint64(1), s.GetMetrics().EventsProcessed)
}

func TestPullErrorBacksOff(t *testing.T) {
	fb := newFakeBroker()
	fb.pullErr = errors.New("connection reset")

	s := newTestSubscriber(t, fb, NewRegistry(), NewMemoryIdempotencyStore(0))
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	// The loop must survive pull errors and resume once they clear.
	time.Sleep(10 * time.Millisecond)
	fb.mu.Lock()
	fb.pullErr = nil
	fb.mu.Unlock()

	reg := s.Registry()
	done := make(chan struct{}, 1)
	AddHandler(reg, HandlerFunc[events.UsageRecorded](func(context.Context, *Delivery[events.UsageRecorded]) error {
		done <- struct{}{}
		return nil
	}))

	_, data := wireEnvelope(t, events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	fb.enqueue("usage.recorded.gpt-4", data)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not recover from pull errors")
	}
}

func TestShutdownStopsLoopsAndRejectsSubscribe(t *testing.T) {
	fb := newFakeBroker()
	s := newTestSubscriber(t, fb, NewRegistry(), NewMemoryIdempotencyStore(0))
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	require.ErrorIs(t, s.Subscribe(context.Background(), "wallet.>"), ErrClosed)
	require.NoError(t, s.Shutdown(ctx), "second shutdown is a no-op")
}

func TestMetricsZeroBeforeAnyProcessing(t *testing.T) {
	s := newTestSubscriber(t, newFakeBroker(), NewRegistry(), nil)
	m := s.GetMetrics()
	require.Zero(t, m.EventsReceived)
	require.Zero(t, m.EventsProcessed)
	require.Equal(t, 0.0, m.AvgProcessingTimeSeconds)
}

func TestHealthCheck(t *testing.T) {
	fb := newFakeBroker()
	s := newTestSubscriber(t, fb, NewRegistry(), nil)
	require.NoError(t, s.Subscribe(context.Background(), "usage.recorded.*", WithQueue("billing")))

	h := s.HealthCheck()
	require.Equal(t, "billing-service", h.Service)
	require.Equal(t, "healthy", h.Status)
	require.Len(t, h.Subscriptions, 1)

	noBroker := NewSubscriber(nil, NewRegistry(), nil, SubscriberConfig{Service: "billing-service"}, discardLogger())
	require.Equal(t, "unhealthy", noBroker.HealthCheck().Status)
}
