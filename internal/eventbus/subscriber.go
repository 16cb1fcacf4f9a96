package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xenoISA/isA-user-sub009/internal/domain/event"
)

// ErrClosed is returned by Subscribe after Shutdown has been called.
var ErrClosed = errors.New("eventbus: subscriber closed")

const (
	defaultBatchSize     = 10
	defaultPollInterval  = 100 * time.Millisecond
	defaultIdleInterval  = time.Second
	defaultErrorInterval = 5 * time.Second

	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// SubscriberConfig tunes a subscriber. Zero values fall back to defaults.
type SubscriberConfig struct {
	Service       string
	BatchSize     int
	RetryPolicy   RetryPolicy
	PollInterval  time.Duration
	IdleInterval  time.Duration
	ErrorInterval time.Duration
}

func (c *SubscriberConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.RetryPolicy == (RetryPolicy{}) {
		c.RetryPolicy = DefaultRetryPolicy()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = defaultIdleInterval
	}
	if c.ErrorInterval <= 0 {
		c.ErrorInterval = defaultErrorInterval
	}
}

// SubscribeOption adjusts a single Subscribe call.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	queue   string
	durable string
}

// WithQueue places the subscription in a named queue group: every process
// subscribing with the same queue name shares one consumer cursor, so the
// broker load-balances messages across them.
func WithQueue(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.queue = name }
}

// WithDurable overrides the derived consumer name.
func WithDurable(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.durable = name }
}

// Subscriber owns one pull loop per subscription, dispatching pulled
// messages to registered handlers with idempotent, retried execution.
type Subscriber struct {
	cfg      SubscriberConfig
	broker   Broker
	registry *Registry
	store    IdempotencyStore
	metrics  *metrics
	dlq      *deadLetterRouter
	logger   *slog.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu         sync.Mutex
	subs       []Subscription
	dlqEnsured bool
	closed     bool
}

func NewSubscriber(broker Broker, registry *Registry, store IdempotencyStore, cfg SubscriberConfig, logger *slog.Logger) *Subscriber {
	cfg.applyDefaults()
	if registry == nil {
		registry = NewRegistry()
	}
	if store == nil {
		store = NewMemoryIdempotencyStore(0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &Subscriber{
		cfg:       cfg,
		broker:    broker,
		registry:  registry,
		store:     store,
		metrics:   newMetrics(cfg.Service),
		dlq:       &deadLetterRouter{broker: broker, service: cfg.Service, logger: logger},
		logger:    logger,
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Registry exposes the handler table so services can register handlers with
// AddHandler before subscribing.
func (s *Subscriber) Registry() *Registry {
	return s.registry
}

// Subscribe provisions the stream and durable consumer for the given subject
// pattern and spawns an independent pull loop for it. ctx bounds only the
// provisioning calls; the loop itself runs until Shutdown.
func (s *Subscriber) Subscribe(ctx context.Context, subjectPattern string, opts ...SubscribeOption) error {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	owner := s.cfg.Service
	if o.queue != "" {
		owner = o.queue
	}
	consumerName := o.durable
	if consumerName == "" {
		consumerName = ConsumerNameFor(owner, subjectPattern)
	}

	sub := Subscription{
		SubjectPattern: subjectPattern,
		StreamName:     StreamNameFor(subjectPattern),
		ConsumerName:   consumerName,
		QueueGroup:     o.queue,
	}

	s.ensureStream(ctx, sub.StreamName, StreamSubjectsFor(subjectPattern))
	s.ensureConsumer(ctx, sub.StreamName, sub.ConsumerName, subjectPattern)
	s.ensureDeadLetterStream(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.subs = append(s.subs, sub)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.pullLoop(sub)

	s.logger.Info("subscription started",
		"pattern", subjectPattern, "stream", sub.StreamName, "consumer", sub.ConsumerName, "queue", o.queue)
	return nil
}

// ensureStream is best effort: a stream that already exists is fine and any
// other provisioning error is logged without failing the subscription.
func (s *Subscriber) ensureStream(ctx context.Context, name string, subjects []string) {
	err := s.broker.CreateStream(ctx, name, subjects)
	if err == nil || errors.Is(err, ErrAlreadyExists) {
		return
	}
	s.logger.Error("failed to ensure stream", "stream", name, "error", err)
}

func (s *Subscriber) ensureConsumer(ctx context.Context, stream, name, filterSubject string) {
	err := s.broker.CreateConsumer(ctx, stream, name, filterSubject)
	if err == nil || errors.Is(err, ErrAlreadyExists) {
		return
	}
	s.logger.Error("failed to ensure consumer", "stream", stream, "consumer", name, "error", err)
}

func (s *Subscriber) ensureDeadLetterStream(ctx context.Context) {
	s.mu.Lock()
	done := s.dlqEnsured
	s.dlqEnsured = true
	s.mu.Unlock()
	if done {
		return
	}
	pattern := deadLetterPrefix + ">"
	s.ensureStream(ctx, StreamNameFor(pattern), StreamSubjectsFor(pattern))
}

// pullLoop drives one subscription: pull a batch, dispatch each message,
// sleep an interval picked by what just happened. Cancellation is checked
// at every iteration boundary so shutdown never strands the goroutine.
func (s *Subscriber) pullLoop(sub Subscription) {
	defer s.wg.Done()

	for {
		if s.runCtx.Err() != nil {
			return
		}

		msgs, err := s.broker.PullMessages(s.runCtx, sub.StreamName, sub.ConsumerName, s.cfg.BatchSize)
		if err != nil {
			if s.runCtx.Err() != nil {
				return
			}
			s.logger.Error("failed to pull messages", "stream", sub.StreamName, "consumer", sub.ConsumerName, "error", err)
			if sleepContext(s.runCtx, s.cfg.ErrorInterval) != nil {
				return
			}
			continue
		}

		for _, msg := range msgs {
			if s.runCtx.Err() != nil {
				return
			}
			s.processMessage(s.runCtx, sub, msg)
		}

		delay := s.cfg.IdleInterval
		if len(msgs) > 0 {
			delay = s.cfg.PollInterval
		}
		if sleepContext(s.runCtx, delay) != nil {
			return
		}
	}
}

// processMessage runs the dispatch state machine for one pulled message.
// Only two outcomes ack: handled successfully, or recognized as a duplicate.
// Everything else leaves the message to broker redelivery.
func (s *Subscriber) processMessage(ctx context.Context, sub Subscription, msg Message) {
	s.metrics.markReceived()

	env, err := event.Decode(msg.Data)
	if err != nil {
		s.metrics.markFailed()
		s.logger.Error("failed to decode envelope", "subject", msg.Subject, "sequence", msg.Sequence, "error", err)
		return
	}

	processed, err := s.store.IsProcessed(ctx, env.EventID)
	if err != nil {
		s.logger.Warn("idempotency check failed, treating as unprocessed", "event_id", env.EventID, "error", err)
		processed = false
	}
	if processed {
		s.metrics.markDuplicate()
		s.logger.Debug("duplicate event skipped", "event_id", env.EventID, "event_type", env.EventType)
		s.ack(ctx, sub, msg)
		return
	}

	entry, ok := s.registry.lookup(env.EventType)
	if !ok {
		s.metrics.markFailed()
		s.logger.Warn("no handler registered", "event_type", env.EventType, "subject", msg.Subject)
		return
	}

	payload, err := entry.decode(env.Payload)
	if err != nil {
		s.metrics.markFailed()
		s.logger.Error("failed to decode payload", "event_type", env.EventType, "event_id", env.EventID, "error", err)
		return
	}

	start := time.Now()
	if err := s.executeWithRetry(ctx, entry, env, msg.Subject, payload); err != nil {
		if ctx.Err() != nil {
			// Shutting down mid-retry: abandon to redelivery.
			return
		}
		s.metrics.markFailed()
		s.metrics.markDeadLettered()
		s.logger.Error("handler retries exhausted", "event_type", env.EventType, "event_id", env.EventID, "delivery", msg.NumDelivered, "error", err)
		s.dlq.route(ctx, msg.Subject, msg.Data)
		return
	}

	if err := s.store.MarkProcessed(ctx, env.EventID); err != nil {
		s.logger.Warn("failed to mark event processed", "event_id", env.EventID, "error", err)
	}
	s.metrics.markProcessed(time.Since(start))
	s.ack(ctx, sub, msg)
}

// executeWithRetry runs the handler up to 1+MaxRetries times, sleeping the
// policy delay between attempts. A context error aborts the remaining
// attempts and is returned as is.
func (s *Subscriber) executeWithRetry(ctx context.Context, entry handlerEntry, env *event.Envelope, subject string, payload any) error {
	policy := s.cfg.RetryPolicy

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt - 1)
			s.logger.Info("retrying handler", "event_type", env.EventType, "attempt", attempt, "max", policy.MaxRetries, "backoff", delay)
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
		}
		if err := s.runHandler(ctx, entry, env, subject, payload); err != nil {
			lastErr = err
			s.logger.Error("handler attempt failed", "event_type", env.EventType, "event_id", env.EventID, "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

// runHandler converts a handler panic into an ordinary failed attempt.
func (s *Subscriber) runHandler(ctx context.Context, entry handlerEntry, env *event.Envelope, subject string, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return entry.handle(ctx, env, subject, payload)
}

func (s *Subscriber) ack(ctx context.Context, sub Subscription, msg Message) {
	if err := s.broker.AckMessage(ctx, sub.StreamName, sub.ConsumerName, msg.Sequence); err != nil {
		s.logger.Error("failed to ack message", "stream", sub.StreamName, "consumer", sub.ConsumerName, "sequence", msg.Sequence, "error", err)
	}
}

// GetMetrics returns a snapshot of the counters and active subscriptions.
func (s *Subscriber) GetMetrics() MetricsSnapshot {
	return s.metrics.snapshot(s.subscriptions())
}

// HealthCheck reports healthy while a broker handle is present. It does not
// probe the broker itself.
func (s *Subscriber) HealthCheck() Health {
	status := statusUnhealthy
	if s.broker != nil {
		status = statusHealthy
	}
	subs := s.subscriptions()
	return Health{
		Service:       s.cfg.Service,
		Status:        status,
		Subscriptions: subs,
		Metrics:       s.metrics.snapshot(subs),
	}
}

func (s *Subscriber) subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]Subscription, len(s.subs))
	copy(subs, s.subs)
	return subs
}

// Shutdown stops all pull loops and waits for in-flight dispatches to
// finish, up to ctx's deadline. Unacked messages are left to redelivery.
func (s *Subscriber) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.runCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("subscriber stopped", "service", s.cfg.Service)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
