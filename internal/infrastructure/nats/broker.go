package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/xenoISA/isA-user-sub009/internal/eventbus"
)

type Config struct {
	URL string
}

const fetchWait = time.Second

// Broker adapts a JetStream connection to the eventbus.Broker contract.
// Pulled messages are held pending until acked by stream sequence, since
// the bus acks by (stream, consumer, sequence) rather than by handle.
type Broker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	pending   map[string]map[uint64]jetstream.Msg
}

var _ eventbus.Broker = (*Broker)(nil)

func Connect(cfg Config, name string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	return &Broker{
		nc:        nc,
		js:        js,
		logger:    logger,
		consumers: make(map[string]jetstream.Consumer),
		pending:   make(map[string]map[uint64]jetstream.Msg),
	}, nil
}

func (b *Broker) Publish(ctx context.Context, subject string, data []byte, headers eventbus.Headers) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *Broker) CreateStream(ctx context.Context, name string, subjects []string) error {
	_, err := b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return eventbus.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return nil
}

func (b *Broker) CreateConsumer(ctx context.Context, stream, name, filterSubject string) error {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s on %s: %w", name, stream, err)
	}

	b.mu.Lock()
	b.consumers[consumerKey(stream, name)] = cons
	b.mu.Unlock()
	return nil
}

func (b *Broker) PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]eventbus.Message, error) {
	cons, err := b.consumer(ctx, stream, consumer)
	if err != nil {
		return nil, err
	}

	batch, err := cons.Fetch(batchSize, jetstream.FetchMaxWait(fetchWait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s/%s: %w", stream, consumer, err)
	}

	key := consumerKey(stream, consumer)
	var msgs []eventbus.Message
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			b.logger.Error("failed to read message metadata", "stream", stream, "consumer", consumer, "error", err)
			continue
		}

		b.mu.Lock()
		if b.pending[key] == nil {
			b.pending[key] = make(map[uint64]jetstream.Msg)
		}
		b.pending[key][meta.Sequence.Stream] = msg
		b.mu.Unlock()

		msgs = append(msgs, eventbus.Message{
			Subject:      msg.Subject(),
			Data:         msg.Data(),
			Sequence:     meta.Sequence.Stream,
			NumDelivered: int(meta.NumDelivered),
		})
	}
	if err := batch.Error(); err != nil && len(msgs) == 0 {
		return nil, fmt.Errorf("fetch batch from %s/%s: %w", stream, consumer, err)
	}
	return msgs, nil
}

func (b *Broker) AckMessage(ctx context.Context, stream, consumer string, sequence uint64) error {
	key := consumerKey(stream, consumer)

	b.mu.Lock()
	msg, ok := b.pending[key][sequence]
	if ok {
		delete(b.pending[key], sequence)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending message with sequence %d on %s/%s", sequence, stream, consumer)
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("failed to ack sequence %d on %s/%s: %w", sequence, stream, consumer, err)
	}
	return nil
}

// consumer returns the cached handle, looking it up from the server when the
// broker restarted and the durable already exists.
func (b *Broker) consumer(ctx context.Context, stream, name string) (jetstream.Consumer, error) {
	key := consumerKey(stream, name)

	b.mu.Lock()
	cons, ok := b.consumers[key]
	b.mu.Unlock()
	if ok {
		return cons, nil
	}

	cons, err := b.js.Consumer(ctx, stream, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up consumer %s on %s: %w", name, stream, err)
	}

	b.mu.Lock()
	b.consumers[key] = cons
	b.mu.Unlock()
	return cons, nil
}

func (b *Broker) Close() {
	b.nc.Close()
}

func consumerKey(stream, name string) string {
	return stream + "/" + name
}
