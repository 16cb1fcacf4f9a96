package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xenoISA/isA-user-sub009/internal/eventbus"
)

type Config struct {
	Brokers []string
}

const headerSubject = "subject"

// Broker adapts Kafka to the eventbus.Broker contract. Streams become
// topics, durable consumers become consumer groups, and the dotted subject
// rides in a message header since Kafka routes by topic only.
//
// Sequences handed to the bus are adapter-local: each fetched message gets
// the next value of a process counter and is held pending until acked.
// Kafka commits are cumulative per partition, so acking a later message
// also advances past earlier unacked ones.
type Broker struct {
	brokers []string
	client  *kafka.Client
	writer  *kafka.Writer
	logger  *slog.Logger

	seq     atomic.Uint64
	mu      sync.Mutex
	readers map[string]*readerState
}

type readerState struct {
	reader  *kafka.Reader
	filter  string
	pending map[uint64]kafka.Message
}

var _ eventbus.Broker = (*Broker)(nil)

func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &Broker{
		brokers: cfg.Brokers,
		client:  &kafka.Client{Addr: kafka.TCP(cfg.Brokers...)},
		writer:  w,
		logger:  logger,
		readers: make(map[string]*readerState),
	}
}

// Publish writes to the topic backing the subject's stream, keyed by the
// full subject so one subject always lands on one partition.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte, headers eventbus.Headers) error {
	hs := make([]kafka.Header, 0, len(headers)+1)
	hs = append(hs, kafka.Header{Key: headerSubject, Value: []byte(subject)})
	for k, v := range headers {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   eventbus.StreamNameFor(subject),
		Key:     []byte(subject),
		Value:   data,
		Headers: hs,
	})
	if err != nil {
		return fmt.Errorf("failed to write message for %s: %w", subject, err)
	}
	return nil
}

func (b *Broker) CreateStream(ctx context.Context, name string, _ []string) error {
	resp, err := b.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             name,
			NumPartitions:     3,
			ReplicationFactor: 1,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", name, err)
	}
	if topicErr := resp.Errors[name]; topicErr != nil {
		if errors.Is(topicErr, kafka.TopicAlreadyExists) {
			return eventbus.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create topic %s: %w", name, topicErr)
	}
	return nil
}

// CreateConsumer opens a group reader on the stream's topic. The group
// itself materializes broker-side on first join, so there is nothing else
// to provision.
func (b *Broker) CreateConsumer(_ context.Context, stream, name, filterSubject string) error {
	key := readerKey(stream, name)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.readers[key]; ok {
		return eventbus.ErrAlreadyExists
	}

	startOffset := kafka.FirstOffset
	// When a consumer group has no committed offset yet, kafka-go uses StartOffset.
	// Supported: "earliest" (default), "latest".
	if v := strings.TrimSpace(os.Getenv("KAFKA_START_OFFSET")); v != "" {
		switch strings.ToLower(v) {
		case "latest":
			startOffset = kafka.LastOffset
		case "earliest":
			startOffset = kafka.FirstOffset
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: false, // Force IPv4
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       stream,
		GroupID:     name,
		MinBytes:    1,    // Process immediately
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		Dialer:      dialer,
		StartOffset: startOffset,
	})

	b.readers[key] = &readerState{
		reader:  r,
		filter:  filterSubject,
		pending: make(map[uint64]kafka.Message),
	}
	return nil
}

// PullMessages fetches up to batchSize messages, filtering by subject on
// the client side. Messages whose subject does not match the consumer's
// filter are committed immediately so the group keeps moving.
func (b *Broker) PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]eventbus.Message, error) {
	rs, err := b.readerState(stream, consumer)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var msgs []eventbus.Message
	for len(msgs) < batchSize {
		kmsg, err := rs.reader.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return msgs, fmt.Errorf("failed to fetch from %s/%s: %w", stream, consumer, err)
		}

		subject := subjectOf(kmsg)
		if rs.filter != "" && !eventbus.SubjectMatches(rs.filter, subject) {
			if err := rs.reader.CommitMessages(ctx, kmsg); err != nil {
				b.logger.Error("failed to commit filtered message", "topic", kmsg.Topic, "offset", kmsg.Offset, "error", err)
			}
			continue
		}

		seq := b.seq.Add(1)
		b.mu.Lock()
		rs.pending[seq] = kmsg
		b.mu.Unlock()

		msgs = append(msgs, eventbus.Message{
			Subject:      subject,
			Data:         kmsg.Value,
			Sequence:     seq,
			NumDelivered: 1,
		})
	}
	return msgs, nil
}

func (b *Broker) AckMessage(ctx context.Context, stream, consumer string, sequence uint64) error {
	rs, err := b.readerState(stream, consumer)
	if err != nil {
		return err
	}

	b.mu.Lock()
	kmsg, ok := rs.pending[sequence]
	if ok {
		delete(rs.pending, sequence)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending message with sequence %d on %s/%s", sequence, stream, consumer)
	}
	if err := rs.reader.CommitMessages(ctx, kmsg); err != nil {
		return fmt.Errorf("failed to commit offset %d on %s: %w", kmsg.Offset, kmsg.Topic, err)
	}
	return nil
}

func (b *Broker) readerState(stream, consumer string) (*readerState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.readers[readerKey(stream, consumer)]
	if !ok {
		return nil, fmt.Errorf("no consumer %s on %s, call CreateConsumer first", consumer, stream)
	}
	return rs, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, rs := range b.readers {
		if err := rs.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func subjectOf(kmsg kafka.Message) string {
	for _, h := range kmsg.Headers {
		if h.Key == headerSubject {
			return string(h.Value)
		}
	}
	return kmsg.Topic
}

func readerKey(stream, consumer string) string {
	return stream + "/" + consumer
}
