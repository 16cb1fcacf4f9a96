package eventbus

import (
	"context"
	"errors"
)

// Headers carry broker message headers. The publisher always sets
// HeaderEventType so consumers can route without parsing the body.
type Headers map[string]string

// HeaderEventType is the header key carrying the envelope's event type.
const HeaderEventType = "event_type"

// Message is one pulled broker message. Sequence is an opaque token the
// broker adapter resolves back to the underlying delivery on ack; it is only
// meaningful for the (stream, consumer) pair it was pulled from.
type Message struct {
	Subject      string
	Data         []byte
	Sequence     uint64
	NumDelivered int
}

// ErrAlreadyExists is returned (possibly wrapped) by broker adapters when a
// stream or consumer being created is already provisioned. Callers treat it
// as success.
var ErrAlreadyExists = errors.New("eventbus: already exists")

// Broker is the transport the messaging core runs on. Implementations live
// in internal/infrastructure (NATS JetStream, Kafka); tests use in-memory
// fakes. All methods must be safe for concurrent use.
type Broker interface {
	// Publish sends data on a subject. Headers may be nil.
	Publish(ctx context.Context, subject string, data []byte, headers Headers) error

	// CreateStream provisions a durable stream covering the given subjects.
	// Returns ErrAlreadyExists (or nil) when the stream is already there.
	CreateStream(ctx context.Context, name string, subjects []string) error

	// CreateConsumer provisions a durable consumer on a stream, restricted
	// to filterSubject. Same idempotency contract as CreateStream.
	CreateConsumer(ctx context.Context, stream, name, filterSubject string) error

	// PullMessages fetches up to batchSize messages for a consumer. An empty
	// slice with a nil error means no messages are currently available.
	PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]Message, error)

	// AckMessage acknowledges a previously pulled message. Unacked messages
	// are redelivered by the broker.
	AckMessage(ctx context.Context, stream, consumer string, sequence uint64) error
}
