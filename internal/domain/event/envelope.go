package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is implemented by domain event payloads. EventType returns the
// dotted type tag (e.g. "usage.recorded") used for routing and handler
// dispatch. Payloads must be plain structs that marshal to a JSON object.
type Payload interface {
	EventType() string
}

// ErrInvalidEnvelope is returned when decoded event data is not a valid
// envelope (not a JSON object, or missing event_id/event_type).
var ErrInvalidEnvelope = errors.New("event: invalid envelope")

// Envelope is the canonical wrapper around a domain event. On the wire the
// payload fields are flattened into the same JSON object as the metadata:
//
//	{"event_id": "...", "event_type": "usage.recorded", "timestamp": "...",
//	 "source_service": "...", "user_id": "u1", ...}
//
// EventID is assigned once at creation and never mutated afterwards; it is
// the basis for consumer-side deduplication.
type Envelope struct {
	EventID       string
	EventType     string
	Timestamp     time.Time
	SourceService string
	CorrelationID string
	CausationID   string

	// Payload holds the domain fields as a JSON object. It is spread into
	// the top-level object on marshal and collected back on unmarshal.
	Payload json.RawMessage
}

// Reserved metadata keys. Payload fields with these names are shadowed by
// the envelope metadata on the wire.
const (
	keyEventID       = "event_id"
	keyEventType     = "event_type"
	keyTimestamp     = "timestamp"
	keySourceService = "source_service"
	keyCorrelationID = "correlation_id"
	keyCausationID   = "causation_id"
)

// New builds an envelope for the given payload with a fresh event id and the
// current UTC timestamp. Correlation/causation ids and the source service are
// left for the caller (or the publisher) to fill in.
func New(p Payload) (*Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		EventID:   uuid.New().String(),
		EventType: p.EventType(),
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// NewRaw builds an envelope around a pre-encoded payload object. Used by the
// outbox relay, where payloads are stored already serialized.
func NewRaw(eventType string, payload json.RawMessage) *Envelope {
	return &Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Decode parses wire data into an envelope and validates the invariant
// fields. Errors wrap ErrInvalidEnvelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if e.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrInvalidEnvelope)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrInvalidEnvelope)
	}
	return &e, nil
}

// MarshalJSON flattens the payload fields and the metadata into one object.
// Metadata wins on key collisions.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &fields); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}

	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[key] = raw
		return nil
	}

	if err := set(keyEventID, e.EventID); err != nil {
		return nil, err
	}
	if err := set(keyEventType, e.EventType); err != nil {
		return nil, err
	}
	if err := set(keyTimestamp, e.Timestamp); err != nil {
		return nil, err
	}
	if err := set(keySourceService, e.SourceService); err != nil {
		return nil, err
	}
	if e.CorrelationID != "" {
		if err := set(keyCorrelationID, e.CorrelationID); err != nil {
			return nil, err
		}
	} else {
		delete(fields, keyCorrelationID)
	}
	if e.CausationID != "" {
		if err := set(keyCausationID, e.CausationID); err != nil {
			return nil, err
		}
	} else {
		delete(fields, keyCausationID)
	}

	return json.Marshal(fields)
}

// UnmarshalJSON splits the flat wire object back into metadata and payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	take := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		delete(fields, key)
		return json.Unmarshal(raw, dst)
	}

	if err := take(keyEventID, &e.EventID); err != nil {
		return fmt.Errorf("decode event_id: %w", err)
	}
	if err := take(keyEventType, &e.EventType); err != nil {
		return fmt.Errorf("decode event_type: %w", err)
	}
	if err := take(keyTimestamp, &e.Timestamp); err != nil {
		return fmt.Errorf("decode timestamp: %w", err)
	}
	if err := take(keySourceService, &e.SourceService); err != nil {
		return fmt.Errorf("decode source_service: %w", err)
	}
	if err := take(keyCorrelationID, &e.CorrelationID); err != nil {
		return fmt.Errorf("decode correlation_id: %w", err)
	}
	if err := take(keyCausationID, &e.CausationID); err != nil {
		return fmt.Errorf("decode causation_id: %w", err)
	}

	if len(fields) == 0 {
		e.Payload = nil
		return nil
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}
