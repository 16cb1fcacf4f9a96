package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xenoISA/isA-user-sub009/internal/domain/event"
	"github.com/xenoISA/isA-user-sub009/internal/domain/events"
)

func TestPublishEventFillsSourceAndHeader(t *testing.T) {
	fb := newFakeBroker()
	p := NewPublisher(fb, "usage-service", discardLogger())

	env, err := event.New(events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	require.NoError(t, err)

	require.NoError(t, p.PublishEvent(context.Background(), "usage.recorded.gpt-4", env, nil))

	pubs := fb.publishesTo("usage.recorded.gpt-4")
	require.Len(t, pubs, 1)
	require.Equal(t, events.TypeUsageRecorded, pubs[0].headers[HeaderEventType])

	decoded, err := event.Decode(pubs[0].data)
	require.NoError(t, err)
	require.Equal(t, env.EventID, decoded.EventID)
	require.Equal(t, "usage-service", decoded.SourceService, "publisher fills in its own service name")
}

func TestPublishEventKeepsExplicitSource(t *testing.T) {
	fb := newFakeBroker()
	p := NewPublisher(fb, "outbox-relay", discardLogger())

	env, err := event.New(events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	require.NoError(t, err)
	env.SourceService = "usage-service"

	require.NoError(t, p.PublishEvent(context.Background(), "usage.recorded.gpt-4", env, nil))

	decoded, err := event.Decode(fb.publishesTo("usage.recorded.gpt-4")[0].data)
	require.NoError(t, err)
	require.Equal(t, "usage-service", decoded.SourceService, "an already-set source is preserved")
}

func TestPublishEventMergesHeaders(t *testing.T) {
	fb := newFakeBroker()
	p := NewPublisher(fb, "usage-service", discardLogger())

	env, err := event.New(events.WalletCredited{CreditID: "c-1", UserID: "alice", Amount: 25})
	require.NoError(t, err)

	require.NoError(t, p.PublishEvent(context.Background(), "wallet.credited", env, Headers{"trace_id": "t-1"}))

	h := fb.publishesTo("wallet.credited")[0].headers
	require.Equal(t, "t-1", h["trace_id"])
	require.Equal(t, events.TypeWalletCredited, h[HeaderEventType])
}

func TestPublishEventRejectsInvalidEnvelope(t *testing.T) {
	p := NewPublisher(newFakeBroker(), "usage-service", discardLogger())
	ctx := context.Background()

	require.Error(t, p.PublishEvent(ctx, "usage.recorded.gpt-4", nil, nil))

	err := p.PublishEvent(ctx, "usage.recorded.gpt-4", &event.Envelope{EventType: events.TypeUsageRecorded}, nil)
	require.ErrorIs(t, err, event.ErrInvalidEnvelope)

	err = p.PublishEvent(ctx, "usage.recorded.gpt-4", &event.Envelope{EventID: "evt-1"}, nil)
	require.ErrorIs(t, err, event.ErrInvalidEnvelope)
}

func TestPublishEventWrapsBrokerError(t *testing.T) {
	fb := newFakeBroker()
	fb.publishErr = errors.New("no responders")
	p := NewPublisher(fb, "usage-service", discardLogger())

	env, err := event.New(events.UsageRecorded{UsageID: "u-1", UserID: "alice", Model: "gpt-4"})
	require.NoError(t, err)

	err = p.PublishEvent(context.Background(), "usage.recorded.gpt-4", env, nil)
	require.ErrorIs(t, err, fb.publishErr)
}

func TestPublishRawPassesBytesThrough(t *testing.T) {
	fb := newFakeBroker()
	p := NewPublisher(fb, "usage-service", discardLogger())

	raw := []byte(`{"anything": true}`)
	require.NoError(t, p.PublishRaw(context.Background(), "usage.raw", raw, Headers{"k": "v"}))

	pubs := fb.publishesTo("usage.raw")
	require.Len(t, pubs, 1)
	require.Equal(t, raw, pubs[0].data)
	require.Equal(t, "v", pubs[0].headers["k"])
}
