package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNATSMessageRoundTrip(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	event := mustEvent(t, "activity.appended", map[string]int64{"seq": 12})
	msg := encodeMsg(ctx, "betaforge.session.abc.activity", event)

	assert.JSONEq(t, `{"seq":12}`, string(msg.Data))
	assert.Equal(t, "activity.appended", msg.Header.Get(headerEventType))

	gotCtx, got, err := decodeMsg(msg)
	require.NoError(t, err)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, event.Type, got.Type)
	assert.Equal(t, event.Source, got.Source)
	assert.True(t, event.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, traceID, trace.SpanContextFromContext(gotCtx).TraceID())
}

func TestNATSDecodeLegacyEnvelope(t *testing.T) {
	event := mustEvent(t, "activity.appended", 3)
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	_, got, err := decodeMsg(&nats.Msg{Subject: "x", Data: raw})
	require.NoError(t, err)
	assert.Equal(t, event.ID, got.ID)

	_, _, err = decodeMsg(&nats.Msg{Subject: "x", Data: []byte("not json")})
	assert.Error(t, err)
}

func TestNATSDecodeBadTimestamp(t *testing.T) {
	msg := encodeMsg(context.Background(), "x", &Event{ID: "1", Type: "t", Timestamp: time.Now()})
	msg.Header.Set(headerTimestamp, "yesterday")
	_, _, err := decodeMsg(msg)
	assert.Error(t, err)
}

func TestNATSSubjectPrefix(t *testing.T) {
	b := &NATSEventBus{prefix: "staging"}
	assert.Equal(t, "staging.session.*.activity", b.subject("session.*.activity"))
	b.prefix = ""
	assert.Equal(t, "session.abc.activity", b.subject("session.abc.activity"))
}
