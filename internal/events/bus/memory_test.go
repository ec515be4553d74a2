package bus

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/betaforge/betaforge/internal/common/logger"
)

func mustEvent(t *testing.T, eventType string, data any) *Event {
	t.Helper()
	e, err := NewEvent(eventType, "test-source", data)
	require.NoError(t, err)
	return e
}

func TestMemoryBusConnectedUntilClosed(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	b.Close()

	assert.ErrorIs(t, b.Publish(context.Background(), "a.b", mustEvent(t, "x", nil)), ErrClosed)
	_, err := b.Subscribe("a.b", func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBusDeliversDecodedData(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("session.abc.activity", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(context.Background(), "session.abc.activity",
		mustEvent(t, "activity.appended", map[string]int{"seq": 7})))

	select {
	case got := <-received:
		var data map[string]int
		require.NoError(t, got.Decode(&data))
		assert.Equal(t, 7, data["seq"])
		assert.Equal(t, "test-source", got.Source)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryBusPreservesOrderPerSubscription(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	const total = 200
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	_, err := b.Subscribe("session.*.activity", func(ctx context.Context, event *Event) error {
		var n int
		if err := event.Decode(&n); err != nil {
			return err
		}
		// A slow handler must not let later events overtake earlier ones.
		if n%50 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
		if len(got) == total {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		require.NoError(t, b.Publish(context.Background(), "session.xyz.activity", mustEvent(t, "n", i)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		require.Equal(t, i, n, "event delivered out of order")
	}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"session.*.activity", "session.abc.activity", true},
		{"session.*.activity", "session.abc.status", false},
		{"session.*.activity", "session.abc.activity.extra", false},
		{"session.>", "session.abc.activity", true},
		{"session.>", "session", false},
		{"session.abc.activity", "session.abc.activity", true},
		{"session.abc.activity", "session.abd.activity", false},
		{"session.abc", "session.abc.activity", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.match, subjectMatches(strings.Split(tt.pattern, "."), tt.subject))
		})
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	received := make(chan *Event, 10)
	sub, err := b.Subscribe("a.b", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriptionCount())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	assert.Zero(t, b.SubscriptionCount())

	require.NoError(t, b.Publish(context.Background(), "a.b", mustEvent(t, "x", nil)))
	select {
	case <-received:
		t.Error("received event after Unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusCarriesTraceContext(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})))

	received := make(chan context.Context, 1)
	_, err = b.Subscribe("a.b", func(ctx context.Context, event *Event) error {
		received <- ctx
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "a.b", mustEvent(t, "x", nil)))
	cancel()

	select {
	case got := <-received:
		assert.Equal(t, traceID, trace.SpanContextFromContext(got).TraceID())
		assert.NoError(t, got.Err(), "publisher cancellation must not reach handlers")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
