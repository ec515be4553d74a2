package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return New(zap.New(core)), logs
}

func TestWithContextAddsRequestAndTrace(t *testing.T) {
	log, logs := observed()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID}))
	ctx = context.WithValue(ctx, RequestIDKey, "req-1")

	log.WithContext(ctx).Info("hello")

	entry := logs.All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
}

func TestWithContextWithoutValuesReturnsSameLogger(t *testing.T) {
	log, _ := observed()
	assert.Same(t, log, log.WithContext(context.Background()))
}

func TestFieldHelpers(t *testing.T) {
	log, logs := observed()
	log.WithSessionID("s1").WithAgentID("sarah").Warn("slow")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "s1", fields["session_id"])
	assert.Equal(t, "sarah", fields["agent_id"])
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "loud", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.False(t, log.zap.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.zap.Core().Enabled(zapcore.InfoLevel))
}

func TestDetectFormat(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("BETAFORGE_ENV", "production")
	assert.Equal(t, "json", DetectFormat())
	t.Setenv("BETAFORGE_ENV", "")
	assert.Equal(t, "text", DetectFormat())
}
