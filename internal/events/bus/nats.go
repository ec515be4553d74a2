package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/config"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/common/tracing"
)

// Message headers. The payload travels as the raw message body so that
// non-Go consumers can read it without knowing the Event envelope.
const (
	headerEventID   = "Betaforge-Event-Id"
	headerEventType = "Betaforge-Event-Type"
	headerSource    = "Betaforge-Source"
	headerTimestamp = "Betaforge-Timestamp"
)

// NATSEventBus implements EventBus over core NATS. Handlers of one
// subscription run sequentially, which preserves publish order per subject.
type NATSEventBus struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewNATSEventBus connects to cfg.URL and keeps reconnecting in the
// background when the server goes away.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithFields(zap.String("component", "nats-bus"))

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed", zap.Error(nc.LastError()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("nats async error", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("connected to nats", zap.String("url", conn.ConnectedUrl()))

	return &NATSEventBus{
		conn:   conn,
		prefix: strings.Trim(cfg.SubjectPrefix, "."),
		logger: log,
	}, nil
}

// subject namespaces s with the configured prefix.
func (b *NATSEventBus) subject(s string) string {
	if b.prefix == "" {
		return s
	}
	return b.prefix + "." + s
}

// Publish sends event with its envelope in headers and the trace context of
// ctx injected next to them.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	msg := encodeMsg(ctx, b.subject(subject), event)
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s on %s: %w", event.Type, msg.Subject, err)
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	full := b.subject(subject)
	sub, err := b.conn.Subscribe(full, func(msg *nats.Msg) {
		ctx, event, err := decodeMsg(msg)
		if err != nil {
			b.logger.Error("dropping undecodable message", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", full, err)
	}
	return sub, nil
}

// Close drains pending messages and closes the connection
func (b *NATSEventBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("failed to drain nats connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected returns whether the NATS connection is active
func (b *NATSEventBus) IsConnected() bool {
	return b.conn.IsConnected()
}

func encodeMsg(ctx context.Context, subject string, event *Event) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = event.Data
	msg.Header.Set(headerEventID, event.ID)
	msg.Header.Set(headerEventType, event.Type)
	msg.Header.Set(headerSource, event.Source)
	msg.Header.Set(headerTimestamp, event.Timestamp.UTC().Format(time.RFC3339Nano))
	tracing.Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
	return msg
}

// decodeMsg rebuilds the event from headers. Messages without headers are
// read as a JSON encoded Event.
func decodeMsg(msg *nats.Msg) (context.Context, *Event, error) {
	ctx := context.Background()
	if msg.Header.Get(headerEventType) == "" {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return nil, nil, fmt.Errorf("message has no event headers and is not an event: %w", err)
		}
		return ctx, &event, nil
	}

	ctx = tracing.Extract(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
	event := &Event{
		ID:     msg.Header.Get(headerEventID),
		Type:   msg.Header.Get(headerEventType),
		Source: msg.Header.Get(headerSource),
		Data:   json.RawMessage(msg.Data),
	}
	if ts := msg.Header.Get(headerTimestamp); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, nil, fmt.Errorf("bad %s header: %w", headerTimestamp, err)
		}
		event.Timestamp = t
	}
	return ctx, event, nil
}
