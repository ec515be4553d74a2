// Package bus fans activity notifications out to stream subscribers, in
// process or across replicas over NATS. Delivery is best effort: consumers
// treat an event as a hint and read the durable activity log for facts.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope carried on a subject. Data holds the JSON payload.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent stamps an envelope around data, which is encoded once so that
// every bus implementation carries identical bytes.
func NewEvent(eventType, source string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Decode unmarshals Data into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// EventHandler consumes one event. ctx carries the publisher's trace.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration on a subject pattern.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes to subjects and subscribes to NATS style patterns.
// Events of one subscription are handled one at a time in publish order.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
