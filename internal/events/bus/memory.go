package bus

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/logger"
)

// ErrClosed is returned by a closed bus.
var ErrClosed = errors.New("event bus is closed")

// MemoryEventBus implements EventBus in process. Each subscription owns a
// FIFO queue and a delivery goroutine, so a slow handler never blocks the
// publisher and never reorders its own events.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
	logger *logger.Logger
}

// delivery is one queued event with the trace context it was published in.
type delivery struct {
	span  trace.SpanContext
	event *Event
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	tokens  []string
	handler EventHandler

	mu     sync.Mutex
	queue  []delivery
	active bool
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish enqueues event on every subscription whose subject matches.
// Handlers receive the caller's trace context but not its cancellation.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	d := delivery{span: trace.SpanContextFromContext(ctx), event: event}
	matched := 0
	for _, sub := range b.subs {
		if subjectMatches(sub.tokens, subject) {
			sub.enqueue(d)
			matched++
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", matched))
	return nil
}

// Subscribe registers handler for subject, which may use NATS wildcards:
// "*" matches one token and a trailing ">" matches one or more.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		tokens:  strings.Split(subject, "."),
		handler: handler,
		active:  true,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs = append(b.subs, sub)
	go sub.run()
	return sub, nil
}

// Close stops every subscription. Queued events are dropped.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.stop()
	}
	b.subs = nil
	b.logger.Info("memory event bus closed")
}

// IsConnected returns true until the bus is closed
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// SubscriptionCount returns the number of live subscriptions.
func (b *MemoryEventBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryEventBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(x *memorySubscription) bool { return x == s })
}

// Unsubscribe stops delivery and removes the subscription. Events still
// queued are dropped.
func (s *memorySubscription) Unsubscribe() error {
	s.stop()
	s.bus.remove(s)
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.active = false
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *memorySubscription) enqueue(d delivery) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) next() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue[0] = delivery{}
	s.queue = s.queue[1:]
	return d, true
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for d, ok := s.next(); ok; d, ok = s.next() {
			ctx := trace.ContextWithRemoteSpanContext(context.Background(), d.span)
			if err := s.handler(ctx, d.event); err != nil {
				s.bus.logger.Error("event handler failed",
					zap.String("subject", s.subject),
					zap.String("event_type", d.event.Type),
					zap.Error(err))
			}
		}
	}
}

// subjectMatches applies NATS token matching of pattern to subject.
func subjectMatches(pattern []string, subject string) bool {
	tokens := strings.Split(subject, ".")
	for i, p := range pattern {
		if p == ">" {
			return i == len(pattern)-1 && len(tokens) > i
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(tokens) == len(pattern)
}
