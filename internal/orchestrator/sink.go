package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events"
)

// sink is the channel between runners and the session event handler. Emit
// appends to an unbounded FIFO and returns immediately, so a slow handler
// never stalls a runner. One goroutine drains the queue and calls the
// handler serially, which makes the handler the single writer for the
// session and preserves each runner's order.
type sink struct {
	handler EventHandler
	ctx     context.Context
	metrics *Metrics
	logger  *logger.Logger

	mu     sync.Mutex
	queue  []events.AgentEvent
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newSink(ctx context.Context, handler EventHandler, metrics *Metrics, log *logger.Logger) *sink {
	s := &sink{
		handler: handler,
		ctx:     ctx,
		metrics: metrics,
		logger:  log,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit enqueues an event. Events emitted after close are dropped.
func (s *sink) Emit(ev events.AgentEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("event emitted after sink closed",
			zap.String("type", string(ev.Type)),
			zap.String("agent_id", ev.AgentID))
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// close stops accepting events and waits until everything queued has been
// handled.
func (s *sink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	<-s.done
}

func (s *sink) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *sink) run() {
	defer close(s.done)
	for range s.notify {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := s.queue[0]
			s.queue[0] = events.AgentEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.deliver(ev)
		}
	}
}

// deliver calls the handler. Handler errors and panics are logged and
// counted; they never stop delivery of later events.
func (s *sink) deliver(ev events.AgentEvent) {
	s.metrics.eventDelivered(string(ev.Type))

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("event handler panicked: %v", p)
			}
		}()
		err = s.handler(s.ctx, ev)
	}()

	if err != nil {
		s.metrics.handlerFailed(string(ev.Type))
		s.logger.Error("failed to handle event",
			zap.String("type", string(ev.Type)),
			zap.String("agent_id", ev.AgentID),
			zap.Uint64("seq", ev.Seq),
			zap.Error(err))
	}
}
