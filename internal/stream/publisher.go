// Package stream pushes the activity of one test session to live
// subscribers. Every subscriber first receives a connected frame with the
// current status, then the persisted history, then live entries, and finally
// a session_ended frame once the session reached a terminal state.
package stream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events"
	"github.com/betaforge/betaforge/internal/events/bus"
	"github.com/betaforge/betaforge/internal/session/models"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBufferSize   = 64
)

// Store is the read side of the session repository.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.TestSession, error)
	QueryActivityLog(ctx context.Context, sessionID string, afterSeq int64) ([]*models.ActivityLog, error)
}

// Options tunes a Publisher.
type Options struct {
	// PollInterval bounds how long a missed bus message can delay delivery.
	PollInterval time.Duration
	BufferSize   int
}

// Publisher creates session subscriptions. The activity log is the source
// of truth; bus messages only wake subscribers up early.
type Publisher struct {
	store    Store
	eventBus bus.EventBus
	logger   *logger.Logger
	opts     Options
	now      func() time.Time
}

// NewPublisher creates a publisher. eventBus may be nil, in which case
// subscribers only poll.
func NewPublisher(store Store, eventBus bus.EventBus, log *logger.Logger, opts Options) *Publisher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Publisher{
		store:    store,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "stream-publisher")),
		opts:     opts,
		now:      time.Now,
	}
}

// Subscription is one live view of a session. Frames arrive on Events in
// log order without duplicates. The channel is closed after session_ended,
// after Cancel, or when the subscription context is done.
type Subscription struct {
	sessionID string
	publisher *Publisher
	logger    *logger.Logger

	frames  chan v1.StreamFrame
	wake    chan struct{}
	lastSeq atomic.Int64
	busSub  bus.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscribe streams a session from the beginning of its log.
func (p *Publisher) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	return p.SubscribeFrom(ctx, sessionID, 0)
}

// SubscribeFrom streams a session, replaying only entries after afterSeq.
// It fails with a not found error when the session does not exist.
func (p *Publisher) SubscribeFrom(ctx context.Context, sessionID string, afterSeq int64) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		sessionID: sessionID,
		publisher: p,
		logger:    p.logger.WithSessionID(sessionID),
		frames:    make(chan v1.StreamFrame, p.opts.BufferSize),
		wake:      make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.lastSeq.Store(afterSeq)

	// Subscribe before reading the session so nothing appended in between
	// is missed.
	if p.eventBus != nil {
		sub, err := p.eventBus.Subscribe(events.SessionActivitySubject(sessionID), s.onActivity)
		if err != nil {
			s.logger.Warn("falling back to polling", zap.Error(err))
		} else {
			s.busSub = sub
		}
	}

	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		s.unsubscribe()
		cancel()
		return nil, err
	}

	go s.run(ctx, session)
	return s, nil
}

// Events returns the frame channel.
func (s *Subscription) Events() <-chan v1.StreamFrame {
	return s.frames
}

// Done is closed once the subscription released its resources.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the subscription and waits until it released its resources.
// It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

func (s *Subscription) onActivity(ctx context.Context, ev *bus.Event) error {
	var entry models.ActivityLog
	if err := ev.Decode(&entry); err == nil && entry.Seq <= s.lastSeq.Load() {
		return nil
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Subscription) run(ctx context.Context, session *models.TestSession) {
	defer close(s.done)
	defer close(s.frames)
	defer s.unsubscribe()

	snap := snapshotOf(session)
	if !s.send(ctx, s.statusFrame(v1.FrameConnected, snap)) {
		return
	}
	if !s.catchUp(ctx) {
		return
	}

	ticker := time.NewTicker(s.publisher.opts.PollInterval)
	defer ticker.Stop()

	for {
		if snap.Status.IsTerminal() {
			// Terminal state is written after the final entries, so one
			// more read drains them.
			if s.catchUp(ctx) {
				s.send(ctx, s.statusFrame(v1.FrameSessionEnded, snap))
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}

		if !s.catchUp(ctx) {
			return
		}
		session, err := s.publisher.store.GetSession(ctx, s.sessionID)
		if err != nil {
			if errors.IsNotFound(err) {
				s.logger.Info("session deleted, closing stream")
				return
			}
			s.logger.Warn("failed to load session", zap.Error(err))
			continue
		}
		next := snapshotOf(session)
		if next == snap {
			continue
		}
		snap = next
		if !snap.Status.IsTerminal() && !s.send(ctx, s.statusFrame(v1.FrameSessionStatus, snap)) {
			return
		}
	}
}

// catchUp forwards every persisted entry after the last delivered one. It
// reports false once the subscription is done.
func (s *Subscription) catchUp(ctx context.Context) bool {
	entries, err := s.publisher.store.QueryActivityLog(ctx, s.sessionID, s.lastSeq.Load())
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warn("failed to read activity log", zap.Error(err))
		return true
	}
	for _, entry := range entries {
		if entry.Seq <= s.lastSeq.Load() {
			continue
		}
		if !s.send(ctx, entry.ToFrame()) {
			return false
		}
		s.lastSeq.Store(entry.Seq)
	}
	return true
}

func (s *Subscription) send(ctx context.Context, frame v1.StreamFrame) bool {
	select {
	case s.frames <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscription) statusFrame(frameType string, snap v1.StatusSnapshot) v1.StreamFrame {
	data, _ := json.Marshal(snap)
	return v1.StreamFrame{
		Type:      frameType,
		SessionID: s.sessionID,
		Data:      data,
		Timestamp: s.publisher.now().UTC(),
	}
}

func (s *Subscription) unsubscribe() {
	if s.busSub == nil {
		return
	}
	if err := s.busSub.Unsubscribe(); err != nil {
		s.logger.Debug("failed to unsubscribe", zap.Error(err))
	}
	s.busSub = nil
}

func snapshotOf(session *models.TestSession) v1.StatusSnapshot {
	return v1.StatusSnapshot{
		Status:    session.Status,
		Progress:  session.Progress,
		BugsFound: session.BugsFound,
		Error:     session.ErrorMessage,
	}
}
