// Package subscriptions maintains client event-stream subscriptions: replay
// on attach, heartbeats, and per-subscriber bounded delivery so one slow
// client cannot stall another.
package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/prompts"
)

const (
	// HeartbeatInterval is the idle keep-alive cadence.
	HeartbeatInterval = 15 * time.Second

	// queueSize bounds each subscriber's delivery queue; overflow drops the
	// subscriber.
	queueSize = 256
)

// SessionHolder is the coordinator surface the registry needs: session
// record retention and prompt replay.
type SessionHolder interface {
	Retain(sessionID string)
	Release(sessionID string)
	ReplayPrompts(sessionID string) []prompts.Prompt
}

// Registry tracks active client subscriptions.
type Registry struct {
	holder    SessionHolder
	bus       bus.EventBus
	logger    *logger.Logger
	heartbeat time.Duration

	mu      sync.Mutex
	clients map[string]*Subscription
}

// NewRegistry creates a subscription registry. A non-positive heartbeat
// selects the default interval.
func NewRegistry(holder SessionHolder, eventBus bus.EventBus, log *logger.Logger, heartbeat time.Duration) *Registry {
	if heartbeat <= 0 {
		heartbeat = HeartbeatInterval
	}
	return &Registry{
		holder:    holder,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "subscriptions")),
		heartbeat: heartbeat,
		clients:   make(map[string]*Subscription),
	}
}

// Subscription is one client's attachment to a session's event stream.
// Events arrive on C; the channel is closed when the subscription ends,
// including when the client is dropped for falling behind.
type Subscription struct {
	ID        string
	SessionID string
	C         <-chan *events.Event

	registry *Registry
	busSub   bus.Subscription
	queue    chan *events.Event
	stop     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	closed  bool
	opened  bool
	backlog []*events.Event
}

// Subscribe attaches a new client to a session. The stream opens with a
// connected event, a heartbeat, and a replay of the session's open prompts,
// then carries live events. The bus subscription is live from the start so
// nothing is missed, but deliveries are held in a backlog until the opening
// sequence is enqueued; a prompt the replay already carried is not flushed
// a second time.
func (r *Registry) Subscribe(sessionID string) (*Subscription, error) {
	queue := make(chan *events.Event, queueSize)
	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		C:         queue,
		registry:  r,
		queue:     queue,
		stop:      make(chan struct{}),
	}

	r.holder.Retain(sessionID)

	busSub, err := r.bus.Subscribe(events.SessionSubject(sessionID), func(ctx context.Context, e *events.Event) error {
		sub.deliver(e)
		return nil
	})
	if err != nil {
		r.holder.Release(sessionID)
		return nil, err
	}
	sub.busSub = busSub

	sub.offer(events.New(sessionID, events.TypeConnected))
	sub.offer(events.New(sessionID, events.TypeHeartbeat))
	replayed := make(map[string]struct{})
	for _, p := range r.holder.ReplayPrompts(sessionID) {
		replayed[p.RequestID] = struct{}{}
		sub.offer(events.NewPrompt(events.TypePermissionRequest, p))
	}
	sub.open(replayed)

	r.mu.Lock()
	r.clients[sub.ID] = sub
	r.mu.Unlock()

	go sub.heartbeatLoop(r.heartbeat)

	r.logger.Debug("client subscribed",
		zap.String("client_id", sub.ID),
		zap.String("session_id", sessionID))
	return sub, nil
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CloseAll ends every subscription. Called on daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Subscription, 0, len(r.clients))
	for _, sub := range r.clients {
		all = append(all, sub)
	}
	r.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}

// deliver is the live-event path from the bus. Until the opening sequence
// is enqueued, deliveries go to the backlog so no event outruns connected.
func (s *Subscription) deliver(e *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.opened {
		s.backlog = append(s.backlog, e)
		return
	}
	s.enqueueLocked(e)
}

// offer enqueues directly, bypassing the backlog. Used for the opening
// sequence and heartbeats.
func (s *Subscription) offer(e *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.enqueueLocked(e)
}

// open flushes the backlog accumulated during the handshake, skipping
// prompts the replay already delivered.
func (s *Subscription) open(replayed map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	for _, e := range s.backlog {
		if e.Type == events.TypePermissionRequest && e.Prompt != nil {
			if _, dup := replayed[e.Prompt.RequestID]; dup {
				continue
			}
		}
		s.enqueueLocked(e)
	}
	s.backlog = nil
}

// enqueueLocked offers to the queue without blocking; a full queue means
// the client stopped reading, so it is dropped. The mutex keeps Close from
// closing the queue under a sender. Caller holds s.mu.
func (s *Subscription) enqueueLocked(e *events.Event) {
	select {
	case s.queue <- e:
	default:
		s.registry.logger.Warn("subscriber queue full, dropping client",
			zap.String("client_id", s.ID),
			zap.String("session_id", s.SessionID))
		go s.Close()
	}
}

func (s *Subscription) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.offer(events.New(s.SessionID, events.TypeHeartbeat))
		}
	}
}

// Close detaches the client: bus unsubscribe, heartbeat stop, session
// release, and channel close.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.stop)
		if s.busSub != nil {
			_ = s.busSub.Unsubscribe()
		}

		s.registry.mu.Lock()
		delete(s.registry.clients, s.ID)
		s.registry.mu.Unlock()

		s.registry.holder.Release(s.SessionID)

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.queue)

		s.registry.logger.Debug("client unsubscribed",
			zap.String("client_id", s.ID),
			zap.String("session_id", s.SessionID))
	})
}
