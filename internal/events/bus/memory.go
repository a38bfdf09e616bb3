package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
)

// subscriptionQueueSize bounds each subscription's delivery queue. A full
// queue drops the event rather than blocking the publisher.
const subscriptionQueueSize = 256

// MemoryEventBus implements EventBus in process. Each subscription owns a
// serial delivery worker, so events on one subscription arrive in publish
// order.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription is an in-memory subscription with its own delivery
// worker and bounded queue.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler

	queue   chan *events.Event
	dropped atomic.Uint64

	mu     sync.Mutex
	active bool
}

// Unsubscribe removes the subscription and stops its delivery worker.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	s.bus.mu.Unlock()

	close(s.queue)
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Dropped returns how many events this subscription discarded on overflow.
func (s *memorySubscription) Dropped() uint64 {
	return s.dropped.Load()
}

// enqueue offers an event to the subscription without blocking the
// publisher. The mutex is held across the send so Unsubscribe cannot close
// the queue under a sender.
func (s *memorySubscription) enqueue(event *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}

	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
		s.bus.logger.Warn("subscription queue full, dropping event",
			zap.String("subject", s.subject),
			zap.String("event_type", event.Type),
			zap.Uint64("dropped_total", s.dropped.Load()))
	}
}

// run is the subscription's delivery worker. One goroutine per subscription
// keeps delivery ordered.
func (s *memorySubscription) run() {
	for event := range s.queue {
		if err := s.handler(context.Background(), event); err != nil {
			s.bus.logger.Error("event handler error",
				zap.String("subject", s.subject),
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish enqueues an event to all matching subscriptions.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *events.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	var targets []*memorySubscription
	for pattern, subs := range b.subscriptions {
		if len(subs) == 0 || !matches(subject, pattern, subs[0].pattern) {
			continue
		}
		targets = append(targets, subs...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(event)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   make(chan *events.Event, subscriptionQueueSize),
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	go sub.run()

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close closes the event bus and stops all delivery workers.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*memorySubscription
	for _, subs := range b.subscriptions {
		all = append(all, subs...)
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.mu.Lock()
		active := sub.active
		sub.active = false
		sub.mu.Unlock()
		if active {
			close(sub.queue)
		}
	}

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks a subject against a pattern, exact or wildcard.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex. Returns nil for
// exact-match subjects.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	// * matches a single token, > matches the remaining tokens
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
