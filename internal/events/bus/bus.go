// Package bus provides the event bus carrying session events between the
// coordinator and client subscriptions. The in-memory backend is the default;
// a NATS backend is selected when a server URL is configured.
package bus

import (
	"context"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
)

// EventHandler handles one delivered event. Handlers on the same
// subscription run serially, in publish order.
type EventHandler func(ctx context.Context, event *events.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool

	// Dropped returns how many events were discarded because the
	// subscription's delivery queue was full.
	Dropped() uint64
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *events.Event) error

	// Subscribe creates a subscription to a subject pattern. NATS-style
	// wildcards are supported: * matches one token, > matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus and all subscriptions.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// New builds the configured event bus implementation.
func New(cfg config.EventsConfig, log *logger.Logger) (EventBus, error) {
	if cfg.NatsURL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg.NatsURL, log)
}
