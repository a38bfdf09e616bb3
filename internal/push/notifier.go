package push

import (
	"context"
	"encoding/json"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
)

const pushTTL = 60 // seconds the push service may retain an undelivered message

// sendFunc matches webpush.SendNotification, swapped in tests.
type sendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Notifier pushes permission prompts to every stored subscription.
type Notifier struct {
	store   *Store
	bus     bus.EventBus
	logger  *logger.Logger
	subject string

	publicKey  string
	privateKey string

	send   sendFunc
	busSub bus.Subscription
}

// NewNotifier loads the VAPID keypair and prepares the notifier. Start must
// be called to begin delivering.
func NewNotifier(store *Store, eventBus bus.EventBus, log *logger.Logger, subject string) (*Notifier, error) {
	publicKey, privateKey, err := store.VAPIDKeys(context.Background())
	if err != nil {
		return nil, err
	}
	return &Notifier{
		store:      store,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "push")),
		subject:    subject,
		publicKey:  publicKey,
		privateKey: privateKey,
		send:       webpush.SendNotification,
	}, nil
}

// PublicKey returns the VAPID public key clients subscribe with.
func (n *Notifier) PublicKey() string {
	return n.publicKey
}

// Start subscribes to the event stream. Only permission_request events
// produce a push.
func (n *Notifier) Start() error {
	sub, err := n.bus.Subscribe(events.AllSessionsSubject, func(ctx context.Context, e *events.Event) error {
		if e.Type == events.TypePermissionRequest {
			n.notify(ctx, e)
		}
		return nil
	})
	if err != nil {
		return err
	}
	n.busSub = sub
	return nil
}

// Stop detaches from the event stream.
func (n *Notifier) Stop() {
	if n.busSub != nil {
		_ = n.busSub.Unsubscribe()
	}
}

type pushPayload struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
}

func (n *Notifier) notify(ctx context.Context, e *events.Event) {
	payload := pushPayload{
		Type:      e.Type,
		Title:     "Permission needed",
		SessionID: e.SessionID,
	}
	if e.Prompt != nil {
		payload.RequestID = e.Prompt.RequestID
		payload.ToolName = e.Prompt.ToolName
		payload.Body = e.Prompt.ToolName + " is waiting for your approval"
	} else {
		payload.Body = "The agent is waiting for your approval"
	}

	message, err := json.Marshal(payload)
	if err != nil {
		return
	}

	subs, err := n.store.List(ctx)
	if err != nil {
		n.logger.Warn("failed to list push subscriptions", zap.Error(err))
		return
	}

	for _, sub := range subs {
		resp, err := n.send(message, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.subject,
			VAPIDPublicKey:  n.publicKey,
			VAPIDPrivateKey: n.privateKey,
			TTL:             pushTTL,
		})
		if err != nil {
			n.logger.Warn("push delivery failed",
				zap.String("endpoint", sub.Endpoint), zap.Error(err))
			continue
		}
		status := resp.StatusCode
		_ = resp.Body.Close()

		// The push service reports a dead endpoint; drop it.
		if status == http.StatusNotFound || status == http.StatusGone {
			if err := n.store.Delete(ctx, sub.Endpoint); err != nil {
				n.logger.Warn("failed to remove dead push endpoint", zap.Error(err))
			} else {
				n.logger.Info("removed dead push endpoint",
					zap.String("endpoint", sub.Endpoint), zap.Int("status", status))
			}
		}
	}
}
