// Package events defines the uniform event contract fanned out to clients
// over SSE and WebSocket, regardless of whether the underlying session is a
// spawned child or a terminal session observed through its log.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawdeck/clawdeck/internal/prompts"
	"github.com/clawdeck/clawdeck/internal/sessionlog"
)

// Event types.
const (
	// TypeConnected opens every subscription stream.
	TypeConnected = "connected"
	// TypeHeartbeat keeps idle streams alive.
	TypeHeartbeat = "heartbeat"
	// TypeMessage carries one normalized chat message.
	TypeMessage = "message"
	// TypePermissionRequest surfaces an open permission prompt.
	TypePermissionRequest = "permission_request"
	// TypePermissionResolved reports a prompt answered (by the user or
	// out-of-band in the terminal).
	TypePermissionResolved = "permission_resolved"
	// TypePermissionTimeout reports a prompt that outlived its TTL.
	TypePermissionTimeout = "permission_timeout"
	// TypeSessionAborted reports a user-initiated abort.
	TypeSessionAborted = "session_aborted"
	// TypeProcessingComplete reports the end of a working episode.
	TypeProcessingComplete = "processing_complete"
	// TypeSessionStatus carries a state transition.
	TypeSessionStatus = "session_status"
)

// Event is one entry on a session's event stream.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Message is set for message events.
	Message *sessionlog.Message `json:"message,omitempty"`

	// Prompt is set for permission_request / permission_resolved /
	// permission_timeout events.
	Prompt *prompts.Prompt `json:"prompt,omitempty"`

	// Data carries event-type specific extras (status names, abort reasons).
	Data map[string]any `json:"data,omitempty"`
}

// New creates an event with a fresh id and the current timestamp.
func New(sessionID, eventType string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// NewMessage creates a message event.
func NewMessage(sessionID string, msg *sessionlog.Message) *Event {
	e := New(sessionID, TypeMessage)
	e.Message = msg
	return e
}

// NewPrompt creates a prompt-carrying event of the given type.
func NewPrompt(eventType string, p prompts.Prompt) *Event {
	e := New(p.SessionID, eventType)
	e.Prompt = &p
	return e
}

// NewStatus creates a session_status event.
func NewStatus(sessionID, status string) *Event {
	e := New(sessionID, TypeSessionStatus)
	e.Data = map[string]any{"status": status}
	return e
}

// SessionSubject returns the bus subject carrying a session's events.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.events", sessionID)
}

// AllSessionsSubject matches every session's event subject.
const AllSessionsSubject = "session.*.events"
