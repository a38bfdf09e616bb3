package coordinator

import (
	"sync"
	"time"

	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/spawner"
)

// session is the in-memory record for one agent session. Fields are guarded
// by mu; the coordinator's map lock only covers record existence.
type session struct {
	id string

	mu          sync.Mutex
	projectPath string
	origin      Origin
	state       State

	activeChild  *spawner.Handle
	companion    bool // activeChild is a retry companion, not a user send
	sendInFlight bool // a Send holds the spawn slot but has not attached yet

	lastLogMessageCount int
	pendingToolCall     map[string]struct{} // tool_use ids pending on the previous scan

	lastActivityAt          time.Time
	completionEmitted       bool
	beingResumedForApproval bool

	refs int
}

// setStateLocked transitions the state and emits session_status on change.
// Caller holds s.mu.
func (s *session) setStateLocked(c *Coordinator, state State) {
	if s.state == state {
		return
	}
	s.state = state
	c.publish(events.NewStatus(s.id, string(state)))
}

// markActivityLocked records log or child activity and opens a Working
// episode when the session was idle. Caller holds s.mu.
func (s *session) markActivityLocked(c *Coordinator) {
	s.lastActivityAt = time.Now()
	s.completionEmitted = false
	if s.state == StateIdle || s.state == StateClosing {
		s.setStateLocked(c, StateWorking)
	}
}

// promptClosedLocked recomputes the state after a prompt was answered,
// retried, denied, or timed out. Caller holds s.mu.
func (s *session) promptClosedLocked(c *Coordinator) {
	if s.state != StateAwaitingUser {
		return
	}
	if c.registry.OpenCount(s.id) == 0 {
		s.setStateLocked(c, StateWorking)
	}
}

// attachChildLocked registers the active child. Caller holds s.mu.
func (s *session) attachChildLocked(h *spawner.Handle, companion bool) {
	s.activeChild = h
	s.companion = companion
}

// detachChild clears the active child if it is still the given handle.
func (s *session) detachChild(h *spawner.Handle) {
	s.mu.Lock()
	if s.activeChild == h {
		s.activeChild = nil
		s.companion = false
	}
	s.mu.Unlock()
}
