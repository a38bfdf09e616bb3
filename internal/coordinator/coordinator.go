// Package coordinator is the per-session authority of the daemon. It fuses
// the three event sources (child stdout, log polling, hook callbacks) into
// one uniform event stream per session, owns the session state machine, and
// applies all permission policy through the prompt registry.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/prompts"
	"github.com/clawdeck/clawdeck/internal/sessionlog"
	"github.com/clawdeck/clawdeck/internal/spawner"
)

// State is the session lifecycle state.
type State string

const (
	// StateIdle means no active child, no open prompts, no recent activity.
	StateIdle State = "idle"
	// StateWorking means the agent is producing output.
	StateWorking State = "working"
	// StateAwaitingUser means at least one prompt is open.
	StateAwaitingUser State = "awaiting_user"
	// StateClosing means the active child is being torn down.
	StateClosing State = "closing"
)

// Origin records how a session came to the daemon's attention.
type Origin string

const (
	// OriginSpawned sessions were started by this daemon.
	OriginSpawned Origin = "spawned"
	// OriginTerminal sessions run in the user's terminal and are observed
	// through the log and hook callbacks.
	OriginTerminal Origin = "terminal"
)

// Config holds the coordinator's timing knobs. Zero values select defaults.
type Config struct {
	// PollInterval is the watched-session log poll cadence.
	PollInterval time.Duration
	// InactivityWindow is the quiet period after which a Working terminal
	// session is considered complete.
	InactivityWindow time.Duration
	// ActivityWindow is the recency window for file-source prompt detection
	// and prompt replay.
	ActivityWindow time.Duration
	// SendCeiling bounds how long a spawned child is retained per turn.
	SendCeiling time.Duration
	// HandshakeTimeout bounds the wait for a fresh child's session id.
	HandshakeTimeout time.Duration
	// CompanionBudget bounds a retry companion's lifetime.
	CompanionBudget time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.InactivityWindow <= 0 {
		c.InactivityWindow = 10 * time.Second
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 30 * time.Second
	}
	if c.SendCeiling <= 0 {
		c.SendCeiling = 5 * time.Minute
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = spawner.SessionIDTimeout
	}
	if c.CompanionBudget <= 0 {
		c.CompanionBudget = 30 * time.Second
	}
}

// SendOptions carries the per-send agent settings.
type SendOptions struct {
	PermissionMode string
	Model          string
}

// Coordinator owns all session records and the policy around them.
type Coordinator struct {
	store    *sessionlog.Store
	spawner  *spawner.Spawner
	registry *prompts.Registry
	bus      bus.EventBus
	logger   *logger.Logger
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a coordinator. Start must be called to run the poll loop.
func New(store *sessionlog.Store, sp *spawner.Spawner, registry *prompts.Registry, eventBus bus.EventBus, log *logger.Logger, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		store:    store,
		spawner:  sp,
		registry: registry,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "coordinator")),
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// Start runs the 1 Hz poll loop until the context is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Shutdown kills all active children. Called on daemon exit.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	all := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		child := s.activeChild
		s.mu.Unlock()
		if child != nil {
			child.Close()
		}
	}
}

// session returns the record for a session id, creating it if needed. The
// caller provides the project path for new records (empty to defer binding).
func (c *Coordinator) session(sessionID, projectPath string, origin Origin) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLocked(sessionID, projectPath, origin)
}

// sessionLocked is session with c.mu already held.
func (c *Coordinator) sessionLocked(sessionID, projectPath string, origin Origin) *session {
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &session{
			id:              sessionID,
			projectPath:     projectPath,
			origin:          origin,
			state:           StateIdle,
			pendingToolCall: make(map[string]struct{}),
		}
		// Whatever is already on disk is history, served by the paginated
		// message endpoint. The stream starts at the current high-water mark
		// so only messages appended from now on are emitted. Spawned records
		// are created at handshake, before the child writes its log.
		if origin != OriginSpawned {
			s.lastLogMessageCount = c.store.MessageCount(sessionID)
		}
		c.sessions[sessionID] = s
		c.logger.Debug("session record created",
			zap.String("session_id", sessionID),
			zap.String("origin", string(origin)))
	}
	if s.projectPath == "" && projectPath != "" {
		s.mu.Lock()
		s.projectPath = projectPath
		s.mu.Unlock()
	}
	return s
}

// lookup returns an existing session record, or nil.
func (c *Coordinator) lookup(sessionID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// Retain registers interest in a session (a client subscribed). The record
// is created on first retain; terminal origin is assumed until a spawn
// claims it. The map lock is held across the increment so a concurrent
// maybeDrop cannot remove the record between lookup and retain.
func (c *Coordinator) Retain(sessionID string) {
	c.mu.Lock()
	s := c.sessionLocked(sessionID, "", OriginTerminal)
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	c.mu.Unlock()
}

// Release drops one reference. When the last subscriber is gone and the
// session has no active child and no open prompts, the record is dropped.
func (c *Coordinator) Release(sessionID string) {
	s := c.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	s.mu.Unlock()
	c.maybeDrop(sessionID)
}

// maybeDrop removes the session record per the lifecycle rule: zero
// subscribers, no active child, no send in flight, no open prompts. The
// check and the delete run under the map lock, which Retain also holds, so
// a racing retain either lands before the check or recreates the record.
func (c *Coordinator) maybeDrop(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.mu.Lock()
	droppable := s.refs == 0 && s.activeChild == nil && !s.sendInFlight
	s.mu.Unlock()
	if !droppable || c.registry.OpenCount(sessionID) > 0 {
		c.mu.Unlock()
		return
	}

	delete(c.sessions, sessionID)
	c.mu.Unlock()
	c.registry.DropSession(sessionID)
	c.logger.Debug("session record dropped", zap.String("session_id", sessionID))
}

// State returns the session's current state; StateIdle for unknown sessions.
func (c *Coordinator) State(sessionID string) State {
	s := c.lookup(sessionID)
	if s == nil {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReplayPrompts returns the open prompts a freshly subscribed client should
// see. File-derived prompts are included only while the session log is
// recently active.
func (c *Coordinator) ReplayPrompts(sessionID string) []prompts.Prompt {
	open := c.registry.Open(sessionID)
	out := make([]prompts.Prompt, 0, len(open))
	for _, p := range open {
		if p.Source == prompts.SourceFile && !c.store.IsRecentlyActive(sessionID, c.cfg.ActivityWindow) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// publish sends an event to the session's subject. Callers hold the session
// mutex where per-session ordering matters.
func (c *Coordinator) publish(e *events.Event) {
	if err := c.bus.Publish(context.Background(), events.SessionSubject(e.SessionID), e); err != nil {
		c.logger.Warn("event publish failed",
			zap.String("session_id", e.SessionID),
			zap.String("event_type", e.Type),
			zap.Error(err))
	}
}
