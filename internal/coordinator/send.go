package coordinator

import (
	"context"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/common/tracing"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/spawner"
	"github.com/clawdeck/clawdeck/pkg/claudecode"
)

// NewSession spawns a fresh agent child in the given project directory,
// sends the first user turn, and returns the agent-minted session id.
func (c *Coordinator) NewSession(ctx context.Context, projectPath, text string, images []spawner.Image, opts SendOptions) (string, error) {
	ctx, span := tracing.TraceSessionSpawn(ctx, projectPath)
	defer span.End()

	resultCh := make(chan struct{})
	var resultOnce sync.Once

	// The session id is unknown until the handshake; callbacks look it up
	// through the binder set by OnSessionID, which the CLI emits first.
	var binder sessionBinder

	h, err := c.spawner.Spawn(ctx, spawner.Options{
		WorkDir:        projectPath,
		PermissionMode: opts.PermissionMode,
		Model:          opts.Model,
		OnSessionID: func(id string) {
			binder.bind(id)
		},
		OnMessage: func(msg *claudecode.CLIMessage) {
			if id, ok := binder.get(); ok {
				c.onChildMessage(id, msg, resultCh, &resultOnce)
			}
		},
		OnPermissionRequest: func(requestID string, req *claudecode.ControlRequest) {
			if id, ok := binder.get(); ok {
				c.onSpawnedPrompt(id, requestID, req)
			}
		},
	})
	if err != nil {
		tracing.TraceResult(span, err)
		return "", err
	}

	sessionID, err := h.WaitSessionID(ctx, c.cfg.HandshakeTimeout)
	if err != nil {
		h.Kill(syscall.SIGKILL)
		h.Close()
		tracing.TraceResult(span, err)
		return "", err
	}

	s := c.session(sessionID, projectPath, OriginSpawned)
	s.mu.Lock()
	s.attachChildLocked(h, false)
	s.markActivityLocked(c)
	s.mu.Unlock()

	if err := h.Send(text, images); err != nil {
		s.detachChild(h)
		h.Close()
		tracing.TraceResult(span, err)
		return "", errors.Wrap(err, "failed to write first turn")
	}

	c.retainChild(s, h, resultCh)
	return sessionID, nil
}

// Send resumes an existing session with a new user turn. The child is
// retained in the background until its result or the send ceiling.
func (c *Coordinator) Send(ctx context.Context, sessionID, text string, images []spawner.Image, opts SendOptions) error {
	ctx, span := tracing.TraceSessionSend(ctx, sessionID, true)
	defer span.End()

	projectPath, err := c.store.ProjectOfSession(sessionID)
	if err != nil {
		tracing.TraceResult(span, err)
		return errors.SessionNotFound(sessionID)
	}

	// The spawn slot is claimed before the child exists, so a concurrent
	// Send fails fast instead of burning a second spawn.
	s := c.session(sessionID, projectPath, OriginTerminal)
	s.mu.Lock()
	if s.activeChild != nil || s.sendInFlight {
		s.mu.Unlock()
		err := errors.ConcurrentSend(sessionID)
		tracing.TraceResult(span, err)
		return err
	}
	s.sendInFlight = true
	s.mu.Unlock()

	resultCh := make(chan struct{})
	var resultOnce sync.Once

	h, err := c.spawner.Spawn(ctx, spawner.Options{
		WorkDir:         projectPath,
		ResumeSessionID: sessionID,
		PermissionMode:  opts.PermissionMode,
		Model:           opts.Model,
		OnMessage: func(msg *claudecode.CLIMessage) {
			c.onChildMessage(sessionID, msg, resultCh, &resultOnce)
		},
		OnPermissionRequest: func(requestID string, req *claudecode.ControlRequest) {
			c.onSpawnedPrompt(sessionID, requestID, req)
		},
	})
	if err != nil {
		s.mu.Lock()
		s.sendInFlight = false
		s.mu.Unlock()
		tracing.TraceResult(span, err)
		return err
	}

	s.mu.Lock()
	s.sendInFlight = false
	s.attachChildLocked(h, false)
	s.markActivityLocked(c)
	s.mu.Unlock()

	if err := h.Send(text, images); err != nil {
		s.detachChild(h)
		h.Close()
		tracing.TraceResult(span, err)
		return errors.Wrap(err, "failed to write user turn")
	}

	c.retainChild(s, h, resultCh)
	return nil
}

// onChildMessage handles triaged stdout messages from an active child.
// Messages are not fanned out from here: the log poller is the single
// source of message events, which keeps the per-(session, message) dedup
// trivial. Child stdout drives activity, result detection, and prompts.
func (c *Coordinator) onChildMessage(sessionID string, msg *claudecode.CLIMessage, resultCh chan struct{}, once *sync.Once) {
	s := c.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.markActivityLocked(c)
	s.mu.Unlock()

	if msg.Type == claudecode.MessageTypeResult {
		once.Do(func() { close(resultCh) })
	}
}

// retainChild keeps the child attached until its result, its exit, or the
// send ceiling, then drops it.
func (c *Coordinator) retainChild(s *session, h *spawner.Handle, resultCh chan struct{}) {
	go func() {
		timer := time.NewTimer(c.cfg.SendCeiling)
		defer timer.Stop()

		completed := false
		select {
		case <-resultCh:
			completed = true
		case <-h.Done():
		case <-timer.C:
			c.logger.Warn("send ceiling reached, terminating child",
				zap.String("session_id", s.id))
			_ = h.Kill(syscall.SIGTERM)
		}

		h.Close()
		s.detachChild(h)

		s.mu.Lock()
		if completed {
			if !s.completionEmitted && c.registry.OpenCount(s.id) == 0 {
				s.completionEmitted = true
				e := events.New(s.id, events.TypeProcessingComplete)
				e.Data = map[string]any{"source": "result"}
				c.publish(e)
			}
			if s.state == StateWorking {
				s.setStateLocked(c, StateIdle)
			}
		} else if s.state != StateAwaitingUser {
			s.setStateLocked(c, StateIdle)
		}
		s.mu.Unlock()

		c.maybeDrop(s.id)
	}()
}

// sessionBinder hands a late-learned session id to child callbacks. The CLI
// reports the id in its first stdout line, ahead of any chat or prompt
// traffic, so callbacks observe the bound id.
type sessionBinder struct {
	mu sync.Mutex
	id string
}

func (b *sessionBinder) bind(id string) {
	b.mu.Lock()
	if b.id == "" {
		b.id = id
	}
	b.mu.Unlock()
}

func (b *sessionBinder) get() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id, b.id != ""
}
