package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/common/tracing"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/prompts"
	"github.com/clawdeck/clawdeck/internal/sessionlog"
	"github.com/clawdeck/clawdeck/internal/spawner"
	"github.com/clawdeck/clawdeck/pkg/claudecode"
)

const denyMessage = "The user denied permission for this tool call"

// onSpawnedPrompt routes a can_use_tool request from an active child through
// the prompt policies.
func (c *Coordinator) onSpawnedPrompt(sessionID, requestID string, req *claudecode.ControlRequest) {
	s := c.lookup(sessionID)
	if s == nil {
		return
	}

	p := prompts.Prompt{
		SessionID:   sessionID,
		RequestID:   requestID,
		ToolName:    req.ToolName,
		ToolUseID:   req.ToolUseID,
		Input:       req.Input,
		Suggestions: req.PermissionSuggestions,
		Source:      prompts.SourceSpawned,
	}

	switch c.registry.Evaluate(p) {
	case prompts.AutoApprove:
		s.mu.Lock()
		child := s.activeChild
		s.mu.Unlock()
		if child != nil {
			if err := child.SendPermissionResponse(requestID, true, req.Input, ""); err != nil {
				c.logger.Warn("auto-approve write failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	case prompts.Suppress:
		// A previously denied id re-raised by the child: deny again so the
		// child does not hang. Pure duplicates are ignored.
		if c.registry.IsDenied(sessionID, requestID) {
			s.mu.Lock()
			child := s.activeChild
			s.mu.Unlock()
			if child != nil {
				_ = child.SendPermissionResponse(requestID, false, nil, denyMessage)
			}
		}
	case prompts.Surface:
		s.mu.Lock()
		s.setStateLocked(c, StateAwaitingUser)
		c.publish(events.NewPrompt(events.TypePermissionRequest, mustGet(c.registry, sessionID, requestID, p)))
		s.mu.Unlock()
	}
}

// mustGet fetches the registered prompt (carrying CreatedAt/ExpiresAt); the
// evaluated copy is the fallback if it raced away.
func mustGet(r *prompts.Registry, sessionID, requestID string, fallback prompts.Prompt) prompts.Prompt {
	if p, ok := r.Get(sessionID, requestID); ok {
		return p
	}
	return fallback
}

// RespondPermission answers an open prompt on behalf of the user.
func (c *Coordinator) RespondPermission(ctx context.Context, sessionID, requestID string, allow, allowAll bool, toolName string, updatedInput json.RawMessage) error {
	ctx, span := tracing.TracePermissionDecision(ctx, sessionID, requestID, allow)
	defer span.End()

	p, ok := c.registry.Get(sessionID, requestID)
	if !ok {
		err := errors.PromptNotFound(requestID)
		tracing.TraceResult(span, err)
		return err
	}

	s := c.lookup(sessionID)
	if s == nil {
		err := errors.SessionNotFound(sessionID)
		tracing.TraceResult(span, err)
		return err
	}

	if allowAll {
		name := toolName
		if name == "" {
			name = p.ToolName
		}
		c.registry.AllowTool(sessionID, name)
	}

	if !allow {
		return c.denyPrompt(s, p)
	}

	switch p.Source {
	case prompts.SourceSpawned:
		return c.approveSpawned(s, p, updatedInput)
	default:
		// Hook and file prompts cannot be answered over stdin; a companion
		// child re-raises the tool call and approves it.
		go c.approveViaRetry(p, updatedInput)
		return nil
	}
}

// approveSpawned writes the approval to the active child.
func (c *Coordinator) approveSpawned(s *session, p prompts.Prompt, updatedInput json.RawMessage) error {
	s.mu.Lock()
	child := s.activeChild
	s.mu.Unlock()
	if child == nil {
		// The child died while the prompt was open.
		c.resolvePrompt(s, p.SessionID, p.RequestID)
		return errors.PromptNotFound(p.RequestID)
	}

	// The child may re-raise the same tool under a fresh request id; the
	// hint auto-approves that retry.
	c.registry.SetApprovalHint(p.SessionID, p.ToolName)

	input := updatedInput
	if len(input) == 0 {
		input = p.Input
	}
	if err := child.SendPermissionResponse(p.RequestID, true, input, ""); err != nil {
		return errors.Wrap(err, "failed to write permission response")
	}
	c.resolvePrompt(s, p.SessionID, p.RequestID)
	return nil
}

// denyPrompt records the denial and resolves the prompt. For spawned
// sessions the denial reaches the child; for hook and file prompts it is
// advisory only, the terminal agent stays blocked.
func (c *Coordinator) denyPrompt(s *session, p prompts.Prompt) error {
	c.registry.MarkDenied(p.SessionID, p.RequestID)

	if p.Source == prompts.SourceSpawned {
		s.mu.Lock()
		child := s.activeChild
		s.mu.Unlock()
		if child != nil {
			if err := child.SendPermissionResponse(p.RequestID, false, nil, denyMessage); err != nil {
				c.logger.Warn("deny write failed",
					zap.String("session_id", p.SessionID), zap.Error(err))
			}
		}
	}
	c.resolvePrompt(s, p.SessionID, p.RequestID)
	return nil
}

// resolvePrompt removes the prompt record, emits permission_resolved, and
// recomputes the session state.
func (c *Coordinator) resolvePrompt(s *session, sessionID, requestID string) {
	p, ok := c.registry.Resolve(sessionID, requestID)
	if !ok {
		return
	}
	s.mu.Lock()
	c.publish(events.NewPrompt(events.TypePermissionResolved, p))
	s.promptClosedLocked(c)
	s.mu.Unlock()
}

// approveViaRetry answers a hook or file prompt by resuming the session with
// a companion child, instructing the agent to retry the tool call, and
// silently approving the re-raised prompt. The companion has a bounded
// lifetime; the session is excluded from polling while it runs so the
// detector does not re-raise the prompt being answered.
func (c *Coordinator) approveViaRetry(p prompts.Prompt, updatedInput json.RawMessage) {
	ctx, span := tracing.TraceRetryCompanion(context.Background(), p.SessionID, p.ToolName)
	defer span.End()

	s := c.lookup(p.SessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.activeChild != nil || s.sendInFlight || s.beingResumedForApproval {
		s.mu.Unlock()
		c.logger.Warn("retry approval skipped, session busy",
			zap.String("session_id", p.SessionID))
		return
	}
	s.beingResumedForApproval = true
	projectPath := s.projectPath
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.beingResumedForApproval = false
		s.mu.Unlock()
	}()

	if projectPath == "" {
		if path, err := c.store.ProjectOfSession(p.SessionID); err == nil {
			projectPath = path
			s.mu.Lock()
			s.projectPath = path
			s.mu.Unlock()
		} else {
			tracing.TraceResult(span, err)
			return
		}
	}

	resultCh := make(chan struct{})
	var resultOnce sync.Once

	// The re-raised prompt arrives only after the sentinel is written, by
	// which point the handle is published here.
	var companion struct {
		mu sync.Mutex
		h  *spawner.Handle
	}

	h, err := c.spawner.Spawn(ctx, spawner.Options{
		WorkDir:         projectPath,
		ResumeSessionID: p.SessionID,
		OnMessage: func(msg *claudecode.CLIMessage) {
			if msg.Type == claudecode.MessageTypeResult {
				resultOnce.Do(func() { close(resultCh) })
			}
		},
		OnPermissionRequest: func(requestID string, req *claudecode.ControlRequest) {
			companion.mu.Lock()
			ch := companion.h
			companion.mu.Unlock()
			if ch == nil {
				return
			}
			// Unconditional approval of the re-raised call. For an
			// ask-user-question prompt the user's answer rides in as the
			// updated input; anything else runs with the agent's fresh input.
			input := req.Input
			if p.ToolName == prompts.AskUserQuestionTool && len(updatedInput) > 0 {
				input = updatedInput
			}
			if err := ch.SendPermissionResponse(requestID, true, input, ""); err != nil {
				c.logger.Warn("companion approval write failed",
					zap.String("session_id", p.SessionID), zap.Error(err))
			}
		},
	})
	if err != nil {
		c.logger.Error("companion spawn failed",
			zap.String("session_id", p.SessionID), zap.Error(err))
		tracing.TraceResult(span, err)
		return
	}

	companion.mu.Lock()
	companion.h = h
	companion.mu.Unlock()

	s.mu.Lock()
	s.attachChildLocked(h, true)
	s.mu.Unlock()

	// The sentinel is filtered out of the log on read, so it never reaches
	// clients as a message.
	c.registry.MarkRetried(p.SessionID, p.RequestID)
	if err := h.Send(sessionlog.RetrySentinel(p.ToolName), nil); err != nil {
		c.logger.Error("companion sentinel write failed",
			zap.String("session_id", p.SessionID), zap.Error(err))
	}

	timer := time.NewTimer(c.cfg.CompanionBudget)
	defer timer.Stop()
	select {
	case <-resultCh:
	case <-h.Done():
	case <-timer.C:
		c.logger.Warn("companion budget exhausted, terminating",
			zap.String("session_id", p.SessionID))
		_ = h.Kill(syscall.SIGTERM)
	}

	h.Close()
	s.detachChild(h)
	c.resolvePrompt(s, p.SessionID, p.RequestID)
	c.maybeDrop(p.SessionID)
}
