package coordinator

import (
	"context"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/prompts"
)

// tick runs one poll pass: per-session log scan, out-of-band prompt
// resolution, file-prompt detection, the inactivity-completion heuristic,
// and prompt TTL expiry.
func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	watched := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		watched = append(watched, s)
	}
	c.mu.Unlock()

	for _, s := range watched {
		if ctx.Err() != nil {
			return
		}
		c.pollSession(s)
	}

	c.expirePrompts()
}

// pollSession re-reads one session's log and reconciles session state with
// it. Sessions being resumed for approval are skipped so the detector does
// not re-raise the prompt the companion is answering.
func (c *Coordinator) pollSession(s *session) {
	s.mu.Lock()
	if s.beingResumedForApproval {
		s.mu.Unlock()
		return
	}
	sessionID := s.id
	s.mu.Unlock()

	messages, pending, err := c.store.Read(sessionID)
	if err != nil {
		return
	}

	pendingSet := make(map[string]struct{}, len(pending))
	for _, tc := range pending {
		pendingSet[tc.ID] = struct{}{}
	}

	s.mu.Lock()

	// Emit messages past the monotone high-water mark.
	if len(messages) > s.lastLogMessageCount {
		for _, msg := range messages[s.lastLogMessageCount:] {
			m := msg
			c.publish(events.NewMessage(sessionID, &m))
		}
		s.lastLogMessageCount = len(messages)
		s.markActivityLocked(c)
	}

	previousPending := s.pendingToolCall
	s.pendingToolCall = pendingSet
	hasChild := s.activeChild != nil
	s.mu.Unlock()

	// A prompt whose tool call gained a result was answered out-of-band,
	// typically in the terminal.
	for _, p := range c.registry.Open(sessionID) {
		if p.Source == prompts.SourceSpawned || p.ToolUseID == "" {
			continue
		}
		_, wasPending := previousPending[p.ToolUseID]
		_, stillPending := pendingSet[p.ToolUseID]
		if wasPending && !stillPending {
			c.resolvePrompt(s, sessionID, p.RequestID)
		}
	}

	// File-source detection: an unanswered ask-user-question in a recently
	// active terminal session is a prompt nobody announced.
	if !hasChild && c.store.IsRecentlyActive(sessionID, c.cfg.ActivityWindow) {
		for _, tc := range pending {
			if tc.Name != prompts.AskUserQuestionTool {
				continue
			}
			p := prompts.Prompt{
				SessionID: sessionID,
				RequestID: tc.ID,
				ToolName:  tc.Name,
				ToolUseID: tc.ID,
				Input:     tc.Input,
				Source:    prompts.SourceFile,
			}
			if c.registry.Evaluate(p) == prompts.Surface {
				s.mu.Lock()
				s.setStateLocked(c, StateAwaitingUser)
				c.publish(events.NewPrompt(events.TypePermissionRequest, mustGet(c.registry, sessionID, tc.ID, p)))
				s.mu.Unlock()
			}
		}
	}

	c.applyInactivityHeuristic(s)
}

// applyInactivityHeuristic synthesizes processing_complete for terminal
// sessions whose log went quiet, once per Working episode.
func (c *Coordinator) applyInactivityHeuristic(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateWorking || s.completionEmitted || s.activeChild != nil {
		return
	}
	if time.Since(s.lastActivityAt) < c.cfg.InactivityWindow {
		return
	}
	if c.registry.OpenCount(s.id) > 0 {
		return
	}

	s.completionEmitted = true
	e := events.New(s.id, events.TypeProcessingComplete)
	e.Data = map[string]any{"source": "inactivity"}
	c.publish(e)
	s.setStateLocked(c, StateIdle)
}

// expirePrompts handles prompts past their TTL. A spawned prompt's child is
// stuck and gets terminated; hook and file prompts stay answerable.
func (c *Coordinator) expirePrompts() {
	for _, p := range c.registry.ExpireDue() {
		s := c.lookup(p.SessionID)
		if s == nil {
			continue
		}

		c.logger.Info("prompt timed out",
			zap.String("session_id", p.SessionID),
			zap.String("request_id", p.RequestID),
			zap.String("source", string(p.Source)))

		s.mu.Lock()
		c.publish(events.NewPrompt(events.TypePermissionTimeout, p))
		s.mu.Unlock()

		if p.Source != prompts.SourceSpawned {
			continue
		}

		// The registry already removed the spawned prompt; emit its
		// resolution and kill the blocked child.
		s.mu.Lock()
		child := s.activeChild
		c.publish(events.NewPrompt(events.TypePermissionResolved, p))
		s.promptClosedLocked(c)
		s.mu.Unlock()
		if child != nil {
			_ = child.Kill(syscall.SIGTERM)
		}
	}
}
