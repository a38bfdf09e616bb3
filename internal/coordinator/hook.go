package coordinator

import (
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/prompts"
)

// NotificationPermissionPrompt is the hook notification type announcing an
// open permission prompt in a terminal session.
const NotificationPermissionPrompt = "permission_prompt"

// Abort signals SIGINT to the session's active child and emits
// session_aborted. Terminal sessions without a child only get the event.
func (c *Coordinator) Abort(sessionID string) error {
	s := c.lookup(sessionID)
	if s == nil {
		return errors.SessionNotFound(sessionID)
	}

	s.mu.Lock()
	child := s.activeChild
	s.mu.Unlock()
	if child != nil {
		if err := child.Kill(syscall.SIGINT); err != nil {
			c.logger.Warn("abort signal failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	s.mu.Lock()
	c.publish(events.New(sessionID, events.TypeSessionAborted))
	s.mu.Unlock()
	return nil
}

// HandleHook processes an agent hook callback. Permission notifications
// register a hook-source prompt recovered from the session log; everything
// else just marks activity.
func (c *Coordinator) HandleHook(sessionID, notificationType, message, cwd string) {
	projectPath := cwd
	if projectPath == "" {
		if path, err := c.store.ProjectOfSession(sessionID); err == nil {
			projectPath = path
		}
	}

	s := c.session(sessionID, projectPath, OriginTerminal)
	s.mu.Lock()
	resuming := s.beingResumedForApproval
	s.markActivityLocked(c)
	s.mu.Unlock()

	if notificationType != NotificationPermissionPrompt || resuming {
		return
	}

	p, ok := c.hookPrompt(sessionID, message)
	if !ok {
		c.logger.Debug("hook prompt without a recoverable tool call",
			zap.String("session_id", sessionID))
		return
	}

	switch c.registry.Evaluate(p) {
	case prompts.AutoApprove:
		// Blanket-approved tool: answer it the only way a terminal prompt
		// can be answered.
		go c.approveViaRetry(p, nil)
	case prompts.Surface:
		s.mu.Lock()
		s.setStateLocked(c, StateAwaitingUser)
		c.publish(events.NewPrompt(events.TypePermissionRequest, mustGet(c.registry, sessionID, p.RequestID, p)))
		s.mu.Unlock()
	case prompts.Suppress:
	}
}

// hookPrompt reconstructs the prompt the hook announced. The callback body
// carries no tool details, so the newest pending tool call in the log is
// the prompt; the notification text is the fallback for the tool name.
func (c *Coordinator) hookPrompt(sessionID, message string) (prompts.Prompt, bool) {
	_, pending, err := c.store.Read(sessionID)
	if err == nil && len(pending) > 0 {
		tc := pending[len(pending)-1]
		return prompts.Prompt{
			SessionID: sessionID,
			RequestID: tc.ID,
			ToolName:  tc.Name,
			ToolUseID: tc.ID,
			Input:     tc.Input,
			Source:    prompts.SourceHook,
		}, true
	}

	// No pending tool call on disk yet; the log may lag the hook. The
	// notification text names the tool ("... permission to use Bash").
	if tool := toolFromNotification(message); tool != "" {
		return prompts.Prompt{
			SessionID: sessionID,
			RequestID: "hook-" + tool,
			ToolName:  tool,
			Source:    prompts.SourceHook,
		}, true
	}
	return prompts.Prompt{}, false
}

func toolFromNotification(message string) string {
	const marker = "permission to use "
	idx := strings.Index(message, marker)
	if idx < 0 {
		return ""
	}
	tool := message[idx+len(marker):]
	if cut := strings.IndexAny(tool, " .\n"); cut >= 0 {
		tool = tool[:cut]
	}
	return tool
}
