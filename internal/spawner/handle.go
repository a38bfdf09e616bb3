package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/pkg/claudecode"
)

// Handle owns one running agent child process.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	client *claudecode.Client
	cancel context.CancelFunc
	logger *logger.Logger
	opts   Options

	mu            sync.Mutex
	sessionID     string
	sessionIDSent bool
	exitCode      int
	exited        bool
	exitCallbacks []func(code int)

	sessionIDCh chan string
	done        chan struct{}
}

// SessionID returns the child's session id, empty until the handshake
// completes for fresh sessions.
func (h *Handle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// WaitSessionID blocks until the child reports its session id, the child
// exits, or the timeout elapses.
func (h *Handle) WaitSessionID(ctx context.Context, timeout time.Duration) (string, error) {
	h.mu.Lock()
	if h.sessionID != "" {
		id := h.sessionID
		h.mu.Unlock()
		return id, nil
	}
	h.mu.Unlock()

	select {
	case id := <-h.sessionIDCh:
		return id, nil
	case <-h.done:
		return "", errors.SpawnFailed("agent exited before reporting a session id", h.stderrErr())
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", errors.SpawnFailed("timed out waiting for session id", nil)
	}
}

// Send writes a user turn to the child's stdin. Image attachments switch the
// message to content-block form.
func (h *Handle) Send(text string, images []Image) error {
	if len(images) == 0 {
		return h.client.SendUserMessage(text)
	}
	blocks := make([]claudecode.ContentBlock, 0, len(images)+1)
	for _, img := range images {
		blocks = append(blocks, claudecode.ImageBlock(img.MediaType, img.Data))
	}
	if text != "" {
		blocks = append(blocks, claudecode.TextBlock(text))
	}
	return h.client.SendUserMessageBlocks(blocks)
}

// SendPermissionResponse answers an open can_use_tool prompt. On allow the
// CLI requires updatedInput to be present; pass the original input when the
// user did not modify it.
func (h *Handle) SendPermissionResponse(requestID string, allow bool, updatedInput json.RawMessage, denyMessage string) error {
	result := &claudecode.PermissionResult{}
	if allow {
		result.Behavior = claudecode.BehaviorAllow
		result.UpdatedInput = updatedInput
	} else {
		result.Behavior = claudecode.BehaviorDeny
		result.Message = denyMessage
		result.Interrupt = true
	}
	return h.client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type: claudecode.MessageTypeControlResponse,
		Response: &claudecode.ControlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  result,
		},
	})
}

// Interrupt asks the child to stop its current operation.
func (h *Handle) Interrupt(ctx context.Context, timeout time.Duration) error {
	return h.client.Interrupt(ctx, timeout)
}

// Kill signals the child process.
func (h *Handle) Kill(sig os.Signal) error {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return nil
	}
	return h.cmd.Process.Signal(sig)
}

// OnExit registers a callback fired with the child's exit code. Registering
// after exit fires immediately.
func (h *Handle) OnExit(cb func(code int)) {
	h.mu.Lock()
	if h.exited {
		code := h.exitCode
		h.mu.Unlock()
		cb(code)
		return
	}
	h.exitCallbacks = append(h.exitCallbacks, cb)
	h.mu.Unlock()
}

// Done is closed when the child has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the child's exit code, valid after Done is closed.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Close releases the handle without waiting: stdin is closed (the CLI exits
// on EOF) and the read loop stops.
func (h *Handle) Close() {
	_ = h.stdin.Close()
	h.client.Stop()
	h.cancel()
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	callbacks := h.exitCallbacks
	h.exitCallbacks = nil
	h.mu.Unlock()

	h.client.Stop()
	h.cancel()
	close(h.done)

	h.logger.Info("agent child exited", zap.Int("exit_code", code))
	for _, cb := range callbacks {
		cb(code)
	}
}

// handleMessage triages CLI stdout messages: system init is swallowed after
// capturing the session id, chat and result messages are forwarded.
func (h *Handle) handleMessage(msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.SessionID != "" {
			h.setSessionID(msg.SessionID)
		}
		// handshake only, nothing user-visible
	case claudecode.MessageTypeAssistant, claudecode.MessageTypeUser, claudecode.MessageTypeResult:
		if msg.SessionID != "" {
			h.setSessionID(msg.SessionID)
		}
		if h.opts.OnMessage != nil {
			h.opts.OnMessage(msg)
		}
	default:
		h.logger.Debug("unhandled message type", zap.String("type", msg.Type))
	}
}

func (h *Handle) setSessionID(id string) {
	h.mu.Lock()
	first := h.sessionID == ""
	if first {
		h.sessionID = id
	}
	notify := first && !h.sessionIDSent
	if notify {
		h.sessionIDSent = true
	}
	h.mu.Unlock()

	if notify {
		select {
		case h.sessionIDCh <- id:
		default:
		}
		if h.opts.OnSessionID != nil {
			h.opts.OnSessionID(id)
		}
	}
}

func (h *Handle) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		h.logger.Warn("unhandled control request subtype", zap.String("subtype", req.Subtype))
		_ = h.client.SendControlResponse(&claudecode.ControlResponseMessage{
			Type: claudecode.MessageTypeControlResponse,
			Response: &claudecode.ControlResponse{
				Subtype:   "error",
				RequestID: requestID,
				Error:     "unhandled subtype: " + req.Subtype,
			},
		})
		return
	}
	if h.opts.OnPermissionRequest != nil {
		h.opts.OnPermissionRequest(requestID, req)
		return
	}
	// No routing configured: deny rather than hang the child
	_ = h.SendPermissionResponse(requestID, false, nil, "no permission handler configured")
}

func (h *Handle) stderrErr() error {
	if tail := h.stderr.String(); tail != "" {
		return fmt.Errorf("stderr: %s", tail)
	}
	return nil
}

// tailBuffer keeps the last max bytes written, for error context when the
// child dies early.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
