// Package spawner launches and supervises agent CLI child processes speaking
// the stream-json protocol, and sweeps orphaned children left behind by a
// previous daemon instance.
package spawner

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/pkg/claudecode"
)

// SessionIDTimeout bounds the handshake wait for a fresh child to report its
// session id.
const SessionIDTimeout = 10 * time.Second

// Image is an inline image attachment for a user turn.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// Options configures one child process.
type Options struct {
	// WorkDir is the child's working directory (the project path).
	WorkDir string

	// ResumeSessionID resumes an existing session when set; otherwise the
	// child mints a new session id and reports it via OnSessionID.
	ResumeSessionID string

	// PermissionMode is passed through to the CLI when set.
	PermissionMode string

	// Model is passed through to the CLI when set.
	Model string

	// OnSessionID fires exactly once with the child's session id.
	OnSessionID func(sessionID string)

	// OnMessage receives chat and result messages after triage.
	OnMessage func(msg *claudecode.CLIMessage)

	// OnPermissionRequest receives can_use_tool prompts. The spawner applies
	// no policy; answering is the coordinator's job.
	OnPermissionRequest func(requestID string, req *claudecode.ControlRequest)
}

// Spawner launches agent children.
type Spawner struct {
	binary string
	logger *logger.Logger
}

// New creates a Spawner running the given agent binary.
func New(binary string, log *logger.Logger) *Spawner {
	return &Spawner{
		binary: binary,
		logger: log.WithFields(zap.String("component", "spawner")),
	}
}

// buildArgs assembles the CLI invocation for one child.
func buildArgs(opts Options) []string {
	args := []string{
		"-p", "--output-format=stream-json", "--input-format=stream-json",
		"--permission-prompt-tool=stdio", "--verbose",
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	return args
}

// Spawn starts an agent child and wires the stream-json client over its
// stdin/stdout. The returned handle owns the process.
func (s *Spawner) Spawn(ctx context.Context, opts Options) (*Handle, error) {
	if opts.WorkDir == "" {
		return nil, errors.BadRequest("workdir is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.binary, buildArgs(opts)...)
	cmd.Dir = opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.SpawnFailed("failed to open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.SpawnFailed("failed to open stdout pipe", err)
	}

	stderr := newTailBuffer(4 * 1024)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.SpawnFailed(fmt.Sprintf("failed to launch %s", s.binary), err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	log := s.logger.WithFields(zap.Int("pid", cmd.Process.Pid))

	h := &Handle{
		cmd:         cmd,
		stdin:       stdin,
		stderr:      stderr,
		cancel:      cancel,
		logger:      log,
		opts:        opts,
		sessionIDCh: make(chan string, 1),
		done:        make(chan struct{}),
	}
	if opts.ResumeSessionID != "" {
		h.sessionID = opts.ResumeSessionID
	}

	h.client = claudecode.NewClient(stdin, stdout, log)
	h.client.SetMessageHandler(h.handleMessage)
	h.client.SetRequestHandler(h.handleControlRequest)
	<-h.client.Start(clientCtx)

	go h.wait()

	log.Info("spawned agent child",
		zap.String("workdir", opts.WorkDir),
		zap.String("resume", opts.ResumeSessionID))

	return h, nil
}
