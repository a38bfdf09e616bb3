package spawner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/pkg/claudecode"
)

// writeStubAgent writes a shell script standing in for the agent CLI.
func writeStubAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-agent")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSpawn_HandshakeAndMessages(t *testing.T) {
	stub := writeStubAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-stub"}'
read line
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}'
echo '{"type":"result","subtype":"success","result":"done"}'
`)

	var mu sync.Mutex
	var received []string
	var gotSessionID string

	sp := New(stub, logger.NewNop())
	h, err := sp.Spawn(context.Background(), Options{
		WorkDir:     t.TempDir(),
		OnSessionID: func(id string) { mu.Lock(); gotSessionID = id; mu.Unlock() },
		OnMessage: func(msg *claudecode.CLIMessage) {
			mu.Lock()
			received = append(received, msg.Type)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer h.Close()

	id, err := h.WaitSessionID(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "sess-stub", id)
	require.Equal(t, "sess-stub", h.SessionID())

	require.NoError(t, h.Send("hello", nil))

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("child did not exit")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "sess-stub", gotSessionID)
	// system init swallowed, assistant + result forwarded
	require.Equal(t, []string{"assistant", "result"}, received)
}

func TestSpawn_PermissionRequestRouting(t *testing.T) {
	stub := writeStubAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-perm"}'
echo '{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"t1"}}'
read answer
echo '{"type":"result","subtype":"success","result":"done"}'
`)

	var mu sync.Mutex
	var gotRequestID string
	var gotReq *claudecode.ControlRequest
	promptCh := make(chan struct{})

	sp := New(stub, logger.NewNop())
	var h *Handle
	var err error
	h, err = sp.Spawn(context.Background(), Options{
		WorkDir: t.TempDir(),
		OnPermissionRequest: func(requestID string, req *claudecode.ControlRequest) {
			mu.Lock()
			gotRequestID = requestID
			gotReq = req
			mu.Unlock()
			close(promptCh)
		},
	})
	require.NoError(t, err)
	defer h.Close()

	select {
	case <-promptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("permission request never routed")
	}

	mu.Lock()
	require.Equal(t, "req-1", gotRequestID)
	require.Equal(t, "Bash", gotReq.ToolName)
	require.Equal(t, "t1", gotReq.ToolUseID)
	input := gotReq.Input
	mu.Unlock()

	require.NoError(t, h.SendPermissionResponse("req-1", true, input, ""))

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("child did not exit after response")
	}
}

func TestSpawn_ExitBeforeSessionID(t *testing.T) {
	stub := writeStubAgent(t, `
echo "boom" >&2
exit 3
`)

	sp := New(stub, logger.NewNop())
	h, err := sp.Spawn(context.Background(), Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	_, err = h.WaitSessionID(context.Background(), 2*time.Second)
	require.True(t, errors.IsCode(err, errors.ErrCodeSpawnFailed))

	select {
	case <-h.Done():
		require.Equal(t, 3, h.ExitCode())
	case <-time.After(2 * time.Second):
		t.Fatal("child did not exit")
	}
}

func TestSpawn_LaunchFailure(t *testing.T) {
	sp := New(filepath.Join(t.TempDir(), "missing-binary"), logger.NewNop())
	_, err := sp.Spawn(context.Background(), Options{WorkDir: t.TempDir()})
	require.True(t, errors.IsCode(err, errors.ErrCodeSpawnFailed))
}

func TestSpawn_RequiresWorkDir(t *testing.T) {
	sp := New("claude", logger.NewNop())
	_, err := sp.Spawn(context.Background(), Options{})
	require.Error(t, err)
}

func TestHandle_OnExitAfterExit(t *testing.T) {
	stub := writeStubAgent(t, `exit 0`)

	sp := New(stub, logger.NewNop())
	h, err := sp.Spawn(context.Background(), Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	<-h.Done()

	fired := make(chan int, 1)
	h.OnExit(func(code int) { fired <- code })
	select {
	case code := <-fired:
		require.Equal(t, 0, code)
	case <-time.After(time.Second):
		t.Fatal("late OnExit registration never fired")
	}
}

func TestHandle_KillResume(t *testing.T) {
	stub := writeStubAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"sess-res"}'
while read line; do :; done
`)

	sp := New(stub, logger.NewNop())
	h, err := sp.Spawn(context.Background(), Options{
		WorkDir:         t.TempDir(),
		ResumeSessionID: "sess-res",
	})
	require.NoError(t, err)

	// Resume spawns know their session id immediately.
	require.Equal(t, "sess-res", h.SessionID())

	require.NoError(t, h.Kill(syscall.SIGTERM))
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("child survived SIGTERM")
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(Options{ResumeSessionID: "s1", Model: "opus", PermissionMode: "plan"})
	require.Contains(t, args, "--permission-prompt-tool=stdio")
	require.Contains(t, args, "--resume")
	require.Contains(t, args, "s1")
	require.Contains(t, args, "--model")
	require.Contains(t, args, "plan")

	fresh := buildArgs(Options{})
	require.NotContains(t, fresh, "--resume")
	require.NotContains(t, fresh, "--model")
}

func TestSweepOrphans(t *testing.T) {
	// A real process whose fabricated proc entry carries the stdio flag.
	victim := exec.Command("sleep", "60")
	require.NoError(t, victim.Start())
	defer func() {
		_ = victim.Process.Kill()
		_, _ = victim.Process.Wait()
	}()

	procDir := t.TempDir()
	victimDir := filepath.Join(procDir, strconv.Itoa(victim.Process.Pid))
	require.NoError(t, os.MkdirAll(victimDir, 0o755))
	cmdline := "claude\x00-p\x00--permission-prompt-tool=stdio\x00"
	require.NoError(t, os.WriteFile(filepath.Join(victimDir, "cmdline"), []byte(cmdline), 0o644))

	// An unrelated entry that must be left alone.
	otherDir := filepath.Join(procDir, "99999999")
	require.NoError(t, os.MkdirAll(otherDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(otherDir, "cmdline"), []byte("bash\x00"), 0o644))

	swept := sweepOrphans(procDir, logger.NewNop())
	require.Equal(t, 1, swept)

	done := make(chan struct{})
	go func() {
		_, _ = victim.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("victim not terminated")
	}
}

func TestSweepOrphans_MissingProc(t *testing.T) {
	swept := sweepOrphans(filepath.Join(t.TempDir(), "nope"), logger.NewNop())
	require.Equal(t, 0, swept)
}
