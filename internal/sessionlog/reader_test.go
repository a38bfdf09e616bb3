package sessionlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	return NewStore(root, logger.NewNop()), root
}

func writeSessionLog(t *testing.T, root, project, sessionID string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, sessionID+".jsonl")
	var data []byte
	for _, line := range lines {
		data = append(data, []byte(line+"\n")...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRead_BasicConversation(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"user","uuid":"u1","timestamp":"2026-08-20T10:00:00Z","cwd":"/home/u/proj","message":{"role":"user","content":"hello"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-20T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"hi there"}]}}`,
	)

	messages, pending, err := store.Read("sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Empty(t, pending)

	require.Equal(t, "u1", messages[0].ID)
	require.Equal(t, "user", messages[0].Role)
	require.Equal(t, "hello", messages[0].Content[0].Text)
	require.Equal(t, "assistant", messages[1].Role)
	require.Equal(t, "hi there", messages[1].Content[0].Text)
}

func TestRead_ToolCallWithResult(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","uuid":"u1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"file.go"}]}}`,
	)

	messages, pending, err := store.Read("sess-1")
	require.NoError(t, err)
	require.Empty(t, pending, "resolved tool call must not be pending")

	// The tool-result-only user message is dropped.
	require.Len(t, messages, 1)
	require.Len(t, messages[0].ToolCalls, 1)
	tc := messages[0].ToolCalls[0]
	require.Equal(t, "Bash", tc.Name)
	require.True(t, tc.HasResult)
	require.Equal(t, "file.go", tc.Result)
	require.False(t, tc.IsError)
}

func TestRead_PendingToolCall(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"x.go"}}]}}`,
	)

	_, pending, err := store.Read("sess-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "t1", pending[0].ID)
	require.Equal(t, "Write", pending[0].Name)
}

func TestRead_StructuredToolResult(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Read","input":{}}]}}`,
		`{"type":"user","uuid":"u1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"line 1"},{"type":"text","text":"line 2"}]}]}}`,
	)

	messages, _, err := store.Read("sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "line 1\nline 2", messages[0].ToolCalls[0].Result)
}

func TestRead_RetrySentinelSuppressed(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"text","text":"let me run that"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"make"}}]}}`,
		`{"type":"user","uuid":"u2","message":{"role":"user","content":"Retry the Bash tool call now."}}`,
		`{"type":"assistant","uuid":"a2","message":{"role":"assistant","content":[{"type":"tool_use","id":"t2","name":"Bash","input":{"command":"make"}}]}}`,
		`{"type":"user","uuid":"u3","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t2","content":"ok"}]}}`,
	)

	messages, pending, err := store.Read("sess-1")
	require.NoError(t, err)

	// Sentinel and the retried assistant message are both suppressed.
	require.Len(t, messages, 1)
	require.Equal(t, "a1", messages[0].ID)
	for _, m := range messages {
		for _, seg := range m.Content {
			require.NotContains(t, seg.Text, "Retry the")
		}
	}

	// t1 was replaced by the retry; t2 resolved. Nothing pending.
	require.Empty(t, pending)
}

func TestRead_RetrySentinelSkipsUnrelatedAssistant(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"Retry the Edit tool call now."}}`,
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"text","text":"working on it"}]}}`,
		`{"type":"assistant","uuid":"a2","message":{"role":"assistant","content":[{"type":"tool_use","id":"t9","name":"Edit","input":{}}]}}`,
	)

	messages, _, err := store.Read("sess-1")
	require.NoError(t, err)

	// The intermediate assistant message survives; the one carrying the
	// retried Edit tool_use does not.
	require.Len(t, messages, 1)
	require.Equal(t, "a1", messages[0].ID)
}

func TestRead_MetaAndNonChatSkipped(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"summary","summary":"fix the build"}`,
		`{"type":"queue-operation","uuid":"q1"}`,
		`{"type":"user","uuid":"u1","isMeta":true,"message":{"role":"user","content":"caveat text"}}`,
		`{"type":"user","uuid":"u2","message":{"role":"user","content":"real prompt"}}`,
	)

	messages, _, err := store.Read("sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "u2", messages[0].ID)
}

func TestRead_DuplicateMessageIDMerged(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"text","text":"step"},{"type":"tool_use","id":"t1","name":"Bash","input":{}}]}}`,
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"text","text":"step"},{"type":"tool_use","id":"t1","name":"Bash","input":{}},{"type":"tool_use","id":"t2","name":"Grep","input":{}}]}}`,
	)

	messages, pending, err := store.Read("sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].ToolCalls, 2, "later occurrence merges new tool calls")
	require.Len(t, pending, 2)
}

func TestRead_TornTailLine(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"hello"}}`,
		`{"type":"assistant","uuid":"a1","mess`,
	)

	messages, _, err := store.Read("sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

func TestRead_Idempotent(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"hello"}}`,
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{}}]}}`,
	)

	m1, p1, err := store.Read("sess-1")
	require.NoError(t, err)
	m2, p2, err := store.Read("sess-1")
	require.NoError(t, err)
	require.Equal(t, m1, m2)
	require.Equal(t, p1, p2)
}

func TestRead_ImageSegments(t *testing.T) {
	store, root := newTestStore(t)
	writeSessionLog(t, root, "-home-u-proj", "sess-1",
		`{"type":"user","uuid":"u1","message":{"role":"user","content":[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aWNvbg=="}},{"type":"text","text":"what is this?"}]}}`,
	)

	messages, _, err := store.Read("sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].Content, 2)
	require.Equal(t, "image", messages[0].Content[0].Type)
	require.Equal(t, "image/png", messages[0].Content[0].MediaType)
}

func TestRead_UnknownSession(t *testing.T) {
	store, _ := newTestStore(t)
	_, _, err := store.Read("nope")
	require.Error(t, err)
}

func TestRetrySentinel_RoundTrip(t *testing.T) {
	text := RetrySentinel("Bash")
	require.Equal(t, "Retry the Bash tool call now.", text)

	tool, ok := retrySentinelTool(text)
	require.True(t, ok)
	require.Equal(t, "Bash", tool)

	_, ok = retrySentinelTool("please retry the Bash tool call now.")
	require.False(t, ok)
	_, ok = retrySentinelTool("Retry the  tool call now.")
	require.False(t, ok)
}
