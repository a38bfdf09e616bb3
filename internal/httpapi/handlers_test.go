package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/coordinator"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/prompts"
	"github.com/clawdeck/clawdeck/internal/sessionlog"
	"github.com/clawdeck/clawdeck/internal/spawner"
	"github.com/clawdeck/clawdeck/internal/subscriptions"
)

const testToken = "test-token"

type permissionCall struct {
	sessionID    string
	requestID    string
	allow        bool
	allowAll     bool
	toolName     string
	updatedInput json.RawMessage
}

type hookCall struct {
	sessionID        string
	notificationType string
	message          string
	cwd              string
}

// stubController records coordinator calls and returns canned results.
type stubController struct {
	mu sync.Mutex

	newSessionID string
	newErr       error
	sendErr      error
	permErr      error
	abortErr     error
	state        coordinator.State

	gotProjectPath string
	gotSessionID   string
	gotText        string
	gotOpts        coordinator.SendOptions
	gotPerm        permissionCall
	gotHook        hookCall
}

func (s *stubController) NewSession(ctx context.Context, projectPath, text string, images []spawner.Image, opts coordinator.SendOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotProjectPath = projectPath
	s.gotText = text
	s.gotOpts = opts
	return s.newSessionID, s.newErr
}

func (s *stubController) Send(ctx context.Context, sessionID, text string, images []spawner.Image, opts coordinator.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotSessionID = sessionID
	s.gotText = text
	s.gotOpts = opts
	return s.sendErr
}

func (s *stubController) RespondPermission(ctx context.Context, sessionID, requestID string, allow, allowAll bool, toolName string, updatedInput json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotPerm = permissionCall{sessionID, requestID, allow, allowAll, toolName, updatedInput}
	return s.permErr
}

func (s *stubController) Abort(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotSessionID = sessionID
	return s.abortErr
}

func (s *stubController) HandleHook(sessionID, notificationType, message, cwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotHook = hookCall{sessionID, notificationType, message, cwd}
}

func (s *stubController) State(sessionID string) coordinator.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return coordinator.StateIdle
	}
	return s.state
}

// noopHolder satisfies the subscription registry in handler tests.
type noopHolder struct{}

func (noopHolder) Retain(string)  {}
func (noopHolder) Release(string) {}

func (noopHolder) ReplayPrompts(string) []prompts.Prompt { return nil }

type testAPI struct {
	router   *gin.Engine
	stub     *stubController
	store    *sessionlog.Store
	projects string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := logger.NewNop()

	projects := t.TempDir()
	store := sessionlog.NewStore(projects, log)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	streams := subscriptions.NewRegistry(noopHolder{}, memBus, log, 0)
	t.Cleanup(streams.CloseAll)

	stub := &stubController{newSessionID: "sess-new"}
	h := NewHandler(stub, store, streams, log)
	return &testAPI{
		router:   NewRouter(h, nil, testToken, log),
		stub:     stub,
		store:    store,
		projects: projects,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) writeLog(t *testing.T, cwd, sessionID string, lines ...string) {
	t.Helper()
	dir := filepath.Join(a.projects, sessionlog.MangleProjectPath(cwd))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(content), 0o644))
}

func userLine(uuid, cwd, text string) string {
	return fmt.Sprintf(`{"type":"user","uuid":"%s","timestamp":"2026-08-20T10:00:00Z","cwd":"%s","message":{"role":"user","content":"%s"}}`, uuid, cwd, text)
}

func assistantLine(uuid, text string) string {
	return fmt.Sprintf(`{"type":"assistant","uuid":"%s","timestamp":"2026-08-20T10:00:01Z","message":{"role":"assistant","content":[{"type":"text","text":"%s"}]}}`, uuid, text)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestBearerAuthRequired(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/claude/projects", nil)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/claude/projects", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Query-parameter form works for header-less clients.
	req = httptest.NewRequest(http.MethodGet, "/api/claude/projects?token="+testToken, nil)
	w = httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestListProjectsAndSessions(t *testing.T) {
	api := newTestAPI(t)
	api.writeLog(t, "/work/demo", "s1", userLine("u1", "/work/demo", "hi"), assistantLine("a1", "hello"))

	w := api.do(t, http.MethodGet, "/api/claude/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var projectsResp struct {
		Projects []sessionlog.Project `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projectsResp))
	require.Len(t, projectsResp.Projects, 1)
	require.Equal(t, sessionlog.MangleProjectPath("/work/demo"), projectsResp.Projects[0].Name)
	require.Equal(t, "/work/demo", projectsResp.Projects[0].Path)

	w = api.do(t, http.MethodGet, "/api/claude/projects/"+projectsResp.Projects[0].Name+"/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var sessionsResp struct {
		Sessions []sessionlog.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessionsResp))
	require.Len(t, sessionsResp.Sessions, 1)
	require.Equal(t, "s1", sessionsResp.Sessions[0].ID)
}

func TestListSessions_UnknownProject(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/api/claude/projects/nope/sessions", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionMessages_TailPagination(t *testing.T) {
	api := newTestAPI(t)
	api.writeLog(t, "/work/demo", "s1",
		userLine("u1", "/work/demo", "one"),
		assistantLine("a1", "two"),
		userLine("u2", "/work/demo", "three"),
		assistantLine("a2", "four"),
		userLine("u3", "/work/demo", "five"),
	)

	var resp struct {
		Messages []sessionlog.Message `json:"messages"`
		Total    int                  `json:"total"`
	}

	// Newest page.
	w := api.do(t, http.MethodGet, "/api/claude/sessions/s1?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 5, resp.Total)
	require.Len(t, resp.Messages, 2)
	require.Equal(t, "a2", resp.Messages[0].ID)
	require.Equal(t, "u3", resp.Messages[1].ID)

	// One page back.
	w = api.do(t, http.MethodGet, "/api/claude/sessions/s1?limit=2&offset=2", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	require.Equal(t, "a1", resp.Messages[0].ID)
	require.Equal(t, "u2", resp.Messages[1].ID)

	// Past the beginning clamps instead of erroring.
	w = api.do(t, http.MethodGet, "/api/claude/sessions/s1?limit=2&offset=4", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	require.Equal(t, "u1", resp.Messages[0].ID)
}

func TestSessionMessages_UnknownSession(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/api/claude/sessions/ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionMetadata(t *testing.T) {
	api := newTestAPI(t)
	api.stub.state = coordinator.StateWorking
	api.writeLog(t, "/work/demo", "s1", userLine("u1", "/work/demo", "hi"), assistantLine("a1", "hello"))

	w := api.do(t, http.MethodGet, "/api/claude/sessions/s1/metadata", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Metadata sessionlog.SessionMetadata `json:"metadata"`
		State    string                     `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "s1", resp.Metadata.SessionID)
	require.Equal(t, "/work/demo", resp.Metadata.ProjectPath)
	require.Equal(t, string(coordinator.StateWorking), resp.State)
}

func TestNewSession_ExplicitPath(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/claude/projects/-work-demo/new", gin.H{
		"text":  "do the thing",
		"path":  "/work/demo",
		"model": "opus",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"session_id":"sess-new"}`, w.Body.String())
	require.Equal(t, "/work/demo", api.stub.gotProjectPath)
	require.Equal(t, "do the thing", api.stub.gotText)
	require.Equal(t, "opus", api.stub.gotOpts.Model)
}

func TestNewSession_PathRecoveredFromLogs(t *testing.T) {
	api := newTestAPI(t)
	api.writeLog(t, "/work/demo", "s1", userLine("u1", "/work/demo", "hi"))

	mangled := sessionlog.MangleProjectPath("/work/demo")
	w := api.do(t, http.MethodPost, "/api/claude/projects/"+mangled+"/new", gin.H{"text": "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "/work/demo", api.stub.gotProjectPath)
}

func TestNewSession_MissingText(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/claude/projects/x/new", gin.H{"path": "/work/demo"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNewSession_UnknownProjectPath(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/claude/projects/nope/new", gin.H{"text": "hello"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSend_ErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	api.stub.sendErr = errors.ConcurrentSend("s1")

	w := api.do(t, http.MethodPost, "/api/claude/sessions/s1/send", gin.H{"text": "again"})
	require.Equal(t, http.StatusConflict, w.Code)

	var appErr errors.AppError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &appErr))
	require.Equal(t, errors.ErrCodeConcurrentSend, appErr.Code)
}

func TestRespondPermission(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/claude/sessions/s1/permission", gin.H{
		"requestId":    "req-1",
		"allow":        false,
		"allowAll":     true,
		"toolName":     "Bash",
		"updatedInput": gin.H{"command": "ls"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	got := api.stub.gotPerm
	require.Equal(t, "s1", got.sessionID)
	require.Equal(t, "req-1", got.requestID)
	require.False(t, got.allow)
	require.True(t, got.allowAll)
	require.Equal(t, "Bash", got.toolName)
	require.JSONEq(t, `{"command":"ls"}`, string(got.updatedInput))
}

func TestRespondPermission_MissingAllow(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/claude/sessions/s1/permission", gin.H{"requestId": "req-1"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAbort_NotFound(t *testing.T) {
	api := newTestAPI(t)
	api.stub.abortErr = errors.SessionNotFound("ghost")

	w := api.do(t, http.MethodPost, "/api/sessions/ghost/abort", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHook(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/claude-hook", gin.H{
		"session_id":        "s1",
		"notification_type": "permission_prompt",
		"message":           "Claude needs your permission to use Bash",
		"cwd":               "/work/demo",
	})
	require.Equal(t, http.StatusOK, w.Code)

	got := api.stub.gotHook
	require.Equal(t, "s1", got.sessionID)
	require.Equal(t, "permission_prompt", got.notificationType)
	require.Equal(t, "/work/demo", got.cwd)
}

func TestHook_NativeAgentPayload(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/claude-hook", gin.H{
		"session_id":      "s1",
		"hook_event_name": "Notification",
		"message":         "Claude needs your permission to use Bash",
		"cwd":             "/work/demo",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, coordinator.NotificationPermissionPrompt, api.stub.gotHook.notificationType)
}

func TestStreamEvents_OpeningSequence(t *testing.T) {
	api := newTestAPI(t)

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events/s1?token=" + testToken)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var types []string
	for scanner.Scan() && len(types) < 2 {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	require.Equal(t, []string{"connected", "heartbeat"}, types)
}
