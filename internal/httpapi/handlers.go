// Package httpapi is the daemon's HTTP surface: REST routes for projects,
// sessions, and permissions, plus the SSE and WebSocket event transports.
// Handlers translate requests into coordinator calls and hold no session
// state of their own.
package httpapi

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/coordinator"
	"github.com/clawdeck/clawdeck/internal/sessionlog"
	"github.com/clawdeck/clawdeck/internal/spawner"
	"github.com/clawdeck/clawdeck/internal/subscriptions"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// SessionController is the coordinator surface the handlers call into.
type SessionController interface {
	NewSession(ctx context.Context, projectPath, text string, images []spawner.Image, opts coordinator.SendOptions) (string, error)
	Send(ctx context.Context, sessionID, text string, images []spawner.Image, opts coordinator.SendOptions) error
	RespondPermission(ctx context.Context, sessionID, requestID string, allow, allowAll bool, toolName string, updatedInput json.RawMessage) error
	Abort(sessionID string) error
	HandleHook(sessionID, notificationType, message, cwd string)
	State(sessionID string) coordinator.State
}

// Handler holds the HTTP handler dependencies.
type Handler struct {
	controller SessionController
	store      *sessionlog.Store
	streams    *subscriptions.Registry
	logger     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(controller SessionController, store *sessionlog.Store, streams *subscriptions.Registry, log *logger.Logger) *Handler {
	return &Handler{
		controller: controller,
		store:      store,
		streams:    streams,
		logger:     log.WithFields(zap.String("component", "httpapi")),
	}
}

// respondError maps any error onto the AppError JSON shape.
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListProjects handles GET /api/claude/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.store.Projects()
	if err != nil {
		respondError(c, errors.Wrap(err, "failed to list projects"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// ListSessions handles GET /api/claude/projects/:path/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	project := c.Param("path")
	sessions, err := h.store.Sessions(project)
	if err != nil {
		respondError(c, errors.NotFound("project", project))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type sendRequest struct {
	Text           string          `json:"text" binding:"required"`
	Images         []spawner.Image `json:"images"`
	PermissionMode string          `json:"permissionMode"`
	Model          string          `json:"model"`
}

type newSessionRequest struct {
	sendRequest

	// Path is the real working directory. Optional when the project already
	// has sessions on disk: the directory-mangled URL form is lossy, so the
	// store recovers the path from existing logs.
	Path string `json:"path"`
}

// NewSession handles POST /api/claude/projects/:path/new
func (h *Handler) NewSession(c *gin.Context) {
	var req newSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	projectPath, err := h.resolveProjectPath(c.Param("path"), req.Path)
	if err != nil {
		respondError(c, err)
		return
	}

	sessionID, sendErr := h.controller.NewSession(c.Request.Context(), projectPath, req.Text, req.Images, coordinator.SendOptions{
		PermissionMode: req.PermissionMode,
		Model:          req.Model,
	})
	if sendErr != nil {
		respondError(c, sendErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

func (h *Handler) resolveProjectPath(mangled, override string) (string, *errors.AppError) {
	if override != "" {
		return override, nil
	}
	projects, err := h.store.Projects()
	if err != nil {
		return "", errors.Wrap(err, "failed to list projects")
	}
	for _, p := range projects {
		if p.Name == mangled && p.Path != "" {
			return p.Path, nil
		}
	}
	return "", errors.BadRequest("project path for '" + mangled + "' is unknown; include 'path' in the request body")
}

// SessionMessages handles GET /api/claude/sessions/:id
// Pagination counts from the tail: offset 0 is the newest page.
func (h *Handler) SessionMessages(c *gin.Context) {
	sessionID := c.Param("id")

	messages, _, err := h.store.Read(sessionID)
	if err != nil {
		respondError(c, errors.SessionNotFound(sessionID))
		return
	}

	limit := queryInt(c, "limit", defaultMessageLimit)
	if limit <= 0 || limit > maxMessageLimit {
		limit = defaultMessageLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	total := len(messages)
	end := total - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages[start:end],
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// SessionMetadata handles GET /api/claude/sessions/:id/metadata
func (h *Handler) SessionMetadata(c *gin.Context) {
	sessionID := c.Param("id")
	meta, err := h.store.SessionMetadata(sessionID)
	if err != nil {
		respondError(c, errors.SessionNotFound(sessionID))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metadata": meta,
		"state":    h.controller.State(sessionID),
	})
}

// Send handles POST /api/claude/sessions/:id/send
func (h *Handler) Send(c *gin.Context) {
	sessionID := c.Param("id")

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	err := h.controller.Send(c.Request.Context(), sessionID, req.Text, req.Images, coordinator.SendOptions{
		PermissionMode: req.PermissionMode,
		Model:          req.Model,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

type permissionRequest struct {
	RequestID    string          `json:"requestId" binding:"required"`
	Allow        *bool           `json:"allow" binding:"required"`
	AllowAll     bool            `json:"allowAll"`
	ToolName     string          `json:"toolName"`
	UpdatedInput json.RawMessage `json:"updatedInput"`
}

// RespondPermission handles POST /api/claude/sessions/:id/permission
func (h *Handler) RespondPermission(c *gin.Context) {
	sessionID := c.Param("id")

	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	err := h.controller.RespondPermission(c.Request.Context(), sessionID, req.RequestID, *req.Allow, req.AllowAll, req.ToolName, req.UpdatedInput)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.RequestID})
}

// Abort handles POST /api/sessions/:id/abort
func (h *Handler) Abort(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.controller.Abort(sessionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID})
}

type hookRequest struct {
	SessionID        string `json:"session_id" binding:"required"`
	NotificationType string `json:"notification_type"`
	Message          string `json:"message"`
	CWD              string `json:"cwd"`

	// HookEventName is what the agent's own hook payload carries; the
	// registered hook command forwards that payload verbatim.
	HookEventName string `json:"hook_event_name"`
}

// Hook handles POST /api/claude-hook, the agent's notification callback.
func (h *Handler) Hook(c *gin.Context) {
	var req hookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	notificationType := req.NotificationType
	if notificationType == "" && req.HookEventName == "Notification" && strings.Contains(req.Message, "permission") {
		notificationType = coordinator.NotificationPermissionPrompt
	}

	h.controller.HandleHook(req.SessionID, notificationType, req.Message, req.CWD)
	c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID})
}
