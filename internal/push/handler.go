package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/errors"
	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// Handler serves the push subscription management routes.
type Handler struct {
	store    *Store
	notifier *Notifier
	logger   *logger.Logger
}

// NewHandler creates the push route handler.
func NewHandler(store *Store, notifier *Notifier, log *logger.Logger) *Handler {
	return &Handler{
		store:    store,
		notifier: notifier,
		logger:   log.WithFields(zap.String("component", "push_api")),
	}
}

// Register attaches the push routes to the API group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/subscribe", h.Subscribe)
	g.POST("/unsubscribe", h.Unsubscribe)
	g.GET("/vapid-key", h.VAPIDKey)
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

// Subscribe handles POST /api/push/subscribe
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.store.Save(c.Request.Context(), req.Endpoint, req.Keys.P256dh, req.Keys.Auth); err != nil {
		appErr := errors.InternalError("failed to save push subscription", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": req.Endpoint})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// Unsubscribe handles POST /api/push/unsubscribe
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.store.Delete(c.Request.Context(), req.Endpoint); err != nil {
		appErr := errors.InternalError("failed to remove push subscription", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint": req.Endpoint})
}

// VAPIDKey handles GET /api/push/vapid-key
func (h *Handler) VAPIDKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicKey": h.notifier.PublicKey()})
}
