package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/clawdeck/clawdeck/internal/common/httpmw"
	"github.com/clawdeck/clawdeck/internal/common/logger"
)

// RouteRegistrar lets optional feature handlers attach their own routes.
type RouteRegistrar interface {
	Register(g *gin.RouterGroup)
}

// NewRouter builds the daemon's gin engine. Everything under /api sits
// behind bearer auth; /health is open for liveness checks. The push
// registrar is optional.
func NewRouter(h *Handler, push RouteRegistrar, token string, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), httpmw.RequestLogger(log, "api"))

	r.GET("/health", h.Health)

	api := r.Group("/api", httpmw.BearerAuth(token))

	claude := api.Group("/claude")
	claude.GET("/projects", h.ListProjects)
	claude.GET("/projects/:path/sessions", h.ListSessions)
	claude.POST("/projects/:path/new", h.NewSession)
	claude.GET("/sessions/:id", h.SessionMessages)
	claude.GET("/sessions/:id/metadata", h.SessionMetadata)
	claude.POST("/sessions/:id/send", h.Send)
	claude.POST("/sessions/:id/permission", h.RespondPermission)

	api.POST("/sessions/:id/abort", h.Abort)
	api.GET("/events/:id", h.StreamEvents)
	api.GET("/ws", h.StreamWS)
	api.POST("/claude-hook", h.Hook)

	if push != nil {
		push.Register(api.Group("/push"))
	}

	return r
}
