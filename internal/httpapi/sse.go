package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StreamEvents handles GET /api/events/:id, the SSE transport. The
// subscription's opening sequence (connected, heartbeat, prompt replay)
// arrives on the same channel as live events, so the handler is a plain
// pump. The token rides in as ?token= because EventSource cannot set
// headers; BearerAuth accepts both forms.
func (h *Handler) StreamEvents(c *gin.Context) {
	sessionID := c.Param("id")

	sub, err := h.streams.Subscribe(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				// Dropped for falling behind, or daemon shutdown.
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				h.logger.Warn("event marshal failed",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", e.Type, payload)
			c.Writer.Flush()
		}
	}
}
