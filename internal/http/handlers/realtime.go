package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/sse"
)

type RealtimeHandler struct {
	log *logger.Logger
	hub *sse.Hub
}

func NewRealtimeHandler(log *logger.Logger, hub *sse.Hub) *RealtimeHandler {
	return &RealtimeHandler{log: log, hub: hub}
}

// Stream opens the SSE feed. Channels come from the query string:
// GET /api/realtime?channels=project:<id>,project:<id2>
func (h *RealtimeHandler) Stream(c *gin.Context) {
	client := h.hub.NewClient()

	for _, ch := range strings.Split(c.Query("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			h.hub.AddChannel(client, ch)
		}
	}

	h.log.Debug("SSE stream open", "clientID", client.ID)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
	h.hub.CloseClient(client)
}
