package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/storyforge/storyforge-backend/internal/http/response"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/services"
)

type ChatHandler struct {
	log  *logger.Logger
	chat services.ChatService
}

func NewChatHandler(log *logger.Logger, chat services.ChatService) *ChatHandler {
	return &ChatHandler{log: log, chat: chat}
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_id", fmt.Errorf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

type createSessionRequest struct {
	Type string `json:"type" binding:"required"`
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}

	session, err := h.chat.CreateSession(c.Request.Context(), projectID, req.Type)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	sessions, err := h.chat.ListSessions(c.Request.Context(), projectID, 50)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"sessions": sessions})
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	sessionID, ok := pathUUID(c, "sessionID")
	if !ok {
		return
	}
	session, err := h.chat.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, session)
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	sessionID, ok := pathUUID(c, "sessionID")
	if !ok {
		return
	}
	messages, err := h.chat.ListMessages(c.Request.Context(), sessionID, 100)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"messages": messages})
}

func (h *ChatHandler) ArchiveSession(c *gin.Context) {
	sessionID, ok := pathUUID(c, "sessionID")
	if !ok {
		return
	}
	if err := h.chat.ArchiveSession(c.Request.Context(), sessionID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"archived": true})
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
	Mode    string `json:"mode"` // "chat" (default) or "agent"
}

// SendMessage accepts the turn and returns the streaming assistant
// placeholder; the text itself arrives over the realtime channel.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	sessionID, ok := pathUUID(c, "sessionID")
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}

	send := h.chat.SendMessage
	if req.Mode == "agent" {
		send = h.chat.SendAgentMessage
	}

	msg, err := send(c.Request.Context(), projectID, sessionID, req.Content)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

func (h *ChatHandler) CancelGeneration(c *gin.Context) {
	sessionID, ok := pathUUID(c, "sessionID")
	if !ok {
		return
	}
	cancelled := h.chat.CancelGeneration(sessionID)
	response.RespondOK(c, gin.H{"cancelled": cancelled})
}

func (h *ChatHandler) ListRecoverable(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	snapshots, err := h.chat.ListRecoverable(c.Request.Context(), projectID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"recoverable": snapshots})
}

func (h *ChatHandler) ResolveSnapshot(c *gin.Context) {
	messageID, ok := pathUUID(c, "messageID")
	if !ok {
		return
	}
	if err := h.chat.ResolveSnapshot(c.Request.Context(), messageID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"resolved": true})
}
