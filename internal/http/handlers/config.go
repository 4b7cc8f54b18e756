package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/http/response"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/services"
)

type ConfigHandler struct {
	log    *logger.Logger
	client services.UnifiedClient
}

func NewConfigHandler(log *logger.Logger, client services.UnifiedClient) *ConfigHandler {
	return &ConfigHandler{log: log, client: client}
}

func (h *ConfigHandler) GetConfig(c *gin.Context) {
	cfg := h.client.Config()
	response.RespondOK(c, gin.H{
		"config": cfg,
		"providers": gin.H{
			string(ai.ProviderClaude): gin.H{"configured": h.client.HasKey(ai.ProviderClaude), "models": services.KnownModels(ai.ProviderClaude)},
			string(ai.ProviderOpenAI): gin.H{"configured": h.client.HasKey(ai.ProviderOpenAI), "models": services.KnownModels(ai.ProviderOpenAI)},
			string(ai.ProviderGemini): gin.H{"configured": h.client.HasKey(ai.ProviderGemini), "models": services.KnownModels(ai.ProviderGemini)},
		},
	})
}

func (h *ConfigHandler) UpdateConfig(c *gin.Context) {
	var cfg services.AIConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := h.client.SetConfig(cfg); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, h.client.Config())
}

type setKeyRequest struct {
	Provider string `json:"provider" binding:"required"`
	Key      string `json:"key"`
}

func (h *ConfigHandler) SetKey(c *gin.Context) {
	var req setKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := h.client.SetKey(ai.ProviderID(req.Provider), req.Key); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"configured": h.client.HasKey(ai.ProviderID(req.Provider))})
}

type testConnectionRequest struct {
	Provider string `json:"provider" binding:"required"`
	Key      string `json:"key" binding:"required"`
}

// TestConnection validates a candidate key with a minimal request; the
// stored key is untouched.
func (h *ConfigHandler) TestConnection(c *gin.Context) {
	var req testConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := h.client.TestConnection(c.Request.Context(), ai.ProviderID(req.Provider), req.Key); err != nil {
		response.RespondOK(c, gin.H{"ok": false, "error": err.Error()})
		return
	}
	response.RespondOK(c, gin.H{"ok": true})
}

type costRequest struct {
	Model string   `json:"model" binding:"required"`
	Usage ai.Usage `json:"usage"`
}

func (h *ConfigHandler) CalculateCost(c *gin.Context) {
	var req costRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	cost, ok := h.client.CalculateCost(req.Usage, req.Model)
	if !ok {
		response.RespondOK(c, gin.H{"known": false})
		return
	}
	response.RespondOK(c, gin.H{"known": true, "cost": cost})
}
