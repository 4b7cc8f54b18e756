package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/http/response"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/services"
)

var errNoCache = errors.New("no context cache for project")

type CacheHandler struct {
	log    *logger.Logger
	caches services.CacheManager
	client services.UnifiedClient
}

func NewCacheHandler(log *logger.Logger, caches services.CacheManager, client services.UnifiedClient) *CacheHandler {
	return &CacheHandler{log: log, caches: caches, client: client}
}

func (h *CacheHandler) GetCache(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	info, err := h.caches.GetCache(c.Request.Context(), projectID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	if info == nil {
		response.RespondError(c, http.StatusNotFound, "not_found", errNoCache)
		return
	}
	response.RespondOK(c, gin.H{
		"cache":   info,
		"valid":   h.caches.IsCacheValid(info),
		"savings": h.caches.CalculateSavings(info, 1),
	})
}

func (h *CacheHandler) RefreshCache(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}

	// Context caches are Gemini-only. When the active model routes elsewhere,
	// refresh the cache for the model it was originally built against.
	model := h.client.Config().Model
	if provider, ok := services.ProviderForModel(model); !ok || provider != ai.ProviderGemini {
		if existing, err := h.caches.GetCache(c.Request.Context(), projectID); err == nil && existing != nil {
			model = existing.Model
		}
	}

	info, err := h.caches.RefreshCache(c.Request.Context(), projectID, model)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, info)
}

func (h *CacheHandler) DeleteCache(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	if err := h.caches.DeleteCache(c.Request.Context(), projectID); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}
