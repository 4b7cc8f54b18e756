package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/http/response"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/services"
)

type StoryHandler struct {
	log   *logger.Logger
	story services.StoryService
}

func NewStoryHandler(log *logger.Logger, story services.StoryService) *StoryHandler {
	return &StoryHandler{log: log, story: story}
}

type createProjectRequest struct {
	Title    string `json:"title" binding:"required"`
	Synopsis string `json:"synopsis"`
}

func (h *StoryHandler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	project, err := h.story.CreateProject(c.Request.Context(), req.Title, req.Synopsis)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *StoryHandler) GetProject(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	project, err := h.story.GetProject(c.Request.Context(), projectID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, project)
}

type updateSynopsisRequest struct {
	Synopsis string `json:"synopsis" binding:"required"`
}

func (h *StoryHandler) UpdateSynopsis(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	var req updateSynopsisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := h.story.UpdateSynopsis(c.Request.Context(), projectID, req.Synopsis); err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"updated": true})
}

func (h *StoryHandler) CreateCharacter(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	var row types.Character
	if err := c.ShouldBindJSON(&row); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	row.ProjectID = projectID
	created, err := h.story.CreateCharacter(c.Request.Context(), &row)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *StoryHandler) ListCharacters(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	rows, err := h.story.ListCharacters(c.Request.Context(), projectID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"characters": rows})
}

func (h *StoryHandler) CreateLocation(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	var row types.Location
	if err := c.ShouldBindJSON(&row); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	row.ProjectID = projectID
	created, err := h.story.CreateLocation(c.Request.Context(), &row)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *StoryHandler) ListLocations(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	rows, err := h.story.ListLocations(c.Request.Context(), projectID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"locations": rows})
}

func (h *StoryHandler) CreateScene(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	var row types.Scene
	if err := c.ShouldBindJSON(&row); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	row.ProjectID = projectID
	created, err := h.story.CreateScene(c.Request.Context(), &row)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *StoryHandler) ListRecentScenes(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	rows, err := h.story.ListRecentScenes(c.Request.Context(), projectID, 0)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"scenes": rows})
}

func (h *StoryHandler) ListOutlines(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	rows, err := h.story.ListOutlines(c.Request.Context(), projectID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"outlines": rows})
}

func (h *StoryHandler) ListForeshadowing(c *gin.Context) {
	projectID, ok := pathUUID(c, "projectID")
	if !ok {
		return
	}
	rows, err := h.story.ListForeshadowing(c.Request.Context(), projectID)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"foreshadowing": rows})
}
