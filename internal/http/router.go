package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/storyforge/storyforge-backend/internal/http/handlers"
	httpMW "github.com/storyforge/storyforge-backend/internal/http/middleware"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	TracingEnabled bool

	HealthHandler   *httpH.HealthHandler
	RealtimeHandler *httpH.RealtimeHandler
	ChatHandler     *httpH.ChatHandler
	CacheHandler    *httpH.CacheHandler
	ConfigHandler   *httpH.ConfigHandler
	StoryHandler    *httpH.StoryHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())
	if cfg.TracingEnabled {
		r.Use(otelgin.Middleware("storyforge-backend"))
	}

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			api.GET("/realtime", cfg.RealtimeHandler.Stream)
		}

		// AI configuration
		if cfg.ConfigHandler != nil {
			api.GET("/ai/config", cfg.ConfigHandler.GetConfig)
			api.PUT("/ai/config", cfg.ConfigHandler.UpdateConfig)
			api.PUT("/ai/keys", cfg.ConfigHandler.SetKey)
			api.POST("/ai/test", cfg.ConfigHandler.TestConnection)
			api.POST("/ai/cost", cfg.ConfigHandler.CalculateCost)
		}

		// Projects and world data
		if cfg.StoryHandler != nil {
			api.POST("/projects", cfg.StoryHandler.CreateProject)
			api.GET("/projects/:projectID", cfg.StoryHandler.GetProject)
			api.PUT("/projects/:projectID/synopsis", cfg.StoryHandler.UpdateSynopsis)
			api.POST("/projects/:projectID/characters", cfg.StoryHandler.CreateCharacter)
			api.GET("/projects/:projectID/characters", cfg.StoryHandler.ListCharacters)
			api.POST("/projects/:projectID/locations", cfg.StoryHandler.CreateLocation)
			api.GET("/projects/:projectID/locations", cfg.StoryHandler.ListLocations)
			api.POST("/projects/:projectID/scenes", cfg.StoryHandler.CreateScene)
			api.GET("/projects/:projectID/scenes", cfg.StoryHandler.ListRecentScenes)
			api.GET("/projects/:projectID/outlines", cfg.StoryHandler.ListOutlines)
			api.GET("/projects/:projectID/foreshadowing", cfg.StoryHandler.ListForeshadowing)
		}

		// Chat
		if cfg.ChatHandler != nil {
			api.POST("/projects/:projectID/sessions", cfg.ChatHandler.CreateSession)
			api.GET("/projects/:projectID/sessions", cfg.ChatHandler.ListSessions)
			api.GET("/sessions/:sessionID", cfg.ChatHandler.GetSession)
			api.GET("/sessions/:sessionID/messages", cfg.ChatHandler.ListMessages)
			api.POST("/sessions/:sessionID/archive", cfg.ChatHandler.ArchiveSession)
			api.POST("/projects/:projectID/sessions/:sessionID/messages", cfg.ChatHandler.SendMessage)
			api.POST("/sessions/:sessionID/cancel", cfg.ChatHandler.CancelGeneration)
			api.GET("/projects/:projectID/recovery", cfg.ChatHandler.ListRecoverable)
			api.POST("/recovery/:messageID/resolve", cfg.ChatHandler.ResolveSnapshot)
		}

		// Context cache
		if cfg.CacheHandler != nil {
			api.GET("/projects/:projectID/cache", cfg.CacheHandler.GetCache)
			api.POST("/projects/:projectID/cache/refresh", cfg.CacheHandler.RefreshCache)
			api.DELETE("/projects/:projectID/cache", cfg.CacheHandler.DeleteCache)
		}
	}

	return r
}
