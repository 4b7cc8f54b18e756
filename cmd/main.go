package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/storyforge/storyforge-backend/internal/app"
	"github.com/storyforge/storyforge-backend/internal/data/db"
	"github.com/storyforge/storyforge-backend/internal/data/repos"
	httpserver "github.com/storyforge/storyforge-backend/internal/http"
	httpH "github.com/storyforge/storyforge-backend/internal/http/handlers"
	"github.com/storyforge/storyforge-backend/internal/observability"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/services"
	"github.com/storyforge/storyforge-backend/internal/sse"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := app.Load(log)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing (opt-in)
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "storyforge-backend",
		Environment: os.Getenv("APP_ENV"),
		Version:     os.Getenv("APP_VERSION"),
	})

	// Database
	dbService, err := db.New(log)
	if err != nil {
		log.Fatal("Database init failed", "error", err)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		log.Fatal("Auto migration failed", "error", err)
	}
	gdb := dbService.DB()

	// Repos
	log.Info("Setting up repos...")
	sessionRepo := repos.NewChatSessionRepo(gdb, log)
	messageRepo := repos.NewChatMessageRepo(gdb, log)
	snapshotRepo := repos.NewPartialResponseRepo(gdb, log)
	cacheRepo := repos.NewContextCacheRepo(gdb, log)
	projectRepo := repos.NewProjectRepo(gdb, log)
	characterRepo := repos.NewCharacterRepo(gdb, log)
	locationRepo := repos.NewLocationRepo(gdb, log)
	sceneRepo := repos.NewSceneRepo(gdb, log)
	outlineRepo := repos.NewChapterOutlineRepo(gdb, log)
	foreshadowingRepo := repos.NewForeshadowingRepo(gdb, log)

	// Realtime
	log.Info("Setting up SSE hub...")
	hub := sse.NewHub(log)
	bus, err := services.NewRedisSSEBus(log)
	if err != nil {
		log.Warn("Redis SSE bus unavailable; using in-process bus", "error", err)
		bus = services.NewLocalSSEBus()
	}
	if err := bus.StartForwarder(ctx, func(m sse.Message) { hub.Broadcast(m) }); err != nil {
		log.Fatal("Failed to start SSE forwarder", "error", err)
	}
	defer bus.Close()
	notifier := services.NewNotifier(log, bus)

	// Services
	log.Info("Setting up services...")
	registry := services.NewProviderRegistry(log)
	builder := services.NewContextBuilder(log, cfg.Budget, projectRepo, characterRepo, sceneRepo)
	cacheManager := services.NewCacheManager(log, registry, cacheRepo, builder, cfg.CacheTTL())
	streamManager := services.NewStreamManager(log, registry, snapshotRepo, cfg.StreamOptions())
	parser := services.NewUpdateParser(log)
	applier := services.NewUpdateApplier(log, notifier, projectRepo, characterRepo, locationRepo, outlineRepo, foreshadowingRepo)
	storyService := services.NewStoryService(log, projectRepo, characterRepo, locationRepo, sceneRepo, outlineRepo, foreshadowingRepo)
	chatService := services.NewChatService(log, registry, builder, cacheManager, streamManager,
		parser, applier, notifier, sessionRepo, messageRepo)

	// HTTP
	server := httpserver.NewServer(httpserver.RouterConfig{
		Log:             log,
		TracingEnabled:  observability.Enabled(),
		HealthHandler:   httpH.NewHealthHandler(),
		RealtimeHandler: httpH.NewRealtimeHandler(log, hub),
		ChatHandler:     httpH.NewChatHandler(log, chatService),
		CacheHandler:    httpH.NewCacheHandler(log, cacheManager, registry),
		ConfigHandler:   httpH.NewConfigHandler(log, registry),
		StoryHandler:    httpH.NewStoryHandler(log, storyService),
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening", "addr", cfg.Addr)
		errCh <- server.Run(cfg.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err := <-errCh:
		log.Error("Server stopped", "error", err)
	}

	streamManager.AbortAllSessions()
	if shutdownOtel != nil {
		if err := shutdownOtel(context.Background()); err != nil {
			log.Warn("Otel shutdown failed", "error", err)
		}
	}
}
