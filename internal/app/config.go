package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/services"
	"github.com/storyforge/storyforge-backend/internal/utils"
)

// Config is the process configuration. Env vars cover deploy-time settings;
// an optional yaml file (CONFIG_FILE) tunes the budget and stream knobs.
type Config struct {
	Addr    string `yaml:"addr"`
	LogMode string `yaml:"log_mode"`

	Budget services.ContextBudget `yaml:"budget"`

	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	StreamFlushMillis   int `yaml:"stream_flush_millis"`
	StallSeconds        int `yaml:"stall_seconds"`
	SnapshotRetentionHr int `yaml:"snapshot_retention_hours"`
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c Config) StreamOptions() services.StreamManagerOptions {
	return services.StreamManagerOptions{
		FlushEvery:     time.Duration(c.StreamFlushMillis) * time.Millisecond,
		StallThreshold: time.Duration(c.StallSeconds) * time.Second,
		Retention:      time.Duration(c.SnapshotRetentionHr) * time.Hour,
	}
}

func Load(log *logger.Logger) (Config, error) {
	cfg := Config{
		Addr:                utils.GetEnv("SERVER_ADDR", ":8080", log),
		LogMode:             utils.GetEnv("LOG_MODE", "development", log),
		Budget:              services.DefaultContextBudget(),
		CacheTTLSeconds:     utils.GetEnvAsInt("CACHE_TTL_SECONDS", 3600, log),
		StreamFlushMillis:   utils.GetEnvAsInt("STREAM_FLUSH_MILLIS", 75, log),
		StallSeconds:        utils.GetEnvAsInt("STREAM_STALL_SECONDS", 30, log),
		SnapshotRetentionHr: utils.GetEnvAsInt("SNAPSHOT_RETENTION_HOURS", 24, log),
	}

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	log.Info("Loaded config file", "path", path)
	return cfg, nil
}
