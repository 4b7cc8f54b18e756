package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/clients/anthropic"
	"github.com/storyforge/storyforge-backend/internal/clients/gemini"
	"github.com/storyforge/storyforge-backend/internal/clients/openai"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

// AIConfig is the user-selected generation configuration applied to every
// turn that does not override it.
type AIConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// UnifiedClient is the single dispatch surface the rest of the app talks to.
// Model ids resolve to a provider adapter through the static routing table;
// requests for providers without a configured key fail before any network
// call.
type UnifiedClient interface {
	Send(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error)
	SendStream(ctx context.Context, req ai.ChatRequest) (<-chan ai.StreamChunk, error)
	TestConnection(ctx context.Context, provider ai.ProviderID, key string) error
	CalculateCost(usage ai.Usage, model string) (Cost, bool)

	Config() AIConfig
	SetConfig(cfg AIConfig) error
	SetKey(provider ai.ProviderID, key string) error
	HasKey(provider ai.ProviderID) bool
	GeminiCacher() (ai.ContextCacher, error)
}

type ProviderRegistry struct {
	log *logger.Logger

	mu       sync.RWMutex
	keys     map[ai.ProviderID]string
	adapters map[ai.ProviderID]ai.Provider
	cfg      AIConfig
}

// NewProviderRegistry seeds keys from the environment. Missing env keys are
// fine; the corresponding provider stays unavailable until SetKey.
func NewProviderRegistry(log *logger.Logger) *ProviderRegistry {
	r := &ProviderRegistry{
		log:      log.With("service", "ProviderRegistry"),
		keys:     make(map[ai.ProviderID]string),
		adapters: make(map[ai.ProviderID]ai.Provider),
		cfg: AIConfig{
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
	}

	envKeys := map[ai.ProviderID]string{
		ai.ProviderClaude: "ANTHROPIC_API_KEY",
		ai.ProviderOpenAI: "OPENAI_API_KEY",
		ai.ProviderGemini: "GEMINI_API_KEY",
	}
	for provider, envVar := range envKeys {
		if key := strings.TrimSpace(os.Getenv(envVar)); key != "" {
			if err := r.SetKey(provider, key); err != nil {
				r.log.Warn("Failed to configure provider from env", "provider", provider, "error", err)
			}
		}
	}

	return r
}

func newAdapter(log *logger.Logger, provider ai.ProviderID, key string) (ai.Provider, error) {
	switch provider {
	case ai.ProviderClaude:
		return anthropic.New(log, key)
	case ai.ProviderOpenAI:
		return openai.New(log, key)
	case ai.ProviderGemini:
		return gemini.New(log, key)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (r *ProviderRegistry) SetKey(provider ai.ProviderID, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		r.mu.Lock()
		delete(r.keys, provider)
		delete(r.adapters, provider)
		r.mu.Unlock()
		return nil
	}

	adapter, err := newAdapter(r.log, provider, key)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.keys[provider] = key
	r.adapters[provider] = adapter
	r.mu.Unlock()
	return nil
}

func (r *ProviderRegistry) HasKey(provider ai.ProviderID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[provider] != ""
}

func (r *ProviderRegistry) Config() AIConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *ProviderRegistry) SetConfig(cfg AIConfig) error {
	if _, ok := ProviderForModel(cfg.Model); !ok {
		return &ai.ConfigurationError{Model: cfg.Model, Reason: "model not in routing table"}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return nil
}

// resolve maps a request's model id to a ready adapter.
func (r *ProviderRegistry) resolve(model string) (ai.Provider, error) {
	provider, ok := ProviderForModel(model)
	if !ok {
		return nil, &ai.ConfigurationError{Model: model, Reason: "model not in routing table"}
	}

	r.mu.RLock()
	adapter := r.adapters[provider]
	r.mu.RUnlock()

	if adapter == nil {
		return nil, &ai.MissingCredentialError{Provider: provider}
	}
	return adapter, nil
}

func (r *ProviderRegistry) Send(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	adapter, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return adapter.Chat(ctx, req)
}

func (r *ProviderRegistry) SendStream(ctx context.Context, req ai.ChatRequest) (<-chan ai.StreamChunk, error) {
	adapter, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return adapter.ChatStream(ctx, req)
}

// TestConnection validates a candidate key with a throwaway adapter. The
// registry's stored key is untouched.
func (r *ProviderRegistry) TestConnection(ctx context.Context, provider ai.ProviderID, key string) error {
	adapter, err := newAdapter(r.log, provider, key)
	if err != nil {
		return err
	}
	return adapter.CheckKey(ctx)
}

func (r *ProviderRegistry) CalculateCost(usage ai.Usage, model string) (Cost, bool) {
	return CalculateCost(usage, model)
}

// GeminiCacher exposes the Gemini adapter's context-cache API when a Gemini
// key is configured.
func (r *ProviderRegistry) GeminiCacher() (ai.ContextCacher, error) {
	r.mu.RLock()
	adapter := r.adapters[ai.ProviderGemini]
	r.mu.RUnlock()

	if adapter == nil {
		return nil, &ai.MissingCredentialError{Provider: ai.ProviderGemini}
	}
	cacher, ok := adapter.(ai.ContextCacher)
	if !ok {
		return nil, fmt.Errorf("gemini adapter does not support context caching")
	}
	return cacher, nil
}
