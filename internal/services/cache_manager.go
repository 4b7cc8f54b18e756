package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/data/repos"
	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

// CacheSavings is an advisory estimate of what a context cache saved versus
// resending the cached tokens at the full input rate. It never gates
// dispatch.
type CacheSavings struct {
	CachedTokens int     `json:"cached_tokens"`
	FullCostUSD  float64 `json:"full_cost_usd"`
	CachedUSD    float64 `json:"cached_usd"`
	SavedUSD     float64 `json:"saved_usd"`
}

// CacheManager owns provider-side context caches for Gemini. A cache is
// addressed by the SHA-256 fingerprint of the serialized project context;
// a fingerprint mismatch or expiry triggers transparent recreation before
// the next send. Anthropic's prompt cache needs no management here, only
// usage accounting.
type CacheManager interface {
	// ResolveCacheID returns a usable cachedContents name for the context,
	// creating or recreating the provider-side cache when needed. Failures
	// degrade to an uncached send: the returned id is empty and err is nil
	// unless the metadata store itself failed.
	ResolveCacheID(ctx context.Context, pc *ProjectContext, model string) (string, error)

	CreateCache(ctx context.Context, pc *ProjectContext, model string) (*types.ContextCache, error)
	RefreshCache(ctx context.Context, projectID uuid.UUID, model string) (*types.ContextCache, error)
	DeleteCache(ctx context.Context, projectID uuid.UUID) error
	GetCache(ctx context.Context, projectID uuid.UUID) (*types.ContextCache, error)
	IsCacheValid(info *types.ContextCache) bool
	CalculateSavings(info *types.ContextCache, hits int) CacheSavings
}

type cacheManager struct {
	log      *logger.Logger
	client   UnifiedClient
	caches   repos.ContextCacheRepo
	builder  ContextBuilder
	cacheTTL time.Duration
}

func NewCacheManager(
	log *logger.Logger,
	client UnifiedClient,
	caches repos.ContextCacheRepo,
	builder ContextBuilder,
	cacheTTL time.Duration,
) CacheManager {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &cacheManager{
		log:      log.With("service", "CacheManager"),
		client:   client,
		caches:   caches,
		builder:  builder,
		cacheTTL: cacheTTL,
	}
}

// ContextFingerprint hashes the canonical serialized context.
func ContextFingerprint(pc *ProjectContext) string {
	sum := sha256.Sum256([]byte(SerializeContext(pc)))
	return hex.EncodeToString(sum[:])
}

func (m *cacheManager) IsCacheValid(info *types.ContextCache) bool {
	if info == nil || info.CacheID == "" {
		return false
	}
	return time.Now().Before(info.ExpiresAt)
}

func (m *cacheManager) ResolveCacheID(ctx context.Context, pc *ProjectContext, model string) (string, error) {
	existing, err := m.caches.Get(dbctx.Context{Ctx: ctx}, pc.ProjectID, string(ai.ProviderGemini))
	if err != nil {
		return "", err
	}

	fingerprint := ContextFingerprint(pc)
	if existing != nil && m.IsCacheValid(existing) && existing.Fingerprint == fingerprint && existing.Model == model {
		return existing.CacheID, nil
	}

	info, createErr := m.createFor(ctx, pc, model, fingerprint, existing)
	if createErr != nil {
		// Degrade to an uncached send rather than blocking the turn.
		m.log.Warn("Context cache unavailable; sending uncached",
			"projectID", pc.ProjectID, "error", createErr)
		return "", nil
	}
	return info.CacheID, nil
}

func (m *cacheManager) CreateCache(ctx context.Context, pc *ProjectContext, model string) (*types.ContextCache, error) {
	existing, err := m.caches.Get(dbctx.Context{Ctx: ctx}, pc.ProjectID, string(ai.ProviderGemini))
	if err != nil {
		return nil, err
	}
	return m.createFor(ctx, pc, model, ContextFingerprint(pc), existing)
}

// createFor replaces any existing provider-side cache with a fresh one and
// upserts the metadata row.
func (m *cacheManager) createFor(ctx context.Context, pc *ProjectContext, model, fingerprint string, existing *types.ContextCache) (*types.ContextCache, error) {
	if provider, ok := ProviderForModel(model); !ok || provider != ai.ProviderGemini {
		return nil, &ai.ConfigurationError{Model: model, Reason: "context caching requires a Gemini model"}
	}

	cacher, err := m.client.GeminiCacher()
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.CacheID != "" {
		if delErr := cacher.DeleteCachedContent(ctx, existing.CacheID); delErr != nil {
			// Stale server-side entries expire on their own TTL.
			m.log.Warn("Failed to delete superseded context cache",
				"cacheID", existing.CacheID, "error", delErr)
		}
	}

	system := SerializeContext(pc)
	created, err := cacher.CreateCachedContent(ctx, model, system, int(m.cacheTTL.Seconds()))
	if err != nil {
		return nil, err
	}

	row := &types.ContextCache{
		ID:          uuid.New(),
		ProjectID:   pc.ProjectID,
		Provider:    string(ai.ProviderGemini),
		CacheID:     created.Name,
		Fingerprint: fingerprint,
		Model:       model,
		TokenCount:  created.TokenCount,
		ExpiresAt:   time.Unix(created.ExpireAt, 0),
	}
	if err := m.caches.Upsert(dbctx.Context{Ctx: ctx}, row); err != nil {
		return nil, err
	}

	m.log.Info("Context cache created",
		"projectID", pc.ProjectID, "cacheID", created.Name, "tokens", created.TokenCount)
	return row, nil
}

// RefreshCache rebuilds the context and replaces the cache regardless of
// fingerprint state.
func (m *cacheManager) RefreshCache(ctx context.Context, projectID uuid.UUID, model string) (*types.ContextCache, error) {
	pc, err := m.builder.BuildProjectContext(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return m.CreateCache(ctx, pc, model)
}

func (m *cacheManager) DeleteCache(ctx context.Context, projectID uuid.UUID) error {
	existing, err := m.caches.Get(dbctx.Context{Ctx: ctx}, projectID, string(ai.ProviderGemini))
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	if existing.CacheID != "" {
		if cacher, cErr := m.client.GeminiCacher(); cErr == nil {
			if delErr := cacher.DeleteCachedContent(ctx, existing.CacheID); delErr != nil {
				m.log.Warn("Failed to delete provider-side cache",
					"cacheID", existing.CacheID, "error", delErr)
			}
		}
	}
	return m.caches.Delete(dbctx.Context{Ctx: ctx}, projectID, string(ai.ProviderGemini))
}

func (m *cacheManager) GetCache(ctx context.Context, projectID uuid.UUID) (*types.ContextCache, error) {
	return m.caches.Get(dbctx.Context{Ctx: ctx}, projectID, string(ai.ProviderGemini))
}

func (m *cacheManager) CalculateSavings(info *types.ContextCache, hits int) CacheSavings {
	if info == nil || hits <= 0 {
		return CacheSavings{}
	}
	usage := ai.Usage{InputTokens: info.TokenCount * hits}
	full, ok := CalculateCost(usage, info.Model)
	if !ok {
		return CacheSavings{CachedTokens: info.TokenCount * hits}
	}
	cached, _ := CalculateCost(ai.Usage{
		InputTokens:         info.TokenCount * hits,
		CachedContentTokens: info.TokenCount * hits,
	}, info.Model)

	return CacheSavings{
		CachedTokens: info.TokenCount * hits,
		FullCostUSD:  full.TotalUSD,
		CachedUSD:    cached.TotalUSD,
		SavedUSD:     full.TotalUSD - cached.TotalUSD,
	}
}

// PromptCacheSavings prices Anthropic prompt-cache accounting out of a usage
// record: what the cache-read tokens would have cost at the full input rate
// minus what they actually cost.
func PromptCacheSavings(usage ai.Usage, model string) (CacheSavings, bool) {
	if usage.CacheReadTokens == 0 && usage.CacheCreationTokens == 0 {
		return CacheSavings{}, true
	}
	withCache, ok := CalculateCost(usage, model)
	if !ok {
		return CacheSavings{}, false
	}
	flat := usage
	flat.InputTokens += flat.CacheReadTokens + flat.CacheCreationTokens
	flat.CacheReadTokens = 0
	flat.CacheCreationTokens = 0
	without, _ := CalculateCost(flat, model)

	return CacheSavings{
		CachedTokens: usage.CacheReadTokens,
		FullCostUSD:  without.TotalUSD,
		CachedUSD:    withCache.TotalUSD,
		SavedUSD:     without.TotalUSD - withCache.TotalUSD,
	}, true
}
