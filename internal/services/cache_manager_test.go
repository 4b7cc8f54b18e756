package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/data/repos"
	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

func newCacheFixture(t *testing.T) (*fakeClient, *fakeCacher, CacheManager) {
	t.Helper()
	cacher := &fakeCacher{}
	client := newFakeClient()
	client.cacher = cacher
	caches := repos.NewContextCacheRepo(testDB(t), logger.NewNop())
	mgr := NewCacheManager(logger.NewNop(), client, caches, nil, time.Hour)
	return client, cacher, mgr
}

func testProjectContext() *ProjectContext {
	return &ProjectContext{
		ProjectID: uuid.New(),
		Title:     "The Hollow Atlas",
		Synopsis:  "An expedition unravels when its maps begin to lie.",
		Characters: []CharacterSummary{
			{Name: "Juno", Role: "protagonist", Summary: "Juno (protagonist): a mapmaker"},
		},
		RecentContent: "The compass needle spun without settling.",
	}
}

func TestResolveCacheIDReusesValidCache(t *testing.T) {
	_, cacher, mgr := newCacheFixture(t)
	ctx := context.Background()
	pc := testProjectContext()

	first, err := mgr.ResolveCacheID(ctx, pc, "gemini-2.0-flash")
	if err != nil || first == "" {
		t.Fatalf("first resolve: %q err %v", first, err)
	}
	if cacher.createdCount() != 1 {
		t.Fatalf("creates after first resolve: %d", cacher.createdCount())
	}

	// Same context, same model: no new provider-side cache.
	second, err := mgr.ResolveCacheID(ctx, pc, "gemini-2.0-flash")
	if err != nil || second != first {
		t.Fatalf("second resolve: %q err %v", second, err)
	}
	if cacher.createdCount() != 1 {
		t.Fatalf("creates after reuse: %d", cacher.createdCount())
	}
}

func TestResolveCacheIDRecreatesOnFingerprintChange(t *testing.T) {
	_, cacher, mgr := newCacheFixture(t)
	ctx := context.Background()
	pc := testProjectContext()

	first, err := mgr.ResolveCacheID(ctx, pc, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	pc.Synopsis = "The maps were honest all along; the land itself moved."
	second, err := mgr.ResolveCacheID(ctx, pc, "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second == first {
		t.Fatalf("changed context must get a new cache")
	}
	if cacher.createdCount() != 2 {
		t.Fatalf("creates: %d", cacher.createdCount())
	}
	// The superseded entry was removed provider-side.
	if len(cacher.deleted) != 1 || cacher.deleted[0] != first {
		t.Fatalf("deleted: %v", cacher.deleted)
	}
}

func TestResolveCacheIDRecreatesOnModelChange(t *testing.T) {
	_, cacher, mgr := newCacheFixture(t)
	ctx := context.Background()
	pc := testProjectContext()

	if _, err := mgr.ResolveCacheID(ctx, pc, "gemini-2.0-flash"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := mgr.ResolveCacheID(ctx, pc, "gemini-2.5-pro"); err != nil {
		t.Fatalf("resolve with new model: %v", err)
	}
	if cacher.createdCount() != 2 {
		t.Fatalf("creates: %d", cacher.createdCount())
	}
}

func TestResolveCacheIDRecreatesExpired(t *testing.T) {
	_, cacher, mgr := newCacheFixture(t)
	ctx := context.Background()
	pc := testProjectContext()

	cacher.ttl = -time.Minute // created already expired
	if _, err := mgr.ResolveCacheID(ctx, pc, "gemini-2.0-flash"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	cacher.ttl = 0
	id, err := mgr.ResolveCacheID(ctx, pc, "gemini-2.0-flash")
	if err != nil || id == "" {
		t.Fatalf("resolve after expiry: %q err %v", id, err)
	}
	if cacher.createdCount() != 2 {
		t.Fatalf("expired cache must be recreated, creates: %d", cacher.createdCount())
	}
}

func TestResolveCacheIDDegradesOnCreateFailure(t *testing.T) {
	_, cacher, mgr := newCacheFixture(t)
	cacher.err = errors.New("quota exhausted")

	id, err := mgr.ResolveCacheID(context.Background(), testProjectContext(), "gemini-2.0-flash")
	if err != nil {
		t.Fatalf("creation failure must not fail the send: %v", err)
	}
	if id != "" {
		t.Fatalf("degraded resolve must return empty id, got %q", id)
	}
}

func TestCreateCacheRejectsNonGeminiModel(t *testing.T) {
	_, cacher, mgr := newCacheFixture(t)

	for _, model := range []string{"claude-sonnet-4-20250514", "gpt-4o", "llama-3-70b"} {
		_, err := mgr.CreateCache(context.Background(), testProjectContext(), model)
		var cfgErr *ai.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: want ConfigurationError, got %v", model, err)
		}
	}
	if cacher.createdCount() != 0 {
		t.Fatalf("no provider-side cache should exist, creates: %d", cacher.createdCount())
	}
}

func TestIsCacheValid(t *testing.T) {
	_, _, mgr := newCacheFixture(t)

	if mgr.IsCacheValid(nil) {
		t.Fatalf("nil must be invalid")
	}
	if mgr.IsCacheValid(&types.ContextCache{ExpiresAt: time.Now().Add(time.Hour)}) {
		t.Fatalf("empty cache id must be invalid")
	}
	if mgr.IsCacheValid(&types.ContextCache{CacheID: "c", ExpiresAt: time.Now().Add(-time.Minute)}) {
		t.Fatalf("expired must be invalid")
	}
	if !mgr.IsCacheValid(&types.ContextCache{CacheID: "c", ExpiresAt: time.Now().Add(time.Hour)}) {
		t.Fatalf("future expiry must be valid")
	}
}

func TestDeleteCache(t *testing.T) {
	_, cacher, mgr := newCacheFixture(t)
	ctx := context.Background()
	pc := testProjectContext()

	id, err := mgr.ResolveCacheID(ctx, pc, "gemini-2.0-flash")
	if err != nil || id == "" {
		t.Fatalf("resolve: %q err %v", id, err)
	}

	if err := mgr.DeleteCache(ctx, pc.ProjectID); err != nil {
		t.Fatalf("DeleteCache: %v", err)
	}
	if len(cacher.deleted) != 1 || cacher.deleted[0] != id {
		t.Fatalf("provider-side delete: %v", cacher.deleted)
	}
	if info, err := mgr.GetCache(ctx, pc.ProjectID); err != nil || info != nil {
		t.Fatalf("metadata should be gone: %+v err %v", info, err)
	}

	// Deleting a project with no cache is a no-op.
	if err := mgr.DeleteCache(ctx, uuid.New()); err != nil {
		t.Fatalf("delete of absent cache: %v", err)
	}
}

func TestContextFingerprintTracksContent(t *testing.T) {
	a := testProjectContext()
	b := testProjectContext()
	b.ProjectID = a.ProjectID

	if ContextFingerprint(a) != ContextFingerprint(b) {
		t.Fatalf("identical contexts must fingerprint identically")
	}
	b.Characters = append(b.Characters, CharacterSummary{Name: "Mara", Summary: "Mara (antagonist)"})
	if ContextFingerprint(a) == ContextFingerprint(b) {
		t.Fatalf("fingerprint must change with content")
	}
}

func TestPromptCacheSavings(t *testing.T) {
	usage := ai.Usage{
		InputTokens:     1000,
		OutputTokens:    500,
		CacheReadTokens: 20000,
	}
	savings, ok := PromptCacheSavings(usage, "claude-sonnet-4-20250514")
	if !ok {
		t.Fatalf("known model")
	}
	if savings.SavedUSD <= 0 {
		t.Fatalf("cache reads must cost less than full input: %+v", savings)
	}

	if _, ok := PromptCacheSavings(usage, "not-a-model"); ok {
		t.Fatalf("unknown model must report not-ok")
	}

	zero, ok := PromptCacheSavings(ai.Usage{InputTokens: 10}, "claude-sonnet-4-20250514")
	if !ok || zero.SavedUSD != 0 {
		t.Fatalf("no cache traffic, no savings: %+v ok=%v", zero, ok)
	}
}
