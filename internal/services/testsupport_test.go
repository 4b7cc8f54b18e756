package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/data/db"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	svc, err := db.NewMemory(logger.NewNop())
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return svc.DB()
}

// fakeClient scripts the UnifiedClient surface without any network.
type fakeClient struct {
	mu  sync.Mutex
	cfg AIConfig

	keys map[ai.ProviderID]bool

	// chunks are replayed by SendStream. hold keeps the stream open after
	// the scripted chunks until the context is cancelled.
	chunks []ai.StreamChunk
	hold   bool

	sendErr error
	cacher  ai.ContextCacher

	streams int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		cfg: AIConfig{
			Model:       "gemini-2.0-flash",
			Temperature: 0.7,
			MaxTokens:   1024,
		},
		keys: map[ai.ProviderID]bool{ai.ProviderGemini: true},
	}
}

func (f *fakeClient) Send(_ context.Context, _ ai.ChatRequest) (*ai.ChatResponse, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &ai.ChatResponse{Content: "ok", Model: f.cfg.Model}, nil
}

func (f *fakeClient) SendStream(ctx context.Context, _ ai.ChatRequest) (<-chan ai.StreamChunk, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.mu.Lock()
	f.streams++
	chunks := make([]ai.StreamChunk, len(f.chunks))
	copy(chunks, f.chunks)
	hold := f.hold
	f.mu.Unlock()

	out := make(chan ai.StreamChunk, len(chunks)+1)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (f *fakeClient) TestConnection(_ context.Context, provider ai.ProviderID, _ string) error {
	if !f.keys[provider] {
		return &ai.MissingCredentialError{Provider: provider}
	}
	return nil
}

func (f *fakeClient) CalculateCost(usage ai.Usage, model string) (Cost, bool) {
	return CalculateCost(usage, model)
}

func (f *fakeClient) Config() AIConfig { return f.cfg }

func (f *fakeClient) SetConfig(cfg AIConfig) error {
	f.cfg = cfg
	return nil
}

func (f *fakeClient) SetKey(provider ai.ProviderID, key string) error {
	f.keys[provider] = key != ""
	return nil
}

func (f *fakeClient) HasKey(provider ai.ProviderID) bool { return f.keys[provider] }

func (f *fakeClient) GeminiCacher() (ai.ContextCacher, error) {
	if f.cacher == nil {
		return nil, &ai.MissingCredentialError{Provider: ai.ProviderGemini}
	}
	return f.cacher, nil
}

// fakeCacher records cachedContents calls.
type fakeCacher struct {
	mu      sync.Mutex
	created int
	deleted []string
	ttl     time.Duration
	err     error
}

func (f *fakeCacher) CreateCachedContent(_ context.Context, model, system string, ttlSeconds int) (ai.CachedContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ai.CachedContent{}, f.err
	}
	f.created++
	ttl := time.Duration(ttlSeconds) * time.Second
	if f.ttl != 0 {
		ttl = f.ttl
	}
	return ai.CachedContent{
		Name:       fmt.Sprintf("cachedContents/fake-%d", f.created),
		Model:      model,
		TokenCount: EstimateTokens(system),
		ExpireAt:   time.Now().Add(ttl).Unix(),
	}, nil
}

func (f *fakeCacher) DeleteCachedContent(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeCacher) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}
