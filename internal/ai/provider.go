// Package ai defines the normalized provider contract. Every AI backend
// (Claude, OpenAI, Gemini) implements the Provider interface; the rest of the
// app works with these unified types and never needs to know which vendor is
// handling a request.
package ai

import "context"

type ProviderID string

const (
	ProviderClaude ProviderID = "claude"
	ProviderOpenAI ProviderID = "openai"
	ProviderGemini ProviderID = "gemini"
)

type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the normalized request shape. Each adapter translates it
// into its vendor wire format: Anthropic hoists System to a top-level field,
// Gemini maps roles to user/model parts, OpenAI prepends a system message.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int

	// CacheID references a provider-side context cache (Gemini cachedContents
	// name). Empty means no cache; adapters that do not support context
	// caching ignore it.
	CacheID string

	// PromptCache asks providers with implicit prompt caching (Anthropic) to
	// mark the system prompt cacheable.
	PromptCache bool
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// Prompt-cache accounting (Anthropic).
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`

	// Context-cache accounting (Gemini).
	CachedContentTokens int `json:"cached_content_tokens,omitempty"`
}

type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// StreamChunk is one piece of a streaming response, delivered over the
// channel returned by ChatStream. Done is true on the final chunk; Usage is
// only populated on the final chunk. Err is set instead of Delta when the
// stream failed mid-flight.
type StreamChunk struct {
	Delta string
	Done  bool
	Usage *Usage
	Err   error
}

// Provider is the adapter contract. ChatStream returns a receive-only channel
// that the adapter closes when the stream ends; cancelling ctx closes the
// underlying transport.
type Provider interface {
	Name() ProviderID
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)

	// CheckKey issues a minimal request that validates the configured
	// credential without sending project context.
	CheckKey(ctx context.Context) error
}

// ContextCacher is implemented by providers with a server-side context cache
// API (Gemini cachedContents).
type ContextCacher interface {
	CreateCachedContent(ctx context.Context, model, system string, ttlSeconds int) (CachedContent, error)
	DeleteCachedContent(ctx context.Context, name string) error
}

type CachedContent struct {
	Name       string
	Model      string
	TokenCount int
	ExpireAt   int64 // unix seconds
}
