package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/pkg/ctxutil"
	"github.com/storyforge/storyforge-backend/internal/pkg/httpx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/utils"
)

// Client talks to the Gemini generateContent API. It also manages server-side
// cachedContents entries so long project contexts can be referenced by name
// instead of resent on every request.
type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client

	maxRetries int
}

func New(log *logger.Logger, apiKey string) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, &ai.MissingCredentialError{Provider: ai.ProviderGemini}
	}

	baseURL := strings.TrimRight(utils.GetEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com", log), "/")

	timeoutSec := utils.GetEnvAsInt("GEMINI_TIMEOUT_SECONDS", 180, log)
	maxRetries := utils.GetEnvAsInt("GEMINI_MAX_RETRIES", 3, log)

	return &Client{
		log:        log.With("service", "GeminiClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (c *Client) Name() ai.ProviderID { return ai.ProviderGemini }

type geminiHTTPError struct {
	StatusCode int
	Body       string
}

func (e *geminiHTTPError) Error() string {
	return fmt.Sprintf("gemini http %d: %s", e.StatusCode, e.Body)
}

func (e *geminiHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &geminiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("gemini decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Gemini request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

// -------------------- generateContent --------------------

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	CachedContent     string            `json:"cachedContent,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
	ModelVersion  string        `json:"modelVersion"`
}

func (c *Client) buildRequest(req ai.ChatRequest) generateRequest {
	contents := make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}

	out := generateRequest{Contents: contents}

	// A request referencing a cachedContents entry must not also carry a
	// systemInstruction; the cached entry already holds it.
	if req.CacheID != "" {
		out.CachedContent = req.CacheID
	} else if s := strings.TrimSpace(req.System); s != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: s}}}
	}

	if req.Temperature != 0 || req.MaxTokens > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return out
}

func toUsage(u usageMetadata) ai.Usage {
	return ai.Usage{
		InputTokens:         u.PromptTokenCount,
		OutputTokens:        u.CandidatesTokenCount,
		CachedContentTokens: u.CachedContentTokenCount,
	}
}

func joinParts(parts []part) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (c *Client) Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	path := fmt.Sprintf("/v1beta/models/%s:generateContent", req.Model)
	var resp generateResponse
	if err := c.do(ctx, "POST", path, c.buildRequest(req), &resp); err != nil {
		return nil, &ai.TransportError{Provider: ai.ProviderGemini, Err: err}
	}
	if len(resp.Candidates) == 0 {
		return nil, &ai.TransportError{Provider: ai.ProviderGemini, Err: fmt.Errorf("no candidates in response")}
	}
	model := resp.ModelVersion
	if model == "" {
		model = req.Model
	}
	return &ai.ChatResponse{
		Content: joinParts(resp.Candidates[0].Content.Parts),
		Model:   model,
		Usage:   toUsage(resp.UsageMetadata),
	}, nil
}

func (c *Client) ChatStream(ctx context.Context, req ai.ChatRequest) (<-chan ai.StreamChunk, error) {
	path := fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse", req.Model)
	httpReq, err := c.newRequest(ctx, "POST", path, c.buildRequest(req))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ai.TransportError{Provider: ai.ProviderGemini, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &ai.TransportError{
			Provider: ai.ProviderGemini,
			Err:      &geminiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)},
		}
	}

	out := make(chan ai.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		usage := ai.Usage{}
		streamErr := httpx.StreamSSE(resp.Body, func(_ string, data string) error {
			var msg generateResponse
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				return nil
			}
			if msg.UsageMetadata.TotalTokenCount > 0 {
				usage = toUsage(msg.UsageMetadata)
			}
			if len(msg.Candidates) > 0 {
				if text := joinParts(msg.Candidates[0].Content.Parts); text != "" {
					select {
					case out <- ai.StreamChunk{Delta: text}:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			return nil
		})

		final := ai.StreamChunk{Done: true, Usage: &usage}
		if streamErr != nil {
			final = ai.StreamChunk{Err: &ai.TransportError{Provider: ai.ProviderGemini, Err: streamErr}}
		}
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func (c *Client) CheckKey(ctx context.Context) error {
	return c.do(ctx, "GET", "/v1beta/models", nil, nil)
}

// -------------------- cachedContents --------------------

type cachedContentRequest struct {
	Model             string   `json:"model"`
	SystemInstruction *content `json:"systemInstruction,omitempty"`
	TTL               string   `json:"ttl,omitempty"`
}

type cachedContentResponse struct {
	Name          string        `json:"name"`
	Model         string        `json:"model"`
	ExpireTime    string        `json:"expireTime"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

func (c *Client) CreateCachedContent(ctx context.Context, model, system string, ttlSeconds int) (ai.CachedContent, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = 3600
	}
	req := cachedContentRequest{
		Model:             "models/" + strings.TrimPrefix(model, "models/"),
		SystemInstruction: &content{Parts: []part{{Text: system}}},
		TTL:               fmt.Sprintf("%ds", ttlSeconds),
	}
	var resp cachedContentResponse
	if err := c.do(ctx, "POST", "/v1beta/cachedContents", req, &resp); err != nil {
		return ai.CachedContent{}, &ai.TransportError{Provider: ai.ProviderGemini, Err: err}
	}

	expireAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second).Unix()
	if t, err := time.Parse(time.RFC3339, resp.ExpireTime); err == nil {
		expireAt = t.Unix()
	}
	return ai.CachedContent{
		Name:       resp.Name,
		Model:      strings.TrimPrefix(resp.Model, "models/"),
		TokenCount: resp.UsageMetadata.TotalTokenCount,
		ExpireAt:   expireAt,
	}, nil
}

func (c *Client) DeleteCachedContent(ctx context.Context, name string) error {
	if !strings.HasPrefix(name, "cachedContents/") {
		name = "cachedContents/" + name
	}
	if err := c.do(ctx, "DELETE", "/v1beta/"+name, nil, nil); err != nil {
		return &ai.TransportError{Provider: ai.ProviderGemini, Err: err}
	}
	return nil
}
