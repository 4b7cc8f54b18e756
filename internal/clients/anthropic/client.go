package anthropic

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

const apiVersion = "2023-06-01"

// Client talks to the Anthropic Messages API. Prompt caching rides along on
// normal requests: when req.PromptCache is set, the system prompt is sent as
// a cacheable block and the usage result carries cache read/creation token
// counts.
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
		return nil, &ai.MissingCredentialError{Provider: ai.ProviderClaude}
	}

	baseURL := strings.TrimRight(utils.GetEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com", log), "/")

	timeoutSec := utils.GetEnvAsInt("ANTHROPIC_TIMEOUT_SECONDS", 180, log)
	maxRetries := utils.GetEnvAsInt("ANTHROPIC_MAX_RETRIES", 3, log)

	return &Client{
		log:        log.With("service", "AnthropicClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (c *Client) Name() ai.ProviderID { return ai.ProviderClaude }

type anthropicHTTPError struct {
	StatusCode int
	Body       string
}

func (e *anthropicHTTPError) Error() string {
	return fmt.Sprintf("anthropic http %d: %s", e.StatusCode, e.Body)
}

func (e *anthropicHTTPError) HTTPStatusCode() int {
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
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
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
		return resp, raw, &anthropicHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
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
				return fmt.Errorf("anthropic decode error: %w; raw=%s", uErr, string(raw))
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

		c.log.Warn("Anthropic request retrying",
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

// -------------------- Messages API --------------------

type systemBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	System      []systemBlock `json:"system,omitempty"`
	Messages    []ai.Message  `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
}

type messagesUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string        `json:"model"`
	Usage messagesUsage `json:"usage"`
}

func (c *Client) buildRequest(req ai.ChatRequest, stream bool) messagesRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	out := messagesRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages:    req.Messages,
		Stream:      stream,
	}
	if s := strings.TrimSpace(req.System); s != "" {
		blk := systemBlock{Type: "text", Text: s}
		if req.PromptCache {
			blk.CacheControl = json.RawMessage(`{"type":"ephemeral"}`)
		}
		out.System = []systemBlock{blk}
	}
	return out
}

func toUsage(u messagesUsage) ai.Usage {
	return ai.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

func (c *Client) Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	var resp messagesResponse
	if err := c.do(ctx, "POST", "/v1/messages", c.buildRequest(req, false), &resp); err != nil {
		return nil, &ai.TransportError{Provider: ai.ProviderClaude, Err: err}
	}

	var text strings.Builder
	for _, blk := range resp.Content {
		if blk.Type == "text" {
			text.WriteString(blk.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, &ai.TransportError{Provider: ai.ProviderClaude, Err: fmt.Errorf("no text content in response")}
	}
	return &ai.ChatResponse{
		Content: text.String(),
		Model:   resp.Model,
		Usage:   toUsage(resp.Usage),
	}, nil
}

func (c *Client) ChatStream(ctx context.Context, req ai.ChatRequest) (<-chan ai.StreamChunk, error) {
	httpReq, err := c.newRequest(ctx, "POST", "/v1/messages", c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ai.TransportError{Provider: ai.ProviderClaude, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &ai.TransportError{
			Provider: ai.ProviderClaude,
			Err:      &anthropicHTTPError{StatusCode: resp.StatusCode, Body: string(raw)},
		}
	}

	out := make(chan ai.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		usage := ai.Usage{}
		streamErr := httpx.StreamSSE(resp.Body, func(event string, data string) error {
			switch event {
			case "message_start":
				var msg struct {
					Message struct {
						Usage messagesUsage `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal([]byte(data), &msg); err == nil {
					u := toUsage(msg.Message.Usage)
					usage.InputTokens = u.InputTokens
					usage.CacheReadTokens = u.CacheReadTokens
					usage.CacheCreationTokens = u.CacheCreationTokens
				}
			case "content_block_delta":
				var msg struct {
					Delta struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &msg); err != nil {
					return nil
				}
				if msg.Delta.Type == "text_delta" && msg.Delta.Text != "" {
					select {
					case out <- ai.StreamChunk{Delta: msg.Delta.Text}:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			case "message_delta":
				var msg struct {
					Usage struct {
						OutputTokens int `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal([]byte(data), &msg); err == nil {
					usage.OutputTokens = msg.Usage.OutputTokens
				}
			case "error":
				var msg struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				_ = json.Unmarshal([]byte(data), &msg)
				return fmt.Errorf("anthropic stream error (%s): %s", msg.Error.Type, msg.Error.Message)
			}
			return nil
		})

		final := ai.StreamChunk{Done: true, Usage: &usage}
		if streamErr != nil {
			final = ai.StreamChunk{Err: &ai.TransportError{Provider: ai.ProviderClaude, Err: streamErr}}
		}
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func (c *Client) CheckKey(ctx context.Context) error {
	req := messagesRequest{
		Model:     utils.GetEnv("ANTHROPIC_PING_MODEL", "claude-3-5-haiku-20241022", c.log),
		MaxTokens: 1,
		Messages:  []ai.Message{{Role: "user", Content: "ping"}},
	}
	var resp messagesResponse
	return c.do(ctx, "POST", "/v1/messages", req, &resp)
}
