package openai

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

// Client talks to the OpenAI Chat Completions API.
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
		return nil, &ai.MissingCredentialError{Provider: ai.ProviderOpenAI}
	}

	baseURL := strings.TrimRight(utils.GetEnv("OPENAI_BASE_URL", "https://api.openai.com", log), "/")

	timeoutSec := utils.GetEnvAsInt("OPENAI_TIMEOUT_SECONDS", 180, log)
	maxRetries := utils.GetEnvAsInt("OPENAI_MAX_RETRIES", 3, log)

	return &Client{
		log:        log.With("service", "OpenAIClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (c *Client) Name() ai.ProviderID { return ai.ProviderOpenAI }

type openaiHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openaiHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *openaiHTTPError) HTTPStatusCode() int {
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
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
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
		return resp, raw, &openaiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
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
				return fmt.Errorf("openai decode error: %w; raw=%s", uErr, string(raw))
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

		c.log.Warn("OpenAI request retrying",
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

// -------------------- Chat Completions --------------------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type completionRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_completion_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage completionUsage `json:"usage"`
}

func (c *Client) buildRequest(req ai.ChatRequest, stream bool) completionRequest {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: s})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	out := completionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

func (c *Client) Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	var resp completionResponse
	if err := c.do(ctx, "POST", "/v1/chat/completions", c.buildRequest(req, false), &resp); err != nil {
		return nil, &ai.TransportError{Provider: ai.ProviderOpenAI, Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &ai.TransportError{Provider: ai.ProviderOpenAI, Err: fmt.Errorf("no choices in response")}
	}
	return &ai.ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: ai.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (c *Client) ChatStream(ctx context.Context, req ai.ChatRequest) (<-chan ai.StreamChunk, error) {
	httpReq, err := c.newRequest(ctx, "POST", "/v1/chat/completions", c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ai.TransportError{Provider: ai.ProviderOpenAI, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &ai.TransportError{
			Provider: ai.ProviderOpenAI,
			Err:      &openaiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)},
		}
	}

	out := make(chan ai.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		usage := ai.Usage{}
		streamErr := httpx.StreamSSE(resp.Body, func(_ string, data string) error {
			if data == "[DONE]" {
				return nil
			}
			var msg struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
				Usage *completionUsage `json:"usage"`
			}
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				return nil
			}
			if msg.Usage != nil {
				usage.InputTokens = msg.Usage.PromptTokens
				usage.OutputTokens = msg.Usage.CompletionTokens
			}
			if len(msg.Choices) > 0 && msg.Choices[0].Delta.Content != "" {
				select {
				case out <- ai.StreamChunk{Delta: msg.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})

		final := ai.StreamChunk{Done: true, Usage: &usage}
		if streamErr != nil {
			final = ai.StreamChunk{Err: &ai.TransportError{Provider: ai.ProviderOpenAI, Err: streamErr}}
		}
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func (c *Client) CheckKey(ctx context.Context) error {
	return c.do(ctx, "GET", "/v1/models", nil, nil)
}
