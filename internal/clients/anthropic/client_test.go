package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

func chatStreamRequest() ai.ChatRequest {
	return ai.ChatRequest{
		Model:     "claude-sonnet-4-20250514",
		System:    "You are a story assistant.",
		Messages:  []ai.Message{{Role: "user", Content: "hello"}},
		MaxTokens: 128,
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("ANTHROPIC_BASE_URL", srv.URL)

	c, err := New(logger.NewNop(), "test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func sseHeaders(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	return w.(http.Flusher)
}

func TestChatStreamDeliversDeltasAndUsage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := sseHeaders(w)
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"message": {"usage": {"input_tokens": 25}}}`+"\n\n")
		for _, text := range []string{"Hello", " world"} {
			fmt.Fprint(w, "event: content_block_delta\n")
			fmt.Fprintf(w, `data: {"delta": {"type": "text_delta", "text": %q}}`+"\n\n", text)
		}
		fmt.Fprint(w, "event: message_delta\n")
		fmt.Fprint(w, `data: {"usage": {"output_tokens": 2}}`+"\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {}\n\n")
		f.Flush()
	}))

	chunks, err := c.ChatStream(context.Background(), chatStreamRequest())
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var text string
	var sawDone bool
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		text += chunk.Delta
		if chunk.Done {
			sawDone = true
			if chunk.Usage == nil || chunk.Usage.InputTokens != 25 || chunk.Usage.OutputTokens != 2 {
				t.Fatalf("usage: %+v", chunk.Usage)
			}
		}
	}
	if !sawDone || text != "Hello world" {
		t.Fatalf("done=%v text=%q", sawDone, text)
	}
}

func TestChatStreamExitsWhenConsumerAbandons(t *testing.T) {
	handlerDone := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(handlerDone)
		f := sseHeaders(w)
		// Well past the chunk buffer size, so the producer fills it and
		// blocks with nobody draining.
		for i := 0; i < 64; i++ {
			fmt.Fprint(w, "event: content_block_delta\n")
			fmt.Fprintf(w, `data: {"delta": {"type": "text_delta", "text": "chunk %d"}}`+"\n\n", i)
		}
		f.Flush()
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks, err := c.ChatStream(ctx, chatStreamRequest())
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	// Do not read anything; let the producer fill the buffer, then walk away.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream goroutine still holding the connection after cancel")
	}
	time.Sleep(50 * time.Millisecond)

	// The producer must have bailed out instead of blocking until someone
	// takes its terminal chunk. Draining now should surface only the
	// buffered deltas and a closed channel, never a Done or Err chunk
	// squeezed in after the cancellation.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if chunk.Done || chunk.Err != nil {
				t.Fatalf("terminal chunk delivered after cancel: %+v", chunk)
			}
		case <-deadline:
			t.Fatalf("chunk channel never closed after cancel")
		}
	}
}
