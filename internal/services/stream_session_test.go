package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/data/repos"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

type streamFixture struct {
	client    *fakeClient
	snapshots repos.PartialResponseRepo
	manager   StreamManager
	key       StreamKey

	mu     sync.Mutex
	deltas []string

	done      chan struct{}
	full      string
	usage     *ai.Usage
	cancelled chan string
	failed    chan error
	partial   string
}

func newStreamFixture(t *testing.T, opts StreamManagerOptions) *streamFixture {
	t.Helper()
	f := &streamFixture{
		client:    newFakeClient(),
		snapshots: repos.NewPartialResponseRepo(testDB(t), logger.NewNop()),
		key: StreamKey{
			SessionID: uuid.New(),
			MessageID: uuid.New(),
			ProjectID: uuid.New(),
		},
		done:      make(chan struct{}),
		cancelled: make(chan string, 1),
		failed:    make(chan error, 1),
	}
	f.manager = NewStreamManager(logger.NewNop(), f.client, f.snapshots, opts)
	return f
}

func (f *streamFixture) callbacks() StreamCallbacks {
	return StreamCallbacks{
		OnChunk: func(delta string) {
			f.mu.Lock()
			f.deltas = append(f.deltas, delta)
			f.mu.Unlock()
		},
		OnDone: func(full string, usage *ai.Usage) {
			f.full = full
			f.usage = usage
			close(f.done)
		},
		OnCancelled: func(partial string) {
			f.partial = partial
			f.cancelled <- partial
		},
		OnError: func(err error, partial string) {
			f.partial = partial
			f.failed <- err
		},
	}
}

func (f *streamFixture) joinedDeltas() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.deltas, "")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met")
}

func TestStreamDeliversChunksAndCompletes(t *testing.T) {
	f := newStreamFixture(t, StreamManagerOptions{FlushEvery: 5 * time.Millisecond})
	f.client.chunks = []ai.StreamChunk{
		{Delta: "Hello "},
		{Delta: "world"},
		{Done: true, Usage: &ai.Usage{InputTokens: 10, OutputTokens: 2}},
	}

	if err := f.manager.StartStream(context.Background(), f.key, ai.ChatRequest{Model: "gemini-2.0-flash"}, f.callbacks()); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream never completed")
	}

	if f.full != "Hello world" {
		t.Fatalf("full text: %q", f.full)
	}
	if f.joinedDeltas() != f.full {
		t.Fatalf("flushed deltas %q do not reassemble into %q", f.joinedDeltas(), f.full)
	}
	if f.usage == nil || f.usage.OutputTokens != 2 {
		t.Fatalf("usage: %+v", f.usage)
	}

	waitFor(t, func() bool { return !f.manager.IsStreaming(f.key.SessionID) })

	// Completed streams leave no recovery snapshot behind.
	dbc := dbctx.Context{Ctx: context.Background()}
	if row, err := f.snapshots.GetByMessageID(dbc, f.key.MessageID); err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	} else if row != nil {
		t.Fatalf("unexpected snapshot: %+v", row)
	}
}

func TestSecondStreamRejected(t *testing.T) {
	f := newStreamFixture(t, StreamManagerOptions{FlushEvery: 5 * time.Millisecond})
	f.client.hold = true

	if err := f.manager.StartStream(context.Background(), f.key, ai.ChatRequest{}, f.callbacks()); err != nil {
		t.Fatalf("first StartStream: %v", err)
	}
	waitFor(t, func() bool { return f.manager.IsStreaming(f.key.SessionID) })

	err := f.manager.StartStream(context.Background(), f.key, ai.ChatRequest{}, StreamCallbacks{})
	if !errors.Is(err, ErrStreamActive) {
		t.Fatalf("second StartStream: %v", err)
	}

	if !f.manager.AbortStreamSession(f.key.SessionID) {
		t.Fatalf("abort of active stream returned false")
	}
	select {
	case <-f.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel callback never fired")
	}

	waitFor(t, func() bool { return !f.manager.IsStreaming(f.key.SessionID) })
	if f.manager.AbortStreamSession(f.key.SessionID) {
		t.Fatalf("abort of idle session must be a no-op")
	}
}

func TestCancelPreservesPartialResponse(t *testing.T) {
	f := newStreamFixture(t, StreamManagerOptions{FlushEvery: 5 * time.Millisecond})
	f.client.hold = true
	f.client.chunks = []ai.StreamChunk{{Delta: "partial text"}}

	if err := f.manager.StartStream(context.Background(), f.key, ai.ChatRequest{}, f.callbacks()); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	// Make sure the delta landed before pulling the plug.
	waitFor(t, func() bool { return f.joinedDeltas() == "partial text" })
	f.manager.AbortStreamSession(f.key.SessionID)

	select {
	case partial := <-f.cancelled:
		if partial != "partial text" {
			t.Fatalf("cancelled partial: %q", partial)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel callback never fired")
	}

	waitFor(t, func() bool { return !f.manager.IsStreaming(f.key.SessionID) })

	dbc := dbctx.Context{Ctx: context.Background()}
	row, err := f.snapshots.GetByMessageID(dbc, f.key.MessageID)
	if err != nil || row == nil {
		t.Fatalf("snapshot: %+v err %v", row, err)
	}
	if row.Content != "partial text" || row.Reason != "cancelled" || row.Resolved {
		t.Fatalf("snapshot row: %+v", row)
	}

	recoverable, err := f.manager.ListRecoverable(context.Background(), f.key.ProjectID)
	if err != nil || len(recoverable) != 1 {
		t.Fatalf("recoverable: %d err %v", len(recoverable), err)
	}

	if err := f.manager.ResolveSnapshot(context.Background(), f.key.MessageID); err != nil {
		t.Fatalf("ResolveSnapshot: %v", err)
	}
	recoverable, err = f.manager.ListRecoverable(context.Background(), f.key.ProjectID)
	if err != nil || len(recoverable) != 0 {
		t.Fatalf("after resolve: %d err %v", len(recoverable), err)
	}
}

func TestStallTurnsIntoTransportError(t *testing.T) {
	f := newStreamFixture(t, StreamManagerOptions{
		FlushEvery:     5 * time.Millisecond,
		StallThreshold: 60 * time.Millisecond,
	})
	f.client.hold = true
	f.client.chunks = []ai.StreamChunk{{Delta: "early words"}}

	if err := f.manager.StartStream(context.Background(), f.key, ai.ChatRequest{}, f.callbacks()); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	var streamErr error
	select {
	case streamErr = <-f.failed:
	case <-time.After(2 * time.Second):
		t.Fatalf("stall never surfaced")
	}

	var te *ai.TransportError
	if !errors.As(streamErr, &te) || !te.Stalled {
		t.Fatalf("want stalled TransportError, got %v", streamErr)
	}
	if f.partial != "early words" {
		t.Fatalf("partial after stall: %q", f.partial)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	row, err := f.snapshots.GetByMessageID(dbc, f.key.MessageID)
	if err != nil || row == nil {
		t.Fatalf("snapshot: %+v err %v", row, err)
	}
	if row.Content != "early words" || row.Reason != "stalled" {
		t.Fatalf("snapshot row: %+v", row)
	}
}

func TestProviderErrorSettlesStream(t *testing.T) {
	f := newStreamFixture(t, StreamManagerOptions{FlushEvery: 5 * time.Millisecond})
	f.client.chunks = []ai.StreamChunk{
		{Delta: "before the drop"},
		{Err: errors.New("upstream reset")},
	}

	if err := f.manager.StartStream(context.Background(), f.key, ai.ChatRequest{}, f.callbacks()); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	select {
	case err := <-f.failed:
		if err == nil || !strings.Contains(err.Error(), "upstream reset") {
			t.Fatalf("error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error callback never fired")
	}
	if f.partial != "before the drop" {
		t.Fatalf("partial: %q", f.partial)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	row, err := f.snapshots.GetByMessageID(dbc, f.key.MessageID)
	if err != nil || row == nil || row.Reason != "error" {
		t.Fatalf("snapshot: %+v err %v", row, err)
	}
}
