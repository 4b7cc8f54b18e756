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
	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/domain/chat"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/sse"
)

// recordingNotifier counts events per type so tests can wait for them.
type recordingNotifier struct {
	mu     sync.Mutex
	events map[sse.Event]int
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(map[sse.Event]int)}
}

func (n *recordingNotifier) ChatEvent(_ context.Context, _ uuid.UUID, event sse.Event, _ any) {
	n.mu.Lock()
	n.events[event]++
	n.mu.Unlock()
}

func (n *recordingNotifier) StoryUpdated(_ context.Context, _ uuid.UUID, _ string, _ any) {}
func (n *recordingNotifier) Toast(_ context.Context, _ uuid.UUID, _ string, _ string)     {}

func (n *recordingNotifier) count(event sse.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[event]
}

type chatFixture struct {
	client     *fakeClient
	cacher     *fakeCacher
	notifier   *recordingNotifier
	svc        ChatService
	messages   repos.ChatMessageRepo
	sessions   repos.ChatSessionRepo
	characters repos.CharacterRepo
	projectID  uuid.UUID
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	gdb := testDB(t)
	log := logger.NewNop()

	f := &chatFixture{
		client:     newFakeClient(),
		cacher:     &fakeCacher{},
		notifier:   newRecordingNotifier(),
		messages:   repos.NewChatMessageRepo(gdb, log),
		sessions:   repos.NewChatSessionRepo(gdb, log),
		characters: repos.NewCharacterRepo(gdb, log),
	}
	f.client.cacher = f.cacher

	projects := repos.NewProjectRepo(gdb, log)
	scenes := repos.NewSceneRepo(gdb, log)
	locations := repos.NewLocationRepo(gdb, log)
	outlines := repos.NewChapterOutlineRepo(gdb, log)
	foreshadowing := repos.NewForeshadowingRepo(gdb, log)
	snapshots := repos.NewPartialResponseRepo(gdb, log)
	caches := repos.NewContextCacheRepo(gdb, log)

	dbc := dbctx.Context{Ctx: context.Background()}
	rows, err := projects.Create(dbc, []*types.Project{{Title: "The Hollow Atlas", Synopsis: "maps that lie"}})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	f.projectID = rows[0].ID

	builder := NewContextBuilder(log, DefaultContextBudget(), projects, f.characters, scenes)
	cacheMgr := NewCacheManager(log, f.client, caches, builder, time.Hour)
	streamMgr := NewStreamManager(log, f.client, snapshots, StreamManagerOptions{FlushEvery: 5 * time.Millisecond})
	parser := NewUpdateParser(log)
	applier := NewUpdateApplier(log, NopNotifier{}, projects, f.characters, locations, outlines, foreshadowing)

	f.svc = NewChatService(log, f.client, builder, cacheMgr, streamMgr, parser, applier,
		f.notifier, f.sessions, f.messages)
	return f
}

func (f *chatFixture) session(t *testing.T) *types.ChatSession {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), f.projectID, chat.SessionTypeGeneral)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func (f *chatFixture) message(t *testing.T, id uuid.UUID) *types.ChatMessage {
	t.Helper()
	row, err := f.messages.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return row
}

func TestCreateSessionArchivesPrevious(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	first := f.session(t)
	second := f.session(t)

	dbc := dbctx.Context{Ctx: ctx}
	reloaded, err := f.sessions.GetByID(dbc, first.ID)
	if err != nil {
		t.Fatalf("reload first: %v", err)
	}
	if reloaded.Status != chat.SessionStatusArchived {
		t.Fatalf("first session: %q", reloaded.Status)
	}

	current, err := f.svc.GetCurrentSession(ctx, f.projectID, chat.SessionTypeGeneral)
	if err != nil || current == nil || current.ID != second.ID {
		t.Fatalf("current: %+v err %v", current, err)
	}

	if _, err := f.svc.CreateSession(ctx, f.projectID, "freeform"); err == nil {
		t.Fatalf("unknown session type must be rejected")
	}
}

func TestSendAgentMessageAppliesUpdates(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	sess := f.session(t)

	f.client.chunks = []ai.StreamChunk{
		{Delta: "Adding a rival.\n\n```storyforge-update\n"},
		{Delta: `{"type": "create_character", "data": {"name": "Mara Voss", "role": "antagonist"}}` + "\n```"},
		{Done: true, Usage: &ai.Usage{InputTokens: 100, OutputTokens: 40}},
	}

	placeholder, err := f.svc.SendAgentMessage(ctx, f.projectID, sess.ID, "Give the story an antagonist.")
	if err != nil {
		t.Fatalf("SendAgentMessage: %v", err)
	}
	if placeholder.Role != chat.RoleAssistant || placeholder.Status != chat.MessageStatusStreaming {
		t.Fatalf("placeholder: %+v", placeholder)
	}

	waitFor(t, func() bool {
		return f.message(t, placeholder.ID).Status == chat.MessageStatusComplete
	})

	final := f.message(t, placeholder.ID)
	if strings.Contains(final.Content, "```") {
		t.Fatalf("fenced block leaked into stored content: %q", final.Content)
	}
	if !strings.Contains(final.Content, "Adding a rival.") {
		t.Fatalf("prose lost: %q", final.Content)
	}

	dbc := dbctx.Context{Ctx: ctx}
	if row, err := f.characters.GetByName(dbc, f.projectID, "Mara Voss"); err != nil || row == nil {
		t.Fatalf("update not applied: %v", err)
	}

	// Default model routes to Gemini, so the context cache was provisioned.
	if f.cacher.createdCount() != 1 {
		t.Fatalf("cache creates: %d", f.cacher.createdCount())
	}

	msgs, err := f.svc.ListMessages(ctx, sess.ID, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("messages: %d err %v", len(msgs), err)
	}
	if msgs[0].Role != chat.RoleUser || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestSendRejectsConcurrentGeneration(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	sess := f.session(t)

	f.client.hold = true
	f.client.chunks = []ai.StreamChunk{{Delta: "thinking"}}

	placeholder, err := f.svc.SendMessage(ctx, f.projectID, sess.ID, "First question")
	if err != nil {
		t.Fatalf("first send: %v", err)
	}

	if _, err := f.svc.SendMessage(ctx, f.projectID, sess.ID, "Second question"); !errors.Is(err, ErrStreamActive) {
		t.Fatalf("concurrent send: %v", err)
	}

	// Wait for the first delta to reach the UI before pulling the plug.
	waitFor(t, func() bool { return f.notifier.count(sse.EventChatChunk) > 0 })

	if !f.svc.CancelGeneration(sess.ID) {
		t.Fatalf("cancel of active stream returned false")
	}
	waitFor(t, func() bool {
		return f.message(t, placeholder.ID).Status == chat.MessageStatusCancelled
	})

	final := f.message(t, placeholder.ID)
	if final.Content != "thinking" {
		t.Fatalf("partial content: %q", final.Content)
	}

	// The aborted turn shows up for recovery until resolved.
	recoverable, err := f.svc.ListRecoverable(ctx, f.projectID)
	if err != nil || len(recoverable) != 1 {
		t.Fatalf("recoverable: %d err %v", len(recoverable), err)
	}
	if err := f.svc.ResolveSnapshot(ctx, placeholder.ID); err != nil {
		t.Fatalf("ResolveSnapshot: %v", err)
	}
}

func TestSendFailsFastOnMissingKey(t *testing.T) {
	f := newChatFixture(t)
	sess := f.session(t)

	f.client.keys[ai.ProviderGemini] = false
	_, err := f.svc.SendMessage(context.Background(), f.projectID, sess.ID, "hello")
	var missing *ai.MissingCredentialError
	if !errors.As(err, &missing) {
		t.Fatalf("want MissingCredentialError, got %v", err)
	}

	// Nothing was persisted for the failed attempt's assistant turn.
	msgs, err := f.svc.ListMessages(context.Background(), sess.ID, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for _, m := range msgs {
		if m.Role == chat.RoleAssistant {
			t.Fatalf("stray assistant message: %+v", m)
		}
	}
}

func TestSendToArchivedSessionFails(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	sess := f.session(t)

	if err := f.svc.ArchiveSession(ctx, sess.ID); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, f.projectID, sess.ID, "hello"); err == nil {
		t.Fatalf("archived session must reject sends")
	}
	if _, err := f.svc.SendMessage(ctx, uuid.New(), sess.ID, "hello"); err == nil {
		t.Fatalf("project mismatch must be rejected")
	}
}
