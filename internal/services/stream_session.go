package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/data/repos"
	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

// ErrStreamActive is returned when a second stream is started for a session
// that already has one in flight.
var ErrStreamActive = errors.New("stream already active for session")

type StreamState string

const (
	StreamStatePending   StreamState = "pending"
	StreamStateStreaming StreamState = "streaming"
	StreamStateCompleted StreamState = "completed"
	StreamStateCancelled StreamState = "cancelled"
	StreamStateError     StreamState = "error"
)

// StreamCallbacks receive the stream's output. OnChunk fires on the flush
// cadence with the text accumulated since the previous flush; OnDone fires
// once with the full text. Exactly one of OnDone, OnCancelled, OnError fires.
type StreamCallbacks struct {
	OnChunk     func(delta string)
	OnDone      func(full string, usage *ai.Usage)
	OnCancelled func(partial string)
	OnError     func(err error, partial string)
}

// StreamManager owns every in-flight generation. One active stream per chat
// session; starting a second is rejected with ErrStreamActive.
type StreamManager interface {
	StartStream(ctx context.Context, key StreamKey, req ai.ChatRequest, cb StreamCallbacks) error
	AbortStreamSession(sessionID uuid.UUID) bool
	AbortAllSessions()
	IsStreaming(sessionID uuid.UUID) bool

	// ListRecoverable returns unresolved snapshots for a project, clearing
	// ones past the retention window first.
	ListRecoverable(ctx context.Context, projectID uuid.UUID) ([]*types.PartialResponse, error)
	ResolveSnapshot(ctx context.Context, messageID uuid.UUID) error
}

// StreamKey identifies what a stream is filling.
type StreamKey struct {
	SessionID uuid.UUID
	MessageID uuid.UUID
	ProjectID uuid.UUID
}

type streamSession struct {
	key    StreamKey
	cancel context.CancelFunc

	mu        sync.Mutex
	state     StreamState
	full      strings.Builder
	pending   strings.Builder
	lastChunk time.Time
	stalled   bool
}

func (s *streamSession) appendChunk(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamStatePending {
		s.state = StreamStateStreaming
	}
	s.full.WriteString(delta)
	s.pending.WriteString(delta)
	s.lastChunk = time.Now()
}

// takePending drains the since-last-flush buffer.
func (s *streamSession) takePending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending.String()
	s.pending.Reset()
	return out
}

func (s *streamSession) snapshot() (StreamState, string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.full.String(), s.lastChunk
}

func (s *streamSession) markStalled() {
	s.mu.Lock()
	s.stalled = true
	s.mu.Unlock()
}

func (s *streamSession) wasStalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

type streamManager struct {
	log       *logger.Logger
	client    UnifiedClient
	snapshots repos.PartialResponseRepo

	flushEvery     time.Duration
	stallThreshold time.Duration
	retention      time.Duration

	mu      sync.Mutex
	streams map[uuid.UUID]*streamSession
}

type StreamManagerOptions struct {
	FlushEvery     time.Duration
	StallThreshold time.Duration
	Retention      time.Duration
}

func NewStreamManager(log *logger.Logger, client UnifiedClient, snapshots repos.PartialResponseRepo, opts StreamManagerOptions) StreamManager {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 75 * time.Millisecond
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &streamManager{
		log:            log.With("service", "StreamManager"),
		client:         client,
		snapshots:      snapshots,
		flushEvery:     opts.FlushEvery,
		stallThreshold: opts.StallThreshold,
		retention:      opts.Retention,
		streams:        make(map[uuid.UUID]*streamSession),
	}
}

func (m *streamManager) IsStreaming(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[sessionID]
	return ok
}

func (m *streamManager) StartStream(ctx context.Context, key StreamKey, req ai.ChatRequest, cb StreamCallbacks) error {
	streamCtx, cancel := context.WithCancel(ctx)

	sess := &streamSession{
		key:       key,
		cancel:    cancel,
		state:     StreamStatePending,
		lastChunk: time.Now(),
	}

	m.mu.Lock()
	if _, exists := m.streams[key.SessionID]; exists {
		m.mu.Unlock()
		cancel()
		return ErrStreamActive
	}
	m.streams[key.SessionID] = sess
	m.mu.Unlock()

	chunks, err := m.client.SendStream(streamCtx, req)
	if err != nil {
		m.remove(key.SessionID)
		cancel()
		return err
	}

	go m.run(streamCtx, sess, chunks, cb)
	return nil
}

func (m *streamManager) remove(sessionID uuid.UUID) {
	m.mu.Lock()
	delete(m.streams, sessionID)
	m.mu.Unlock()
}

func (m *streamManager) run(ctx context.Context, sess *streamSession, chunks <-chan ai.StreamChunk, cb StreamCallbacks) {
	defer m.remove(sess.key.SessionID)
	defer sess.cancel()

	flush := time.NewTicker(m.flushEvery)
	defer flush.Stop()

	stallCheck := m.stallThreshold / 4
	if stallCheck > time.Second {
		stallCheck = time.Second
	}
	if stallCheck < 10*time.Millisecond {
		stallCheck = 10 * time.Millisecond
	}
	stall := time.NewTicker(stallCheck)
	defer stall.Stop()

	flushPending := func() {
		if delta := sess.takePending(); delta != "" && cb.OnChunk != nil {
			cb.OnChunk(delta)
		}
	}

	var usage *ai.Usage
	var streamErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case <-flush.C:
			flushPending()

		case <-stall.C:
			_, _, last := sess.snapshot()
			if time.Since(last) > m.stallThreshold {
				sess.markStalled()
				sess.cancel()
			}

		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				break loop
			}
			if chunk.Delta != "" {
				sess.appendChunk(chunk.Delta)
			}
			if chunk.Done {
				usage = chunk.Usage
				break loop
			}
		}
	}

	// Hand remaining buffered text to the UI before settling the state.
	flushPending()

	_, full, _ := sess.snapshot()

	switch {
	case sess.wasStalled():
		m.settle(sess, StreamStateError, full, "stalled")
		if cb.OnError != nil {
			cb.OnError(&ai.TransportError{
				Stalled: true,
				Err:     fmt.Errorf("no chunk received for %s", m.stallThreshold),
			}, full)
		}

	case ctx.Err() != nil && streamErr == nil:
		m.settle(sess, StreamStateCancelled, full, "cancelled")
		if cb.OnCancelled != nil {
			cb.OnCancelled(full)
		}

	case streamErr != nil:
		m.settle(sess, StreamStateError, full, "error")
		if cb.OnError != nil {
			cb.OnError(streamErr, full)
		}

	default:
		sess.mu.Lock()
		sess.state = StreamStateCompleted
		sess.mu.Unlock()
		// A completed stream needs no recovery snapshot. The stream ctx is
		// typically settled by now, so persistence runs detached.
		if err := m.snapshots.Delete(dbctx.Context{Ctx: context.Background()}, sess.key.MessageID); err != nil {
			m.log.Warn("Failed to clear completed snapshot", "messageID", sess.key.MessageID, "error", err)
		}
		if cb.OnDone != nil {
			cb.OnDone(full, usage)
		}
	}
}

// settle records a terminal non-complete state and persists what was
// accumulated so it can be offered for recovery.
func (m *streamManager) settle(sess *streamSession, state StreamState, full, reason string) {
	sess.mu.Lock()
	sess.state = state
	sess.mu.Unlock()

	row := &types.PartialResponse{
		MessageID: sess.key.MessageID,
		SessionID: sess.key.SessionID,
		ProjectID: sess.key.ProjectID,
		Content:   full,
		Reason:    reason,
	}
	if err := m.snapshots.Upsert(dbctx.Context{Ctx: context.Background()}, row); err != nil {
		m.log.Error("Failed to persist partial response", "messageID", sess.key.MessageID, "error", err)
	}
}

// AbortStreamSession cancels the session's stream if one is active. Safe to
// call repeatedly; aborting an idle session is a no-op.
func (m *streamManager) AbortStreamSession(sessionID uuid.UUID) bool {
	m.mu.Lock()
	sess, ok := m.streams[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.cancel()
	return true
}

func (m *streamManager) AbortAllSessions() {
	m.mu.Lock()
	sessions := make([]*streamSession, 0, len(m.streams))
	for _, s := range m.streams {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
}

func (m *streamManager) ListRecoverable(ctx context.Context, projectID uuid.UUID) ([]*types.PartialResponse, error) {
	cutoff := time.Now().Add(-m.retention)
	if n, err := m.snapshots.DeleteStale(dbctx.Context{Ctx: ctx}, cutoff); err != nil {
		m.log.Warn("Failed to clear stale snapshots", "error", err)
	} else if n > 0 {
		m.log.Debug("Cleared stale partial responses", "count", n)
	}
	return m.snapshots.ListUnresolved(dbctx.Context{Ctx: ctx}, projectID)
}

func (m *streamManager) ResolveSnapshot(ctx context.Context, messageID uuid.UUID) error {
	return m.snapshots.MarkResolved(dbctx.Context{Ctx: ctx}, messageID)
}
