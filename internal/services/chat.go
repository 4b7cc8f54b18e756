package services

import (
	"context"
	"encoding/json"
	"fmt"
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

const historyWindow = 50

// ChatService orchestrates one conversation turn end to end: persist the
// user message and an assistant placeholder, assemble the prompt within
// budget, dispatch the stream, and finalize the assistant message when the
// stream settles. Agent turns additionally parse and apply structured
// updates out of the final text.
type ChatService interface {
	CreateSession(ctx context.Context, projectID uuid.UUID, sessionType string) (*types.ChatSession, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*types.ChatSession, error)
	GetCurrentSession(ctx context.Context, projectID uuid.UUID, sessionType string) (*types.ChatSession, error)
	ListSessions(ctx context.Context, projectID uuid.UUID, limit int) ([]*types.ChatSession, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error)
	ArchiveSession(ctx context.Context, sessionID uuid.UUID) error

	SendMessage(ctx context.Context, projectID, sessionID uuid.UUID, content string) (*types.ChatMessage, error)
	SendAgentMessage(ctx context.Context, projectID, sessionID uuid.UUID, content string) (*types.ChatMessage, error)
	CancelGeneration(sessionID uuid.UUID) bool

	ListRecoverable(ctx context.Context, projectID uuid.UUID) ([]*types.PartialResponse, error)
	ResolveSnapshot(ctx context.Context, messageID uuid.UUID) error
}

type chatService struct {
	log      *logger.Logger
	client   UnifiedClient
	builder  ContextBuilder
	caches   CacheManager
	streams  StreamManager
	parser   *UpdateParser
	applier  *UpdateApplier
	notifier Notifier

	sessions repos.ChatSessionRepo
	messages repos.ChatMessageRepo
}

func NewChatService(
	log *logger.Logger,
	client UnifiedClient,
	builder ContextBuilder,
	caches CacheManager,
	streams StreamManager,
	parser *UpdateParser,
	applier *UpdateApplier,
	notifier Notifier,
	sessions repos.ChatSessionRepo,
	messages repos.ChatMessageRepo,
) ChatService {
	return &chatService{
		log:      log.With("service", "ChatService"),
		client:   client,
		builder:  builder,
		caches:   caches,
		streams:  streams,
		parser:   parser,
		applier:  applier,
		notifier: notifier,
		sessions: sessions,
		messages: messages,
	}
}

// CreateSession archives the current session of the same type, never
// deleting it, then opens a fresh one.
func (s *chatService) CreateSession(ctx context.Context, projectID uuid.UUID, sessionType string) (*types.ChatSession, error) {
	if !chat.ValidSessionType(sessionType) {
		return nil, fmt.Errorf("unknown session type %q", sessionType)
	}
	dbc := dbctx.Context{Ctx: ctx}

	current, err := s.sessions.GetCurrent(dbc, projectID, sessionType)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if err := s.sessions.UpdateFields(dbc, current.ID, map[string]interface{}{
			"status": chat.SessionStatusArchived,
		}); err != nil {
			return nil, err
		}
	}

	rows, err := s.sessions.Create(dbc, []*types.ChatSession{{
		ProjectID: projectID,
		Type:      sessionType,
		Status:    chat.SessionStatusActive,
	}})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (s *chatService) GetSession(ctx context.Context, sessionID uuid.UUID) (*types.ChatSession, error) {
	return s.sessions.GetByID(dbctx.Context{Ctx: ctx}, sessionID)
}

func (s *chatService) GetCurrentSession(ctx context.Context, projectID uuid.UUID, sessionType string) (*types.ChatSession, error) {
	return s.sessions.GetCurrent(dbctx.Context{Ctx: ctx}, projectID, sessionType)
}

func (s *chatService) ListSessions(ctx context.Context, projectID uuid.UUID, limit int) ([]*types.ChatSession, error) {
	return s.sessions.ListByProject(dbctx.Context{Ctx: ctx}, projectID, limit)
}

func (s *chatService) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*types.ChatMessage, error) {
	return s.messages.ListBySession(dbctx.Context{Ctx: ctx}, sessionID, limit)
}

func (s *chatService) ArchiveSession(ctx context.Context, sessionID uuid.UUID) error {
	s.streams.AbortStreamSession(sessionID)
	return s.sessions.UpdateFields(dbctx.Context{Ctx: ctx}, sessionID, map[string]interface{}{
		"status": chat.SessionStatusArchived,
	})
}

func (s *chatService) SendMessage(ctx context.Context, projectID, sessionID uuid.UUID, content string) (*types.ChatMessage, error) {
	return s.send(ctx, projectID, sessionID, content, false)
}

func (s *chatService) SendAgentMessage(ctx context.Context, projectID, sessionID uuid.UUID, content string) (*types.ChatMessage, error) {
	return s.send(ctx, projectID, sessionID, content, true)
}

func (s *chatService) CancelGeneration(sessionID uuid.UUID) bool {
	return s.streams.AbortStreamSession(sessionID)
}

func (s *chatService) ListRecoverable(ctx context.Context, projectID uuid.UUID) ([]*types.PartialResponse, error) {
	return s.streams.ListRecoverable(ctx, projectID)
}

func (s *chatService) ResolveSnapshot(ctx context.Context, messageID uuid.UUID) error {
	return s.streams.ResolveSnapshot(ctx, messageID)
}

func (s *chatService) send(ctx context.Context, projectID, sessionID uuid.UUID, content string, agent bool) (*types.ChatMessage, error) {
	dbc := dbctx.Context{Ctx: ctx}

	session, err := s.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ProjectID != projectID {
		return nil, fmt.Errorf("session %s does not belong to project %s", sessionID, projectID)
	}
	if session.Status != chat.SessionStatusActive {
		return nil, fmt.Errorf("session %s is archived", sessionID)
	}
	if s.streams.IsStreaming(sessionID) {
		return nil, ErrStreamActive
	}

	cfg := s.client.Config()
	provider, ok := ProviderForModel(cfg.Model)
	if !ok {
		return nil, &ai.ConfigurationError{Model: cfg.Model, Reason: "model not in routing table"}
	}
	if !s.client.HasKey(provider) {
		return nil, &ai.MissingCredentialError{Provider: provider}
	}

	userMsg, err := s.prepareUserMessage(dbc, session, content)
	if err != nil {
		return nil, err
	}

	pc, err := s.builder.BuildProjectContext(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var system string
	if agent {
		system = s.builder.FormatAgentSystemPrompt(pc, session)
	} else {
		system = s.builder.FormatContextAsSystemPrompt(pc, session.Type)
	}

	history, err := s.assembleHistory(dbc, sessionID, userMsg, system)
	if err != nil {
		return nil, err
	}

	req := ai.ChatRequest{
		Model:       cfg.Model,
		System:      system,
		Messages:    history,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	switch provider {
	case ai.ProviderClaude:
		req.PromptCache = true
	case ai.ProviderGemini:
		cacheID, cErr := s.caches.ResolveCacheID(ctx, pc, cfg.Model)
		if cErr != nil {
			return nil, cErr
		}
		if cacheID != "" {
			req.CacheID = cacheID
			// The cached content replaces the context half of the system
			// prompt; the instruction half rides along as a leading user
			// turn since a cached request carries no systemInstruction.
			instr := s.instructionPreamble(pc, session, agent)
			req.Messages = append([]ai.Message{{Role: chat.RoleUser, Content: instr}}, req.Messages...)
			req.System = ""
		}
	}

	assistantMsg, err := s.createAssistantPlaceholder(dbc, session)
	if err != nil {
		return nil, err
	}

	key := StreamKey{SessionID: sessionID, MessageID: assistantMsg.ID, ProjectID: projectID}
	cb := s.callbacks(key, cfg.Model, agent)

	// The stream must outlive the HTTP request that started it.
	if err := s.streams.StartStream(context.Background(), key, req, cb); err != nil {
		s.failPlaceholder(assistantMsg.ID, err)
		return nil, err
	}

	return assistantMsg, nil
}

// prepareUserMessage persists the new user turn, replacing a failed or
// cancelled tail instead of duplicating it on retry.
func (s *chatService) prepareUserMessage(dbc dbctx.Context, session *types.ChatSession, content string) (*types.ChatMessage, error) {
	last, err := s.messages.Last(dbc, session.ID)
	if err != nil {
		return nil, err
	}

	if last != nil && last.Role == chat.RoleAssistant &&
		(last.Status == chat.MessageStatusError || last.Status == chat.MessageStatusCancelled) {
		if err := s.messages.Delete(dbc, last.ID); err != nil {
			return nil, err
		}
		prev, err := s.messages.Last(dbc, session.ID)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.Role == chat.RoleUser && prev.Content == content {
			return prev, nil
		}
	}

	seq, err := s.sessions.BumpSeq(dbc, session.ID)
	if err != nil {
		return nil, err
	}
	rows, err := s.messages.Create(dbc, []*types.ChatMessage{{
		SessionID: session.ID,
		Seq:       seq,
		Role:      chat.RoleUser,
		Status:    chat.MessageStatusComplete,
		Content:   content,
	}})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (s *chatService) createAssistantPlaceholder(dbc dbctx.Context, session *types.ChatSession) (*types.ChatMessage, error) {
	seq, err := s.sessions.BumpSeq(dbc, session.ID)
	if err != nil {
		return nil, err
	}
	rows, err := s.messages.Create(dbc, []*types.ChatMessage{{
		SessionID: session.ID,
		Seq:       seq,
		Role:      chat.RoleAssistant,
		Status:    chat.MessageStatusStreaming,
	}})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// assembleHistory converts the session's completed turns plus the current
// user turn into provider messages, trimmed oldest-first to the budget left
// after the system prompt and reply reserve.
func (s *chatService) assembleHistory(dbc dbctx.Context, sessionID uuid.UUID, userMsg *types.ChatMessage, system string) ([]ai.Message, error) {
	stored, err := s.messages.ListBySession(dbc, sessionID, historyWindow)
	if err != nil {
		return nil, err
	}

	history := make([]ai.Message, 0, len(stored)+1)
	for _, m := range stored {
		if m.ID == userMsg.ID || m.Status != chat.MessageStatusComplete || m.Content == "" {
			continue
		}
		history = append(history, ai.Message{Role: m.Role, Content: m.Content})
	}
	history = append(history, ai.Message{Role: chat.RoleUser, Content: userMsg.Content})

	budget := s.builder.Budget()
	turnBudget := budget.History - EstimateTokens(system) - budget.ReplyReserve
	if turnBudget < 1 {
		turnBudget = 1
	}
	return s.builder.OptimizeHistoryForTokenBudget(history, turnBudget)
}

// instructionPreamble is the context-free half of the system prompt, used
// when the project context itself lives in a provider-side cache.
func (s *chatService) instructionPreamble(pc *ProjectContext, session *types.ChatSession, agent bool) string {
	bare := &ProjectContext{ProjectID: pc.ProjectID, Title: pc.Title}
	if agent {
		return s.builder.FormatAgentSystemPrompt(bare, session)
	}
	return s.builder.FormatContextAsSystemPrompt(bare, session.Type)
}

func (s *chatService) callbacks(key StreamKey, model string, agent bool) StreamCallbacks {
	return StreamCallbacks{
		OnChunk: func(delta string) {
			s.notifier.ChatEvent(context.Background(), key.ProjectID, sse.EventChatChunk, map[string]any{
				"session_id": key.SessionID,
				"message_id": key.MessageID,
				"delta":      delta,
			})
		},
		OnDone: func(full string, usage *ai.Usage) {
			s.finalize(key, model, agent, full, usage)
		},
		OnCancelled: func(partial string) {
			s.settleShort(key, chat.MessageStatusCancelled, partial, "", sse.EventChatCancelled)
		},
		OnError: func(err error, partial string) {
			s.settleShort(key, chat.MessageStatusError, partial, err.Error(), sse.EventChatError)
		},
	}
}

// finalize runs after a completed stream: parse and apply updates in agent
// mode, persist the final message fields, and broadcast completion.
func (s *chatService) finalize(key StreamKey, model string, agent bool, full string, usage *ai.Usage) {
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	displayText := full
	var results []UpdateResult
	if agent {
		parsed := s.parser.Parse(full)
		displayText = parsed.DisplayText
		if len(parsed.Updates) > 0 {
			results = s.applier.ApplyUpdates(ctx, key.ProjectID, parsed.Updates)
			s.log.Info("Applied structured updates",
				"messageID", key.MessageID, "summary", SummarizeResults(results))
		}
	}

	updates := map[string]interface{}{
		"status":  chat.MessageStatusComplete,
		"content": displayText,
		"model":   model,
	}
	if usage != nil {
		updates["token_count"] = usage.OutputTokens
		if info, err := json.Marshal(usage); err == nil {
			updates["cache_info"] = info
		}
	}
	if len(results) > 0 {
		if actions, err := json.Marshal(results); err == nil {
			updates["suggested_actions"] = actions
		}
	}
	if err := s.messages.UpdateFields(dbc, key.MessageID, updates); err != nil {
		s.log.Error("Failed to finalize assistant message", "messageID", key.MessageID, "error", err)
	}
	s.touchSession(dbc, key.SessionID)

	payload := map[string]any{
		"session_id": key.SessionID,
		"message_id": key.MessageID,
		"content":    displayText,
	}
	if usage != nil {
		payload["usage"] = usage
		if cost, ok := s.client.CalculateCost(*usage, model); ok {
			payload["cost"] = cost
		}
	}
	if results != nil {
		payload["update_results"] = results
		payload["update_summary"] = SummarizeResults(results)
	}
	s.notifier.ChatEvent(ctx, key.ProjectID, sse.EventChatDone, payload)
}

// settleShort persists a cancelled or errored assistant message, keeping
// whatever text was streamed before the interruption.
func (s *chatService) settleShort(key StreamKey, status, partial, errText string, event sse.Event) {
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	updates := map[string]interface{}{
		"status":  status,
		"content": partial,
	}
	if errText != "" {
		updates["error"] = errText
	}
	if err := s.messages.UpdateFields(dbc, key.MessageID, updates); err != nil {
		s.log.Error("Failed to settle assistant message", "messageID", key.MessageID, "error", err)
	}
	s.touchSession(dbc, key.SessionID)

	s.notifier.ChatEvent(ctx, key.ProjectID, event, map[string]any{
		"session_id": key.SessionID,
		"message_id": key.MessageID,
		"content":    partial,
		"error":      errText,
	})
}

func (s *chatService) failPlaceholder(messageID uuid.UUID, cause error) {
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := s.messages.UpdateFields(dbc, messageID, map[string]interface{}{
		"status": chat.MessageStatusError,
		"error":  cause.Error(),
	}); err != nil {
		s.log.Error("Failed to mark placeholder errored", "messageID", messageID, "error", err)
	}
}

func (s *chatService) touchSession(dbc dbctx.Context, sessionID uuid.UUID) {
	if err := s.sessions.UpdateFields(dbc, sessionID, map[string]interface{}{
		"last_message_at": time.Now().UTC(),
	}); err != nil {
		s.log.Warn("Failed to touch session", "sessionID", sessionID, "error", err)
	}
}
