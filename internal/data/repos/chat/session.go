package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/storyforge/storyforge-backend/internal/domain"
	chatdomain "github.com/storyforge/storyforge-backend/internal/domain/chat"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

type ChatSessionRepo interface {
	Create(dbc dbctx.Context, rows []*types.ChatSession) ([]*types.ChatSession, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatSession, error)
	// GetCurrent returns the active session for a project and session type,
	// or nil when none exists.
	GetCurrent(dbc dbctx.Context, projectID uuid.UUID, sessionType string) (*types.ChatSession, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.ChatSession, error)
	// BumpSeq atomically increments the session's message counter and returns
	// the new value.
	BumpSeq(dbc dbctx.Context, id uuid.UUID) (int64, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type chatSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatSessionRepo(db *gorm.DB, log *logger.Logger) ChatSessionRepo {
	return &chatSessionRepo{db: db, log: log.With("repo", "ChatSessionRepo")}
}

func (r *chatSessionRepo) Create(dbc dbctx.Context, rows []*types.ChatSession) ([]*types.ChatSession, error) {
	if len(rows) == 0 {
		return []*types.ChatSession{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now().UTC()
	for _, row := range rows {
		if row == nil {
			continue
		}
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		if row.LastMessageAt.IsZero() {
			row.LastMessageAt = now
		}
		row.UpdatedAt = now
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chatSessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatSession, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing session id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ChatSession
	if err := txx.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *chatSessionRepo) GetCurrent(dbc dbctx.Context, projectID uuid.UUID, sessionType string) (*types.ChatSession, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ChatSession
	err := txx.WithContext(dbc.Ctx).
		Where("project_id = ? AND type = ? AND status = ?", projectID, sessionType, chatdomain.SessionStatusActive).
		Order("created_at DESC").
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *chatSessionRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.ChatSession, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.ChatSession
	if err := txx.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("last_message_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatSessionRepo) BumpSeq(dbc dbctx.Context, id uuid.UUID) (int64, error) {
	if id == uuid.Nil {
		return 0, fmt.Errorf("missing session id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Model(&types.ChatSession{}).
		Where("id = ?", id).
		UpdateColumn("next_seq", gorm.Expr("next_seq + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	var seq int64
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.ChatSession{}).
		Select("next_seq").
		Where("id = ?", id).
		Scan(&seq).Error; err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *chatSessionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing session id")
	}
	if len(updates) == 0 {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	updates["updated_at"] = time.Now().UTC()
	return txx.WithContext(dbc.Ctx).
		Model(&types.ChatSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}
