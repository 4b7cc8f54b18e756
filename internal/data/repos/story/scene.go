package story

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

type SceneRepo interface {
	Create(dbc dbctx.Context, rows []*types.Scene) ([]*types.Scene, error)
	// ListRecentEdited returns up to limit scenes ordered by most recent edit
	// first.
	ListRecentEdited(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.Scene, error)
}

type sceneRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSceneRepo(db *gorm.DB, log *logger.Logger) SceneRepo {
	return &sceneRepo{db: db, log: log.With("repo", "SceneRepo")}
}

func (r *sceneRepo) Create(dbc dbctx.Context, rows []*types.Scene) ([]*types.Scene, error) {
	if len(rows) == 0 {
		return []*types.Scene{}, nil
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
		if row.EditedAt.IsZero() {
			row.EditedAt = now
		}
		row.UpdatedAt = now
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *sceneRepo) ListRecentEdited(dbc dbctx.Context, projectID uuid.UUID, limit int) ([]*types.Scene, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	if limit <= 0 || limit > 20 {
		limit = 3
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Scene
	if err := txx.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("edited_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
