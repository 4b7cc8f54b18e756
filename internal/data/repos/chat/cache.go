package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

type ContextCacheRepo interface {
	// Upsert replaces the cache metadata row for (project, provider).
	Upsert(dbc dbctx.Context, row *types.ContextCache) error
	Get(dbc dbctx.Context, projectID uuid.UUID, provider string) (*types.ContextCache, error)
	Delete(dbc dbctx.Context, projectID uuid.UUID, provider string) error
}

type contextCacheRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContextCacheRepo(db *gorm.DB, log *logger.Logger) ContextCacheRepo {
	return &contextCacheRepo{db: db, log: log.With("repo", "ContextCacheRepo")}
}

func (r *contextCacheRepo) Upsert(dbc dbctx.Context, row *types.ContextCache) error {
	if row == nil || row.ProjectID == uuid.Nil || row.Provider == "" {
		return fmt.Errorf("missing project id or provider")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now().UTC()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return txx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "provider"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

func (r *contextCacheRepo) Get(dbc dbctx.Context, projectID uuid.UUID, provider string) (*types.ContextCache, error) {
	if projectID == uuid.Nil || provider == "" {
		return nil, fmt.Errorf("missing project id or provider")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ContextCache
	err := txx.WithContext(dbc.Ctx).
		First(&out, "project_id = ? AND provider = ?", projectID, provider).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *contextCacheRepo) Delete(dbc dbctx.Context, projectID uuid.UUID, provider string) error {
	if projectID == uuid.Nil || provider == "" {
		return fmt.Errorf("missing project id or provider")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Delete(&types.ContextCache{}, "project_id = ? AND provider = ?", projectID, provider).Error
}
