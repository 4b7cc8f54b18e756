package story

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/storyforge/storyforge-backend/internal/domain"
	storydomain "github.com/storyforge/storyforge-backend/internal/domain/story"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

type ForeshadowingRepo interface {
	Create(dbc dbctx.Context, rows []*types.Foreshadowing) ([]*types.Foreshadowing, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Foreshadowing, error)
	// FindPlanted matches an unresolved thread by content substring
	// (case-insensitive); returns nil when nothing matches.
	FindPlanted(dbc dbctx.Context, projectID uuid.UUID, content string) (*types.Foreshadowing, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Foreshadowing, error)
	MarkResolved(dbc dbctx.Context, id uuid.UUID, resolvedIn string) error
}

type foreshadowingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewForeshadowingRepo(db *gorm.DB, log *logger.Logger) ForeshadowingRepo {
	return &foreshadowingRepo{db: db, log: log.With("repo", "ForeshadowingRepo")}
}

func (r *foreshadowingRepo) Create(dbc dbctx.Context, rows []*types.Foreshadowing) ([]*types.Foreshadowing, error) {
	if len(rows) == 0 {
		return []*types.Foreshadowing{}, nil
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
		if row.Status == "" {
			row.Status = storydomain.ForeshadowingPlanted
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *foreshadowingRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Foreshadowing, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing foreshadowing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Foreshadowing
	if err := txx.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *foreshadowingRepo) FindPlanted(dbc dbctx.Context, projectID uuid.UUID, content string) (*types.Foreshadowing, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Foreshadowing
	err := txx.WithContext(dbc.Ctx).
		Where("project_id = ? AND status = ? AND LOWER(content) LIKE LOWER(?)",
			projectID, storydomain.ForeshadowingPlanted, "%"+content+"%").
		Order("created_at ASC").
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *foreshadowingRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Foreshadowing, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Foreshadowing
	if err := txx.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *foreshadowingRepo) MarkResolved(dbc dbctx.Context, id uuid.UUID, resolvedIn string) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing foreshadowing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now().UTC()
	return txx.WithContext(dbc.Ctx).
		Model(&types.Foreshadowing{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      storydomain.ForeshadowingResolved,
			"resolved_in": resolvedIn,
			"resolved_at": now,
			"updated_at":  now,
		}).Error
}
