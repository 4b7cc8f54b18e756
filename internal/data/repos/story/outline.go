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

type ChapterOutlineRepo interface {
	Create(dbc dbctx.Context, rows []*types.ChapterOutline) ([]*types.ChapterOutline, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ChapterOutline, error)
	MaxPosition(dbc dbctx.Context, projectID uuid.UUID) (int, error)
}

type chapterOutlineRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChapterOutlineRepo(db *gorm.DB, log *logger.Logger) ChapterOutlineRepo {
	return &chapterOutlineRepo{db: db, log: log.With("repo", "ChapterOutlineRepo")}
}

func (r *chapterOutlineRepo) Create(dbc dbctx.Context, rows []*types.ChapterOutline) ([]*types.ChapterOutline, error) {
	if len(rows) == 0 {
		return []*types.ChapterOutline{}, nil
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
		row.UpdatedAt = now
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chapterOutlineRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.ChapterOutline, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.ChapterOutline
	if err := txx.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("position ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chapterOutlineRepo) MaxPosition(dbc dbctx.Context, projectID uuid.UUID) (int, error) {
	if projectID == uuid.Nil {
		return 0, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var max int
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.ChapterOutline{}).
		Select("COALESCE(MAX(position), 0)").
		Where("project_id = ?", projectID).
		Scan(&max).Error; err != nil {
		return 0, err
	}
	return max, nil
}
