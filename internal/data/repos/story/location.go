package story

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

type LocationRepo interface {
	Create(dbc dbctx.Context, rows []*types.Location) ([]*types.Location, error)
	GetByName(dbc dbctx.Context, projectID uuid.UUID, name string) (*types.Location, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Location, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type locationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLocationRepo(db *gorm.DB, log *logger.Logger) LocationRepo {
	return &locationRepo{db: db, log: log.With("repo", "LocationRepo")}
}

func (r *locationRepo) Create(dbc dbctx.Context, rows []*types.Location) ([]*types.Location, error) {
	if len(rows) == 0 {
		return []*types.Location{}, nil
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

func (r *locationRepo) GetByName(dbc dbctx.Context, projectID uuid.UUID, name string) (*types.Location, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Location
	err := txx.WithContext(dbc.Ctx).
		Where("project_id = ? AND LOWER(name) = LOWER(?)", projectID, name).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *locationRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Location, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Location
	if err := txx.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *locationRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing location id")
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
		Model(&types.Location{}).
		Where("id = ?", id).
		Updates(updates).Error
}
