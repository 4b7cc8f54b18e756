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

type CharacterRepo interface {
	Create(dbc dbctx.Context, rows []*types.Character) ([]*types.Character, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Character, error)
	// GetByName matches case-insensitively within a project; returns nil when
	// absent.
	GetByName(dbc dbctx.Context, projectID uuid.UUID, name string) (*types.Character, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Character, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type characterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCharacterRepo(db *gorm.DB, log *logger.Logger) CharacterRepo {
	return &characterRepo{db: db, log: log.With("repo", "CharacterRepo")}
}

func (r *characterRepo) Create(dbc dbctx.Context, rows []*types.Character) ([]*types.Character, error) {
	if len(rows) == 0 {
		return []*types.Character{}, nil
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

func (r *characterRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Character, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing character id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Character
	if err := txx.WithContext(dbc.Ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *characterRepo) GetByName(dbc dbctx.Context, projectID uuid.UUID, name string) (*types.Character, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Character
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

func (r *characterRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Character, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Character
	if err := txx.WithContext(dbc.Ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *characterRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing character id")
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
		Model(&types.Character{}).
		Where("id = ?", id).
		Updates(updates).Error
}
