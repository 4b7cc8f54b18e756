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

type PartialResponseRepo interface {
	// Upsert writes the snapshot for a message, replacing any previous one.
	Upsert(dbc dbctx.Context, row *types.PartialResponse) error
	GetByMessageID(dbc dbctx.Context, messageID uuid.UUID) (*types.PartialResponse, error)
	ListUnresolved(dbc dbctx.Context, projectID uuid.UUID) ([]*types.PartialResponse, error)
	MarkResolved(dbc dbctx.Context, messageID uuid.UUID) error
	Delete(dbc dbctx.Context, messageID uuid.UUID) error
	// DeleteStale removes snapshots older than cutoff and returns how many
	// were removed.
	DeleteStale(dbc dbctx.Context, cutoff time.Time) (int64, error)
}

type partialResponseRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPartialResponseRepo(db *gorm.DB, log *logger.Logger) PartialResponseRepo {
	return &partialResponseRepo{db: db, log: log.With("repo", "PartialResponseRepo")}
}

func (r *partialResponseRepo) Upsert(dbc dbctx.Context, row *types.PartialResponse) error {
	if row == nil || row.MessageID == uuid.Nil {
		return fmt.Errorf("missing message id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return txx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

func (r *partialResponseRepo) GetByMessageID(dbc dbctx.Context, messageID uuid.UUID) (*types.PartialResponse, error) {
	if messageID == uuid.Nil {
		return nil, fmt.Errorf("missing message id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.PartialResponse
	err := txx.WithContext(dbc.Ctx).First(&out, "message_id = ?", messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *partialResponseRepo) ListUnresolved(dbc dbctx.Context, projectID uuid.UUID) ([]*types.PartialResponse, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.PartialResponse
	if err := txx.WithContext(dbc.Ctx).
		Where("project_id = ? AND resolved = ?", projectID, false).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *partialResponseRepo) MarkResolved(dbc dbctx.Context, messageID uuid.UUID) error {
	if messageID == uuid.Nil {
		return fmt.Errorf("missing message id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.PartialResponse{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{"resolved": true, "updated_at": time.Now().UTC()}).Error
}

func (r *partialResponseRepo) Delete(dbc dbctx.Context, messageID uuid.UUID) error {
	if messageID == uuid.Nil {
		return fmt.Errorf("missing message id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).Delete(&types.PartialResponse{}, "message_id = ?", messageID).Error
}

func (r *partialResponseRepo) DeleteStale(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("created_at < ?", cutoff).
		Delete(&types.PartialResponse{})
	return res.RowsAffected, res.Error
}
