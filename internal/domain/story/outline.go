package story

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChapterOutline struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`

	Title    string `gorm:"column:title;not null" json:"title"`
	Summary  string `gorm:"column:summary;type:text;not null;default:''" json:"summary"`
	Position int    `gorm:"column:position;not null;default:0;index" json:"position"`

	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChapterOutline) TableName() string { return "story_chapter_outline" }
