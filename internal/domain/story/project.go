package story

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Project is one work-in-progress. The document tree (volume/chapter/scene)
// and world-building cards hang off of it; the orchestration core only reads
// the fields it injects into prompts and writes the ones structured updates
// target.
type Project struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	Title    string `gorm:"column:title;not null;default:''" json:"title"`
	Synopsis string `gorm:"column:synopsis;type:text;not null;default:''" json:"synopsis"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Project) TableName() string { return "story_project" }
