package story

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Scene is a leaf of the volume→chapter→scene document tree. The editor owns
// these rows; the orchestration core reads the most-recently-edited window
// for prompt context.
type Scene struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`

	ChapterTitle string `gorm:"column:chapter_title;not null;default:''" json:"chapter_title"`
	Title        string `gorm:"column:title;not null;default:''" json:"title"`
	Content      string `gorm:"column:content;type:text;not null;default:''" json:"content"`
	WordCount    int    `gorm:"column:word_count;not null;default:0" json:"word_count"`

	EditedAt time.Time `gorm:"column:edited_at;not null;index" json:"edited_at"`

	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Scene) TableName() string { return "story_scene" }
