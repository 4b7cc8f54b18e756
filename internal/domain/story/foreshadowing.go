package story

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ForeshadowingPlanted  = "planted"
	ForeshadowingResolved = "resolved"
)

type Foreshadowing struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`

	Content string `gorm:"column:content;type:text;not null" json:"content"`
	Status  string `gorm:"column:status;not null;default:'planted';index" json:"status"`

	PlantedIn  string `gorm:"column:planted_in;not null;default:''" json:"planted_in"`
	ResolvedIn string `gorm:"column:resolved_in;not null;default:''" json:"resolved_in"`

	ResolvedAt *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Foreshadowing) TableName() string { return "story_foreshadowing" }
