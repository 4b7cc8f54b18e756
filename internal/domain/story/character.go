package story

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleProtagonist = "protagonist"
	RoleAntagonist  = "antagonist"
	RoleSupporting  = "supporting"
	RoleMinor       = "minor"
)

// RolePriority orders character roles for prompt inclusion: protagonists and
// antagonists are injected before supporting and minor cast when the
// character budget runs short.
func RolePriority(role string) int {
	switch role {
	case RoleProtagonist:
		return 0
	case RoleAntagonist:
		return 1
	case RoleSupporting:
		return 2
	default:
		return 3
	}
}

type Character struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`

	Name        string `gorm:"column:name;not null" json:"name"`
	Role        string `gorm:"column:role;not null;default:'supporting';index" json:"role"`
	Description string `gorm:"column:description;type:text;not null;default:''" json:"description"`
	Personality string `gorm:"column:personality;type:text;not null;default:''" json:"personality"`
	Background  string `gorm:"column:background;type:text;not null;default:''" json:"background"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Character) TableName() string { return "story_character" }
