package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SessionStatusActive   = "active"
	SessionStatusArchived = "archived"
)

const (
	SessionTypeGeneral          = "general"
	SessionTypePlotSetting      = "plot_setting"
	SessionTypeCharacterSetting = "character_setting"
	SessionTypeWritingAssist    = "writing_assist"
	SessionTypeWorldBuilding    = "world_building"
)

// ValidSessionType reports whether t is one of the known session types.
func ValidSessionType(t string) bool {
	switch t {
	case SessionTypeGeneral, SessionTypePlotSetting, SessionTypeCharacterSetting,
		SessionTypeWritingAssist, SessionTypeWorldBuilding:
		return true
	}
	return false
}

// ChatSession is one conversation with the assistant. At most one session is
// "current" (status=active) per project and type; creating a new one archives
// the previous session rather than deleting it.
type ChatSession struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`

	Type   string `gorm:"column:type;not null;default:'general';index" json:"type"`
	Status string `gorm:"column:status;not null;default:'active';index" json:"status"`

	Metadata datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`

	// Concurrency-safe per-session sequencing:
	NextSeq int64 `gorm:"column:next_seq;not null;default:0" json:"next_seq"`

	LastMessageAt time.Time `gorm:"column:last_message_at;index" json:"last_message_at"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatSession) TableName() string { return "chat_session" }
