package chat

import (
	"time"

	"github.com/google/uuid"
)

// PartialResponse is the persisted snapshot of an interrupted stream, keyed
// by the assistant message it was filling. It survives a tab reload so the
// accumulated text can be offered for recovery on the next session open.
// Rows older than the retention window are cleared instead of offered.
type PartialResponse struct {
	MessageID uuid.UUID `gorm:"type:uuid;primaryKey" json:"message_id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`

	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`

	// Reason records why the stream ended short: cancelled, stalled, error.
	Reason string `gorm:"column:reason;not null;default:''" json:"reason"`

	Resolved bool `gorm:"column:resolved;not null;default:false;index" json:"resolved"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (PartialResponse) TableName() string { return "chat_partial_response" }
