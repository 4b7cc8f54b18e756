package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	MessageStatusPending   = "pending"
	MessageStatusStreaming = "streaming"
	MessageStatusComplete  = "complete"
	MessageStatusCancelled = "cancelled"
	MessageStatusError     = "error"
)

// ChatMessage is one turn in a session. Immutable once status=complete,
// except for retry-replacement of a failed assistant message.
//
// Invariant: at most one message per session has status=streaming, and it is
// always the message with the highest seq.
type ChatMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_chat_message_session_seq,unique,priority:1" json:"session_id"`

	Seq int64 `gorm:"column:seq;not null;index:idx_chat_message_session_seq,unique,priority:2" json:"seq"`

	Role   string `gorm:"column:role;not null;index" json:"role"`
	Status string `gorm:"column:status;not null;default:'pending';index" json:"status"`

	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`
	Model   string `gorm:"column:model" json:"model,omitempty"`

	TokenCount int    `gorm:"column:token_count;not null;default:0" json:"token_count,omitempty"`
	Error      string `gorm:"column:error;type:text" json:"error,omitempty"`

	// CacheInfo carries provider cache accounting for the turn that produced
	// this message (cache id + expiry for context caching, read/creation token
	// counts for prompt caching).
	CacheInfo datatypes.JSON `gorm:"column:cache_info" json:"cache_info,omitempty"`

	// SuggestedActions records per-block apply results when the assistant
	// response carried structured update blocks.
	SuggestedActions datatypes.JSON `gorm:"column:suggested_actions" json:"suggested_actions,omitempty"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatMessage) TableName() string { return "chat_message" }
