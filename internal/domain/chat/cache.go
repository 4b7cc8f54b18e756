package chat

import (
	"time"

	"github.com/google/uuid"
)

// ContextCache is the persisted metadata for a provider-side context cache.
// One row per project and provider; the cache itself lives server-side at the
// provider and is addressed by CacheID. Fingerprint is a SHA-256 of the
// serialized project context the cache was built from.
type ContextCache struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index:idx_context_cache_project_provider,unique,priority:1" json:"project_id"`
	Provider  string    `gorm:"column:provider;not null;index:idx_context_cache_project_provider,unique,priority:2" json:"provider"`

	CacheID     string `gorm:"column:cache_id;not null" json:"cache_id"`
	Fingerprint string `gorm:"column:fingerprint;not null;index" json:"fingerprint"`
	Model       string `gorm:"column:model;not null" json:"model"`

	TokenCount int `gorm:"column:token_count;not null;default:0" json:"token_count"`

	ExpiresAt time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ContextCache) TableName() string { return "context_cache" }
