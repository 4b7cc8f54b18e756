package repos

import (
	"gorm.io/gorm"

	"github.com/storyforge/storyforge-backend/internal/data/repos/chat"
	"github.com/storyforge/storyforge-backend/internal/data/repos/story"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

type ChatSessionRepo = chat.ChatSessionRepo
type ChatMessageRepo = chat.ChatMessageRepo
type PartialResponseRepo = chat.PartialResponseRepo
type ContextCacheRepo = chat.ContextCacheRepo

type ProjectRepo = story.ProjectRepo
type CharacterRepo = story.CharacterRepo
type LocationRepo = story.LocationRepo
type SceneRepo = story.SceneRepo
type ChapterOutlineRepo = story.ChapterOutlineRepo
type ForeshadowingRepo = story.ForeshadowingRepo

func NewChatSessionRepo(db *gorm.DB, baseLog *logger.Logger) ChatSessionRepo {
	return chat.NewChatSessionRepo(db, baseLog)
}
func NewChatMessageRepo(db *gorm.DB, baseLog *logger.Logger) ChatMessageRepo {
	return chat.NewChatMessageRepo(db, baseLog)
}
func NewPartialResponseRepo(db *gorm.DB, baseLog *logger.Logger) PartialResponseRepo {
	return chat.NewPartialResponseRepo(db, baseLog)
}
func NewContextCacheRepo(db *gorm.DB, baseLog *logger.Logger) ContextCacheRepo {
	return chat.NewContextCacheRepo(db, baseLog)
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return story.NewProjectRepo(db, baseLog)
}
func NewCharacterRepo(db *gorm.DB, baseLog *logger.Logger) CharacterRepo {
	return story.NewCharacterRepo(db, baseLog)
}
func NewLocationRepo(db *gorm.DB, baseLog *logger.Logger) LocationRepo {
	return story.NewLocationRepo(db, baseLog)
}
func NewSceneRepo(db *gorm.DB, baseLog *logger.Logger) SceneRepo {
	return story.NewSceneRepo(db, baseLog)
}
func NewChapterOutlineRepo(db *gorm.DB, baseLog *logger.Logger) ChapterOutlineRepo {
	return story.NewChapterOutlineRepo(db, baseLog)
}
func NewForeshadowingRepo(db *gorm.DB, baseLog *logger.Logger) ForeshadowingRepo {
	return story.NewForeshadowingRepo(db, baseLog)
}
