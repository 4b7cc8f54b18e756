package domain

import (
	"github.com/storyforge/storyforge-backend/internal/domain/chat"
	"github.com/storyforge/storyforge-backend/internal/domain/story"
)

// Re-exports so callers can import one types package, mirroring the
// per-aggregate subpackages.

type ChatSession = chat.ChatSession
type ChatMessage = chat.ChatMessage
type PartialResponse = chat.PartialResponse
type ContextCache = chat.ContextCache

type Project = story.Project
type Character = story.Character
type Location = story.Location
type Scene = story.Scene
type ChapterOutline = story.ChapterOutline
type Foreshadowing = story.Foreshadowing

// AllModels is the automigrate set.
func AllModels() []any {
	return []any{
		&story.Project{},
		&story.Character{},
		&story.Location{},
		&story.Scene{},
		&story.ChapterOutline{},
		&story.Foreshadowing{},
		&chat.ChatSession{},
		&chat.ChatMessage{},
		&chat.PartialResponse{},
		&chat.ContextCache{},
	}
}
