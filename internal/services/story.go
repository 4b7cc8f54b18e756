package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-backend/internal/data/repos"
	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

// StoryService is the minimal read/write surface over the project's world
// data. The full editor lives elsewhere; this covers what the context
// builder reads and the applier writes, plus enough CRUD to seed a project.
type StoryService interface {
	CreateProject(ctx context.Context, title, synopsis string) (*types.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error)
	UpdateSynopsis(ctx context.Context, id uuid.UUID, synopsis string) error

	CreateCharacter(ctx context.Context, row *types.Character) (*types.Character, error)
	ListCharacters(ctx context.Context, projectID uuid.UUID) ([]*types.Character, error)

	CreateLocation(ctx context.Context, row *types.Location) (*types.Location, error)
	ListLocations(ctx context.Context, projectID uuid.UUID) ([]*types.Location, error)

	CreateScene(ctx context.Context, row *types.Scene) (*types.Scene, error)
	ListRecentScenes(ctx context.Context, projectID uuid.UUID, limit int) ([]*types.Scene, error)

	ListOutlines(ctx context.Context, projectID uuid.UUID) ([]*types.ChapterOutline, error)
	ListForeshadowing(ctx context.Context, projectID uuid.UUID) ([]*types.Foreshadowing, error)
}

type storyService struct {
	log           *logger.Logger
	projects      repos.ProjectRepo
	characters    repos.CharacterRepo
	locations     repos.LocationRepo
	scenes        repos.SceneRepo
	outlines      repos.ChapterOutlineRepo
	foreshadowing repos.ForeshadowingRepo
}

func NewStoryService(
	log *logger.Logger,
	projects repos.ProjectRepo,
	characters repos.CharacterRepo,
	locations repos.LocationRepo,
	scenes repos.SceneRepo,
	outlines repos.ChapterOutlineRepo,
	foreshadowing repos.ForeshadowingRepo,
) StoryService {
	return &storyService{
		log:           log.With("service", "StoryService"),
		projects:      projects,
		characters:    characters,
		locations:     locations,
		scenes:        scenes,
		outlines:      outlines,
		foreshadowing: foreshadowing,
	}
}

func (s *storyService) CreateProject(ctx context.Context, title, synopsis string) (*types.Project, error) {
	rows, err := s.projects.Create(dbctx.Context{Ctx: ctx}, []*types.Project{{
		Title:    title,
		Synopsis: synopsis,
	}})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (s *storyService) GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error) {
	return s.projects.GetByID(dbctx.Context{Ctx: ctx}, id)
}

func (s *storyService) UpdateSynopsis(ctx context.Context, id uuid.UUID, synopsis string) error {
	return s.projects.UpdateSynopsis(dbctx.Context{Ctx: ctx}, id, synopsis)
}

func (s *storyService) CreateCharacter(ctx context.Context, row *types.Character) (*types.Character, error) {
	rows, err := s.characters.Create(dbctx.Context{Ctx: ctx}, []*types.Character{row})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (s *storyService) ListCharacters(ctx context.Context, projectID uuid.UUID) ([]*types.Character, error) {
	return s.characters.ListByProject(dbctx.Context{Ctx: ctx}, projectID)
}

func (s *storyService) CreateLocation(ctx context.Context, row *types.Location) (*types.Location, error) {
	rows, err := s.locations.Create(dbctx.Context{Ctx: ctx}, []*types.Location{row})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (s *storyService) ListLocations(ctx context.Context, projectID uuid.UUID) ([]*types.Location, error) {
	return s.locations.ListByProject(dbctx.Context{Ctx: ctx}, projectID)
}

func (s *storyService) CreateScene(ctx context.Context, row *types.Scene) (*types.Scene, error) {
	rows, err := s.scenes.Create(dbctx.Context{Ctx: ctx}, []*types.Scene{row})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

func (s *storyService) ListRecentScenes(ctx context.Context, projectID uuid.UUID, limit int) ([]*types.Scene, error) {
	return s.scenes.ListRecentEdited(dbctx.Context{Ctx: ctx}, projectID, limit)
}

func (s *storyService) ListOutlines(ctx context.Context, projectID uuid.UUID) ([]*types.ChapterOutline, error) {
	return s.outlines.ListByProject(dbctx.Context{Ctx: ctx}, projectID)
}

func (s *storyService) ListForeshadowing(ctx context.Context, projectID uuid.UUID) ([]*types.Foreshadowing, error) {
	return s.foreshadowing.ListByProject(dbctx.Context{Ctx: ctx}, projectID)
}
