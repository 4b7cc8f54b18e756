package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-backend/internal/data/repos"
	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/domain/story"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

// ApplyError wraps a domain mutation failure for one update block.
type ApplyError struct {
	UpdateType string
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.UpdateType, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// UpdateResult is the per-block outcome reported back to the UI.
type UpdateResult struct {
	Success   bool      `json:"success"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedID uuid.UUID `json:"created_id,omitempty"`
}

type UpdateApplier struct {
	log           *logger.Logger
	notifier      Notifier
	projects      repos.ProjectRepo
	characters    repos.CharacterRepo
	locations     repos.LocationRepo
	outlines      repos.ChapterOutlineRepo
	foreshadowing repos.ForeshadowingRepo
}

func NewUpdateApplier(
	log *logger.Logger,
	notifier Notifier,
	projects repos.ProjectRepo,
	characters repos.CharacterRepo,
	locations repos.LocationRepo,
	outlines repos.ChapterOutlineRepo,
	foreshadowing repos.ForeshadowingRepo,
) *UpdateApplier {
	return &UpdateApplier{
		log:           log.With("service", "UpdateApplier"),
		notifier:      notifier,
		projects:      projects,
		characters:    characters,
		locations:     locations,
		outlines:      outlines,
		foreshadowing: foreshadowing,
	}
}

// ApplyUpdates runs each validated update against the domain stores, in
// order, each in isolation: a failed block never blocks its siblings. One
// result per update.
func (a *UpdateApplier) ApplyUpdates(ctx context.Context, projectID uuid.UUID, updates []StoryUpdate) []UpdateResult {
	results := make([]UpdateResult, 0, len(updates))
	for _, u := range updates {
		res := a.applyOne(ctx, projectID, u)
		if res.Success {
			a.notifier.Toast(ctx, projectID, "success", res.Message)
			a.notifier.StoryUpdated(ctx, projectID, u.Type, res)
		} else {
			a.log.Warn("Story update failed", "type", u.Type, "message", res.Message)
		}
		results = append(results, res)
	}
	return results
}

// SummarizeResults renders the "N of M applied" line for the UI.
func SummarizeResults(results []UpdateResult) string {
	applied := 0
	for _, r := range results {
		if r.Success {
			applied++
		}
	}
	return fmt.Sprintf("%d of %d updates applied", applied, len(results))
}

func (a *UpdateApplier) applyOne(ctx context.Context, projectID uuid.UUID, u StoryUpdate) UpdateResult {
	dbc := dbctx.Context{Ctx: ctx}

	var (
		createdID uuid.UUID
		message   string
		err       error
	)

	switch u.Type {
	case UpdateCreateCharacter:
		createdID, message, err = a.createCharacter(dbc, projectID, u)
	case UpdateUpdateCharacter:
		message, err = a.updateCharacter(dbc, projectID, u)
	case UpdateCreateLocation:
		createdID, message, err = a.createLocation(dbc, projectID, u)
	case UpdateUpdateLocation:
		message, err = a.updateLocation(dbc, projectID, u)
	case UpdateUpdateSynopsis:
		message, err = a.updateSynopsis(dbc, projectID, u)
	case UpdateCreateChapterOutline:
		createdID, message, err = a.createChapterOutline(dbc, projectID, u)
	case UpdateAddForeshadowing:
		createdID, message, err = a.addForeshadowing(dbc, projectID, u)
	case UpdateResolveForeshadowing:
		message, err = a.resolveForeshadowing(dbc, projectID, u)
	default:
		err = &ValidationError{UpdateType: u.Type, Reason: "unknown update type"}
	}

	if err != nil {
		return UpdateResult{
			Type:    u.Type,
			Message: (&ApplyError{UpdateType: u.Type, Err: err}).Error(),
		}
	}
	return UpdateResult{Success: true, Type: u.Type, Message: message, CreatedID: createdID}
}

func (a *UpdateApplier) createCharacter(dbc dbctx.Context, projectID uuid.UUID, u StoryUpdate) (uuid.UUID, string, error) {
	name := u.Str("name")
	existing, err := a.characters.GetByName(dbc, projectID, name)
	if err != nil {
		return uuid.Nil, "", err
	}
	if existing != nil {
		return uuid.Nil, "", fmt.Errorf("character %q already exists", name)
	}

	rows, err := a.characters.Create(dbc, []*types.Character{{
		ProjectID:   projectID,
		Name:        name,
		Role:        u.Str("role"),
		Description: u.Str("description"),
		Personality: u.Str("personality"),
		Background:  u.Str("background"),
	}})
	if err != nil {
		return uuid.Nil, "", err
	}
	return rows[0].ID, fmt.Sprintf("Character %q created", name), nil
}

func (a *UpdateApplier) updateCharacter(dbc dbctx.Context, projectID uuid.UUID, u StoryUpdate) (string, error) {
	name := u.Str("name")
	existing, err := a.characters.GetByName(dbc, projectID, name)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", fmt.Errorf("character %q not found", name)
	}

	updates := map[string]interface{}{}
	for _, f := range []string{"role", "description", "personality", "background"} {
		if v := u.Str(f); v != "" {
			updates[f] = v
		}
	}
	if len(updates) == 0 {
		return "", fmt.Errorf("no fields to update for character %q", name)
	}
	if err := a.characters.UpdateFields(dbc, existing.ID, updates); err != nil {
		return "", err
	}
	return fmt.Sprintf("Character %q updated", name), nil
}

func (a *UpdateApplier) createLocation(dbc dbctx.Context, projectID uuid.UUID, u StoryUpdate) (uuid.UUID, string, error) {
	name := u.Str("name")
	existing, err := a.locations.GetByName(dbc, projectID, name)
	if err != nil {
		return uuid.Nil, "", err
	}
	if existing != nil {
		return uuid.Nil, "", fmt.Errorf("location %q already exists", name)
	}

	rows, err := a.locations.Create(dbc, []*types.Location{{
		ProjectID:    projectID,
		Name:         name,
		Description:  u.Str("description"),
		Significance: u.Str("significance"),
	}})
	if err != nil {
		return uuid.Nil, "", err
	}
	return rows[0].ID, fmt.Sprintf("Location %q created", name), nil
}

func (a *UpdateApplier) updateLocation(dbc dbctx.Context, projectID uuid.UUID, u StoryUpdate) (string, error) {
	name := u.Str("name")
	existing, err := a.locations.GetByName(dbc, projectID, name)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", fmt.Errorf("location %q not found", name)
	}

	updates := map[string]interface{}{}
	for _, f := range []string{"description", "significance"} {
		if v := u.Str(f); v != "" {
			updates[f] = v
		}
	}
	if len(updates) == 0 {
		return "", fmt.Errorf("no fields to update for location %q", name)
	}
	if err := a.locations.UpdateFields(dbc, existing.ID, updates); err != nil {
		return "", err
	}
	return fmt.Sprintf("Location %q updated", name), nil
}

func (a *UpdateApplier) updateSynopsis(dbc dbctx.Context, projectID uuid.UUID, u StoryUpdate) (string, error) {
	if err := a.projects.UpdateSynopsis(dbc, projectID, u.Str("synopsis")); err != nil {
		return "", err
	}
	return "Synopsis updated", nil
}

func (a *UpdateApplier) createChapterOutline(dbc dbctx.Context, projectID uuid.UUID, u StoryUpdate) (uuid.UUID, string, error) {
	maxPos, err := a.outlines.MaxPosition(dbc, projectID)
	if err != nil {
		return uuid.Nil, "", err
	}

	title := u.Str("title")
	rows, err := a.outlines.Create(dbc, []*types.ChapterOutline{{
		ProjectID: projectID,
		Title:     title,
		Summary:   u.Str("summary"),
		Position:  maxPos + 1,
	}})
	if err != nil {
		return uuid.Nil, "", err
	}
	return rows[0].ID, fmt.Sprintf("Chapter outline %q added", title), nil
}

func (a *UpdateApplier) addForeshadowing(dbc dbctx.Context, projectID uuid.UUID, u StoryUpdate) (uuid.UUID, string, error) {
	rows, err := a.foreshadowing.Create(dbc, []*types.Foreshadowing{{
		ProjectID: projectID,
		Content:   u.Str("content"),
		Status:    story.ForeshadowingPlanted,
		PlantedIn: u.Str("planted_in"),
	}})
	if err != nil {
		return uuid.Nil, "", err
	}
	return rows[0].ID, "Foreshadowing planted", nil
}

func (a *UpdateApplier) resolveForeshadowing(dbc dbctx.Context, projectID uuid.UUID, u StoryUpdate) (string, error) {
	var target *types.Foreshadowing

	if idStr := u.Str("id"); idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return "", fmt.Errorf("bad foreshadowing id %q", idStr)
		}
		target, err = a.foreshadowing.GetByID(dbc, id)
		if err != nil {
			return "", err
		}
	} else {
		var err error
		target, err = a.foreshadowing.FindPlanted(dbc, projectID, u.Str("content"))
		if err != nil {
			return "", err
		}
	}

	if target == nil || target.ProjectID != projectID {
		return "", fmt.Errorf("no planted foreshadowing matched")
	}
	if target.Status == story.ForeshadowingResolved {
		return "", fmt.Errorf("foreshadowing already resolved")
	}

	if err := a.foreshadowing.MarkResolved(dbc, target.ID, u.Str("resolved_in")); err != nil {
		return "", err
	}
	return "Foreshadowing resolved", nil
}
