package services

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-backend/internal/data/repos"
	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/domain/story"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"gorm.io/gorm"
)

type applierFixture struct {
	applier       *UpdateApplier
	projectID     uuid.UUID
	projects      repos.ProjectRepo
	characters    repos.CharacterRepo
	locations     repos.LocationRepo
	outlines      repos.ChapterOutlineRepo
	foreshadowing repos.ForeshadowingRepo
}

func newApplierFixture(t *testing.T, gdb *gorm.DB) *applierFixture {
	t.Helper()
	log := logger.NewNop()

	f := &applierFixture{
		projects:      repos.NewProjectRepo(gdb, log),
		characters:    repos.NewCharacterRepo(gdb, log),
		locations:     repos.NewLocationRepo(gdb, log),
		outlines:      repos.NewChapterOutlineRepo(gdb, log),
		foreshadowing: repos.NewForeshadowingRepo(gdb, log),
	}
	f.applier = NewUpdateApplier(log, NopNotifier{}, f.projects, f.characters, f.locations, f.outlines, f.foreshadowing)

	dbc := dbctx.Context{Ctx: context.Background()}
	rows, err := f.projects.Create(dbc, []*types.Project{{Title: "The Hollow Atlas", Synopsis: "old synopsis"}})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	f.projectID = rows[0].ID
	return f
}

func TestApplyUpdatesPartialFailure(t *testing.T) {
	f := newApplierFixture(t, testDB(t))
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	// Seed a character so the middle update collides on the name.
	if _, err := f.characters.Create(dbc, []*types.Character{{ProjectID: f.projectID, Name: "Mara Voss", Role: "antagonist"}}); err != nil {
		t.Fatalf("seed character: %v", err)
	}

	updates := []StoryUpdate{
		{Type: UpdateCreateLocation, Fields: map[string]any{"name": "The Saltworks", "description": "abandoned refinery"}},
		{Type: UpdateCreateCharacter, Fields: map[string]any{"name": "Mara Voss", "role": "antagonist"}},
		{Type: UpdateUpdateSynopsis, Fields: map[string]any{"synopsis": "new synopsis"}},
	}

	results := f.applier.ApplyUpdates(ctx, f.projectID, updates)
	if len(results) != 3 {
		t.Fatalf("results: got %d, want 3", len(results))
	}
	if !results[0].Success || results[1].Success || !results[2].Success {
		t.Fatalf("success pattern: %+v", results)
	}

	// The siblings of the failed block must have landed.
	if loc, err := f.locations.GetByName(dbc, f.projectID, "The Saltworks"); err != nil || loc == nil {
		t.Fatalf("location not applied: %v", err)
	}
	proj, err := f.projects.GetByID(dbc, f.projectID)
	if err != nil {
		t.Fatalf("reload project: %v", err)
	}
	if proj.Synopsis != "new synopsis" {
		t.Fatalf("synopsis: got %q", proj.Synopsis)
	}

	if got := SummarizeResults(results); got != "2 of 3 updates applied" {
		t.Fatalf("summary: got %q", got)
	}
}

func TestApplyCreateAndUpdateCharacter(t *testing.T) {
	f := newApplierFixture(t, testDB(t))
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	created := f.applier.ApplyUpdates(ctx, f.projectID, []StoryUpdate{
		{Type: UpdateCreateCharacter, Fields: map[string]any{"name": "Juno", "role": "protagonist", "description": "a mapmaker"}},
	})
	if !created[0].Success || created[0].CreatedID == uuid.Nil {
		t.Fatalf("create: %+v", created[0])
	}

	updated := f.applier.ApplyUpdates(ctx, f.projectID, []StoryUpdate{
		{Type: UpdateUpdateCharacter, Fields: map[string]any{"name": "Juno", "personality": "stubborn"}},
	})
	if !updated[0].Success {
		t.Fatalf("update: %+v", updated[0])
	}

	row, err := f.characters.GetByName(dbc, f.projectID, "Juno")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.Personality != "stubborn" || row.Description != "a mapmaker" {
		t.Fatalf("character fields: %+v", row)
	}

	// No recognized field to change is an error, not a silent no-op.
	noop := f.applier.ApplyUpdates(ctx, f.projectID, []StoryUpdate{
		{Type: UpdateUpdateCharacter, Fields: map[string]any{"name": "Juno"}},
	})
	if noop[0].Success {
		t.Fatalf("expected failure for empty field set: %+v", noop[0])
	}
}

func TestApplyChapterOutlinePositions(t *testing.T) {
	f := newApplierFixture(t, testDB(t))
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	for _, title := range []string{"Departure", "The Storm"} {
		res := f.applier.ApplyUpdates(ctx, f.projectID, []StoryUpdate{
			{Type: UpdateCreateChapterOutline, Fields: map[string]any{"title": title}},
		})
		if !res[0].Success {
			t.Fatalf("outline %q: %+v", title, res[0])
		}
	}

	rows, err := f.outlines.ListByProject(dbc, f.projectID)
	if err != nil {
		t.Fatalf("list outlines: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("outlines: got %d, want 2", len(rows))
	}
	if rows[0].Position >= rows[1].Position {
		t.Fatalf("positions not increasing: %d then %d", rows[0].Position, rows[1].Position)
	}
}

func TestApplyForeshadowingLifecycle(t *testing.T) {
	f := newApplierFixture(t, testDB(t))
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}

	add := f.applier.ApplyUpdates(ctx, f.projectID, []StoryUpdate{
		{Type: UpdateAddForeshadowing, Fields: map[string]any{"content": "the broken compass", "planted_in": "chapter 1"}},
	})
	if !add[0].Success {
		t.Fatalf("add: %+v", add[0])
	}

	resolve := f.applier.ApplyUpdates(ctx, f.projectID, []StoryUpdate{
		{Type: UpdateResolveForeshadowing, Fields: map[string]any{"content": "broken compass", "resolved_in": "chapter 9"}},
	})
	if !resolve[0].Success {
		t.Fatalf("resolve: %+v", resolve[0])
	}

	row, err := f.foreshadowing.GetByID(dbc, add[0].CreatedID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.Status == story.ForeshadowingPlanted {
		t.Fatalf("still planted: %+v", row)
	}

	// A second resolve of the same element fails.
	again := f.applier.ApplyUpdates(ctx, f.projectID, []StoryUpdate{
		{Type: UpdateResolveForeshadowing, Fields: map[string]any{"id": add[0].CreatedID.String()}},
	})
	if again[0].Success {
		t.Fatalf("double resolve should fail: %+v", again[0])
	}
}
