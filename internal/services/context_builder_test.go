package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/data/repos"
	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/domain/story"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

// asciiText returns a single sentence of roughly 3n bytes of prose, which
// EstimateTokens rates at about 1.5n tokens.
func asciiText(n int) string {
	s := strings.Repeat("word plot arc ", (n*3)/14+1)
	return strings.TrimSpace(s[:n*3-1]) + "."
}

func TestTruncateAtParagraph(t *testing.T) {
	p1 := asciiText(60)
	p2 := asciiText(60)
	p3 := asciiText(60)
	text := p1 + "\n\n" + p2 + "\n\n" + p3

	got, truncated := TruncateAtParagraph(text, 1000)
	if truncated || got != text {
		t.Fatalf("under budget must pass through untouched")
	}

	got, truncated = TruncateAtParagraph(text, 100)
	if !truncated {
		t.Fatalf("expected truncation")
	}
	if got != p1 {
		t.Fatalf("expected cut at first paragraph boundary, got %d tokens", EstimateTokens(got))
	}
	if EstimateTokens(got) > 100 {
		t.Fatalf("over budget after truncation: %d", EstimateTokens(got))
	}

	got, truncated = TruncateAtParagraph("", 100)
	if got != "" || truncated {
		t.Fatalf("empty input: %q %v", got, truncated)
	}
}

func TestTruncateFallsBackToSentences(t *testing.T) {
	// One paragraph of five ~30-token sentences, 150 tokens total.
	sentence := asciiText(30)
	paragraph := strings.Repeat(sentence+" ", 5)

	got, truncated := TruncateAtParagraph(paragraph, 100)
	if !truncated {
		t.Fatalf("expected truncation")
	}
	if n := EstimateTokens(got); n > 100 {
		t.Fatalf("over budget: %d tokens", n)
	}
	if !strings.HasSuffix(got, ".") {
		t.Fatalf("cut mid-sentence: %q", got[len(got)-20:])
	}
	if got == "" {
		t.Fatalf("first sentence must always survive")
	}
}

func TestBuildProjectContextPrioritizesRoles(t *testing.T) {
	gdb := testDB(t)
	log := logger.NewNop()
	projects := repos.NewProjectRepo(gdb, log)
	characters := repos.NewCharacterRepo(gdb, log)
	scenes := repos.NewSceneRepo(gdb, log)

	dbc := dbctx.Context{Ctx: context.Background()}
	synopsis := asciiText(50) + "\n\n" + asciiText(50) + "\n\n" + asciiText(50)
	proj, err := projects.Create(dbc, []*types.Project{{Title: "The Hollow Atlas", Synopsis: synopsis}})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	pid := proj[0].ID

	// Insertion order deliberately scrambled relative to narrative weight.
	seed := []*types.Character{
		{ProjectID: pid, Name: "Extra", Role: story.RoleMinor},
		{ProjectID: pid, Name: "Juno", Role: story.RoleProtagonist},
		{ProjectID: pid, Name: "Porter", Role: story.RoleSupporting},
		{ProjectID: pid, Name: "Mara", Role: story.RoleAntagonist},
	}
	if _, err := characters.Create(dbc, seed); err != nil {
		t.Fatalf("seed characters: %v", err)
	}

	budget := DefaultContextBudget()
	budget.Synopsis = 100
	budget.MaxCharacters = 2
	builder := NewContextBuilder(log, budget, projects, characters, scenes)

	pc, err := builder.BuildProjectContext(context.Background(), pid)
	if err != nil {
		t.Fatalf("BuildProjectContext: %v", err)
	}

	if len(pc.Characters) != 2 || !pc.CharactersTruncated {
		t.Fatalf("roster: %d truncated=%v", len(pc.Characters), pc.CharactersTruncated)
	}
	if pc.Characters[0].Name != "Juno" || pc.Characters[1].Name != "Mara" {
		t.Fatalf("roster order: %s, %s", pc.Characters[0].Name, pc.Characters[1].Name)
	}

	if !pc.SynopsisTruncated {
		t.Fatalf("150-token synopsis must be truncated against a 100-token budget")
	}
	if n := EstimateTokens(pc.Synopsis); n > 100 {
		t.Fatalf("synopsis over budget: %d tokens", n)
	}

	prompt := builder.FormatContextAsSystemPrompt(pc, "general")
	if !strings.Contains(prompt, "The Hollow Atlas") || !strings.Contains(prompt, "Juno") {
		t.Fatalf("prompt missing context: %q", prompt)
	}
	if !strings.Contains(prompt, "(synopsis truncated)") {
		t.Fatalf("prompt must flag truncation")
	}

	agent := builder.FormatAgentSystemPrompt(pc, nil)
	if !strings.Contains(agent, "storyforge-update") {
		t.Fatalf("agent prompt missing update protocol")
	}
}

func TestOptimizeHistoryForTokenBudget(t *testing.T) {
	builder := NewContextBuilder(logger.NewNop(), DefaultContextBudget(), nil, nil, nil)

	history := []ai.Message{
		{Role: "user", Content: asciiText(40)},
		{Role: "assistant", Content: asciiText(40)},
		{Role: "user", Content: asciiText(40)},
		{Role: "assistant", Content: asciiText(40)},
		{Role: "user", Content: asciiText(40)},
	}

	kept, err := builder.OptimizeHistoryForTokenBudget(history, 1000)
	if err != nil || len(kept) != 5 {
		t.Fatalf("roomy budget: %d turns, err %v", len(kept), err)
	}

	kept, err = builder.OptimizeHistoryForTokenBudget(history, 100)
	if err != nil {
		t.Fatalf("tight budget: %v", err)
	}
	if len(kept) == 0 || len(kept) >= 5 {
		t.Fatalf("tight budget kept %d turns", len(kept))
	}
	if kept[len(kept)-1].Content != history[4].Content {
		t.Fatalf("newest turn must survive")
	}

	_, err = builder.OptimizeHistoryForTokenBudget([]ai.Message{{Role: "user", Content: asciiText(500)}}, 100)
	var overflow *ai.ContextOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("want ContextOverflowError, got %v", err)
	}
	if overflow.Budget != 100 || overflow.Needed <= 100 {
		t.Fatalf("overflow detail: %+v", overflow)
	}
}

func TestSerializeContextStable(t *testing.T) {
	pc := &ProjectContext{
		Title:    "The Hollow Atlas",
		Synopsis: "maps that lie",
		Characters: []CharacterSummary{
			{Name: "Juno", Role: story.RoleProtagonist, Summary: "Juno (protagonist)"},
		},
		RecentContent: "scene text",
	}
	a := SerializeContext(pc)
	b := SerializeContext(pc)
	if a != b {
		t.Fatalf("serialization must be deterministic")
	}
	for _, want := range []string{"title:The Hollow Atlas", "character:Juno (protagonist)", "recent:scene text"} {
		if !strings.Contains(a, want) {
			t.Fatalf("missing %q in %q", want, a)
		}
	}
}
