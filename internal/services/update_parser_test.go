package services

import (
	"strings"
	"testing"

	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

const sampleResponse = "I'd suggest introducing a rival early on.\n\n" +
	"```storyforge-update\n" +
	`{"type": "create_character", "data": {"name": "Mara Voss", "role": "antagonist", "description": "A rival cartographer"}}` + "\n" +
	"```\n\n" +
	"I also tightened the synopsis to foreshadow the betrayal.\n\n" +
	"```storyforge-update\n" +
	`{"type": "update_synopsis", "data": {"synopsis": "An expedition unravels when its maps begin to lie."}}` + "\n" +
	"```\n\n" +
	"Let me know if the rival feels too on-the-nose."

func TestParseExtractsUpdatesAndStripsBlocks(t *testing.T) {
	p := NewUpdateParser(logger.NewNop())
	res := p.Parse(sampleResponse)

	if len(res.Updates) != 2 {
		t.Fatalf("updates: got %d, want 2", len(res.Updates))
	}
	if res.Updates[0].Type != UpdateCreateCharacter || res.Updates[0].Str("name") != "Mara Voss" {
		t.Fatalf("first update: %+v", res.Updates[0])
	}
	if res.Updates[1].Type != UpdateUpdateSynopsis {
		t.Fatalf("second update: %+v", res.Updates[1])
	}

	if strings.Contains(res.DisplayText, "```") {
		t.Fatalf("displayText still has fence markers: %q", res.DisplayText)
	}
	if strings.Contains(res.DisplayText, "storyforge-update") {
		t.Fatalf("displayText still has block language: %q", res.DisplayText)
	}
	for _, want := range []string{"rival early on", "tightened the synopsis", "too on-the-nose"} {
		if !strings.Contains(res.DisplayText, want) {
			t.Fatalf("displayText lost prose %q: %q", want, res.DisplayText)
		}
	}
	if strings.Contains(res.DisplayText, "\n\n\n") {
		t.Fatalf("displayText not whitespace-normalized: %q", res.DisplayText)
	}
}

func TestParseDropsMalformedBlocksKeepsSiblings(t *testing.T) {
	text := "Before.\n\n" +
		"```storyforge-update\nnot json at all\n```\n\n" +
		"```storyforge-update\n" +
		`{"type": "create_location", "data": {"name": "The Saltworks"}}` + "\n" +
		"```\n\nAfter."

	p := NewUpdateParser(logger.NewNop())
	res := p.Parse(text)

	if len(res.Updates) != 1 || res.Updates[0].Str("name") != "The Saltworks" {
		t.Fatalf("surviving updates: %+v", res.Updates)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings: got %d, want 1", len(res.Warnings))
	}
	if strings.Contains(res.DisplayText, "not json") || strings.Contains(res.DisplayText, "```") {
		t.Fatalf("malformed block leaked into displayText: %q", res.DisplayText)
	}
}

func TestParseRequiresDataEnvelope(t *testing.T) {
	p := NewUpdateParser(logger.NewNop())

	// The documented wire shape nests fields under data.
	res := p.Parse("```storyforge-update\n" +
		`{"type": "create_character", "data": {"name": "Mara", "role": "protagonist"}}` + "\n```")
	if len(res.Updates) != 1 || len(res.Warnings) != 0 {
		t.Fatalf("envelope block: updates=%d warnings=%v", len(res.Updates), res.Warnings)
	}
	if res.Updates[0].Str("name") != "Mara" || res.Updates[0].Str("role") != "protagonist" {
		t.Fatalf("data payload: %+v", res.Updates[0])
	}

	// Fields at the top level are not part of the protocol.
	res = p.Parse("```storyforge-update\n" +
		`{"type": "create_character", "name": "Mara", "role": "protagonist"}` + "\n```")
	if len(res.Updates) != 0 || len(res.Warnings) != 1 {
		t.Fatalf("flat block: updates=%d warnings=%v", len(res.Updates), res.Warnings)
	}

	// A missing data object is invalid, not a panic.
	res = p.Parse("```storyforge-update\n" + `{"type": "update_synopsis"}` + "\n```")
	if len(res.Updates) != 0 || len(res.Warnings) != 1 {
		t.Fatalf("no data: updates=%d warnings=%v", len(res.Updates), res.Warnings)
	}
}

func TestParseNoBlocks(t *testing.T) {
	p := NewUpdateParser(logger.NewNop())
	res := p.Parse("Just a normal reply with a ```go\ncode fence\n``` in it.")

	if len(res.Updates) != 0 {
		t.Fatalf("updates: got %d, want 0", len(res.Updates))
	}
	if !strings.Contains(res.DisplayText, "code fence") {
		t.Fatalf("ordinary fences must survive: %q", res.DisplayText)
	}
}

func TestValidateUpdate(t *testing.T) {
	cases := []struct {
		name   string
		update StoryUpdate
		ok     bool
	}{
		{"create character ok", StoryUpdate{Type: UpdateCreateCharacter, Fields: map[string]any{"name": "A", "role": "minor"}}, true},
		{"create character missing role", StoryUpdate{Type: UpdateCreateCharacter, Fields: map[string]any{"name": "A"}}, false},
		{"update character ok", StoryUpdate{Type: UpdateUpdateCharacter, Fields: map[string]any{"name": "A"}}, true},
		{"synopsis missing", StoryUpdate{Type: UpdateUpdateSynopsis, Fields: map[string]any{}}, false},
		{"outline ok", StoryUpdate{Type: UpdateCreateChapterOutline, Fields: map[string]any{"title": "Ch 1"}}, true},
		{"foreshadowing needs content", StoryUpdate{Type: UpdateAddForeshadowing, Fields: map[string]any{}}, false},
		{"resolve by content", StoryUpdate{Type: UpdateResolveForeshadowing, Fields: map[string]any{"content": "the broken compass"}}, true},
		{"resolve by id", StoryUpdate{Type: UpdateResolveForeshadowing, Fields: map[string]any{"id": "abc"}}, true},
		{"resolve needs one of", StoryUpdate{Type: UpdateResolveForeshadowing, Fields: map[string]any{}}, false},
		{"unknown type", StoryUpdate{Type: "delete_everything", Fields: map[string]any{}}, false},
		{"whitespace-only field", StoryUpdate{Type: UpdateCreateLocation, Fields: map[string]any{"name": "   "}}, false},
		{"non-string field", StoryUpdate{Type: UpdateCreateLocation, Fields: map[string]any{"name": 42}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateUpdate(tc.update)
			if tc.ok && err != nil {
				t.Fatalf("want valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("want invalid, got nil")
			}
			// Validation must be idempotent.
			if err2 := ValidateUpdate(tc.update); (err == nil) != (err2 == nil) {
				t.Fatalf("validation not idempotent: %v vs %v", err, err2)
			}
		})
	}
}
