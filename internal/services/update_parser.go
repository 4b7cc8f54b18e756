package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

const (
	UpdateCreateCharacter      = "create_character"
	UpdateUpdateCharacter      = "update_character"
	UpdateCreateLocation       = "create_location"
	UpdateUpdateLocation       = "update_location"
	UpdateUpdateSynopsis       = "update_synopsis"
	UpdateCreateChapterOutline = "create_chapter_outline"
	UpdateAddForeshadowing     = "add_foreshadowing"
	UpdateResolveForeshadowing = "resolve_foreshadowing"
)

// ValidationError reports a structured update block that failed its per-type
// schema check.
type ValidationError struct {
	UpdateType string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s update: %s", e.UpdateType, e.Reason)
}

// StoryUpdate is one validated command block. A block on the wire is a
// `{type, data}` envelope; Fields holds the decoded data payload.
type StoryUpdate struct {
	Type   string
	Fields map[string]any
}

// Str returns the named field as a trimmed string; non-string values and
// missing keys yield "".
func (u StoryUpdate) Str(key string) string {
	if v, ok := u.Fields[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// ParseResult is what one assistant message parses into. DisplayText is the
// prose shown to the author, with every recognized fenced block removed.
type ParseResult struct {
	DisplayText string
	Updates     []StoryUpdate
	Warnings    []string
}

var updateBlockRe = regexp.MustCompile("(?s)```storyforge-update[ \\t]*\\n(.*?)```")

// requiredFields maps update type to the fields a block must carry.
// resolve_foreshadowing is special-cased: content or id suffices.
var requiredFields = map[string][]string{
	UpdateCreateCharacter:      {"name", "role"},
	UpdateUpdateCharacter:      {"name"},
	UpdateCreateLocation:       {"name"},
	UpdateUpdateLocation:       {"name"},
	UpdateUpdateSynopsis:       {"synopsis"},
	UpdateCreateChapterOutline: {"title"},
	UpdateAddForeshadowing:     {"content"},
	UpdateResolveForeshadowing: nil,
}

// ValidateUpdate checks a decoded block against its type's schema. A nil
// return means the block is applyable.
func ValidateUpdate(u StoryUpdate) error {
	required, known := requiredFields[u.Type]
	if !known {
		return &ValidationError{UpdateType: u.Type, Reason: "unknown update type"}
	}

	if u.Type == UpdateResolveForeshadowing {
		if u.Str("content") == "" && u.Str("id") == "" {
			return &ValidationError{UpdateType: u.Type, Reason: "needs content or id"}
		}
		return nil
	}

	for _, f := range required {
		if u.Str(f) == "" {
			return &ValidationError{UpdateType: u.Type, Reason: "missing field " + f}
		}
	}
	return nil
}

type UpdateParser struct {
	log *logger.Logger
}

func NewUpdateParser(log *logger.Logger) *UpdateParser {
	return &UpdateParser{log: log.With("service", "UpdateParser")}
}

// Parse extracts every storyforge-update block from the model's final text.
// Malformed or invalid blocks are dropped with a warning; they never abort
// sibling blocks or the surrounding prose. All recognized fences, valid or
// not, are stripped from DisplayText.
func (p *UpdateParser) Parse(text string) ParseResult {
	res := ParseResult{}

	matches := updateBlockRe.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		body := strings.TrimSpace(m[1])

		var envelope struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal([]byte(body), &envelope); err != nil {
			warn := fmt.Sprintf("dropped malformed update block: %v", err)
			res.Warnings = append(res.Warnings, warn)
			p.log.Warn("Malformed storyforge-update block", "error", err)
			continue
		}

		update := StoryUpdate{
			Type:   strings.TrimSpace(envelope.Type),
			Fields: envelope.Data,
		}
		if update.Fields == nil {
			update.Fields = map[string]any{}
		}

		if err := ValidateUpdate(update); err != nil {
			res.Warnings = append(res.Warnings, "dropped update block: "+err.Error())
			p.log.Warn("Invalid storyforge-update block", "type", update.Type, "error", err)
			continue
		}

		res.Updates = append(res.Updates, update)
	}

	res.DisplayText = normalizeDisplayText(updateBlockRe.ReplaceAllString(text, ""))
	return res
}

var excessNewlinesRe = regexp.MustCompile(`\n{3,}`)

func normalizeDisplayText(text string) string {
	text = excessNewlinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
