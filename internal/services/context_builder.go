package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/storyforge/storyforge-backend/internal/ai"
	"github.com/storyforge/storyforge-backend/internal/data/repos"
	types "github.com/storyforge/storyforge-backend/internal/domain"
	"github.com/storyforge/storyforge-backend/internal/domain/chat"
	"github.com/storyforge/storyforge-backend/internal/domain/story"
	"github.com/storyforge/storyforge-backend/internal/pkg/dbctx"
	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
)

// ContextBudget caps how many estimated tokens each category of project
// context may occupy in a prompt. ReplyReserve is held back from the model's
// context window for the generated reply.
type ContextBudget struct {
	Synopsis      int `yaml:"synopsis" json:"synopsis"`
	Characters    int `yaml:"characters" json:"characters"`
	RecentContent int `yaml:"recent_content" json:"recent_content"`
	ReplyReserve  int `yaml:"reply_reserve" json:"reply_reserve"`

	// History is the total estimated-token allowance for system prompt plus
	// conversation turns.
	History int `yaml:"history" json:"history"`

	// MaxCharacters bounds the roster regardless of token headroom.
	MaxCharacters int `yaml:"max_characters" json:"max_characters"`

	// RecentScenes bounds the most-recently-edited window.
	RecentScenes int `yaml:"recent_scenes" json:"recent_scenes"`
}

func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		Synopsis:      800,
		Characters:    1500,
		RecentContent: 2500,
		ReplyReserve:  4096,
		History:       24000,
		MaxCharacters: 20,
		RecentScenes:  3,
	}
}

type CharacterSummary struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Summary string `json:"summary"`
}

// ProjectContext is derived per request and never persisted.
type ProjectContext struct {
	ProjectID uuid.UUID
	Title     string

	Synopsis          string
	SynopsisTruncated bool

	Characters          []CharacterSummary
	CharactersTruncated bool

	RecentContent          string
	RecentContentTruncated bool

	TokenEstimate int
}

type ContextBuilder interface {
	BuildProjectContext(ctx context.Context, projectID uuid.UUID) (*ProjectContext, error)
	FormatContextAsSystemPrompt(pc *ProjectContext, sessionType string) string
	FormatAgentSystemPrompt(pc *ProjectContext, session *types.ChatSession) string
	OptimizeHistoryForTokenBudget(history []ai.Message, budget int) ([]ai.Message, error)
	Budget() ContextBudget
}

type contextBuilder struct {
	log        *logger.Logger
	budget     ContextBudget
	projects   repos.ProjectRepo
	characters repos.CharacterRepo
	scenes     repos.SceneRepo
}

func NewContextBuilder(
	log *logger.Logger,
	budget ContextBudget,
	projects repos.ProjectRepo,
	characters repos.CharacterRepo,
	scenes repos.SceneRepo,
) ContextBuilder {
	if budget.MaxCharacters <= 0 {
		budget.MaxCharacters = 20
	}
	if budget.RecentScenes <= 0 {
		budget.RecentScenes = 3
	}
	return &contextBuilder{
		log:        log.With("service", "ContextBuilder"),
		budget:     budget,
		projects:   projects,
		characters: characters,
		scenes:     scenes,
	}
}

func (b *contextBuilder) Budget() ContextBudget { return b.budget }

func (b *contextBuilder) BuildProjectContext(ctx context.Context, projectID uuid.UUID) (*ProjectContext, error) {
	var (
		project *types.Project
		chars   []*types.Character
		scenes  []*types.Scene
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := b.projects.GetByID(dbctx.Context{Ctx: gctx}, projectID)
		if err != nil {
			return fmt.Errorf("load project: %w", err)
		}
		project = p
		return nil
	})
	g.Go(func() error {
		cs, err := b.characters.ListByProject(dbctx.Context{Ctx: gctx}, projectID)
		if err != nil {
			return fmt.Errorf("load characters: %w", err)
		}
		chars = cs
		return nil
	})
	g.Go(func() error {
		ss, err := b.scenes.ListRecentEdited(dbctx.Context{Ctx: gctx}, projectID, b.budget.RecentScenes)
		if err != nil {
			return fmt.Errorf("load recent scenes: %w", err)
		}
		scenes = ss
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pc := &ProjectContext{ProjectID: projectID, Title: project.Title}

	pc.Synopsis, pc.SynopsisTruncated = TruncateAtParagraph(project.Synopsis, b.budget.Synopsis)
	pc.Characters, pc.CharactersTruncated = b.summarizeCharacters(chars)
	pc.RecentContent, pc.RecentContentTruncated = TruncateAtParagraph(renderScenes(scenes), b.budget.RecentContent)

	pc.TokenEstimate = EstimateTokens(pc.Synopsis) + EstimateTokens(pc.RecentContent)
	for _, c := range pc.Characters {
		pc.TokenEstimate += EstimateTokens(c.Summary)
	}

	return pc, nil
}

// summarizeCharacters orders the roster by narrative weight and drops
// characters once either the roster cap or the category token ceiling is
// reached.
func (b *contextBuilder) summarizeCharacters(chars []*types.Character) ([]CharacterSummary, bool) {
	sorted := make([]*types.Character, len(chars))
	copy(sorted, chars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return story.RolePriority(sorted[i].Role) < story.RolePriority(sorted[j].Role)
	})

	out := make([]CharacterSummary, 0, len(sorted))
	used := 0
	truncated := false
	for _, c := range sorted {
		if len(out) >= b.budget.MaxCharacters {
			truncated = true
			break
		}
		summary := renderCharacter(c)
		cost := EstimateTokens(summary)
		if used+cost > b.budget.Characters && len(out) > 0 {
			truncated = true
			break
		}
		out = append(out, CharacterSummary{Name: c.Name, Role: c.Role, Summary: summary})
		used += cost
	}
	return out, truncated
}

func renderCharacter(c *types.Character) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)", c.Name, c.Role)
	if d := strings.TrimSpace(c.Description); d != "" {
		sb.WriteString(": " + d)
	}
	if p := strings.TrimSpace(c.Personality); p != "" {
		sb.WriteString(" Personality: " + p)
	}
	if bg := strings.TrimSpace(c.Background); bg != "" {
		sb.WriteString(" Background: " + bg)
	}
	return sb.String()
}

func renderScenes(scenes []*types.Scene) string {
	var sb strings.Builder
	for i, s := range scenes {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		title := strings.TrimSpace(s.ChapterTitle)
		if t := strings.TrimSpace(s.Title); t != "" {
			if title != "" {
				title += " / "
			}
			title += t
		}
		if title != "" {
			fmt.Fprintf(&sb, "[%s]\n\n", title)
		}
		sb.WriteString(strings.TrimSpace(s.Content))
	}
	return sb.String()
}

// TruncateAtParagraph trims text to at most maxTokens estimated tokens,
// cutting at the paragraph boundary closest to the limit. When even the
// first paragraph is over budget it falls back to sentence boundaries, but
// never cuts mid-sentence.
func TruncateAtParagraph(text string, maxTokens int) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || maxTokens <= 0 {
		return "", text != ""
	}
	if EstimateTokens(text) <= maxTokens {
		return text, false
	}

	paragraphs := strings.Split(text, "\n\n")
	var sb strings.Builder
	for i, p := range paragraphs {
		candidate := sb.String()
		if candidate != "" {
			candidate += "\n\n"
		}
		candidate += p
		if EstimateTokens(candidate) > maxTokens {
			if i == 0 {
				return truncateAtSentence(p, maxTokens), true
			}
			break
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p)
	}
	return sb.String(), true
}

var sentenceEnders = []rune{'.', '!', '?', '。', '！', '？', '…'}

func isSentenceEnd(r rune) bool {
	for _, e := range sentenceEnders {
		if r == e {
			return true
		}
	}
	return false
}

func truncateAtSentence(paragraph string, maxTokens int) string {
	var sentences []string
	var cur strings.Builder
	for _, r := range paragraph {
		cur.WriteRune(r)
		if isSentenceEnd(r) {
			sentences = append(sentences, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		sentences = append(sentences, cur.String())
	}

	var sb strings.Builder
	for i, s := range sentences {
		if i > 0 && EstimateTokens(sb.String()+s) > maxTokens {
			break
		}
		sb.WriteString(s)
	}
	return strings.TrimSpace(sb.String())
}

var sessionTypeFocus = map[string]string{
	chat.SessionTypeGeneral:          "Help the author with whatever they ask about this story.",
	chat.SessionTypePlotSetting:      "Focus on plot structure: pacing, stakes, cause and effect, and unresolved threads.",
	chat.SessionTypeCharacterSetting: "Focus on the characters: motivation, voice, relationships, and arcs.",
	chat.SessionTypeWritingAssist:    "Focus on the prose itself: style, clarity, rhythm, and scene-level craft.",
	chat.SessionTypeWorldBuilding:    "Focus on the world: places, history, rules, and internal consistency.",
}

// FormatContextAsSystemPrompt renders the read-only chat-assist prompt. The
// session type narrows what the assistant should attend to.
func (b *contextBuilder) FormatContextAsSystemPrompt(pc *ProjectContext, sessionType string) string {
	var sb strings.Builder
	sb.WriteString("You are a writing assistant for the novel ")
	fmt.Fprintf(&sb, "%q.\n\n", pc.Title)

	if focus, ok := sessionTypeFocus[sessionType]; ok {
		sb.WriteString(focus + "\n\n")
	}

	writeContextSections(&sb, pc)

	sb.WriteString("Answer in the language the author writes in. Do not invent facts that contradict the context above.")
	return sb.String()
}

// FormatAgentSystemPrompt renders the agent-mode prompt: same facts plus the
// structured-update instructions the applier understands.
func (b *contextBuilder) FormatAgentSystemPrompt(pc *ProjectContext, session *types.ChatSession) string {
	var sb strings.Builder
	sb.WriteString("You are a writing agent for the novel ")
	fmt.Fprintf(&sb, "%q. You may update the project's records directly.\n\n", pc.Title)

	writeContextSections(&sb, pc)

	if session != nil {
		fmt.Fprintf(&sb, "# Session\nType: %s. Messages so far: %d.\n\n", session.Type, session.NextSeq)
	}

	sb.WriteString(agentProtocolInstructions)
	return sb.String()
}

func writeContextSections(sb *strings.Builder, pc *ProjectContext) {
	if pc.Synopsis != "" {
		sb.WriteString("# Synopsis\n")
		sb.WriteString(pc.Synopsis)
		if pc.SynopsisTruncated {
			sb.WriteString("\n(synopsis truncated)")
		}
		sb.WriteString("\n\n")
	}

	if len(pc.Characters) > 0 {
		sb.WriteString("# Characters\n")
		for _, c := range pc.Characters {
			sb.WriteString("- " + c.Summary + "\n")
		}
		if pc.CharactersTruncated {
			sb.WriteString("(character list truncated)\n")
		}
		sb.WriteString("\n")
	}

	if pc.RecentContent != "" {
		sb.WriteString("# Recently edited scenes\n")
		sb.WriteString(pc.RecentContent)
		if pc.RecentContentTruncated {
			sb.WriteString("\n(scene text truncated)")
		}
		sb.WriteString("\n\n")
	}
}

const agentProtocolInstructions = `# Applying changes

When a change to the project's records is warranted, emit it as a fenced
block so it can be applied automatically:

` + "```storyforge-update" + `
{"type": "create_character", "data": {"name": "...", "role": "supporting", "description": "..."}}
` + "```" + `

One JSON object per block, always shaped {"type": ..., "data": {...}}.
Supported types and the fields data must carry:

- create_character: name, role (protagonist|antagonist|supporting|minor); optional description, personality, background
- update_character: name; optional role, description, personality, background
- create_location: name; optional description, significance
- update_location: name; optional description, significance
- update_synopsis: synopsis
- create_chapter_outline: title; optional summary
- add_foreshadowing: content; optional planted_in
- resolve_foreshadowing: content or id; optional resolved_in

Emit blocks only for changes you are confident about. Keep normal prose
outside the blocks; it is shown to the author as-is.`

// OptimizeHistoryForTokenBudget drops the oldest turns until the estimated
// total fits the budget. The newest turn is never dropped; if it alone
// exceeds the budget the caller gets a ContextOverflowError instead of a
// silently emptied history.
func (b *contextBuilder) OptimizeHistoryForTokenBudget(history []ai.Message, budget int) ([]ai.Message, error) {
	if len(history) == 0 {
		return history, nil
	}

	newest := history[len(history)-1]
	newestCost := EstimateTokens(newest.Content)
	if newestCost > budget {
		return nil, &ai.ContextOverflowError{Needed: newestCost, Budget: budget}
	}

	used := 0
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		keepFrom = i
	}

	if keepFrom == 0 {
		return history, nil
	}
	out := make([]ai.Message, len(history)-keepFrom)
	copy(out, history[keepFrom:])
	return out, nil
}

// SerializeContext renders the canonical string form used for cache
// fingerprinting and as the cached system prompt body.
func SerializeContext(pc *ProjectContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "title:%s\n", pc.Title)
	fmt.Fprintf(&sb, "synopsis:%s\n", pc.Synopsis)
	for _, c := range pc.Characters {
		fmt.Fprintf(&sb, "character:%s\n", c.Summary)
	}
	fmt.Fprintf(&sb, "recent:%s\n", pc.RecentContent)
	return sb.String()
}
