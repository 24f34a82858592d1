// Package templates renders the prompts sent to text and image providers at each pipeline stage.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"storycomic/pkg/llm/llmerrors"
	"storycomic/pkg/marker"
	"storycomic/pkg/utils"
)

//go:embed *.tpl.md
var templateFS embed.FS

// Policy is a directive injected verbatim into every prompt of a run.
// The empty policy is valid and injects nothing.
type Policy string

// FaceReminder keeps the protagonist's face out of every generated image.
const FaceReminder Policy = "CRITICAL: The protagonist's face must NEVER be shown under any circumstances. " +
	"Use creative techniques like showing the character from behind, using objects to obstruct the face, " +
	"cropping the image, or focusing on other body parts to convey emotions and actions."

// MaxSummaryRunes bounds the story concept given to the single-image prompt.
const MaxSummaryRunes = 100

// MaxStoryContextTokens bounds the story carried into each panel prompt.
const MaxStoryContextTokens = 2500

// PromptTemplate names an embedded prompt template.
type PromptTemplate string

const (
	// ProfileTemplate asks for a character profile and style analysis.
	ProfileTemplate PromptTemplate = "profile.tpl.md"
	// SituationTemplate asks for a scenario around the user's circumstance.
	SituationTemplate PromptTemplate = "situation.tpl.md"
	// NarrativeTemplate asks for the story and its visual summary.
	NarrativeTemplate PromptTemplate = "narrative.tpl.md"
	// PanelTemplate asks the text model to describe one panel.
	PanelTemplate PromptTemplate = "panel.tpl.md"
	// ImageTemplate is the single six-panel image prompt.
	ImageTemplate PromptTemplate = "image.tpl.md"
	// PanelImageTemplate is the image prompt for one panel.
	PanelImageTemplate PromptTemplate = "panel_image.tpl.md"
	// DialogueTemplate asks for per-panel dialogue.
	DialogueTemplate PromptTemplate = "dialogue.tpl.md"
)

// TemplateData holds the values a prompt template may reference.
type TemplateData struct {
	Policy       Policy
	Name         string
	SourceWork   string
	Author       string
	Circumstance string
	Profile      string
	Situation    string
	Narrative    string
	Summary      string
	Context      string // accumulated panel context
	Description  string // single panel description
	Sentinel     string
	References   []string
	PanelIndex   int
	PanelCount   int
}

// Builder renders prompts from the embedded templates.
// It holds only parsed templates and is safe for concurrent use.
type Builder struct {
	templates map[PromptTemplate]*template.Template
}

// NewBuilder parses every embedded template.
func NewBuilder() (*Builder, error) {
	b := &Builder{templates: make(map[PromptTemplate]*template.Template)}

	names := []PromptTemplate{
		ProfileTemplate,
		SituationTemplate,
		NarrativeTemplate,
		PanelTemplate,
		ImageTemplate,
		PanelImageTemplate,
		DialogueTemplate,
	}
	for _, name := range names {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(string(name)).Option("missingkey=error").Funcs(template.FuncMap{
			"inc": func(i int) int { return i + 1 },
		}).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		b.templates[name] = tmpl
	}
	return b, nil
}

// MustNewBuilder is NewBuilder for package initialisation and tests.
func MustNewBuilder() *Builder {
	b, err := NewBuilder()
	if err != nil {
		panic(err)
	}
	return b
}

// Render renders the named template with data.
func (b *Builder) Render(name PromptTemplate, data *TemplateData) (string, error) {
	tmpl, ok := b.templates[name]
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// required returns an InvalidInput error naming the first blank field.
func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return llmerrors.InvalidInput("%s is required", fields[i])
		}
	}
	return nil
}

// BuildProfilePrompt builds the character profile prompt.
func (b *Builder) BuildProfilePrompt(name, sourceWork, author string, policy Policy) (string, error) {
	if err := required("name", name, "source work", sourceWork, "author", author); err != nil {
		return "", err
	}
	return b.Render(ProfileTemplate, &TemplateData{Policy: policy, Name: name, SourceWork: sourceWork, Author: author})
}

// BuildSituationPrompt builds the scenario prompt from the circumstance and profile.
func (b *Builder) BuildSituationPrompt(circumstance, profile string, policy Policy) (string, error) {
	if err := required("circumstance", circumstance, "profile", profile); err != nil {
		return "", err
	}
	return b.Render(SituationTemplate, &TemplateData{Policy: policy, Circumstance: circumstance, Profile: profile})
}

// BuildNarrativePrompt builds the story prompt. The model is asked to close with a
// marker.Sentinel section.
func (b *Builder) BuildNarrativePrompt(profile, situation, author string, policy Policy) (string, error) {
	if err := required("profile", profile, "situation", situation, "author", author); err != nil {
		return "", err
	}
	return b.Render(NarrativeTemplate, &TemplateData{
		Policy:    policy,
		Profile:   profile,
		Situation: situation,
		Author:    author,
		Sentinel:  marker.Sentinel,
	})
}

// PanelContext returns the story and every earlier panel prompt in order. The
// story is cut to MaxStoryContextTokens.
func PanelContext(narrative string, priorPanels []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Story so far: %s\n\n", utils.TruncateTokensSimple(narrative, MaxStoryContextTokens))
	if len(priorPanels) > 0 {
		sb.WriteString("Previous panels:\n")
		for i, p := range priorPanels {
			fmt.Fprintf(&sb, "Panel %d: %s\n", i+1, p)
		}
	}
	return sb.String()
}

// BuildPanelPrompt builds the prompt for panel panelIndex (1-based) of panelCount.
func (b *Builder) BuildPanelPrompt(narrative string, priorPanels []string, panelIndex, panelCount int, policy Policy) (string, error) {
	if err := required("narrative", narrative); err != nil {
		return "", err
	}
	if panelCount < 1 || panelIndex < 1 || panelIndex > panelCount {
		return "", llmerrors.InvalidInput("panel index %d out of range 1..%d", panelIndex, panelCount)
	}
	if len(priorPanels) != panelIndex-1 {
		return "", llmerrors.InvalidInput("panel %d needs %d prior panels, got %d", panelIndex, panelIndex-1, len(priorPanels))
	}
	return b.Render(PanelTemplate, &TemplateData{
		Policy:     policy,
		Context:    PanelContext(narrative, priorPanels),
		PanelIndex: panelIndex,
		PanelCount: panelCount,
	})
}

// BuildImagePrompt builds the single comic image prompt from the visual metadata.
// The concept is cut to MaxSummaryRunes runes.
func (b *Builder) BuildImagePrompt(visualMetadata string, policy Policy) (string, error) {
	if err := required("visual metadata", visualMetadata); err != nil {
		return "", err
	}
	return b.Render(ImageTemplate, &TemplateData{
		Policy:  policy,
		Summary: utils.TruncateRunes(strings.TrimSpace(visualMetadata), MaxSummaryRunes),
	})
}

// BuildPanelImagePrompt wraps one panel description as an image prompt.
func (b *Builder) BuildPanelImagePrompt(description string, policy Policy) (string, error) {
	if err := required("panel description", description); err != nil {
		return "", err
	}
	return b.Render(PanelImageTemplate, &TemplateData{Policy: policy, Description: strings.TrimSpace(description)})
}

// BuildDialoguePrompt builds the per-panel dialogue prompt. references may be empty
// when the image stage failed.
func (b *Builder) BuildDialoguePrompt(narrative string, references []string, panelCount int, policy Policy) (string, error) {
	if err := required("narrative", narrative); err != nil {
		return "", err
	}
	if panelCount < 1 {
		return "", llmerrors.InvalidInput("panel count must be positive, got %d", panelCount)
	}
	refs := make([]string, 0, len(references))
	for _, r := range references {
		if r != "" {
			refs = append(refs, r)
		}
	}
	return b.Render(DialogueTemplate, &TemplateData{
		Policy:     policy,
		Narrative:  narrative,
		References: refs,
		PanelCount: panelCount,
	})
}
