// Package pipeline runs the staged story and comic generation for one request.
//
// A run moves through profile, situation, narrative, extraction, image and an
// optional dialogue stage. Each stage starts only when its inputs exist. Text
// stage failures abort the run; image and dialogue failures are isolated.
package pipeline

import (
	"net/url"
	"strings"
	"time"

	"storycomic/pkg/archetype"
	"storycomic/pkg/imagegen"
	"storycomic/pkg/llm"
	"storycomic/pkg/marker"
	"storycomic/pkg/panel"
	"storycomic/pkg/templates"
)

// Mode selects how the comic is drawn.
type Mode string

const (
	// ModeSingle draws the whole comic as one six-panel image.
	ModeSingle Mode = "single"
	// ModePanels draws each panel separately from a growing context.
	ModePanels Mode = "panels"
)

// ParseMode maps a request value onto a Mode. Empty means ModeSingle.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSingle:
		return ModeSingle, true
	case ModePanels:
		return ModePanels, true
	default:
		return "", false
	}
}

// Stage names used in logs and metrics.
const (
	StageProfile   = "profile"
	StageSituation = "situation"
	StageNarrative = "narrative"
	StageImage     = "image"
	StageDialogue  = "dialogue"
)

// TrailerTag labels the image reference at the end of a narrative stream.
const TrailerTag = "COMIC_URL"

// Trailer returns the final stream chunk for ref. An empty ref means the image failed.
func Trailer(ref string) string {
	return "\n\n" + TrailerTag + ":" + url.QueryEscape(ref)
}

// ParseTrailer splits streamed output into the narrative and the decoded
// reference. ok is false when no trailer is present.
func ParseTrailer(out string) (text, ref string, ok bool) {
	idx := strings.LastIndex(out, "\n\n"+TrailerTag+":")
	if idx < 0 {
		return out, "", false
	}
	encoded := out[idx+len("\n\n"+TrailerTag+":"):]
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return out[:idx], encoded, true
	}
	return out[:idx], decoded, true
}

// StageParams are the generation limits for one text stage.
type StageParams struct {
	Temperature *float32 // nil keeps the provider default
	MaxTokens   int
}

// Stages holds the parameters of every text stage.
type Stages struct {
	Profile   StageParams
	Situation StageParams
	Narrative StageParams
	Dialogue  StageParams
}

// DefaultStages returns the stock stage limits.
func DefaultStages() Stages {
	return Stages{
		Profile:   StageParams{MaxTokens: 400},
		Situation: StageParams{MaxTokens: 300},
		Narrative: StageParams{MaxTokens: 2000, Temperature: llm.Temp(0.7)},
		Dialogue:  StageParams{MaxTokens: 1000},
	}
}

// Options configure an Orchestrator. They are fixed for its lifetime.
type Options struct {
	Policy         templates.Policy
	ImageSize      string
	ImageQuality   string
	Stages         Stages
	PanelCount     int
	FailFast       bool // blocking runs return image failures instead of isolating them
	PanelDescriber bool // describe each panel with the text model before drawing it
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		Policy:         templates.FaceReminder,
		ImageSize:      imagegen.DefaultSize,
		ImageQuality:   imagegen.DefaultQuality,
		Stages:         DefaultStages(),
		PanelCount:     panel.DefaultCount,
		PanelDescriber: true,
	}
}

// Request is one generation request.
type Request struct {
	OnPanel      func(panel.Panel) // optional panel progress callback
	Archetype    archetype.Archetype
	Circumstance string
	Mode         Mode
	Dialogue     bool
}

// CharacterProfile is the stage 1 output.
type CharacterProfile struct {
	Name        string `json:"name"`
	SourceWork  string `json:"source_work"`
	Author      string `json:"author"`
	Description string `json:"description"`
}

// SituationSetup is the stage 2 output.
type SituationSetup struct {
	Circumstance string `json:"circumstance"`
	Description  string `json:"description"`
}

// ImageArtifact is either one reference or an ordered panel list.
type ImageArtifact struct {
	Reference string        `json:"reference,omitempty"`
	Panels    []panel.Panel `json:"panels,omitempty"`
}

// PrimaryReference is the single image, or the first panel.
func (a ImageArtifact) PrimaryReference() string {
	if a.Reference != "" {
		return a.Reference
	}
	if len(a.Panels) > 0 {
		return a.Panels[0].Reference
	}
	return ""
}

// References lists every image reference in order.
func (a ImageArtifact) References() []string {
	if len(a.Panels) == 0 {
		if a.Reference == "" {
			return nil
		}
		return []string{a.Reference}
	}
	refs := make([]string, len(a.Panels))
	for i, p := range a.Panels {
		refs[i] = p.Reference
	}
	return refs
}

// Run is the aggregate of one pipeline execution. It belongs to one request.
type Run struct {
	Started      time.Time
	ImageErr     error // isolated image failure
	DialogueErr  error // isolated dialogue failure
	ID           string
	Mode         Mode
	RawNarrative string
	Dialogue     string
	Profile      CharacterProfile
	Situation    SituationSetup
	Narrative    marker.Result
	Image        ImageArtifact
	Duration     time.Duration
}

// ComicReference is the reference reported for the run: empty when the image
// stage failed, even if some panels were drawn before the failure.
func (r *Run) ComicReference() string {
	if r.ImageErr != nil {
		return ""
	}
	return r.Image.PrimaryReference()
}

// ChunkSink receives streamed output. A write error ends the run.
type ChunkSink interface {
	WriteChunk(chunk string) error
}

// TrailerSink is a ChunkSink that takes the trailer apart from the narrative.
// Stream calls WriteTrailer instead of writing the encoded Trailer chunk, so
// the sink never has to recognise the trailer by its text.
type TrailerSink interface {
	ChunkSink
	WriteTrailer(ref string) error
}

// SinkFunc adapts a function to ChunkSink.
type SinkFunc func(chunk string) error

// WriteChunk calls f.
func (f SinkFunc) WriteChunk(chunk string) error {
	return f(chunk)
}
