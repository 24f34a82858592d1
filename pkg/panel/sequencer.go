// Package panel generates a comic as an ordered sequence of dependent panel images.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storycomic/pkg/imagegen"
	"storycomic/pkg/llm"
	"storycomic/pkg/logx"
	"storycomic/pkg/templates"
)

// DefaultCount is the number of panels in a comic.
const DefaultCount = 6

// DescriberMaxTokens bounds a panel description.
const DescriberMaxTokens = 150

// State is the sequencer's position in a run.
type State int

const (
	// StateIdle means no panel has been requested yet.
	StateIdle State = iota
	// StateGenerating means a panel is in flight; Outcome.Current names it.
	StateGenerating
	// StateDone means every panel succeeded.
	StateDone
	// StateFailed means a panel failed and the sequence halted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Panel is one generated image and the description it was drawn from.
type Panel struct {
	Prompt    string `json:"prompt"`
	Reference string `json:"url"`
	Index     int    `json:"index"` // 1-based
}

// Error reports the panel at which a sequence halted.
type Error struct {
	Err   error
	Index int
}

func (e *Error) Error() string {
	return fmt.Sprintf("panel %d: %v", e.Index, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Accumulator is the growing context of a sequence. It is a value: Append
// returns a new accumulator and leaves the receiver untouched.
type Accumulator struct {
	panels []Panel
}

// Append returns an accumulator with p added after the existing panels.
func (a Accumulator) Append(p Panel) Accumulator {
	next := make([]Panel, len(a.panels), len(a.panels)+1)
	copy(next, a.panels)
	return Accumulator{panels: append(next, p)}
}

// Len returns the number of panels accumulated.
func (a Accumulator) Len() int {
	return len(a.panels)
}

// Prompts returns the panel descriptions in order.
func (a Accumulator) Prompts() []string {
	out := make([]string, len(a.panels))
	for i, p := range a.panels {
		out[i] = p.Prompt
	}
	return out
}

// Panels returns a copy of the accumulated panels.
func (a Accumulator) Panels() []Panel {
	return append([]Panel(nil), a.panels...)
}

// Outcome is the result of a sequence: every panel produced before it ended.
type Outcome struct {
	Panels  []Panel
	State   State
	Current int // panel in flight or failed; 0 when idle or done
}

// Sequencer drives panel generation. Configure it once and share it; Run keeps
// all per-sequence state on its own stack.
type Sequencer struct {
	Images    imagegen.Client
	Describer llm.GenerationClient // optional; nil uses the built prompt as the description
	Builder   *templates.Builder
	OnPanel   func(Panel) // optional progress callback, called after each success
	Policy    templates.Policy
	Size      string
	Quality   string
	Count     int
	logger    *logx.Logger
}

// NewSequencer creates a sequencer for count panels. A count below 1 means DefaultCount.
func NewSequencer(images imagegen.Client, describer llm.GenerationClient, builder *templates.Builder, policy templates.Policy, count int) *Sequencer {
	if count < 1 {
		count = DefaultCount
	}
	return &Sequencer{
		Images:    images,
		Describer: describer,
		Builder:   builder,
		Policy:    policy,
		Count:     count,
		logger:    logx.NewLogger("panel"),
	}
}

// Run generates panels 1..Count in order. Panel i's prompt is built from the
// narrative and the descriptions of panels 1..i-1. On failure the sequence
// halts and the panels produced so far are returned with a *Error.
func (s *Sequencer) Run(ctx context.Context, narrative string) (Outcome, error) {
	if s.Images == nil || s.Builder == nil {
		return Outcome{State: StateIdle}, errors.New("panel sequencer is not configured")
	}
	count := s.Count
	if count < 1 {
		count = DefaultCount
	}
	logger := s.log().Ctx(ctx)

	var acc Accumulator
	for i := 1; i <= count; i++ {
		p, err := s.generate(ctx, narrative, acc, i, count)
		if err != nil {
			logger.Warn("panel %d/%d failed, keeping %d panels: %v", i, count, acc.Len(), err)
			return Outcome{Panels: acc.Panels(), State: StateFailed, Current: i}, &Error{Index: i, Err: err}
		}
		acc = acc.Append(p)
		logger.Debug("panel %d/%d ready", i, count)
		if s.OnPanel != nil {
			s.OnPanel(p)
		}
	}
	return Outcome{Panels: acc.Panels(), State: StateDone}, nil
}

func (s *Sequencer) generate(ctx context.Context, narrative string, acc Accumulator, index, count int) (Panel, error) {
	if err := ctx.Err(); err != nil {
		return Panel{}, err //nolint:wrapcheck // cancellation is reported as is
	}

	prompt, err := s.Builder.BuildPanelPrompt(narrative, acc.Prompts(), index, count, s.Policy)
	if err != nil {
		return Panel{}, err //nolint:wrapcheck // already typed InvalidInput
	}

	description := prompt
	if s.Describer != nil {
		resp, err := s.Describer.Generate(ctx, llm.Request{Prompt: prompt, MaxTokens: DescriberMaxTokens})
		if err != nil {
			return Panel{}, fmt.Errorf("describing panel: %w", err)
		}
		description = strings.TrimSpace(resp.Content)
	}

	imagePrompt, err := s.Builder.BuildPanelImagePrompt(description, s.Policy)
	if err != nil {
		return Panel{}, err //nolint:wrapcheck // already typed InvalidInput
	}
	res, err := s.Images.Generate(ctx, imagegen.Request{Prompt: imagePrompt, Size: s.Size, Quality: s.Quality})
	if err != nil {
		return Panel{}, fmt.Errorf("drawing panel: %w", err)
	}
	return Panel{Index: index, Prompt: description, Reference: res.Reference}, nil
}

func (s *Sequencer) log() *logx.Logger {
	if s.logger == nil {
		return logx.NewLogger("panel")
	}
	return s.logger
}
