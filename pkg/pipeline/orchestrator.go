package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"storycomic/pkg/archetype"
	"storycomic/pkg/imagegen"
	"storycomic/pkg/llm"
	"storycomic/pkg/llm/llmerrors"
	llmmetrics "storycomic/pkg/llm/middleware/metrics"
	"storycomic/pkg/logx"
	"storycomic/pkg/marker"
	"storycomic/pkg/metrics"
	"storycomic/pkg/panel"
	"storycomic/pkg/templates"
)

const promptLogChars = 200

// Run outcomes used as the "outcome" metrics label.
const (
	outcomeSuccess  = "success"
	outcomeDegraded = "degraded"
	outcomeError    = "error"
	outcomeCanceled = "canceled"
)

// Orchestrator sequences the stages of a run. It holds only shared, read-only
// collaborators and may serve any number of concurrent runs.
type Orchestrator struct {
	text     llm.GenerationClient
	images   imagegen.Client
	builder  *templates.Builder
	recorder metrics.Recorder
	logger   *logx.Logger
	opts     Options
}

// New creates an orchestrator. A nil recorder disables metrics.
func New(text llm.GenerationClient, images imagegen.Client, builder *templates.Builder, recorder metrics.Recorder, opts Options) *Orchestrator {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	if opts.PanelCount < 1 {
		opts.PanelCount = panel.DefaultCount
	}
	if opts.Stages == (Stages{}) {
		opts.Stages = DefaultStages()
	}
	return &Orchestrator{
		text:     text,
		images:   images,
		builder:  builder,
		recorder: recorder,
		logger:   logx.NewLogger("pipeline"),
		opts:     opts,
	}
}

// Options returns the orchestrator's configuration.
func (o *Orchestrator) Options() Options {
	return o.opts
}

func validate(req *Request) error {
	if strings.TrimSpace(req.Archetype.Name) == "" {
		return llmerrors.InvalidInput(archetype.NotFoundMessage)
	}
	if strings.TrimSpace(req.Circumstance) == "" {
		return llmerrors.InvalidInput("Circumstance is required")
	}
	if req.Mode == "" {
		req.Mode = ModeSingle
	}
	if req.Mode != ModeSingle && req.Mode != ModePanels {
		return llmerrors.InvalidInput("unknown mode %q", req.Mode)
	}
	return nil
}

func (o *Orchestrator) begin(ctx context.Context, req *Request) (context.Context, *Run, error) {
	if err := validate(req); err != nil {
		return ctx, nil, err
	}
	run := &Run{ID: uuid.NewString(), Mode: req.Mode, Started: time.Now()}
	ctx = logx.WithRunID(ctx, run.ID)
	o.logger.Ctx(ctx).Info("run started: protagonist=%q mode=%s", req.Archetype.Name, req.Mode)
	return ctx, run, nil
}

func (o *Orchestrator) finish(ctx context.Context, run *Run, err error) {
	run.Duration = time.Since(run.Started)

	outcome := outcomeSuccess
	switch {
	case errors.Is(err, context.Canceled):
		outcome = outcomeCanceled
	case err != nil:
		outcome = outcomeError
	case run.ImageErr != nil || run.DialogueErr != nil:
		outcome = outcomeDegraded
	}
	o.recorder.ObserveRun(string(run.Mode), outcome, run.Duration)

	logger := o.logger.Ctx(ctx)
	if err != nil {
		logger.Error("run %s after %s: %v", outcome, run.Duration.Round(time.Millisecond), err)
		return
	}
	logger.Info("run %s in %s", outcome, run.Duration.Round(time.Millisecond))
}

// Run executes every stage and returns the complete run. A text stage failure
// aborts the run. An image failure is recorded on Run.ImageErr unless FailFast
// is set, in which case it is returned. The returned Run is non-nil whenever
// the request was valid, and holds the stages that completed.
//
//nolint:gocritic // Request is small and passed by value like llm.Request
func (o *Orchestrator) Run(ctx context.Context, req Request) (run *Run, err error) {
	ctx, run, err = o.begin(ctx, &req)
	if err != nil {
		return nil, err
	}
	defer func() { o.finish(ctx, run, err) }()

	if err = o.textStages(ctx, req, run); err != nil {
		return run, err
	}

	raw, err := o.generate(ctx, StageNarrative, o.narrativePrompt(run), o.opts.Stages.Narrative)
	if err != nil {
		return run, err
	}
	o.extract(run, raw)

	if err = o.imageStage(ctx, req, run); err != nil {
		if ctx.Err() != nil || o.opts.FailFast {
			return run, fmt.Errorf("image stage: %w", err)
		}
		o.isolate(ctx, StageImage, err)
		run.ImageErr = err
	}

	if req.Dialogue {
		o.dialogueStage(ctx, run)
	}
	return run, ctx.Err()
}

// Stream executes the run while forwarding narrative fragments to sink as they
// arrive, followed by exactly one Trailer chunk, or one WriteTrailer call when
// sink is a TrailerSink. Image failures never fail the stream: the trailer then
// carries an empty reference, even when some panels were drawn. If the
// narrative stream fails or ctx is cancelled, no trailer is written.
//
// Dialogue, when requested, runs after the trailer and is not written to sink.
//
//nolint:gocritic // Request is small and passed by value like llm.Request
func (o *Orchestrator) Stream(ctx context.Context, req Request, sink ChunkSink) (run *Run, err error) {
	ctx, run, err = o.begin(ctx, &req)
	if err != nil {
		return nil, err
	}
	defer func() { o.finish(ctx, run, err) }()

	if err = o.textStages(ctx, req, run); err != nil {
		return run, err
	}

	raw, err := o.streamNarrative(ctx, run, sink)
	if err != nil {
		return run, err
	}
	o.extract(run, raw)

	if imgErr := o.imageStage(ctx, req, run); imgErr != nil {
		if ctx.Err() != nil {
			return run, ctx.Err()
		}
		o.isolate(ctx, StageImage, imgErr)
		run.ImageErr = imgErr
	}

	if err = ctx.Err(); err != nil {
		return run, err
	}
	if err = writeTrailer(sink, run.ComicReference()); err != nil {
		return run, fmt.Errorf("writing trailer: %w", err)
	}

	if req.Dialogue {
		o.dialogueStage(ctx, run)
	}
	return run, nil
}

//nolint:gocritic // see Run
func (o *Orchestrator) textStages(ctx context.Context, req Request, run *Run) error {
	a := req.Archetype
	prompt, err := o.builder.BuildProfilePrompt(a.Name, a.SourceWork, a.Author, o.opts.Policy)
	if err != nil {
		return err //nolint:wrapcheck // InvalidInput is returned as is
	}
	profile, err := o.generate(ctx, StageProfile, prompt, o.opts.Stages.Profile)
	if err != nil {
		return err
	}
	run.Profile = CharacterProfile{Name: a.Name, SourceWork: a.SourceWork, Author: a.Author, Description: profile}

	prompt, err = o.builder.BuildSituationPrompt(req.Circumstance, profile, o.opts.Policy)
	if err != nil {
		return err //nolint:wrapcheck // InvalidInput is returned as is
	}
	situation, err := o.generate(ctx, StageSituation, prompt, o.opts.Stages.Situation)
	if err != nil {
		return err
	}
	run.Situation = SituationSetup{Circumstance: req.Circumstance, Description: situation}
	return nil
}

// narrativePrompt is only called once profile and situation exist, so the
// builder cannot reject it; a failure here is a template bug.
func (o *Orchestrator) narrativePrompt(run *Run) string {
	prompt, err := o.builder.BuildNarrativePrompt(run.Profile.Description, run.Situation.Description, run.Profile.Author, o.opts.Policy)
	if err != nil {
		o.logger.Error("narrative prompt: %v", err)
	}
	return prompt
}

func (o *Orchestrator) generate(ctx context.Context, stage, prompt string, params StageParams) (string, error) {
	logger := o.logger.Ctx(ctx)
	if prompt == "" {
		return "", llmerrors.InvalidInput("%s prompt is empty", stage)
	}
	logger.Debug("%s prompt: %s", stage, llmerrors.SanitizePrompt(prompt, promptLogChars))

	start := time.Now()
	resp, err := o.text.Generate(ctx, llm.Request{Prompt: prompt, MaxTokens: params.MaxTokens, Temperature: params.Temperature})
	o.recorder.ObserveStage(stage, err == nil, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("%s stage: %w", stage, err)
	}

	text := strings.TrimSpace(resp.Content)
	logger.Info("%s ready: %s", stage, llmerrors.SanitizePrompt(text, 100))
	return text, nil
}

// streamNarrative relays narrative fragments to sink while buffering them. The
// producer appends each fragment to the buffer before handing it to the
// consumer, so the buffer and the sink see the same order.
func (o *Orchestrator) streamNarrative(ctx context.Context, run *Run, sink ChunkSink) (string, error) {
	prompt := o.narrativePrompt(run)
	if prompt == "" {
		return "", llmerrors.InvalidInput("narrative prompt is empty")
	}
	params := o.opts.Stages.Narrative
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	stream, err := o.text.GenerateStream(gctx, llm.Request{Prompt: prompt, MaxTokens: params.MaxTokens, Temperature: params.Temperature})
	if err != nil {
		o.recorder.ObserveStage(StageNarrative, false, time.Since(start))
		return "", fmt.Errorf("narrative stage: %w", err)
	}

	var buf strings.Builder
	fragments := make(chan string)

	g.Go(func() error {
		defer close(fragments)
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case chunk, ok := <-stream:
				if !ok {
					if err := gctx.Err(); err != nil {
						return err
					}
					return llmerrors.New(llmerrors.KindProviderUnavailable, "narrative stream ended without completing")
				}
				if chunk.Err != nil {
					return chunk.Err
				}
				if chunk.Content != "" {
					buf.WriteString(chunk.Content)
					select {
					case fragments <- chunk.Content:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				if chunk.Done {
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		for fragment := range fragments {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := sink.WriteChunk(fragment); err != nil {
				return fmt.Errorf("writing chunk: %w", err)
			}
		}
		return nil
	})

	err = g.Wait()
	o.recorder.ObserveStage(StageNarrative, err == nil, time.Since(start))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		return "", fmt.Errorf("narrative stage: %w", err)
	}
	o.logger.Ctx(ctx).Info("narrative streamed: %d bytes", buf.Len())
	return buf.String(), nil
}

func (o *Orchestrator) extract(run *Run, raw string) {
	run.RawNarrative = strings.TrimSpace(raw)
	run.Narrative = marker.Split(raw, marker.Sentinel)
}

// imageStage draws the comic. In single mode the visual summary is the image
// brief, falling back to the prose when the model left it out or empty.
//
//nolint:gocritic // see Run
func (o *Orchestrator) imageStage(ctx context.Context, req Request, run *Run) error {
	start := time.Now()
	var err error
	defer func() { o.recorder.ObserveStage(StageImage, err == nil, time.Since(start)) }()

	if req.Mode == ModePanels {
		var describer llm.GenerationClient
		if o.opts.PanelDescriber {
			describer = o.text
		}
		seq := panel.NewSequencer(o.images, describer, o.builder, o.opts.Policy, o.opts.PanelCount)
		seq.Size = o.opts.ImageSize
		seq.Quality = o.opts.ImageQuality
		seq.OnPanel = req.OnPanel

		var out panel.Outcome
		out, err = seq.Run(ctx, run.RawNarrative)
		run.Image = ImageArtifact{Panels: out.Panels}
		return err
	}

	brief := run.Narrative.Summary()
	if !run.Narrative.HasMetadata() {
		brief = run.Narrative.Prose
	}
	var prompt string
	if prompt, err = o.builder.BuildImagePrompt(brief, o.opts.Policy); err != nil {
		return err
	}
	var res imagegen.Result
	res, err = o.images.Generate(ctx, imagegen.Request{Prompt: prompt, Size: o.opts.ImageSize, Quality: o.opts.ImageQuality})
	if err != nil {
		return err
	}
	run.Image = ImageArtifact{Reference: res.Reference}
	o.logger.Ctx(ctx).Info("comic image ready")
	return nil
}

func writeTrailer(sink ChunkSink, ref string) error {
	if ts, ok := sink.(TrailerSink); ok {
		return ts.WriteTrailer(ref) //nolint:wrapcheck // wrapped by the caller
	}
	return sink.WriteChunk(Trailer(ref)) //nolint:wrapcheck // wrapped by the caller
}

func (o *Orchestrator) dialogueStage(ctx context.Context, run *Run) {
	prompt, err := o.builder.BuildDialoguePrompt(run.RawNarrative, run.Image.References(), o.opts.PanelCount, o.opts.Policy)
	if err == nil {
		run.Dialogue, err = o.generate(ctx, StageDialogue, prompt, o.opts.Stages.Dialogue)
	}
	if err != nil {
		o.isolate(ctx, StageDialogue, err)
		run.DialogueErr = err
	}
}

// isolate records a failure that degrades the run without ending it.
func (o *Orchestrator) isolate(ctx context.Context, stage string, err error) {
	o.recorder.IncIsolatedFailure(stage, llmmetrics.ErrorType(err))
	o.logger.Ctx(ctx).Warn("%s stage failed, continuing without it: %v", stage, err)
}
