package pipeline

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storycomic/pkg/archetype"
	"storycomic/pkg/imagegen"
	"storycomic/pkg/llm"
	"storycomic/pkg/llm/llmerrors"
	"storycomic/pkg/marker"
	"storycomic/pkg/metrics"
	"storycomic/pkg/panel"
	"storycomic/pkg/templates"
)

var heidi = archetype.Archetype{Name: "Heidi", SourceWork: "Heidi", Author: "Johanna Spyri"}

// collectSink records every chunk it receives.
type collectSink struct {
	onChunk func(string)
	err     error
	chunks  []string
	mu      sync.Mutex
}

func (s *collectSink) WriteChunk(chunk string) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
	if s.onChunk != nil {
		s.onChunk(chunk)
	}
	return s.err
}

func (s *collectSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chunks...)
}

func (s *collectSink) output() string {
	return strings.Join(s.all(), "")
}

type isolation struct{ stage, errorType string }

type fakeRecorder struct {
	metrics.NoopRecorder
	mu        sync.Mutex
	isolated  []isolation
	outcomes  []string
	stageRuns map[string]bool
}

func (f *fakeRecorder) IncIsolatedFailure(stage, errorType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isolated = append(f.isolated, isolation{stage, errorType})
}

func (f *fakeRecorder) ObserveRun(_, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeRecorder) ObserveStage(stage string, success bool, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stageRuns == nil {
		f.stageRuns = map[string]bool{}
	}
	f.stageRuns[stage] = success
}

func textSteps(narrative ...string) []llm.MockStep {
	return []llm.MockStep{
		{Content: "Heidi is open-hearted, stubborn and happiest outdoors."},
		{Content: "At a crowded airport Heidi misses a flight to the mountains."},
		{Fragments: narrative},
	}
}

func newOrchestrator(text llm.GenerationClient, images imagegen.Client, rec metrics.Recorder, mutate func(*Options)) *Orchestrator {
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	return New(text, images, templates.MustNewBuilder(), rec, opts)
}

func TestStreamEndToEnd(t *testing.T) {
	ref := "https://img.test/comic.png?sig=a b&x=1"
	text := llm.NewMockClient(textSteps(
		"Heidi sprints through the terminal. ",
		"The gate closes in front of her.\n\nVISUAL SUMMARY: ",
		"a girl with a backpack at a closed gate",
	)...)
	images := imagegen.NewMockClient(imagegen.MockStep{Reference: ref})
	orch := newOrchestrator(text, images, nil, func(o *Options) { o.Policy = "" })
	sink := &collectSink{}

	run, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, sink)
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.NotEmpty(t, run.Profile.Description)
	assert.Equal(t, "Johanna Spyri", run.Profile.Author)
	assert.Contains(t, run.Situation.Description, "misses a flight")
	assert.NotEmpty(t, run.Narrative.Prose)
	assert.NotContains(t, run.Narrative.Prose, marker.Sentinel)
	assert.Equal(t, "VISUAL SUMMARY:a girl with a backpack at a closed gate", run.Narrative.VisualMetadata)
	assert.Equal(t, ref, run.Image.Reference)
	assert.NoError(t, run.ImageErr)

	chunks := sink.all()
	require.Len(t, chunks, 4)
	assert.Equal(t, "\n\nCOMIC_URL:"+url.QueryEscape(ref), chunks[3])
	assert.True(t, strings.HasSuffix(sink.output(), "\n\nCOMIC_URL:"+url.QueryEscape(ref)))

	body, decoded, ok := ParseTrailer(sink.output())
	require.True(t, ok)
	assert.Equal(t, ref, decoded)
	assert.Equal(t, run.RawNarrative, strings.TrimSpace(body))

	imgReqs := images.Requests()
	require.Len(t, imgReqs, 1)
	assert.Contains(t, imgReqs[0].Prompt, "a girl with a backpack")
	assert.NotContains(t, imgReqs[0].Prompt, "CRITICAL")
	assert.Equal(t, "1024x1024", imgReqs[0].Size)
	assert.Equal(t, "standard", imgReqs[0].Quality)
}

func TestStreamImageFailureIsIsolated(t *testing.T) {
	fragments := []string{"Once ", "upon ", "a time."}
	text := llm.NewMockClient(textSteps(fragments...)...)
	images := imagegen.NewMockClient(imagegen.MockStep{Err: llmerrors.New(llmerrors.KindProviderRejected, "content policy")})
	rec := &fakeRecorder{}
	orch := newOrchestrator(text, images, rec, nil)
	sink := &collectSink{}

	run, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, sink)
	require.NoError(t, err)
	require.Error(t, run.ImageErr)

	assert.Equal(t, "Once upon a time.\n\nCOMIC_URL:", sink.output())
	_, decoded, ok := ParseTrailer(sink.output())
	assert.True(t, ok)
	assert.Equal(t, "", decoded)

	assert.Equal(t, []isolation{{StageImage, "provider_rejected"}}, rec.isolated)
	assert.Equal(t, []string{outcomeDegraded}, rec.outcomes)
}

func TestStreamWithoutSentinelUsesProse(t *testing.T) {
	text := llm.NewMockClient(textSteps("A story with no brief.")...)
	images := imagegen.NewMockClient()
	orch := newOrchestrator(text, images, nil, nil)

	run, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, &collectSink{})
	require.NoError(t, err)
	assert.Equal(t, "", run.Narrative.VisualMetadata)
	assert.Equal(t, "A story with no brief.", run.Narrative.Prose)
	assert.Contains(t, images.Requests()[0].Prompt, "A story with no brief.")
}

func TestStreamStageParameters(t *testing.T) {
	text := llm.NewMockClient(textSteps("story")...)
	orch := newOrchestrator(text, imagegen.NewMockClient(), nil, nil)

	_, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, &collectSink{})
	require.NoError(t, err)

	reqs := text.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, 400, reqs[0].MaxTokens)
	assert.Nil(t, reqs[0].Temperature)
	assert.Equal(t, 300, reqs[1].MaxTokens)
	assert.Nil(t, reqs[1].Temperature)
	assert.Equal(t, 2000, reqs[2].MaxTokens)
	require.NotNil(t, reqs[2].Temperature)
	assert.InDelta(t, 0.7, *reqs[2].Temperature, 1e-6)

	for _, req := range reqs {
		assert.Contains(t, req.Prompt, string(templates.FaceReminder))
	}
	assert.Contains(t, reqs[1].Prompt, "misses a flight")
	assert.Contains(t, reqs[1].Prompt, "Heidi is open-hearted")
	assert.Contains(t, reqs[2].Prompt, "At a crowded airport")
}

func TestStreamNarrativeFailureWritesNoTrailer(t *testing.T) {
	steps := textSteps("partial ")
	steps[2].StreamErr = llmerrors.New(llmerrors.KindProviderUnavailable, "connection reset")
	text := llm.NewMockClient(steps...)
	images := imagegen.NewMockClient()
	orch := newOrchestrator(text, images, nil, nil)
	sink := &collectSink{}

	_, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, sink)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.KindProviderUnavailable))
	assert.NotContains(t, sink.output(), TrailerTag)
	assert.LessOrEqual(t, len(sink.all()), 1)
	assert.Empty(t, images.Requests())
}

func TestStreamTextStageFailureAborts(t *testing.T) {
	text := llm.NewMockClient(llm.MockStep{Err: llmerrors.New(llmerrors.KindTimeout, "slow")})
	sink := &collectSink{}
	orch := newOrchestrator(text, imagegen.NewMockClient(), nil, nil)

	run, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, sink)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.KindTimeout))
	assert.Contains(t, err.Error(), "profile stage")
	require.NotNil(t, run)
	assert.Empty(t, sink.all())
}

func TestStreamCancelStopsChunks(t *testing.T) {
	steps := textSteps("first ", "second ", "third")
	text := llm.NewMockClient(steps...)
	images := imagegen.NewMockClient()
	orch := newOrchestrator(text, images, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &collectSink{onChunk: func(string) { cancel() }}

	_, err := orch.Stream(ctx, Request{Archetype: heidi, Circumstance: "misses a flight"}, sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first "}, sink.all())
	assert.Empty(t, images.Requests())
}

func TestStreamCancelDuringImageWritesNoTrailer(t *testing.T) {
	text := llm.NewMockClient(textSteps("story")...)
	images := imagegen.NewMockClient(imagegen.MockStep{Block: true})
	orch := newOrchestrator(text, images, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(30*time.Millisecond, cancel)
	sink := &collectSink{}

	_, err := orch.Stream(ctx, Request{Archetype: heidi, Circumstance: "misses a flight"}, sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"story"}, sink.all())
}

func TestStreamSinkErrorEndsRun(t *testing.T) {
	text := llm.NewMockClient(textSteps("a", "b", "c")...)
	images := imagegen.NewMockClient()
	orch := newOrchestrator(text, images, nil, nil)
	sink := &collectSink{err: errors.New("client gone")}

	_, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client gone")
	assert.Equal(t, []string{"a"}, sink.all())
	assert.Empty(t, images.Requests())
}

func TestStreamPanelMode(t *testing.T) {
	text := llm.NewMockClient(textSteps("A story in panels.")...)
	images := imagegen.NewMockClient()
	orch := newOrchestrator(text, images, nil, func(o *Options) {
		o.PanelCount = 3
		o.PanelDescriber = false
	})
	var progress []int
	sink := &collectSink{}

	run, err := orch.Stream(context.Background(), Request{
		Archetype:    heidi,
		Circumstance: "misses a flight",
		Mode:         ModePanels,
		OnPanel:      func(p panel.Panel) { progress = append(progress, p.Index) },
	}, sink)
	require.NoError(t, err)

	require.Len(t, run.Image.Panels, 3)
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Equal(t, []string{"https://images.test/1.png", "https://images.test/2.png", "https://images.test/3.png"}, run.Image.References())
	assert.True(t, strings.HasSuffix(sink.output(), Trailer("https://images.test/1.png")))
}

func TestStreamPanelModeWithDescriber(t *testing.T) {
	steps := append(textSteps("story"),
		llm.MockStep{Content: "desc one"},
		llm.MockStep{Content: "desc two"},
	)
	text := llm.NewMockClient(steps...)
	orch := newOrchestrator(text, imagegen.NewMockClient(), nil, func(o *Options) { o.PanelCount = 2 })

	run, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight", Mode: ModePanels}, &collectSink{})
	require.NoError(t, err)
	require.Len(t, run.Image.Panels, 2)
	assert.Equal(t, "desc one", run.Image.Panels[0].Prompt)
	assert.Contains(t, text.Requests()[4].Prompt, "Panel 1: desc one")
}

func TestStreamPanelFailureWritesEmptyTrailer(t *testing.T) {
	text := llm.NewMockClient(textSteps("story")...)
	images := imagegen.NewMockClient(
		imagegen.MockStep{Reference: "ref-1"},
		imagegen.MockStep{Err: llmerrors.New(llmerrors.KindProviderUnavailable, "503")},
	)
	orch := newOrchestrator(text, images, nil, func(o *Options) { o.PanelDescriber = false })
	sink := &collectSink{}

	run, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight", Mode: ModePanels}, sink)
	require.NoError(t, err)
	require.Error(t, run.ImageErr)

	var panelErr *panel.Error
	require.ErrorAs(t, run.ImageErr, &panelErr)
	assert.Equal(t, 2, panelErr.Index)

	// The drawn panel stays on the run; the trailer reports the failure.
	require.Len(t, run.Image.Panels, 1)
	assert.Equal(t, "ref-1", run.Image.Panels[0].Reference)
	assert.Equal(t, "", run.ComicReference())

	_, decoded, ok := ParseTrailer(sink.output())
	require.True(t, ok)
	assert.Equal(t, "", decoded)
	assert.True(t, strings.HasSuffix(sink.output(), Trailer("")))
}

func TestStreamBareSentinelUsesProse(t *testing.T) {
	text := llm.NewMockClient(textSteps("Heidi waits at gate nine.", "\n\nVISUAL SUMMARY:")...)
	images := imagegen.NewMockClient()
	orch := newOrchestrator(text, images, nil, nil)

	run, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, &collectSink{})
	require.NoError(t, err)
	assert.False(t, run.Narrative.HasMetadata())
	require.Len(t, images.Requests(), 1)
	assert.Contains(t, images.Requests()[0].Prompt, "Heidi waits at gate nine.")
}

func TestStreamImageBriefOmitsSentinel(t *testing.T) {
	summary := strings.Repeat("a", templates.MaxSummaryRunes)
	text := llm.NewMockClient(textSteps("story ", "VISUAL SUMMARY: "+summary)...)
	images := imagegen.NewMockClient()
	orch := newOrchestrator(text, images, nil, nil)

	_, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, &collectSink{})
	require.NoError(t, err)
	prompt := images.Requests()[0].Prompt
	assert.NotContains(t, prompt, marker.Sentinel)
	assert.Contains(t, prompt, summary)
	assert.NotContains(t, prompt, summary+"...")
}

// trailerSink separates narrative chunks from the trailer reference.
type trailerSink struct {
	collectSink
	refs []string
}

func (s *trailerSink) WriteTrailer(ref string) error {
	s.refs = append(s.refs, ref)
	return nil
}

func TestStreamTrailerSinkGetsReferenceSeparately(t *testing.T) {
	lookalike := "\n\n" + TrailerTag + ":not-a-trailer"
	text := llm.NewMockClient(textSteps(lookalike, " story")...)
	images := imagegen.NewMockClient(imagegen.MockStep{Reference: "https://img.test/a.png?x=1"})
	orch := newOrchestrator(text, images, nil, nil)
	sink := &trailerSink{}

	_, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{lookalike, " story"}, sink.all())
	assert.Equal(t, []string{"https://img.test/a.png?x=1"}, sink.refs)
}

func TestRunFailFast(t *testing.T) {
	imageErr := llmerrors.New(llmerrors.KindProviderRejected, "content policy")

	t.Run("isolated by default", func(t *testing.T) {
		text := llm.NewMockClient(textSteps("story VISUAL SUMMARY: brief")...)
		orch := newOrchestrator(text, imagegen.NewMockClient(imagegen.MockStep{Err: imageErr}), nil, nil)

		run, err := orch.Run(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"})
		require.NoError(t, err)
		assert.Equal(t, "story", run.Narrative.Prose)
		assert.ErrorIs(t, run.ImageErr, imageErr)
		assert.Empty(t, run.Image.PrimaryReference())
	})

	t.Run("returned with fail fast", func(t *testing.T) {
		text := llm.NewMockClient(textSteps("story VISUAL SUMMARY: brief")...)
		orch := newOrchestrator(text, imagegen.NewMockClient(imagegen.MockStep{Err: imageErr}), nil, func(o *Options) { o.FailFast = true })

		run, err := orch.Run(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"})
		require.Error(t, err)
		assert.True(t, llmerrors.Is(err, llmerrors.KindProviderRejected))
		require.NotNil(t, run)
		assert.Equal(t, "story", run.Narrative.Prose)
	})
}

func TestRunBlocking(t *testing.T) {
	text := llm.NewMockClient(
		llm.MockStep{Content: "profile"},
		llm.MockStep{Content: "situation"},
		llm.MockStep{Content: "The end.\nVISUAL SUMMARY: a quiet platform"},
		llm.MockStep{Content: "Panel 1:\nVisual Description: ..."},
	)
	images := imagegen.NewMockClient(imagegen.MockStep{Reference: "https://img.test/one.png"})
	orch := newOrchestrator(text, images, nil, nil)

	run, err := orch.Run(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight", Dialogue: true})
	require.NoError(t, err)
	assert.Equal(t, "The end.", run.Narrative.Prose)
	assert.Equal(t, "https://img.test/one.png", run.Image.Reference)
	assert.Equal(t, "Panel 1:\nVisual Description: ...", run.Dialogue)
	assert.NoError(t, run.DialogueErr)

	reqs := text.Requests()
	require.Len(t, reqs, 4)
	assert.Contains(t, reqs[3].Prompt, "https://img.test/one.png")
	assert.Equal(t, 1000, reqs[3].MaxTokens)
}

func TestRunDialogueFailureIsIsolated(t *testing.T) {
	text := llm.NewMockClient(
		llm.MockStep{Content: "profile"},
		llm.MockStep{Content: "situation"},
		llm.MockStep{Content: "story"},
		llm.MockStep{Err: llmerrors.New(llmerrors.KindProviderUnavailable, "down")},
	)
	rec := &fakeRecorder{}
	orch := newOrchestrator(text, imagegen.NewMockClient(), rec, nil)

	run, err := orch.Run(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight", Dialogue: true})
	require.NoError(t, err)
	assert.Error(t, run.DialogueErr)
	assert.NotEmpty(t, run.Image.Reference)
	assert.Equal(t, []isolation{{StageDialogue, "provider_unavailable"}}, rec.isolated)
}

func TestInvalidInputBeforeProviderCalls(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty circumstance", Request{Archetype: heidi, Circumstance: "  "}},
		{"missing archetype", Request{Circumstance: "misses a flight"}},
		{"unknown mode", Request{Archetype: heidi, Circumstance: "misses a flight", Mode: "gif"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := llm.NewMockClient()
			images := imagegen.NewMockClient()
			orch := newOrchestrator(text, images, nil, nil)
			sink := &collectSink{}

			run, err := orch.Stream(context.Background(), tt.req, sink)
			require.Error(t, err)
			assert.Nil(t, run)
			assert.True(t, llmerrors.Is(err, llmerrors.KindInvalidInput))

			_, err = orch.Run(context.Background(), tt.req)
			assert.True(t, llmerrors.Is(err, llmerrors.KindInvalidInput))

			assert.Empty(t, text.Requests())
			assert.Empty(t, images.Requests())
			assert.Empty(t, sink.all())
		})
	}
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	images := imagegen.NewMockClient()
	builder := templates.MustNewBuilder()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := llm.NewMockClient(textSteps("story")...)
			orch := New(text, images, builder, nil, DefaultOptions())
			run, err := orch.Stream(context.Background(), Request{Archetype: heidi, Circumstance: "misses a flight"}, &collectSink{})
			if assert.NoError(t, err) {
				ids[i] = run.ID
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, images.Requests(), 8)
}

func TestParseMode(t *testing.T) {
	mode, ok := ParseMode("")
	assert.True(t, ok)
	assert.Equal(t, ModeSingle, mode)

	mode, ok = ParseMode(" Panels ")
	assert.True(t, ok)
	assert.Equal(t, ModePanels, mode)

	_, ok = ParseMode("gif")
	assert.False(t, ok)
}

func TestTrailer(t *testing.T) {
	assert.Equal(t, "\n\nCOMIC_URL:", Trailer(""))
	assert.Equal(t, "\n\nCOMIC_URL:https%3A%2F%2Fa.test%2Fx.png%3Fa%3D1%26b%3D2", Trailer("https://a.test/x.png?a=1&b=2"))

	text, ref, ok := ParseTrailer("story" + Trailer("https://a.test/x y.png"))
	assert.True(t, ok)
	assert.Equal(t, "story", text)
	assert.Equal(t, "https://a.test/x y.png", ref)

	_, _, ok = ParseTrailer("no trailer here")
	assert.False(t, ok)
}
