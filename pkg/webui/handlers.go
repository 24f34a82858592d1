package webui

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"storycomic/pkg/archetype"
	"storycomic/pkg/llm/llmerrors"
	"storycomic/pkg/panel"
	"storycomic/pkg/pipeline"
	"storycomic/pkg/version"
)

// statusClientClosed is reported when the client went away mid-run.
const statusClientClosed = 499

const (
	msgCircumstanceRequired = "Circumstance is required"
	msgUnknownMode          = "Unknown mode"
)

// statusFor maps a pipeline error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, context.Canceled):
		return statusClientClosed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	kind, ok := llmerrors.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case llmerrors.KindInvalidInput:
		return http.StatusBadRequest
	case llmerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case llmerrors.KindProviderUnavailable, llmerrors.KindProviderRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}

// buildRequest validates the user's choices. The returned message is safe to
// show to the client.
func (s *Server) buildRequest(protagonist, circumstance, mode string) (pipeline.Request, string) {
	a, err := s.store.Get(protagonist)
	if err != nil {
		return pipeline.Request{}, archetype.NotFoundMessage
	}
	if strings.TrimSpace(circumstance) == "" {
		return pipeline.Request{}, msgCircumstanceRequired
	}
	m, ok := pipeline.ParseMode(mode)
	if !ok {
		return pipeline.Request{}, msgUnknownMode
	}
	return pipeline.Request{Archetype: a, Circumstance: strings.TrimSpace(circumstance), Mode: m}, ""
}

func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Protagonists": s.store.Names(),
		"Version":      version.Version,
	})
}

func (s *Server) handleArchetypes(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.All())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

// streamSink writes chunks to the response, committing it on the first write.
type streamSink struct {
	c       *gin.Context
	started bool
}

func (w *streamSink) WriteChunk(chunk string) error {
	if !w.started {
		w.c.Header("Content-Type", "text/plain; charset=utf-8")
		w.c.Header("X-Content-Type-Options", "nosniff")
		w.c.Header("Cache-Control", "no-cache")
		w.c.Status(http.StatusOK)
		w.started = true
	}
	if _, err := w.c.Writer.WriteString(chunk); err != nil {
		return err //nolint:wrapcheck // client gone
	}
	w.c.Writer.Flush()
	return nil
}

// handleGenerate implements POST /generate: the narrative streamed as plain
// text, followed by the comic trailer.
func (s *Server) handleGenerate(c *gin.Context) {
	req, msg := s.buildRequest(c.PostForm("protagonist"), c.PostForm("circumstance"), c.PostForm("mode"))
	if msg != "" {
		c.JSON(http.StatusBadRequest, errorBody(msg))
		return
	}

	sink := &streamSink{c: c}
	_, err := s.orch.Stream(c.Request.Context(), req, sink)
	if err == nil {
		return
	}
	if sink.started {
		// The body is committed; ending it without a trailer tells the client the run failed.
		s.logger.Warn("stream for %q ended early: %v", req.Archetype.Name, err)
		return
	}
	status := http.StatusInternalServerError
	if llmerrors.Is(err, llmerrors.KindInvalidInput) {
		status = http.StatusBadRequest
	}
	s.logger.Error("generate failed before streaming: %v", err)
	c.JSON(status, errorBody(err.Error()))
}

type generateRequest struct {
	Protagonist  string `json:"protagonist"`
	Circumstance string `json:"circumstance"`
	Mode         string `json:"mode"`
	Dialogue     bool   `json:"dialogue"`
}

type generateResponse struct {
	RunID         string        `json:"run_id"`
	Protagonist   string        `json:"protagonist"`
	Profile       string        `json:"profile"`
	Situation     string        `json:"situation"`
	Story         string        `json:"story"`
	VisualSummary string        `json:"visual_summary,omitempty"`
	ComicURL      string        `json:"comic_url"`
	Dialogue      string        `json:"dialogue,omitempty"`
	ImageError    string        `json:"image_error,omitempty"`
	DialogueError string        `json:"dialogue_error,omitempty"`
	Mode          string        `json:"mode"`
	Panels        []panel.Panel `json:"panels,omitempty"`
	DurationMS    int64         `json:"duration_ms"`
}

func toResponse(run *pipeline.Run) generateResponse {
	resp := generateResponse{
		RunID:         run.ID,
		Mode:          string(run.Mode),
		Protagonist:   run.Profile.Name,
		Profile:       run.Profile.Description,
		Situation:     run.Situation.Description,
		Story:         run.Narrative.Prose,
		VisualSummary: run.Narrative.Summary(),
		ComicURL:      run.ComicReference(),
		Panels:        run.Image.Panels,
		Dialogue:      run.Dialogue,
		DurationMS:    run.Duration.Milliseconds(),
	}
	if run.ImageErr != nil {
		resp.ImageError = run.ImageErr.Error()
	}
	if run.DialogueErr != nil {
		resp.DialogueError = run.DialogueErr.Error()
	}
	return resp
}

// handleAPIGenerate implements POST /api/generate: the blocking run as JSON.
func (s *Server) handleAPIGenerate(c *gin.Context) {
	var body generateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}
	req, msg := s.buildRequest(body.Protagonist, body.Circumstance, body.Mode)
	if msg != "" {
		c.JSON(http.StatusBadRequest, errorBody(msg))
		return
	}
	req.Dialogue = body.Dialogue

	run, err := s.orch.Run(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("generate failed: %v", err)
		c.JSON(statusFor(err), errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusOK, toResponse(run))
}
