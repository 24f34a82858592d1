// Package webui serves the story generator over HTTP: the index page, the
// streaming and JSON generate endpoints, a WebSocket variant, and the health
// and metrics endpoints.
package webui

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storycomic/pkg/archetype"
	"storycomic/pkg/logx"
	"storycomic/pkg/pipeline"
)

//go:embed web/templates/*.html
var templateFS embed.FS

//go:embed web/static
var staticFS embed.FS

const shutdownTimeout = 5 * time.Second

// Server holds the shared collaborators of every request.
type Server struct {
	orch      *pipeline.Orchestrator
	store     *archetype.Store
	gatherer  prometheus.Gatherer
	logger    *logx.Logger
	templates *template.Template
}

// NewServer creates a server. A nil gatherer serves the default Prometheus registry.
func NewServer(orch *pipeline.Orchestrator, store *archetype.Store, gatherer prometheus.Gatherer) *Server {
	templates, err := template.ParseFS(templateFS, "web/templates/*.html")
	if err != nil {
		// Templates are embedded at compile time.
		panic(fmt.Sprintf("failed to parse embedded templates: %v", err))
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		orch:      orch,
		store:     store,
		gatherer:  gatherer,
		logger:    logx.NewLogger("webui"),
		templates: templates,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))
	r.SetHTMLTemplate(s.templates)

	static, err := fs.Sub(staticFS, "web/static")
	if err != nil {
		panic(fmt.Sprintf("embedded static assets: %v", err))
	}
	r.StaticFS("/static", http.FS(static))

	r.GET("/", s.handleIndex)
	r.POST("/generate", s.handleGenerate)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws/generate", s.handleWebSocket)

	api := r.Group("/api")
	api.POST("/generate", s.handleAPIGenerate)
	api.GET("/archetypes", s.handleArchetypes)

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting web UI server on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web UI server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down web UI server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	//nolint:contextcheck // parent is cancelled; shutdown needs a fresh context
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web UI shutdown: %w", err)
	}
	return nil
}

// requestLogger logs one line per request through logx.
func requestLogger(logger *logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Millisecond))
	}
}
