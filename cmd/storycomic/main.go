// Command storycomic turns a classic protagonist and an everyday circumstance
// into a short story and a comic.
//
// Usage:
//
//	storycomic serve [-config file] [-host addr] [-port n]
//	storycomic generate -protagonist NAME -circumstance TEXT [-panels] [-config file]
//	storycomic archetypes [-file path]
//	storycomic version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/term"

	"storycomic/internal/factory"
	"storycomic/pkg/archetype"
	"storycomic/pkg/config"
	"storycomic/pkg/logx"
	"storycomic/pkg/metrics"
	"storycomic/pkg/pipeline"
	"storycomic/pkg/templates"
	"storycomic/pkg/version"
	"storycomic/pkg/webui"
)

const usage = `usage: storycomic <command> [flags]

commands:
  serve        run the web server
  generate     write one story to stdout
  archetypes   list the available protagonists
  version      print build information
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(ctx, args[1:], stderr)
	case "generate":
		err = runGenerate(ctx, args[1:], stdout, stderr)
	case "archetypes":
		err = runArchetypes(args[1:], stdout, stderr)
	case "version", "-version", "--version":
		fmt.Fprintln(stdout, version.String())
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintf(stderr, "storycomic %s: %v\n", args[0], err)
		return 1
	}
}

var errUsage = errors.New("usage error")

// app is everything a command needs, built once from the configuration.
type app struct {
	cfg      *config.Config
	orch     *pipeline.Orchestrator
	store    *archetype.Store
	registry *prometheus.Registry
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := archetype.Load(cfg.ArchetypesFile)
	if err != nil {
		return nil, err //nolint:wrapcheck // already describes the file
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheusRecorder(registry)

	clients := factory.NewClientFactory(cfg, recorder)
	text, err := clients.TextClient()
	if err != nil {
		return nil, fmt.Errorf("text client: %w", err)
	}
	images, err := clients.ImageClient()
	if err != nil {
		return nil, fmt.Errorf("image client: %w", err)
	}

	builder, err := templates.NewBuilder()
	if err != nil {
		return nil, fmt.Errorf("prompt templates: %w", err)
	}

	return &app{
		cfg:      cfg,
		orch:     pipeline.New(text, images, builder, recorder, pipelineOptions(cfg)),
		store:    store,
		registry: registry,
	}, nil
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Policy = cfg.Policy()
	opts.ImageSize = cfg.ImageSize
	opts.ImageQuality = cfg.ImageQuality
	opts.PanelCount = cfg.PanelCount
	opts.PanelDescriber = cfg.PanelDescriber
	opts.FailFast = cfg.FailFast
	return opts
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "YAML config file overlaying the environment")
	host := fs.String("host", "", "listen host (overrides HOST)")
	port := fs.Int("port", 0, "listen port (overrides PORT)")
	if err := fs.Parse(args); err != nil {
		return err //nolint:wrapcheck // flag already printed it
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err //nolint:wrapcheck // config errors are self-describing
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	logx.Infof("storycomic %s: text=%s image=%s panels=%d", version.Version, cfg.TextProvider, cfg.ImageProvider, cfg.PanelCount)
	return webui.NewServer(a.orch, a.store, a.registry).ListenAndServe(ctx, cfg.Addr()) //nolint:wrapcheck // already wrapped
}

func runGenerate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "YAML config file overlaying the environment")
	protagonist := fs.String("protagonist", "", "protagonist name (see `storycomic archetypes`)")
	circumstance := fs.String("circumstance", "", "what happens to the protagonist")
	panels := fs.Bool("panels", false, "draw each panel separately")
	if err := fs.Parse(args); err != nil {
		return err //nolint:wrapcheck // flag already printed it
	}
	if *protagonist == "" || strings.TrimSpace(*circumstance) == "" {
		fmt.Fprintln(stderr, "generate: -protagonist and -circumstance are required")
		fs.Usage()
		return errUsage
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err //nolint:wrapcheck // config errors are self-describing
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	character, err := a.store.Get(*protagonist)
	if err != nil {
		return fmt.Errorf("%s (try `storycomic archetypes`)", archetype.NotFoundMessage)
	}
	req := pipeline.Request{Archetype: character, Circumstance: *circumstance, Mode: pipeline.ModeSingle}
	if *panels {
		req.Mode = pipeline.ModePanels
	}

	sink := &cliSink{w: stdout, readable: isTerminal(stdout)}
	if _, err := a.orch.Stream(ctx, req, sink); err != nil {
		return err //nolint:wrapcheck // stage errors carry their own context
	}
	return nil
}

func runArchetypes(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("archetypes", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", os.Getenv("ARCHETYPES_FILE"), "archetype catalogue (YAML); empty uses the built-in list")
	if err := fs.Parse(args); err != nil {
		return err //nolint:wrapcheck // flag already printed it
	}

	store, err := archetype.Load(*file)
	if err != nil {
		return err //nolint:wrapcheck // already describes the file
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTAGONIST\tSTORY\tAUTHOR")
	for _, a := range store.All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, a.SourceWork, a.Author)
	}
	return tw.Flush() //nolint:wrapcheck // stdout
}

// cliSink writes the story to the terminal. When readable is set the raw
// trailer is replaced by a "Comic:" line.
type cliSink struct {
	w        io.Writer
	readable bool
}

func (s *cliSink) WriteChunk(chunk string) error {
	_, err := io.WriteString(s.w, chunk)
	return err //nolint:wrapcheck // stdout
}

func (s *cliSink) WriteTrailer(ref string) error {
	if !s.readable {
		return s.WriteChunk(pipeline.Trailer(ref))
	}
	if ref == "" {
		ref = "(the image could not be generated)"
	}
	_, err := fmt.Fprintf(s.w, "\n\nComic: %s\n", ref)
	return err //nolint:wrapcheck // stdout
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
