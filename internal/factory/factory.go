// Package factory builds the provider clients named by the configuration,
// each wrapped in its middleware chain.
package factory

import (
	"fmt"

	"golang.org/x/time/rate"

	"storycomic/internal/imageimpl/dalle"
	"storycomic/internal/imageimpl/imagen"
	"storycomic/internal/llmimpl/anthropic"
	"storycomic/internal/llmimpl/google"
	"storycomic/internal/llmimpl/ollama"
	"storycomic/internal/llmimpl/openai"
	"storycomic/pkg/config"
	"storycomic/pkg/imagegen"
	"storycomic/pkg/llm"
	"storycomic/pkg/llm/middleware/metrics"
	"storycomic/pkg/llm/middleware/ratelimit"
	"storycomic/pkg/llm/middleware/timeout"
	"storycomic/pkg/logx"
	metricsrec "storycomic/pkg/metrics"
)

// ClientFactory creates provider clients that share one rate limiter per
// modality, so every run draws from the same budget.
type ClientFactory struct {
	recorder    metricsrec.Recorder
	textLimiter *ratelimit.Limiter
	imagePacer  *rate.Limiter
	logger      *logx.Logger
	cfg         config.Config
}

// NewClientFactory creates a factory for cfg. A nil recorder disables metrics.
func NewClientFactory(cfg *config.Config, recorder metricsrec.Recorder) *ClientFactory {
	if recorder == nil {
		recorder = metricsrec.Nop()
	}
	f := &ClientFactory{
		cfg:         *cfg,
		recorder:    recorder,
		textLimiter: ratelimit.NewLimiter(cfg.TextRateLimit()),
		logger:      logx.NewLogger("factory"),
	}
	if cfg.ImageInterval > 0 {
		f.imagePacer = rate.NewLimiter(rate.Every(cfg.ImageInterval), 1)
	}
	return f
}

// TextClient returns the configured text client.
// Chain order: Metrics -> RateLimit -> Timeout -> raw client.
func (f *ClientFactory) TextClient() (llm.GenerationClient, error) {
	raw, err := f.rawTextClient()
	if err != nil {
		return nil, err
	}

	middlewares := []llm.Middleware{
		metrics.Middleware(f.recorder, nil, f.logger),
		ratelimit.Middleware(f.textLimiter, nil, f.recorder),
	}
	if f.cfg.TextTimeout > 0 {
		middlewares = append(middlewares, timeout.Middleware(f.cfg.TextTimeout))
	}
	f.logger.Info("text provider %s, model %s", f.cfg.TextProvider, raw.ModelName())
	return llm.Chain(raw, middlewares...), nil
}

func (f *ClientFactory) rawTextClient() (llm.GenerationClient, error) {
	switch f.cfg.TextProvider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClient(f.cfg.AnthropicAPIKey, f.cfg.TextModel), nil
	case config.ProviderOpenAI:
		return openai.NewChatClient(f.cfg.OpenAIAPIKey, f.cfg.TextModel), nil
	case config.ProviderGoogle:
		return google.NewGeminiClient(f.cfg.GeminiAPIKey, f.cfg.TextModel, ""), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClient(f.cfg.OllamaHost, f.cfg.TextModel), nil
	default:
		return nil, fmt.Errorf("unsupported text provider: %s", f.cfg.TextProvider)
	}
}

// ImageClient returns the configured image client.
// Chain order: Metrics -> Pacing -> Timeout -> raw client, so queue time is
// not charged against the request timeout.
func (f *ClientFactory) ImageClient() (imagegen.Client, error) {
	var raw imagegen.Client
	switch f.cfg.ImageProvider {
	case config.ImageProviderDalle:
		raw = dalle.NewClient(f.cfg.OpenAIAPIKey, f.cfg.ImageModel)
	case config.ImageProviderImagen:
		raw = imagen.NewClient(f.cfg.GeminiAPIKey, f.cfg.ImageModel, "")
	default:
		return nil, fmt.Errorf("unsupported image provider: %s", f.cfg.ImageProvider)
	}

	middlewares := []imagegen.Middleware{imagegen.WithMetrics(f.recorder, f.logger)}
	if f.imagePacer != nil {
		middlewares = append(middlewares, imagegen.WithPacing(f.imagePacer, f.recorder))
	}
	middlewares = append(middlewares, imagegen.WithTimeout(f.cfg.ImageTimeout))
	f.logger.Info("image provider %s, model %s", f.cfg.ImageProvider, raw.ModelName())
	return imagegen.Chain(raw, middlewares...), nil
}
