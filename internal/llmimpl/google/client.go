// Package google provides the Gemini implementation of llm.GenerationClient.
package google

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"storycomic/pkg/llm"
	"storycomic/pkg/llm/llmerrors"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// GeminiClient wraps the Google GenAI client.
// The SDK client is created on first use because construction needs a context.
type GeminiClient struct {
	client  *genai.Client
	initErr error
	apiKey  string
	model   string
	baseURL string
	once    sync.Once
}

// NewGeminiClient creates a raw client; middleware is applied by the factory.
// baseURL is optional and overrides the Gemini API endpoint.
func NewGeminiClient(apiKey, model, baseURL string) *GeminiClient {
	if model == "" {
		model = DefaultModel
	}
	return &GeminiClient{apiKey: apiKey, model: model, baseURL: baseURL}
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if g.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
		}
		client, err := genai.NewClient(ctx, cfg)
		if err != nil {
			g.initErr = llmerrors.Wrap(llmerrors.KindProviderUnavailable, err, "failed to create Gemini client")
			return
		}
		g.client = client
	})
	return g.client, g.initErr
}

func config(in llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		//nolint:gosec // MaxTokens is bounded by stage parameters
		MaxOutputTokens: int32(in.MaxTokens),
		Temperature:     in.Temperature,
	}
	if in.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(in.System, genai.RoleUser)
	}
	return cfg
}

// Generate implements llm.GenerationClient.
//
//nolint:gocritic // Request passed by value to match the interface
func (g *GeminiClient) Generate(ctx context.Context, in llm.Request) (llm.Response, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return llm.Response{}, err
	}

	result, err := client.Models.GenerateContent(ctx, g.model, genai.Text(in.Prompt), config(in))
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if err := checkBlocked(result); err != nil {
		return llm.Response{}, err
	}

	text := result.Text()
	if text == "" {
		return llm.Response{}, llmerrors.New(llmerrors.KindProviderUnavailable, "Gemini response contained no text")
	}
	return llm.Response{Content: text, StopReason: stopReason(result)}, nil
}

// GenerateStream implements llm.GenerationClient over GenerateContentStream.
//
//nolint:gocritic // Request passed by value to match the interface
func (g *GeminiClient) GenerateStream(ctx context.Context, in llm.Request) (<-chan llm.StreamChunk, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)

		send := func(chunk llm.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for result, err := range client.Models.GenerateContentStream(ctx, g.model, genai.Text(in.Prompt), config(in)) {
			if err != nil {
				if ctx.Err() == nil {
					send(llm.StreamChunk{Err: classifyError(err)})
				}
				return
			}
			if blocked := checkBlocked(result); blocked != nil {
				send(llm.StreamChunk{Err: blocked})
				return
			}
			if text := result.Text(); text != "" {
				if !send(llm.StreamChunk{Content: text}) {
					return
				}
			}
		}
		send(llm.StreamChunk{Done: true})
	}()
	return ch, nil
}

// ModelName returns the model name for this client.
func (g *GeminiClient) ModelName() string {
	return g.model
}

// checkBlocked reports safety blocks as rejections.
func checkBlocked(result *genai.GenerateContentResponse) error {
	if result == nil {
		return llmerrors.New(llmerrors.KindProviderUnavailable, "empty response from Gemini API")
	}
	if fb := result.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return llmerrors.New(llmerrors.KindProviderRejected, fmt.Sprintf("Gemini blocked the prompt: %s", fb.BlockReason))
	}
	switch stopReason(result) {
	case string(genai.FinishReasonSafety), string(genai.FinishReasonProhibitedContent), string(genai.FinishReasonBlocklist):
		return llmerrors.New(llmerrors.KindProviderRejected, "Gemini stopped generation for safety")
	}
	return nil
}

func stopReason(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0] == nil {
		return ""
	}
	return string(result.Candidates[0].FinishReason)
}

// classifyError maps GenAI SDK errors onto the generation taxonomy.
func classifyError(err error) error {
	if ctxErr := llmerrors.FromContext(err, "gemini request"); ctxErr != nil {
		return ctxErr
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Kind:       llmerrors.KindForStatus(apiErr.Code),
			StatusCode: apiErr.Code,
			Message:    fmt.Sprintf("gemini returned status %d", apiErr.Code),
			Err:        err,
		}
	}

	return llmerrors.Wrap(llmerrors.KindProviderUnavailable, err, "gemini request failed")
}

// ClassifyError exposes the GenAI error mapping to sibling adapters.
func ClassifyError(err error) error {
	return classifyError(err)
}
