// Package dalle provides the OpenAI DALL-E implementation of imagegen.Client.
package dalle

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	oaitext "storycomic/internal/llmimpl/openai"
	"storycomic/pkg/imagegen"
	"storycomic/pkg/llm/llmerrors"
)

// DefaultModel is the image model used when none is configured.
const DefaultModel = openai.ImageModelDallE3

// Client wraps the OpenAI images endpoint.
type Client struct {
	client openai.Client
	model  openai.ImageModel
}

// NewClient creates a raw image client; middleware is applied by the factory.
func NewClient(apiKey, model string, opts ...option.RequestOption) *Client {
	m := openai.ImageModel(model)
	if model == "" {
		m = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &Client{client: openai.NewClient(opts...), model: m}
}

// Generate requests exactly one image and returns its URL.
func (c *Client) Generate(ctx context.Context, req imagegen.Request) (imagegen.Result, error) {
	req = imagegen.WithDefaults(req)
	resp, err := c.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          c.model,
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize(req.Size),
		Quality:        openai.ImageGenerateParamsQuality(req.Quality),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	})
	if err != nil {
		return imagegen.Result{}, oaitext.ClassifyError(err)
	}
	if resp == nil || len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return imagegen.Result{}, llmerrors.New(llmerrors.KindProviderUnavailable, "image response contained no URL")
	}
	return imagegen.Result{Reference: resp.Data[0].URL, RevisedPrompt: resp.Data[0].RevisedPrompt}, nil
}

// ModelName returns the image model identifier.
func (c *Client) ModelName() string {
	return string(c.model)
}
