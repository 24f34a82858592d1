// Package imagen provides the Google Imagen implementation of imagegen.Client.
package imagen

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"storycomic/internal/llmimpl/google"
	"storycomic/pkg/imagegen"
	"storycomic/pkg/llm/llmerrors"
)

// DefaultModel is the Imagen model used when none is configured.
const DefaultModel = "imagen-3.0-generate-002"

// Client wraps the GenAI image generation endpoint.
type Client struct {
	client  *genai.Client
	initErr error
	apiKey  string
	model   string
	baseURL string
	once    sync.Once
}

// NewClient creates a raw image client. baseURL is optional.
func NewClient(apiKey, model, baseURL string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{apiKey: apiKey, model: model, baseURL: baseURL}
}

func (c *Client) sdk(ctx context.Context) (*genai.Client, error) {
	c.once.Do(func() {
		cfg := &genai.ClientConfig{APIKey: c.apiKey, Backend: genai.BackendGeminiAPI}
		if c.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
		}
		c.client, c.initErr = genai.NewClient(ctx, cfg)
		if c.initErr != nil {
			c.initErr = llmerrors.Wrap(llmerrors.KindProviderUnavailable, c.initErr, "failed to create Imagen client")
		}
	})
	return c.client, c.initErr
}

// aspectRatio maps a WxH size onto the ratios Imagen accepts.
func aspectRatio(size string) string {
	var w, h int
	if _, err := fmt.Sscanf(size, "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return "1:1"
	}
	switch {
	case w == h:
		return "1:1"
	case w*9 == h*16:
		return "16:9"
	case w*16 == h*9:
		return "9:16"
	case w*3 == h*4:
		return "4:3"
	case w*4 == h*3:
		return "3:4"
	case w > h:
		return "16:9"
	default:
		return "9:16"
	}
}

// Generate requests one image. The reference is the GCS URI when the service
// stores the image, otherwise a base64 data URI.
func (c *Client) Generate(ctx context.Context, req imagegen.Request) (imagegen.Result, error) {
	req = imagegen.WithDefaults(req)
	client, err := c.sdk(ctx)
	if err != nil {
		return imagegen.Result{}, err
	}

	resp, err := client.Models.GenerateImages(ctx, c.model, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages:   1,
		AspectRatio:      aspectRatio(req.Size),
		IncludeRAIReason: true,
	})
	if err != nil {
		return imagegen.Result{}, google.ClassifyError(err)
	}
	return toResult(resp)
}

func toResult(resp *genai.GenerateImagesResponse) (imagegen.Result, error) {
	if resp == nil || len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0] == nil {
		return imagegen.Result{}, llmerrors.New(llmerrors.KindProviderUnavailable, "Imagen returned no images")
	}
	generated := resp.GeneratedImages[0]
	if generated.RAIFilteredReason != "" {
		return imagegen.Result{}, llmerrors.New(llmerrors.KindProviderRejected, "Imagen filtered the image: "+generated.RAIFilteredReason)
	}

	img := generated.Image
	switch {
	case img == nil:
		return imagegen.Result{}, llmerrors.New(llmerrors.KindProviderUnavailable, "Imagen returned an empty image")
	case img.GCSURI != "":
		return imagegen.Result{Reference: img.GCSURI, RevisedPrompt: generated.EnhancedPrompt}, nil
	case len(img.ImageBytes) > 0:
		mime := img.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		ref := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.ImageBytes)
		return imagegen.Result{Reference: ref, RevisedPrompt: generated.EnhancedPrompt}, nil
	default:
		return imagegen.Result{}, llmerrors.New(llmerrors.KindProviderUnavailable, "Imagen image carried no data")
	}
}

// ModelName returns the image model identifier.
func (c *Client) ModelName() string {
	return c.model
}
