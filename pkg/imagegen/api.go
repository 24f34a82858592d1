// Package imagegen provides the image generation client contract and its middlewares.
package imagegen

import (
	"context"
)

// Defaults applied by adapters when a Request leaves a field empty.
const (
	DefaultSize    = "1024x1024"
	DefaultQuality = "standard"
)

// Request describes a single image to produce.
type Request struct {
	Prompt  string
	Size    string // "1024x1024" unless overridden
	Quality string // "standard" unless overridden
}

// Result carries an opaque reference to the produced image.
// Reference is a URL or a data URI, depending on the provider.
type Result struct {
	Reference     string
	RevisedPrompt string // prompt after provider rewriting, when reported
}

// Client produces one image per call.
type Client interface {
	Generate(ctx context.Context, req Request) (Result, error)
	ModelName() string
}

// WithDefaults fills empty fields of req.
func WithDefaults(req Request) Request {
	if req.Size == "" {
		req.Size = DefaultSize
	}
	if req.Quality == "" {
		req.Quality = DefaultQuality
	}
	return req
}

// Middleware wraps a Client with additional behavior.
type Middleware func(next Client) Client

type clientFunc struct {
	generate  func(context.Context, Request) (Result, error)
	modelName func() string
}

func (f clientFunc) Generate(ctx context.Context, req Request) (Result, error) {
	return f.generate(ctx, req)
}

func (f clientFunc) ModelName() string {
	return f.modelName()
}

// WrapClient creates a Client from function implementations.
func WrapClient(generate func(context.Context, Request) (Result, error), modelName func() string) Client {
	return clientFunc{generate: generate, modelName: modelName}
}

// Chain composes middlewares around a base client. Earlier middlewares are outermost.
func Chain(base Client, middlewares ...Middleware) Client {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}
