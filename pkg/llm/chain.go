package llm

import (
	"context"
)

// Middleware wraps a GenerationClient with additional behavior.
// Middlewares are composed using Chain.
type Middleware func(next GenerationClient) GenerationClient

// clientFunc adapts plain functions to the GenerationClient interface.
type clientFunc struct {
	generate  func(context.Context, Request) (Response, error)
	stream    func(context.Context, Request) (<-chan StreamChunk, error)
	modelName func() string
}

func (f clientFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f.generate(ctx, req)
}

func (f clientFunc) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	return f.stream(ctx, req)
}

func (f clientFunc) ModelName() string {
	return f.modelName()
}

// WrapClient creates a GenerationClient from function implementations.
// This is a helper for middleware implementations.
func WrapClient(
	generate func(context.Context, Request) (Response, error),
	stream func(context.Context, Request) (<-chan StreamChunk, error),
	modelName func() string,
) GenerationClient {
	return clientFunc{
		generate:  generate,
		stream:    stream,
		modelName: modelName,
	}
}

// Chain composes middlewares around a base client.
// Earlier middlewares are outermost:
//
//	Chain(client, mw1, mw2, mw3)  =>  mw1 -> mw2 -> mw3 -> client
func Chain(base GenerationClient, middlewares ...Middleware) GenerationClient {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}
