// Package llm provides the text generation client contract shared by all provider adapters.
package llm

import (
	"context"
)

// Request is a single-turn text generation request.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type Request struct {
	Prompt    string
	System    string   // optional system instruction
	MaxTokens int      // upper bound on generated tokens
	// Temperature is nil when the provider default should be used.
	Temperature *float32
}

// Response is the result of a blocking generation.
type Response struct {
	Content    string
	StopReason string // provider specific: "end_turn", "max_tokens", "stop", ...
}

// StreamChunk represents a fragment of a streamed generation.
// The final chunk has Done set, or carries Err.
type StreamChunk struct {
	Err     error
	Content string
	Done    bool
}

// GenerationClient produces text from a prompt.
type GenerationClient interface {
	// Generate returns the complete text for req.
	Generate(ctx context.Context, req Request) (Response, error)

	// GenerateStream returns a channel of fragments in generation order. The channel
	// is closed after a Done or Err chunk, or when ctx is cancelled.
	GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// ModelName returns the model identifier used for requests.
	ModelName() string
}

// Temp returns a pointer to t for use in Request.Temperature.
func Temp(t float32) *float32 {
	return &t
}

