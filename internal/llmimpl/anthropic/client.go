// Package anthropic provides the Anthropic Claude implementation of llm.GenerationClient.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"storycomic/pkg/llm"
	"storycomic/pkg/llm/llmerrors"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "claude-3-5-sonnet-20240620"

// ClaudeClient wraps the Anthropic API client. It is safe for concurrent use.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a raw client; middleware is applied by the factory.
// SDK retries are disabled so that a failed stage fails once.
func NewClaudeClient(apiKey, model string, opts ...option.RequestOption) *ClaudeClient {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

func (c *ClaudeClient) params(in llm.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(in.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(in.Prompt)),
		},
	}
	if in.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*in.Temperature))
	}
	if in.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: in.System}}
	}
	return params
}

// Generate implements llm.GenerationClient.
//
//nolint:gocritic // Request passed by value to match the interface
func (c *ClaudeClient) Generate(ctx context.Context, in llm.Request) (llm.Response, error) {
	resp, err := c.client.Messages.New(ctx, c.params(in))
	if err != nil {
		return llm.Response{}, c.classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Response{}, llmerrors.New(llmerrors.KindProviderUnavailable, "received empty response from Claude API")
	}
	if resp.StopReason == anthropic.StopReasonRefusal {
		return llm.Response{}, llmerrors.New(llmerrors.KindProviderRejected, "Claude refused the request")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	if text == "" {
		return llm.Response{}, llmerrors.New(llmerrors.KindProviderUnavailable, "Claude response contained no text")
	}

	return llm.Response{Content: text, StopReason: string(resp.StopReason)}, nil
}

// GenerateStream implements llm.GenerationClient using server-sent events.
//
//nolint:gocritic // Request passed by value to match the interface
func (c *ClaudeClient) GenerateStream(ctx context.Context, in llm.Request) (<-chan llm.StreamChunk, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(in))

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(chunk llm.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		refused := false
		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !send(llm.StreamChunk{Content: delta.Text}) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				refused = ev.Delta.StopReason == anthropic.StopReasonRefusal
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(llm.StreamChunk{Err: c.classifyError(err)})
			return
		}
		if refused {
			send(llm.StreamChunk{Err: llmerrors.New(llmerrors.KindProviderRejected, "Claude refused the request")})
			return
		}
		send(llm.StreamChunk{Done: true})
	}()
	return ch, nil
}

// ModelName returns the model name for this client.
func (c *ClaudeClient) ModelName() string {
	return string(c.model)
}

// classifyError maps Anthropic SDK errors onto the generation taxonomy.
func (c *ClaudeClient) classifyError(err error) error {
	if ctxErr := llmerrors.FromContext(err, "claude request"); ctxErr != nil {
		return ctxErr
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := llmerrors.KindForStatus(apiErr.StatusCode)
		return &llmerrors.Error{
			Kind:       kind,
			StatusCode: apiErr.StatusCode,
			Message:    fmt.Sprintf("claude returned status %d", apiErr.StatusCode),
			Err:        err,
		}
	}

	return llmerrors.Wrap(llmerrors.KindProviderUnavailable, err, "claude request failed")
}
