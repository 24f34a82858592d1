// Package openai provides an OpenAI chat completions implementation of llm.GenerationClient.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"storycomic/pkg/llm"
	"storycomic/pkg/llm/llmerrors"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "gpt-4o"

// ChatClient wraps the official OpenAI Go client.
//
//nolint:govet // Simple struct, field alignment not critical
type ChatClient struct {
	client openai.Client
	model  string
}

// NewChatClient creates a raw client; middleware is applied by the factory.
func NewChatClient(apiKey, model string, opts ...option.RequestOption) *ChatClient {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &ChatClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (o *ChatClient) params(in llm.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if in.System != "" {
		messages = append(messages, openai.SystemMessage(in.System))
	}
	messages = append(messages, openai.UserMessage(in.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: messages,
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(in.MaxTokens))
	}
	if in.Temperature != nil {
		params.Temperature = openai.Float(float64(*in.Temperature))
	}
	return params
}

// Generate implements llm.GenerationClient.
//
//nolint:gocritic // Request passed by value to match the interface
func (o *ChatClient) Generate(ctx context.Context, in llm.Request) (llm.Response, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(in))
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.Response{}, llmerrors.New(llmerrors.KindProviderUnavailable, "received empty response from OpenAI")
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" || choice.FinishReason == "content_filter" {
		return llm.Response{}, llmerrors.New(llmerrors.KindProviderRejected, "OpenAI refused the request")
	}
	if choice.Message.Content == "" {
		return llm.Response{}, llmerrors.New(llmerrors.KindProviderUnavailable, "OpenAI response contained no text")
	}
	return llm.Response{Content: choice.Message.Content, StopReason: choice.FinishReason}, nil
}

// GenerateStream implements llm.GenerationClient using chat completion chunks.
//
//nolint:gocritic // Request passed by value to match the interface
func (o *ChatClient) GenerateStream(ctx context.Context, in llm.Request) (<-chan llm.StreamChunk, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(in))

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

		for stream.Next() {
			event := stream.Current()
			if len(event.Choices) == 0 {
				continue
			}
			choice := event.Choices[0]
			if choice.Delta.Refusal != "" || choice.FinishReason == "content_filter" {
				send(llm.StreamChunk{Err: llmerrors.New(llmerrors.KindProviderRejected, "OpenAI refused the request")})
				return
			}
			if choice.Delta.Content != "" {
				if !send(llm.StreamChunk{Content: choice.Delta.Content}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(llm.StreamChunk{Err: classifyError(err)})
			return
		}
		send(llm.StreamChunk{Done: true})
	}()
	return ch, nil
}

// ModelName returns the model name for this client.
func (o *ChatClient) ModelName() string {
	return o.model
}

// classifyError maps OpenAI SDK errors onto the generation taxonomy.
// The image adapter shares this mapping through ClassifyError.
func classifyError(err error) error {
	if ctxErr := llmerrors.FromContext(err, "openai request"); ctxErr != nil {
		return ctxErr
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		kind := llmerrors.KindForStatus(apiErr.StatusCode)
		if apiErr.Code == "content_policy_violation" {
			kind = llmerrors.KindProviderRejected
		}
		return &llmerrors.Error{
			Kind:       kind,
			StatusCode: apiErr.StatusCode,
			Message:    fmt.Sprintf("openai returned status %d", apiErr.StatusCode),
			Err:        err,
		}
	}

	return llmerrors.Wrap(llmerrors.KindProviderUnavailable, err, "openai request failed")
}

// ClassifyError exposes the OpenAI error mapping to sibling adapters.
func ClassifyError(err error) error {
	return classifyError(err)
}
