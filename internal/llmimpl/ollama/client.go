// Package ollama provides a local Ollama implementation of llm.GenerationClient.
package ollama

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"storycomic/pkg/llm"
	"storycomic/pkg/llm/llmerrors"
)

// DefaultHost is the Ollama server used when none is configured.
const DefaultHost = "http://localhost:11434"

// DefaultModel is used when no model is configured.
const DefaultModel = "llama3.2"

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a raw client for the server at hostURL.
func NewOllamaClient(hostURL, model string) *Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsedURL, _ = url.Parse(DefaultHost)
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

func (o *Client) chatRequest(in llm.Request, stream bool) *api.ChatRequest {
	messages := make([]api.Message, 0, 2)
	if in.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: in.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: in.Prompt})

	options := map[string]any{}
	if in.MaxTokens > 0 {
		options["num_predict"] = in.MaxTokens
	}
	if in.Temperature != nil {
		options["temperature"] = *in.Temperature
	}

	return &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
}

// Generate implements llm.GenerationClient.
//
//nolint:gocritic // Request passed by value to match the interface
func (o *Client) Generate(ctx context.Context, in llm.Request) (llm.Response, error) {
	var response api.ChatResponse
	err := o.client.Chat(ctx, o.chatRequest(in, false), func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if response.Message.Content == "" {
		return llm.Response{}, llmerrors.New(llmerrors.KindProviderUnavailable, "Ollama response contained no text")
	}
	return llm.Response{Content: response.Message.Content, StopReason: stopReason(&response)}, nil
}

// errConsumerGone stops the Chat callback loop once the reader has left.
var errConsumerGone = errors.New("stream consumer gone")

// GenerateStream implements llm.GenerationClient using Ollama's streaming callback.
//
//nolint:gocritic // Request passed by value to match the interface
func (o *Client) GenerateStream(ctx context.Context, in llm.Request) (<-chan llm.StreamChunk, error) {
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

		err := o.client.Chat(ctx, o.chatRequest(in, true), func(resp api.ChatResponse) error {
			if resp.Message.Content != "" && !send(llm.StreamChunk{Content: resp.Message.Content}) {
				return errConsumerGone
			}
			return nil
		})
		switch {
		case ctx.Err() != nil, errors.Is(err, errConsumerGone):
			return
		case err != nil:
			send(llm.StreamChunk{Err: classifyError(err)})
		default:
			send(llm.StreamChunk{Done: true})
		}
	}()
	return ch, nil
}

// ModelName returns the model name for this client.
func (o *Client) ModelName() string {
	return o.model
}

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyError maps Ollama errors onto the generation taxonomy.
// The Ollama client reports most failures as plain strings.
func classifyError(err error) error {
	if ctxErr := llmerrors.FromContext(err, "ollama request"); ctxErr != nil {
		return ctxErr
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return llmerrors.Wrap(llmerrors.KindProviderUnavailable, err, "Ollama server not reachable")
	case strings.Contains(msg, "model") && strings.Contains(msg, "not found"):
		return llmerrors.Wrap(llmerrors.KindProviderUnavailable, err, "Ollama model not found")
	case strings.Contains(msg, "timeout"):
		return llmerrors.Wrap(llmerrors.KindTimeout, err, "Ollama request timed out")
	default:
		return llmerrors.Wrap(llmerrors.KindProviderUnavailable, err, "Ollama API error")
	}
}
