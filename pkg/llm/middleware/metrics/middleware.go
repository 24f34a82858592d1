// Package metrics provides metrics middleware for generation clients.
package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"storycomic/pkg/llm"
	"storycomic/pkg/llm/llmerrors"
	"storycomic/pkg/logx"
	"storycomic/pkg/metrics"
	"storycomic/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor returns token usage for a request and its generated text.
type UsageExtractor func(req llm.Request, completion string) (promptTokens, completionTokens int)

// DefaultUsageExtractor estimates usage with tiktoken.
//
//nolint:gocritic // request is passed by value throughout the llm package
func DefaultUsageExtractor(req llm.Request, completion string) (promptTokens, completionTokens int) {
	return utils.CountTokensSimple(req.System + "\n" + req.Prompt), utils.CountTokensSimple(completion)
}

// ErrorType returns the metrics label for err.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if kind, ok := llmerrors.KindOf(err); ok {
		return kind.String()
	}
	return "unclassified"
}

// Middleware records latency, token usage and outcome for every request.
// Streams are recorded when they end, with usage computed from the relayed text.
func Middleware(recorder metrics.Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	observe := func(model string, req llm.Request, completion string, err error, duration time.Duration) {
		var promptTokens, completionTokens int
		if err == nil {
			promptTokens, completionTokens = usageExtractor(req, completion)
		}
		recorder.ObserveRequest(metrics.KindText, model, promptTokens, completionTokens, err == nil, ErrorType(err), duration)

		if logger != nil {
			status := statusSuccess
			if err != nil {
				status = statusError
			}
			logger.Debug("text request: model=%s tokens=%d+%d status=%s duration=%dms",
				model, promptTokens, completionTokens, status, duration.Milliseconds())
		}
	}

	return func(next llm.GenerationClient) llm.GenerationClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				start := time.Now()
				resp, err := next.Generate(ctx, req)
				observe(next.ModelName(), req, resp.Content, err, time.Since(start))
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				ch, err := next.GenerateStream(ctx, req)
				if err != nil {
					observe(next.ModelName(), req, "", err, time.Since(start))
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}

				out := make(chan llm.StreamChunk)
				go func() {
					defer close(out)

					var sb strings.Builder
					var streamErr error
					defer func() {
						observe(next.ModelName(), req, sb.String(), streamErr, time.Since(start))
					}()

					for {
						select {
						case <-ctx.Done():
							streamErr = ctx.Err()
							return
						case chunk, ok := <-ch:
							if !ok {
								return
							}
							sb.WriteString(chunk.Content)
							if chunk.Err != nil {
								streamErr = chunk.Err
							}
							select {
							case out <- chunk:
							case <-ctx.Done():
								streamErr = ctx.Err()
								return
							}
							if chunk.Done || chunk.Err != nil {
								return
							}
						}
					}
				}()
				return out, nil
			},
			next.ModelName,
		)
	}
}
