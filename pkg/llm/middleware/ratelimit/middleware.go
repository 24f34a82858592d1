package ratelimit

import (
	"context"
	"time"

	"storycomic/pkg/llm"
	"storycomic/pkg/metrics"
)

// Middleware returns a middleware that acquires limiter capacity before each request.
// Streams keep their concurrency slot until the stream ends.
func Middleware(limiter *Limiter, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	acquire := func(ctx context.Context, model string, req llm.Request) (func(), error) {
		start := time.Now()
		release, err := limiter.Acquire(ctx, estimator.EstimatePrompt(req)+req.MaxTokens)
		wait := time.Since(start)
		recorder.ObserveQueueWait(model, wait)
		if err != nil {
			recorder.IncThrottle(model, "rate_limit")
			return nil, err
		}
		if wait > 100*time.Millisecond {
			recorder.IncThrottle(model, "delayed")
		}
		return release, nil
	}

	return func(next llm.GenerationClient) llm.GenerationClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				release, err := acquire(ctx, next.ModelName(), req)
				if err != nil {
					return llm.Response{}, err
				}
				defer release()
				return next.Generate(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
				release, err := acquire(ctx, next.ModelName(), req)
				if err != nil {
					return nil, err
				}
				ch, err := next.GenerateStream(ctx, req)
				if err != nil {
					release()
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				return llm.Relay(ctx, ch, release, nil), nil
			},
			next.ModelName,
		)
	}
}
