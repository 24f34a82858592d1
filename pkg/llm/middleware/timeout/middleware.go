// Package timeout provides per-call deadline middleware for generation clients.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storycomic/pkg/llm"
	"storycomic/pkg/llm/llmerrors"
)

// Middleware bounds each call by duration. A stream's deadline covers the whole
// stream and is released only once the stream ends.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.GenerationClient) llm.GenerationClient {
		classify := func(err error) error {
			if err == nil || !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if llmerrors.Is(err, llmerrors.KindTimeout) {
				return err
			}
			return llmerrors.Wrap(llmerrors.KindTimeout, err,
				fmt.Sprintf("%s exceeded %s", next.ModelName(), duration))
		}

		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				resp, err := next.Generate(timeoutCtx, req)
				return resp, classify(err)
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)

				ch, err := next.GenerateStream(timeoutCtx, req)
				if err != nil {
					cancel()
					return nil, classify(err)
				}

				out := make(chan llm.StreamChunk)
				go func() {
					defer close(out)
					defer cancel()
					terminated := false
					for chunk := range llm.Relay(timeoutCtx, ch, nil, classify) {
						select {
						case out <- chunk:
						case <-ctx.Done():
							return
						}
						terminated = chunk.Done || chunk.Err != nil
					}
					// The relay stops silently when the deadline fires; surface it.
					if !terminated && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
						select {
						case out <- llm.StreamChunk{Err: classify(timeoutCtx.Err())}:
						case <-ctx.Done():
						}
					}
				}()
				return out, nil
			},
			next.ModelName,
		)
	}
}
