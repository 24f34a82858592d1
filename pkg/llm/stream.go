package llm

import "context"

// Relay forwards chunks from in to a new channel and calls onEnd once in is
// drained or ctx is cancelled. Middlewares use it to hold resources (deadlines,
// limiter slots) for the lifetime of a stream rather than its setup call.
//
// mapErr, when non-nil, may rewrite chunk errors on the way through.
func Relay(ctx context.Context, in <-chan StreamChunk, onEnd func(), mapErr func(error) error) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		if onEnd != nil {
			defer onEnd()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-in:
				if !ok {
					return
				}
				if chunk.Err != nil && mapErr != nil {
					chunk.Err = mapErr(chunk.Err)
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				if chunk.Done || chunk.Err != nil {
					return
				}
			}
		}
	}()
	return out
}
