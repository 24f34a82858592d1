package imagegen

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"storycomic/pkg/llm/llmerrors"
	"storycomic/pkg/llm/middleware/metrics"
	"storycomic/pkg/logx"
	metricsrec "storycomic/pkg/metrics"
)

// WithTimeout bounds every image request by d.
func WithTimeout(d time.Duration) Middleware {
	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Result, error) {
				if d <= 0 {
					return next.Generate(ctx, req)
				}
				timeoutCtx, cancel := context.WithTimeout(ctx, d)
				defer cancel()

				res, err := next.Generate(timeoutCtx, req)
				if err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
					if !llmerrors.Is(err, llmerrors.KindTimeout) {
						err = llmerrors.Wrap(llmerrors.KindTimeout, err, "image request exceeded "+d.String())
					}
				}
				return res, err //nolint:wrapcheck // classified above
			},
			next.ModelName,
		)
	}
}

// WithPacing spaces image requests with limiter; callers queue until a token is free.
func WithPacing(limiter *rate.Limiter, recorder metricsrec.Recorder) Middleware {
	if recorder == nil {
		recorder = metricsrec.Nop()
	}
	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Result, error) {
				if limiter == nil {
					return next.Generate(ctx, req)
				}
				start := time.Now()
				if err := limiter.Wait(ctx); err != nil {
					recorder.IncThrottle(next.ModelName(), "image_pacing")
					if ctxErr := llmerrors.FromContext(err, "waiting for image pacing"); ctxErr != nil {
						return Result{}, ctxErr
					}
					return Result{}, llmerrors.Wrap(llmerrors.KindTimeout, err, "image pacing wait cannot be satisfied")
				}
				recorder.ObserveQueueWait(next.ModelName(), time.Since(start))
				return next.Generate(ctx, req)
			},
			next.ModelName,
		)
	}
}

// WithMetrics records latency and outcome of image requests.
func WithMetrics(recorder metricsrec.Recorder, logger *logx.Logger) Middleware {
	if recorder == nil {
		recorder = metricsrec.Nop()
	}
	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Result, error) {
				start := time.Now()
				res, err := next.Generate(ctx, req)
				duration := time.Since(start)
				recorder.ObserveRequest(metricsrec.KindImage, next.ModelName(), 0, 0, err == nil, metrics.ErrorType(err), duration)
				if logger != nil {
					logger.Debug("image request: model=%s size=%s ok=%t duration=%dms",
						next.ModelName(), req.Size, err == nil, duration.Milliseconds())
				}
				return res, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.ModelName,
		)
	}
}
