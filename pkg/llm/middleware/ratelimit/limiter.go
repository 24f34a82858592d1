// Package ratelimit provides request and token rate limiting for generation clients.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"storycomic/pkg/llm"
	"storycomic/pkg/utils"
)

// TokenEstimator estimates the number of prompt tokens a request will consume.
type TokenEstimator interface {
	EstimatePrompt(req llm.Request) int
}

// DefaultTokenEstimator counts system and user prompt tokens with tiktoken.
type DefaultTokenEstimator struct{}

// NewDefaultTokenEstimator creates the default estimator.
func NewDefaultTokenEstimator() TokenEstimator {
	return &DefaultTokenEstimator{}
}

// EstimatePrompt estimates prompt tokens using tiktoken-based counting.
//
//nolint:gocritic // request is passed by value throughout the llm package
func (e *DefaultTokenEstimator) EstimatePrompt(req llm.Request) int {
	return utils.CountTokensSimple(req.System + "\n" + req.Prompt)
}

// Config defines rate limiting for one provider. Zero values disable a dimension.
type Config struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	TokensPerMinute   int     `yaml:"tokens_per_minute"`
	MaxConcurrency    int     `yaml:"max_concurrency"`
}

// Limiter combines a request rate, a token rate and a concurrency cap.
// It is safe for concurrent use by many pipeline runs.
type Limiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	slots    chan struct{}
}

// NewLimiter builds a limiter from cfg.
func NewLimiter(cfg Config) *Limiter {
	l := &Limiter{}
	if cfg.RequestsPerSecond > 0 {
		l.requests = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.TokensPerMinute > 0 {
		perSecond := float64(cfg.TokensPerMinute) / 60
		l.tokens = rate.NewLimiter(rate.Limit(perSecond), cfg.TokensPerMinute)
	}
	if cfg.MaxConcurrency > 0 {
		l.slots = make(chan struct{}, cfg.MaxConcurrency)
	}
	return l
}

// Acquire blocks until a concurrency slot, a request token and enough token
// budget are available. The returned release func must be called when the
// request finishes.
func (l *Limiter) Acquire(ctx context.Context, tokens int) (func(), error) {
	release := func() {}

	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
			release = func() { <-l.slots }
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for concurrency slot: %w", ctx.Err())
		}
	}

	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			release()
			return nil, fmt.Errorf("waiting for request budget: %w", err)
		}
	}

	if l.tokens != nil && tokens > 0 {
		// A single request larger than the bucket waits for a full bucket.
		if tokens > l.tokens.Burst() {
			tokens = l.tokens.Burst()
		}
		if err := l.tokens.WaitN(ctx, tokens); err != nil {
			release()
			return nil, fmt.Errorf("waiting for token budget: %w", err)
		}
	}

	return release, nil
}
