// Package utils provides tiktoken-based token counting and text truncation helpers.
package utils

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for prompt budgeting. Every supported
// provider is approximated with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // codec tables are expensive to build and immutable once loaded
var (
	sharedCounter     *TokenCounter
	sharedCounterErr  error
	sharedCounterOnce sync.Once
)

// NewTokenCounter creates a token counter. The model name is only used in errors.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit shortens text to roughly limit tokens, cutting on a rune
// boundary and appending "..." when anything was removed.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	if limit <= 0 {
		return ""
	}

	// Truncate proportionally with a 0.9 safety margin.
	ratio := float64(limit) / float64(current)
	cut := int(float64(len(text)) * ratio * 0.9)
	if cut >= len(text) {
		return text
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

// shared returns the lazily built shared counter, or nil when the codec could
// not be loaded. A nil counter falls back to character estimates.
func shared() *TokenCounter {
	sharedCounterOnce.Do(func() {
		sharedCounter, sharedCounterErr = NewTokenCounter("gpt-4")
	})
	if sharedCounterErr != nil {
		return nil
	}
	return sharedCounter
}

// CountTokensSimple counts tokens with the shared counter.
func CountTokensSimple(text string) int {
	return shared().CountTokens(text)
}

// TruncateTokensSimple is TruncateToTokenLimit on the shared counter.
func TruncateTokensSimple(text string, limit int) string {
	return shared().TruncateToTokenLimit(text, limit)
}

// TruncateRunes returns s cut to at most n runes, followed by "..." when it was cut.
func TruncateRunes(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}
