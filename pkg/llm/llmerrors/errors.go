// Package llmerrors provides the failure taxonomy shared by text and image generation clients.
package llmerrors

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a generation failure.
type Kind int8

const (
	// KindInvalidInput represents bad caller-supplied data (unknown archetype, empty circumstance).
	KindInvalidInput Kind = iota
	// KindProviderUnavailable represents network, auth, quota, server or empty-response failures.
	KindProviderUnavailable
	// KindProviderRejected represents content-policy refusals and malformed requests.
	KindProviderRejected
	// KindTimeout represents a call that exceeded its deadline.
	KindTimeout
)

// String returns the snake_case label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindProviderRejected:
		return "provider_rejected"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified generation failure.
type Error struct {
	Err        error  // Wrapped underlying error
	Message    string // Human-readable error message
	Kind       Kind   // Classified failure kind
	StatusCode int    // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Kind == kind
	}
	return false
}

// KindOf returns the kind of err. ok is false for unclassified errors.
func KindOf(err error) (kind Kind, ok bool) {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Kind, true
	}
	return KindProviderUnavailable, false
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error around cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Err: cause, Message: message}
}

// InvalidInput is shorthand for New(KindInvalidInput, ...) with printf formatting.
func InvalidInput(format string, args ...any) *Error {
	return New(KindInvalidInput, fmt.Sprintf(format, args...))
}

// KindForStatus maps a provider HTTP status code onto the taxonomy.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return KindProviderRejected
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		// 401/403/404/429/5xx and anything unexpected.
		return KindProviderUnavailable
	}
}

// FromContext classifies a context error. Cancellation is returned unchanged so
// callers can tell a departed client apart from a provider failure.
func FromContext(err error, message string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, err, message)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return nil
	}
}

// SanitizePrompt creates a safe representation of a prompt for logging.
// Long prompts keep their head and tail plus a hash of the full content.
// Lengths are counted in runes, so multi-byte text is never split.
func SanitizePrompt(prompt string, maxChars int) string {
	runes := []rune(prompt)
	if len(runes) <= maxChars {
		return prompt
	}

	half := maxChars / 2
	if half < 1 {
		half = 1
	}
	if half*2 > len(runes) {
		half = len(runes) / 2
	}

	hash := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s...[%d chars, hash:%x]...%s",
		string(runes[:half]), len(runes), hash[:8], string(runes[len(runes)-half:]))
}
