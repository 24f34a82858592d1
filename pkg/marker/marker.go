// Package marker splits generated narrative text into prose and the
// visual metadata section introduced by a sentinel label.
package marker

import "strings"

// Sentinel introduces the visual metadata section of a narrative.
const Sentinel = "VISUAL SUMMARY:"

// Result is a narrative split at the sentinel.
//
// Prose never contains the sentinel. VisualMetadata is empty or starts with it.
type Result struct {
	Prose          string
	VisualMetadata string
}

// HasMetadata reports whether a non-empty metadata section was found. A bare
// sentinel with nothing after it does not count.
func (r Result) HasMetadata() bool {
	return r.Summary() != ""
}

// Summary returns the metadata text without the sentinel label.
func (r Result) Summary() string {
	return strings.TrimSpace(strings.TrimPrefix(r.VisualMetadata, Sentinel))
}

// Split divides raw at the first occurrence of sentinel. Later occurrences stay
// inside the metadata. An empty sentinel means Sentinel.
func Split(raw, sentinel string) Result {
	if sentinel == "" {
		sentinel = Sentinel
	}
	before, after, found := strings.Cut(raw, sentinel)
	if !found {
		return Result{Prose: strings.TrimSpace(raw)}
	}
	return Result{
		Prose:          strings.TrimSpace(before),
		VisualMetadata: sentinel + strings.TrimSpace(after),
	}
}
