package core

import (
	"errors"
	"strings"
)

// Pipeline error taxonomy. Fatal pipeline errors are captured verbatim in
// the document's error_message; transient provider errors are degraded or
// paused for a later resume.
var (
	// ErrNotFound covers both a missing document and an owner mismatch;
	// callers must not be able to tell the two apart.
	ErrNotFound = errors.New("document not found")

	// ErrEmptyExtraction means extraction produced no usable text.
	ErrEmptyExtraction = errors.New("extraction produced empty text")

	// ErrNoFragments means the chunker returned nothing for a non-empty
	// document, which leaves the pipeline with no work to embed.
	ErrNoFragments = errors.New("chunking produced no fragments")

	// ErrLayoutMismatch means re-chunking on resume did not reproduce the
	// checkpointed chunk layout, so the persisted cursor cannot be trusted.
	ErrLayoutMismatch = errors.New("re-derived chunk layout does not match checkpoint")

	// ErrAlreadyRunning is returned when this process instance is already
	// working on the document. It guards against duplicate triggers within
	// one process only; cross-instance races are handled by idempotent
	// upserts and monotonic checkpoint writes, not mutual exclusion.
	ErrAlreadyRunning = errors.New("document is already being processed")

	// ErrRateLimited is the canonical rate/capacity sentinel. Provider SDKs
	// rarely return it directly; IsRateLimited also sniffs their messages.
	ErrRateLimited = errors.New("provider rate limited")
)

// rateLimitMarkers are the substrings the Gemini, Ollama and Postgres
// clients actually put in their rate/capacity errors.
var rateLimitMarkers = []string{
	"rate limit",
	"ratelimit",
	"too many requests",
	"resource_exhausted",
	"resource exhausted",
	"quota",
	"429",
	"capacity",
	"overloaded",
}

// IsRateLimited reports whether err looks like a provider or store
// rate/capacity rejection that is worth retrying with smaller batches.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
