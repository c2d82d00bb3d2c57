// Package apperr defines the failure taxonomy shared by the analysis
// pipeline and the job lifecycle.
package apperr

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrExtractionFailure = errors.New("page content extraction failed")
	ErrAuthRequired      = errors.New("authentication required")
	ErrProviderError     = errors.New("provider error")
	ErrTimeout           = errors.New("timed out")
	ErrInvalidSnapshot   = errors.New("invalid page snapshot")
	ErrStaleJob          = errors.New("job is stale")
)

// Kind returns the short machine name of the taxonomy entry err belongs to,
// or "internal" when it belongs to none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrExtractionFailure):
		return "extraction_failure"
	case errors.Is(err, ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, ErrProviderError):
		return "provider_error"
	case errors.Is(err, ErrInvalidSnapshot):
		return "invalid_snapshot"
	case errors.Is(err, ErrStaleJob):
		return "stale_job"
	default:
		return "internal"
	}
}

// Message renders err as the text shown to a user in a terminal error event.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch Kind(err) {
	case "timeout":
		return "Request timed out: " + err.Error()
	case "auth_required":
		return "Please sign in again: " + err.Error()
	case "stale_job":
		return "Analysis timed out. Please try again."
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "Unknown error"
	}
	return msg
}
