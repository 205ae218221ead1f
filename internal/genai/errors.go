// internal/genai/errors.go
package genai

import (
	"errors"
	"fmt"
)

// FailureKind classifies a failed provider call so workers can map it to a
// user-facing message and a retry decision.
type FailureKind string

const (
	FailureRateLimited   FailureKind = "RATE_LIMITED"
	FailureUnavailable   FailureKind = "PROVIDER_UNAVAILABLE"
	FailureRegionBlocked FailureKind = "REGION_BLOCKED"
	FailureUnknown       FailureKind = "UNKNOWN"
)

// CallError is the typed final outcome of a failed pipeline call. Internal
// retry and failover attempts are never surfaced individually.
type CallError struct {
	Kind     FailureKind
	Provider string
	Status   int // upstream HTTP status when available, 0 otherwise
	Message  string
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: provider %s returned status %d: %s", e.Kind, e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: provider %s: %s", e.Kind, e.Provider, e.Message)
}

// KindOf extracts the failure kind from an error chain, FailureUnknown when
// the error is not a CallError.
func KindOf(err error) FailureKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return FailureUnknown
}

func IsRateLimited(err error) bool   { return KindOf(err) == FailureRateLimited }
func IsRegionBlocked(err error) bool { return KindOf(err) == FailureRegionBlocked }
func IsUnavailable(err error) bool   { return KindOf(err) == FailureUnavailable }
