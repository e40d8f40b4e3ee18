package pipeline

import (
	"errors"
	"fmt"
)

// Failure reasons persisted on entities that reach the failed stage.
const (
	ReasonStageTimeout      = "stage_timeout"
	ReasonProviderFailure   = "provider_failure"
	ReasonTransientProvider = "transient_provider_error"
	ReasonSegmentFailed     = "segment_failed"
)

// ErrStaleCallback marks a webhook that no longer maps to a live attempt:
// unknown token, superseded attempt, or state already advanced. Callers
// discard the event and still acknowledge receipt upstream.
var ErrStaleCallback = errors.New("stale callback")

// InvariantError reports persisted state that violates a pipeline invariant,
// such as non-contiguous segment indices. It is fatal to the triggering
// operation but must not affect other entities.
type InvariantError struct {
	msg string
}

func (e *InvariantError) Error() string {
	return "pipeline invariant violated: " + e.msg
}

// NewInvariantError builds an InvariantError with a formatted message.
func NewInvariantError(format string, args ...interface{}) *InvariantError {
	return &InvariantError{msg: fmt.Sprintf(format, args...)}
}

// IsInvariantError reports whether err is (or wraps) an InvariantError.
func IsInvariantError(err error) bool {
	var target *InvariantError
	return errors.As(err, &target)
}
