package engine

import (
	"fmt"

	"github.com/jkaninda/ki2go/internal/domain"
)

// UpstreamError reports that the model call failed after all attempts.
// The detail stays in the audit record.
type UpstreamError struct {
	ProcessID string
	Provider  string
	Attempts  int
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s call failed after %d attempt(s): %v", e.ProcessID, e.Provider, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == domain.ErrUpstream }

// UserMessage returns the generic retry text.
func (e *UpstreamError) UserMessage() string {
	return domain.GenericFailureMessage
}
