package domain

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks across packages.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrDenied       = errors.New("execution denied")
	ErrUpstream     = errors.New("upstream failure")
	ErrIntegrity    = errors.New("integrity violation")
	ErrInvalidScope = errors.New("user-scoped variant must also be scoped to an organization")
)

// GenericFailureMessage is shown for failures whose detail stays in the audit log.
const GenericFailureMessage = "The task could not be completed. Please try again or contact support."

// IntegrityError reports a broken data invariant (duplicate active variant,
// process-identifier collision). It is fatal and never shown verbatim.
type IntegrityError struct {
	Op     string
	Detail string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity violation in %s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("integrity violation in %s: %s", e.Op, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// UserMessage returns the text safe to show to end users.
func (e *IntegrityError) UserMessage() string { return GenericFailureMessage }

// UserMessager is implemented by errors that carry an end-user message.
type UserMessager interface {
	UserMessage() string
}

// UserMessage returns the end-user text for err, falling back to the
// generic message for anything that does not define one.
func UserMessage(err error) string {
	var um UserMessager
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	return GenericFailureMessage
}
