package prompt

import (
	"fmt"
	"strings"

	"github.com/jkaninda/ki2go/internal/domain"
)

// NotFoundError is returned when no template resolves for a task.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no resolvable template for task %q", e.TaskID)
}

func (e *NotFoundError) Is(target error) bool { return target == domain.ErrNotFound }

func (e *NotFoundError) UserMessage() string {
	return fmt.Sprintf("The task %q is not available.", e.TaskID)
}

// Code classifies a single variable-binding failure.
type Code string

const (
	MissingRequired         Code = "MissingRequired"
	InvalidOption           Code = "InvalidOption"
	FileConstraintViolation Code = "FileConstraintViolation"
	DocumentLimitExceeded   Code = "DocumentLimitExceeded"
	TooManyVariables        Code = "TooManyVariables"
)

// ValidationError is one offending field.
type ValidationError struct {
	Code   Code   `json:"code"`
	Key    string `json:"key"`
	Detail string `json:"detail,omitempty"`
}

func (e ValidationError) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s(%s)", e.Code, e.Key)
	}
	return fmt.Sprintf("%s(%s): %s", e.Code, e.Key, e.Detail)
}

// ValidationErrors carries every binding failure of a request, in
// declaration order.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Is(target error) bool { return target == domain.ErrValidation }

// UserMessage enumerates every offending field.
func (v ValidationErrors) UserMessage() string {
	var b strings.Builder
	b.WriteString("Please correct the following fields:")
	for _, e := range v {
		b.WriteString("\n- ")
		b.WriteString(e.Key)
		b.WriteString(": ")
		b.WriteString(describe(e))
	}
	return b.String()
}

func describe(e ValidationError) string {
	switch e.Code {
	case MissingRequired:
		return "a value is required"
	case InvalidOption:
		return "the value is not one of the allowed options"
	case FileConstraintViolation:
		if e.Detail != "" {
			return "the document is not acceptable (" + e.Detail + ")"
		}
		return "the document is not acceptable"
	case DocumentLimitExceeded, TooManyVariables:
		return e.Detail
	}
	return string(e.Code)
}
