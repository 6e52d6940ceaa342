package tools

import (
	"errors"
	"fmt"
)

// Kind classifies a tool failure. Every kind is reported back to the
// completion engine as a structured result; none is retried.
type Kind string

// Tool error kinds.
const (
	KindValidation  Kind = "validation"
	KindOwnership   Kind = "ownership"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindUnknownTool Kind = "unknown_tool"
	KindInternal    Kind = "internal"
)

// Sentinels for errors.Is matching against *Error.
var (
	ErrValidation  = errors.New("invalid tool arguments")
	ErrOwnership   = errors.New("owner mismatch")
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not found")
	ErrUnknownTool = errors.New("unknown tool")
)

// Error is a typed tool failure. Message is safe to show to the
// completion engine and the user; Err carries the underlying cause for
// logs only.
type Error struct {
	Kind    Kind
	Tool    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %s: %v", e.Tool, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrOwnership:
		return e.Kind == KindOwnership
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnknownTool:
		return e.Kind == KindUnknownTool
	}
	return false
}

func validationError(tool, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Tool: tool, Message: fmt.Sprintf(format, args...)}
}

// AsError returns err as a *Error, classifying anything else as an
// internal failure of tool.
func AsError(tool string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		if te.Tool == "" {
			te.Tool = tool
		}
		return te
	}
	return &Error{Kind: KindInternal, Tool: tool, Message: "the tool failed unexpectedly", Err: err}
}
