package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceUnavailable matches a *ServiceUnavailableError.
	ErrServiceUnavailable = errors.New("completion engine unavailable")

	// ErrIterationBudgetExceeded matches an *IterationBudgetExceededError.
	ErrIterationBudgetExceeded = errors.New("iteration budget exceeded")
)

// ServiceUnavailableError reports that the completion engine could not
// produce a decision: retries were exhausted or the failure was not
// retryable.
type ServiceUnavailableError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("completion engine unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap returns the last engine error.
func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// Is matches ErrServiceUnavailable.
func (e *ServiceUnavailableError) Is(target error) bool { return target == ErrServiceUnavailable }

// IterationBudgetExceededError reports that the engine asked for another
// round of tool calls after the round limit was spent. The pending calls
// were not executed.
type IterationBudgetExceededError struct {
	Rounds  int // rounds executed
	Pending int // tool calls in the refused decision
}

// Error implements the error interface.
func (e *IterationBudgetExceededError) Error() string {
	return fmt.Sprintf("iteration budget exceeded: %d rounds executed, %d tool call(s) refused", e.Rounds, e.Pending)
}

// Is matches ErrIterationBudgetExceeded.
func (e *IterationBudgetExceededError) Is(target error) bool {
	return target == ErrIterationBudgetExceeded
}
