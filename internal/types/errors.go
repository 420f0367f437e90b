package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures so callers never confuse one category with another.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindTransientExternal  ErrorKind = "transient_external"
	KindContextIsolation   ErrorKind = "context_isolation"
	KindLoopBudgetExceeded ErrorKind = "loop_budget_exceeded"
	KindBranchConflict     ErrorKind = "branch_conflict"
	KindState              ErrorKind = "state"
	KindNotFound           ErrorKind = "not_found"
	KindInternal           ErrorKind = "internal"
)

// kinded is implemented by every typed error in this package.
type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the kind of the first typed error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// ValidationError reports bad configuration or input. It is never retried.
type ValidationError struct {
	Message string
	Issues  []string
	Cause   error
}

func (e *ValidationError) Error() string {
	msg := "validation error: " + e.Message
	if len(e.Issues) > 0 {
		msg += ": " + strings.Join(e.Issues, "; ")
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Kind implements kinded.
func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// TransientExternalError wraps a retryable failure of an external collaborator.
type TransientExternalError struct {
	Message string
	Cause   error
}

func (e *TransientExternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient external error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("transient external error: %s", e.Message)
}

func (e *TransientExternalError) Unwrap() error { return e.Cause }

// Kind implements kinded.
func (e *TransientExternalError) Kind() ErrorKind { return KindTransientExternal }

// ContextIsolationError is raised when a story-level read would reach isolated content.
type ContextIsolationError struct {
	Message     string
	QueryKey    string
	ContainerID string
}

func (e *ContextIsolationError) Error() string {
	if e.ContainerID != "" {
		return fmt.Sprintf("context isolation error: %s (query %q, container %s)", e.Message, e.QueryKey, e.ContainerID)
	}
	return fmt.Sprintf("context isolation error: %s (query %q)", e.Message, e.QueryKey)
}

// Kind implements kinded.
func (e *ContextIsolationError) Kind() ErrorKind { return KindContextIsolation }

// BranchConflictError is returned when an append targets a head that is no longer current.
type BranchConflictError struct {
	BranchID     string
	ExpectedHead string
	ActualHead   string
}

func (e *BranchConflictError) Error() string {
	return fmt.Sprintf("branch conflict on %s: expected head %q, actual head %q", e.BranchID, e.ExpectedHead, e.ActualHead)
}

// Kind implements kinded.
func (e *BranchConflictError) Kind() ErrorKind { return KindBranchConflict }

// StateError reports an operation that is not valid in the run's current state.
type StateError struct {
	RunID     string
	State     RunState
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s run %s in state %s", e.Operation, e.RunID, e.State)
}

// Kind implements kinded.
func (e *StateError) Kind() ErrorKind { return KindState }

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Kind implements kinded.
func (e *NotFoundError) Kind() ErrorKind { return KindNotFound }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
