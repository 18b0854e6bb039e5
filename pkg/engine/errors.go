package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and reporting logic.
type ErrorClass string

const (
	// ErrorClassDependency indicates a plugin reported missing prerequisites.
	// The phase does not start.
	ErrorClassDependency ErrorClass = "dependency"

	// ErrorClassTransient indicates an infrastructure failure that is retried
	// before being promoted to fatal. Examples: VM launch/stop, file transfer.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassReadiness indicates a failure that is fatal on first occurrence.
	// Examples: VM readiness wait, scheduled task creation.
	ErrorClassReadiness ErrorClass = "readiness"

	// ErrorClassAnalyzer indicates a single analyzer poll failed.
	// It is swallowed and treated as NotChanged.
	ErrorClassAnalyzer ErrorClass = "analyzer"

	// ErrorClassPersistence indicates the sample store rejected a read or write.
	ErrorClassPersistence ErrorClass = "persistence"

	// ErrorClassCanceled indicates the caller stopped the phase between two units.
	ErrorClassCanceled ErrorClass = "canceled"
)

// EngineError is a classified failure of a phase operation.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Operation is the short name of what failed, e.g. "launch VM".
	// It becomes the "what" of a Failed status.
	Operation string `json:"operation"`

	// Err is the underlying error, usually carrying a context chain.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err == nil {
		return e.Operation
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Err.Error())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Operation == "" || e.Operation == t.Operation)
}

// Why returns the cause of the failure without the operation name.
func (e *EngineError) Why() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// NewTransientError creates a new transient error.
func NewTransientError(operation string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Operation: operation, Err: err}
}

// NewReadinessError creates a new readiness error.
func NewReadinessError(operation string, err error) *EngineError {
	return &EngineError{Class: ErrorClassReadiness, Operation: operation, Err: err}
}

// NewPersistenceError creates a new persistence error.
func NewPersistenceError(operation string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPersistence, Operation: operation, Err: err}
}

// newInterruptedError reports a phase stopped by its caller.
func newInterruptedError(err error) *EngineError {
	return &EngineError{Class: ErrorClassCanceled, Operation: "analysis interrupted", Err: err}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPersistence returns true if the error is classified as a persistence failure.
func IsPersistence(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPersistence
	}
	return false
}

// contextError attaches a description of what was being done to an error.
type contextError struct {
	context string
	err     error
}

func (e *contextError) Error() string { return e.context + ": " + e.err.Error() }
func (e *contextError) Unwrap() error { return e.err }

// Wrap prefixes err with a description of the work in progress, keeping the cause
// reachable through errors.Is and errors.As. Wrap(nil, ...) returns nil.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return &contextError{context: context, err: err}
}

// Wrapf is Wrap with a formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// annotate adds context to the cause of a classified error, keeping it the outermost
// error so the operation name survives. whatSuffix is appended to the operation name.
func annotate(err error, context, whatSuffix string) error {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return &EngineError{
			Class:     e.Class,
			Operation: e.Operation + whatSuffix,
			Err:       Wrap(e.Err, context),
		}
	}
	return Wrap(err, context)
}

// asFailed converts an error into a Failed status. Errors that are not classified
// keep fallback as their "what".
func asFailed(err error, fallback string) Failed {
	var e *EngineError
	if errors.As(err, &e) {
		return Failed{What: e.Operation, Why: e.Why()}
	}
	return Failed{What: fallback, Why: err.Error()}
}
