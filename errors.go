package stepflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kind constants used for recorded step outcomes and retry matching.
// Kinds classify failures without depending on concrete error types, so a
// persisted outcome can be re-examined after a JSON round trip.
const (
	// ErrorKindDomain is a typed failure returned by an operation.
	ErrorKindDomain = "domain"

	// ErrorKindPanic is a recovered panic from an operation that was
	// expected to return normally. The panic value is diagnostic only
	// and must not be conflated with domain failures.
	ErrorKindPanic = "panic"

	// ErrorKindTimeout indicates a step exceeded its configured timeout.
	ErrorKindTimeout = "timeout"

	// ErrorKindCanceled indicates the run's cancellation token fired.
	ErrorKindCanceled = "cancelled"
)

// TimeoutError is the distinguished failure produced when a step's
// operation does not complete within its configured timeout. The
// underlying operation is abandoned, not forcibly killed; it observes
// cancellation through its context.
type TimeoutError struct {
	StepKey string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.StepKey == "" {
		return fmt.Sprintf("step timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("step %q timed out after %s", e.StepKey, e.Timeout)
}

// Unwrap lets retry heuristics treat step timeouts like deadline faults.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// PanicError normalizes a panic thrown by an operation into a failure.
// Value holds the recovered panic value as an opaque diagnostic.
type PanicError struct {
	StepKey string
	Value   any
}

func (e *PanicError) Error() string {
	if e.StepKey == "" {
		return fmt.Sprintf("operation panicked: %v", e.Value)
	}
	return fmt.Sprintf("step %q panicked: %v", e.StepKey, e.Value)
}

// CanceledError indicates a run stopped at a step boundary because its
// cancellation token fired. LastCompletedStep names the most recent
// keyed step that finished successfully, or is empty if none did.
type CanceledError struct {
	RunID             string
	LastCompletedStep string
	cause             error
}

func (e *CanceledError) Error() string {
	if e.LastCompletedStep == "" {
		return fmt.Sprintf("run %s cancelled before any step completed", e.RunID)
	}
	return fmt.Sprintf("run %s cancelled after step %q", e.RunID, e.LastCompletedStep)
}

func (e *CanceledError) Unwrap() error { return e.cause }

// VersionMismatchError is returned when stored state was checkpointed by
// a different workflow version and no resolver handled the mismatch.
type VersionMismatchError struct {
	InstanceID       string
	StoredVersion    int
	RequestedVersion int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("instance %q: stored state is version %d, requested version %d",
		e.InstanceID, e.StoredVersion, e.RequestedVersion)
}

// Concurrency admission scopes for ConcurrentExecutionError.
const (
	ConcurrencyInProcess    = "in-process"
	ConcurrencyCrossProcess = "cross-process"
)

// ConcurrentExecutionError is returned when another run already owns the
// workflow instance id, either in this process or via a store lease.
type ConcurrentExecutionError struct {
	InstanceID string
	Reason     string
}

func (e *ConcurrentExecutionError) Error() string {
	return fmt.Sprintf("instance %q is already executing (%s)", e.InstanceID, e.Reason)
}

// PersistenceError wraps a fault from the persistence store, tagged with
// the operation that failed so callers can distinguish a load fault from
// a cleanup fault after an otherwise successful run.
type PersistenceError struct {
	InstanceID string
	Op         string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("instance %q: persistence %s failed: %v", e.InstanceID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// recordedError reconstructs a failure that was recorded under a step key
// earlier in the run and is being replayed from cache.
type recordedError struct {
	kind    string
	message string
}

func (e *recordedError) Error() string { return e.message }

// errorKind classifies an error into one of the ErrorKind constants for
// recording. Domain failures are the default: unknown errors are assumed
// to carry meaning for the caller.
func errorKind(err error) string {
	var timeoutErr *TimeoutError
	var panicErr *PanicError
	var cancelErr *CanceledError
	var replayed *recordedError
	switch {
	case errors.As(err, &timeoutErr):
		return ErrorKindTimeout
	case errors.As(err, &panicErr):
		return ErrorKindPanic
	case errors.As(err, &cancelErr):
		return ErrorKindCanceled
	case errors.As(err, &replayed):
		return replayed.kind
	default:
		return ErrorKindDomain
	}
}
