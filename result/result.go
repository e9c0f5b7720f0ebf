// Package result provides a small algebra for typed fallible outcomes.
//
// A Result is a two-variant value: either a success carrying a value of
// type T, or a failure carrying an error of type E plus an optional
// diagnostic cause. The cause is never part of the failure's identity;
// it exists only so callers can inspect or log the underlying fault.
package result

// Result holds either a success value or a failure. The zero value is a
// success carrying T's zero value; use the constructors to be explicit.
// Results are immutable once created.
type Result[T, E any] struct {
	ok    bool
	value T
	err   E
	cause error
}

// Ok returns a successful Result carrying value.
func Ok[T, E any](value T) Result[T, E] {
	return Result[T, E]{ok: true, value: value}
}

// Err returns a failed Result carrying err.
func Err[T, E any](err E) Result[T, E] {
	return Result[T, E]{err: err}
}

// ErrCause returns a failed Result carrying err along with a diagnostic
// cause. The cause does not participate in the failure's identity.
func ErrCause[T, E any](err E, cause error) Result[T, E] {
	return Result[T, E]{err: err, cause: cause}
}

// IsOK reports whether the Result is a success.
func (r Result[T, E]) IsOK() bool { return r.ok }

// Value returns the success value, or T's zero value for a failure.
func (r Result[T, E]) Value() T { return r.value }

// Err returns the failure, or E's zero value for a success.
func (r Result[T, E]) Err() E { return r.err }

// Cause returns the diagnostic cause attached to a failure, if any.
func (r Result[T, E]) Cause() error { return r.cause }

// Unpack returns the value, the failure, and whether the Result succeeded.
func (r Result[T, E]) Unpack() (T, E, bool) {
	return r.value, r.err, r.ok
}

// Match invokes exactly one of the two handlers. Both handlers are
// required; passing nil panics rather than silently falling through.
func (r Result[T, E]) Match(onSuccess func(T), onFailure func(E, error)) {
	if onSuccess == nil || onFailure == nil {
		panic("result: Match requires handlers for both variants")
	}
	if r.ok {
		onSuccess(r.value)
		return
	}
	onFailure(r.err, r.cause)
}

// MatchTo is like Result.Match but produces a value of type R.
func MatchTo[T, E, R any](r Result[T, E], onSuccess func(T) R, onFailure func(E, error) R) R {
	if onSuccess == nil || onFailure == nil {
		panic("result: MatchTo requires handlers for both variants")
	}
	if r.ok {
		return onSuccess(r.value)
	}
	return onFailure(r.err, r.cause)
}

// Map transforms the success value, passing failures through unchanged.
func Map[T, U, E any](r Result[T, E], fn func(T) U) Result[U, E] {
	if !r.ok {
		return Result[U, E]{err: r.err, cause: r.cause}
	}
	return Ok[U, E](fn(r.value))
}

// MapErr transforms the failure, passing successes through unchanged.
// The diagnostic cause survives the transformation.
func MapErr[T, E, F any](r Result[T, E], fn func(E) F) Result[T, F] {
	if r.ok {
		return Ok[T, F](r.value)
	}
	return Result[T, F]{err: fn(r.err), cause: r.cause}
}

// AndThen chains a dependent computation onto a success. On failure, fn
// is not invoked and the failure is passed through unchanged.
func AndThen[T, U, E any](r Result[T, E], fn func(T) Result[U, E]) Result[U, E] {
	if !r.ok {
		return Result[U, E]{err: r.err, cause: r.cause}
	}
	return fn(r.value)
}

// All collects the success values of all results in index order. It fails
// fast with the first failure encountered, leaving later results
// unexamined.
func All[T, E any](results []Result[T, E]) Result[[]T, E] {
	values := make([]T, 0, len(results))
	for _, r := range results {
		if !r.ok {
			return Result[[]T, E]{err: r.err, cause: r.cause}
		}
		values = append(values, r.value)
	}
	return Ok[[]T, E](values)
}

// Any returns the first success in index order. If every result failed,
// it fails with the ordered list of all failures.
func Any[T, E any](results []Result[T, E]) Result[T, []E] {
	failures := make([]E, 0, len(results))
	for _, r := range results {
		if r.ok {
			return Ok[T, []E](r.value)
		}
		failures = append(failures, r.err)
	}
	return Err[T](failures)
}

// Settled partitions outcomes into successes and failures. Order within
// each slice follows the input order.
type Settled[T, E any] struct {
	Successes []T
	Failures  []E
}

// AllSettled never fails: it partitions every result into the Settled
// buckets, preserving input order within each bucket.
func AllSettled[T, E any](results []Result[T, E]) Settled[T, E] {
	settled := Settled[T, E]{
		Successes: make([]T, 0, len(results)),
		Failures:  make([]E, 0),
	}
	for _, r := range results {
		if r.ok {
			settled.Successes = append(settled.Successes, r.value)
		} else {
			settled.Failures = append(settled.Failures, r.err)
		}
	}
	return settled
}
