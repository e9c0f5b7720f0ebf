package stepflow

import (
	"context"
	"errors"
	"time"

	"github.com/deepnoodle-ai/stepflow/retry"
)

// stepSettings holds the resolved per-step options.
type stepSettings struct {
	retry   retry.Policy
	timeout time.Duration
}

// StepOption configures a single step invocation.
type StepOption func(*stepSettings)

// WithRetry re-invokes the operation per the given policy when it fails
// with a retryable error.
func WithRetry(policy retry.Policy) StepOption {
	return func(s *stepSettings) { s.retry = policy }
}

// WithTimeout fails the step with a *TimeoutError if the operation does
// not complete within d. The operation is abandoned, not killed; it
// observes cancellation through its context.
func WithTimeout(d time.Duration) StepOption {
	return func(s *stepSettings) { s.timeout = d }
}

// Step executes one unit of work. A non-empty key makes the step
// durable: its outcome is recorded under that key exactly once per run,
// and a cached outcome (from earlier in this run, or primed from a
// checkpoint) is replayed without invoking the operation again. An empty
// key runs the operation every time and records nothing.
func Step[T any](c *Context, key string, op func(context.Context) (T, error), opts ...StepOption) (T, error) {
	return execStep(c, key, op, nil, opts)
}

// Try is Step for operations whose errors carry no domain meaning of
// their own: classify maps the raw error into the caller's failure
// value. The mapping function is mandatory.
func Try[T any](c *Context, key string, op func(context.Context) (T, error), classify func(error) error, opts ...StepOption) (T, error) {
	var zero T
	if classify == nil {
		return zero, errors.New("stepflow: Try requires an error mapping function")
	}
	return execStep(c, key, op, classify, opts)
}

func execStep[T any](c *Context, key string, op func(context.Context) (T, error), classify func(error) error, opts []StepOption) (T, error) {
	var zero T
	r := c.run

	if err := r.ensureRunning(); err != nil {
		return zero, err
	}
	// Cancellation is polled at every step boundary, before the
	// operation is considered.
	if err := r.checkCancel(c.ctx); err != nil {
		return zero, err
	}

	var settings stepSettings
	for _, opt := range opts {
		opt(&settings)
	}

	if key != "" {
		if entry, ok := c.cachedEntry(key); ok {
			r.logger.Debug("step cache hit", "step", key)
			return replayEntry[T](entry)
		}
		if err := c.claimKey(key); err != nil {
			return zero, err
		}
	}

	c.emitStep(&Event{Type: EventStepStart, StepKey: key})
	start := time.Now()
	value, attempts, timedOut, err := invoke(c.ctx, key, op, settings)
	duration := time.Since(start)

	if err != nil && classify != nil && errorKind(err) == ErrorKindDomain {
		err = classify(err)
	}

	var entry StepEntry
	if key != "" {
		entry = recordOutcome(value, err, attempts, timedOut, c.origin)
		c.recordEntry(key, entry)
	}

	event := &Event{
		StepKey:  key,
		Duration: duration,
		Attempts: attempts,
	}
	if key != "" {
		event.Entry = &entry
	}
	if err != nil {
		event.Type = EventStepFailure
		event.Err = err
	} else {
		event.Type = EventStepSuccess
	}
	c.emitStep(event)

	if key != "" && c.stage == nil {
		// The checkpoint hook is awaited before the engine proceeds.
		// Race branches defer this until their entries are committed.
		if hookErr := r.runHook(c.ctx, key, entry); hookErr != nil {
			return zero, hookErr
		}
	}
	return value, err
}

// recordOutcome converts a step's (value, error) pair into its
// serializable StepEntry form.
func recordOutcome[T any](value T, err error, attempts int, timedOut bool, origin string) StepEntry {
	var meta *StepMeta
	if attempts > 1 || timedOut || origin != "" {
		meta = &StepMeta{Attempts: attempts, TimedOut: timedOut, Origin: origin}
	}
	if err != nil {
		return StepEntry{
			Result: RecordedResult{
				OK:           false,
				ErrorKind:    errorKind(err),
				ErrorMessage: err.Error(),
			},
			Meta: meta,
		}
	}
	return StepEntry{
		Result: RecordedResult{OK: true, Value: value},
		Meta:   meta,
	}
}

// replayEntry unwraps a cached entry: successes decode back to T,
// failures reconstruct the recorded error.
func replayEntry[T any](entry StepEntry) (T, error) {
	var zero T
	if !entry.Result.OK {
		return zero, &recordedError{
			kind:    entry.Result.ErrorKind,
			message: entry.Result.ErrorMessage,
		}
	}
	return decodeValue[T](entry.Result.Value)
}

// invoke runs the operation with retry and timeout handling, counting
// attempts. Cancellation between attempts stops the loop.
func invoke[T any](ctx context.Context, key string, op func(context.Context) (T, error), settings stepSettings) (T, int, bool, error) {
	var zero T
	policy := settings.retry
	attempts := 0
	for {
		attempts++
		value, err := invokeOnce(ctx, key, op, settings.timeout)
		if err == nil {
			return value, attempts, false, nil
		}
		var timeoutErr *TimeoutError
		timedOut := errors.As(err, &timeoutErr)

		if attempts >= policy.Attempts() || !policy.ShouldRetry(err) {
			return zero, attempts, timedOut, err
		}
		if delay := policy.Delay(attempts); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, attempts, timedOut, err
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return zero, attempts, timedOut, err
		}
	}
}

// invokeOnce calls the operation once, normalizing panics and applying
// the optional timeout. On expiry the operation keeps running in the
// background with a canceled context; its eventual outcome is discarded.
func invokeOnce[T any](ctx context.Context, key string, op func(context.Context) (T, error), timeout time.Duration) (T, error) {
	var zero T
	if timeout <= 0 {
		return callSafe(ctx, key, op)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := callSafe(opCtx, key, op)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		cancel()
		return out.value, out.err
	case <-opCtx.Done():
		cancel()
		if ctx.Err() != nil {
			// The parent was canceled, not the step timer.
			return zero, context.Cause(ctx)
		}
		return zero, &TimeoutError{StepKey: key, Timeout: timeout}
	}
}

// callSafe invokes the operation, converting a panic into a *PanicError
// so an unexpected fault is never conflated with a domain failure.
func callSafe[T any](ctx context.Context, key string, op func(context.Context) (T, error)) (value T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{StepKey: key, Value: p}
		}
	}()
	return op(ctx)
}

// cachedEntry consults the race stage first (branch-local writes), then
// the shared run cache.
func (c *Context) cachedEntry(key string) (StepEntry, bool) {
	if c.stage != nil {
		if entry, ok := c.stage.get(key); ok {
			return entry, true
		}
	}
	return c.run.lookup(key)
}

func (c *Context) claimKey(key string) error {
	if c.stage != nil {
		return c.stage.claim(key)
	}
	return c.run.claim(key)
}

func (c *Context) recordEntry(key string, entry StepEntry) {
	if c.stage != nil {
		c.stage.record(key, entry)
		return
	}
	c.run.record(key, entry)
}

// emitStep delivers a step event, or defers it when executing inside a
// race branch whose outcome may be discarded.
func (c *Context) emitStep(event *Event) {
	if c.stage != nil && event.StepKey != "" {
		switch event.Type {
		case EventStepSuccess, EventStepFailure:
			c.stage.defer_(c.ctx, event)
			return
		}
	}
	c.run.emit(c.ctx, event)
}
