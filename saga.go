package stepflow

import (
	"context"
	"errors"
	"time"
)

// compensation is one registered rollback thunk. The stack is unwound
// most-recently-completed first when the run fails.
type compensation struct {
	name string
	fn   func(context.Context) error
}

func (r *run) pushCompensation(comp compensation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compensations = append(r.compensations, comp)
}

// compensate unwinds the compensation stack. Each rollback failure is
// reported via a compensation_error event and swallowed, so one failed
// rollback never blocks the rest — and never replaces the failure that
// triggered the unwind.
func (r *run) compensate(ctx context.Context) {
	r.mu.Lock()
	stack := make([]compensation, len(r.compensations))
	copy(stack, r.compensations)
	r.mu.Unlock()

	for i := len(stack) - 1; i >= 0; i-- {
		comp := stack[i]
		r.emit(ctx, &Event{Type: EventCompensationStart, StepKey: comp.name})
		start := time.Now()
		err := callCompensation(ctx, comp)
		if err != nil {
			r.logger.Error("compensation failed", "step", comp.name, "error", err)
			r.emit(ctx, &Event{
				Type:     EventCompensationError,
				StepKey:  comp.name,
				Duration: time.Since(start),
				Err:      err,
			})
		}
	}
}

func callCompensation(ctx context.Context, comp compensation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{StepKey: comp.name, Value: p}
		}
	}()
	return comp.fn(ctx)
}

// SagaStep executes a step that registers a compensating action. The
// name is mandatory: it keys the recorded outcome and orders later
// compensation. When the step succeeds and compensate is non-nil, the
// rollback is pushed onto the run's compensation stack with the step's
// result bound in.
//
// A saga step replayed from cache does not re-register its
// compensation: its side effect belongs to the run that executed it.
func SagaStep[T any](c *Context, name string, op func(context.Context) (T, error), compensate func(context.Context, T) error, opts ...StepOption) (T, error) {
	var zero T
	if name == "" {
		return zero, errors.New("stepflow: saga step name is required")
	}
	replayed := false
	if _, ok := c.cachedEntry(name); ok {
		replayed = true
	}
	value, err := Step(c, name, op, opts...)
	if err != nil {
		return zero, err
	}
	if compensate != nil && !replayed {
		comp := compensation{
			name: name,
			fn: func(ctx context.Context) error {
				return compensate(ctx, value)
			},
		}
		if c.stage != nil {
			c.stage.pushCompensation(comp)
		} else {
			c.run.pushCompensation(comp)
		}
	}
	return value, nil
}

// SagaTry is SagaStep for operations whose errors carry no domain
// meaning: classify maps the raw error into the caller's failure value
// and is mandatory.
func SagaTry[T any](c *Context, name string, op func(context.Context) (T, error), classify func(error) error, compensate func(context.Context, T) error, opts ...StepOption) (T, error) {
	var zero T
	if name == "" {
		return zero, errors.New("stepflow: saga step name is required")
	}
	if classify == nil {
		return zero, errors.New("stepflow: SagaTry requires an error mapping function")
	}
	replayed := false
	if _, ok := c.cachedEntry(name); ok {
		replayed = true
	}
	value, err := Try(c, name, op, classify, opts...)
	if err != nil {
		return zero, err
	}
	if compensate != nil && !replayed {
		comp := compensation{
			name: name,
			fn: func(ctx context.Context) error {
				return compensate(ctx, value)
			},
		}
		if c.stage != nil {
			c.stage.pushCompensation(comp)
		} else {
			c.run.pushCompensation(comp)
		}
	}
	return value, nil
}
