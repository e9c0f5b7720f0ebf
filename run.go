// Package stepflow composes multi-step workflows out of fallible
// operations, with optional durable execution: checkpointing after each
// keyed step, crash recovery by resuming from the last completed step,
// version-gated resumption, and per-instance mutual exclusion.
package stepflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/stepflow/result"
	"go.jetify.com/typeid"
)

// NewRunID returns a new identifier for a single run.
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RunStatus represents the run lifecycle state.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunOptions configures a single execution of a workflow body.
type RunOptions struct {
	// RunID identifies this run. Generated when empty.
	RunID string

	// InstanceID is the durable workflow instance id, stamped on every
	// event. Empty for plain (non-durable) runs.
	InstanceID string

	// Logger receives engine diagnostics. Discarded when nil.
	Logger *slog.Logger

	// Observers receive every lifecycle event, invoked synchronously in
	// slice order. The list is fixed for the duration of the run.
	Observers []Observer

	// Cache seeds the keyed-step cache, typically from a prior run's
	// ResumeState. A step whose key is present is not re-invoked.
	Cache *ResumeState

	// AfterStep, when set, is awaited after each keyed step's outcome is
	// recorded, before the run proceeds. This is the durable wrapper's
	// checkpoint hook.
	AfterStep func(ctx context.Context, key string, entry StepEntry) error

	// EventContext carries caller-supplied correlation values stamped on
	// every event of the run.
	EventContext map[string]any
}

// run holds the mutable state of one execution. Step-cache and
// compensation-stack mutation is serialized under mu; parallel branches
// only read the cache before they start and record their own outcome
// when they individually complete.
type run struct {
	id         string
	instanceID string
	logger     *slog.Logger
	observers  []Observer
	eventCtx   map[string]any
	afterStep  func(ctx context.Context, key string, entry StepEntry) error

	mu            sync.Mutex
	status        RunStatus
	cache         *ResumeState
	inflight      map[string]bool
	compensations []compensation
	lastCompleted string
	canceled      bool

	// hookMu serializes the AfterStep hook across parallel branches so
	// checkpoint saves never interleave.
	hookMu sync.Mutex
}

func newRun(opts RunOptions) *run {
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cache := NewResumeState()
	if opts.Cache != nil {
		cache = opts.Cache.Clone()
	}
	return &run{
		id:         opts.RunID,
		instanceID: opts.InstanceID,
		logger:     opts.Logger.With("run_id", opts.RunID),
		observers:  opts.Observers,
		eventCtx:   opts.EventContext,
		afterStep:  opts.AfterStep,
		status:     RunStatusIdle,
		cache:      cache,
		inflight:   map[string]bool{},
	}
}

// Context is the step capability handed to a workflow body. It carries
// the run plus the caller's context.Context, and for race branches a
// staging area for keyed outcomes.
type Context struct {
	ctx    context.Context
	run    *run
	stage  *raceStage
	origin string
}

// Context returns the underlying context.Context for use in operations
// invoked outside the step capability.
func (c *Context) Context() context.Context { return c.ctx }

// RunID returns the identifier of the enclosing run.
func (c *Context) RunID() string { return c.run.id }

// Logger returns the run's logger.
func (c *Context) Logger() *slog.Logger { return c.run.logger }

// Run executes a workflow body once, exposing the step capability to it.
// The outcome is always a Result: domain and unexpected failures
// short-circuit the body, cancellation produces a *CanceledError, and a
// panicking body is normalized to a *PanicError.
func Run[T any](ctx context.Context, opts RunOptions, body func(*Context) (T, error)) result.Result[T, error] {
	r := newRun(opts)
	c := &Context{ctx: ctx, run: r}

	r.setStatus(RunStatusRunning)
	value, err := runBody(c, body)
	if err == nil {
		r.setStatus(RunStatusCompleted)
		r.emit(ctx, &Event{Type: EventWorkflowDone})
		return result.Ok[T, error](value)
	}

	var cancelErr *CanceledError
	if errors.As(err, &cancelErr) {
		r.setStatus(RunStatusCancelled)
		r.emit(ctx, &Event{Type: EventWorkflowCancelled, Err: err})
		return result.ErrCause[T](err, cancelErr.Unwrap())
	}

	// Unwind the compensation stack before reporting failure. Rollbacks
	// run even if the caller's context has since been canceled.
	r.compensate(context.WithoutCancel(ctx))
	r.setStatus(RunStatusFailed)
	r.emit(ctx, &Event{Type: EventWorkflowDone, Err: err})
	return result.Err[T](err)
}

// runBody invokes the body with panic normalization.
func runBody[T any](c *Context, body func(*Context) (T, error)) (value T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return body(c)
}

func (r *run) setStatus(status RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// Status returns the run's current lifecycle state.
func (c *Context) Status() RunStatus {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	return c.run.status
}

func (r *run) ensureRunning() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != RunStatusRunning {
		return errors.New("stepflow: no step may execute outside a running workflow body")
	}
	return nil
}

// checkCancel polls the cancellation token at a step boundary. Once
// triggered, the run stops without invoking further operations.
func (r *run) checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		r.mu.Lock()
		r.canceled = true
		last := r.lastCompleted
		r.mu.Unlock()
		return &CanceledError{RunID: r.id, LastCompletedStep: last, cause: context.Cause(ctx)}
	default:
		return nil
	}
}

// lookup returns a cached entry for key. Entries recorded this run are
// always replayed; primed entries were filtered by the caller of
// RunOptions.Cache.
func (r *run) lookup(key string) (StepEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache.Get(key)
	return entry, ok
}

// claim marks key as executing. A key may run at most once per run;
// concurrent branches reusing a key is a caller bug surfaced here.
func (r *run) claim(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[key] {
		return &duplicateKeyError{Key: key}
	}
	r.inflight[key] = true
	return nil
}

func (r *run) record(key string, entry StepEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Set(key, entry)
	delete(r.inflight, key)
	if entry.Result.OK {
		r.lastCompleted = key
	}
}

func (r *run) unclaim(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, key)
}

// runHook awaits the post-step checkpoint hook, serialized across
// parallel branches.
func (r *run) runHook(ctx context.Context, key string, entry StepEntry) error {
	if r.afterStep == nil {
		return nil
	}
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	return r.afterStep(ctx, key, entry)
}

// emit stamps and delivers an event to every observer in order.
func (r *run) emit(ctx context.Context, event *Event) {
	event.RunID = r.id
	event.InstanceID = r.instanceID
	event.Context = r.eventCtx
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, observer := range r.observers {
		observer.HandleEvent(ctx, event)
	}
}

type duplicateKeyError struct {
	Key string
}

func (e *duplicateKeyError) Error() string {
	return "stepflow: step key " + e.Key + " is already executing in this run"
}
