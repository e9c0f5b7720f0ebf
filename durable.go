package stepflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/stepflow/result"
)

// DefaultLockTTL bounds how long a crashed process can hold an
// instance's lease before it becomes acquirable again.
const DefaultLockTTL = time.Minute

// VersionMismatch describes a stored checkpoint whose version differs
// from the one requested for this run.
type VersionMismatch struct {
	InstanceID       string
	StoredVersion    int
	RequestedVersion int
}

// ResolutionAction selects how a version mismatch is handled.
type ResolutionAction string

const (
	// ResolutionFail surfaces a *VersionMismatchError. Default.
	ResolutionFail ResolutionAction = "fail"

	// ResolutionClear deletes the stored state and proceeds fresh.
	ResolutionClear ResolutionAction = "clear"

	// ResolutionMigrate substitutes caller-supplied state and proceeds.
	ResolutionMigrate ResolutionAction = "migrate"
)

// Resolution is a version-mismatch resolver's verdict. MigratedState is
// consulted only for ResolutionMigrate.
type Resolution struct {
	Action        ResolutionAction
	MigratedState *ResumeState
}

// DurableOptions configures a durable run.
type DurableOptions struct {
	// ID is the workflow instance id. Required; validated before any I/O.
	ID string

	// Store persists checkpoints. When nil the run executes without
	// persistence, keeping only in-process concurrency admission.
	Store Store

	// Version gates resumption. Zero is read as 1. Stored state with a
	// different version is not replayed unless OnVersionMismatch
	// resolves it.
	Version int

	// AllowConcurrent disables both in-process and cross-process
	// mutual exclusion for this id.
	AllowConcurrent bool

	// LockTTL bounds the store lease. Defaults to DefaultLockTTL.
	LockTTL time.Duration

	// OnVersionMismatch resolves a version gate. When nil, mismatches
	// fail with *VersionMismatchError.
	OnVersionMismatch func(mismatch VersionMismatch) (Resolution, error)

	// Metadata is stored alongside every checkpoint.
	Metadata map[string]any

	// RunID, Logger, Observers, and EventContext configure the
	// underlying executor as in RunOptions.
	RunID        string
	Logger       *slog.Logger
	Observers    []Observer
	EventContext map[string]any
}

// activeRuns is the in-process membership set for concurrency admission.
type activeRuns struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (a *activeRuns) acquire(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ids[id] {
		return false
	}
	a.ids[id] = true
	return true
}

func (a *activeRuns) release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ids, id)
}

var inProcessRuns = &activeRuns{ids: map[string]bool{}}

// RunDurable executes a workflow body with checkpoint persistence and
// resumption. After every keyed step the collected state is merged into
// the prior checkpoint and saved; on success the stored state is
// deleted; on failure or cancellation it is left intact so a later run
// with the same id resumes from the last completed step.
//
// Checkpoint saves are best-effort: a save fault is reported via a
// persist_error event and the run proceeds. Load faults, final delete
// faults, and admission failures surface as typed errors in the Result.
func RunDurable[T any](ctx context.Context, opts DurableOptions, body func(*Context) (T, error)) result.Result[T, error] {
	if opts.ID == "" {
		return result.Err[T, error](errors.New("stepflow: workflow instance id is required"))
	}
	if opts.Version == 0 {
		opts.Version = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("instance_id", opts.ID)

	d := &durableRun{opts: opts, logger: logger}
	return runDurable[T](ctx, d, body)
}

type durableRun struct {
	opts   DurableOptions
	logger *slog.Logger
}

func runDurable[T any](ctx context.Context, d *durableRun, body func(*Context) (T, error)) result.Result[T, error] {
	opts := d.opts

	// 1. Concurrency admission: in-process membership first, then the
	// store lease when the store supports one.
	if !opts.AllowConcurrent {
		if !inProcessRuns.acquire(opts.ID) {
			return result.Err[T, error](&ConcurrentExecutionError{
				InstanceID: opts.ID,
				Reason:     ConcurrencyInProcess,
			})
		}
		defer inProcessRuns.release(opts.ID)

		if locker, ok := opts.Store.(Locker); ok {
			lease, err := locker.TryAcquire(ctx, opts.ID, opts.LockTTL)
			if err != nil {
				return result.Err[T, error](&PersistenceError{InstanceID: opts.ID, Op: "acquire", Err: err})
			}
			if lease == nil {
				return result.Err[T, error](&ConcurrentExecutionError{
					InstanceID: opts.ID,
					Reason:     ConcurrencyCrossProcess,
				})
			}
			// The lease release must never overwrite an already
			// determined workflow result; faults are logged only.
			defer func() {
				if err := locker.Release(context.WithoutCancel(ctx), opts.ID, lease.OwnerToken); err != nil {
					d.logger.Error("lease release failed", "error", err)
				}
			}()
		}
	}

	// 2. Load prior state; a load fault stops the run before any step.
	var prior *ResumeState
	if opts.Store != nil {
		saved, err := opts.Store.Load(ctx, opts.ID)
		if err != nil {
			return result.Err[T, error](&PersistenceError{InstanceID: opts.ID, Op: "load", Err: err})
		}

		// 3. Version gate. Legacy states without a version are version 1.
		if saved != nil {
			stored := saved.Meta.Version
			if stored == 0 {
				stored = 1
			}
			if stored != opts.Version {
				resolved, res := resolveMismatch[T](ctx, d, stored)
				if res != nil {
					return *res
				}
				prior = resolved
			} else {
				prior = saved.State
			}
		}
	}
	if prior == nil {
		prior = NewResumeState()
	}

	// 4. Prime and execute. Only successful entries seed the cache: a
	// checkpointed failure is re-executed on resume.
	cache := NewResumeState()
	for _, key := range prior.Keys() {
		entry, _ := prior.Get(key)
		if entry.Result.OK {
			cache.Set(key, entry)
		}
	}

	collector := NewCollector()
	observers := append([]Observer{collector}, opts.Observers...)

	runID := opts.RunID
	if runID == "" {
		runID = NewRunID()
	}

	var afterStep func(ctx context.Context, key string, entry StepEntry) error
	if opts.Store != nil {
		afterStep = func(hookCtx context.Context, key string, entry StepEntry) error {
			merged := prior.Merge(collector.Snapshot())
			meta := Metadata{
				Version:   opts.Version,
				RunID:     runID,
				UpdatedAt: time.Now(),
				Custom:    opts.Metadata,
			}
			event := &Event{
				RunID:      runID,
				InstanceID: opts.ID,
				StepKey:    key,
				Timestamp:  time.Now(),
				Context:    opts.EventContext,
			}
			if err := opts.Store.Save(hookCtx, opts.ID, merged, meta); err != nil {
				// Checkpointing is best-effort: report and proceed.
				d.logger.Error("checkpoint save failed", "step", key, "error", err)
				event.Type = EventPersistError
				event.Err = &PersistenceError{InstanceID: opts.ID, Op: "save", Err: err}
			} else {
				event.Type = EventPersistSuccess
			}
			for _, observer := range observers {
				observer.HandleEvent(hookCtx, event)
			}
			return nil
		}
	}

	res := Run(ctx, RunOptions{
		RunID:        runID,
		InstanceID:   opts.ID,
		Logger:       d.logger,
		Observers:    observers,
		Cache:        cache,
		AfterStep:    afterStep,
		EventContext: opts.EventContext,
	}, body)

	// 5. Finalize: delete state on success, keep it for resumption
	// otherwise. A delete fault is surfaced even though the workflow
	// body succeeded, so callers can tell "done, cleanup failed" from
	// plain success.
	if res.IsOK() && opts.Store != nil {
		if _, err := opts.Store.Delete(context.WithoutCancel(ctx), opts.ID); err != nil {
			return result.Err[T, error](&PersistenceError{InstanceID: opts.ID, Op: "delete", Err: err})
		}
	}
	return res
}

// resolveMismatch applies the caller's version-mismatch resolver. It
// returns either the state to proceed with, or the Result to surface.
func resolveMismatch[T any](ctx context.Context, d *durableRun, stored int) (*ResumeState, *result.Result[T, error]) {
	opts := d.opts
	mismatchErr := &VersionMismatchError{
		InstanceID:       opts.ID,
		StoredVersion:    stored,
		RequestedVersion: opts.Version,
	}
	if opts.OnVersionMismatch == nil {
		res := result.Err[T, error](mismatchErr)
		return nil, &res
	}
	resolution, err := opts.OnVersionMismatch(VersionMismatch{
		InstanceID:       opts.ID,
		StoredVersion:    stored,
		RequestedVersion: opts.Version,
	})
	if err != nil {
		res := result.ErrCause[T, error](mismatchErr, err)
		return nil, &res
	}
	switch resolution.Action {
	case ResolutionClear:
		if _, err := opts.Store.Delete(ctx, opts.ID); err != nil {
			res := result.Err[T, error](&PersistenceError{InstanceID: opts.ID, Op: "delete", Err: err})
			return nil, &res
		}
		return NewResumeState(), nil
	case ResolutionMigrate:
		if resolution.MigratedState == nil {
			return NewResumeState(), nil
		}
		return resolution.MigratedState, nil
	default:
		res := result.Err[T, error](mismatchErr)
		return nil, &res
	}
}
