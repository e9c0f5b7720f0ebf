package stepflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/stepflow/result"
)

// BranchFailure names one failed branch of a parallel or race group.
type BranchFailure struct {
	Branch string
	Err    error
}

// RaceError is returned when every branch of a race failed. Failures are
// ordered by branch name for determinism.
type RaceError struct {
	Failures []BranchFailure
}

func (e *RaceError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Branch, f.Err))
	}
	return fmt.Sprintf("all %d branches failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

type branchOutcome[T any] struct {
	branch string
	value  T
	err    error
	stage  *raceStage
}

// Parallel runs the named branches concurrently and aggregates with
// fail-fast semantics: the first failure observed is returned without
// waiting for the remaining branches, which finish in the background.
// Keyed steps inside branches share the run-wide cache; keys must be
// unique across the entire run, not just within a branch.
func Parallel[T any](c *Context, branches map[string]func(*Context) (T, error)) (map[string]T, error) {
	if err := parallelBoundary(c); err != nil {
		return nil, err
	}
	results := make(chan branchOutcome[T], len(branches))
	launchBranches(c, branches, nil, results)

	values := make(map[string]T, len(branches))
	for range branches {
		out := <-results
		if out.err != nil {
			return nil, out.err
		}
		values[out.branch] = out.value
	}
	return values, nil
}

// ParallelSettled runs the named branches concurrently and never fails:
// every branch's outcome is reported as a Result. The only error is a
// cancellation observed before any branch launched.
func ParallelSettled[T any](c *Context, branches map[string]func(*Context) (T, error)) (map[string]result.Result[T, error], error) {
	if err := parallelBoundary(c); err != nil {
		return nil, err
	}
	results := make(chan branchOutcome[T], len(branches))
	launchBranches(c, branches, nil, results)

	settled := make(map[string]result.Result[T, error], len(branches))
	for range branches {
		out := <-results
		if out.err != nil {
			settled[out.branch] = result.Err[T](out.err)
		} else {
			settled[out.branch] = result.Ok[T, error](out.value)
		}
	}
	return settled, nil
}

// ParallelSlice is Parallel over an indexed set of thunks, preserving
// index order in the returned values.
func ParallelSlice[T any](c *Context, thunks []func(*Context) (T, error)) ([]T, error) {
	branches := make(map[string]func(*Context) (T, error), len(thunks))
	for i, thunk := range thunks {
		branches[fmt.Sprintf("%d", i)] = thunk
	}
	byName, err := Parallel(c, branches)
	if err != nil {
		return nil, err
	}
	values := make([]T, len(thunks))
	for i := range thunks {
		values[i] = byName[fmt.Sprintf("%d", i)]
	}
	return values, nil
}

// Race runs the named branches concurrently and returns the first one to
// succeed, along with its branch name. Losing branches are left to
// finish in the background but their keyed outcomes are discarded; only
// the winning branch's keyed steps are committed to the run. If every
// branch fails, Race returns a *RaceError listing all failures.
func Race[T any](c *Context, branches map[string]func(*Context) (T, error)) (T, string, error) {
	var zero T
	if err := parallelBoundary(c); err != nil {
		return zero, "", err
	}
	results := make(chan branchOutcome[T], len(branches))
	launchBranches(c, branches, newRaceStage, results)

	failures := map[string]error{}
	for range branches {
		out := <-results
		if out.err == nil {
			if err := out.stage.commit(c.ctx, c.run); err != nil {
				return zero, "", err
			}
			return out.value, out.branch, nil
		}
		failures[out.branch] = out.err
	}

	raceErr := &RaceError{Failures: make([]BranchFailure, 0, len(failures))}
	for _, name := range sortedBranchNames(failures) {
		raceErr.Failures = append(raceErr.Failures, BranchFailure{Branch: name, Err: failures[name]})
	}
	return zero, "", raceErr
}

// launchBranches starts one goroutine per branch. Each branch gets a
// child Context; race branches additionally get a private staging area.
func launchBranches[T any](c *Context, branches map[string]func(*Context) (T, error), makeStage func() *raceStage, results chan<- branchOutcome[T]) {
	for name, branch := range branches {
		stage := c.stage
		if makeStage != nil {
			stage = makeStage()
		}
		child := &Context{
			ctx:    c.ctx,
			run:    c.run,
			stage:  stage,
			origin: branchOrigin(c.origin, name),
		}
		go func(name string, branch func(*Context) (T, error), stage *raceStage) {
			value, err := runBody(child, branch)
			results <- branchOutcome[T]{branch: name, value: value, err: err, stage: stage}
		}(name, branch, stage)
	}
}

func parallelBoundary(c *Context) error {
	if err := c.run.ensureRunning(); err != nil {
		return err
	}
	return c.run.checkCancel(c.ctx)
}

func branchOrigin(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func sortedBranchNames(failures map[string]error) []string {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// raceStage buffers the keyed outcomes, deferred events, and
// compensations of one race branch. A winning branch's stage is
// committed to the run; a losing branch's stage is dropped.
type raceStage struct {
	mu       sync.Mutex
	keys     []string
	entries  map[string]StepEntry
	inflight map[string]bool
	events   []stagedEvent
	comps    []compensation
}

type stagedEvent struct {
	ctx   context.Context
	event *Event
}

func newRaceStage() *raceStage {
	return &raceStage{
		entries:  map[string]StepEntry{},
		inflight: map[string]bool{},
	}
}

func (s *raceStage) get(key string) (StepEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok
}

func (s *raceStage) claim(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] {
		return &duplicateKeyError{Key: key}
	}
	s.inflight[key] = true
	return nil
}

func (s *raceStage) record(key string, entry StepEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.entries[key] = entry
	delete(s.inflight, key)
}

func (s *raceStage) defer_(ctx context.Context, event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, stagedEvent{ctx: ctx, event: event})
}

func (s *raceStage) pushCompensation(comp compensation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comps = append(s.comps, comp)
}

// commit records the winning branch's keyed outcomes into the run cache
// in branch order, emits the deferred events, awaits the checkpoint hook
// for each entry, and registers the branch's compensations. A key reused
// by another race branch is last-write-wins for the winner only.
func (s *raceStage) commit(ctx context.Context, r *run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		r.record(key, s.entries[key])
	}
	for _, staged := range s.events {
		r.emit(staged.ctx, staged.event)
	}
	for _, key := range s.keys {
		if err := r.runHook(ctx, key, s.entries[key]); err != nil {
			return err
		}
	}
	for _, comp := range s.comps {
		r.pushCompensation(comp)
	}
	return nil
}
