package stepflow

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// HasState reports whether a checkpoint exists for id.
func HasState(ctx context.Context, store Store, id string) (bool, error) {
	if id == "" {
		return false, errors.New("stepflow: workflow instance id is required")
	}
	saved, err := store.Load(ctx, id)
	if err != nil {
		return false, &PersistenceError{InstanceID: id, Op: "load", Err: err}
	}
	return saved != nil, nil
}

// DeleteState removes the checkpoint for id, reporting whether one
// existed.
func DeleteState(ctx context.Context, store Store, id string) (bool, error) {
	if id == "" {
		return false, errors.New("stepflow: workflow instance id is required")
	}
	existed, err := store.Delete(ctx, id)
	if err != nil {
		return false, &PersistenceError{InstanceID: id, Op: "delete", Err: err}
	}
	return existed, nil
}

// DeleteStatesOptions configures bulk checkpoint deletion.
type DeleteStatesOptions struct {
	// Concurrency bounds the number of in-flight deletes. Defaults to 4.
	Concurrency int

	// ContinueOnError keeps deleting after a failure instead of
	// abandoning the remaining ids.
	ContinueOnError bool
}

// DeleteStatesResult reports the outcome of a bulk deletion.
type DeleteStatesResult struct {
	// Deleted holds the ids whose checkpoints were removed.
	Deleted []string

	// Failed maps each id whose deletion faulted to its error.
	Failed map[string]error
}

// DeleteStates removes checkpoints for the given ids using a bounded
// worker pool. Without ContinueOnError, the first failure stops new
// deletes from being dispatched; already-dispatched deletes finish.
func DeleteStates(ctx context.Context, store Store, ids []string, opts DeleteStatesOptions) (DeleteStatesResult, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		stopped bool
	)
	res := DeleteStatesResult{Failed: map[string]error{}}
	sem := make(chan struct{}, concurrency)

	for _, id := range ids {
		mu.Lock()
		if stopped {
			mu.Unlock()
			break
		}
		mu.Unlock()

		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			existed, err := store.Delete(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = &PersistenceError{InstanceID: id, Op: "delete", Err: err}
				if !opts.ContinueOnError {
					stopped = true
				}
				return
			}
			if existed {
				res.Deleted = append(res.Deleted, id)
			}
		}(id)
	}
	wg.Wait()

	sort.Strings(res.Deleted)
	if len(res.Failed) > 0 && !opts.ContinueOnError {
		for _, id := range ids {
			if err, ok := res.Failed[id]; ok {
				return res, err
			}
		}
	}
	return res, nil
}

// ListPending discovers instances with saved state, for resumption after
// a crash. Stores implementing PageLister are paged through; otherwise
// the full List is windowed by ListOptions.
func ListPending(ctx context.Context, store Store, opts ListOptions) (Page, error) {
	if lister, ok := store.(PageLister); ok {
		page, err := lister.ListPage(ctx, opts)
		if err != nil {
			return Page{}, &PersistenceError{Op: "list", Err: err}
		}
		return page, nil
	}

	ids, err := store.List(ctx)
	if err != nil {
		return Page{}, &PersistenceError{Op: "list", Err: err}
	}
	sort.Strings(ids)

	start := 0
	if opts.Cursor != "" {
		start = sort.SearchStrings(ids, opts.Cursor)
		if start < len(ids) && ids[start] == opts.Cursor {
			start++
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	page := Page{IDs: ids[start:end]}
	if end < len(ids) && end > start {
		page.NextCursor = ids[end-1]
	}
	return page, nil
}
