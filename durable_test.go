package stepflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// faultyStore wraps a MemoryStore with per-operation fault injection.
type faultyStore struct {
	*MemoryStore
	loadErr   error
	saveErr   error
	deleteErr error
}

func (s *faultyStore) Load(ctx context.Context, id string) (*SavedState, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.MemoryStore.Load(ctx, id)
}

func (s *faultyStore) Save(ctx context.Context, id string, state *ResumeState, meta Metadata) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, id, state, meta)
}

func (s *faultyStore) Delete(ctx context.Context, id string) (bool, error) {
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	return s.MemoryStore.Delete(ctx, id)
}

func TestRunDurableBasics(t *testing.T) {
	ctx := context.Background()

	t.Run("instance id is required", func(t *testing.T) {
		res := RunDurable(ctx, DurableOptions{Store: NewMemoryStore()}, func(c *Context) (int, error) {
			return 1, nil
		})
		require.False(t, res.IsOK())
		require.Contains(t, res.Err().Error(), "instance id is required")
	})

	t.Run("successful run deletes its checkpoint", func(t *testing.T) {
		store := NewMemoryStore()
		res := RunDurable(ctx, DurableOptions{ID: "wf-success", Store: store}, func(c *Context) (int, error) {
			return Step(c, "only", func(ctx context.Context) (int, error) {
				return 42, nil
			})
		})
		require.True(t, res.IsOK())
		require.Equal(t, 42, res.Value())

		exists, err := HasState(ctx, store, "wf-success")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("failed run keeps its checkpoint", func(t *testing.T) {
		store := NewMemoryStore()
		res := RunDurable(ctx, DurableOptions{ID: "wf-failed", Store: store}, func(c *Context) (int, error) {
			if _, err := Step(c, "a", func(ctx context.Context) (int, error) {
				return 1, nil
			}); err != nil {
				return 0, err
			}
			return 0, errors.New("business failure")
		})
		require.False(t, res.IsOK())

		saved, err := store.Load(ctx, "wf-failed")
		require.NoError(t, err)
		require.NotNil(t, saved)
		require.Equal(t, []string{"a"}, saved.State.Keys())
	})

	t.Run("cancelled run keeps its checkpoint", func(t *testing.T) {
		store := NewMemoryStore()
		cancelable, cancel := context.WithCancel(ctx)
		res := RunDurable(cancelable, DurableOptions{ID: "wf-cancelled", Store: store}, func(c *Context) (int, error) {
			if _, err := Step(c, "a", func(ctx context.Context) (int, error) {
				return 1, nil
			}); err != nil {
				return 0, err
			}
			cancel()
			return Step(c, "b", func(ctx context.Context) (int, error) {
				return 2, nil
			})
		})
		require.False(t, res.IsOK())
		var cancelErr *CanceledError
		require.ErrorAs(t, res.Err(), &cancelErr)
		require.Equal(t, "a", cancelErr.LastCompletedStep)

		exists, err := HasState(ctx, store, "wf-cancelled")
		require.NoError(t, err)
		require.True(t, exists)
	})

	t.Run("nil store runs without persistence", func(t *testing.T) {
		res := RunDurable(ctx, DurableOptions{ID: "wf-ephemeral"}, func(c *Context) (int, error) {
			return Step(c, "a", func(ctx context.Context) (int, error) {
				return 7, nil
			})
		})
		require.True(t, res.IsOK())
		require.Equal(t, 7, res.Value())
	})

	t.Run("checkpoints carry version run id and custom metadata", func(t *testing.T) {
		store := NewMemoryStore()
		res := RunDurable(ctx, DurableOptions{
			ID:       "wf-meta",
			Store:    store,
			Version:  3,
			RunID:    "run_meta",
			Metadata: map[string]any{"tenant": "acme"},
		}, func(c *Context) (int, error) {
			if _, err := Step(c, "a", func(ctx context.Context) (int, error) {
				return 1, nil
			}); err != nil {
				return 0, err
			}
			return 0, errors.New("stop here to keep the checkpoint")
		})
		require.False(t, res.IsOK())

		saved, err := store.Load(ctx, "wf-meta")
		require.NoError(t, err)
		require.NotNil(t, saved)
		require.Equal(t, 3, saved.Meta.Version)
		require.Equal(t, "run_meta", saved.Meta.RunID)
		require.Equal(t, "acme", saved.Meta.Custom["tenant"])
		require.False(t, saved.Meta.UpdatedAt.IsZero())
	})
}

func TestRunDurableResumption(t *testing.T) {
	ctx := context.Background()

	t.Run("resume skips completed steps and re-runs the failed one", func(t *testing.T) {
		store := NewMemoryStore()
		var fetchCalls, orderCalls atomic.Int32
		orderShouldFail := true

		body := func(c *Context) (string, error) {
			user, err := Step(c, "fetch_user", func(ctx context.Context) (string, error) {
				fetchCalls.Add(1)
				return "user-7", nil
			})
			if err != nil {
				return "", err
			}
			return Step(c, "create_order", func(ctx context.Context) (string, error) {
				orderCalls.Add(1)
				if orderShouldFail {
					return "", errors.New("order service down")
				}
				return "order-for-" + user, nil
			})
		}

		first := RunDurable(ctx, DurableOptions{ID: "wf-1", Store: store}, body)
		require.False(t, first.IsOK())
		require.Equal(t, int32(1), fetchCalls.Load())
		require.Equal(t, int32(1), orderCalls.Load())

		// The checkpoint holds both outcomes, including the failure.
		saved, err := store.Load(ctx, "wf-1")
		require.NoError(t, err)
		require.Equal(t, []string{"fetch_user", "create_order"}, saved.State.Keys())
		entry, _ := saved.State.Get("create_order")
		require.False(t, entry.Result.OK)

		orderShouldFail = false
		second := RunDurable(ctx, DurableOptions{ID: "wf-1", Store: store}, body)
		require.True(t, second.IsOK())
		require.Equal(t, "order-for-user-7", second.Value())

		// fetch_user replayed from the checkpoint; create_order re-ran.
		require.Equal(t, int32(1), fetchCalls.Load())
		require.Equal(t, int32(2), orderCalls.Load())

		exists, err := HasState(ctx, store, "wf-1")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("resumed struct values replay intact", func(t *testing.T) {
		type profile struct {
			Name  string `json:"name"`
			Score int    `json:"score"`
		}
		store := NewMemoryStore()
		fail := true

		body := func(c *Context) (profile, error) {
			p, err := Step(c, "load_profile", func(ctx context.Context) (profile, error) {
				return profile{Name: "ada", Score: 10}, nil
			})
			if err != nil {
				return profile{}, err
			}
			if fail {
				return profile{}, errors.New("downstream outage")
			}
			return p, nil
		}

		first := RunDurable(ctx, DurableOptions{ID: "wf-profile", Store: store}, body)
		require.False(t, first.IsOK())

		fail = false
		second := RunDurable(ctx, DurableOptions{ID: "wf-profile", Store: store}, body)
		require.True(t, second.IsOK())
		require.Equal(t, profile{Name: "ada", Score: 10}, second.Value())
	})

	t.Run("resume preserves earlier checkpoint entries across saves", func(t *testing.T) {
		store := NewMemoryStore()
		fail := true

		body := func(c *Context) (int, error) {
			for _, key := range []string{"a", "b", "c"} {
				if _, err := Step(c, key, func(ctx context.Context) (int, error) {
					return 1, nil
				}); err != nil {
					return 0, err
				}
			}
			if fail {
				return 0, errors.New("halt")
			}
			return 3, nil
		}

		first := RunDurable(ctx, DurableOptions{ID: "wf-merge", Store: store}, body)
		require.False(t, first.IsOK())

		saved, err := store.Load(ctx, "wf-merge")
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, saved.State.Keys())

		fail = false
		second := RunDurable(ctx, DurableOptions{ID: "wf-merge", Store: store}, body)
		require.True(t, second.IsOK())
	})
}

func TestRunDurableVersionGate(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, store Store, id string, version int) {
		t.Helper()
		state := NewResumeState()
		state.Set("a", okEntry("stale"))
		require.NoError(t, store.Save(ctx, id, state, Metadata{Version: version}))
	}

	t.Run("mismatch without a resolver fails before any step", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "wf-gate", 1)

		ran := false
		res := RunDurable(ctx, DurableOptions{ID: "wf-gate", Store: store, Version: 2}, func(c *Context) (int, error) {
			ran = true
			return 0, nil
		})
		require.False(t, res.IsOK())
		require.False(t, ran)

		var mismatchErr *VersionMismatchError
		require.ErrorAs(t, res.Err(), &mismatchErr)
		require.Equal(t, 1, mismatchErr.StoredVersion)
		require.Equal(t, 2, mismatchErr.RequestedVersion)

		// The stale state is untouched.
		exists, err := HasState(ctx, store, "wf-gate")
		require.NoError(t, err)
		require.True(t, exists)
	})

	t.Run("matching version replays stored state", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "wf-match", 2)

		calls := 0
		res := RunDurable(ctx, DurableOptions{ID: "wf-match", Store: store, Version: 2}, func(c *Context) (string, error) {
			return Step(c, "a", func(ctx context.Context) (string, error) {
				calls++
				return "fresh", nil
			})
		})
		require.True(t, res.IsOK())
		require.Equal(t, "stale", res.Value())
		require.Zero(t, calls)
	})

	t.Run("legacy state without a version is version one", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "wf-legacy", 0)

		calls := 0
		res := RunDurable(ctx, DurableOptions{ID: "wf-legacy", Store: store}, func(c *Context) (string, error) {
			return Step(c, "a", func(ctx context.Context) (string, error) {
				calls++
				return "fresh", nil
			})
		})
		require.True(t, res.IsOK())
		require.Equal(t, "stale", res.Value())
		require.Zero(t, calls)
	})

	t.Run("clear resolution discards the stale state", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "wf-clear", 1)

		calls := 0
		res := RunDurable(ctx, DurableOptions{
			ID:      "wf-clear",
			Store:   store,
			Version: 2,
			OnVersionMismatch: func(m VersionMismatch) (Resolution, error) {
				require.Equal(t, "wf-clear", m.InstanceID)
				return Resolution{Action: ResolutionClear}, nil
			},
		}, func(c *Context) (string, error) {
			return Step(c, "a", func(ctx context.Context) (string, error) {
				calls++
				return "fresh", nil
			})
		})
		require.True(t, res.IsOK())
		require.Equal(t, "fresh", res.Value())
		require.Equal(t, 1, calls)
	})

	t.Run("migrate resolution substitutes caller state", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "wf-migrate", 1)

		migrated := NewResumeState()
		migrated.Set("a", okEntry("migrated"))

		res := RunDurable(ctx, DurableOptions{
			ID:      "wf-migrate",
			Store:   store,
			Version: 2,
			OnVersionMismatch: func(m VersionMismatch) (Resolution, error) {
				return Resolution{Action: ResolutionMigrate, MigratedState: migrated}, nil
			},
		}, func(c *Context) (string, error) {
			return Step(c, "a", func(ctx context.Context) (string, error) {
				return "fresh", nil
			})
		})
		require.True(t, res.IsOK())
		require.Equal(t, "migrated", res.Value())
	})

	t.Run("resolver error surfaces with the mismatch", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "wf-resolver-err", 1)

		resolverErr := errors.New("cannot decide")
		res := RunDurable(ctx, DurableOptions{
			ID:      "wf-resolver-err",
			Store:   store,
			Version: 2,
			OnVersionMismatch: func(m VersionMismatch) (Resolution, error) {
				return Resolution{}, resolverErr
			},
		}, func(c *Context) (int, error) {
			return 0, nil
		})
		require.False(t, res.IsOK())
		var mismatchErr *VersionMismatchError
		require.ErrorAs(t, res.Err(), &mismatchErr)
		require.Equal(t, resolverErr, res.Cause())
	})
}

func TestRunDurableConcurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("a second in-process run for the same id is refused", func(t *testing.T) {
		store := NewMemoryStore()
		inside := make(chan struct{})
		release := make(chan struct{})

		done := make(chan struct{})
		go func() {
			defer close(done)
			RunDurable(ctx, DurableOptions{ID: "wf-excl", Store: store}, func(c *Context) (int, error) {
				return Step(c, "hold", func(ctx context.Context) (int, error) {
					close(inside)
					<-release
					return 1, nil
				})
			})
		}()

		<-inside
		res := RunDurable(ctx, DurableOptions{ID: "wf-excl", Store: store}, func(c *Context) (int, error) {
			return 0, nil
		})
		close(release)
		<-done

		require.False(t, res.IsOK())
		var concErr *ConcurrentExecutionError
		require.ErrorAs(t, res.Err(), &concErr)
		require.Equal(t, "wf-excl", concErr.InstanceID)
		require.Equal(t, ConcurrencyInProcess, concErr.Reason)
	})

	t.Run("a held store lease refuses a cross-process run", func(t *testing.T) {
		store := NewMemoryStore()
		lease, err := store.TryAcquire(ctx, "wf-lease", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)

		res := RunDurable(ctx, DurableOptions{ID: "wf-lease", Store: store}, func(c *Context) (int, error) {
			return 0, nil
		})
		require.False(t, res.IsOK())
		var concErr *ConcurrentExecutionError
		require.ErrorAs(t, res.Err(), &concErr)
		require.Equal(t, ConcurrencyCrossProcess, concErr.Reason)
	})

	t.Run("the lease is released after the run", func(t *testing.T) {
		store := NewMemoryStore()
		res := RunDurable(ctx, DurableOptions{ID: "wf-release", Store: store}, func(c *Context) (int, error) {
			return 1, nil
		})
		require.True(t, res.IsOK())

		lease, err := store.TryAcquire(ctx, "wf-release", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
	})

	t.Run("allow concurrent bypasses both exclusions", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.TryAcquire(ctx, "wf-shared", time.Minute)
		require.NoError(t, err)

		res := RunDurable(ctx, DurableOptions{
			ID:              "wf-shared",
			Store:           store,
			AllowConcurrent: true,
		}, func(c *Context) (int, error) {
			return 1, nil
		})
		require.True(t, res.IsOK())
	})
}

func TestRunDurablePersistenceFaults(t *testing.T) {
	ctx := context.Background()

	t.Run("load fault stops the run before any step", func(t *testing.T) {
		store := &faultyStore{MemoryStore: NewMemoryStore(), loadErr: errors.New("disk gone")}
		ran := false
		res := RunDurable(ctx, DurableOptions{ID: "wf-loadfault", Store: store}, func(c *Context) (int, error) {
			ran = true
			return 0, nil
		})
		require.False(t, res.IsOK())
		require.False(t, ran)

		var persistErr *PersistenceError
		require.ErrorAs(t, res.Err(), &persistErr)
		require.Equal(t, "load", persistErr.Op)
		require.ErrorIs(t, res.Err(), store.loadErr)
	})

	t.Run("save faults are reported but do not stop the run", func(t *testing.T) {
		store := &faultyStore{MemoryStore: NewMemoryStore(), saveErr: errors.New("disk full")}
		recorder := &eventRecorder{}
		res := RunDurable(ctx, DurableOptions{
			ID:        "wf-savefault",
			Store:     store,
			Observers: []Observer{recorder},
		}, func(c *Context) (int, error) {
			if _, err := Step(c, "a", func(ctx context.Context) (int, error) {
				return 1, nil
			}); err != nil {
				return 0, err
			}
			return Step(c, "b", func(ctx context.Context) (int, error) {
				return 2, nil
			})
		})
		require.True(t, res.IsOK())
		require.Equal(t, 2, res.Value())

		persistErrors := recorder.ofType(EventPersistError)
		require.Len(t, persistErrors, 2)
		var persistErr *PersistenceError
		require.ErrorAs(t, persistErrors[0].Err, &persistErr)
		require.Equal(t, "save", persistErr.Op)
	})

	t.Run("delete fault after success is surfaced", func(t *testing.T) {
		store := &faultyStore{MemoryStore: NewMemoryStore(), deleteErr: errors.New("delete refused")}
		res := RunDurable(ctx, DurableOptions{ID: "wf-delfault", Store: store}, func(c *Context) (int, error) {
			return Step(c, "a", func(ctx context.Context) (int, error) {
				return 1, nil
			})
		})
		require.False(t, res.IsOK())

		var persistErr *PersistenceError
		require.ErrorAs(t, res.Err(), &persistErr)
		require.Equal(t, "delete", persistErr.Op)
	})

	t.Run("persist success events follow each keyed step", func(t *testing.T) {
		store := NewMemoryStore()
		recorder := &eventRecorder{}
		res := RunDurable(ctx, DurableOptions{
			ID:        "wf-persist",
			Store:     store,
			Observers: []Observer{recorder},
		}, func(c *Context) (int, error) {
			if _, err := Step(c, "a", func(ctx context.Context) (int, error) {
				return 1, nil
			}); err != nil {
				return 0, err
			}
			return Step(c, "b", func(ctx context.Context) (int, error) {
				return 2, nil
			})
		})
		require.True(t, res.IsOK())

		persisted := recorder.ofType(EventPersistSuccess)
		require.Len(t, persisted, 2)
		require.Equal(t, "a", persisted[0].StepKey)
		require.Equal(t, "b", persisted[1].StepKey)
		require.Equal(t, "wf-persist", persisted[0].InstanceID)
	})
}
