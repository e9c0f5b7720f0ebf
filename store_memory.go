package stepflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// MemoryStore is a goroutine-safe, in-process reference implementation
// of Store, PageLister, and Locker. It is suitable for tests and for
// single-process durability without an external backend.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*SavedState
	leases map[string]memoryLease
}

type memoryLease struct {
	ownerToken string
	expiresAt  time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: map[string]*SavedState{},
		leases: map[string]memoryLease{},
	}
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ PageLister = (*MemoryStore)(nil)
	_ Locker     = (*MemoryStore)(nil)
)

func (s *MemoryStore) Load(ctx context.Context, id string) (*SavedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, ok := s.states[id]
	if !ok {
		return nil, nil
	}
	return &SavedState{State: saved.State.Clone(), Meta: saved.Meta}, nil
}

func (s *MemoryStore) Save(ctx context.Context, id string, state *ResumeState, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = &SavedState{State: state.Clone(), Meta: meta}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.states[id]
	delete(s.states, id)
	return existed, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedIDs(), nil
}

// ListPage pages through ids in lexical order. The cursor is the last id
// of the previous page.
func (s *MemoryStore) ListPage(ctx context.Context, opts ListOptions) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	ids := s.sortedIDs()
	start := 0
	if opts.Cursor != "" {
		start = sort.SearchStrings(ids, opts.Cursor)
		if start < len(ids) && ids[start] == opts.Cursor {
			start++
		}
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	page := Page{IDs: ids[start:end]}
	if end < len(ids) {
		page.NextCursor = ids[end-1]
	}
	return page, nil
}

// TryAcquire takes the lease for id unless a live lease is held by
// another owner. Expired leases are treated as free.
func (s *MemoryStore) TryAcquire(ctx context.Context, id string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if held, ok := s.leases[id]; ok && held.expiresAt.After(now) {
		return nil, nil
	}
	lease := memoryLease{
		ownerToken: newOwnerToken(),
		expiresAt:  now.Add(ttl),
	}
	s.leases[id] = lease
	return &Lease{OwnerToken: lease.ownerToken, ExpiresAt: lease.expiresAt}, nil
}

// Renew extends a live lease held by ownerToken. Renewal of an expired
// or foreign lease is reported as not renewed.
func (s *MemoryStore) Renew(ctx context.Context, id string, ownerToken string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.leases[id]
	if !ok || held.ownerToken != ownerToken || !held.expiresAt.After(time.Now()) {
		return false, nil
	}
	held.expiresAt = time.Now().Add(ttl)
	s.leases[id] = held
	return true, nil
}

// Release frees the lease if ownerToken still owns it. Releasing a
// lease that was lost or never held is a no-op.
func (s *MemoryStore) Release(ctx context.Context, id string, ownerToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.leases[id]; ok && held.ownerToken == ownerToken {
		delete(s.leases, id)
	}
	return nil
}

func (s *MemoryStore) sortedIDs() []string {
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func newOwnerToken() string {
	id, err := typeid.WithPrefix("lease")
	if err != nil {
		panic(err)
	}
	return id.String()
}
