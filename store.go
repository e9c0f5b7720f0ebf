package stepflow

import (
	"context"
	"time"
)

// SavedState is a checkpointed ResumeState plus its metadata, as loaded
// from a Store.
type SavedState struct {
	State *ResumeState `json:"state"`
	Meta  Metadata     `json:"meta"`
}

// Store is the persistence contract the durable wrapper consumes.
// Adapters own their consistency guarantees; the core only requires that
// faults surface as errors, never silently.
type Store interface {
	// Load returns the saved state for id, or (nil, nil) when absent.
	Load(ctx context.Context, id string) (*SavedState, error)

	// Save checkpoints state under id, replacing any prior checkpoint.
	Save(ctx context.Context, id string, state *ResumeState, meta Metadata) error

	// Delete removes the state for id, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns all ids with saved state.
	List(ctx context.Context) ([]string, error)
}

// ListOptions configures paginated listing.
type ListOptions struct {
	// Limit caps the page size. Zero means the adapter's default.
	Limit int

	// Cursor resumes listing after a prior page's NextCursor.
	Cursor string
}

// Page is one page of instance ids. An empty NextCursor means the
// listing is exhausted.
type Page struct {
	IDs        []string
	NextCursor string
}

// PageLister is an optional Store capability for paginated discovery of
// resumable instances. Presence is checked by interface satisfaction.
type PageLister interface {
	ListPage(ctx context.Context, opts ListOptions) (Page, error)
}

// Lease is a time-bounded ownership token for cross-process mutual
// exclusion on one instance id.
type Lease struct {
	OwnerToken string
	ExpiresAt  time.Time
}

// Locker is an optional Store capability providing per-instance leases.
// Leases carry a TTL so a crashed holder does not permanently wedge the
// instance; renewal and heartbeating are adapter concerns.
type Locker interface {
	// TryAcquire attempts to take the lease for id. It returns nil when
	// the lease is currently held by another owner.
	TryAcquire(ctx context.Context, id string, ttl time.Duration) (*Lease, error)

	// Release frees the lease if ownerToken still owns it. Idempotent.
	Release(ctx context.Context, id string, ownerToken string) error
}
