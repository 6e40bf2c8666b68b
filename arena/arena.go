// Package arena provides the shared coordination primitives behind a storage
// root: per-namespace record regions, namespace locks, dirty flags, and the
// one-shot initialization claim.
//
// An Arena is scoped to one storage root and is explicit state, not a
// process-wide singleton: every store bound to the same root must be handed
// the same Arena (or one attached to the same root).
//
// Two implementations exist. Local keeps everything in process memory and
// serves a single-process group (many goroutines). Attach extends the same
// contract across OS processes: the first process to claim the root's lock
// file hosts the region tables and serves them over a unix domain socket,
// and every later process attaches as a client through the same interface.
//
// Requesting primitives for a namespace is always well-defined: regions,
// locks, and flags are created lazily on first reference, and an empty
// namespace is indistinguishable from one never used.
package arena

import (
	"context"
	"errors"

	"github.com/hupe1980/snapkv/record"
)

// ErrClosed is returned for operations on a closed arena.
var ErrClosed = errors.New("arena: closed")

// Mutex is a mutual-exclusion handle that may span process boundaries.
// It is fair (FIFO) and non-reentrant.
type Mutex interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// Region is a handle to one namespace's shared record table.
//
// Every method is atomic with respect to other region operations, and all
// record data crossing the handle is copied: callers can never reach the
// shared table through a returned value. Multi-step sequences (such as
// dirty-check-then-flush) must additionally hold the namespace lock.
type Region interface {
	// All returns a copy of the full table.
	All(ctx context.Context) (record.Set, error)
	// Get returns a copy of one record and whether it exists.
	Get(ctx context.Context, id string) (record.Record, bool, error)
	// GetMany returns copies of the requested records in input order,
	// with nil entries for absent ids.
	GetMany(ctx context.Context, ids []string) ([]record.Record, error)
	// Missing returns the subset of ids not present in the table.
	Missing(ctx context.Context, ids []string) ([]string, error)
	// Upsert merges recs into the table, overwriting existing ids.
	Upsert(ctx context.Context, recs record.Set) error
	// Merge adds recs without overwriting: ids already present keep
	// their in-table value. Returns the number of records added.
	Merge(ctx context.Context, recs record.Set) (int, error)
	// Delete removes the given ids, returning how many were present.
	Delete(ctx context.Context, ids []string) (int, error)
	// Len returns the number of records in the table.
	Len(ctx context.Context) (int, error)
}

// Arena manages the cross-store shared primitives for one storage root.
type Arena interface {
	// Region returns the shared record table for a namespace,
	// creating an empty one on first reference.
	Region(namespace string) Region

	// NamespaceLock returns the mutex guarding a namespace's region.
	// All handles for the same namespace resolve to the same lock.
	NamespaceLock(namespace string) Mutex

	// InitGate returns the lock serializing initialization sequences,
	// shared by all namespaces.
	InitGate() Mutex

	// TryClaimInit atomically claims the disk-load for a namespace.
	// It returns true exactly once per namespace for the lifetime of
	// the arena; every later call returns false.
	TryClaimInit(ctx context.Context, namespace string) (bool, error)

	// Dirty reports whether the namespace has unflushed changes.
	Dirty(ctx context.Context, namespace string) (bool, error)
	// MarkDirty flags the namespace as needing a flush.
	MarkDirty(ctx context.Context, namespace string) error
	// ClearDirty resets the flag after a confirmed successful flush.
	ClearDirty(ctx context.Context, namespace string) error

	// DropNamespace clears the namespace's region contents in place
	// (existing handles stay valid) and marks it dirty so the empty
	// state is persisted on the next flush.
	DropNamespace(ctx context.Context, namespace string) error

	// Close releases the arena's resources. For a hosting arena this
	// stops serving attached processes.
	Close() error
}
