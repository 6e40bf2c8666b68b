package arena

import (
	"context"
	"sync"

	"github.com/hupe1980/snapkv/record"
)

// Local is an in-process Arena for a single-process group.
//
// It also backs the hosting side of Attach: the daemon serves remote
// requests against a Local instance.
type Local struct {
	mu      sync.Mutex
	regions map[string]*localRegion
	locks   map[string]*fairMutex
	gate    *fairMutex
	dirty   map[string]bool
	claimed map[string]bool
	closed  bool
}

// NewLocal creates an empty in-process arena.
func NewLocal() *Local {
	return &Local{
		regions: make(map[string]*localRegion),
		locks:   make(map[string]*fairMutex),
		gate:    newFairMutex(),
		dirty:   make(map[string]bool),
		claimed: make(map[string]bool),
	}
}

// Region returns the shared record table for a namespace.
func (a *Local) Region(namespace string) Region {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[namespace]
	if !ok {
		r = &localRegion{data: make(record.Set)}
		a.regions[namespace] = r
	}
	return r
}

// NamespaceLock returns the mutex guarding a namespace's region.
func (a *Local) NamespaceLock(namespace string) Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[namespace]
	if !ok {
		l = newFairMutex()
		a.locks[namespace] = l
	}
	return l
}

// InitGate returns the initialization critical-section lock.
func (a *Local) InitGate() Mutex { return a.gate }

// TryClaimInit returns true to the first claimant of a namespace.
func (a *Local) TryClaimInit(_ context.Context, namespace string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false, ErrClosed
	}
	if a.claimed[namespace] {
		return false, nil
	}
	a.claimed[namespace] = true
	return true, nil
}

// Dirty reports the namespace's dirty flag.
func (a *Local) Dirty(_ context.Context, namespace string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false, ErrClosed
	}
	return a.dirty[namespace], nil
}

// MarkDirty sets the namespace's dirty flag.
func (a *Local) MarkDirty(_ context.Context, namespace string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.dirty[namespace] = true
	return nil
}

// ClearDirty resets the namespace's dirty flag.
func (a *Local) ClearDirty(_ context.Context, namespace string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	delete(a.dirty, namespace)
	return nil
}

// DropNamespace clears the region contents in place and marks dirty.
func (a *Local) DropNamespace(ctx context.Context, namespace string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	r, ok := a.regions[namespace]
	if !ok {
		r = &localRegion{data: make(record.Set)}
		a.regions[namespace] = r
	}
	a.dirty[namespace] = true
	a.mu.Unlock()

	r.mu.Lock()
	clear(r.data)
	r.mu.Unlock()
	return nil
}

// Close marks the arena closed. Region handles already obtained keep
// working; flag and claim operations start failing.
func (a *Local) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

// localRegion is the in-memory record table for one namespace. All data
// crossing the handle is deep-copied in both directions.
type localRegion struct {
	mu   sync.Mutex
	data record.Set
}

func (r *localRegion) All(_ context.Context) (record.Set, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Clone(), nil
}

func (r *localRegion) Get(_ context.Context, id string) (record.Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.data[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (r *localRegion) GetMany(_ context.Context, ids []string) ([]record.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]record.Record, len(ids))
	for i, id := range ids {
		if rec, ok := r.data[id]; ok {
			out[i] = rec.Clone()
		}
	}
	return out, nil
}

func (r *localRegion) Missing(_ context.Context, ids []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.data[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (r *localRegion) Upsert(_ context.Context, recs record.Set) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range recs {
		r.data[id] = rec.Clone()
	}
	return nil
}

func (r *localRegion) Merge(_ context.Context, recs record.Set) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for id, rec := range recs {
		if _, ok := r.data[id]; ok {
			continue
		}
		r.data[id] = rec.Clone()
		added++
	}
	return added, nil
}

func (r *localRegion) Delete(_ context.Context, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := r.data[id]; ok {
			delete(r.data, id)
			removed++
		}
	}
	return removed, nil
}

func (r *localRegion) Len(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data), nil
}
