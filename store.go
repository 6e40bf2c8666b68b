package snapkv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/snapkv/arena"
	"github.com/hupe1980/snapkv/blobstore"
	"github.com/hupe1980/snapkv/codec"
	"github.com/hupe1980/snapkv/compress"
	"github.com/hupe1980/snapkv/record"
)

// cacheSuffix marks namespaces whose records are two-level cache buckets
// (outer mode key, inner cache entries). The distinction only affects the
// record count reported in logs and the unconditional flush on Finalize.
const cacheSuffix = "cache"

// Store lifecycle states.
const (
	stateUninitialized int32 = iota
	stateInitializing
	stateReady
	stateFinalized
)

// Store binds one namespace to its snapshot file and shared region.
//
// A Store must be initialized before use and finalized exactly once at
// shutdown. All operations between those two points are linearizable per
// namespace: each holds the namespace lock for its full duration, across
// every process attached to the same storage root.
type Store struct {
	namespace string
	cacheLike bool
	fileName  string

	arena  arena.Arena
	blobs  blobstore.Store
	codec  codec.Codec
	comp   compress.Compressor
	logger *Logger

	// Bound during Initialize.
	region arena.Region
	lock   arena.Mutex

	state atomic.Int32
}

func newStore(namespace string, o *options) *Store {
	return &Store{
		namespace: namespace,
		cacheLike: strings.HasSuffix(namespace, cacheSuffix),
		fileName:  o.filePrefix + namespace + ".json" + o.compressor.Ext(),
		arena:     o.arena,
		blobs:     o.blobs,
		codec:     o.codec,
		comp:      o.compressor,
		logger:    o.logger,
	}
}

// Namespace returns the namespace this store is bound to.
func (s *Store) Namespace() string { return s.namespace }

// Initialize binds the store to its shared region and performs the
// disk-load-and-merge sequence if this store is the first across the
// process group to claim it. Every other initializer skips the load and
// trusts the already-populated region.
//
// A missing or unreadable snapshot is not an error: the namespace starts
// empty and the condition is logged.
func (s *Store) Initialize(ctx context.Context) error {
	switch s.state.Load() {
	case stateFinalized:
		return stateError(ErrFinalized, s.namespace, "initialize")
	case stateReady, stateInitializing:
		return stateError(ErrAlreadyInitialized, s.namespace, "initialize")
	}
	if !s.state.CompareAndSwap(stateUninitialized, stateInitializing) {
		return stateError(ErrAlreadyInitialized, s.namespace, "initialize")
	}

	if err := s.initialize(ctx); err != nil {
		s.state.Store(stateUninitialized)
		return err
	}
	s.state.Store(stateReady)
	return nil
}

func (s *Store) initialize(ctx context.Context) error {
	s.lock = s.arena.NamespaceLock(s.namespace)

	// The claim check and the region merge must not interleave with
	// another process's init sequence for any namespace.
	gate := s.arena.InitGate()
	if err := gate.Lock(ctx); err != nil {
		return fmt.Errorf("snapkv: acquire init gate: %w", err)
	}
	defer func() { _ = gate.Unlock() }()

	claimed, err := s.arena.TryClaimInit(ctx, s.namespace)
	if err != nil {
		return fmt.Errorf("snapkv: claim init for %s: %w", s.namespace, err)
	}
	s.region = s.arena.Region(s.namespace)
	if !claimed {
		return nil
	}

	loaded := s.loadSnapshot(ctx)
	if len(loaded) == 0 {
		s.logger.LogLoad(ctx, s.namespace, 0, nil)
		return nil
	}

	if err := s.lock.Lock(ctx); err != nil {
		return fmt.Errorf("snapkv: acquire namespace lock for %s: %w", s.namespace, err)
	}
	defer func() { _ = s.lock.Unlock() }()

	// Additive merge: records written into the region since process-group
	// start take precedence over what this namespace persisted before it.
	// Policy choice inherited from the original call ordering.
	if _, err := s.region.Merge(ctx, loaded); err != nil {
		return fmt.Errorf("snapkv: merge snapshot into %s: %w", s.namespace, err)
	}
	s.logger.LogLoad(ctx, s.namespace, s.countRecords(loaded), nil)
	return nil
}

// loadSnapshot reads the snapshot file, treating absence and corruption
// as an empty record set.
func (s *Store) loadSnapshot(ctx context.Context) record.Set {
	data, err := s.blobs.Get(ctx, s.fileName)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			s.logger.LogLoad(ctx, s.namespace, 0, err)
		}
		return nil
	}
	raw, err := s.comp.Decompress(data)
	if err != nil {
		s.logger.LogLoad(ctx, s.namespace, 0, err)
		return nil
	}
	var loaded record.Set
	if err := s.codec.Unmarshal(raw, &loaded); err != nil {
		s.logger.LogLoad(ctx, s.namespace, 0, err)
		return nil
	}
	return loaded
}

func (s *Store) requireReady(op string) error {
	switch s.state.Load() {
	case stateReady:
		return nil
	case stateFinalized:
		return stateError(ErrFinalized, s.namespace, op)
	default:
		return stateError(ErrNotReady, s.namespace, op)
	}
}

// withLock runs fn while holding the namespace lock.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	if err := s.lock.Lock(ctx); err != nil {
		return fmt.Errorf("snapkv: acquire namespace lock for %s: %w", s.namespace, err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// All returns a copy of every record in the namespace.
func (s *Store) All(ctx context.Context) (record.Set, error) {
	if err := s.requireReady("all"); err != nil {
		return nil, err
	}
	var out record.Set
	err := s.withLock(ctx, func() error {
		var err error
		out, err = s.region.All(ctx)
		return err
	})
	return out, err
}

// Get returns a copy of one record and whether it exists.
func (s *Store) Get(ctx context.Context, id string) (record.Record, bool, error) {
	if err := s.requireReady("get"); err != nil {
		return nil, false, err
	}
	var (
		rec record.Record
		ok  bool
	)
	err := s.withLock(ctx, func() error {
		var err error
		rec, ok, err = s.region.Get(ctx, id)
		return err
	})
	return rec, ok, err
}

// GetMany returns copies of the requested records in input order, with
// nil entries for ids not present.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]record.Record, error) {
	if err := s.requireReady("get_many"); err != nil {
		return nil, err
	}
	var out []record.Record
	err := s.withLock(ctx, func() error {
		var err error
		out, err = s.region.GetMany(ctx, ids)
		return err
	})
	return out, err
}

// FilterUnknown returns the subset of ids not currently present in the
// namespace, so callers can decide what still needs to be computed before
// insertion.
func (s *Store) FilterUnknown(ctx context.Context, ids []string) ([]string, error) {
	if err := s.requireReady("filter_unknown"); err != nil {
		return nil, err
	}
	var out []string
	err := s.withLock(ctx, func() error {
		var err error
		out, err = s.region.Missing(ctx, ids)
		return err
	})
	return out, err
}

// Upsert merges recs into the namespace, overwriting existing ids, and
// marks the namespace dirty. An empty recs is a no-op and does not mark
// dirty. Changes become durable on the next Checkpoint.
func (s *Store) Upsert(ctx context.Context, recs record.Set) error {
	if err := s.requireReady("upsert"); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	return s.withLock(ctx, func() error {
		if err := s.region.Upsert(ctx, recs); err != nil {
			return err
		}
		return s.arena.MarkDirty(ctx, s.namespace)
	})
}

// Delete removes the given ids. The namespace is marked dirty only if at
// least one record was actually removed.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if err := s.requireReady("delete"); err != nil {
		return err
	}
	return s.withLock(ctx, func() error {
		removed, err := s.region.Delete(ctx, ids)
		if err != nil {
			return err
		}
		if removed == 0 {
			return nil
		}
		return s.arena.MarkDirty(ctx, s.namespace)
	})
}

// Checkpoint flushes the namespace to its snapshot file if it is dirty,
// and is a no-op otherwise. Many writes between checkpoints cost one
// flush. The dirty flag is cleared only after a confirmed successful
// write, so a failed flush is retried by the next checkpoint.
func (s *Store) Checkpoint(ctx context.Context) error {
	if err := s.requireReady("checkpoint"); err != nil {
		return err
	}
	return s.withLock(ctx, func() error {
		return s.flushLocked(ctx)
	})
}

func (s *Store) flushLocked(ctx context.Context) error {
	dirty, err := s.arena.Dirty(ctx, s.namespace)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	snapshot, err := s.region.All(ctx)
	if err != nil {
		return err
	}
	count := s.countRecords(snapshot)

	raw, err := s.codec.Marshal(snapshot)
	if err != nil {
		s.logger.LogFlush(ctx, s.namespace, count, err)
		return fmt.Errorf("snapkv: encode snapshot for %s: %w", s.namespace, err)
	}
	data, err := s.comp.Compress(raw)
	if err != nil {
		s.logger.LogFlush(ctx, s.namespace, count, err)
		return fmt.Errorf("snapkv: compress snapshot for %s: %w", s.namespace, err)
	}
	if err := s.blobs.Put(ctx, s.fileName, data); err != nil {
		s.logger.LogFlush(ctx, s.namespace, count, err)
		return fmt.Errorf("snapkv: write snapshot for %s: %w", s.namespace, err)
	}
	if err := s.arena.ClearDirty(ctx, s.namespace); err != nil {
		return err
	}
	s.logger.LogFlush(ctx, s.namespace, count, nil)
	return nil
}

// countRecords computes the record count reported in logs. Cache-like
// namespaces count the entries inside each bucket instead of the buckets
// themselves.
func (s *Store) countRecords(set record.Set) int {
	if !s.cacheLike {
		return len(set)
	}
	count := 0
	for _, rec := range set {
		count += len(rec)
	}
	return count
}

// DropOutcome reports the result of a Drop. Drop never fails with an
// error value; shutdown paths depend on a clean best-effort result.
type DropOutcome struct {
	OK      bool
	Message string
}

// Drop clears every record in the namespace and synchronously persists
// the empty state, so the drop is durable before it returns. An
// empty-but-undeleted namespace remains usable after a failed drop.
func (s *Store) Drop(ctx context.Context) DropOutcome {
	if err := s.requireReady("drop"); err != nil {
		return DropOutcome{OK: false, Message: err.Error()}
	}

	err := s.withLock(ctx, func() error {
		return s.arena.DropNamespace(ctx, s.namespace)
	})
	if err == nil {
		err = s.Checkpoint(ctx)
	}
	s.logger.LogDrop(ctx, s.namespace, err)
	if err != nil {
		return DropOutcome{OK: false, Message: err.Error()}
	}
	return DropOutcome{OK: true, Message: "data dropped"}
}

// DropCacheModes removes whole cache buckets by their mode keys from a
// cache-like namespace. It reports success as a boolean and never returns
// an error; empty input reports false.
func (s *Store) DropCacheModes(ctx context.Context, modes []string) bool {
	if len(modes) == 0 {
		return false
	}
	if err := s.Delete(ctx, modes); err != nil {
		s.logger.WithNamespace(s.namespace).Warn("drop cache modes failed", "error", err)
		return false
	}
	return true
}

// Finalize transitions the store out of service. Cache-like namespaces
// are checkpointed unconditionally, since nothing else guarantees their
// data a final flush; other namespaces rely on the orchestrator having
// already checkpointed them.
func (s *Store) Finalize(ctx context.Context) error {
	state := s.state.Load()
	if state == stateFinalized {
		return stateError(ErrFinalized, s.namespace, "finalize")
	}
	if state == stateReady && s.cacheLike {
		if err := s.Checkpoint(ctx); err != nil {
			s.state.Store(stateFinalized)
			return err
		}
	}
	s.state.Store(stateFinalized)
	return nil
}
