package snapkv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/snapkv/arena"
	"github.com/hupe1980/snapkv/blobstore"
	"github.com/hupe1980/snapkv/codec"
	"github.com/hupe1980/snapkv/compress"
)

// DB is the storage-root context: it owns the coordination arena, the
// snapshot blob store, and the codec/compression configuration, and hands
// out one Store per namespace.
//
// There is no ambient global state; every Store created from the same DB
// shares the same root, and DBs in other processes opened on the same root
// share regions, locks, and dirty flags through the arena.
type DB struct {
	root   string
	opts   options
	logger *Logger

	// ownArena is set when Open created the arena and Close should
	// tear it down.
	ownArena bool

	mu     sync.Mutex
	stores map[string]*Store
	closed bool
}

// Open creates a DB for the given storage root directory.
//
// By default the DB attaches to the cross-process arena for the root and
// writes snapshots to local files in it. See the Option functions for
// overriding any of that.
func Open(root string, opts ...Option) (*DB, error) {
	o := options{
		codec:      codec.Default,
		compressor: compress.Default,
		filePrefix: snapshotFilePrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewLogger(nil)
	}

	ownArena := false
	if o.arena == nil {
		a, err := arena.Attach(root, arena.WithLogger(o.logger.Logger))
		if err != nil {
			return nil, fmt.Errorf("snapkv: attach arena for %s: %w", root, err)
		}
		o.arena = a
		ownArena = true
	}
	if o.blobs == nil {
		local, err := blobstore.NewLocalStore(root)
		if err != nil {
			if ownArena {
				_ = o.arena.Close()
			}
			return nil, err
		}
		o.blobs = local
	}

	return &DB{
		root:     root,
		opts:     o,
		logger:   o.logger,
		ownArena: ownArena,
		stores:   make(map[string]*Store),
	}, nil
}

// Root returns the storage root directory.
func (db *DB) Root() string { return db.root }

// Namespace returns the Store for a namespace, creating the handle on
// first use. The caller must Initialize the store before issuing
// operations. The same *Store is returned for the same name.
func (db *DB) Namespace(name string) *Store {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.stores[name]
	if !ok {
		s = newStore(name, &db.opts)
		db.stores[name] = s
	}
	return s
}

// CheckpointAll flushes every open, initialized namespace. Clean
// namespaces are skipped by their own checkpoint logic, so calling this
// at a coarse cadence is cheap.
//
// Namespaces are flushed independently: one failed flush does not cancel
// the others, it only makes CheckpointAll report the first error. The
// failed namespace keeps its dirty flag and is retried next time.
func (db *DB) CheckpointAll(ctx context.Context) error {
	db.mu.Lock()
	stores := make([]*Store, 0, len(db.stores))
	for _, s := range db.stores {
		stores = append(stores, s)
	}
	db.mu.Unlock()

	var g errgroup.Group
	for _, s := range stores {
		s := s
		if s.state.Load() != stateReady {
			continue
		}
		g.Go(func() error {
			return s.Checkpoint(ctx)
		})
	}
	return g.Wait()
}

// Close finalizes every open store and detaches from the arena. It is an
// error to use the DB or any of its stores afterwards.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	stores := make([]*Store, 0, len(db.stores))
	for _, s := range db.stores {
		stores = append(stores, s)
	}
	db.mu.Unlock()

	var firstErr error
	for _, s := range stores {
		if err := s.Finalize(ctx); err != nil && !errors.Is(err, ErrFinalized) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if db.ownArena {
		if err := db.opts.arena.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
