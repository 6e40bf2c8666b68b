package snapkv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/snapkv/arena"
	"github.com/hupe1980/snapkv/blobstore"
	"github.com/hupe1980/snapkv/record"
)

// countingStore wraps a blobstore.Store and counts reads and writes.
type countingStore struct {
	blobstore.Store
	gets atomic.Int64
	puts atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, name string) ([]byte, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, name)
}

func (c *countingStore) Put(ctx context.Context, name string, data []byte) error {
	c.puts.Add(1)
	return c.Store.Put(ctx, name, data)
}

var errDiskFull = errors.New("no space left on device")

// faultyStore wraps a blobstore.Store and rejects selected writes.
type faultyStore struct {
	blobstore.Store
	reject atomic.Value // snapshot name to reject, or "*" for all
}

func (f *faultyStore) Put(ctx context.Context, name string, data []byte) error {
	if r, _ := f.reject.Load().(string); r == "*" || r == name {
		return errDiskFull
	}
	return f.Store.Put(ctx, name, data)
}

func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	opts = append([]Option{
		WithArena(arena.NewLocal()),
		WithBlobStore(blobstore.NewMemoryStore()),
		WithLogger(NoopLogger()),
	}, opts...)
	db, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func readyStore(t *testing.T, db *DB, namespace string) *Store {
	t.Helper()
	s := db.Namespace(namespace)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestStoreLifecycleContract(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := db.Namespace("full_docs")

	// Operations before Initialize are contract violations.
	_, err := s.All(ctx)
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, s.Upsert(ctx, record.Set{"a": {}}), ErrNotReady)
	require.ErrorIs(t, s.Checkpoint(ctx), ErrNotReady)

	require.NoError(t, s.Initialize(ctx))
	require.ErrorIs(t, s.Initialize(ctx), ErrAlreadyInitialized)

	require.NoError(t, s.Finalize(ctx))
	require.ErrorIs(t, s.Finalize(ctx), ErrFinalized)
	_, err = s.All(ctx)
	require.ErrorIs(t, err, ErrFinalized)
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := readyStore(t, newTestDB(t), "full_docs")

	require.NoError(t, s.Upsert(ctx, record.Set{
		"a": {"t": record.String("x")},
		"b": {"t": record.String("y")},
	}))

	rec, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", rec["t"].StringValue())

	_, ok, err = s.Get(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	many, err := s.GetMany(ctx, []string{"b", "nope", "a"})
	require.NoError(t, err)
	require.Equal(t, "y", many[0]["t"].StringValue())
	require.Nil(t, many[1])
	require.Equal(t, "x", many[2]["t"].StringValue())

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, []string{"a"}))
	_, ok, err = s.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFilterUnknown(t *testing.T) {
	ctx := context.Background()
	s := readyStore(t, newTestDB(t), "full_docs")

	require.NoError(t, s.Upsert(ctx, record.Set{"a": {"t": record.String("x")}}))

	unknown, err := s.FilterUnknown(ctx, []string{"a", "z"})
	require.NoError(t, err)
	require.Equal(t, []string{"z"}, unknown)
}

func TestUpsertReturnsDefensiveCopies(t *testing.T) {
	ctx := context.Background()
	s := readyStore(t, newTestDB(t), "full_docs")

	require.NoError(t, s.Upsert(ctx, record.Set{"a": {"t": record.String("orig")}}))

	rec, _, err := s.Get(ctx, "a")
	require.NoError(t, err)
	rec["t"] = record.String("mutated")

	again, _, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "orig", again["t"].StringValue())
}

func TestExactlyOnceInit(t *testing.T) {
	ctx := context.Background()
	shared := arena.NewLocal()
	blobs := &countingStore{Store: blobstore.NewMemoryStore()}

	// Pre-existing snapshot with K records.
	const k = 20
	seed := make(record.Set, k)
	for i := 0; i < k; i++ {
		seed[fmt.Sprintf("doc-%d", i)] = record.Record{"n": record.Int(int64(i))}
	}
	seedDB := newTestDB(t, WithArena(arena.NewLocal()), WithBlobStore(blobs))
	seedStore := readyStore(t, seedDB, "full_docs")
	require.NoError(t, seedStore.Upsert(ctx, seed))
	require.NoError(t, seedStore.Checkpoint(ctx))
	blobs.gets.Store(0)

	// N initializers race on a fresh process group.
	const n = 16
	stores := make([]*Store, n)
	for i := range stores {
		db := newTestDB(t, WithArena(shared), WithBlobStore(blobs))
		stores[i] = db.Namespace("full_docs")
	}

	var wg sync.WaitGroup
	for _, s := range stores {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Initialize(ctx))
		}()
	}
	wg.Wait()

	// Exactly one disk read across all initializers.
	require.Equal(t, int64(1), blobs.gets.Load())

	// No duplication, no loss, from every store's view.
	for _, s := range stores {
		all, err := s.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, k)
	}
}

func TestMergePrecedenceMemoryWins(t *testing.T) {
	ctx := context.Background()
	shared := arena.NewLocal()
	blobs := blobstore.NewMemoryStore()

	// Snapshot on disk says x={v:2}.
	seedDB := newTestDB(t, WithArena(arena.NewLocal()), WithBlobStore(blobs))
	seedStore := readyStore(t, seedDB, "full_docs")
	require.NoError(t, seedStore.Upsert(ctx, record.Set{
		"x": {"v": record.Int(2)},
		"y": {"v": record.Int(3)},
	}))
	require.NoError(t, seedStore.Checkpoint(ctx))

	// The region already holds x={v:1} before the load runs, as if
	// another store wrote it since process-group start.
	require.NoError(t, shared.Region("full_docs").Upsert(ctx, record.Set{
		"x": {"v": record.Int(1)},
	}))

	db := newTestDB(t, WithArena(shared), WithBlobStore(blobs))
	s := readyStore(t, db, "full_docs")

	rec, ok, err := s.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	v, err := rec["v"].Int64()
	require.NoError(t, err)
	require.Equal(t, int64(1), v, "in-memory value must win over stale disk")

	// Disk-only records still fill in.
	_, ok, err = s.Get(ctx, "y")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckpointCoalesces(t *testing.T) {
	ctx := context.Background()
	blobs := &countingStore{Store: blobstore.NewMemoryStore()}
	db := newTestDB(t, WithBlobStore(blobs))
	s := readyStore(t, db, "full_docs")

	// Clean store: checkpoint is a no-op.
	require.NoError(t, s.Checkpoint(ctx))
	require.Equal(t, int64(0), blobs.puts.Load())

	require.NoError(t, s.Upsert(ctx, record.Set{"a": {"t": record.String("x")}}))
	require.NoError(t, s.Upsert(ctx, record.Set{"b": {"t": record.String("y")}}))

	require.NoError(t, s.Checkpoint(ctx))
	require.Equal(t, int64(1), blobs.puts.Load(), "many writes coalesce into one flush")

	require.NoError(t, s.Checkpoint(ctx))
	require.Equal(t, int64(1), blobs.puts.Load(), "clean checkpoint must not write")
}

func TestFailedFlushKeepsDirty(t *testing.T) {
	ctx := context.Background()
	shared := arena.NewLocal()
	blobs := &faultyStore{Store: blobstore.NewMemoryStore()}
	db := newTestDB(t, WithArena(shared), WithBlobStore(blobs))
	s := readyStore(t, db, "full_docs")

	require.NoError(t, s.Upsert(ctx, record.Set{"a": {"t": record.String("x")}}))

	blobs.reject.Store("*")
	require.ErrorIs(t, s.Checkpoint(ctx), errDiskFull)

	// The failure must not be absorbed: the namespace stays dirty so the
	// next checkpoint retries the flush.
	dirty, err := shared.Dirty(ctx, "full_docs")
	require.NoError(t, err)
	require.True(t, dirty, "failed flush must leave the dirty flag set")

	blobs.reject.Store("")
	require.NoError(t, s.Checkpoint(ctx))
	dirty, err = shared.Dirty(ctx, "full_docs")
	require.NoError(t, err)
	require.False(t, dirty)

	// The retried flush was durable.
	db2 := newTestDB(t, WithArena(arena.NewLocal()), WithBlobStore(blobs))
	s2 := readyStore(t, db2, "full_docs")
	rec, ok, err := s2.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", rec["t"].StringValue())
}

func TestDeleteDirtySemantics(t *testing.T) {
	ctx := context.Background()
	shared := arena.NewLocal()
	db := newTestDB(t, WithArena(shared))
	s := readyStore(t, db, "full_docs")

	require.NoError(t, s.Upsert(ctx, record.Set{"a": {"t": record.String("x")}}))
	require.NoError(t, s.Checkpoint(ctx))

	// Deleting a missing id must not mark the namespace dirty.
	require.NoError(t, s.Delete(ctx, []string{"missing-id"}))
	dirty, err := shared.Dirty(ctx, "full_docs")
	require.NoError(t, err)
	require.False(t, dirty)

	// Deleting an existing id must.
	require.NoError(t, s.Delete(ctx, []string{"a"}))
	dirty, err = shared.Dirty(ctx, "full_docs")
	require.NoError(t, err)
	require.True(t, dirty)
}

func TestEmptyUpsertDoesNotDirty(t *testing.T) {
	ctx := context.Background()
	shared := arena.NewLocal()
	db := newTestDB(t, WithArena(shared))
	s := readyStore(t, db, "full_docs")

	require.NoError(t, s.Upsert(ctx, record.Set{}))
	dirty, err := shared.Dirty(ctx, "full_docs")
	require.NoError(t, err)
	require.False(t, dirty)
}

func TestDropDurability(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	db := newTestDB(t, WithBlobStore(blobs))
	s := readyStore(t, db, "full_docs")
	require.NoError(t, s.Upsert(ctx, record.Set{"a": {"t": record.String("x")}}))
	require.NoError(t, s.Checkpoint(ctx))

	outcome := s.Drop(ctx)
	require.True(t, outcome.OK)
	require.Equal(t, "data dropped", outcome.Message)

	// Same process group: region is empty.
	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	// Fresh process group over the same snapshot: still empty, because
	// drop persisted synchronously.
	db2 := newTestDB(t, WithArena(arena.NewLocal()), WithBlobStore(blobs))
	s2 := readyStore(t, db2, "full_docs")
	all, err = s2.All(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestDropReportsFailureWithoutPanic(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := db.Namespace("full_docs")

	// Not initialized: drop must report, not raise.
	outcome := s.Drop(ctx)
	require.False(t, outcome.OK)
	require.NotEmpty(t, outcome.Message)
}

func TestCacheCountSemantics(t *testing.T) {
	db := newTestDB(t)
	cacheStore := readyStore(t, db, "llm_response_cache")
	plainStore := readyStore(t, db, "full_docs")

	// Two outer modes with 3 and 0 inner entries: count is 3, not 2.
	set := record.Set{
		"mode1": {
			"k1": record.Object(map[string]record.Value{"r": record.String("a")}),
			"k2": record.Object(map[string]record.Value{"r": record.String("b")}),
			"k3": record.Object(map[string]record.Value{"r": record.String("c")}),
		},
		"mode2": {},
	}
	require.Equal(t, 3, cacheStore.countRecords(set))
	require.Equal(t, 2, plainStore.countRecords(set))
}

func TestCacheNamespaceFinalizeFlushes(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	db := newTestDB(t, WithBlobStore(blobs))
	s := readyStore(t, db, "llm_response_cache")
	require.NoError(t, s.Upsert(ctx, record.Set{
		"default": {"q1": record.Object(map[string]record.Value{"r": record.String("hit")})},
	}))

	// No checkpoint before shutdown; Finalize must flush cache data.
	require.NoError(t, s.Finalize(ctx))

	db2 := newTestDB(t, WithArena(arena.NewLocal()), WithBlobStore(blobs))
	s2 := readyStore(t, db2, "llm_response_cache")
	rec, ok, err := s2.Get(ctx, "default")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec["q1"].ObjectValue())
}

func TestNonCacheFinalizeDoesNotFlush(t *testing.T) {
	ctx := context.Background()
	blobs := &countingStore{Store: blobstore.NewMemoryStore()}

	db := newTestDB(t, WithBlobStore(blobs))
	s := readyStore(t, db, "full_docs")
	require.NoError(t, s.Upsert(ctx, record.Set{"a": {"t": record.String("x")}}))

	require.NoError(t, s.Finalize(ctx))
	require.Equal(t, int64(0), blobs.puts.Load(),
		"non-cache namespaces rely on the orchestrator's checkpoints")
}

func TestDropCacheModes(t *testing.T) {
	ctx := context.Background()
	s := readyStore(t, newTestDB(t), "llm_response_cache")

	require.NoError(t, s.Upsert(ctx, record.Set{
		"mode1": {"k1": record.Object(map[string]record.Value{})},
		"mode2": {"k2": record.Object(map[string]record.Value{})},
	}))

	require.False(t, s.DropCacheModes(ctx, nil))
	require.True(t, s.DropCacheModes(ctx, []string{"mode1"}))

	_, ok, err := s.Get(ctx, "mode1")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.Get(ctx, "mode2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCorruptSnapshotLoadsEmpty(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	require.NoError(t, blobs.Put(ctx, "kv_store_full_docs.json", []byte("{not json")))

	db := newTestDB(t, WithBlobStore(blobs))
	s := readyStore(t, db, "full_docs")

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	// The namespace stays fully usable.
	require.NoError(t, s.Upsert(ctx, record.Set{"a": {"t": record.String("x")}}))
	require.NoError(t, s.Checkpoint(ctx))
}
