package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "kv_store_full_docs.json")
	require.ErrorIs(t, err, ErrNotFound)

	data := []byte(`{"doc-1":{"title":"hello"}}`)
	require.NoError(t, store.Put(ctx, "kv_store_full_docs.json", data))

	got, err := store.Get(ctx, "kv_store_full_docs.json")
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, "kv_store_full_docs.json"))
	_, err = store.Get(ctx, "kv_store_full_docs.json")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error.
	require.NoError(t, store.Delete(ctx, "kv_store_full_docs.json"))
}

func TestLocalStore_PutReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "kv_store_chunks.json", []byte(`{"v":1}`)))
	require.NoError(t, store.Put(ctx, "kv_store_chunks.json", []byte(`{"v":2}`)))

	got, err := store.Get(ctx, "kv_store_chunks.json")
	require.NoError(t, err)
	require.Equal(t, `{"v":2}`, string(got))

	// No temp files left behind.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "kv_store_chunks.json", entries[0].Name())
}

func TestLocalStore_List(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "kv_store_b.json", []byte(`{}`)))
	require.NoError(t, store.Put(ctx, "kv_store_a.json", []byte(`{}`)))
	require.NoError(t, store.Put(ctx, "other.txt", []byte(`x`)))

	names, err := store.List(ctx, "kv_store_")
	require.NoError(t, err)
	require.Equal(t, []string{"kv_store_a.json", "kv_store_b.json"}, names)
}

func TestLocalStore_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "dir")
	_, err := NewLocalStore(root)
	require.NoError(t, err)

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "a", []byte("1")))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)

	// Mutating the returned slice must not affect the stored object.
	got[0] = 'x'
	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), again)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, names)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}
