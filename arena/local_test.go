package arena

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/snapkv/record"
)

func TestLocalRegionLazyCreate(t *testing.T) {
	ctx := context.Background()
	a := NewLocal()

	r := a.Region("full_docs")
	n, err := r.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Same handle identity for the same namespace.
	require.Same(t, a.Region("full_docs"), a.Region("full_docs"))
	require.NotSame(t, a.Region("full_docs"), a.Region("text_chunks"))
}

func TestLocalRegionCRUD(t *testing.T) {
	ctx := context.Background()
	r := NewLocal().Region("full_docs")

	require.NoError(t, r.Upsert(ctx, record.Set{
		"a": {"t": record.String("x")},
		"b": {"t": record.String("y")},
	}))

	rec, ok, err := r.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", rec["t"].StringValue())

	_, ok, err = r.Get(ctx, "z")
	require.NoError(t, err)
	require.False(t, ok)

	many, err := r.GetMany(ctx, []string{"b", "z", "a"})
	require.NoError(t, err)
	require.Len(t, many, 3)
	require.Equal(t, "y", many[0]["t"].StringValue())
	require.Nil(t, many[1])
	require.Equal(t, "x", many[2]["t"].StringValue())

	missing, err := r.Missing(ctx, []string{"a", "z"})
	require.NoError(t, err)
	require.Equal(t, []string{"z"}, missing)

	removed, err := r.Delete(ctx, []string{"a", "nope"})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	n, err := r.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLocalRegionMergeKeepsExisting(t *testing.T) {
	ctx := context.Background()
	r := NewLocal().Region("full_docs")

	require.NoError(t, r.Upsert(ctx, record.Set{"x": {"v": record.Int(1)}}))

	added, err := r.Merge(ctx, record.Set{
		"x": {"v": record.Int(2)},
		"y": {"v": record.Int(3)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	rec, _, err := r.Get(ctx, "x")
	require.NoError(t, err)
	v, err := rec["v"].Int64()
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestLocalRegionDefensiveCopies(t *testing.T) {
	ctx := context.Background()
	r := NewLocal().Region("full_docs")

	in := record.Set{"a": {"t": record.String("orig")}}
	require.NoError(t, r.Upsert(ctx, in))

	// Mutating the input after upsert must not leak into the region.
	in["a"]["t"] = record.String("mutated")

	out, err := r.All(ctx)
	require.NoError(t, err)
	require.Equal(t, "orig", out["a"]["t"].StringValue())

	// Mutating a read result must not leak either.
	out["a"]["t"] = record.String("mutated")
	again, _, err := r.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "orig", again["t"].StringValue())
}

func TestLocalTryClaimInitOnce(t *testing.T) {
	ctx := context.Background()
	a := NewLocal()

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := a.TryClaimInit(ctx, "full_docs")
			require.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	require.Equal(t, 1, won)

	// Independent per namespace.
	ok, err := a.TryClaimInit(ctx, "text_chunks")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalDirtyFlag(t *testing.T) {
	ctx := context.Background()
	a := NewLocal()

	dirty, err := a.Dirty(ctx, "full_docs")
	require.NoError(t, err)
	require.False(t, dirty)

	require.NoError(t, a.MarkDirty(ctx, "full_docs"))
	dirty, err = a.Dirty(ctx, "full_docs")
	require.NoError(t, err)
	require.True(t, dirty)

	// Other namespaces unaffected.
	dirty, err = a.Dirty(ctx, "text_chunks")
	require.NoError(t, err)
	require.False(t, dirty)

	require.NoError(t, a.ClearDirty(ctx, "full_docs"))
	dirty, err = a.Dirty(ctx, "full_docs")
	require.NoError(t, err)
	require.False(t, dirty)
}

func TestLocalDropNamespaceKeepsHandle(t *testing.T) {
	ctx := context.Background()
	a := NewLocal()

	r := a.Region("full_docs")
	require.NoError(t, r.Upsert(ctx, record.Set{"a": {}}))

	require.NoError(t, a.DropNamespace(ctx, "full_docs"))

	// The pre-drop handle still points at the (now empty) region.
	n, err := r.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	dirty, err := a.Dirty(ctx, "full_docs")
	require.NoError(t, err)
	require.True(t, dirty)
}

func TestFairMutexExcludes(t *testing.T) {
	ctx := context.Background()
	m := newFairMutex()

	require.NoError(t, m.Lock(ctx))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, m.Lock(ctx))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock succeeded while held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Unlock())
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never granted")
	}
	require.NoError(t, m.Unlock())
}

func TestFairMutexContextCancel(t *testing.T) {
	m := newFairMutex()
	require.NoError(t, m.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Mutex still works after an abandoned wait.
	require.NoError(t, m.Unlock())
	require.NoError(t, m.Lock(context.Background()))
	require.NoError(t, m.Unlock())
}

func TestFairMutexFIFO(t *testing.T) {
	ctx := context.Background()
	m := newFairMutex()
	require.NoError(t, m.Lock(ctx))

	const n = 8
	order := make(chan int, n)
	ready := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			// Stagger arrivals so the queue order is deterministic.
			<-ready
			require.NoError(t, m.Lock(ctx))
			order <- i
			require.NoError(t, m.Unlock())
		}()
		ready <- struct{}{}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, m.Unlock())
	for i := 0; i < n; i++ {
		select {
		case got := <-order:
			require.Equal(t, i, got)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter starved")
		}
	}
}
