// Package snapkv is a namespace-partitioned key-value store shared across
// OS processes, with per-namespace JSON snapshots on disk.
//
// Each namespace maps to one snapshot file, one shared in-memory region,
// one lock, and one dirty flag. Mutations are in-memory and visible to
// every process attached to the same storage root; disk writes are
// coalesced and happen only at checkpoints, and only when the namespace
// is dirty. Snapshot writes are atomic, so a crash never leaves a
// half-written file.
//
// # Quick Start
//
//	db, _ := snapkv.Open("./data")
//	defer db.Close(ctx)
//
//	docs := db.Namespace("full_docs")
//	_ = docs.Initialize(ctx)
//
//	_ = docs.Upsert(ctx, record.Set{
//	    "doc-1": {"title": record.String("hello")},
//	})
//
//	// ... more work ...
//	_ = db.CheckpointAll(ctx) // one flush per dirty namespace
//
// # Process Model
//
// Open attaches the DB to the storage root's coordination arena: the first
// process to arrive hosts the shared regions and serves them over a unix
// domain socket under the root; later processes attach as clients. The
// disk load for a namespace happens exactly once per process group, no
// matter how many processes race to initialize it, and every operation on
// a namespace is serialized by its cross-process lock.
//
// For a single-process deployment (or tests), pass
// snapkv.WithArena(arena.NewLocal()) to keep coordination in memory.
//
// # Cache Namespaces
//
// A namespace whose name ends in "cache" is treated as two-level: each
// record is a bucket of cache entries. This affects the record counts in
// logs and makes Finalize flush the namespace unconditionally; the file
// format is unchanged.
package snapkv
