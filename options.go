package snapkv

import (
	"github.com/hupe1980/snapkv/arena"
	"github.com/hupe1980/snapkv/blobstore"
	"github.com/hupe1980/snapkv/codec"
	"github.com/hupe1980/snapkv/compress"
)

// snapshotFilePrefix matches the historical on-disk naming so existing
// data directories keep working.
const snapshotFilePrefix = "kv_store_"

type options struct {
	arena      arena.Arena
	blobs      blobstore.Store
	codec      codec.Codec
	compressor compress.Compressor
	logger     *Logger
	filePrefix string
}

// Option configures Open behavior.
type Option func(*options)

// WithArena overrides the coordination arena.
//
// The default is arena.Attach on the storage root, which makes the DB
// cooperate with other OS processes on the same root. Pass arena.NewLocal()
// for a purely in-process group (or for tests).
func WithArena(a arena.Arena) Option {
	return func(o *options) {
		o.arena = a
	}
}

// WithBlobStore overrides where snapshot files are written.
//
// The default is a local store in the storage root directory. An S3 or
// MinIO store moves the snapshots to object storage; coordination stays
// on the local root either way.
func WithBlobStore(s blobstore.Store) Option {
	return func(o *options) {
		o.blobs = s
	}
}

// WithCodec configures the snapshot codec. If nil is passed,
// codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithCompression configures snapshot compression. The compressor
// determines the snapshot filename extension, so a namespace must be
// re-opened with the compressor it was written with.
func WithCompression(c compress.Compressor) Option {
	return func(o *options) {
		if c == nil {
			c = compress.Default
		}
		o.compressor = c
	}
}

// WithLogger configures the logger. Pass NoopLogger() to disable logging.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFilePrefix overrides the snapshot filename prefix
// (default "kv_store_").
func WithFilePrefix(prefix string) Option {
	return func(o *options) {
		o.filePrefix = prefix
	}
}
