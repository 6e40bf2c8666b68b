// Package compress provides optional snapshot compression.
//
// The compressor affects only the snapshot file bytes and filename extension;
// the logical content is the same JSON object either way. A namespace written
// with one compressor must be read back with the same one, which is why the
// extension is part of the snapshot name.
package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor compresses and decompresses whole snapshot payloads.
// Implementations must be safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// Ext returns the filename extension appended to snapshot names,
	// empty for no compression.
	Ext() string
	Name() string
}

// ByName returns a built-in compressor by its stable name.
func ByName(name string) (Compressor, bool) {
	switch name {
	case "none":
		return None{}, true
	case "zstd":
		return Zstd{}, true
	case "lz4":
		return LZ4{}, true
	default:
		return nil, false
	}
}

// Default is the compressor used when none is configured.
var Default Compressor = None{}

// None is the pass-through compressor.
type None struct{}

// Compress returns data unchanged.
func (None) Compress(data []byte) ([]byte, error) { return data, nil }

// Decompress returns data unchanged.
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }

// Ext returns "".
func (None) Ext() string { return "" }

// Name returns "none".
func (None) Name() string { return "none" }

// Zstd compresses snapshots with zstandard at the default level.
type Zstd struct{}

// Compress returns the zstd frame for data.
func (Zstd) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	out := enc.EncodeAll(data, nil)
	return out, enc.Close()
}

// Decompress inflates a zstd frame.
func (Zstd) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// Ext returns ".zst".
func (Zstd) Ext() string { return ".zst" }

// Name returns "zstd".
func (Zstd) Name() string { return "zstd" }

// LZ4 compresses snapshots with the lz4 frame format.
type LZ4 struct{}

// Compress returns the lz4 frame for data.
func (LZ4) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates an lz4 frame.
func (LZ4) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

// Ext returns ".lz4".
func (LZ4) Ext() string { return ".lz4" }

// Name returns "lz4".
func (LZ4) Name() string { return "lz4" }
