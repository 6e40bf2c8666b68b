package arena

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/snapkv/codec"
	"github.com/hupe1980/snapkv/record"
)

// Wire protocol between an attached client and the hosting daemon:
// 4-byte big-endian length followed by one JSON-encoded message.
// Requests and responses are correlated by ID; a connection may have
// multiple requests in flight (lock waits must not stall other traffic).

const (
	// maxFrameSize bounds a single message. Regions are full in-memory
	// tables anyway, so this is a sanity limit, not a streaming seam.
	maxFrameSize = 256 << 20
)

// Operation names understood by the daemon.
const (
	opAll        = "all"
	opGet        = "get"
	opGetMany    = "get_many"
	opMissing    = "missing"
	opUpsert     = "upsert"
	opMerge      = "merge"
	opDelete     = "delete"
	opLen        = "len"
	opLock       = "lock"
	opUnlock     = "unlock"
	opGateLock   = "gate_lock"
	opGateUnlock = "gate_unlock"
	opClaimInit  = "claim_init"
	opDirty      = "dirty"
	opMarkDirty  = "mark_dirty"
	opClearDirty = "clear_dirty"
	opDrop       = "drop"
)

type request struct {
	ID        uint64     `json:"id"`
	Op        string     `json:"op"`
	Namespace string     `json:"ns,omitempty"`
	IDs       []string   `json:"ids,omitempty"`
	Records   record.Set `json:"records,omitempty"`
}

type response struct {
	ID      uint64          `json:"id"`
	Err     string          `json:"err,omitempty"`
	Flag    bool            `json:"flag,omitempty"`
	Count   int             `json:"count,omitempty"`
	IDs     []string        `json:"ids,omitempty"`
	Records record.Set      `json:"records,omitempty"`
	Many    []record.Record `json:"many,omitempty"`
}

var wireCodec = codec.Default

func writeFrame(w io.Writer, v any) error {
	payload, err := wireCodec.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("arena: frame too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("arena: frame too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return wireCodec.Unmarshal(payload, v)
}
