package arena

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/snapkv/record"
)

// client is the attached-process side of the arena protocol. It implements
// Arena by forwarding every operation to the hosting daemon.
//
// Calls are multiplexed over one connection and correlated by request ID,
// so a long lock wait does not block unrelated traffic. There is no
// cancellation below this layer for operations with daemon-side effects:
// once a lock or mutation request has been sent, the caller sees it
// through, because abandoning the reply would leave the daemon holding a
// grant (or a half-applied write) that nothing ever undoes. Only pure
// reads honor ctx after the send.
type client struct {
	conn    net.Conn
	writeMu sync.Mutex

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan response
	closed  bool
	readErr error

	done chan struct{}
}

func newClient(conn net.Conn) *client {
	c := &client{
		conn:    conn,
		pending: make(map[uint64]chan response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *client) readLoop() {
	for {
		var resp response
		if err := readFrame(c.conn, &resp); err != nil {
			c.fail(fmt.Errorf("arena: connection to daemon lost: %w", err))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readErr = err
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	close(c.done)
	for _, ch := range pending {
		close(ch)
	}
}

func (c *client) send(req *request) (chan response, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeFrame(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("arena: send %s: %w", req.Op, err)
	}
	return ch, nil
}

// call is the cancellable round trip for read-only operations. Abandoning
// the reply is safe: the daemon holds no state for it.
func (c *client) call(ctx context.Context, req request) (response, error) {
	ch, err := c.send(&req)
	if err != nil {
		return response{}, err
	}

	select {
	case resp, ok := <-ch:
		return checkResponse(resp, ok, c)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return response{}, ctx.Err()
	case <-c.done:
		return response{}, c.closedErr()
	}
}

// callThrough is the round trip for operations with daemon-side effects:
// locks, mutations, flags, claims. Once sent, the reply is awaited
// unconditionally, so a canceled caller can never strand a granted lock
// or detach from a write the daemon goes on to apply.
func (c *client) callThrough(req request) (response, error) {
	ch, err := c.send(&req)
	if err != nil {
		return response{}, err
	}

	select {
	case resp, ok := <-ch:
		return checkResponse(resp, ok, c)
	case <-c.done:
		return response{}, c.closedErr()
	}
}

func checkResponse(resp response, ok bool, c *client) (response, error) {
	if !ok {
		return response{}, c.closedErr()
	}
	if resp.Err != "" {
		return response{}, errors.New(resp.Err)
	}
	return resp, nil
}

func (c *client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

// Region returns a remote handle for the namespace's table.
func (c *client) Region(namespace string) Region {
	return &remoteRegion{c: c, ns: namespace}
}

// NamespaceLock returns a remote handle for the namespace's lock.
func (c *client) NamespaceLock(namespace string) Mutex {
	return &remoteMutex{c: c, ns: namespace, lockOp: opLock, unlockOp: opUnlock}
}

// InitGate returns a remote handle for the init gate.
func (c *client) InitGate() Mutex {
	return &remoteMutex{c: c, lockOp: opGateLock, unlockOp: opGateUnlock}
}

// TryClaimInit forwards the one-shot claim to the daemon.
func (c *client) TryClaimInit(_ context.Context, namespace string) (bool, error) {
	resp, err := c.callThrough(request{Op: opClaimInit, Namespace: namespace})
	return resp.Flag, err
}

// Dirty reports the namespace's dirty flag as seen by the daemon.
func (c *client) Dirty(ctx context.Context, namespace string) (bool, error) {
	resp, err := c.call(ctx, request{Op: opDirty, Namespace: namespace})
	return resp.Flag, err
}

// MarkDirty sets the namespace's dirty flag.
func (c *client) MarkDirty(_ context.Context, namespace string) error {
	_, err := c.callThrough(request{Op: opMarkDirty, Namespace: namespace})
	return err
}

// ClearDirty resets the namespace's dirty flag.
func (c *client) ClearDirty(_ context.Context, namespace string) error {
	_, err := c.callThrough(request{Op: opClearDirty, Namespace: namespace})
	return err
}

// DropNamespace clears the namespace's region and marks it dirty.
func (c *client) DropNamespace(_ context.Context, namespace string) error {
	_, err := c.callThrough(request{Op: opDrop, Namespace: namespace})
	return err
}

// Close detaches from the daemon. Locks held through this connection are
// released by the daemon when it observes the disconnect.
func (c *client) Close() error {
	err := c.conn.Close()
	c.fail(ErrClosed)
	return err
}

type remoteRegion struct {
	c  *client
	ns string
}

func (r *remoteRegion) All(ctx context.Context) (record.Set, error) {
	resp, err := r.c.call(ctx, request{Op: opAll, Namespace: r.ns})
	if err != nil {
		return nil, err
	}
	if resp.Records == nil {
		return make(record.Set), nil
	}
	return resp.Records, nil
}

func (r *remoteRegion) Get(ctx context.Context, id string) (record.Record, bool, error) {
	resp, err := r.c.call(ctx, request{Op: opGet, Namespace: r.ns, IDs: []string{id}})
	if err != nil {
		return nil, false, err
	}
	if !resp.Flag {
		return nil, false, nil
	}
	return resp.Records[id], true, nil
}

func (r *remoteRegion) GetMany(ctx context.Context, ids []string) ([]record.Record, error) {
	resp, err := r.c.call(ctx, request{Op: opGetMany, Namespace: r.ns, IDs: ids})
	if err != nil {
		return nil, err
	}
	if resp.Many == nil {
		return make([]record.Record, len(ids)), nil
	}
	return resp.Many, nil
}

func (r *remoteRegion) Missing(ctx context.Context, ids []string) ([]string, error) {
	resp, err := r.c.call(ctx, request{Op: opMissing, Namespace: r.ns, IDs: ids})
	return resp.IDs, err
}

func (r *remoteRegion) Upsert(_ context.Context, recs record.Set) error {
	_, err := r.c.callThrough(request{Op: opUpsert, Namespace: r.ns, Records: recs})
	return err
}

func (r *remoteRegion) Merge(_ context.Context, recs record.Set) (int, error) {
	resp, err := r.c.callThrough(request{Op: opMerge, Namespace: r.ns, Records: recs})
	return resp.Count, err
}

func (r *remoteRegion) Delete(_ context.Context, ids []string) (int, error) {
	resp, err := r.c.callThrough(request{Op: opDelete, Namespace: r.ns, IDs: ids})
	return resp.Count, err
}

func (r *remoteRegion) Len(ctx context.Context) (int, error) {
	resp, err := r.c.call(ctx, request{Op: opLen, Namespace: r.ns})
	return resp.Count, err
}

type remoteMutex struct {
	c        *client
	ns       string
	lockOp   string
	unlockOp string
}

// Lock bails out on an already-canceled context before sending, but once
// the request is on the wire it waits for the grant unconditionally.
func (m *remoteMutex) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.c.callThrough(request{Op: m.lockOp, Namespace: m.ns})
	return err
}

func (m *remoteMutex) Unlock() error {
	_, err := m.c.callThrough(request{Op: m.unlockOp, Namespace: m.ns})
	return err
}
