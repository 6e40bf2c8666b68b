package arena

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hupe1980/snapkv/record"
)

// server hosts a Local arena over a unix domain socket for attached
// processes. The hosting process itself bypasses the socket and talks to
// the Local arena directly.
type server struct {
	local  *Local
	ln     net.Listener
	logger *slog.Logger

	// Accept and decode failures are throttled so a misbehaving peer
	// cannot flood the log.
	errLog *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func newServer(local *Local, ln net.Listener, logger *slog.Logger) *server {
	ctx, cancel := context.WithCancel(context.Background())
	return &server{
		local:  local,
		ln:     ln,
		logger: logger,
		errLog: rate.NewLimiter(rate.Limit(1), 5),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

func (s *server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if s.errLog.Allow() {
				s.logger.Warn("arena accept failed", "error", err)
			}
			continue
		}
		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *server) close() {
	s.cancel()
	_ = s.ln.Close()
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// session tracks per-connection lock ownership so locks held by a dying
// process are released instead of wedging the group.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	held     map[string]bool
	gateHeld bool
}

func (s *server) handleConn(conn net.Conn) {
	sess := &session{conn: conn, held: make(map[string]bool)}
	ctx, cancel := context.WithCancel(s.ctx)

	var handlers sync.WaitGroup
	defer func() {
		// Unblock parked lock waits, then drain handlers before
		// releasing whatever the session still holds.
		cancel()
		_ = conn.Close()
		handlers.Wait()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		s.releaseSession(sess)
	}()

	for {
		var req request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, net.ErrClosed) && s.errLog.Allow() {
				s.logger.Debug("arena connection closed", "error", err)
			}
			return
		}
		// Each request runs on its own goroutine: a blocked lock wait
		// must not stall other traffic on the connection.
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			resp := s.handle(ctx, sess, &req)
			if resp == nil {
				return
			}
			sess.writeMu.Lock()
			err := writeFrame(conn, resp)
			sess.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
			}
		}()
	}
}

func (s *server) releaseSession(sess *session) {
	sess.mu.Lock()
	held := make([]string, 0, len(sess.held))
	for ns := range sess.held {
		held = append(held, ns)
	}
	gateHeld := sess.gateHeld
	sess.held = make(map[string]bool)
	sess.gateHeld = false
	sess.mu.Unlock()

	for _, ns := range held {
		_ = s.local.NamespaceLock(ns).Unlock()
		s.logger.Warn("released namespace lock abandoned by client", "namespace", ns)
	}
	if gateHeld {
		_ = s.local.InitGate().Unlock()
		s.logger.Warn("released init gate abandoned by client")
	}
}

func (s *server) handle(ctx context.Context, sess *session, req *request) *response {
	resp := &response{ID: req.ID}
	err := s.dispatch(ctx, sess, req, resp)
	if err != nil {
		if ctx.Err() != nil {
			// Connection is gone; nobody is waiting for the reply.
			return nil
		}
		resp.Err = err.Error()
	}
	return resp
}

func (s *server) dispatch(ctx context.Context, sess *session, req *request, resp *response) error {
	region := func() Region { return s.local.Region(req.Namespace) }

	switch req.Op {
	case opAll:
		recs, err := region().All(ctx)
		resp.Records = recs
		return err
	case opGet:
		if len(req.IDs) != 1 {
			return fmt.Errorf("arena: get expects one id, got %d", len(req.IDs))
		}
		rec, ok, err := region().Get(ctx, req.IDs[0])
		if err != nil {
			return err
		}
		resp.Flag = ok
		if ok {
			resp.Records = record.Set{req.IDs[0]: rec}
		}
		return nil
	case opGetMany:
		many, err := region().GetMany(ctx, req.IDs)
		resp.Many = many
		return err
	case opMissing:
		ids, err := region().Missing(ctx, req.IDs)
		resp.IDs = ids
		return err
	case opUpsert:
		return region().Upsert(ctx, req.Records)
	case opMerge:
		added, err := region().Merge(ctx, req.Records)
		resp.Count = added
		return err
	case opDelete:
		removed, err := region().Delete(ctx, req.IDs)
		resp.Count = removed
		return err
	case opLen:
		n, err := region().Len(ctx)
		resp.Count = n
		return err

	case opLock:
		if err := s.local.NamespaceLock(req.Namespace).Lock(ctx); err != nil {
			return err
		}
		sess.mu.Lock()
		sess.held[req.Namespace] = true
		sess.mu.Unlock()
		return nil
	case opUnlock:
		sess.mu.Lock()
		held := sess.held[req.Namespace]
		delete(sess.held, req.Namespace)
		sess.mu.Unlock()
		if !held {
			return fmt.Errorf("arena: namespace lock %q not held by this connection", req.Namespace)
		}
		return s.local.NamespaceLock(req.Namespace).Unlock()
	case opGateLock:
		if err := s.local.InitGate().Lock(ctx); err != nil {
			return err
		}
		sess.mu.Lock()
		sess.gateHeld = true
		sess.mu.Unlock()
		return nil
	case opGateUnlock:
		sess.mu.Lock()
		held := sess.gateHeld
		sess.gateHeld = false
		sess.mu.Unlock()
		if !held {
			return errors.New("arena: init gate not held by this connection")
		}
		return s.local.InitGate().Unlock()

	case opClaimInit:
		claimed, err := s.local.TryClaimInit(ctx, req.Namespace)
		resp.Flag = claimed
		return err
	case opDirty:
		dirty, err := s.local.Dirty(ctx, req.Namespace)
		resp.Flag = dirty
		return err
	case opMarkDirty:
		return s.local.MarkDirty(ctx, req.Namespace)
	case opClearDirty:
		return s.local.ClearDirty(ctx, req.Namespace)
	case opDrop:
		return s.local.DropNamespace(ctx, req.Namespace)
	default:
		return fmt.Errorf("arena: unknown operation %q", req.Op)
	}
}
