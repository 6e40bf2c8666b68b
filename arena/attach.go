package arena

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	lockFileName   = "arena.lock"
	socketFileName = "arena.sock"

	dialRetryInterval = 20 * time.Millisecond
	dialTimeout       = 5 * time.Second
)

// AttachOption configures Attach.
type AttachOption func(*attachOptions)

type attachOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger used by the hosting daemon.
func WithLogger(logger *slog.Logger) AttachOption {
	return func(o *attachOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Attach joins the process group sharing the given storage root.
//
// Election is by file lock: the process that wins the flock on
// <root>/arena.lock hosts the region tables and serves them on
// <root>/arena.sock; everyone else connects as a client. Both sides
// return the same Arena interface. The hosting process keeps the flock
// for its lifetime, so a crashed host frees the role to the next
// attacher (with all in-memory regions reset, which is why snapshots
// exist).
func Attach(root string, opts ...AttachOption) (Arena, error) {
	options := attachOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("arena: create storage root %s: %w", root, err)
	}

	lockPath := filepath.Join(root, lockFileName)
	sockPath := filepath.Join(root, socketFileName)

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("arena: open lock file: %w", err)
	}

	switch err := tryLockExclusive(lockFile); err {
	case nil:
		host, err := newHost(lockFile, sockPath, options.logger)
		if err != nil {
			_ = unlockFile(lockFile)
			_ = lockFile.Close()
			return nil, err
		}
		options.logger.Info("hosting arena", "root", root, "pid", os.Getpid())
		return host, nil
	case errWouldBlock:
		_ = lockFile.Close()
	default:
		_ = lockFile.Close()
		return nil, fmt.Errorf("arena: lock %s: %w", lockPath, err)
	}

	conn, err := dialWithRetry(sockPath)
	if err != nil {
		return nil, err
	}
	options.logger.Info("attached to arena", "root", root, "pid", os.Getpid())
	return newClient(conn), nil
}

// dialWithRetry connects to the daemon socket, retrying while the winning
// process is still between taking the lock and binding the socket.
func dialWithRetry(sockPath string) (net.Conn, error) {
	deadline := time.Now().Add(dialTimeout)
	for {
		conn, err := net.Dial("unix", sockPath)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("arena: dial daemon at %s: %w", sockPath, err)
		}
		time.Sleep(dialRetryInterval)
	}
}

// host is the Arena of the process that won the election. It serves
// attached clients on the side while using the in-process tables directly.
type host struct {
	*Local
	srv      *server
	lockFile *os.File
	sockPath string
}

func newHost(lockFile *os.File, sockPath string, logger *slog.Logger) (*host, error) {
	// A stale socket from a crashed previous host would fail the bind.
	// Holding the flock proves no live daemon owns it.
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("arena: listen on %s: %w", sockPath, err)
	}

	local := NewLocal()
	srv := newServer(local, ln, logger)
	go srv.serve()

	return &host{
		Local:    local,
		srv:      srv,
		lockFile: lockFile,
		sockPath: sockPath,
	}, nil
}

// Close stops serving attached processes and releases the host role.
func (h *host) Close() error {
	h.srv.close()
	_ = os.Remove(h.sockPath)
	err := unlockFile(h.lockFile)
	if cerr := h.lockFile.Close(); err == nil {
		err = cerr
	}
	if lerr := h.Local.Close(); err == nil {
		err = lerr
	}
	return err
}

var (
	_ Arena = (*host)(nil)
	_ Arena = (*client)(nil)
	_ Arena = (*Local)(nil)
)
