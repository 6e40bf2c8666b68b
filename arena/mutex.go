package arena

import (
	"context"
	"sync"
)

// fairMutex is a FIFO-fair, non-reentrant mutex with context support.
//
// Waiters are granted the lock in arrival order. A waiter whose context is
// canceled after the grant raced in hands the lock to the next waiter.
type fairMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

func newFairMutex() *fairMutex { return &fairMutex{} }

// Lock blocks until the mutex is acquired or ctx is done.
func (m *fairMutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked && len(m.waiters) == 0 {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	grant := make(chan struct{}, 1)
	m.waiters = append(m.waiters, grant)
	m.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-grant:
			// Granted while we were bailing out; pass it on.
			m.grantNextLocked()
			m.mu.Unlock()
			return ctx.Err()
		default:
		}
		for i, w := range m.waiters {
			if w == grant {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Unlock releases the mutex, waking the oldest waiter if any.
// Unlocking an unlocked mutex panics, as with sync.Mutex.
func (m *fairMutex) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		panic("arena: unlock of unlocked mutex")
	}
	m.grantNextLocked()
	return nil
}

// grantNextLocked passes ownership to the head waiter, or marks the mutex
// free. Caller holds m.mu and the lock ownership.
func (m *fairMutex) grantNextLocked() {
	if len(m.waiters) == 0 {
		m.locked = false
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	next <- struct{}{}
}
