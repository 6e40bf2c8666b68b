package snapkv

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when an operation is issued on a store
	// that has not been initialized.
	ErrNotReady = errors.New("store not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("store already initialized")

	// ErrFinalized is returned for operations on a finalized store.
	ErrFinalized = errors.New("store finalized")
)

// stateError wraps a lifecycle sentinel with the namespace and operation.
// These are contract violations by the caller, not recoverable runtime
// conditions.
func stateError(sentinel error, namespace, op string) error {
	return fmt.Errorf("snapkv: %s %s: %w", op, namespace, sentinel)
}
