package pool

import (
	"errors"
	"fmt"

	"github.com/seantiz/kiln/internal/backend"
)

var (
	// ErrNotReady matches every *NotReadyError.
	ErrNotReady = errors.New("warm container not ready")

	// ErrClosed is returned once DestroyAll has run.
	ErrClosed = errors.New("pool closed")

	// errRecheck is returned by the no-op build a waiter registers when it
	// joins an in-flight build; it tells the waiter to look at the entry again.
	errRecheck = errors.New("recheck entry")
)

// NotReadyError is returned by TryAcquire when the key's container is being
// built or is in use. Image is the key's warm image when one exists, so the
// caller can start a request-scoped container from it.
type NotReadyError struct {
	Key   Key
	State State
	Image backend.ImageRef
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("warm container for %s is %s", e.Key, e.State)
}

// Is reports whether target is ErrNotReady.
func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// PoolError is the failure of a warm build. Every caller that joined the same
// build receives the same *PoolError.
type PoolError struct {
	Key Key
	Err error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("warm %s: %v", e.Key, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}
