package broker

import (
	"context"
	"fmt"
)

// Semaphore is a counting semaphore with timed/cancellable acquisition,
// built on a buffered channel in the goroutine+channel idiom used throughout
// the runtime/agent/engine package (futures racing ctx.Done()
// against a ready channel). golang.org/x/sync appears in go.mod only as an
// indirect dependency and no package here imports its semaphore or
// singleflight, so this one small type is hand-rolled.
type Semaphore struct {
	slots    chan struct{}
	capacity int
}

// NewSemaphore creates a semaphore with the given capacity. Capacity must be
// >= 1; the Config layer (C1) is responsible for rejecting smaller values.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{slots: make(chan struct{}, capacity), capacity: capacity}
}

// Capacity returns the semaphore's configured capacity.
func (s *Semaphore) Capacity() int { return s.capacity }

// Acquire blocks until a slot is available or ctx is done, whichever comes
// first. A non-nil error means no slot was acquired.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. It reports ok=false (a "SemaphoreCorruption"
// condition) if called without a matching prior Acquire;
// callers must log this at ERROR with full context and continue rather than
// panic the process.
func (s *Semaphore) Release() (ok bool) {
	select {
	case <-s.slots:
		return true
	default:
		return false
	}
}

// InUse reports the number of currently held slots, for telemetry/metrics.
func (s *Semaphore) InUse() int { return len(s.slots) }

func (s *Semaphore) String() string {
	return fmt.Sprintf("semaphore(%d/%d)", s.InUse(), s.capacity)
}
