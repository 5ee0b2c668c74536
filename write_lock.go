package relock

import (
	"context"
	"fmt"
	"time"
)

// WriteLock is the exclusive view of an RWLock. It satisfies sync.Locker.
//
// Exactly one goroutine may own it, reentrantly: each additional Lock by
// the owner increments a hold count that matching Unlock calls must unwind
// before the lock becomes available to others. While holding it, the owner
// may also take the read lock and then release the write lock to downgrade
// without ever exposing the protected resource.
//
// Upgrading is not supported: a goroutine holding only the read lock that
// calls Lock here blocks behind its own unreleased read hold and
// self-deadlocks. Use TryLockFor if an upgrade attempt must be bounded.
type WriteLock struct {
	rw *RWLock
}

// Lock acquires the write lock, parking the calling goroutine in FIFO
// order until both counters are clear or the caller already owns it.
func (wl *WriteLock) Lock() {
	_ = wl.rw.sync.q.acquireExclusive(gid(), 1, nil)
}

// LockContext acquires the write lock unless ctx is cancelled first. A ctx
// that is already cancelled aborts the attempt before acquiring anything.
// On cancellation the queue node is unlinked and ctx.Err() returned; the
// lock is not held.
func (wl *WriteLock) LockContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := wl.rw.sync.q.acquireExclusive(gid(), 1, ctx.Done()); err != nil {
		return ctx.Err()
	}
	return nil
}

// TryLock acquires the write lock only if it is obtainable right now. It
// barges: it never defers to queued goroutines, even on a fair lock. Use
// TryLockFor to attempt without breaking fairness.
func (wl *WriteLock) TryLock() bool {
	return wl.rw.sync.tryWriteLock(gid())
}

// TryLockFor acquires the write lock, giving up after the timeout. Unlike
// TryLock it honors the lock's fairness policy while waiting.
func (wl *WriteLock) TryLockFor(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return wl.LockContext(ctx) == nil
}

// Unlock releases one write hold. When the hold count reaches zero the
// owner is cleared, the lock becomes fully free and the longest-waiting
// goroutine is woken. Panics if the calling goroutine is not the owner.
func (wl *WriteLock) Unlock() {
	if !wl.rw.sync.isHeldExclusively(gid()) {
		panic(panicNotWriteOwner)
	}
	wl.rw.sync.q.releaseExclusive(1)
}

// NewCondition returns a condition variable bound to this write lock.
func (wl *WriteLock) NewCondition() *Condition {
	return &Condition{rw: wl.rw}
}

// IsHeldByCaller reports whether the calling goroutine owns this lock.
func (wl *WriteLock) IsHeldByCaller() bool {
	return wl.rw.IsWriteLockedByCaller()
}

// HoldCount returns the calling goroutine's reentrant hold count, or 0.
func (wl *WriteLock) HoldCount() int {
	return wl.rw.WriteHoldCount()
}

func (wl *WriteLock) String() string {
	if owner := wl.rw.sync.owner.Load(); owner != 0 {
		return fmt.Sprintf("WriteLock[locked by goroutine %d]", owner)
	}
	return "WriteLock[unlocked]"
}
