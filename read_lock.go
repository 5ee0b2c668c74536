package relock

import (
	"context"
	"fmt"
	"time"
)

// ReadLock is the shared view of an RWLock. It satisfies sync.Locker.
//
// Any number of goroutines may hold it concurrently while no goroutine
// holds the write lock, and each holder may stack reentrant holds that must
// be unwound by matching Unlock calls. The write-lock owner may also take
// the read lock, which is the supported downgrade path.
type ReadLock struct {
	rw *RWLock
}

// Lock acquires the read lock, parking the calling goroutine in FIFO order
// until no writer is in the way.
func (rl *ReadLock) Lock() {
	_ = rl.rw.sync.q.acquireShared(gid(), nil)
}

// LockContext acquires the read lock unless ctx is cancelled first. A ctx
// that is already cancelled aborts the attempt before acquiring anything.
// On cancellation the queue node is unlinked and ctx.Err() returned; the
// lock is not held.
func (rl *ReadLock) LockContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rl.rw.sync.q.acquireShared(gid(), ctx.Done()); err != nil {
		return ctx.Err()
	}
	return nil
}

// TryLock acquires the read lock only if it is obtainable right now. It
// barges: it never defers to queued goroutines, even on a fair lock. Use
// TryLockFor to attempt without breaking fairness.
func (rl *ReadLock) TryLock() bool {
	return rl.rw.sync.tryReadLock(gid())
}

// TryLockFor acquires the read lock, giving up after the timeout. Unlike
// TryLock it honors the lock's fairness policy while waiting.
func (rl *ReadLock) TryLockFor(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return rl.LockContext(ctx) == nil
}

// Unlock releases one read hold. If this drops the lock to fully free, the
// longest-waiting goroutine is woken. Panics if the calling goroutine holds
// no read locks.
func (rl *ReadLock) Unlock() {
	rl.rw.sync.q.releaseShared(gid())
}

// NewCondition always panics: read holders are anonymous and plural, so
// there is no single owner to release and restore around a wait.
func (rl *ReadLock) NewCondition() *Condition {
	panic(panicReadCondition)
}

func (rl *ReadLock) String() string {
	return fmt.Sprintf("ReadLock[reads = %d]",
		sharedCount(rl.rw.sync.q.state.Load()))
}
