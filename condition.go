package relock

import (
	"context"
	"time"
)

// condWaiter is one goroutine parked on a Condition, linked in arrival
// order. signalled is guarded by the condition's mutex; ch has capacity 1
// and receives exactly one token, from Signal or Broadcast.
type condWaiter struct {
	next      *condWaiter
	id        int64
	ch        chan struct{}
	signalled bool
}

// Condition is a condition variable bound to an RWLock's write lock,
// obtained from WriteLock().NewCondition().
//
// Every method requires the calling goroutine to hold the write lock and
// panics otherwise. Wait fully releases the write lock, including all
// reentrant holds, parks until signalled, then re-acquires the lock and
// restores the saved hold count before returning. The cancellable variants
// also re-acquire before returning, so on return the lock is always held.
//
// Waiters are signalled in FIFO arrival order.
type Condition struct {
	rw   *RWLock
	mu   ticketLock
	head *condWaiter
	tail *condWaiter
}

// Wait atomically releases the write lock and parks until Signal or
// Broadcast. Unlike sync.Cond, there are no spurious wakeups: every return
// was produced by a signal. The usual re-check loop still applies when
// several waiters compete for the predicate.
func (c *Condition) Wait() {
	_ = c.await(nil)
}

// WaitContext is Wait with cancellation. A ctx that is already cancelled
// returns immediately without releasing anything. On cancellation mid-wait
// the write lock is re-acquired before ctx.Err() is returned; a signal that
// raced with the cancellation wins, and WaitContext returns nil.
func (c *Condition) WaitContext(ctx context.Context) error {
	id := gid()
	if !c.rw.sync.isHeldExclusively(id) {
		panic(panicNotWriteOwner)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.await(ctx.Done()); err != nil {
		return ctx.Err()
	}
	return nil
}

// WaitFor is Wait with a timeout. It reports whether the wait ended by
// signal rather than timeout; either way the write lock is held on return.
func (c *Condition) WaitFor(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.WaitContext(ctx) == nil
}

func (c *Condition) await(done <-chan struct{}) error {
	s := &c.rw.sync
	id := gid()
	if !s.isHeldExclusively(id) {
		panic(panicNotWriteOwner)
	}

	w := &condWaiter{id: id, ch: make(chan struct{}, 1)}
	c.mu.lock()
	c.pushLocked(w)
	c.mu.unlock()

	// Release the entire packed state. Competing read holds cannot appear
	// until the stores below publish a zero exclusive count, so the load is
	// stable; any shared holds in it are the owner's own downgrade holds
	// and travel with the saved word.
	saved := s.q.state.Load()
	s.q.releaseExclusive(saved)

	var err error
	select {
	case <-w.ch:
	case <-done:
		c.mu.lock()
		if w.signalled {
			// The signal won the race; consume it as a normal wakeup.
			c.mu.unlock()
		} else {
			c.removeLocked(w)
			c.mu.unlock()
			err = errCancelled
		}
	}

	// Re-acquire with the saved word, restoring the hold count in the same
	// CAS that re-takes the lock. Uninterruptible: the caller must hold the
	// lock when we return, cancelled or not.
	_ = s.q.acquireExclusive(id, saved, nil)
	return err
}

// Signal wakes the longest-waiting goroutine on this condition, if any.
func (c *Condition) Signal() {
	if !c.rw.sync.isHeldExclusively(gid()) {
		panic(panicNotWriteOwner)
	}
	c.mu.lock()
	if w := c.head; w != nil {
		c.popLocked()
		w.signalled = true
		w.ch <- struct{}{}
	}
	c.mu.unlock()
}

// Broadcast wakes all goroutines waiting on this condition.
func (c *Condition) Broadcast() {
	if !c.rw.sync.isHeldExclusively(gid()) {
		panic(panicNotWriteOwner)
	}
	c.mu.lock()
	for w := c.head; w != nil; w = w.next {
		w.signalled = true
		w.ch <- struct{}{}
	}
	c.head = nil
	c.tail = nil
	c.mu.unlock()
}

// HasWaiters reports whether any goroutine is waiting on this condition.
// The calling goroutine must hold the write lock.
func (c *Condition) HasWaiters() bool {
	return c.WaitQueueLength() > 0
}

// WaitQueueLength returns the number of goroutines waiting on this
// condition. The calling goroutine must hold the write lock.
func (c *Condition) WaitQueueLength() int {
	if !c.rw.sync.isHeldExclusively(gid()) {
		panic(panicNotWriteOwner)
	}
	c.mu.lock()
	n := 0
	for w := c.head; w != nil; w = w.next {
		n++
	}
	c.mu.unlock()
	return n
}

// WaitingGoroutines returns the ids of all goroutines waiting on this
// condition in arrival order. The calling goroutine must hold the write
// lock.
func (c *Condition) WaitingGoroutines() []int64 {
	if !c.rw.sync.isHeldExclusively(gid()) {
		panic(panicNotWriteOwner)
	}
	c.mu.lock()
	var ids []int64
	for w := c.head; w != nil; w = w.next {
		ids = append(ids, w.id)
	}
	c.mu.unlock()
	return ids
}

func (c *Condition) pushLocked(w *condWaiter) {
	if c.tail == nil {
		c.head = w
	} else {
		c.tail.next = w
	}
	c.tail = w
}

func (c *Condition) popLocked() {
	w := c.head
	c.head = w.next
	if c.head == nil {
		c.tail = nil
	}
	w.next = nil
}

func (c *Condition) removeLocked(w *condWaiter) {
	var prev *condWaiter
	for n := c.head; n != nil; n = n.next {
		if n == w {
			if prev == nil {
				c.head = n.next
			} else {
				prev.next = n.next
			}
			if c.tail == n {
				c.tail = prev
			}
			n.next = nil
			return
		}
		prev = n
	}
}
