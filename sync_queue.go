package relock

import (
	"errors"
	"sync/atomic"

	"github.com/llxisdsh/relock/internal/opt"
)

// errCancelled reports that a queued acquisition was abandoned because its
// cancellation channel fired before the lock was granted. It never escapes
// the package API: callers translate it into ctx.Err() or a false return.
var errCancelled = errors.New("relock: acquire cancelled")

// transitions is the state-transition policy a syncQueue sequences.
//
// Implementations attempt a single atomic transition of the queue's state
// word and report whether it took effect. They must not block and must not
// touch the queue's internal mutex; the queue itself turns failed attempts
// into FIFO parking.
//
// tryRelease and tryReleaseShared report whether the state word is now fully
// free, which is the queue's cue to wake the head waiter.
type transitions interface {
	tryAcquire(id int64, acquires uint32) bool
	tryRelease(releases uint32) bool
	tryAcquireShared(id int64) bool
	tryReleaseShared(id int64) bool
}

// waiter is one goroutine parked in a syncQueue, linked in arrival order.
//
// wake has capacity 1 and carries retry permissions, not ownership: a waiter
// receiving on it re-runs the try-transition and may lose to a barging
// goroutine, in which case it parks again. Only the owning goroutine ever
// unlinks its node; the links are guarded by the queue mutex.
type waiter struct {
	prev, next *waiter
	id         int64
	shared     bool
	wake       chan struct{}
}

// syncQueue pairs a single word of synchronization state with a FIFO queue
// of parked waiters. It is the generic sequencing layer under RWLock:
// all exclusive/shared semantics live in the transitions implementation,
// the queue only decides who gets to retry, and when.
//
// Wake protocol:
//   - A release that leaves the state fully free wakes the head waiter.
//   - A shared waiter that gets in pulls the next waiter in behind it if
//     that waiter is also shared, so a cohort of readers drains in one wave.
//   - A cancelled waiter holding a raced-in wake forwards it to the new
//     head, so a grant is never lost to a timeout.
type syncQueue struct {
	state atomic.Uint32
	// Keep the CAS-hammered state word off the cache line the queue
	// bookkeeping lives on.
	_ [opt.CacheLineSize_ - 4]byte

	ops  transitions
	mu   ticketLock
	head *waiter
	tail *waiter
	n    int
}

func (q *syncQueue) acquireExclusive(id int64, acquires uint32, done <-chan struct{}) error {
	return q.acquire(id, acquires, false, done)
}

func (q *syncQueue) acquireShared(id int64, done <-chan struct{}) error {
	return q.acquire(id, 0, true, done)
}

// releaseExclusive applies an exclusive release and wakes the head waiter
// if the state word became fully free.
func (q *syncQueue) releaseExclusive(releases uint32) bool {
	if q.ops.tryRelease(releases) {
		q.mu.lock()
		q.signalHeadLocked()
		q.mu.unlock()
		return true
	}
	return false
}

// releaseShared applies a shared release and wakes the head waiter if the
// state word became fully free.
func (q *syncQueue) releaseShared(id int64) bool {
	if q.ops.tryReleaseShared(id) {
		q.mu.lock()
		q.signalHeadLocked()
		q.mu.unlock()
		return true
	}
	return false
}

func (q *syncQueue) try(id int64, acquires uint32, shared bool) bool {
	if shared {
		return q.ops.tryAcquireShared(id)
	}
	return q.ops.tryAcquire(id, acquires)
}

// acquire obtains the state in the requested mode, parking in FIFO order
// until it succeeds or done fires. A nil done means wait forever.
func (q *syncQueue) acquire(id int64, acquires uint32, shared bool, done <-chan struct{}) error {
	if q.try(id, acquires, shared) {
		return nil
	}

	w := &waiter{id: id, shared: shared, wake: make(chan struct{}, 1)}
	q.mu.lock()
	q.pushLocked(w)
	q.mu.unlock()

	for {
		// Retry after every enqueue/wake. The post-enqueue retry closes the
		// window where a release ran between the failed fast path and the
		// enqueue: any release after the enqueue sees w and wakes it.
		if q.try(id, acquires, shared) {
			q.mu.lock()
			q.removeLocked(w)
			next := q.head
			q.mu.unlock()
			if shared && next != nil && next.shared {
				signal(next)
			}
			return nil
		}

		select {
		case <-w.wake:
			// Retry; losing the race to a barger just parks us again.
		case <-done:
			q.mu.lock()
			// Drain a wake that raced with cancellation; it belongs to the
			// queue, not to us.
			select {
			case <-w.wake:
			default:
			}
			q.removeLocked(w)
			// Always retry the new head: our departure may be exactly what
			// unblocks it, e.g. a reader that queued behind a now-gone
			// writer while the lock is read-held. Wakes are retry
			// permissions, so a spurious one is harmless.
			q.signalHeadLocked()
			q.mu.unlock()
			return errCancelled
		}
	}
}

func signal(w *waiter) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (q *syncQueue) signalHeadLocked() {
	if q.head != nil {
		signal(q.head)
	}
}

func (q *syncQueue) pushLocked(w *waiter) {
	w.prev = q.tail
	if q.tail == nil {
		q.head = w
	} else {
		q.tail.next = w
	}
	q.tail = w
	q.n++
}

func (q *syncQueue) removeLocked(w *waiter) {
	if w.prev == nil {
		q.head = w.next
	} else {
		w.prev.next = w.next
	}
	if w.next == nil {
		q.tail = w.prev
	} else {
		w.next.prev = w.prev
	}
	w.prev = nil
	w.next = nil
	q.n--
}

// hasQueuedPredecessors reports whether a goroutine other than the caller
// arrived earlier and is still waiting. A waiter that has reached the head
// of the queue has no predecessors, so fair-mode retries by the head are
// never refused by their own queue position.
func (q *syncQueue) hasQueuedPredecessors(id int64) bool {
	q.mu.lock()
	h := q.head
	blocked := h != nil && h.id != id
	q.mu.unlock()
	return blocked
}

// firstQueuedIsExclusive reports whether the longest-waiting goroutine, if
// any, wants the state exclusively. This is the nonfair reader heuristic:
// it bounds writer starvation without serializing readers behind every
// queued writer.
func (q *syncQueue) firstQueuedIsExclusive() bool {
	q.mu.lock()
	h := q.head
	excl := h != nil && !h.shared
	q.mu.unlock()
	return excl
}

func (q *syncQueue) isQueued(id int64) bool {
	q.mu.lock()
	defer q.mu.unlock()
	for w := q.head; w != nil; w = w.next {
		if w.id == id {
			return true
		}
	}
	return false
}

func (q *syncQueue) queueLength() int {
	q.mu.lock()
	n := q.n
	q.mu.unlock()
	return n
}

func (q *syncQueue) hasQueued() bool {
	return q.queueLength() > 0
}

// queuedGoroutines returns the ids of all waiting goroutines in arrival
// order, longest-waiting first.
func (q *syncQueue) queuedGoroutines() []int64 {
	q.mu.lock()
	defer q.mu.unlock()
	ids := make([]int64, 0, q.n)
	for w := q.head; w != nil; w = w.next {
		ids = append(ids, w.id)
	}
	return ids
}
