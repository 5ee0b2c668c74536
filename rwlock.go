// Package relock provides a reentrant reader-writer lock with a selectable
// fairness policy, in the spirit of java.util.concurrent's
// ReentrantReadWriteLock.
//
// Unlike sync.RWMutex, the lock is reentrant: the goroutine holding the
// write lock may take it (and the read lock) again, and a goroutine holding
// the read lock may stack further read holds. Downgrading from the write
// lock to the read lock is supported; upgrading is not and deadlocks by
// design. The write lock also supports condition variables.
//
// Acquisition order is governed by the fairness mode chosen at
// construction: nonfair locks allow barging for throughput, fair locks
// grant strictly in arrival order.
package relock

import (
	"fmt"
	"sync/atomic"

	"github.com/llxisdsh/pb"
)

// Packed lock state: two saturating 16-bit counters in one atomic word.
// The low half counts exclusive (write) holds, the high half shared (read)
// holds. state == 0 means unlocked.
const (
	countBits  = 16
	countMask  = 1<<countBits - 1
	sharedUnit = 1 << countBits
	maxCount   = countMask
)

func exclusiveCount(s uint32) uint32 { return s & countMask }
func sharedCount(s uint32) uint32    { return s >> countBits }

const (
	panicWriteOverflow = "relock: write hold count overflow"
	panicReadOverflow  = "relock: read hold count overflow"
	panicUnmatchedRead = "relock: read unlock of unheld read lock"
	panicNotWriteOwner = "relock: write lock not held by calling goroutine"
	panicNilCondition  = "relock: nil condition"
	panicWrongLockCond = "relock: condition is not bound to this lock"
	panicReadCondition = "relock: read locks do not support conditions"
)

// RWLock is a reentrant reader-writer lock.
//
// The zero value is not usable; construct with New or NewFair. A single
// RWLock exposes two facades over one packed state word: ReadLock() for
// shared access and WriteLock() for exclusive access. The lock persists for
// the lifetime of the resource it protects; per-goroutine read-hold
// counters come and go as goroutines acquire and release.
type RWLock struct {
	_      noCopy
	sync   lockSync
	reader ReadLock
	writer WriteLock
}

// New creates a nonfair RWLock: writers may always barge ahead of queued
// goroutines, and readers defer only to a writer at the head of the queue.
// This is the higher-throughput mode and the analogue of the default
// ReentrantReadWriteLock.
func New() *RWLock {
	return newRWLock(nonfairPolicy{})
}

// NewFair creates a fair RWLock: both readers and writers defer to any
// earlier-arrived waiter, so grants follow strict arrival order. Reentrant
// re-acquisition by a current holder is exempt and never queues.
func NewFair() *RWLock {
	return newRWLock(fairPolicy{})
}

func newRWLock(f fairness) *RWLock {
	rw := &RWLock{}
	rw.sync.fair = f
	rw.sync.q.ops = &rw.sync
	rw.reader.rw = rw
	rw.writer.rw = rw
	return rw
}

// ReadLock returns the shared view of this lock.
func (rw *RWLock) ReadLock() *ReadLock { return &rw.reader }

// WriteLock returns the exclusive view of this lock.
func (rw *RWLock) WriteLock() *WriteLock { return &rw.writer }

// IsFair reports whether this lock grants in strict arrival order.
func (rw *RWLock) IsFair() bool {
	_, fair := rw.sync.fair.(fairPolicy)
	return fair
}

// ReadLockCount returns the total number of read holds across all
// goroutines. The value is a snapshot; it is stale by the time it returns
// and is meant for monitoring, not for synchronization decisions.
func (rw *RWLock) ReadLockCount() int {
	return int(sharedCount(rw.sync.q.state.Load()))
}

// IsWriteLocked reports whether any goroutine holds the write lock.
func (rw *RWLock) IsWriteLocked() bool {
	return exclusiveCount(rw.sync.q.state.Load()) != 0
}

// IsWriteLockedByCaller reports whether the calling goroutine holds the
// write lock.
func (rw *RWLock) IsWriteLockedByCaller() bool {
	return rw.sync.owner.Load() == gid()
}

// WriteHoldCount returns the calling goroutine's reentrant write hold
// count, or 0 if it does not hold the write lock.
func (rw *RWLock) WriteHoldCount() int {
	if rw.sync.owner.Load() != gid() {
		return 0
	}
	return int(exclusiveCount(rw.sync.q.state.Load()))
}

// ReadHoldCount returns the calling goroutine's reentrant read hold count,
// or 0 if it holds no read locks.
func (rw *RWLock) ReadHoldCount() int {
	return rw.sync.readHoldCountOf(gid())
}

// QueueLength returns the number of goroutines parked waiting for either
// lock mode. Snapshot only.
func (rw *RWLock) QueueLength() int {
	return rw.sync.q.queueLength()
}

// HasQueued reports whether any goroutine is parked waiting for this lock.
func (rw *RWLock) HasQueued() bool {
	return rw.sync.q.hasQueued()
}

// HasQueuedGoroutine reports whether the goroutine with the given id is
// parked waiting for this lock.
func (rw *RWLock) HasQueuedGoroutine(id int64) bool {
	return rw.sync.q.isQueued(id)
}

// QueuedGoroutines returns the ids of all parked goroutines in arrival
// order, longest-waiting first. Snapshot only.
func (rw *RWLock) QueuedGoroutines() []int64 {
	return rw.sync.q.queuedGoroutines()
}

// HasWaiters reports whether any goroutine is waiting on c. The calling
// goroutine must hold the write lock, and c must have been produced by this
// lock's WriteLock().NewCondition().
func (rw *RWLock) HasWaiters(c *Condition) bool {
	rw.checkCondition(c)
	return c.HasWaiters()
}

// WaitQueueLength returns the number of goroutines waiting on c, under the
// same requirements as HasWaiters.
func (rw *RWLock) WaitQueueLength(c *Condition) int {
	rw.checkCondition(c)
	return c.WaitQueueLength()
}

// WaitingGoroutines returns the ids of all goroutines waiting on c in
// arrival order, under the same requirements as HasWaiters.
func (rw *RWLock) WaitingGoroutines(c *Condition) []int64 {
	rw.checkCondition(c)
	return c.WaitingGoroutines()
}

func (rw *RWLock) checkCondition(c *Condition) {
	if c == nil {
		panic(panicNilCondition)
	}
	if c.rw != rw {
		panic(panicWrongLockCond)
	}
}

func (rw *RWLock) String() string {
	s := rw.sync.q.state.Load()
	return fmt.Sprintf("RWLock[writes = %d, reads = %d]",
		exclusiveCount(s), sharedCount(s))
}

// fairness decides whether a goroutine on the contended acquire path must
// defer to goroutines already queued. It is never consulted on reentrant
// fast paths, so re-acquisition by a current holder cannot be starved by
// the policy.
type fairness interface {
	writerShouldBlock(s *lockSync, id int64) bool
	readerShouldBlock(s *lockSync, id int64) bool
}

// nonfairPolicy lets writers barge unconditionally. Readers are held back
// only when the longest-waiting goroutine is a writer, which bounds writer
// starvation without serializing readers behind every queued writer.
type nonfairPolicy struct{}

func (nonfairPolicy) writerShouldBlock(*lockSync, int64) bool { return false }

func (nonfairPolicy) readerShouldBlock(s *lockSync, _ int64) bool {
	return s.q.firstQueuedIsExclusive()
}

// fairPolicy defers to any earlier-arrived waiter in both modes.
type fairPolicy struct{}

func (fairPolicy) writerShouldBlock(s *lockSync, id int64) bool {
	return s.q.hasQueuedPredecessors(id)
}

func (fairPolicy) readerShouldBlock(s *lockSync, id int64) bool {
	return s.q.hasQueuedPredecessors(id)
}

// holdCounter tracks one goroutine's outstanding read holds. The count is
// only ever mutated by the goroutine it belongs to; id is immutable. Other
// goroutines may hold a stale pointer to it through the cache below but
// never read the count through it.
type holdCounter struct {
	id    int64
	count int32
}

// lockSync is the state-transition policy behind both lock facades. It
// implements the transitions interface consumed by syncQueue and carries
// the reader accounting.
type lockSync struct {
	q    syncQueue
	fair fairness

	// owner is the id of the goroutine holding the write lock, 0 if none.
	// Set by the CAS winner on the 0→1 exclusive transition, cleared before
	// the zeroed exclusive count is published, so no observer ever sees
	// "owner present, exclusive count zero".
	owner atomic.Int64

	// firstReader caches the single goroutine that last moved the shared
	// count 0→1 and has not fully released since; firstReaderHolds is its
	// reentrant count. Valid only while that invariant holds.
	firstReader      atomic.Int64
	firstReaderHolds atomic.Int32

	// cached is a best-effort pointer to the hold counter of the goroutine
	// most likely to release next. Never authoritative: every use re-checks
	// the id and falls back to readHolds.
	cached atomic.Pointer[holdCounter]

	// readHolds maps goroutine id → read hold counter for every goroutine
	// beyond the first reader. Entries are created lazily and deleted when
	// the count returns to zero, so the map stays bounded without any
	// goroutine-exit hook.
	readHolds pb.MapOf[int64, *holdCounter]
}

// tryAcquire attempts one exclusive transition.
//
// The reentrant branch never needs a CAS: only the owner can be executing
// it, and no other goroutine can CAS the word while the exclusive count is
// nonzero.
func (s *lockSync) tryAcquire(id int64, acquires uint32) bool {
	c := s.q.state.Load()
	if c != 0 {
		w := exclusiveCount(c)
		if w == 0 || s.owner.Load() != id {
			return false
		}
		if w+acquires > maxCount {
			panic(panicWriteOverflow)
		}
		s.q.state.Store(c + acquires)
		return true
	}
	if s.fair.writerShouldBlock(s, id) {
		return false
	}
	if !s.q.state.CompareAndSwap(0, acquires) {
		return false
	}
	s.owner.Store(id)
	return true
}

// tryRelease subtracts releases write holds and reports whether the lock
// became fully free. Ownership has been verified by the caller.
func (s *lockSync) tryRelease(releases uint32) bool {
	c := s.q.state.Load()
	next := c - releases
	free := exclusiveCount(next) == 0
	if free {
		s.owner.Store(0)
	}
	s.q.state.Store(next)
	return free
}

// tryAcquireShared attempts one shared transition: a fast single CAS when
// the policy permits, otherwise the full loop.
func (s *lockSync) tryAcquireShared(id int64) bool {
	c := s.q.state.Load()
	if exclusiveCount(c) != 0 && s.owner.Load() != id {
		return false
	}
	r := sharedCount(c)
	if !s.fair.readerShouldBlock(s, id) && r < maxCount &&
		s.q.state.CompareAndSwap(c, c+sharedUnit) {
		s.noteRead(id, r)
		return true
	}
	return s.fullTryAcquireShared(id)
}

// fullTryAcquireShared is the slow path, handling CAS retries plus the two
// cases the fast path cannot: the write-lock owner taking read locks (the
// downgrade path must not block behind the owner's own queue position), and
// reentrant readers, who must not be refused while writers are queued or
// they would deadlock with a writer that is waiting for them to drain.
func (s *lockSync) fullTryAcquireShared(id int64) bool {
	for {
		c := s.q.state.Load()
		if exclusiveCount(c) != 0 {
			if s.owner.Load() != id {
				return false
			}
		} else if s.fair.readerShouldBlock(s, id) {
			if s.readHoldCountOf(id) == 0 {
				return false
			}
		}
		r := sharedCount(c)
		if r == maxCount {
			panic(panicReadOverflow)
		}
		if s.q.state.CompareAndSwap(c, c+sharedUnit) {
			s.noteRead(id, r)
			return true
		}
	}
}

// tryReleaseShared drops one of the caller's read holds and reports whether
// the lock became fully free. Panics, mutating nothing, if the caller holds
// no read locks.
func (s *lockSync) tryReleaseShared(id int64) bool {
	if s.firstReader.Load() == id {
		if s.firstReaderHolds.Load() == 1 {
			s.firstReader.Store(0)
		} else {
			s.firstReaderHolds.Add(-1)
		}
	} else {
		rh := s.cached.Load()
		if rh == nil || rh.id != id {
			rh = s.loadHoldCounter(id)
		}
		if rh == nil || rh.count == 0 {
			panic(panicUnmatchedRead)
		}
		rh.count--
		if rh.count == 0 {
			s.readHolds.Delete(id)
		}
	}
	for {
		c := s.q.state.Load()
		next := c - sharedUnit
		if s.q.state.CompareAndSwap(c, next) {
			return next == 0
		}
	}
}

// tryWriteLock is the barging write attempt used by TryLock: a single CAS
// with no fairness consultation.
func (s *lockSync) tryWriteLock(id int64) bool {
	c := s.q.state.Load()
	if c != 0 {
		w := exclusiveCount(c)
		if w == 0 || s.owner.Load() != id {
			return false
		}
		if w == maxCount {
			panic(panicWriteOverflow)
		}
	}
	if !s.q.state.CompareAndSwap(c, c+1) {
		return false
	}
	s.owner.Store(id)
	return true
}

// tryReadLock is the barging read attempt used by TryLock: it retries CAS
// failures but never consults the fairness policy.
func (s *lockSync) tryReadLock(id int64) bool {
	for {
		c := s.q.state.Load()
		if exclusiveCount(c) != 0 && s.owner.Load() != id {
			return false
		}
		r := sharedCount(c)
		if r == maxCount {
			panic(panicReadOverflow)
		}
		if s.q.state.CompareAndSwap(c, c+sharedUnit) {
			s.noteRead(id, r)
			return true
		}
	}
}

// noteRead records a successful shared acquisition in the reader
// accounting. prior is the shared count the winning CAS observed.
func (s *lockSync) noteRead(id int64, prior uint32) {
	if prior == 0 {
		s.firstReader.Store(id)
		s.firstReaderHolds.Store(1)
		return
	}
	if s.firstReader.Load() == id {
		s.firstReaderHolds.Add(1)
		return
	}
	rh := s.cached.Load()
	if rh == nil || rh.id != id {
		rh = s.holdCounterFor(id)
		s.cached.Store(rh)
	} else if rh.count == 0 {
		// The cached counter survived its map entry; put it back before
		// counting against it again.
		s.installHoldCounter(rh)
	}
	rh.count++
}

func (s *lockSync) readHoldCountOf(id int64) int {
	if s.firstReader.Load() == id {
		return int(s.firstReaderHolds.Load())
	}
	if rh := s.cached.Load(); rh != nil && rh.id == id {
		return int(rh.count)
	}
	if rh := s.loadHoldCounter(id); rh != nil {
		return int(rh.count)
	}
	return 0
}

// holdCounterFor returns the caller's hold counter, creating and storing a
// fresh one if absent.
func (s *lockSync) holdCounterFor(id int64) *holdCounter {
	var rh *holdCounter
	s.readHolds.ProcessEntry(id,
		func(e *pb.EntryOf[int64, *holdCounter]) (*pb.EntryOf[int64, *holdCounter], *holdCounter, bool) {
			if e != nil {
				rh = e.Value
				return e, rh, true
			}
			rh = &holdCounter{id: id}
			return &pb.EntryOf[int64, *holdCounter]{Value: rh}, rh, false
		})
	return rh
}

func (s *lockSync) loadHoldCounter(id int64) *holdCounter {
	var rh *holdCounter
	s.readHolds.ProcessEntry(id,
		func(e *pb.EntryOf[int64, *holdCounter]) (*pb.EntryOf[int64, *holdCounter], *holdCounter, bool) {
			if e != nil {
				rh = e.Value
				return e, rh, true
			}
			return nil, nil, false
		})
	return rh
}

func (s *lockSync) installHoldCounter(rh *holdCounter) {
	s.readHolds.ProcessEntry(rh.id,
		func(e *pb.EntryOf[int64, *holdCounter]) (*pb.EntryOf[int64, *holdCounter], *holdCounter, bool) {
			if e != nil {
				return e, e.Value, true
			}
			return &pb.EntryOf[int64, *holdCounter]{Value: rh}, rh, false
		})
}

// isHeldExclusively reports whether the given goroutine owns the write
// lock; conditions gate on this.
func (s *lockSync) isHeldExclusively(id int64) bool {
	return s.owner.Load() == id
}
