package relock

import (
	"sync/atomic"
)

// ticketLock is a fair, FIFO (First-In-First-Out) spin-lock guarding the
// intrusive waiter lists in this package.
//
// Unlike sync.Mutex, which allows "barging" (newcomers can steal the lock),
// ticketLock guarantees that goroutines acquire the lock in the exact order
// they called lock(). The fairness of the wait queue itself therefore never
// depends on an unfair internal mutex.
//
// It uses the classic "ticket" algorithm:
//   - lock(): Takes a ticket number. Spins/Sleeps until `serving` == `my_ticket`.
//   - unlock(): Increments `serving`, allowing the next ticket holder to proceed.
//
// The critical sections it protects are a few pointer updates, which is the
// regime ticket locks are suited for.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

// lock acquires the lock. Blocks until the lock is available.
func (m *ticketLock) lock() {
	my := m.next.Add(1) - 1
	var spins int
	for {
		if m.serving.Load() == my {
			return
		}
		delay(&spins)
	}
}

// unlock releases the lock.
func (m *ticketLock) unlock() {
	m.serving.Add(1)
}
