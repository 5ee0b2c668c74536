package relock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// condWaiters returns the condition's wait-queue length, taking the write
// lock around the query as the API requires.
func condWaiters(rw *RWLock, c *Condition) int {
	rw.WriteLock().Lock()
	defer rw.WriteLock().Unlock()
	return c.WaitQueueLength()
}

func TestCondition_SignalWakes(t *testing.T) {
	rw := New()
	wl := rw.WriteLock()
	c := wl.NewCondition()

	ready := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		wl.Lock()
		for !ready {
			c.Wait()
		}
		wl.Unlock()
	}()

	waitUntil(t, "waiter to park", func() bool { return condWaiters(rw, c) == 1 })

	wl.Lock()
	ready = true
	c.Signal()
	wl.Unlock()
	<-done
}

func TestCondition_WaitReleasesLock(t *testing.T) {
	rw := New()
	wl := rw.WriteLock()
	c := wl.NewCondition()

	parked := make(chan struct{})
	woken := make(chan struct{})
	go func() {
		wl.Lock()
		close(parked)
		c.Wait()
		close(woken)
		wl.Unlock()
	}()
	<-parked

	// The waiter released the write lock, so it must be obtainable here.
	waitUntil(t, "lock release by waiter", func() bool { return tryWriteElsewhere(rw) })

	wl.Lock()
	if !rw.HasWaiters(c) {
		t.Fatalf("HasWaiters = false with a parked waiter")
	}
	c.Signal()
	select {
	case <-woken:
		t.Fatalf("waiter resumed before signaller released the lock")
	case <-time.After(20 * time.Millisecond):
	}
	wl.Unlock()
	<-woken
}

func TestCondition_RestoresReentrantHolds(t *testing.T) {
	rw := New()
	wl := rw.WriteLock()
	c := wl.NewCondition()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wl.Lock()
		wl.Lock()
		wl.Lock()
		c.Wait()
		if got := wl.HoldCount(); got != 3 {
			t.Errorf("HoldCount = %d after wakeup, want 3", got)
		}
		wl.Unlock()
		wl.Unlock()
		wl.Unlock()
	}()

	waitUntil(t, "waiter to park", func() bool { return condWaiters(rw, c) == 1 })
	wl.Lock()
	c.Signal()
	wl.Unlock()
	<-done

	if rw.IsWriteLocked() {
		t.Fatalf("write lock still held after waiter unwound")
	}
}

func TestCondition_SignalOrder(t *testing.T) {
	rw := New()
	wl := rw.WriteLock()
	c := wl.NewCondition()

	var order []int
	var woken atomic.Int32
	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wl.Lock()
			c.Wait()
			order = append(order, i)
			woken.Add(1)
			wl.Unlock()
		}()
		waitUntil(t, "waiter to park", func() bool { return condWaiters(rw, c) == i+1 })
	}

	// One at a time, so wake order is observable as append order.
	for i := range 3 {
		wl.Lock()
		c.Signal()
		wl.Unlock()
		waitUntil(t, "signalled waiter to run", func() bool {
			return int(woken.Load()) == i+1
		})
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("wake order = %v, want FIFO", order)
		}
	}
}

func TestCondition_Broadcast(t *testing.T) {
	rw := New()
	wl := rw.WriteLock()
	c := wl.NewCondition()

	const n = 4
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wl.Lock()
			c.Wait()
			wl.Unlock()
		}()
	}
	waitUntil(t, "waiters to park", func() bool { return condWaiters(rw, c) == n })

	wl.Lock()
	if got := len(rw.WaitingGoroutines(c)); got != n {
		t.Fatalf("WaitingGoroutines = %d ids, want %d", got, n)
	}
	c.Broadcast()
	if c.HasWaiters() {
		t.Fatalf("HasWaiters = true immediately after Broadcast")
	}
	wl.Unlock()
	wg.Wait()
}

func TestCondition_WaitForTimeout(t *testing.T) {
	rw := New()
	wl := rw.WriteLock()
	c := wl.NewCondition()

	wl.Lock()
	start := time.Now()
	if c.WaitFor(50 * time.Millisecond) {
		t.Fatalf("WaitFor reported a signal that never came")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("WaitFor returned after %v, before the timeout", elapsed)
	}
	// The lock must be held again after a timed-out wait.
	if got := wl.HoldCount(); got != 1 {
		t.Fatalf("HoldCount = %d after timeout, want 1", got)
	}
	if got := c.WaitQueueLength(); got != 0 {
		t.Fatalf("WaitQueueLength = %d after timeout, want 0", got)
	}
	wl.Unlock()
}

func TestCondition_WaitContextCancel(t *testing.T) {
	rw := New()
	wl := rw.WriteLock()
	c := wl.NewCondition()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() {
		wl.Lock()
		err := c.WaitContext(ctx)
		// Cancelled or not, the lock is held again here.
		if !wl.IsHeldByCaller() {
			t.Errorf("lock not held after cancelled wait")
		}
		wl.Unlock()
		errc <- err
	}()

	waitUntil(t, "waiter to park", func() bool { return condWaiters(rw, c) == 1 })
	cancel()
	if err := <-errc; err != context.Canceled {
		t.Fatalf("WaitContext = %v, want context.Canceled", err)
	}

	// A pre-cancelled context returns without releasing the lock.
	wl.Lock()
	if err := c.WaitContext(ctx); err != context.Canceled {
		t.Fatalf("pre-cancelled WaitContext = %v, want context.Canceled", err)
	}
	if got := wl.HoldCount(); got != 1 {
		t.Fatalf("HoldCount = %d after aborted wait, want 1", got)
	}
	wl.Unlock()
}

func TestCondition_ProducerConsumer(t *testing.T) {
	rw := New()
	wl := rw.WriteLock()
	notEmpty := wl.NewCondition()
	notFull := wl.NewCondition()

	const capacity = 4
	const total = 200
	var queue []int

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { // producer
		defer wg.Done()
		for i := range total {
			wl.Lock()
			for len(queue) == capacity {
				notFull.Wait()
			}
			queue = append(queue, i)
			notEmpty.Signal()
			wl.Unlock()
		}
	}()
	go func() { // consumer
		defer wg.Done()
		for i := range total {
			wl.Lock()
			for len(queue) == 0 {
				notEmpty.Wait()
			}
			got := queue[0]
			queue = queue[1:]
			if got != i {
				t.Errorf("consumed %d, want %d", got, i)
			}
			notFull.Signal()
			wl.Unlock()
		}
	}()
	wg.Wait()

	if len(queue) != 0 {
		t.Fatalf("queue has %d leftover items", len(queue))
	}
}

func TestCondition_NotOwnerPanics(t *testing.T) {
	rw := New()
	wl := rw.WriteLock()
	c := wl.NewCondition()

	mustPanic(t, panicNotWriteOwner, func() { c.Wait() })
	mustPanic(t, panicNotWriteOwner, func() { c.Signal() })
	mustPanic(t, panicNotWriteOwner, func() { c.Broadcast() })
	mustPanic(t, panicNotWriteOwner, func() { c.WaitQueueLength() })

	// Holding only the read lock is not ownership.
	rw.ReadLock().Lock()
	defer rw.ReadLock().Unlock()
	mustPanic(t, panicNotWriteOwner, func() { c.Wait() })
}

func TestCondition_ForeignConditionPanics(t *testing.T) {
	rw1 := New()
	rw2 := New()
	c := rw1.WriteLock().NewCondition()

	rw2.WriteLock().Lock()
	defer rw2.WriteLock().Unlock()
	mustPanic(t, panicWrongLockCond, func() { rw2.HasWaiters(c) })
	mustPanic(t, panicWrongLockCond, func() { rw2.WaitQueueLength(c) })
	mustPanic(t, panicNilCondition, func() { rw2.HasWaiters(nil) })
}
