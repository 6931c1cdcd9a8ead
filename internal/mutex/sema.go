package mutex

import (
	"sync"

	"vsta/internal/defs"
)

// waiter is one entry on a Sema's FIFO sleep queue. wake is buffered so the
// waker never blocks handing off the result, matching dq_sema's role of
// "the dequeueing waker performs the count bookkeeping on behalf of the
// woken thread" (spec.md §4.1).
type waiter struct {
	h     Holder
	wake  chan int
	intr  bool
	sema  *Sema
	dequd bool
	pri   defs.Pri
}

// Sema is the counting semaphore of spec.md §4.1: an integer count, a FIFO
// queue of blocked waiters, and an internal spinlock. Grounded on
// original_source's src/os/mach/mutex.c (q_sema/dq_sema/p_sema/cp_sema).
type Sema struct {
	mu    sync.Mutex
	count int
	queue []*waiter
}

// NewSema constructs a semaphore with the given initial count (spec.md
// default is 1, but callers may set any initial value).
func NewSema(initial int) *Sema {
	return &Sema{count: initial}
}

// sleeping records, per holder, which semaphore (and waiter record) they are
// currently queued on, so Cunsleep can find and forcibly dequeue them. This
// plays the role of the thread's own sleep-channel field in spec.md §3.
var (
	sleepingMu sync.Mutex
	sleeping   = map[Holder]*waiter{}
)

// P decrements the count; if the result is >= 0 it returns 0 immediately.
// Otherwise it queues the caller FIFO and blocks until woken by V or
// Cunsleep. pri selects whether the wait is interruptible; interruptibility
// only affects whether an asynchronous Cunsleep can wake this waiter early.
// P returns 0 when woken by V and 1 when woken by Cunsleep; Cunsleep never
// wakes a PRI_HI waiter.
func (s *Sema) P(h Holder, pri defs.Pri) int {
	AssertNoLocksHeld(h)
	s.mu.Lock()
	s.count--
	if s.count >= 0 {
		s.mu.Unlock()
		return 0
	}
	w := &waiter{h: h, wake: make(chan int, 1), sema: s, pri: pri}
	s.queue = append(s.queue, w)
	s.mu.Unlock()

	sleepingMu.Lock()
	sleeping[h] = w
	sleepingMu.Unlock()

	res := <-w.wake

	sleepingMu.Lock()
	if sleeping[h] == w {
		delete(sleeping, h)
	}
	sleepingMu.Unlock()
	return res
}

// V increments the count; if a waiter is queued, its head is dequeued and
// woken with result 0. The waker performs the count bookkeeping (it already
// happened at P time, matching the original's "dq_sema" convention of not
// re-touching the count on wake).
func (s *Sema) V() {
	s.mu.Lock()
	s.count++
	w := s.popHead()
	s.mu.Unlock()
	if w != nil {
		w.wake <- 0
	}
}

// popHead removes and returns the first non-dequeued waiter, or nil. Must
// be called with s.mu held.
func (s *Sema) popHead() *waiter {
	for len(s.queue) > 0 {
		w := s.queue[0]
		s.queue = s.queue[1:]
		if !w.dequd {
			w.dequd = true
			return w
		}
	}
	return nil
}

// PVLock atomically attempts P; if it would block, it releases the supplied
// spinlock (acquired at spl) before relinquishing control, matching
// p_sema_v_lock (spec.md §4.1). If P succeeds immediately the lock is left
// held for the caller to manage.
func (s *Sema) PVLock(h Holder, pri defs.Pri, lock *Spinlock, spl defs.Spl) int {
	s.mu.Lock()
	s.count--
	if s.count >= 0 {
		s.mu.Unlock()
		return 0
	}
	w := &waiter{h: h, wake: make(chan int, 1), sema: s, pri: pri}
	s.queue = append(s.queue, w)
	s.mu.Unlock()

	lock.Release(h, spl)

	sleepingMu.Lock()
	sleeping[h] = w
	sleepingMu.Unlock()

	res := <-w.wake

	sleepingMu.Lock()
	if sleeping[h] == w {
		delete(sleeping, h)
	}
	sleepingMu.Unlock()
	return res
}

// Cunsleep forcibly removes h from whichever semaphore queue it sits on (if
// any), flags the wakeup as an interruption (result 1), and returns true if
// h was actually sleeping. A waiter parked at PRI_HI is uninterruptible —
// Cunsleep leaves it queued and returns false, matching the original's
// refusal to honor an event against a PRI_HI sleep (spec.md §4.1). This is
// the mechanism behind the "interrupted" error taxonomy entry and the
// event/notify machinery otherwise.
func Cunsleep(h Holder) bool {
	sleepingMu.Lock()
	w, ok := sleeping[h]
	if ok && w.pri == defs.PRI_HI {
		ok = false
	}
	if ok {
		delete(sleeping, h)
	}
	sleepingMu.Unlock()
	if !ok {
		return false
	}

	s := w.sema
	s.mu.Lock()
	if !w.dequd {
		w.dequd = true
		s.count++ // undo the decrement P made; this waiter never consumed a V
		for i, cand := range s.queue {
			if cand == w {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	w.intr = true
	w.wake <- 1
	return true
}
