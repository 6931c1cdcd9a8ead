// Package mutex implements the spinlock and counting-semaphore primitives
// described in spec.md §4.1, grounded on original_source's
// src/os/mach/mutex.c (q_sema/dq_sema/p_sema/cp_sema) for queueing
// semantics and on the teacher's habit (biscuit's vm.Vm_t) of embedding
// sync.Mutex rather than hand-rolling a lock word.
package mutex

import (
	"sync"
	"sync/atomic"

	"vsta/internal/defs"
)

// held tracks the current goroutine's outstanding spinlock count. The core
// is single-CPU (spec.md §1 Non-goals), so one counter per goroutine — in
// place of per-CPU state — is the faithful analogue: "no thread holds a
// spinlock across a blocking operation" becomes "no goroutine's count is
// nonzero when it blocks".
var (
	heldMu sync.Mutex
	held   = map[uint64]int{}
)

// Holder is a cheap, good-enough stand-in for "current CPU/thread", used to
// track the locks-held counter and to find a sleeping waiter for Cunsleep.
// Callers pass their own thread identity rather than relying on runtime
// goroutine ids, which Go does not expose.
type Holder uint64

var nextHolder uint64

// NewHolder allocates a fresh thread/goroutine identity for use with
// Spinlock and Sema. Every independent simulated thread of control (an IPC
// client, a page-fill reader, a scheduler-run goroutine) needs its own
// Holder: two callers sharing one would corrupt each other's locks-held
// count and FIFO sleep-queue position.
func NewHolder() Holder {
	return Holder(atomic.AddUint64(&nextHolder, 1))
}

// Spinlock is a degenerate (single-CPU) spinlock: spec.md §1 notes that on
// a uniprocessor "spinlocks are degenerate but the discipline is preserved
// so an SMP variant remains possible". It wraps sync.Mutex exactly as the
// teacher's Vm_t does, and maintains the "locks held" counter and SPL mode
// the mutex layer contract requires.
type Spinlock struct {
	mu sync.Mutex
}

// Acquire takes the lock and raises the interrupt mask if mode is SPL_HI,
// returning the prior SPL so Release can restore it. On a single logical
// CPU "raising the interrupt mask" has no hardware effect; it is tracked
// only so the discipline (and the locks-held invariant) is exercised.
func (s *Spinlock) Acquire(h Holder, mode defs.Spl) defs.Spl {
	s.mu.Lock()
	prior := bumpHeld(h, 1)
	return splOf(prior, mode)
}

// TryAcquire is the conditional acquire; returns false without blocking if
// already held.
func (s *Spinlock) TryAcquire(h Holder, mode defs.Spl) (defs.Spl, bool) {
	if !s.mu.TryLock() {
		return 0, false
	}
	prior := bumpHeld(h, 1)
	return splOf(prior, mode), true
}

// Release drops the lock and restores the previously-recorded SPL.
func (s *Spinlock) Release(h Holder, _ defs.Spl) {
	bumpHeld(h, -1)
	s.mu.Unlock()
}

func splOf(priorCount int, mode defs.Spl) defs.Spl {
	if priorCount > 0 {
		return defs.SPL_HI
	}
	return mode
}

func bumpHeld(h Holder, delta int) int {
	heldMu.Lock()
	defer heldMu.Unlock()
	prior := held[uint64(h)]
	n := prior + delta
	if n < 0 {
		panic("spinlock: release of unheld lock")
	}
	if n == 0 {
		delete(held, uint64(h))
	} else {
		held[uint64(h)] = n
	}
	return prior
}

// LocksHeld returns the number of spinlocks h currently holds — the
// invariant spec.md §3 requires to be zero at every potential reschedule
// point.
func LocksHeld(h Holder) int {
	heldMu.Lock()
	defer heldMu.Unlock()
	return held[uint64(h)]
}

// AssertNoLocksHeld panics if h holds any spinlock; called at every
// suspension point per spec.md §5.
func AssertNoLocksHeld(h Holder) {
	if n := LocksHeld(h); n != 0 {
		panic("spinlock: locks held at reschedule point")
	}
}
