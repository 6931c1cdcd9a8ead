// Package accnt implements per-thread/process CPU accounting with
// rusage-style encoding. Adapted from biscuit/src/accnt/accnt.go,
// generalized from a single global struct into a type callers instantiate
// as they need it (internal/diag and cmd/vstakernel do); neither
// internal/trap.Thread nor internal/sched.Thread carries one, and
// internal/sched/profile.go does not read it.
package accnt

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates one thread's CPU usage. Userns and Sysns are
// nanosecond counters; the embedded mutex lets Fetch/Add take a
// consistent snapshot while Utadd/Systadd keep running under atomics for
// the hot accounting path (the trap-exit tick, the syscall-dispatch
// wrapper).
type Accnt struct {
	Userns int64
	Sysns  int64

	mu sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds, the clock source every
// other method in this package measures against.
func (a *Accnt) Now() int64 {
	return time.Now().UnixNano()
}

// IOTime removes time spent waiting for I/O (an ipc.Send/Receive block)
// from system time, so a thread blocked on a peer isn't charged for it.
func (a *Accnt) IOTime(since int64) {
	a.Systadd(since - a.Now())
}

// SleepTime removes time spent voluntarily asleep (sched.Scheduler.Sleep)
// from system time.
func (a *Accnt) SleepTime(since int64) {
	a.Systadd(since - a.Now())
}

// Finish adds the time elapsed since inttime (the moment a trap/syscall
// was entered) to system time — called once at trap exit.
func (a *Accnt) Finish(inttime int64) {
	a.Systadd(a.Now() - inttime)
}

// Add merges another thread's accounting into a, used when a process's
// last thread exits and its usage folds into the parent's rusage.
func (a *Accnt) Add(n *Accnt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
}

// Fetch returns a consistent snapshot encoded as an rusage buffer.
func (a *Accnt) Fetch() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.toRusage()
}

// toRusage encodes the two (seconds, microseconds) timeval pairs rusage
// carries for ru_utime/ru_stime, in the order original_source's
// getrusage reply expects.
func (a *Accnt) toRusage() []byte {
	buf := make([]byte, 4*8)
	put := func(off int, nanos int64) {
		secs := nanos / 1e9
		usecs := (nanos % 1e9) / 1000
		binary.LittleEndian.PutUint64(buf[off:], uint64(secs))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(usecs))
	}
	put(0, a.Userns)
	put(16, a.Sysns)
	return buf
}
