// Package trap implements the trap/syscall dispatch layer of spec.md
// §4.10: a numbered syscall table, a page-fault entry point, and
// asynchronous event delivery. Grounded on original_source's
// vsta/src/os/mach/{syscall.c,trap.c}.
package trap

import (
	"vsta/internal/defs"
	"vsta/internal/mutex"
	"vsta/internal/sched"
	"vsta/internal/vm"
)

// Frame is the saved user register frame a trap records on its thread
// before doing anything else (spec.md §4.10: "records the user register
// frame on the thread"). Args holds up to 6 syscall arguments (syscall.c's
// MAXARGS); args 1-3 come from registers, 4-6 are copied in from the user
// stack by the caller before Dispatch runs.
type Frame struct {
	Args    [6]int64
	Result  int64
	Err     defs.Err_t
	Carry   bool // set on error, per spec.md's "a carry flag signals error"
	PC      uintptr
	Pending []Event // events queued for delivery on return to user mode
}

// Event is an asynchronously delivered named event (spec.md §4.10):
// delivery constructs a user-stack frame containing the prior PC and the
// event name, then redirects the user PC to the registered handler.
type Event struct {
	Name string
}

// Handler is one syscall table entry: (function, arg count), mirroring
// struct syscall in syscall.c.
type Handler struct {
	Name string
	Arity int
	Priv  bool
	Func  func(t *Thread, f *Frame) defs.Err_t
}

// Thread is the trap layer's view of a thread: its scheduler handle, its
// vas (for copyin/copyout and fault resolution), its event handler
// address (0 if none registered), and its privilege bit (spec.md §4's
// isroot()-gated syscalls).
type Thread struct {
	Sched      *sched.Thread
	Vas        *vm.Vas
	Holder     mutex.Holder
	EventPC    uintptr
	Privileged bool
}

// Table is the syscall number -> Handler mapping, built once at
// bootstrap (internal/boot) from the fixed list in spec.md §4.6's
// "Syscall surface".
type Table map[int]Handler

// Dispatch implements the synchronous-trap entry of spec.md §4.10: assert
// no spinlocks are held at exit, run the handler (after a privilege
// check), store the result/error in the frame, and leave event delivery
// and CHECK_PREEMPT to the caller (DeliverEvents/CheckPreempt below),
// matching the original's ordering ("asserts no spinlocks held... calls
// CHECK_PREEMPT... delivers pending events").
func Dispatch(tbl Table, num int, t *Thread, f *Frame) {
	h, ok := tbl[num]
	if !ok {
		f.Err = defs.EINVAL
		f.Carry = true
		return
	}
	if h.Priv && !t.Privileged {
		f.Err = defs.EPERM
		f.Carry = true
		return
	}

	err := h.Func(t, f)
	mutex.AssertNoLocksHeld(t.Holder)

	f.Err = err
	f.Carry = err != defs.OK
}

// PageFault is the page-fault trap entry (spec.md §4.10: "separated
// because it must atomically read the hardware fault-address register
// before re-enabling interrupts" — in this simulation the fault address
// is simply passed in directly rather than read from a register).
func PageFault(t *Thread, vaddr uintptr, write bool) defs.Err_t {
	err := vm.VasFault(t.Vas, vaddr, write)
	mutex.AssertNoLocksHeld(t.Holder)
	return err
}

// DeliverEvents implements asynchronous event delivery (spec.md §4.10):
// for each pending event, writes a frame into user memory containing the
// prior PC and the event name, then redirects PC to the registered
// handler. A write failure is fatal to the process ("failure to write the
// user stack causes the process to exit"), signaled by returning false.
func DeliverEvents(t *Thread, f *Frame) (ok bool) {
	if t.EventPC == 0 || len(f.Pending) == 0 {
		return true
	}
	for _, ev := range f.Pending {
		if !writeEventFrame(t, f, ev) {
			return false
		}
		f.PC = t.EventPC
	}
	f.Pending = nil
	return true
}

// writeEventFrame encodes ev onto the user stack as (prior PC, name)
// ahead of redirecting control to the handler. The name is written as a
// length-prefixed byte string directly below the saved PC, the simplest
// layout that round-trips through Vas.Uiowrite without needing a fixed
// struct ABI.
func writeEventFrame(t *Thread, f *Frame, ev Event) bool {
	stackTop := f.Args[5] // convention: arg 6 is reserved as the user stack pointer for event delivery
	if stackTop == 0 {
		return false
	}
	ub := vm.MkUserbuf(t.Vas, uintptr(stackTop), 8+1+len(ev.Name))
	var hdr [9]byte
	pc := uint64(f.PC)
	for i := 0; i < 8; i++ {
		hdr[i] = byte(pc >> (8 * i))
	}
	hdr[8] = byte(len(ev.Name))
	if _, err := ub.Uiowrite(hdr[:]); err != defs.OK {
		return false
	}
	if _, err := ub.Uiowrite([]byte(ev.Name)); err != defs.OK {
		return false
	}
	return true
}

// CheckPreempt implements the CHECK_PREEMPT guard placed at every
// trap/syscall/interrupt exit (spec.md §4.9/§4.10): if any thread is
// runnable, t is counted as a voluntary sleep and requeued before
// returning to user mode. It does not compare the runnable threads' class
// with t's, and it does not itself pick the next thread.
func CheckPreempt(s *sched.Scheduler, t *Thread) {
	mutex.AssertNoLocksHeld(t.Holder)
	if s.Idle() {
		return
	}
	s.Sleep(t.Sched)
	s.Lsetrun(t.Sched)
}
