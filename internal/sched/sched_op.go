package sched

import "vsta/internal/defs"

// SchedOp is one of the four operations sched_op(op, arg) accepts
// (spec.md §4.9 "User-visible knobs").
type SchedOp int

const (
	SchedOpSetClass SchedOp = iota
	SchedOpGetClass
	SchedOpYield
	SchedOpBecomeEphemeral
)

// Process groups the threads sched_op's "become ephemeral" rule needs to
// reason about: a process with no non-ephemeral thread left has nothing
// to keep it alive at the scheduler level, so the last one is not allowed
// to convert (spec.md §4.9: "rejected... the process must exit instead").
type Process struct {
	Threads []*Thread
}

func (p *Process) nonEphemeralCount() int {
	n := 0
	for _, t := range p.Threads {
		if t.Class != defs.ClassEphemeral {
			n++
		}
	}
	return n
}

// SchedOpResult carries sched_op's return value: GetClass returns the
// class name string; the others return only an error.
type SchedOpResult struct {
	ClassName string
	Err       defs.Err_t
}

// SchedOpDispatch implements the sched_op syscall (spec.md §4.9 and §4 of
// SPEC_FULL's privilege-gating supplement, grounded on original_source's
// sched.c sched_prichg). isRoot mirrors the original's isroot() check;
// internal/trap supplies it from the calling thread's credentials.
func SchedOpDispatch(s *Scheduler, proc *Process, t *Thread, op SchedOp, arg defs.Class, isRoot bool) SchedOpResult {
	switch op {
	case SchedOpSetClass:
		if arg == defs.ClassRT && !isRoot {
			return SchedOpResult{Err: defs.EPERM}
		}
		s.mu.Lock()
		t.Class = arg
		s.mu.Unlock()
		return SchedOpResult{Err: defs.OK}

	case SchedOpGetClass:
		s.mu.Lock()
		name := classString(t.Class)
		s.mu.Unlock()
		return SchedOpResult{ClassName: name, Err: defs.OK}

	case SchedOpYield:
		s.Sleep(t)
		s.Lsetrun(t)
		return SchedOpResult{Err: defs.OK}

	case SchedOpBecomeEphemeral:
		if t.Class == defs.ClassEphemeral {
			return SchedOpResult{Err: defs.OK}
		}
		if proc.nonEphemeralCount() <= 1 {
			return SchedOpResult{Err: defs.EPERM}
		}
		s.mu.Lock()
		t.Class = defs.ClassEphemeral
		s.mu.Unlock()
		return SchedOpResult{Err: defs.OK}

	default:
		return SchedOpResult{Err: defs.EINVAL}
	}
}
