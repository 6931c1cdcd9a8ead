package trap

import (
	"vsta/internal/defs"
	"vsta/internal/ipc"
	"vsta/internal/mem"
	"vsta/internal/mmapcache"
	"vsta/internal/sched"
	"vsta/internal/vm"
)

// Ports is the registry of named server ports a thread may connect to
// (spec.md's "port" syscall creates one; "connect" binds to one). Kept
// here rather than in internal/ipc since naming/lookup is a trap-level
// policy concern, not part of the IPC transport itself.
type Ports struct {
	byName map[string]*ipc.Port
}

func NewPorts() *Ports { return &Ports{byName: map[string]*ipc.Port{}} }

func (p *Ports) Create(name string) *ipc.Port {
	port := ipc.NewPort(name)
	p.byName[name] = port
	return port
}

func (p *Ports) Lookup(name string) *ipc.Port { return p.byName[name] }

// Env bundles the process-wide singletons a syscall handler needs: the
// scheduler, the port namespace, the mmap cache, the physical arena (for
// anonymous mmap), and the handle table that turns the small integers
// user code passes across the trap boundary into kernel pointers. Built
// once at bootstrap (internal/boot) and threaded through every Table
// entry via a closure, matching spec.md §3's "scheduler's four queues...
// are process-wide singletons, initialized once during bootstrap".
type Env struct {
	Sched   *sched.Scheduler
	Ports   *Ports
	Mmap    *mmapcache.Cache
	Arena   *mem.Arena
	Handles *Handles
}

// BuildTable constructs the syscall dispatch table (spec.md §4.6's
// "Syscall surface"), wiring each numbered opcode to the package that
// implements it. Only the operations this repository's modeled subsystems
// (IPC, vm/mmap, scheduler) cover are wired; process-lifecycle syscalls
// (fork, exec, page_wire, ...) are outside this spec's scope (see
// DESIGN.md) and are deliberately absent rather than stubbed.
func BuildTable(env *Env) Table {
	tbl := Table{}

	tbl[0] = Handler{Name: "port", Arity: 1, Func: func(t *Thread, f *Frame) defs.Err_t {
		name, err := t.Vas.Userstr(uintptr(f.Args[0]), 256)
		if err != defs.OK {
			return err
		}
		port := env.Ports.Create(name)
		f.Result = env.Handles.AddPort(port)
		return defs.OK
	}}

	tbl[1] = Handler{Name: "connect", Arity: 1, Func: func(t *Thread, f *Frame) defs.Err_t {
		name, err := t.Vas.Userstr(uintptr(f.Args[0]), 256)
		if err != defs.OK {
			return err
		}
		port := env.Ports.Lookup(name)
		if port == nil {
			return defs.ENOENT
		}
		pr, cerr := port.Connect(t.Holder)
		if cerr != defs.OK {
			return cerr
		}
		f.Result = env.Handles.AddPortRef(pr)
		return defs.OK
	}}

	// accept is the server's completion of a pending CONNECT it already
	// dequeued via receive (spec.md §6 opcode 2) — the portref handle here
	// is the one receive's Sender field handed back, not a client handle.
	tbl[2] = Handler{Name: "accept", Arity: 1, Func: func(t *Thread, f *Frame) defs.Err_t {
		pr := env.Handles.PortRef(f.Args[0])
		if pr == nil {
			return defs.EINVAL
		}
		err := ipc.Accept(pr)
		env.Handles.DropPortRef(f.Args[0])
		return err
	}}

	tbl[3] = Handler{Name: "send", Arity: 4, Func: func(t *Thread, f *Frame) defs.Err_t {
		pr := env.Handles.PortRef(f.Args[0])
		if pr == nil {
			return defs.EINVAL
		}
		op := defs.Opcode(f.Args[1])
		res := ipc.Send(t.Holder, pr, t.Vas, op, f.Args[2], f.Args[3], nil)
		defer res.Finish()
		f.Args[0] = res.Arg1
		f.Args[1] = res.Arg2
		f.Result = res.Arg1
		return res.Err
	}}

	tbl[4] = Handler{Name: "receive", Arity: 1, Func: func(t *Thread, f *Frame) defs.Err_t {
		port := env.Handles.Port(f.Args[0])
		if port == nil {
			return defs.EINVAL
		}
		rm, err := ipc.Receive(t.Holder, port, t.Vas)
		if err != defs.OK {
			return err
		}
		f.Args[0] = int64(rm.Op)
		f.Args[1] = rm.Arg1
		f.Args[2] = rm.Arg2
		if rm.Sender != nil {
			f.Result = env.Handles.AddPortRef(rm.Sender)
		}
		return defs.OK
	}}

	tbl[5] = Handler{Name: "reply", Arity: 4, Func: func(t *Thread, f *Frame) defs.Err_t {
		pr := env.Handles.PortRef(f.Args[0])
		if pr == nil {
			return defs.EINVAL
		}
		err := ipc.Reply(pr, f.Args[1], f.Args[2], defs.Err_t(f.Args[3]), nil, t.Vas)
		env.Handles.DropPortRef(f.Args[0])
		return err
	}}

	tbl[13] = Handler{Name: "mmap", Arity: 2, Func: func(t *Thread, f *Frame) defs.Err_t {
		npages := int(f.Args[0])
		prot := defs.Prot(f.Args[1])
		pv, err := mmapAnonymous(t.Vas, env.Arena, npages, prot)
		if err != defs.OK {
			return err
		}
		f.Result = int64(pv.Vaddr())
		return defs.OK
	}}

	tbl[14] = Handler{Name: "munmap", Arity: 1, Func: func(t *Thread, f *Frame) defs.Err_t {
		vaddr := uintptr(f.Args[0])
		pv := t.Vas.FindPview(vaddr)
		if pv == nil {
			return defs.EFAULT
		}
		if pv.Prot()&defs.ProtMmapOrigin == 0 {
			return defs.EINVAL
		}
		t.Vas.RemovePview(pv)
		return defs.OK
	}}

	tbl[15] = Handler{Name: "strerror", Arity: 2, Func: func(t *Thread, f *Frame) defs.Err_t {
		msg := defs.Strerror(defs.Err_t(f.Args[0]))
		ub := vm.MkUserbuf(t.Vas, uintptr(f.Args[1]), len(msg))
		if _, err := ub.Uiowrite([]byte(msg)); err != defs.OK {
			return err
		}
		f.Result = int64(len(msg))
		return defs.OK
	}}

	tbl[38] = Handler{Name: "sched_op", Arity: 2, Func: func(t *Thread, f *Frame) defs.Err_t {
		op := sched.SchedOp(f.Args[0])
		res := sched.SchedOpDispatch(env.Sched, &sched.Process{Threads: []*sched.Thread{t.Sched}}, t.Sched, op, defs.Class(f.Args[1]), t.Privileged)
		if res.Err != defs.OK {
			return res.Err
		}
		if op == sched.SchedOpGetClass {
			f.Result = int64(t.Sched.Class)
		}
		return defs.OK
	}}

	return tbl
}

// mmapAnonymous builds a fresh ZFOD pset and attaches it as an anonymous
// mapping (spec.md scenario #1). The mmap syscall handles only this
// anonymous path: no file-backed mmap (through a portref and
// internal/mmapcache) is wired into the table.
func mmapAnonymous(vas *vm.Vas, arena *mem.Arena, npages int, prot defs.Prot) (*vm.Pview, defs.Err_t) {
	pset := mem.NewZFOD(arena, npages, nil)
	pv := vm.AllocPview(pset, 0, npages, prot|defs.ProtMmapOrigin)
	if err := vas.AttachPview(pv, 0); err != defs.OK {
		pset.Deref()
		return nil, err
	}
	return pv, defs.OK
}
