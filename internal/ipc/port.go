// Package ipc implements the synchronous message-passing layer of
// spec.md §4.6: ports, port-refs, sysmsgs, and send/receive/reply/abort.
// Grounded file-for-file on original_source's vsta/src/os/kern/msg.c.
package ipc

import (
	"sync"
	"sync/atomic"

	"vsta/internal/defs"
	"vsta/internal/mutex"
	"vsta/internal/vm"
)

// Seg is the kernel-side representation of one scatter/gather segment: a
// detached pview sharing the sender's underlying pages (no copy is made,
// spec.md §4.6), plus the intra-range byte bounds.
type Seg struct {
	View *vm.Pview
	Off  int // byte offset within the view's first page
	Len  int // total byte length covered
}

// Sysmsg is the kernel-internal in-flight message (spec.md §3).
type Sysmsg struct {
	Op     defs.Opcode
	Arg1   int64
	Arg2   int64
	Sender *PortRef
	Segs   []Seg
	Err    defs.Err_t

	DupRef *PortRef // pending second portref, set only when Op == defs.OpDup
}

// Port is a server endpoint (spec.md §3): a FIFO message queue, a
// wait-count semaphore, a serializing receive semaphore, and an optional
// mmap file-identity cache (wired by internal/mmapcache).
type Port struct {
	mu      sync.Mutex
	name    string
	queue   []*Sysmsg
	wait    *mutex.Sema // counts queued messages; receive P's it
	recv    *mutex.Sema // serializes receivers (initial count 1)
	closing bool

	isrCounters map[int32]*int64 // per-IRQ counters for the reserved ISR opcode
	isrQueue    []int32          // IRQs with a pending, not-yet-decoded event

	clients map[*PortRef]bool // portrefs hashed in on CONNECT, per spec.md §4.6
}

// NewPort creates a server endpoint named name.
func NewPort(name string) *Port {
	return &Port{
		name:        name,
		wait:        mutex.NewSema(0),
		recv:        mutex.NewSema(1),
		isrCounters: map[int32]*int64{},
		clients:     map[*PortRef]bool{},
	}
}

func (p *Port) Name() string { return p.name }

// Close marks the port closing: queued and future clients observe
// peer-gone (spec.md §7's "Peer gone" taxonomy entry).
func (p *Port) Close() {
	p.mu.Lock()
	p.closing = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, sm := range pending {
		sm.Sender.mu.Lock()
		sm.Sender.state = defs.PRIODone
		sm.Sender.curErr = defs.ECLOSED
		sm.Sender.mu.Unlock()
		sm.Sender.ioWait.V()
	}
}

// enqueue appends sm to the port's queue and posts the wait semaphore,
// under the port lock, per the send algorithm step 4.
func (p *Port) enqueue(sm *Sysmsg) defs.Err_t {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return defs.ECLOSED
	}
	p.queue = append(p.queue, sm)
	p.mu.Unlock()
	p.wait.V()
	return defs.OK
}

// dequeueExact removes sm from the queue if it is still present (used by
// the interrupted-send race, subcase (a)); returns true if found.
func (p *Port) dequeueExact(sm *Sysmsg) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.queue {
		if e == sm {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

// addClient hashes pr under the port's client registry, mirroring
// new_client's "record a new client for this server port" (msg.c) — here
// keyed on the port rather than the receiving process, since this
// implementation has no per-process portref table.
func (p *Port) addClient(pr *PortRef) {
	p.mu.Lock()
	p.clients[pr] = true
	p.mu.Unlock()
}

// removeClient unhashes pr, mirroring del_client.
func (p *Port) removeClient(pr *PortRef) {
	p.mu.Lock()
	delete(p.clients, pr)
	p.mu.Unlock()
}

// PostISR posts a reserved ISR event for irq: bumps its per-IRQ counter and
// ensures a pending wakeup, without allocating an ordinary queued sysmsg
// (spec.md §4.6: "left on a preallocated sysmsg per-IRQ with a counter").
func (p *Port) PostISR(irq int32) {
	p.mu.Lock()
	c, ok := p.isrCounters[irq]
	if !ok {
		c = new(int64)
		p.isrCounters[irq] = c
	}
	*c++
	queued := false
	for _, q := range p.isrQueue {
		if q == irq {
			queued = true
			break
		}
	}
	if !queued {
		p.isrQueue = append(p.isrQueue, irq)
	}
	p.mu.Unlock()
	p.wait.V()
}

// PortRef is a client-side handle to a port (spec.md §3).
type PortRef struct {
	mu    sync.Mutex
	id    mutex.Holder
	port  *Port
	state defs.PortRefState
	refs  int32

	cur    *Sysmsg
	curErr defs.Err_t

	dupApproved bool     // set by Reply when a DUP request is accepted
	dupRef      *PortRef // the new portref a DUP request installs

	replyArg1, replyArg2 int64
	replySegs            []Seg
	replyVas             *vm.Vas

	ioWait     *mutex.Sema
	serverWait *mutex.Sema // server blocks here until client consumes reply segs
}

// newPortRef builds an unconnected handle bound to p, in the idle state.
// Used both for a DUP's pre-created second handle (installed directly, no
// handshake needed — the original send already proved the client's
// connection) and internally by Connect before its CONNECT round trip.
func (p *Port) newPortRef() *PortRef {
	return &PortRef{
		id:         mutex.NewHolder(),
		port:       p,
		state:      defs.PRIdle,
		refs:       1,
		ioWait:     mutex.NewSema(0),
		serverWait: mutex.NewSema(0),
	}
}

// Connect is msg_connect: it does not hand the caller a usable portref
// directly. Instead it queues a CONNECT sysmsg the server must receive and
// explicitly accept (msg_accept) or reject (msg_reply with an error),
// mirroring msg_receive's "for a CONNECT the receiver hashes the new
// portref under its process" and msg_reply's ordinary IOWAIT->IODONE path
// (original_source's vsta/src/os/kern/msg.c, M_CONNECT handling).
func (p *Port) Connect(h mutex.Holder) (*PortRef, defs.Err_t) {
	pr := p.newPortRef()

	sm := &Sysmsg{Op: defs.OpConnect, Sender: pr}
	pr.mu.Lock()
	pr.state = defs.PRIOWait
	pr.cur = sm
	pr.mu.Unlock()

	if err := p.enqueue(sm); err != defs.OK {
		return nil, err
	}

	res := pr.ioWait.P(h, defs.PRI_CATCH)
	if res == 1 {
		// Interrupted before the server accepted or rejected: treat the
		// same as an ordinary interrupted send's still-queued sub-case,
		// since a CONNECT not yet received can simply be withdrawn.
		if p.dequeueExact(sm) {
			return nil, defs.EINTR
		}
		pr.ioWait.P(h, defs.PRI_HI) // already received: wait for the accept/reject decision
	}

	pr.mu.Lock()
	errv := pr.curErr
	pr.state = defs.PRIdle
	pr.cur = nil
	pr.mu.Unlock()

	if errv != defs.OK {
		p.removeClient(pr)
		return nil, errv
	}
	return pr, defs.OK
}

func (pr *PortRef) Ref()   { atomic.AddInt32(&pr.refs, 1) }
func (pr *PortRef) Deref() { atomic.AddInt32(&pr.refs, -1) }

// Disconnect is msg_disconnect: the client gives up its handle.
func (pr *PortRef) Disconnect() {
	pr.mu.Lock()
	pr.state = defs.PRClosing
	pr.mu.Unlock()
}
