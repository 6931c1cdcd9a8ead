package ipc

import (
	"sync/atomic"

	"vsta/internal/defs"
	"vsta/internal/mutex"
	"vsta/internal/vm"
)

// ReceivedMsg is what msg_receive hands back to the server.
type ReceivedMsg struct {
	Op     defs.Opcode
	Arg1   int64
	Arg2   int64
	Sender *PortRef
	Mapped []*vm.Pview // segments mapped into the receiver's vas, in order

	sm *Sysmsg
}

// Receive implements msg_receive (spec.md §4.6 "Receive algorithm"): lock
// the port, P its wait semaphore (sleeping if empty), then under the port
// lock dequeue the head sysmsg — unless it is a pending ISR event, which is
// decoded inline without touching the segment machinery.
func Receive(h mutex.Holder, port *Port, vas *vm.Vas) (*ReceivedMsg, defs.Err_t) {
	port.recv.P(h, defs.PRI_HI)
	defer port.recv.V()

	port.wait.P(h, defs.PRI_HI)

	port.mu.Lock()
	if len(port.isrQueue) > 0 {
		irq := port.isrQueue[0]
		port.isrQueue = port.isrQueue[1:]
		c := port.isrCounters[irq]
		port.mu.Unlock()
		n := atomic.SwapInt64(c, 0)
		return &ReceivedMsg{Op: defs.OpISR, Arg1: int64(irq), Arg2: n}, defs.OK
	}
	if len(port.queue) == 0 {
		port.mu.Unlock()
		return nil, defs.EAGAIN
	}
	sm := port.queue[0]
	port.queue = port.queue[1:]
	port.mu.Unlock()

	// For a CONNECT, hash the new portref under this receiver before
	// anything else (spec.md §4.6's receive algorithm; msg.c's M_CONNECT
	// branch calls new_client before returning the message to the server).
	// The server still must explicitly Accept or Reply-with-error to
	// complete the handshake; Reply undoes this hashing on rejection.
	if sm.Op == defs.OpConnect {
		port.addClient(sm.Sender)
	}

	mapped := make([]*vm.Pview, 0, len(sm.Segs))
	for _, s := range sm.Segs {
		if err := vas.AttachPview(s.View, 0); err != defs.OK {
			for _, m := range mapped {
				vas.RemovePview(m)
			}
			return nil, err
		}
		if err := vas.AttachValidSlots(s.View); err != defs.OK {
			for _, m := range mapped {
				vas.RemovePview(m)
			}
			vas.RemovePview(s.View)
			return nil, err
		}
		mapped = append(mapped, s.View)
	}

	return &ReceivedMsg{
		Op:     sm.Op,
		Arg1:   sm.Arg1,
		Arg2:   sm.Arg2,
		Sender: sm.Sender,
		Mapped: mapped,
		sm:     sm,
	}, defs.OK
}

// Finish tears down the segments this receive mapped into vas — called by
// the server once it is done reading them, mirroring the teardown the
// client side performs in SendResult.Finish.
func (rm *ReceivedMsg) Finish(vas *vm.Vas) {
	for _, pv := range rm.Mapped {
		vas.RemovePview(pv)
	}
}
