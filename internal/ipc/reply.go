package ipc

import (
	"vsta/internal/defs"
	"vsta/internal/mutex"
	"vsta/internal/vm"
)

// Reply implements msg_reply (spec.md §4.6): the server hands a completed
// sysmsg's result back to the waiting client. segs, if non-empty, are
// handed to the client, whose Send maps a view of each into the client's
// own vas once it wakes; the server then blocks on pr's serverWait
// semaphore until the client has finished reading them (SendResult.Finish
// releases it).
func Reply(pr *PortRef, arg1, arg2 int64, replyErr defs.Err_t, segs []Seg, serverVas *vm.Vas) defs.Err_t {
	pr.mu.Lock()
	switch pr.state {
	case defs.PRIOWait:
		om := pr.cur
		if om == nil {
			pr.mu.Unlock()
			return defs.EINVAL
		}

		// DUP: approving a duplicate-portref request installs the new
		// handle directly rather than carrying an ordinary reply payload
		// (original_source's msg.c, the "om->sm_op == M_DUP" branch of
		// msg_reply — approval is signaled by arg1 != -1, denial falls
		// through to the ordinary error-reply path below).
		if om.Op == defs.OpDup && arg1 != -1 {
			newPr := om.DupRef
			pr.port.addClient(newPr)
			pr.dupApproved = true
			pr.dupRef = newPr
			pr.curErr = defs.OK
			pr.state = defs.PRIODone
			pr.cur = nil
			pr.mu.Unlock()
			pr.ioWait.V()
			return defs.OK
		}

		pr.replyArg1, pr.replyArg2 = arg1, arg2
		pr.replySegs = segs
		pr.replyVas = serverVas
		pr.curErr = replyErr
		pr.state = defs.PRIODone
		pr.cur = nil
		pr.mu.Unlock()
		if om.Op == defs.OpConnect && replyErr != defs.OK {
			pr.port.removeClient(pr)
		}
		pr.ioWait.V()
		if len(segs) > 0 {
			pr.serverWait.P(mutex.NewHolder(), defs.PRI_HI)
		}
		return defs.OK

	case defs.PRABWait:
		// Any reply on pr completes an in-flight abort race (spec.md §4.6
		// step 6, subcase (b)): its values are discarded and the client's
		// blocked ioWait.P wakes. Reply does not check whether it answers the
		// ABORT message or the original one.
		pr.state = defs.PRABDone
		pr.mu.Unlock()
		pr.ioWait.V()
		return defs.OK

	case defs.PRIODone:
		pr.mu.Unlock()
		return defs.EINVAL

	default:
		pr.mu.Unlock()
		return defs.EINVAL
	}
}

// Accept implements msg_accept (spec.md §4.6, syscall opcode 2): the
// server's way of completing a pending CONNECT handshake it received via
// Receive. It is an ordinary successful reply carrying no payload and no
// segments — a distinct entry point only because the trap table binds it
// to its own syscall number, separate from Reply's.
func Accept(pr *PortRef) defs.Err_t {
	return Reply(pr, 0, 0, defs.OK, nil, nil)
}
