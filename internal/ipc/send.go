package ipc

import (
	"vsta/internal/defs"
	"vsta/internal/mutex"
	"vsta/internal/vm"
)

// UserSeg names one scatter/gather segment as the caller's (base, length)
// pair in its own vas, before conversion to a kernel Seg.
type UserSeg struct {
	Base uintptr
	Len  int
}

// SendResult carries a completed send's reply value and any segments the
// server mapped back into the caller's vas. Finish must be called once the
// caller is done reading the mapped segments: it tears down the mapping
// and, if the server is waiting on it, releases the server's
// serverWait semaphore — the Go analogue of "block on a server-wait
// semaphore until the client signals it has consumed them" (spec.md §4.6).
type SendResult struct {
	Arg1, Arg2 int64
	Err        defs.Err_t
	Mapped     []*vm.Pview
	NewRef     *PortRef // set instead of Arg1/Arg2/Mapped when a DUP request was approved

	vas *vm.Vas
	pr  *PortRef
}

func (r *SendResult) Finish() {
	for _, pv := range r.Mapped {
		r.vas.RemovePview(pv)
	}
	if r.pr != nil && len(r.Mapped) > 0 {
		r.pr.serverWait.V()
	}
}

func buildSegs(vas *vm.Vas, userSegs []UserSeg) ([]Seg, defs.Err_t) {
	if len(userSegs) > defs.MaxSegs {
		return nil, defs.EINVAL
	}
	segs := make([]Seg, 0, len(userSegs))
	for _, us := range userSegs {
		pv, err := vas.ShareRange(us.Base, us.Len)
		if err != defs.OK {
			for _, s := range segs {
				s.View.Pset().Deref()
			}
			return nil, err
		}
		segs = append(segs, Seg{View: pv, Off: int(us.Base % defs.PageSize), Len: us.Len})
	}
	return segs, defs.OK
}

// Send implements msg_send (spec.md §4.6 "Send algorithm").
func Send(h mutex.Holder, pr *PortRef, vas *vm.Vas, op defs.Opcode, arg1, arg2 int64, userSegs []UserSeg) SendResult {
	segs, err := buildSegs(vas, userSegs)
	if err != defs.OK {
		return SendResult{Err: err}
	}

	pr.mu.Lock()
	if pr.state == defs.PRClosing {
		pr.mu.Unlock()
		for _, s := range segs {
			s.View.Pset().Deref()
		}
		return SendResult{Err: defs.ECLOSED}
	}
	sm := &Sysmsg{Op: op, Arg1: arg1, Arg2: arg2, Sender: pr, Segs: segs}
	pr.state = defs.PRIOWait
	pr.cur = sm
	pr.mu.Unlock()

	if err := pr.port.enqueue(sm); err != defs.OK {
		for _, s := range segs {
			s.View.Pset().Deref()
		}
		return SendResult{Err: err}
	}

	res := pr.ioWait.P(h, defs.PRI_CATCH)
	if res == 1 {
		return sendInterrupted(h, pr, sm)
	}
	return sendCompleted(pr, vas)
}

// Dup implements the client side of the DUP opcode (spec.md §4 of
// SPEC_FULL, original_source's msg.c "om->sm_op == M_DUP" branch of
// msg_reply): it pre-creates a second portref bound to the same port —
// exactly as the original client pre-allocates the new portref and passes
// its address as the DUP message's argument — and threads it through the
// sysmsg for the server to approve or deny. On approval the new portref is
// usable immediately (no further handshake); on denial or any ordinary
// send error, the pre-created portref is simply discarded.
func Dup(h mutex.Holder, pr *PortRef, vas *vm.Vas, arg1, arg2 int64) SendResult {
	pr.mu.Lock()
	if pr.state == defs.PRClosing {
		pr.mu.Unlock()
		return SendResult{Err: defs.ECLOSED}
	}
	port := pr.port
	pr.mu.Unlock()

	newPr := port.newPortRef()
	sm := &Sysmsg{Op: defs.OpDup, Arg1: arg1, Arg2: arg2, Sender: pr, DupRef: newPr}

	pr.mu.Lock()
	pr.state = defs.PRIOWait
	pr.cur = sm
	pr.mu.Unlock()

	if err := port.enqueue(sm); err != defs.OK {
		return SendResult{Err: err}
	}

	res := pr.ioWait.P(h, defs.PRI_CATCH)
	if res == 1 {
		return sendInterrupted(h, pr, sm)
	}
	return sendCompleted(pr, vas)
}

// sendInterrupted handles step 6 of the send algorithm: the three
// sub-cases of racing an asynchronous interruption against the server.
func sendInterrupted(h mutex.Holder, pr *PortRef, sm *Sysmsg) SendResult {
	if pr.port.dequeueExact(sm) {
		// (a) our sysmsg is still on the port queue.
		pr.mu.Lock()
		pr.state = defs.PRIODone
		pr.mu.Unlock()
		return SendResult{Err: defs.EINTR}
	}

	pr.mu.Lock()
	if pr.state == defs.PRIODone {
		// (c) we raced with completion; accept the reply, still report
		// interrupted.
		res := SendResult{Arg1: pr.replyArg1, Arg2: pr.replyArg2, Err: defs.EINTR}
		pr.mu.Unlock()
		return res
	}
	// (b) the server is already processing it: queue ABORT, wait
	// uninterruptibly for ABDONE.
	pr.state = defs.PRABWait
	pr.mu.Unlock()

	abortMsg := &Sysmsg{Op: defs.OpAbort, Sender: pr}
	pr.port.enqueue(abortMsg)
	pr.ioWait.P(h, defs.PRI_HI) // uninterruptible: the next Reply on pr wakes this
	return SendResult{Err: defs.EINTR}
}

// sendCompleted handles step 7: normal completion. A view of each reply
// segment is mapped into vas, the client's own.
func sendCompleted(pr *PortRef, vas *vm.Vas) SendResult {
	pr.mu.Lock()
	dupApproved := pr.dupApproved
	newRef := pr.dupRef
	pr.dupApproved = false
	pr.dupRef = nil
	replyErr := pr.curErr
	arg1, arg2 := pr.replyArg1, pr.replyArg2
	segs := pr.replySegs
	pr.replySegs = nil
	pr.state = defs.PRIdle
	pr.cur = nil
	pr.mu.Unlock()

	if dupApproved {
		return SendResult{NewRef: newRef}
	}

	if replyErr != defs.OK {
		for _, s := range segs {
			s.View.Pset().Deref()
		}
		return SendResult{Err: replyErr}
	}

	mapped := make([]*vm.Pview, 0, len(segs))
	for _, s := range segs {
		view := vm.DupPview(s.View)
		if err := vas.AttachPview(view, 0); err != defs.OK {
			view.Pset().Deref()
			for _, m := range mapped {
				vas.RemovePview(m)
			}
			return SendResult{Err: err}
		}
		if err := vas.AttachValidSlots(view); err != defs.OK {
			for _, m := range mapped {
				vas.RemovePview(m)
			}
			vas.RemovePview(view)
			return SendResult{Err: err}
		}
		mapped = append(mapped, view)
	}
	return SendResult{Arg1: arg1, Arg2: arg2, Mapped: mapped, vas: vas, pr: pr}
}
