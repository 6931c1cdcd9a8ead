package trap

import (
	"testing"
	"time"

	"vsta/internal/defs"
	"vsta/internal/hat"
	"vsta/internal/mem"
	"vsta/internal/mmapcache"
	"vsta/internal/mutex"
	"vsta/internal/sched"
	"vsta/internal/vm"
)

func mkVas(h *hat.SoftHat, id hat.VasID) *vm.Vas { return vm.NewVas(h, id) }

// writeUserString maps one anonymous page at an address of the HAT's
// choosing, faults it in for write, and writes s NUL-terminated, returning
// the base address a syscall argument would carry.
func writeUserString(t *testing.T, vas *vm.Vas, arena *mem.Arena, s string) uintptr {
	t.Helper()
	pset := mem.NewZFOD(arena, 1, nil)
	pv := vm.AllocPview(pset, 0, 1, defs.ProtRead|defs.ProtWrite)
	if err := vas.AttachPview(pv, 0); err != defs.OK {
		t.Fatalf("AttachPview: %v", err)
	}
	ub := vm.MkUserbuf(vas, pv.Vaddr(), len(s)+1)
	if _, err := ub.Uiowrite(append([]byte(s), 0)); err != defs.OK {
		t.Fatalf("Uiowrite: %v", err)
	}
	return pv.Vaddr()
}

func mkEnv(h *hat.SoftHat) *Env {
	return &Env{
		Sched:   sched.NewScheduler(1),
		Ports:   NewPorts(),
		Mmap:    mmapcache.NewCache(mem.NewArena(64), h, 90),
		Arena:   mem.NewArena(64),
		Handles: NewHandles(),
	}
}

func TestPortConnectSendReceiveRoundTrip(t *testing.T) {
	h := hat.NewSoftHat(0, 1<<40)
	env := mkEnv(h)
	tbl := BuildTable(env)

	serverVas := mkVas(h, 10)
	serverThr := &Thread{Sched: &sched.Thread{ID: 1}, Vas: serverVas, Holder: mutex.NewHolder()}
	clientVas := mkVas(h, 11)
	clientThr := &Thread{Sched: &sched.Thread{ID: 2}, Vas: clientVas, Holder: mutex.NewHolder()}

	nameAddr := writeUserString(t, serverVas, env.Arena, "echo")
	portFrame := &Frame{Args: [6]int64{int64(nameAddr)}}
	Dispatch(tbl, 0, serverThr, portFrame)
	if portFrame.Carry {
		t.Fatalf("port syscall failed: %v", portFrame.Err)
	}
	portHandle := portFrame.Result

	clientNameAddr := writeUserString(t, clientVas, env.Arena, "echo")
	connFrame := &Frame{Args: [6]int64{int64(clientNameAddr)}}

	// connect (opcode 1) blocks until the server receives the pending
	// CONNECT sysmsg and explicitly accepts it (opcode 2) — run that side
	// of the handshake concurrently before connect can return.
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		connRecvFrame := &Frame{Args: [6]int64{portHandle}}
		for {
			Dispatch(tbl, 4, serverThr, connRecvFrame)
			if connRecvFrame.Err == defs.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			break
		}
		if connRecvFrame.Carry {
			t.Errorf("receive (connect) syscall failed: %v", connRecvFrame.Err)
			return
		}
		if defs.Opcode(connRecvFrame.Args[0]) != defs.OpConnect {
			t.Errorf("expected a CONNECT message, got op=%v", connRecvFrame.Args[0])
			return
		}
		acceptFrame := &Frame{Args: [6]int64{connRecvFrame.Result}}
		Dispatch(tbl, 2, serverThr, acceptFrame)
		if acceptFrame.Carry {
			t.Errorf("accept syscall failed: %v", acceptFrame.Err)
		}
	}()

	Dispatch(tbl, 1, clientThr, connFrame)
	<-acceptDone
	if connFrame.Carry {
		t.Fatalf("connect syscall failed: %v", connFrame.Err)
	}
	prHandle := connFrame.Result

	done := make(chan struct{})
	go func() {
		defer close(done)
		recvFrame := &Frame{Args: [6]int64{portHandle}}
		for {
			Dispatch(tbl, 4, serverThr, recvFrame)
			if recvFrame.Err == defs.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			if recvFrame.Carry {
				t.Errorf("receive syscall failed: %v", recvFrame.Err)
				return
			}
			break
		}
		if defs.Opcode(recvFrame.Args[0]) != defs.OpWrite || recvFrame.Args[1] != 7 {
			t.Errorf("expected OpWrite(7), got op=%v arg1=%d", recvFrame.Args[0], recvFrame.Args[1])
		}

		replyFrame := &Frame{Args: [6]int64{recvFrame.Result, 99, 0, int64(defs.OK)}}
		Dispatch(tbl, 5, serverThr, replyFrame)
		if replyFrame.Carry {
			t.Errorf("reply syscall failed: %v", replyFrame.Err)
		}
	}()

	sendFrame := &Frame{Args: [6]int64{prHandle, int64(defs.OpWrite), 7, 0}}
	Dispatch(tbl, 3, clientThr, sendFrame)
	<-done

	if sendFrame.Carry || sendFrame.Result != 99 {
		t.Fatalf("expected send to see the server's reply value 99, got result=%d err=%v", sendFrame.Result, sendFrame.Err)
	}
}

func TestSchedOpSyscallSetAndGetClass(t *testing.T) {
	h := hat.NewSoftHat(0, 1<<40)
	env := mkEnv(h)
	tbl := BuildTable(env)
	thr := &Thread{Sched: &sched.Thread{ID: 1, Class: defs.ClassTimeshare}, Vas: mkVas(h, 1), Holder: mutex.NewHolder(), Privileged: true}

	setFrame := &Frame{Args: [6]int64{int64(sched.SchedOpSetClass), int64(defs.ClassRT)}}
	Dispatch(tbl, 38, thr, setFrame)
	if setFrame.Carry || thr.Sched.Class != defs.ClassRT {
		t.Fatalf("expected RT class set, got err=%v class=%v", setFrame.Err, thr.Sched.Class)
	}

	getFrame := &Frame{Args: [6]int64{int64(sched.SchedOpGetClass)}}
	Dispatch(tbl, 38, thr, getFrame)
	if getFrame.Carry || defs.Class(getFrame.Result) != defs.ClassRT {
		t.Fatalf("expected get-class to report RT, got err=%v result=%d", getFrame.Err, getFrame.Result)
	}
}

func TestSchedOpSyscallRejectsUnprivilegedRT(t *testing.T) {
	h := hat.NewSoftHat(0, 1<<40)
	env := mkEnv(h)
	tbl := BuildTable(env)
	thr := &Thread{Sched: &sched.Thread{ID: 1, Class: defs.ClassTimeshare}, Vas: mkVas(h, 1), Holder: mutex.NewHolder(), Privileged: false}

	f := &Frame{Args: [6]int64{int64(sched.SchedOpSetClass), int64(defs.ClassRT)}}
	Dispatch(tbl, 38, thr, f)
	if !f.Carry || f.Err != defs.EPERM {
		t.Fatalf("expected EPERM, got err=%v carry=%v", f.Err, f.Carry)
	}
}

func TestMmapThenMunmapAnonymous(t *testing.T) {
	h := hat.NewSoftHat(0, 1<<40)
	env := mkEnv(h)
	tbl := BuildTable(env)
	thr := &Thread{Sched: &sched.Thread{ID: 1}, Vas: mkVas(h, 1), Holder: mutex.NewHolder()}

	mmapFrame := &Frame{Args: [6]int64{4, int64(defs.ProtRead | defs.ProtWrite)}}
	Dispatch(tbl, 13, thr, mmapFrame)
	if mmapFrame.Carry {
		t.Fatalf("mmap syscall failed: %v", mmapFrame.Err)
	}

	munmapFrame := &Frame{Args: [6]int64{mmapFrame.Result}}
	Dispatch(tbl, 14, thr, munmapFrame)
	if munmapFrame.Carry {
		t.Fatalf("munmap syscall failed: %v", munmapFrame.Err)
	}

	if thr.Vas.FindPview(uintptr(mmapFrame.Result)) != nil {
		t.Fatal("expected the pview to be gone after munmap")
	}
}

func TestStrerrorSyscallWritesMessage(t *testing.T) {
	h := hat.NewSoftHat(0, 1<<40)
	env := mkEnv(h)
	tbl := BuildTable(env)
	thr := &Thread{Sched: &sched.Thread{ID: 1}, Vas: mkVas(h, 1), Holder: mutex.NewHolder()}

	pset := mem.NewZFOD(env.Arena, 1, nil)
	pv := vm.AllocPview(pset, 0, 1, defs.ProtRead|defs.ProtWrite)
	if err := thr.Vas.AttachPview(pv, 0); err != defs.OK {
		t.Fatalf("AttachPview: %v", err)
	}

	f := &Frame{Args: [6]int64{int64(defs.ENOENT), int64(pv.Vaddr())}}
	Dispatch(tbl, 15, thr, f)
	if f.Carry {
		t.Fatalf("strerror syscall failed: %v", f.Err)
	}
	got, err := thr.Vas.Userstr(pv.Vaddr(), 256)
	if err != defs.OK || got != defs.Strerror(defs.ENOENT) {
		t.Fatalf("expected %q written to user memory, got %q (err=%v)", defs.Strerror(defs.ENOENT), got, err)
	}
}
