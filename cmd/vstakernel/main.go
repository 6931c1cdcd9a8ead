// Command vstakernel boots a single-process VSTa-style microkernel
// simulation and exercises its core subsystems: a port/connect/send/
// receive/reply round trip, an anonymous mmap, and a scheduler
// occupancy report. It is a demonstration harness, not a real
// multi-process kernel entry point — analogous in spirit to the
// teacher's own small standalone tools (misc/depgraph/main.go,
// scripts/features.go) living alongside the core packages rather than
// inside them.
package main

import (
	"fmt"
	"time"

	"vsta/internal/accnt"
	"vsta/internal/boot"
	"vsta/internal/defs"
	"vsta/internal/diag"
	"vsta/internal/mem"
	"vsta/internal/mutex"
	"vsta/internal/sched"
	"vsta/internal/trap"
	"vsta/internal/vm"
)

func main() {
	k := boot.Boot(boot.Config{
		ArenaPages:  256,
		SwapBudget:  64,
		LotterySeed: time.Now().UnixNano(),
		AddrSpace:   1 << 40,
	})

	runEchoServer(k)
	runMmapDemo(k)
	runSchedDemo(k)
}

// runEchoServer stands up a server thread that answers one message, and
// a client thread that sends it, exercising internal/ipc end to end
// through the trap dispatch table rather than calling ipc directly.
func runEchoServer(k *boot.Kernel) {
	serverVas := vm.NewVas(k.Hat, 1)
	clientVas := vm.NewVas(k.Hat, 2)
	serverThr := &trap.Thread{Sched: &sched.Thread{ID: 1}, Vas: serverVas, Holder: mutex.NewHolder()}
	clientThr := &trap.Thread{Sched: &sched.Thread{ID: 2}, Vas: clientVas, Holder: mutex.NewHolder()}

	nameAddr := writeString(serverVas, k.Arena, "echo")
	portFrame := &trap.Frame{Args: [6]int64{int64(nameAddr)}}
	trap.Dispatch(k.Table, 0, serverThr, portFrame)

	connAddr := writeString(clientVas, k.Arena, "echo")
	connFrame := &trap.Frame{Args: [6]int64{int64(connAddr)}}

	// connect blocks until the server receives the pending CONNECT sysmsg
	// and accepts it, so that handshake runs concurrently with the client's
	// connect dispatch below.
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		connRecvFrame := &trap.Frame{Args: [6]int64{portFrame.Result}}
		for {
			trap.Dispatch(k.Table, 4, serverThr, connRecvFrame)
			if connRecvFrame.Err == defs.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			break
		}
		acceptFrame := &trap.Frame{Args: [6]int64{connRecvFrame.Result}}
		trap.Dispatch(k.Table, 2, serverThr, acceptFrame)
	}()

	trap.Dispatch(k.Table, 1, clientThr, connFrame)
	<-acceptDone

	done := make(chan struct{})
	go func() {
		defer close(done)
		recvFrame := &trap.Frame{Args: [6]int64{portFrame.Result}}
		for {
			trap.Dispatch(k.Table, 4, serverThr, recvFrame)
			if recvFrame.Err == defs.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			break
		}
		replyFrame := &trap.Frame{Args: [6]int64{recvFrame.Result, recvFrame.Args[1] * 2, 0, int64(defs.OK)}}
		trap.Dispatch(k.Table, 5, serverThr, replyFrame)
	}()

	sendFrame := &trap.Frame{Args: [6]int64{connFrame.Result, int64(defs.OpWrite), 21, 0}}
	trap.Dispatch(k.Table, 3, clientThr, sendFrame)
	<-done

	fmt.Printf("echo: sent 21, server doubled it to %d\n", sendFrame.Result)
}

// runMmapDemo exercises the anonymous-mmap syscall path and tears the
// mapping down again.
func runMmapDemo(k *boot.Kernel) {
	vas := vm.NewVas(k.Hat, 3)
	thr := &trap.Thread{Sched: &sched.Thread{ID: 3}, Vas: vas, Holder: mutex.NewHolder()}

	mmapFrame := &trap.Frame{Args: [6]int64{4, int64(defs.ProtRead | defs.ProtWrite)}}
	trap.Dispatch(k.Table, 13, thr, mmapFrame)
	fmt.Printf("mmap: mapped 4 anonymous pages at %#x\n", mmapFrame.Result)

	munmapFrame := &trap.Frame{Args: [6]int64{mmapFrame.Result}}
	trap.Dispatch(k.Table, 14, thr, munmapFrame)
	fmt.Printf("munmap: err=%s\n", defs.Strerror(munmapFrame.Err))
}

// runSchedDemo loads the timeshare tree with a couple of threads at a
// 2:1 priority ratio, dispatches a few rounds, and renders the
// occupancy snapshot plus a sample rusage table.
func runSchedDemo(k *boot.Kernel) {
	a := &sched.Thread{ID: 10, Class: defs.ClassTimeshare}
	b := &sched.Thread{ID: 11, Class: defs.ClassTimeshare}
	k.Sched.Root().AddLeaf(2, a)
	k.Sched.Root().AddLeaf(1, b)

	for i := 0; i < 6; i++ {
		k.Sched.Lsetrun(a)
		k.Sched.Lsetrun(b)
		k.Sched.PickRun()
	}

	rows := map[string]int64{}
	for _, s := range k.Sched.Snapshot().Sample {
		rows[s.Label["class"][0]] += s.Value[0]
	}
	fmt.Print(diag.SchedTable(rows))

	ac := &accnt.Accnt{}
	ac.Utadd(1_500_000_000)
	ac.Systadd(250_000_000)
	fmt.Print(diag.RusageTable(ac))
}

func writeString(vas *vm.Vas, arena *mem.Arena, s string) uintptr {
	pset := mem.NewZFOD(arena, 1, nil)
	pv := vm.AllocPview(pset, 0, 1, defs.ProtRead|defs.ProtWrite)
	vas.AttachPview(pv, 0)
	ub := vm.MkUserbuf(vas, pv.Vaddr(), len(s)+1)
	ub.Uiowrite(append([]byte(s), 0))
	return pv.Vaddr()
}
