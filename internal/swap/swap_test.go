package swap

import (
	"testing"
	"time"

	"vsta/internal/defs"
	"vsta/internal/hat"
	"vsta/internal/ipc"
	"vsta/internal/mem"
	"vsta/internal/mutex"
	"vsta/internal/vm"
)

func TestAllocBeforeRegistrationIsPending(t *testing.T) {
	m := NewManager(-1)
	h := mutex.NewHolder()
	b1 := m.Alloc(h, 3)
	b2 := m.Alloc(h, 2)
	if b1 == b2 {
		t.Fatal("expected distinct pending block ranges")
	}
	if m.Registered() {
		t.Fatal("manager should not be registered yet")
	}
	// Freeing a pending block before a server exists is a counted leak,
	// not returned to any real pool.
	m.Free(b1, 3)
	if m.Leaked() != 3 {
		t.Fatalf("expected 3 leaked blocks, got %d", m.Leaked())
	}
}

func TestAllocBlocksOnExhaustionAndWakesOnFree(t *testing.T) {
	m := NewManager(1)
	hSoft := hat.NewSoftHat(0, 1<<40)
	port := ipc.NewPort("swapd")
	go func() {
		serverVas := vm.NewVas(hSoft, 78)
		sh := mutex.NewHolder()
		rm, err := ipc.Receive(sh, port, serverVas)
		if err == defs.OK && rm.Op == defs.OpConnect {
			ipc.Accept(rm.Sender)
		}
	}()
	if err := m.RegisterServer(port, hSoft, 77); err != defs.OK {
		t.Fatalf("RegisterServer: %v", err)
	}

	h1 := mutex.NewHolder()
	b1 := m.Alloc(h1, 1) // consumes the only budgeted block

	h2 := mutex.NewHolder()
	done := make(chan int64, 1)
	go func() {
		done <- m.Alloc(h2, 1)
	}()

	select {
	case <-done:
		t.Fatal("second Alloc should have blocked with budget exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	m.Free(b1, 1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second Alloc did not wake after Free")
	}
}

func runFakeSwapServer(t *testing.T, h *hat.SoftHat, port *ipc.Port, vasID hat.VasID, store map[int64]byte, ops int) {
	t.Helper()
	serverVas := vm.NewVas(h, vasID)
	sh := mutex.NewHolder()
	for done := 0; done < ops; {
		rm, err := ipc.Receive(sh, port, serverVas)
		if err != defs.OK {
			return
		}
		switch rm.Op {
		case defs.OpConnect:
			ipc.Accept(rm.Sender)
		case defs.OpWrite:
			if len(rm.Mapped) > 0 {
				b := rm.Mapped[0].Pset().Bytes(rm.Mapped[0].Off())
				store[rm.Arg1] = b[0]
			}
			rm.Finish(serverVas)
			ipc.Reply(rm.Sender, 0, 0, defs.OK, nil, serverVas)
			done++
		case defs.OpRead:
			rm.Finish(serverVas)
			arena := mem.NewArena(1)
			pset := mem.NewZFOD(arena, 1, nil)
			pv := vm.AllocPview(pset, 0, 1, defs.ProtRead|defs.ProtWrite)
			serverVas.AttachPview(pv, 0)
			vm.VasFault(serverVas, pv.Vaddr(), true)
			pset.Bytes(0)[0] = store[rm.Arg1]
			ipc.Reply(rm.Sender, 0, 0, defs.OK, []ipc.Seg{{View: pv, Off: 0, Len: defs.PageSize}}, serverVas)
			done++
		}
	}
}

func TestWriteReadPageRoundTrip(t *testing.T) {
	h := hat.NewSoftHat(0, 1<<40)
	port := ipc.NewPort("swapd")
	store := map[int64]byte{}
	go runFakeSwapServer(t, h, port, 88, store, 2)

	m := NewManager(-1)
	if err := m.RegisterServer(port, h, 1); err != defs.OK {
		t.Fatalf("RegisterServer: %v", err)
	}

	buf := make([]byte, defs.PageSize)
	buf[0] = 0x42
	if err := m.WritePage(5, 0, buf); err != defs.OK {
		t.Fatalf("WritePage: %v", err)
	}

	readBuf := make([]byte, defs.PageSize)
	if err := m.ReadPage(5, 0, readBuf); err != defs.OK {
		t.Fatalf("ReadPage: %v", err)
	}
	if readBuf[0] != 0x42 {
		t.Fatalf("expected 0x42 roundtrip, got %x", readBuf[0])
	}
}
