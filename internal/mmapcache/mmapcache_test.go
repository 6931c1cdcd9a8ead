package mmapcache

import (
	"sync"
	"testing"
	"time"

	"vsta/internal/defs"
	"vsta/internal/hat"
	"vsta/internal/ipc"
	"vsta/internal/mem"
	"vsta/internal/mutex"
	"vsta/internal/vm"
)

// runFakeFileServer answers every OpAbsRead with a one-page reply whose
// first byte is the requested page index, letting the test assert the
// right page ended up in the right slot without a real filesystem.
func runFakeFileServer(t *testing.T, h *hat.SoftHat, port *ipc.Port, serverVasID hat.VasID, stop <-chan struct{}) {
	t.Helper()
	serverVas := vm.NewVas(h, serverVasID)
	sh := mutex.NewHolder()
	for {
		select {
		case <-stop:
			return
		default:
		}
		rm, err := ipc.Receive(sh, port, serverVas)
		if err == defs.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != defs.OK {
			return
		}
		if rm.Op == defs.OpConnect {
			ipc.Accept(rm.Sender)
			continue
		}
		if rm.Op != defs.OpAbsRead {
			continue
		}
		arena := mem.NewArena(1)
		pset := mem.NewZFOD(arena, 1, nil)
		pv := vm.AllocPview(pset, 0, 1, defs.ProtRead|defs.ProtWrite)
		serverVas.AttachPview(pv, 0)
		base := pv.Vaddr()
		vm.VasFault(serverVas, base, true)
		pset.Bytes(0)[0] = byte(rm.Arg1)

		rm.Finish(serverVas)
		ipc.Reply(rm.Sender, 0, 0, defs.OK, []ipc.Seg{{View: pv, Off: 0, Len: defs.PageSize}}, serverVas)
	}
}

func TestCacheBuildsAndSharesFODPset(t *testing.T) {
	h := hat.NewSoftHat(0, 1<<40)
	port := ipc.NewPort("fs")
	stop := make(chan struct{})
	go runFakeFileServer(t, h, port, 99, stop)
	defer close(stop)

	c := NewCache(mem.NewArena(64), h, 50)
	id := Identity{Port: port, FID: 7}

	var wg sync.WaitGroup
	psets := make([]*mem.Pset, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Get(id, 4)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			psets[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < 4; i++ {
		if psets[i] != psets[0] {
			t.Fatal("expected all concurrent Get calls to share one pset")
		}
	}

	vas := vm.NewVas(h, 1)
	pv := vm.AllocPview(psets[0], 2, 1, defs.ProtRead)
	if err := vas.AttachPview(pv, 0); err != defs.OK {
		t.Fatalf("AttachPview: %v", err)
	}
	if err := vm.VasFault(vas, pv.Vaddr(), false); err != defs.OK {
		t.Fatalf("VasFault: %v", err)
	}
	if got := psets[0].Bytes(2)[0]; got != 2 {
		t.Fatalf("expected page 2's content to be 2, got %d", got)
	}
}
