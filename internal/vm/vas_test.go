package vm

import (
	"testing"

	"vsta/internal/defs"
	"vsta/internal/hat"
	"vsta/internal/mem"
)

func newTestVas(t *testing.T, h *hat.SoftHat, id hat.VasID) *Vas {
	t.Helper()
	return NewVas(h, id)
}

func TestAnonymousMmapZFOD(t *testing.T) {
	h := hat.NewSoftHat(0, 1<<40)
	arena := mem.NewArena(64)
	vas := newTestVas(t, h, 1)

	pset := mem.NewZFOD(arena, 3, nil)
	pv := AllocPview(pset, 0, 3, defs.ProtRead|defs.ProtWrite)
	if err := vas.AttachPview(pv, 0); err != defs.OK {
		t.Fatalf("AttachPview: %v", err)
	}

	base := pv.Vaddr()
	// Touch page 2.
	faultAddr := base + 2*defs.PageSize
	if err := VasFault(vas, faultAddr, true); err != defs.OK {
		t.Fatalf("VasFault: %v", err)
	}
	if pset.SlotFlags(2)&defs.SlotV == 0 {
		t.Fatal("expected slot 2 to be V after fault")
	}
	if pset.SlotRefs(2) != 1 {
		t.Fatalf("expected slot 2 refcount 1, got %d", pset.SlotRefs(2))
	}
	if pfn, _, ok := h.Lookup(hat.VasID(1), faultAddr); !ok || mem.Pfn(pfn) != pset.SlotPfn(2) {
		t.Fatalf("expected HAT translation to slot 2's pfn, lookup=%d ok=%v", pfn, ok)
	}

	// munmap: remove the pview, drop the pset reference.
	freeBefore := arena.Free()
	vas.RemovePview(pv)
	if pset.Refs() != 0 {
		t.Fatalf("expected pset refs 0 after munmap, got %d", pset.Refs())
	}
	if arena.Free() != freeBefore+1 {
		t.Fatalf("expected one more free frame after munmap, got %d (was %d)", arena.Free(), freeBefore)
	}
	if _, _, ok := h.Lookup(hat.VasID(1), faultAddr); ok {
		t.Fatal("expected HAT translation removed after munmap")
	}
}

func TestCOWForkOfWritablePage(t *testing.T) {
	h := hat.NewSoftHat(0, 1<<40)
	arena := mem.NewArena(64)
	parentVas := newTestVas(t, h, 1)

	pset := mem.NewZFOD(arena, 1, nil)
	pv := AllocPview(pset, 0, 1, defs.ProtRead|defs.ProtWrite)
	parentVas.AttachPview(pv, 0)
	base := pv.Vaddr()
	VasFault(parentVas, base, true)
	pset.Bytes(0)[0] = 0xA5

	childVas, err := parentVas.Fork(h, hat.VasID(2), nil)
	if err != defs.OK {
		t.Fatalf("Fork: %v", err)
	}

	// Child read-fault: shares parent's physical frame, COW set.
	if err := VasFault(childVas, base, false); err != defs.OK {
		t.Fatalf("child read fault: %v", err)
	}
	childPv := childVas.FindPview(base)
	childPv.Pset().Unlock()
	if childPv.Pset().SlotPfn(0) != pset.SlotPfn(0) {
		t.Fatal("expected child to share parent's frame before write")
	}

	// Child write-fault: breaks the share.
	if err := VasFault(childVas, base, true); err != defs.OK {
		t.Fatalf("child write fault: %v", err)
	}
	if childPv.Pset().SlotPfn(0) == pset.SlotPfn(0) {
		t.Fatal("expected child to own a private frame after write")
	}
	childBuf, _, _ := childVas.pageBytes(base)
	if childBuf[0] != 0xA5 {
		t.Fatalf("expected copied byte 0xA5, got %x", childBuf[0])
	}
	childBuf[0] = 0xFF

	parentBuf, _, _ := parentVas.pageBytes(base)
	if parentBuf[0] != 0xA5 {
		t.Fatal("parent's page must be undisturbed by child's write")
	}
}
