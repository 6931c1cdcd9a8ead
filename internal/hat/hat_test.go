package hat

import (
	"testing"

	"vsta/internal/defs"
)

func TestAttachAddDeleteTrans(t *testing.T) {
	h := NewSoftHat(0, 1<<40)
	vas := VasID(1)
	h.Init(vas)
	defer h.Free(vas)

	vaddr, err := h.Attach(vas, 1, 0, 3)
	if err != defs.OK {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := h.AddTrans(vas, 1, vaddr, 42, defs.ProtRead|defs.ProtWrite); err != defs.OK {
		t.Fatalf("AddTrans failed: %v", err)
	}
	pfn, prot, ok := h.Lookup(vas, vaddr)
	if !ok || pfn != 42 || prot != defs.ProtRead|defs.ProtWrite {
		t.Fatalf("Lookup mismatch: pfn=%d prot=%v ok=%v", pfn, prot, ok)
	}

	h.DeleteTrans(vas, 1, vaddr, 42)
	if _, _, ok := h.Lookup(vas, vaddr); ok {
		t.Fatal("translation should be gone after DeleteTrans")
	}
	// idempotent
	h.DeleteTrans(vas, 1, vaddr, 42)
}

func TestGetBitsClearsOnRead(t *testing.T) {
	h := NewSoftHat(0, 1<<40)
	vas := VasID(2)
	h.Init(vas)
	vaddr, _ := h.Attach(vas, 1, 0, 1)
	h.AddTrans(vas, 1, vaddr, 7, defs.ProtRead)

	h.MarkAccess(vas, vaddr, true)
	b := h.GetBits(vas, vaddr)
	if !b.R || !b.M {
		t.Fatalf("expected R and M set, got %+v", b)
	}
	b2 := h.GetBits(vas, vaddr)
	if b2.R || b2.M {
		t.Fatalf("expected bits cleared after read, got %+v", b2)
	}
}

func TestForkClonesRmap(t *testing.T) {
	h := NewSoftHat(0, 1<<40)
	old := VasID(3)
	h.Init(old)
	a1, _ := h.Attach(old, 1, 0, 1)

	newv := VasID(4)
	h.Fork(old, newv)
	a2, err := h.Attach(newv, 1, 0, 1)
	if err != defs.OK {
		t.Fatalf("Attach on forked vas failed: %v", err)
	}
	// Fork copies old's rmap state *after* a1 was carved out of it, so the
	// forked vas must not be able to hand out a1 again.
	if a1 == a2 {
		t.Fatalf("forked rmap should not re-allocate already-consumed address %d", a1)
	}
}
