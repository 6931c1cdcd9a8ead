// Package vm implements the address-space (vas), page-view (pview), and
// fault-resolver layers of spec.md §3/§4.4/§4.5. Grounded on
// biscuit/src/vm/as.go (Vm_t's address-space mutex, Sys_pgfault,
// Userdmap8_inner) for the Go idiom, and on original_source's
// vsta/src/os/kern/{pview.c,vas.c,vm_fault.c} for the exact algorithms.
package vm

import (
	"sync"
	"sync/atomic"

	"vsta/internal/defs"
	"vsta/internal/hat"
	"vsta/internal/mem"
)

// Vas is an ordered-by-virtual-address collection of pviews plus
// HAT-private per-vas state (spec.md §3). Each vas owns a spinlock for its
// pview list (§5); a bare sync.Mutex is the exact degenerate spinlock
// spec.md §1 describes for the single-CPU case.
type Vas struct {
	id hat.VasID
	h  hat.Hat

	mu     sync.Mutex
	pviews []*Pview

	nextPviewID int64
}

func newVas(h hat.Hat, id hat.VasID) *Vas {
	h.Init(id)
	return &Vas{h: h, id: id}
}

// NewVas constructs a fresh, empty address space using h as its HAT.
func NewVas(h hat.Hat, id hat.VasID) *Vas {
	return newVas(h, id)
}

func (v *Vas) allocPviewID() hat.PviewID {
	return hat.PviewID(atomic.AddInt64(&v.nextPviewID, 1))
}

// Pview is a binding of a range of a pset into a vas (spec.md §3/§4.4).
type Pview struct {
	id     hat.PviewID
	vas    *Vas
	pset   *mem.Pset
	vaddr  uintptr
	length int // pages
	off    int // offset into the pset
	prot   defs.Prot
}

func (pv *Pview) Pset() *mem.Pset { return pv.pset }
func (pv *Pview) Vaddr() uintptr  { return pv.vaddr }
func (pv *Pview) Length() int     { return pv.length }
func (pv *Pview) Off() int        { return pv.off }
func (pv *Pview) Prot() defs.Prot { return pv.prot }

// AllocPview creates a detached pview over pset (bumping its refcount);
// the caller must AttachPview it into a vas before it is usable.
func AllocPview(pset *mem.Pset, off, length int, prot defs.Prot) *Pview {
	pset.Ref()
	return &Pview{pset: pset, off: off, length: length, prot: prot}
}

// DupPview creates a new view over the same pset as pv (reference
// bumped) — used when two vases share a mapping read-only.
func DupPview(pv *Pview) *Pview {
	pv.pset.Ref()
	return &Pview{pset: pv.pset, off: pv.off, length: pv.length, prot: pv.prot}
}

// CopyPview creates a new view backed by a *copy* of pv's pset: a COW
// pset wrapping pv's, used for non-shared writable views on fork.
func CopyPview(pv *Pview, swap mem.SwapIO) *Pview {
	cow := mem.NewCOW(pv.pset.Arena(), pv.pset, pv.off, pv.length, swap)
	return &Pview{pset: cow, off: 0, length: pv.length, prot: pv.prot}
}

// AttachPview asks the HAT to reserve an address (want == 0 picks one),
// then links pv into v's ordered pview list.
func (v *Vas) AttachPview(pv *Pview, want uintptr) defs.Err_t {
	pv.id = v.allocPviewID()
	vaddr, err := v.h.Attach(v.id, pv.id, want, pv.length)
	if err != defs.OK {
		return err
	}
	pv.vaddr = vaddr
	pv.vas = v

	v.mu.Lock()
	v.insertSorted(pv)
	v.mu.Unlock()
	return defs.OK
}

func (v *Vas) insertSorted(pv *Pview) {
	i := 0
	for i < len(v.pviews) && v.pviews[i].vaddr < pv.vaddr {
		i++
	}
	v.pviews = append(v.pviews, nil)
	copy(v.pviews[i+1:], v.pviews[i:])
	v.pviews[i] = pv
}

// DetachPview releases the HAT reservation but not any installed
// translations, and unlinks pv from the vas's list.
func (v *Vas) DetachPview(pv *Pview) {
	v.mu.Lock()
	for i, e := range v.pviews {
		if e == pv {
			v.pviews = append(v.pviews[:i], v.pviews[i+1:]...)
			break
		}
	}
	v.mu.Unlock()
	v.h.Detach(v.id, pv.id, pv.vaddr, pv.length)
}

// FindPview looks up the pview containing vaddr by containment. On a hit
// it returns with the pset's lock held, per spec.md §4.5 step 1 ("the pset
// lock is now held"); the caller is responsible for releasing it (directly
// via pv.Pset().Unlock(), or indirectly via LockSlot/UnlockSlot).
func (v *Vas) FindPview(vaddr uintptr) *Pview {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, pv := range v.pviews {
		if vaddr >= pv.vaddr && vaddr < pv.vaddr+uintptr(pv.length)*defs.PageSize {
			pv.pset.Lock()
			return pv
		}
	}
	return nil
}

// RemovePview detaches pv, tears down its translations and slot
// references, and releases the pview's pset reference.
func (v *Vas) RemovePview(pv *Pview) {
	v.DetachPview(pv)
	for i := 0; i < pv.length; i++ {
		idx := pv.off + i
		if pv.pset.SlotFlags(idx)&defs.SlotV != 0 {
			vaddr := pv.vaddr + uintptr(i)*defs.PageSize
			v.h.DeleteTrans(v.id, pv.id, vaddr, uint64(pv.pset.SlotPfn(idx)))
			pv.pset.RemoveAtl(idx, pv, i)
			pv.pset.DerefSlot(idx)
		}
	}
	pv.pset.Deref()
}

// AttachValidSlots walks the slots of pv's range; for each already-valid
// slot it adds an atl entry, installs a HAT translation using
// COW-aware protection, and bumps the slot's reference count. Used during
// fork to pre-populate a child's translations for pages already resident
// in the parent (spec.md §4.4).
func (v *Vas) AttachValidSlots(pv *Pview) defs.Err_t {
	for i := 0; i < pv.length; i++ {
		idx := pv.off + i
		if pv.pset.SlotFlags(idx)&defs.SlotV == 0 {
			continue
		}
		prot := pv.prot
		if pv.pset.SlotFlags(idx)&defs.SlotCOW != 0 || pv.pset.Type() == defs.PsetCOW {
			prot &^= defs.ProtWrite
		}
		vaddr := pv.vaddr + uintptr(i)*defs.PageSize
		if err := v.h.AddTrans(v.id, pv.id, vaddr, uint64(pv.pset.SlotPfn(idx)), prot); err != defs.OK {
			return err
		}
		pv.pset.AddAtl(idx, pv, i)
		pv.pset.RefSlot(idx)
	}
	return defs.OK
}

// FreeVas iteratively removes the first pview until the vas is empty, then
// releases the HAT's per-vas state, matching free_vas in vas.c.
func (v *Vas) FreeVas() {
	for {
		v.mu.Lock()
		if len(v.pviews) == 0 {
			v.mu.Unlock()
			break
		}
		pv := v.pviews[0]
		v.mu.Unlock()
		v.RemovePview(pv)
	}
	v.h.Free(v.id)
}

// ShareRange builds a detached pview covering [base, base+length) of v,
// for the IPC layer's segment construction (spec.md §4.6: "the core walks
// the user segments and... allocates a kernel seg structure that shares
// the underlying pages of the sender's vas"). The range must lie entirely
// within one existing pview.
func (v *Vas) ShareRange(base uintptr, length int) (*Pview, defs.Err_t) {
	pv := v.FindPview(base)
	if pv == nil {
		return nil, defs.EFAULT
	}
	defer pv.pset.Unlock()
	end := base + uintptr(length)
	if end > pv.vaddr+uintptr(pv.length)*defs.PageSize {
		return nil, defs.EFAULT
	}
	pageOff := int((base - pv.vaddr) / defs.PageSize)
	npages := (length + int(base%defs.PageSize) + defs.PageSize - 1) / defs.PageSize
	off := pv.off + pageOff
	pv.pset.Ref()
	return &Pview{pset: pv.pset, off: off, length: npages, prot: pv.prot}, defs.OK
}

// Fork duplicates v into a new vas: read-only views are shared (DupPview,
// same pset identity); writable views get a COW pset over the parent's
// (CopyPview); already-resident pages are pre-populated via
// AttachValidSlots. Matches fork_vas in original_source's vas.c and the
// round-trip law in spec.md §8.
func (v *Vas) Fork(h hat.Hat, newID hat.VasID, swap mem.SwapIO) (*Vas, defs.Err_t) {
	child := newVas(h, newID)
	v.mu.Lock()
	parents := append([]*Pview(nil), v.pviews...)
	v.mu.Unlock()

	for _, pv := range parents {
		var npv *Pview
		if pv.prot&defs.ProtWrite == 0 {
			npv = DupPview(pv)
		} else {
			npv = CopyPview(pv, swap)
		}
		if err := child.AttachPview(npv, pv.vaddr); err != defs.OK {
			child.FreeVas()
			return nil, err
		}
		if err := child.AttachValidSlots(npv); err != defs.OK {
			child.FreeVas()
			return nil, err
		}
	}
	return child, defs.OK
}
