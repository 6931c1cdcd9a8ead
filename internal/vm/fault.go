package vm

import "vsta/internal/defs"

// VasFault is the fault resolver's single entry (spec.md §4.5): translate
// a faulting (vas, vaddr, write?) into a slot fill plus translation
// install. Grounded directly on original_source's vas_fault in
// vsta/src/os/kern/vm_fault.c.
func VasFault(vas *Vas, vaddr uintptr, write bool) defs.Err_t {
	pv := vas.FindPview(vaddr) // pset lock held on success (step 1)
	if pv == nil {
		return defs.EFAULT
	}

	if write && pv.prot&defs.ProtWrite == 0 { // step 2
		pv.pset.Unlock()
		return defs.EPERM
	}

	pageIdx := int((vaddr - pv.vaddr) / defs.PageSize)
	idx := pageIdx + pv.off // step 3
	pv.pset.LockSlot(idx)   // releases the pset lock

	if pv.pset.SlotFlags(idx)&defs.SlotBAD != 0 { // step 4
		pv.pset.UnlockSlot(idx)
		return defs.EIO
	}

	wasV := pv.pset.SlotFlags(idx)&defs.SlotV != 0
	if !wasV { // step 5
		if err := pv.pset.FillSlot(idx); err != defs.OK {
			pv.pset.UnlockSlot(idx)
			return err
		}
	} else {
		pv.pset.RefSlot(idx)
	}

	if write && pv.pset.SlotFlags(idx)&defs.SlotCOW != 0 { // step 6
		if wasV {
			for _, e := range pv.pset.AtlEntries(idx) {
				if e.Pview == pv {
					lv := pv.vaddr + uintptr(e.Index)*defs.PageSize
					vas.h.DeleteTrans(vas.id, pv.id, lv, uint64(pv.pset.SlotPfn(idx)))
					pv.pset.RemoveAtl(idx, pv, e.Index)
					pv.pset.DerefSlot(idx)
				}
			}
		}
		if err := pv.pset.CowWrite(idx); err != defs.OK {
			pv.pset.UnlockSlot(idx)
			return err
		}
	}

	prot := pv.prot // step 7
	if pv.pset.SlotFlags(idx)&defs.SlotCOW != 0 {
		prot &^= defs.ProtWrite
	}
	pv.pset.AddAtl(idx, pv, pageIdx)
	if err := vas.h.AddTrans(vas.id, pv.id, vaddr, uint64(pv.pset.SlotPfn(idx)), prot); err != defs.OK {
		pv.pset.RemoveAtl(idx, pv, pageIdx)
		pv.pset.UnlockSlot(idx)
		return err
	}
	pv.pset.UnlockSlot(idx)
	return defs.OK
}
