// Package hat defines the pluggable hardware-address-translation contract
// of spec.md §4.2 and a software reference implementation. The core never
// depends on which Hat implementation is installed, only on this
// interface — grounded on original_source's src/os/mach/hat.c
// (hat_initvas/hat_addtrans/hat_deletetrans/hat_getbits/hat_fork).
package hat

import (
	"sync"

	"vsta/internal/defs"
)

// VasID and PviewID are opaque identifiers supplied by internal/vm; hat
// itself has no notion of a Vas or Pview struct, keeping it a leaf package
// per spec.md's "the core never depends on whether the HAT represents
// translations as tree page tables, inverted tables, or software TLBs".
type VasID int
type PviewID int

// Bits is the result of GetBits: the hardware reference/modify state,
// cleared atomically as it is read.
type Bits struct {
	R bool
	M bool
}

// Hat is the narrow contract consumed by internal/vm's fault resolver.
type Hat interface {
	// Init allocates per-vas HAT state, copying the kernel half of the
	// root page table from the canonical kernel root.
	Init(vas VasID)
	// Free releases all HAT-owned storage for vas.
	Free(vas VasID)
	// Attach reserves virtual address space for pview covering npages
	// pages. If want is zero the HAT chooses an address from its internal
	// resource map; otherwise it honours want or fails.
	Attach(vas VasID, pview PviewID, want uintptr, npages int) (uintptr, defs.Err_t)
	// Detach releases the reservation but not any installed translations.
	Detach(vas VasID, pview PviewID, vaddr uintptr, npages int)
	// AddTrans installs a translation, allocating intermediate page-table
	// structures on demand.
	AddTrans(vas VasID, pview PviewID, vaddr uintptr, pfn uint64, prot defs.Prot) defs.Err_t
	// DeleteTrans removes a translation; idempotent on missing entries.
	DeleteTrans(vas VasID, pview PviewID, vaddr uintptr, pfn uint64)
	// GetBits atomically reads and clears the reference/modify bits.
	GetBits(vas VasID, vaddr uintptr) Bits
	// Fork copies resource-map state from old to new, for address-space
	// duplication at fork.
	Fork(old, new VasID)
}

type transKey struct {
	vas   VasID
	vaddr uintptr
}

type transEntry struct {
	pview PviewID
	pfn   uint64
	prot  defs.Prot
	bits  Bits
}

// SoftHat is a map-backed reference Hat: translations live in an ordinary
// Go map rather than real page tables, and virtual-address reservation is
// handled by a simple resource map (rmap), exactly the allocator hat.c
// uses (rmap_alloc/rmap_free) to hand out vaddr ranges.
type SoftHat struct {
	mu     sync.Mutex
	rmaps  map[VasID]*rmap
	trans  map[transKey]*transEntry
	kernel map[uintptr]uint64 // kernel-half entries; never filled, and Init copies nothing from it
}

// NewSoftHat constructs a reference Hat, used both for the kernel's own
// reservations and every vas's user-half allocations. base and size are
// not used: Init gives every vas the same address range, starting at one
// page and 1<<46 bytes long.
func NewSoftHat(base, size uintptr) *SoftHat {
	return &SoftHat{
		rmaps:  map[VasID]*rmap{},
		trans:  map[transKey]*transEntry{},
		kernel: map[uintptr]uint64{},
	}
}

func (h *SoftHat) Init(vas VasID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rmaps[vas]; ok {
		panic("hat: vas already initialized")
	}
	h.rmaps[vas] = newRmap(defs.PageSize, 1<<46)
}

func (h *SoftHat) Free(vas VasID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.trans {
		if k.vas == vas {
			delete(h.trans, k)
		}
	}
	delete(h.rmaps, vas)
}

func (h *SoftHat) Attach(vas VasID, pview PviewID, want uintptr, npages int) (uintptr, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rmaps[vas]
	if !ok {
		panic("hat: Attach on uninitialized vas")
	}
	size := uintptr(npages) * defs.PageSize
	if want != 0 {
		if !r.reserveAt(want, size) {
			return 0, defs.ENOMEM
		}
		return want, defs.OK
	}
	addr, ok := r.alloc(size)
	if !ok {
		return 0, defs.ENOMEM
	}
	return addr, defs.OK
}

func (h *SoftHat) Detach(vas VasID, pview PviewID, vaddr uintptr, npages int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rmaps[vas]; ok {
		r.free(vaddr, uintptr(npages)*defs.PageSize)
	}
}

func (h *SoftHat) AddTrans(vas VasID, pview PviewID, vaddr uintptr, pfn uint64, prot defs.Prot) defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trans[transKey{vas, vaddr}] = &transEntry{pview: pview, pfn: pfn, prot: prot}
	return defs.OK
}

func (h *SoftHat) DeleteTrans(vas VasID, pview PviewID, vaddr uintptr, pfn uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.trans, transKey{vas, vaddr}) // idempotent: deleting absent key is a no-op
}

func (h *SoftHat) GetBits(vas VasID, vaddr uintptr) Bits {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.trans[transKey{vas, vaddr}]
	if !ok {
		return Bits{}
	}
	b := e.bits
	e.bits = Bits{}
	return b
}

// MarkAccess is a test/diagnostic hook simulating hardware setting the R/M
// bits on access; a real HAT would have the MMU do this implicitly.
func (h *SoftHat) MarkAccess(vas VasID, vaddr uintptr, write bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.trans[transKey{vas, vaddr}]; ok {
		e.bits.R = true
		if write {
			e.bits.M = true
		}
	}
}

// Lookup is a test hook exposing the installed translation, if any.
func (h *SoftHat) Lookup(vas VasID, vaddr uintptr) (pfn uint64, prot defs.Prot, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.trans[transKey{vas, vaddr}]
	if !ok {
		return 0, 0, false
	}
	return e.pfn, e.prot, true
}

func (h *SoftHat) Fork(old, new VasID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.rmaps[old]
	if !ok {
		panic("hat: Fork from uninitialized vas")
	}
	h.rmaps[new] = o.clone()
}
