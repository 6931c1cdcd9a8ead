// Package mem implements the physical-page arena and the pset (page-set)
// layer of spec.md §3/§4.3: content-addressable page containers with
// per-slot state and the four filling strategies (ZFOD, file-FOD, COW,
// physical-memory). Grounded on biscuit's biscuit/src/mem/mem.go
// (Physmem_t/Refup/Refdown/_refpg_new for the arena) and on
// original_source's vsta/src/os/kern/{pset.c,pset_cow.c,pset_fod.c,
// pset_mem.c} for the pset type behaviours.
package mem

import (
	"sync"
	"sync/atomic"

	"vsta/internal/defs"
)

// Pfn is a physical frame number: an index into an Arena's page array, not
// a raw address — the arena simulates physical memory as indexed Go slices
// rather than real address space, per SPEC_FULL.md §3.
type Pfn uint64

// Arena is a fixed pool of page-sized frames with atomic refcounting,
// mirroring mem.Physmem_t's Pgs/Refup/Refdown/_pcpu_new, minus biscuit's
// per-CPU free-list sharding (irrelevant on the single logical CPU this
// core assumes, spec.md §1 Non-goals).
type Arena struct {
	mu     sync.Mutex
	pages  [][]byte
	refcnt []int32
	free   []Pfn
}

// NewArena allocates npages page-sized frames, all initially free.
func NewArena(npages int) *Arena {
	a := &Arena{
		pages:  make([][]byte, npages),
		refcnt: make([]int32, npages),
		free:   make([]Pfn, 0, npages),
	}
	for i := range a.pages {
		a.pages[i] = make([]byte, defs.PageSize)
		a.free = append(a.free, Pfn(i))
	}
	return a
}

// Alloc takes a free frame, zero-fills it (ZFOD's requirement, §4.3), sets
// its refcount to 1, and returns it. ok is false if the arena is exhausted
// (resource exhaustion, §7).
func (a *Arena) Alloc() (Pfn, []byte, bool) {
	pfn, buf, ok := a.AllocNoZero()
	if !ok {
		return 0, nil, false
	}
	for i := range buf {
		buf[i] = 0
	}
	return pfn, buf, true
}

// AllocNoZero is Alloc without the zero-fill, for callers about to
// overwrite the whole page anyway (e.g. a COW copy or a paging read).
func (a *Arena) AllocNoZero() (Pfn, []byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, nil, false
	}
	n := len(a.free) - 1
	pfn := a.free[n]
	a.free = a.free[:n]
	atomic.StoreInt32(&a.refcnt[pfn], 1)
	return pfn, a.pages[pfn], true
}

// Refup bumps a frame's reference count. Mirrors mem.go's Refup.
func (a *Arena) Refup(pfn Pfn) {
	atomic.AddInt32(&a.refcnt[pfn], 1)
}

// Refdown drops a frame's reference count, returning the frame to the free
// list when it hits zero. Mirrors mem.go's Refdown/_refdec.
func (a *Arena) Refdown(pfn Pfn) {
	if atomic.AddInt32(&a.refcnt[pfn], -1) == 0 {
		a.mu.Lock()
		a.free = append(a.free, pfn)
		a.mu.Unlock()
	}
}

// Refcnt reports a frame's current reference count.
func (a *Arena) Refcnt(pfn Pfn) int32 {
	return atomic.LoadInt32(&a.refcnt[pfn])
}

// Bytes returns the backing storage for a frame.
func (a *Arena) Bytes(pfn Pfn) []byte {
	return a.pages[pfn]
}

// Free reports the number of currently unallocated frames, used by tests
// exercising the mmap/munmap round-trip law (spec.md §8).
func (a *Arena) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
