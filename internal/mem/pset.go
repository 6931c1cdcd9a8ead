package mem

import (
	"sync"
	"sync/atomic"

	"vsta/internal/defs"
)

// PageReader is implemented by whatever owns the file-FOD pset's backing
// portref; fill_slot issues a synchronous paging read through it. Kept as
// an interface (rather than importing internal/ipc directly) so mem stays
// a leaf package — internal/mmapcache supplies the adapter, avoiding an
// import cycle.
type PageReader interface {
	ReadPage(idx int, buf []byte) defs.Err_t
}

// SwapIO is implemented by internal/swap; ZFOD and COW psets use it for
// write_slot and for reading a slot back after it was swapped out.
type SwapIO interface {
	WritePage(block int64, idx int, buf []byte) defs.Err_t
	ReadPage(block int64, idx int, buf []byte) defs.Err_t
}

// AttachRef is one entry of a slot's attach list (atl, §3): the (pview,
// page-index-within-view) pair currently holding a HAT translation to the
// slot. Pview is opaque (an *vm.Pview in practice) so this package need not
// import internal/vm.
type AttachRef struct {
	Pview any
	Index int
}

// Perpage is the per-slot metadata record of spec.md §3.
type Perpage struct {
	pfn   Pfn
	refs  int32
	flags defs.SlotFlag
	atl   []AttachRef
}

type cowState struct {
	parent   *Pset
	children []*Pset
}

type fodState struct {
	reader  PageReader
	release func()
}

// Pset is the page-set container of spec.md §3/§4.3: a typed, reference
// counted array of page-sized slots. The type tag selects fill_slot/
// write_slot/dup/free/last_ref behaviour, matching the "sum type over
// {ZFOD, FOD(portref), COW{parent,offset}, PhysMem{base}}" design note in
// spec.md §9.
type Pset struct {
	mu   sync.Mutex
	cond *sync.Cond

	typ    defs.PsetType
	length int
	offset int // COW: offset into parent; FOD: offset into backing file
	refs   int32

	arena *Arena
	swap  SwapIO
	block int64 // swap backing block number, 0 if none

	slots []Perpage

	cow *cowState
	fod *fodState

	// onFree is called once at final teardown (refs hits zero), after the
	// type-specific free logic, so internal/swap can reclaim the backing
	// block. Left nil for psets with no swap backing.
	onFree func()
}

func newBase(arena *Arena, typ defs.PsetType, length int) *Pset {
	p := &Pset{
		typ:    typ,
		length: length,
		refs:   1,
		arena:  arena,
		slots:  make([]Perpage, length),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewZFOD constructs a zero-fill-on-demand pset of the given length.
func NewZFOD(arena *Arena, length int, swap SwapIO) *Pset {
	p := newBase(arena, defs.PsetZFOD, length)
	p.swap = swap
	return p
}

// NewFOD constructs a file-fill-on-demand pset backed by reader, reading
// page idx+off from the file for slot idx.
func NewFOD(arena *Arena, length, off int, reader PageReader, release func()) *Pset {
	p := newBase(arena, defs.PsetFOD, length)
	p.offset = off
	p.fod = &fodState{reader: reader, release: release}
	return p
}

// NewCOW constructs a copy-on-write pset over parent starting at offset,
// covering length slots, linking itself into the parent's child list
// (spec.md §3 Lifecycle: "COW children add a reference on the parent pset
// and insert themselves on the parent's child list").
func NewCOW(arena *Arena, parent *Pset, offset, length int, swap SwapIO) *Pset {
	p := newBase(arena, defs.PsetCOW, length)
	p.offset = offset
	p.swap = swap
	p.cow = &cowState{parent: parent}
	parent.Ref()
	parent.mu.Lock()
	parent.cow = ensureCow(parent.cow)
	parent.cow.children = append(parent.cow.children, p)
	parent.mu.Unlock()
	return p
}

func ensureCow(c *cowState) *cowState {
	if c == nil {
		return &cowState{}
	}
	return c
}

// NewPhysMem constructs a physical-memory pset wrapping already-resident
// frames (e.g. a memory-mapped device); every slot starts V with a fixed
// PFN, per spec.md §4.3.
func NewPhysMem(arena *Arena, pfns []Pfn) *Pset {
	p := newBase(arena, defs.PsetPhysMem, len(pfns))
	for i, pfn := range pfns {
		p.slots[i] = Perpage{pfn: pfn, refs: 1, flags: defs.SlotV}
	}
	return p
}

// Type, Len, Offset are read-only accessors used by internal/vm's fault
// resolver and internal/mmapcache's cache-coalescing logic.
func (p *Pset) Type() defs.PsetType { return p.typ }
func (p *Pset) Len() int            { return p.length }
func (p *Pset) Offset() int         { return p.offset }
func (p *Pset) Arena() *Arena       { return p.arena }

// Parent returns the backing pset for a COW pset, or nil.
func (p *Pset) Parent() *Pset {
	if p.cow == nil {
		return nil
	}
	return p.cow.parent
}

// SetSwapBlock records the swap backing block assigned by internal/swap,
// and the callback to release it at final teardown.
func (p *Pset) SetSwapBlock(block int64, onFree func()) {
	p.mu.Lock()
	p.block = block
	p.onFree = onFree
	p.mu.Unlock()
}

// Ref/Deref manage the pset's own reference count (distinct from per-slot
// refcounts): spec.md §3 Lifecycle — "freed when their refcount drops to
// zero; final free calls the type-specific teardown and releases swap."
func (p *Pset) Ref() { atomic.AddInt32(&p.refs, 1) }

func (p *Pset) Deref() {
	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.teardown()
	}
}

func (p *Pset) Refs() int32 { return atomic.LoadInt32(&p.refs) }

func (p *Pset) teardown() {
	switch p.typ {
	case defs.PsetCOW:
		parent := p.cow.parent
		parent.mu.Lock()
		for i, c := range parent.cow.children {
			if c == p {
				parent.cow.children = append(parent.cow.children[:i], parent.cow.children[i+1:]...)
				break
			}
		}
		parent.mu.Unlock()
		parent.Deref()
	case defs.PsetFOD:
		if p.fod.release != nil {
			p.fod.release()
		}
	}
	if p.onFree != nil {
		p.onFree()
	}
}

// Lock/Unlock expose the pset spinlock directly: internal/vm's
// find_pview returns with this lock held, per spec.md §4.5 step 1, and
// hands it to LockSlot.
func (p *Pset) Lock()   { p.mu.Lock() }
func (p *Pset) Unlock() { p.mu.Unlock() }

// LockSlot is called with the pset lock held (by a prior Lock()); it waits
// for any concurrent LOCK holder using a broadcast condition variable
// (spec.md §9's open question recommends always clearing sleepq links /
// using a proper broadcast instead of a racy single-wake loop — this
// satisfies that directly), then sets LOCK and releases the pset lock.
func (p *Pset) LockSlot(idx int) {
	for p.slots[idx].flags&defs.SlotLock != 0 {
		p.slots[idx].flags |= defs.SlotWant
		p.cond.Wait()
	}
	p.slots[idx].flags |= defs.SlotLock
	p.mu.Unlock()
}

// ClockSlot is the conditional variant: returns false without blocking if
// the slot is already locked (pset lock remains held on failure, for the
// caller to release); on success it sets LOCK and releases the pset lock,
// like LockSlot.
func (p *Pset) ClockSlot(idx int) bool {
	if p.slots[idx].flags&defs.SlotLock != 0 {
		return false
	}
	p.slots[idx].flags |= defs.SlotLock
	p.mu.Unlock()
	return true
}

// UnlockSlot takes the pset lock, clears LOCK, and broadcasts to any
// waiter if WANT was set.
func (p *Pset) UnlockSlot(idx int) {
	p.mu.Lock()
	want := p.slots[idx].flags&defs.SlotWant != 0
	p.slots[idx].flags &^= defs.SlotLock | defs.SlotWant
	p.mu.Unlock()
	if want {
		p.cond.Broadcast()
	}
}

// FillSlot is the fill_slot operation of spec.md §4.3, invoked with the
// slot already in state LOCK (but the pset lock not held).
func (p *Pset) FillSlot(idx int) defs.Err_t {
	switch p.typ {
	case defs.PsetPhysMem:
		if p.slots[idx].flags&defs.SlotV == 0 {
			panic("physmem pset: slot not V at fill time")
		}
		return defs.OK
	case defs.PsetZFOD:
		return p.fillZfod(idx)
	case defs.PsetFOD:
		return p.fillFod(idx)
	case defs.PsetCOW:
		return p.fillCow(idx)
	default:
		panic("unknown pset type")
	}
}

func (p *Pset) fillZfod(idx int) defs.Err_t {
	s := &p.slots[idx]
	if s.flags&defs.SlotSwapped != 0 {
		return p.fillFromSwap(idx)
	}
	pfn, _, ok := p.arena.Alloc()
	if !ok {
		return defs.ENOMEM
	}
	p.mu.Lock()
	s.pfn = pfn
	s.flags |= defs.SlotV
	s.refs = 1
	p.mu.Unlock()
	return defs.OK
}

func (p *Pset) fillFromSwap(idx int) defs.Err_t {
	if p.swap == nil {
		return defs.ENOMEM
	}
	pfn, buf, ok := p.arena.AllocNoZero()
	if !ok {
		return defs.ENOMEM
	}
	if err := p.swap.ReadPage(p.block, idx, buf); err != defs.OK {
		p.arena.Refdown(pfn)
		p.mu.Lock()
		p.slots[idx].flags |= defs.SlotBAD
		p.mu.Unlock()
		return err
	}
	p.mu.Lock()
	s := &p.slots[idx]
	s.pfn = pfn
	s.flags = s.flags&^defs.SlotSwapped | defs.SlotV
	s.refs = 1
	p.mu.Unlock()
	return defs.OK
}

func (p *Pset) fillFod(idx int) defs.Err_t {
	pfn, buf, ok := p.arena.AllocNoZero()
	if !ok {
		return defs.ENOMEM
	}
	if err := p.fod.reader.ReadPage(idx+p.offset, buf); err != defs.OK {
		p.arena.Refdown(pfn)
		p.mu.Lock()
		p.slots[idx].flags |= defs.SlotBAD
		p.mu.Unlock()
		return err
	}
	p.mu.Lock()
	s := &p.slots[idx]
	s.pfn = pfn
	s.flags |= defs.SlotV
	s.refs = 1
	p.mu.Unlock()
	return defs.OK
}

// fillCow implements the COW branch of fill_slot (spec.md §4.3): if the
// slot was swapped, read it back; otherwise lock the parent slot, fill it
// transitively if needed, take a reference to the parent PFN, and install
// it in the child slot with COW set.
func (p *Pset) fillCow(idx int) defs.Err_t {
	s := &p.slots[idx]
	if s.flags&defs.SlotSwapped != 0 {
		return p.fillFromSwap(idx)
	}
	parent := p.cow.parent
	pidx := idx + p.offset

	parent.Lock()
	parent.LockSlot(pidx) // releases parent's lock
	if parent.slots[pidx].flags&defs.SlotV == 0 {
		if err := parent.FillSlot(pidx); err != defs.OK {
			parent.UnlockSlot(pidx)
			return err
		}
	}
	parent.mu.Lock()
	pfn := parent.slots[pidx].pfn
	parent.slots[pidx].refs++
	parent.mu.Unlock()
	parent.UnlockSlot(pidx)

	p.arena.Refup(pfn)
	p.mu.Lock()
	s.pfn = pfn
	s.flags |= defs.SlotV | defs.SlotCOW
	s.refs = 1
	p.mu.Unlock()
	return defs.OK
}

// WriteSlot is the write_slot operation: flush a slot's contents to its
// backing store. completion, if non-nil, makes the write asynchronous: a
// goroutine performs the write, clears R/M if it succeeded, and then calls
// completion with the write's result.
func (p *Pset) WriteSlot(idx int, completion func(defs.Err_t)) defs.Err_t {
	switch p.typ {
	case defs.PsetPhysMem:
		p.mu.Lock()
		p.slots[idx].flags &^= defs.SlotM
		p.mu.Unlock()
		return defs.OK
	case defs.PsetFOD:
		return defs.EPERM // mmap of a file is read-only except via COW overlay
	case defs.PsetZFOD, defs.PsetCOW:
		if p.swap == nil {
			return defs.OK
		}
		buf := p.arena.Bytes(p.slots[idx].pfn)
		if completion != nil {
			go func() {
				err := p.swap.WritePage(p.block, idx, buf)
				if err == defs.OK {
					p.mu.Lock()
					p.slots[idx].flags &^= defs.SlotR | defs.SlotM
					p.mu.Unlock()
				}
				completion(err)
			}()
			return defs.OK
		}
		err := p.swap.WritePage(p.block, idx, buf)
		if err == defs.OK {
			p.mu.Lock()
			p.slots[idx].flags &^= defs.SlotR | defs.SlotM
			p.mu.Unlock()
		}
		return err
	default:
		panic("unknown pset type")
	}
}

// CowWrite implements cow_write (§4.3/§4.5 step 6): allocate a private
// page, copy the parent's content, dereference the parent slot, install
// the new PFN, clear COW.
func (p *Pset) CowWrite(idx int) defs.Err_t {
	s := &p.slots[idx]
	if s.flags&defs.SlotCOW == 0 {
		return defs.OK
	}
	newpfn, newbuf, ok := p.arena.AllocNoZero()
	if !ok {
		return defs.ENOMEM
	}
	oldpfn := s.pfn
	copy(newbuf, p.arena.Bytes(oldpfn))

	parent := p.cow.parent
	pidx := idx + p.offset
	parent.DerefSlot(pidx)
	p.arena.Refdown(oldpfn)

	p.mu.Lock()
	s.pfn = newpfn
	s.flags &^= defs.SlotCOW
	p.mu.Unlock()
	return defs.OK
}

// RefSlot bumps a slot's logical reference count (fault resolver step 5's
// "else ref_slot" branch, when the slot is already V).
func (p *Pset) RefSlot(idx int) {
	p.mu.Lock()
	p.slots[idx].refs++
	p.mu.Unlock()
}

// DerefSlot drops a slot's logical reference count, invoking last_ref at
// the zero transition.
func (p *Pset) DerefSlot(idx int) {
	p.mu.Lock()
	p.slots[idx].refs--
	if p.slots[idx].refs < 0 {
		panic("pset: slot refcount underflow")
	}
	zero := p.slots[idx].refs == 0
	p.mu.Unlock()
	if zero {
		p.lastRef(idx)
	}
}

func (p *Pset) lastRef(idx int) {
	s := &p.slots[idx]
	switch p.typ {
	case defs.PsetPhysMem:
		return // no-op: physical-memory pset never frees its frames
	case defs.PsetCOW:
		wasCow := s.flags&defs.SlotCOW != 0
		p.arena.Refdown(s.pfn)
		if wasCow {
			parent := p.cow.parent
			parent.DerefSlot(idx + p.offset)
		}
	default: // ZFOD, FOD
		p.arena.Refdown(s.pfn)
	}
	p.mu.Lock()
	s.flags &^= defs.SlotV
	p.mu.Unlock()
}

// MarkBad marks a slot BAD after an unrecoverable backing I/O failure;
// subsequent faults on it fail promptly rather than retrying (§7).
func (p *Pset) MarkBad(idx int) {
	p.mu.Lock()
	p.slots[idx].flags |= defs.SlotBAD
	p.mu.Unlock()
}

// SlotFlags, SlotPfn, SlotRefs, Bytes are read accessors for internal/vm's
// fault resolver and internal/mmapcache.
func (p *Pset) SlotFlags(idx int) defs.SlotFlag {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[idx].flags
}

func (p *Pset) SlotPfn(idx int) Pfn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[idx].pfn
}

func (p *Pset) SlotRefs(idx int) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[idx].refs
}

func (p *Pset) Bytes(idx int) []byte {
	return p.arena.Bytes(p.SlotPfn(idx))
}

// AddAtl, RemoveAtl, AtlEntries manage a slot's attach list (§3 atl).
func (p *Pset) AddAtl(idx int, pview any, localIdx int) {
	p.mu.Lock()
	p.slots[idx].atl = append(p.slots[idx].atl, AttachRef{Pview: pview, Index: localIdx})
	p.mu.Unlock()
}

func (p *Pset) RemoveAtl(idx int, pview any, localIdx int) {
	p.mu.Lock()
	s := &p.slots[idx]
	for i, e := range s.atl {
		if e.Pview == pview && e.Index == localIdx {
			s.atl = append(s.atl[:i], s.atl[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *Pset) AtlEntries(idx int) []AttachRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AttachRef, len(p.slots[idx].atl))
	copy(out, p.slots[idx].atl)
	return out
}
