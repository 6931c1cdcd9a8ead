package hat

// rmap is a minimal resource map: an unsorted list of free [base, base+len)
// extents, used to hand out virtual-address ranges the way hat_attach's
// rmap_alloc/rmap_free do in original_source's hat.c. Not a general-purpose
// allocator — first-fit is all the core requires.
type rmap struct {
	freeList []extent
}

type extent struct {
	base uintptr
	len  uintptr
}

func newRmap(base, size uintptr) *rmap {
	return &rmap{freeList: []extent{{base: base, len: size}}}
}

func (r *rmap) alloc(size uintptr) (uintptr, bool) {
	for i, e := range r.freeList {
		if e.len >= size {
			addr := e.base
			if e.len == size {
				r.freeList = append(r.freeList[:i], r.freeList[i+1:]...)
			} else {
				r.freeList[i] = extent{base: e.base + size, len: e.len - size}
			}
			return addr, true
		}
	}
	return 0, false
}

func (r *rmap) reserveAt(want, size uintptr) bool {
	for i, e := range r.freeList {
		if want >= e.base && want+size <= e.base+e.len {
			var rest []extent
			if want > e.base {
				rest = append(rest, extent{base: e.base, len: want - e.base})
			}
			if tail := e.base + e.len - (want + size); tail > 0 {
				rest = append(rest, extent{base: want + size, len: tail})
			}
			r.freeList = append(r.freeList[:i], append(rest, r.freeList[i+1:]...)...)
			return true
		}
	}
	return false
}

func (r *rmap) free(addr, size uintptr) {
	r.freeList = append(r.freeList, extent{base: addr, len: size})
	r.coalesce()
}

func (r *rmap) coalesce() {
	if len(r.freeList) < 2 {
		return
	}
	merged := true
	for merged {
		merged = false
		for i := 0; i < len(r.freeList); i++ {
			for j := i + 1; j < len(r.freeList); j++ {
				a, b := r.freeList[i], r.freeList[j]
				if a.base+a.len == b.base {
					r.freeList[i] = extent{base: a.base, len: a.len + b.len}
					r.freeList = append(r.freeList[:j], r.freeList[j+1:]...)
					merged = true
					break
				}
				if b.base+b.len == a.base {
					r.freeList[i] = extent{base: b.base, len: a.len + b.len}
					r.freeList = append(r.freeList[:j], r.freeList[j+1:]...)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
	}
}

func (r *rmap) clone() *rmap {
	nf := make([]extent, len(r.freeList))
	copy(nf, r.freeList)
	return &rmap{freeList: nf}
}
