// Package mmapcache implements the file-identity -> FOD-pset cache of
// spec.md §4.7: concurrent mmap calls against the same (port, file
// identity) must share one pset rather than each building their own, and
// concurrent *builders* of that pset must be coalesced rather than racing.
// Grounded on the interaction between original_source's mmap.c and
// pset_fod.c (no single file owns this; it is the seam between them).
package mmapcache

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"vsta/internal/defs"
	"vsta/internal/hat"
	"vsta/internal/ipc"
	"vsta/internal/mem"
	"vsta/internal/mutex"
	"vsta/internal/vm"
)

// Identity names one mmap-able file: the server port backing it plus the
// server-supplied 64-bit file identity (spec.md §4.7 — "file identity is
// already a server-supplied 64-bit value", hence no github.com/google/uuid
// import: there is nothing here for a UUID generator to do).
type Identity struct {
	Port *ipc.Port
	FID  int64
}

func (id Identity) key() string { return fmt.Sprintf("%p:%d", id.Port, id.FID) }

type entry struct {
	pset   *mem.Pset
	refs   int
	reader *portReader
}

// Cache owns one Arena of physical frames for its FOD psets and coalesces
// concurrent builders of the same identity via singleflight, exactly the
// "coalesces concurrent mappings of the same file identity" requirement.
type Cache struct {
	arena *mem.Arena
	hat   hat.Hat
	vasID hat.VasID

	sf singleflight.Group

	mu      mutex.Spinlock
	entries map[string]*entry
}

// NewCache builds a cache backed by arena, staging reads through a private
// kernel vas (vasID) against hat — the Go analogue of the kernel's own
// address space used to stage pageio replies before they are copied into
// the pset's frames.
func NewCache(arena *mem.Arena, h hat.Hat, vasID hat.VasID) *Cache {
	return &Cache{
		arena:   arena,
		hat:     h,
		vasID:   vasID,
		entries: map[string]*entry{},
	}
}

// Get returns the shared FOD pset for id, building it (via a portref
// connected to id.Port) on first use. pageCount is the file's size in
// pages; callers that disagree on pageCount for the same identity get the
// first caller's value, matching a cache's normal "first writer wins"
// semantics.
func (c *Cache) Get(id Identity, pageCount int) (*mem.Pset, error) {
	v, err, _ := c.sf.Do(id.key(), func() (interface{}, error) {
		h := mutex.NewHolder()
		c.mu.Acquire(h, defs.SPL_HI)
		if e, ok := c.entries[id.key()]; ok {
			e.refs++
			c.mu.Release(h, defs.SPL_HI)
			e.pset.Ref()
			return e.pset, nil
		}
		c.mu.Release(h, defs.SPL_HI)

		pr, cerr := id.Port.Connect(mutex.NewHolder())
		if cerr != defs.OK {
			return nil, fmt.Errorf("mmapcache: connect: %s", defs.Strerror(cerr))
		}
		stageVas := vm.NewVas(c.hat, c.vasID)
		reader := &portReader{pr: pr, vas: stageVas, sem: mutex.NewSema(1)}

		key := id.key()
		pset := mem.NewFOD(c.arena, pageCount, 0, reader, func() {
			fh := mutex.NewHolder()
			c.mu.Acquire(fh, defs.SPL_HI)
			delete(c.entries, key)
			c.mu.Release(fh, defs.SPL_HI)
			pr.Disconnect()
		})

		c.mu.Acquire(h, defs.SPL_HI)
		c.entries[key] = &entry{pset: pset, refs: 1, reader: reader}
		c.mu.Release(h, defs.SPL_HI)
		return pset, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*mem.Pset), nil
}

// Release drops one reference to id's cached pset, tearing it down (via
// Pset.Deref's last-reference teardown, which calls the release function
// Get passed to mem.NewFOD) once the last mapping goes away.
func (c *Cache) Release(id Identity) {
	h := mutex.NewHolder()
	c.mu.Acquire(h, defs.SPL_HI)
	e, ok := c.entries[id.key()]
	if ok {
		e.refs--
	}
	c.mu.Release(h, defs.SPL_HI)
	if ok {
		e.pset.Deref()
	}
}

// portReader implements mem.PageReader by issuing a synchronous
// OpAbsRead send to the backing file server and copying the reply segment
// into buf — the FOD "fill" path's actual I/O, grounded on pset_fod.c's
// fod_fill driving a pageio request through the owning portref. Concurrent
// fills through one reader are serialized by sem (a counting semaphore
// rather than a spinlock, since the section it guards blocks on Send —
// spec.md §3's "never hold a spinlock across a blocking operation" rules
// out a Spinlock here).
type portReader struct {
	pr  *ipc.PortRef
	vas *vm.Vas
	sem *mutex.Sema
}

func (r *portReader) ReadPage(idx int, buf []byte) defs.Err_t {
	h := mutex.NewHolder()
	r.sem.P(h, defs.PRI_HI)
	defer r.sem.V()

	arena := mem.NewArena(1)
	pset := mem.NewZFOD(arena, 1, nil)
	pv := vm.AllocPview(pset, 0, 1, defs.ProtRead|defs.ProtWrite)
	if err := r.vas.AttachPview(pv, 0); err != defs.OK {
		return err
	}
	defer r.vas.RemovePview(pv)
	base := pv.Vaddr()
	if err := vm.VasFault(r.vas, base, true); err != defs.OK {
		return err
	}

	res := ipc.Send(h, r.pr, r.vas, defs.OpAbsRead, int64(idx), int64(len(buf)),
		[]ipc.UserSeg{{Base: base, Len: len(buf)}})
	if res.Err != defs.OK {
		return res.Err
	}
	defer res.Finish()

	if len(res.Mapped) == 0 {
		copy(buf, pset.Bytes(0))
		return defs.OK
	}
	n := 0
	for _, seg := range res.Mapped {
		b := seg.Pset().Bytes(seg.Off())
		n += copy(buf[n:], b)
	}
	return defs.OK
}
