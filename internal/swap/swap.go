// Package swap implements the swap-service glue of spec.md §4.8: a
// registration handshake with a user-space swap manager, a pending-block
// tally for allocations made before one registers, the swap_wait
// broadcast-on-free semaphore, and pageio encoded as ordinary IPC.
// Grounded on original_source's vsta/src/os/kern/vm_swap.c.
package swap

import (
	"sync"

	"vsta/internal/defs"
	"vsta/internal/hat"
	"vsta/internal/ipc"
	"vsta/internal/mem"
	"vsta/internal/mutex"
	"vsta/internal/vm"
)

// pendingBase is the first placeholder block number handed out before a
// swap manager has registered; later placeholders count down from it, and
// they keep their numbers after a server registers (see RegisterServer).
// This follows vm_swap.c's "assumed to start at a known block" rule rather
// than inventing a separate sentinel type.
const pendingBase = -(1 << 30)

// Manager is the single swap-service singleton (spec.md §4.8's "global
// mutable state": swap configuration is process-wide). Grounded on
// vm_swap.c's swap_pending/swap_leaked bookkeeping and set_swapdev/
// alloc_block/free_block.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	registered bool
	port       *ipc.Port
	pr         *ipc.PortRef
	hat        hat.Hat
	vasID      hat.VasID
	vas        *vm.Vas

	nextBlock  int64
	nextPend   int64 // negative-counting pending tally before registration
	freeBlocks int64 // budget of blocks the server has granted; <0 means unbounded (debug/leak mode)
	leaked     int64 // blocks freed before registration, per DEBUG semantics
}

// NewManager constructs an unregistered swap manager. freeBudget bounds how
// many blocks may be outstanding once a server registers (spec.md §4.8:
// "blocks when the swap server is temporarily out of space"); pass a
// negative value to leave it unbounded.
func NewManager(freeBudget int64) *Manager {
	m := &Manager{freeBlocks: freeBudget}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// RegisterServer is set_swapdev (priv.): binds the manager to a swap
// server's port and hands it the pending tally in one batch, per
// spec.md §4.8. Privilege gating on this syscall is done by
// internal/trap's dispatcher, not here (this package has no notion of
// caller identity).
func (m *Manager) RegisterServer(port *ipc.Port, h hat.Hat, vasID hat.VasID) defs.Err_t {
	m.mu.Lock()
	if m.registered {
		m.mu.Unlock()
		return defs.OK
	}
	m.mu.Unlock()

	// Connect (and so the handshake's blocking CONNECT round trip) must not
	// run with m.mu held: Alloc/Free calls from unrelated psets would stall
	// on a Go mutex for as long as the swap server takes to accept.
	pr, cerr := port.Connect(mutex.NewHolder())
	if cerr != defs.OK {
		return cerr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		pr.Disconnect()
		return defs.OK
	}
	m.registered = true
	m.port = port
	m.pr = pr
	m.hat = h
	m.vasID = vasID
	m.vas = vm.NewVas(h, vasID)
	// The pending tally (already-issued placeholder blocks) is handed to
	// the server in one batch by simply continuing the real block counter
	// where the placeholder counter left off; individual psets keep their
	// block numbers (vm_swap.c does not renumber already-issued blocks,
	// it only starts issuing real ones from here on).
	m.nextBlock = -m.nextPend
	return defs.OK
}

// Alloc reserves n contiguous swap blocks for a new pset, blocking on
// swap_wait if the server is registered and out of budget (spec.md §4.8).
// Before registration, blocks are pending placeholders (spec.md: "tallied
// in a pending counter, assumed to start at a known block").
func (m *Manager) Alloc(h mutex.Holder, n int64) int64 {
	m.mu.Lock()
	for {
		if !m.registered {
			base := pendingBase + m.nextPend
			m.nextPend -= n
			m.mu.Unlock()
			return base
		}
		if m.freeBlocks < 0 || m.freeBlocks >= n {
			if m.freeBlocks >= 0 {
				m.freeBlocks -= n
			}
			base := m.nextBlock
			m.nextBlock += n
			m.mu.Unlock()
			return base
		}
		m.cond.Wait()
	}
}

// Free returns n blocks starting at base to the pool and broadcasts
// swap_wait — spec.md §4.8: "broadcast on any free". Freeing a pending
// (pre-registration) block is tallied as a DEBUG-mode leak, matching
// vm_swap.c's swap_leaked: there is no server yet to hand the space back
// to.
func (m *Manager) Free(base int64, n int64) {
	m.mu.Lock()
	if base <= pendingBase {
		m.leaked += n
		m.mu.Unlock()
		return
	}
	if m.freeBlocks >= 0 {
		m.freeBlocks += n
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Leaked reports the number of pre-registration blocks freed with no
// server to reclaim them, for diagnostics (internal/diag).
func (m *Manager) Leaked() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaked
}

// Registered reports whether a swap server is currently bound.
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// stagePage builds a one-page scratch pview in the manager's private vas,
// faulted resident, for use as the IPC segment in pageio requests — the
// "synthetic kernel-mapped segment" of spec.md §4.8. A full zero-copy
// implementation would instead wrap the pset's own PFN directly; staging
// through a scratch page keeps the SwapIO contract (an already-sliced
// []byte, not a PFN) simple at the cost of one extra copy, which is the
// same tradeoff internal/mmapcache's portReader makes for file reads.
func (m *Manager) stagePage() (*vm.Pview, []byte, defs.Err_t) {
	arena := mem.NewArena(1)
	pset := mem.NewZFOD(arena, 1, nil)
	pv := vm.AllocPview(pset, 0, 1, defs.ProtRead|defs.ProtWrite)
	if err := m.vas.AttachPview(pv, 0); err != defs.OK {
		return nil, nil, err
	}
	if err := vm.VasFault(m.vas, pv.Vaddr(), true); err != defs.OK {
		m.vas.RemovePview(pv)
		return nil, nil, err
	}
	return pv, pset.Bytes(0), defs.OK
}

// WritePage implements mem.SwapIO: copy buf to a scratch page and send it
// to the swap server as a write request for (block, idx).
func (m *Manager) WritePage(block int64, idx int, buf []byte) defs.Err_t {
	if !m.Registered() {
		return defs.ENOSPC
	}
	pv, page, err := m.stagePage()
	if err != defs.OK {
		return err
	}
	defer m.vas.RemovePview(pv)
	copy(page, buf)

	h := mutex.NewHolder()
	res := ipc.Send(h, m.pr, m.vas, defs.OpWrite, block, int64(idx),
		[]ipc.UserSeg{{Base: pv.Vaddr(), Len: defs.PageSize}})
	if res.Err != defs.OK {
		return res.Err
	}
	res.Finish()
	return defs.OK
}

// ReadPage implements mem.SwapIO: request (block, idx) from the swap
// server and copy its reply segment into buf.
func (m *Manager) ReadPage(block int64, idx int, buf []byte) defs.Err_t {
	if !m.Registered() {
		return defs.ENOSPC
	}
	pv, page, err := m.stagePage()
	if err != defs.OK {
		return err
	}
	defer m.vas.RemovePview(pv)

	h := mutex.NewHolder()
	res := ipc.Send(h, m.pr, m.vas, defs.OpRead, block, int64(idx),
		[]ipc.UserSeg{{Base: pv.Vaddr(), Len: defs.PageSize}})
	if res.Err != defs.OK {
		return res.Err
	}
	defer res.Finish()

	if len(res.Mapped) == 0 {
		copy(buf, page)
		return defs.OK
	}
	n := 0
	for _, seg := range res.Mapped {
		b := seg.Pset().Bytes(seg.Off())
		n += copy(buf[n:], b)
	}
	return defs.OK
}
