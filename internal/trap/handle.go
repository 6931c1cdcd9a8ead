package trap

import (
	"sync"
	"sync/atomic"

	"vsta/internal/ipc"
)

// Handles maps the small integers user code passes across syscalls (a
// port id from the "port" syscall, a portref id from "connect") to the
// kernel objects they name. original_source keeps this as an index into a
// fixed-size per-process table (struct port/portref arrays); a Go map
// keyed by a monotonic counter is the same idea without the fixed-size
// ceiling.
type Handles struct {
	mu       sync.Mutex
	nextID   int64
	ports    map[int64]*ipc.Port
	portRefs map[int64]*ipc.PortRef
}

func NewHandles() *Handles {
	return &Handles{ports: map[int64]*ipc.Port{}, portRefs: map[int64]*ipc.PortRef{}}
}

func (h *Handles) alloc() int64 { return atomic.AddInt64(&h.nextID, 1) }

func (h *Handles) AddPort(p *ipc.Port) int64 {
	id := h.alloc()
	h.mu.Lock()
	h.ports[id] = p
	h.mu.Unlock()
	return id
}

func (h *Handles) Port(id int64) *ipc.Port {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports[id]
}

func (h *Handles) AddPortRef(pr *ipc.PortRef) int64 {
	id := h.alloc()
	h.mu.Lock()
	h.portRefs[id] = pr
	h.mu.Unlock()
	return id
}

func (h *Handles) PortRef(id int64) *ipc.PortRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.portRefs[id]
}

func (h *Handles) DropPortRef(id int64) {
	h.mu.Lock()
	delete(h.portRefs, id)
	h.mu.Unlock()
}
