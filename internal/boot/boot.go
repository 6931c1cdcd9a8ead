// Package boot assembles the kernel-wide singletons spec.md §9's "Global
// mutable state" section names (the physical arena, the kernel HAT root,
// the scheduler, the swap manager, the syscall dispatch table) into one
// bootstrap call. Grounded on biscuit/src/mem/dmap.go's Dmap_init: a
// one-time setup routine that prints a line of informational diagnostics
// per decision it makes and panics on an invariant it cannot recover
// from, rather than returning an error a caller could plausibly handle.
package boot

import (
	"fmt"

	"vsta/internal/hat"
	"vsta/internal/mem"
	"vsta/internal/mmapcache"
	"vsta/internal/sched"
	"vsta/internal/swap"
	"vsta/internal/trap"
	"vsta/internal/vm"
)

// kernelVasID is the well-known vas id the kernel's own address space
// (used to stage swap/mmap I/O) boots under; ordinary processes get ids
// allocated starting above it.
const kernelVasID hat.VasID = 0

// Kernel bundles every process-wide singleton a booted system needs.
// Exactly one of these should exist per run — see Boot's double-boot
// panic below, mirroring Dmap_init's "already initialized" invariant.
type Kernel struct {
	Arena   *mem.Arena
	Hat     *hat.SoftHat
	Vas     *vm.Vas
	Sched   *sched.Scheduler
	Swap    *swap.Manager
	Mmap    *mmapcache.Cache
	Ports   *trap.Ports
	Handles *trap.Handles
	Table   trap.Table
}

var booted bool

// Config carries the boot-time parameters spec.md §6 keeps out of the
// core (no environment variables, no CLI surface): physical page count,
// the swap manager's free-block budget, and the scheduler's lottery
// seed. Assembled as a Go struct literal by the caller, mirroring the
// teacher's own constants-in-source style (PGSHIFT, NRMAPSLOT).
type Config struct {
	ArenaPages  int
	SwapBudget  int64
	LotterySeed int64
	AddrSpace   uintptr // passed to hat.NewSoftHat, which does not use it
}

// Boot constructs a fresh Kernel. Calling it twice panics: like
// Dmap_init, this is meant to run exactly once per process, and a second
// call almost always means a caller is confusing "new process" with
// "new kernel instance" — internal/vm.NewVas is the right call for the
// former.
func Boot(cfg Config) *Kernel {
	if booted {
		panic("boot: already booted")
	}
	booted = true

	arena := mem.NewArena(cfg.ArenaPages)
	fmt.Printf("boot: arena of %d pages\n", cfg.ArenaPages)

	h := hat.NewSoftHat(0, cfg.AddrSpace)
	kvas := vm.NewVas(h, kernelVasID)
	fmt.Printf("boot: kernel vas installed under soft HAT\n")

	s := sched.NewScheduler(cfg.LotterySeed)

	sw := swap.NewManager(cfg.SwapBudget)
	fmt.Printf("boot: swap manager budgeted for %d blocks, unregistered\n", cfg.SwapBudget)

	mmap := mmapcache.NewCache(arena, h, kernelVasID+1)

	ports := trap.NewPorts()
	handles := trap.NewHandles()
	env := &trap.Env{Sched: s, Ports: ports, Mmap: mmap, Arena: arena, Handles: handles}
	tbl := trap.BuildTable(env)
	fmt.Printf("boot: syscall table built with %d entries\n", len(tbl))

	return &Kernel{
		Arena:   arena,
		Hat:     h,
		Vas:     kvas,
		Sched:   s,
		Swap:    sw,
		Mmap:    mmap,
		Ports:   ports,
		Handles: handles,
		Table:   tbl,
	}
}

// reset exists only for tests: it undoes the "already booted" latch so a
// _test.go file can call Boot more than once in one process. Production
// code never calls this — a single process only ever boots once.
func reset() { booted = false }
