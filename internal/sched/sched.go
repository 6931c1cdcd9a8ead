// Package sched implements the hierarchical lottery scheduler of
// spec.md §4.9: real-time and background FIFO pools, a cheated-preference
// pool, and a weighted-random tree for ordinary timeshare threads.
// Grounded on original_source's vsta/src/os/kern/sched.c
// (pick_run/sched_rt/sched_cheated/sched_root/sched_bg ordering, lsetrun,
// the oink/cheat-threshold bookkeeping).
package sched

import (
	"math/rand"
	"sync"

	"vsta/internal/defs"
)

// Thread is the scheduling-unit view of a kernel thread (spec.md §3):
// enough state for pick_run/lsetrun, not the full register/stack state a
// real dispatcher would also carry (that lives in internal/trap, which
// owns the actual goroutine this Thread stands in for).
type Thread struct {
	ID       int64
	Class    defs.Class
	RunTicks int
	Oink     int // positive means "chronic hog", ineligible for cheated queue
	node     *Node

	runnable bool
}

// Node is a scheduling-tree node (spec.md §3 "sched"): an internal node
// holds children and a total runnable-descendant count; a leaf holds a
// Thread. The ring is a plain slice here — nothing in the algorithm
// depends on the original's doubly-linked-list representation, only on
// "walk the children summing priorities".
type Node struct {
	parent   *Node
	weight   int
	nrun     int
	leaf     bool
	thread   *Thread
	children []*Node
}

func newNode(parent *Node, weight int) *Node {
	return &Node{parent: parent, weight: weight}
}

// NewRoot constructs the root of a fresh timeshare tree (sched_root).
func NewRoot() *Node { return newNode(nil, 1) }

// AddGroup creates an internal child node under n with the given priority
// weight, for grouping related leaves (e.g. per-process sub-trees).
func (n *Node) AddGroup(weight int) *Node {
	c := newNode(n, weight)
	n.children = append(n.children, c)
	return c
}

// AddLeaf creates a leaf node under n bound to t, and points t.node back
// at it so SetRunnable can propagate nrun changes upward.
func (n *Node) AddLeaf(weight int, t *Thread) *Node {
	c := newNode(n, weight)
	c.leaf = true
	c.thread = t
	n.children = append(n.children, c)
	t.node = c
	return c
}

func (n *Node) setRunnable(delta int) {
	for cur := n; cur != nil; cur = cur.parent {
		cur.nrun += delta
	}
}

// pick performs the weighted-random descent of spec.md §4.9
// "Hierarchical selection": if exactly one child is runnable, take it
// directly (no roll needed); otherwise roll in [0, sum-of-priorities) and
// walk the ring subtracting priorities until it lands.
func (n *Node) pick(rng *rand.Rand) *Thread {
	for !n.leaf {
		var runnable []*Node
		sum := 0
		for _, c := range n.children {
			if c.nrun > 0 {
				runnable = append(runnable, c)
				sum += c.weight
			}
		}
		if len(runnable) == 0 {
			return nil
		}
		if len(runnable) == 1 {
			n = runnable[0]
			continue
		}
		roll := rng.Intn(sum)
		var chosen *Node
		for _, c := range runnable {
			if roll < c.weight {
				chosen = c
				break
			}
			roll -= c.weight
		}
		n = chosen
	}
	return n.thread
}

// Scheduler is the single process-wide scheduler singleton (spec.md §4.9's
// "global mutable state": the four queues and the runq lock). The runq lock
// lets at most one goroutine execute scheduler logic at a time; it does not
// serialize the rest of the kernel core.
type Scheduler struct {
	mu sync.Mutex // runq_lock

	rt       []*Thread
	cheated  []*Thread
	bg       []*Thread
	root     *Node
	rng      *rand.Rand
	running  *Thread
	nrunning int
}

// NewScheduler builds a scheduler with a fresh, empty timeshare tree.
// seed makes the lottery's weighted rolls reproducible for tests; callers
// outside tests should seed from a real entropy source.
func NewScheduler(seed int64) *Scheduler {
	return &Scheduler{root: NewRoot(), rng: rand.New(rand.NewSource(seed))}
}

// Root exposes the timeshare tree so callers can attach process groups.
func (s *Scheduler) Root() *Node { return s.root }

// Lsetrun enqueues t as runnable in the pool matching its class, per
// spec.md §4.9 ("lsetrun enqueues a newly runnable thread in the right
// pool"). It does not compare t's class with the running thread's or
// request preemption.
func (s *Scheduler) Lsetrun(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.runnable {
		return
	}
	t.runnable = true
	switch t.Class {
	case defs.ClassRT:
		s.rt = append(s.rt, t)
	case defs.ClassBG:
		s.bg = append(s.bg, t)
	case defs.ClassCheated:
		s.cheated = append(s.cheated, t)
	default:
		if t.node != nil {
			t.node.setRunnable(1)
		}
	}
	s.nrunning++
}

// dequeueFIFO pops and returns the head of q, or nil if empty.
func dequeueFIFO(q *[]*Thread) *Thread {
	if len(*q) == 0 {
		return nil
	}
	t := (*q)[0]
	*q = (*q)[1:]
	return t
}

// PickRun implements pick_run (spec.md §4.9): consult RT, then cheated,
// then the timeshare tree, then background, in that strict order. The
// quantum is reset to RunTicks for every class except cheated, which keeps
// its previous unfinished quantum ("its previous unfinished quantum
// stands").
func (s *Scheduler) PickRun() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := dequeueFIFO(&s.rt); t != nil {
		t.runnable = false
		t.RunTicks = defs.RunTicks
		s.running = t
		s.nrunning--
		return t
	}
	if t := dequeueFIFO(&s.cheated); t != nil {
		t.runnable = false
		s.running = t
		s.nrunning--
		return t
	}
	if t := s.root.pick(s.rng); t != nil {
		t.node.setRunnable(-1)
		t.runnable = false
		t.RunTicks = defs.RunTicks
		s.running = t
		s.nrunning--
		return t
	}
	if t := dequeueFIFO(&s.bg); t != nil {
		t.runnable = false
		t.RunTicks = defs.RunTicks
		s.running = t
		s.nrunning--
		return t
	}
	s.running = nil
	return nil
}

// Idle reports whether every queue is empty — the condition under which
// the CPU would switch to the halt-until-interrupt loop (spec.md §4.9
// "Idle").
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nrunning == 0
}

// Tick debits t's quantum by one tick; the caller (internal/trap's timer
// handler) is responsible for preempting once it reaches zero, "via the
// same path as external preemption" per spec.md §4.9.
func (s *Scheduler) Tick(t *Thread) (expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.RunTicks--
	return t.RunTicks <= 0
}

// Sleep records a voluntary block: decrements t's oink counter (spec.md
// §4.9: "every voluntary sleep decrements an oink counter"). It returns
// nothing; CheatedEligible reports whether t qualifies for the cheated pool.
func (s *Scheduler) Sleep(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Oink--
}

// CheatedEligible reports whether a thread giving up the CPU with
// remaining unused quantum may re-enter the cheated-preference pool,
// rather than the ordinary timeshare/RT/bg pool for its class.
func CheatedEligible(t *Thread) bool {
	threshold := defs.RunTicks * defs.CheatThreshold / 100
	return t.Oink <= 0 && t.RunTicks >= threshold
}

// Running returns the currently dispatched thread, or nil if the CPU is
// idle.
func (s *Scheduler) Running() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
