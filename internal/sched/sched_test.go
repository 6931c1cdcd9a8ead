package sched

import (
	"testing"

	"vsta/internal/defs"
)

func TestPickRunOrdersRTBeforeTimeshareBeforeBG(t *testing.T) {
	s := NewScheduler(1)
	bg := &Thread{ID: 1, Class: defs.ClassBG}
	ts := &Thread{ID: 2, Class: defs.ClassTimeshare}
	rt := &Thread{ID: 3, Class: defs.ClassRT}
	s.Root().AddLeaf(1, ts)

	s.Lsetrun(bg)
	s.Lsetrun(ts)
	s.Lsetrun(rt)

	if got := s.PickRun(); got != rt {
		t.Fatalf("expected RT thread picked first, got %v", got)
	}
	if got := s.PickRun(); got != ts {
		t.Fatalf("expected timeshare thread picked second, got %v", got)
	}
	if got := s.PickRun(); got != bg {
		t.Fatalf("expected background thread picked last, got %v", got)
	}
	if s.PickRun() != nil {
		t.Fatal("expected nil once every queue is drained")
	}
}

func TestCheatedPreemptsOrdinaryTimeshare(t *testing.T) {
	s := NewScheduler(1)
	ts := &Thread{ID: 1, Class: defs.ClassTimeshare}
	cheated := &Thread{ID: 2, Class: defs.ClassCheated}
	s.Root().AddLeaf(1, ts)

	s.Lsetrun(ts)
	s.Lsetrun(cheated)

	if got := s.PickRun(); got != cheated {
		t.Fatalf("expected cheated thread picked before timeshare, got %v", got)
	}
}

// TestLotteryRatioTendsToPriority exercises spec.md §8 scenario 7: two
// timeshare leaves under one node with priorities 2:1 should see dispatch
// counts tend to that ratio over many trials.
func TestLotteryRatioTendsToPriority(t *testing.T) {
	s := NewScheduler(42)
	a := &Thread{ID: 1, Class: defs.ClassTimeshare}
	b := &Thread{ID: 2, Class: defs.ClassTimeshare}
	s.Root().AddLeaf(2, a)
	s.Root().AddLeaf(1, b)

	const trials = 20000
	countA, countB := 0, 0
	for i := 0; i < trials; i++ {
		s.Lsetrun(a)
		s.Lsetrun(b)
		picked := s.PickRun()
		if picked == a {
			countA++
		} else if picked == b {
			countB++
		} else {
			t.Fatalf("expected a thread picked, got nil at trial %d", i)
		}
		// Only the unpicked thread stays runnable; re-mark the picked one
		// for the next trial (both are "continuously runnable" per the
		// scenario).
		picked.runnable = false
	}

	ratio := float64(countA) / float64(countB)
	if ratio < 1.6 || ratio > 2.4 {
		t.Fatalf("expected dispatch ratio near 2.0, got %.3f (A=%d B=%d)", ratio, countA, countB)
	}
}

func TestSchedOpSetClassRequiresPrivilegeForRT(t *testing.T) {
	s := NewScheduler(1)
	t1 := &Thread{ID: 1, Class: defs.ClassTimeshare}
	proc := &Process{Threads: []*Thread{t1}}

	res := SchedOpDispatch(s, proc, t1, SchedOpSetClass, defs.ClassRT, false)
	if res.Err != defs.EPERM {
		t.Fatalf("expected EPERM for unprivileged RT set, got %v", res.Err)
	}
	res = SchedOpDispatch(s, proc, t1, SchedOpSetClass, defs.ClassRT, true)
	if res.Err != defs.OK || t1.Class != defs.ClassRT {
		t.Fatalf("expected privileged RT set to succeed, got %v class=%v", res.Err, t1.Class)
	}
}

func TestSchedOpBecomeEphemeralRejectsLastNonEphemeral(t *testing.T) {
	s := NewScheduler(1)
	only := &Thread{ID: 1, Class: defs.ClassTimeshare}
	proc := &Process{Threads: []*Thread{only}}

	res := SchedOpDispatch(s, proc, only, SchedOpBecomeEphemeral, 0, false)
	if res.Err != defs.EPERM {
		t.Fatalf("expected rejection of last non-ephemeral thread, got %v", res.Err)
	}

	other := &Thread{ID: 2, Class: defs.ClassTimeshare}
	proc.Threads = append(proc.Threads, other)
	res = SchedOpDispatch(s, proc, only, SchedOpBecomeEphemeral, 0, false)
	if res.Err != defs.OK || only.Class != defs.ClassEphemeral {
		t.Fatalf("expected second thread to allow becoming ephemeral, got %v", res.Err)
	}
}
