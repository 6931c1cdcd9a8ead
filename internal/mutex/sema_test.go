package mutex

import (
	"testing"
	"time"

	"vsta/internal/defs"
)

func TestSemaPVImmediate(t *testing.T) {
	s := NewSema(1)
	if got := s.P(1, defs.PRI_HI); got != 0 {
		t.Fatalf("P on count 1 should not block, got %d", got)
	}
}

func TestSemaFIFOWake(t *testing.T) {
	s := NewSema(0)
	order := make(chan Holder, 2)

	go func() {
		s.P(1, defs.PRI_HI)
		order <- 1
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		s.P(2, defs.PRI_HI)
		order <- 2
	}()
	time.Sleep(10 * time.Millisecond)

	s.V()
	first := <-order
	s.V()
	second := <-order
	if first != 1 || second != 2 {
		t.Fatalf("expected FIFO wake order 1,2 got %d,%d", first, second)
	}
}

func TestCunsleepInterrupts(t *testing.T) {
	s := NewSema(0)
	res := make(chan int, 1)
	go func() {
		res <- s.P(3, defs.PRI_CATCH)
	}()
	time.Sleep(10 * time.Millisecond)

	if ok := Cunsleep(3); !ok {
		t.Fatalf("expected Cunsleep to find sleeping waiter")
	}
	select {
	case got := <-res:
		if got != 1 {
			t.Fatalf("expected interrupted result 1, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for interrupted waiter")
	}

	// count must be restored so a subsequent P still blocks rather than
	// spuriously succeeding.
	done := make(chan struct{})
	go func() {
		s.P(4, defs.PRI_HI)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("P should still block: Cunsleep must restore count")
	case <-time.After(50 * time.Millisecond):
	}
	s.V()
	<-done
}

func TestCunsleepIgnoresPriHi(t *testing.T) {
	s := NewSema(0)
	res := make(chan int, 1)
	go func() {
		res <- s.P(5, defs.PRI_HI)
	}()
	time.Sleep(10 * time.Millisecond)

	if ok := Cunsleep(5); ok {
		t.Fatalf("expected Cunsleep to refuse a PRI_HI waiter")
	}
	select {
	case <-res:
		t.Fatal("PRI_HI wait should not have woken")
	case <-time.After(50 * time.Millisecond):
	}
	s.V()
	if got := <-res; got != 0 {
		t.Fatalf("expected normal wake result 0, got %d", got)
	}
}

func TestSpinlockLocksHeldInvariant(t *testing.T) {
	var l Spinlock
	h := Holder(99)
	if n := LocksHeld(h); n != 0 {
		t.Fatalf("expected 0 locks held initially, got %d", n)
	}
	spl := l.Acquire(h, defs.SPL_HI)
	if n := LocksHeld(h); n != 1 {
		t.Fatalf("expected 1 lock held, got %d", n)
	}
	l.Release(h, spl)
	if n := LocksHeld(h); n != 0 {
		t.Fatalf("expected 0 locks held after release, got %d", n)
	}
}
