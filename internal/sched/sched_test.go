package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWakeRunsOneQuantum(t *testing.T) {
	s := New(1)
	defer s.Close()

	done := make(chan struct{})
	th := NewThread("quantum", 0, func(t *Thread) {
		close(done)
	})

	s.Wake(th)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("quantum never ran")
	}
}

func TestWakeDuringSwitchOutRunsAgain(t *testing.T) {
	s := New(1)
	defer s.Close()

	var runs atomic.Int32
	inSwitchOut := make(chan struct{})
	release := make(chan struct{})

	th := NewThread("rewake", 0, func(t *Thread) {
		runs.Add(1)
	})
	first := true
	th.SwitchOut = func() {
		if first {
			first = false
			close(inSwitchOut)
			<-release
		}
	}

	s.Wake(th)
	<-inSwitchOut

	// The quantum is over but the worker has not parked the thread yet;
	// this wake must not be dropped.
	s.Wake(th)
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := runs.Load(); got < 2 {
		t.Fatalf("quanta run = %d, want 2; wake during switch-out was lost", got)
	}
}

func TestSwitchHooksBracketQuantum(t *testing.T) {
	s := New(1)
	defer s.Close()

	var order []string
	done := make(chan struct{})
	th := NewThread("hooks", 0, func(t *Thread) {
		order = append(order, "entry")
	})
	th.SwitchIn = func() { order = append(order, "in") }
	th.SwitchOut = func() {
		order = append(order, "out")
		close(done)
	}

	s.Wake(th)
	<-done

	want := []string{"in", "entry", "out"}
	for i, step := range want {
		if i >= len(order) || order[i] != step {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestWakeWhileQueuedIsNoOp(t *testing.T) {
	s := New(1)
	defer s.Close()

	var runs atomic.Uint64
	block := make(chan struct{})
	first := NewThread("blocker", 0, func(t *Thread) { <-block })
	counted := NewThread("counted", 0, func(t *Thread) { runs.Add(1) })

	s.Wake(first)
	// The worker is busy; both wakes land while counted is queued.
	s.Wake(counted)
	s.Wake(counted)
	s.Wake(counted)
	close(block)

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Drain anything still queued before counting.
	s.Close()
	if got := runs.Load(); got != 1 {
		t.Fatalf("quantum ran %d times, want 1", got)
	}
}

func TestThreadsPinToTheirPCPU(t *testing.T) {
	s := New(2)
	defer s.Close()

	// A thread woken on pCPU 1 must not run concurrently with another
	// thread on pCPU 1, but is independent of pCPU 0.
	done := make(chan uint16, 2)
	a := NewThread("a", 0, func(t *Thread) { done <- t.PCPUID })
	b := NewThread("b", 1, func(t *Thread) { done <- t.PCPUID })

	s.Wake(a)
	s.Wake(b)

	seen := map[uint16]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("thread never ran")
		}
	}
	if !seen[0] || !seen[1] {
		t.Fatalf("pCPUs seen = %v", seen)
	}
}

func TestKickUnparksWaiter(t *testing.T) {
	s := New(1)
	defer s.Close()

	woke := make(chan struct{})
	th := NewThread("waiter", 0, func(t *Thread) {
		t.WaitKick()
		close(woke)
	})

	s.Wake(th)
	s.Kick(th)

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("kick never delivered")
	}
}

func TestWakeAfterCloseIsIgnored(t *testing.T) {
	s := New(1)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ran := make(chan struct{}, 1)
	th := NewThread("late", 0, func(th *Thread) {
		ran <- struct{}{}
	})
	s.Wake(th)

	select {
	case <-ran:
		t.Fatal("quantum ran after close")
	case <-time.After(50 * time.Millisecond):
	}
}
