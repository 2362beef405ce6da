// Package sched provides the cooperative per-physical-CPU scheduler the
// vCPU lifecycle machine delegates thread-level suspension to. Each physical
// CPU runs exactly one thread of hypervisor control flow at a time; a thread
// executes one quantum per wake-up and is otherwise parked.
package sched

import (
	"fmt"
	"runtime"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// stackGuardMagic sits at the logical bottom of every thread's stack record
// for overflow detection.
const stackGuardMagic uint64 = 0x5AFE_57AC_F00D_CAFE

const (
	threadIdle uint32 = iota
	threadQueued
	threadRunning
)

// Thread is one schedulable hypervisor thread, pinned to a physical CPU.
type Thread struct {
	Name   string
	PCPUID uint16

	// Entry runs one scheduling quantum each time the thread is woken.
	Entry func(t *Thread)

	// SwitchIn and SwitchOut bracket every quantum; the vCPU layer uses
	// them to restore and snapshot guest context.
	SwitchIn  func()
	SwitchOut func()

	state atomicbitops.Uint32
	kick  chan struct{}
	guard uint64
}

// NewThread returns a parked thread bound to the given physical CPU.
func NewThread(name string, pcpuID uint16, entry func(t *Thread)) *Thread {
	return &Thread{
		Name:   name,
		PCPUID: pcpuID,
		Entry:  entry,
		kick:   make(chan struct{}, 1),
		guard:  stackGuardMagic,
	}
}

func (t *Thread) run() {
	if t.SwitchIn != nil {
		t.SwitchIn()
	}
	t.Entry(t)
	if t.SwitchOut != nil {
		t.SwitchOut()
	}
	if t.guard != stackGuardMagic {
		panic(fmt.Sprintf("sched: stack guard corrupted on thread %q", t.Name))
	}
}

// WaitKick parks the calling thread until the next Kick.
func (t *Thread) WaitKick() { <-t.kick }

type pcpuWorker struct {
	id       uint16
	runQueue chan *Thread
	done     chan struct{}
}

func (w *pcpuWorker) loop() {
	// Mirror the one-OS-thread-per-pCPU execution model.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	for t := range w.runQueue {
		for {
			t.state.Store(threadRunning)
			t.run()
			if t.state.CompareAndSwap(threadRunning, threadIdle) {
				break
			}
			// A Wake landed during the quantum; run another one
			// instead of parking the thread with the wake lost.
		}
	}
}

// Scheduler multiplexes threads onto a fixed set of physical CPU workers.
type Scheduler struct {
	workers []*pcpuWorker

	mu     sync.Mutex
	closed bool
}

// New starts one worker per physical CPU.
func New(pcpus int) *Scheduler {
	if pcpus <= 0 {
		panic(fmt.Sprintf("sched: invalid pCPU count %d", pcpus))
	}
	s := &Scheduler{}
	for i := 0; i < pcpus; i++ {
		w := &pcpuWorker{
			id:       uint16(i),
			runQueue: make(chan *Thread, 16),
			done:     make(chan struct{}),
		}
		s.workers = append(s.workers, w)
		go w.loop()
	}
	return s
}

// Wake queues the thread for one quantum on its physical CPU. Waking an
// already-queued thread is a no-op. Waking a thread whose quantum is still
// winding down marks it so the worker runs it again before parking it; the
// vCPU pause barrier releases callers before the worker stores idle, so
// this window is ordinary, not exceptional.
func (s *Scheduler) Wake(t *Thread) {
	if t.state.CompareAndSwap(threadRunning, threadQueued) {
		return
	}
	if !t.state.CompareAndSwap(threadIdle, threadQueued) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.state.Store(threadIdle)
		return
	}
	if int(t.PCPUID) >= len(s.workers) {
		panic(fmt.Sprintf("sched: thread %q bound to unknown pCPU %d", t.Name, t.PCPUID))
	}
	s.workers[t.PCPUID].runQueue <- t
}

// Kick delivers a wake-up poke to a thread parked in WaitKick; it never
// blocks and is safe from interrupt-like contexts.
func (s *Scheduler) Kick(t *Thread) {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// PCPUOf returns the physical CPU a thread is bound to.
func (s *Scheduler) PCPUOf(t *Thread) uint16 { return t.PCPUID }

// PCPUs returns the number of physical CPU workers.
func (s *Scheduler) PCPUs() int { return len(s.workers) }

// Close stops all workers after their queued quanta drain.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, w := range s.workers {
		close(w.runQueue)
	}
	s.mu.Unlock()

	for _, w := range s.workers {
		<-w.done
	}
	return nil
}
