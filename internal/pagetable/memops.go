package pagetable

import "fmt"

// Host page-table entry bits.
const (
	HostPresent      uint64 = 1 << 0
	HostWrite        uint64 = 1 << 1
	HostUser         uint64 = 1 << 2
	HostWriteThrough uint64 = 1 << 3
	HostCacheDisable uint64 = 1 << 4
	HostGlobal       uint64 = 1 << 8
	HostNX           uint64 = 1 << 63
)

// EPT entry bits. Presence is encoded as any of read/write/execute being
// set; there is no separate P bit.
const (
	EPTRead      uint64 = 1 << 0
	EPTWrite     uint64 = 1 << 1
	EPTExec      uint64 = 1 << 2
	EPTMemTypeWB uint64 = 6 << 3
	EPTIgnorePAT uint64 = 1 << 6

	EPTRWX = EPTRead | EPTWrite | EPTExec
)

// Arena hands out table pages with stable physical addresses. The hypervisor
// proper carves these from a static region at bring-up; this implementation
// backs them with ordinary allocations and a synthetic physical address per
// table so the walker's address arithmetic is exercised for real.
//
// The arena performs no locking: page-table mutation is serialized by the
// engine's callers, and allocation only ever happens inside a mutation.
type Arena struct {
	base   uint64
	next   uint64
	tables map[uint64]*Table
}

// NewArena returns an arena whose tables are addressed from base upward.
func NewArena(base uint64) *Arena {
	if base&(Size4K-1) != 0 {
		panic(fmt.Sprintf("pagetable: arena base 0x%x not page aligned", base))
	}
	return &Arena{
		base:   base,
		next:   base,
		tables: make(map[uint64]*Table),
	}
}

// Alloc returns a new zeroed table and its physical address.
func (a *Arena) Alloc() (*Table, uint64) {
	t := &Table{}
	paddr := a.next
	a.next += Size4K
	a.tables[paddr] = t
	return t, paddr
}

// At resolves a previously allocated table by physical address.
func (a *Arena) At(paddr uint64) *Table {
	t, ok := a.tables[paddr]
	if !ok {
		panic(fmt.Sprintf("pagetable: no table at physical address 0x%x", paddr))
	}
	return t
}

// AddressOf returns the physical address of a table allocated here.
func (a *Arena) AddressOf(t *Table) uint64 {
	for paddr, tab := range a.tables {
		if tab == t {
			return paddr
		}
	}
	panic("pagetable: table not allocated from this arena")
}

// HostMemoryOps is the descriptor for the hypervisor's own page tables:
// identity-mapped, P-bit presence, no sanitized page, no flushing needed
// (the host walks its own coherent tables).
type HostMemoryOps struct {
	arena *Arena
	addrs map[*Table]uint64

	// LargePages controls whether Map installs 2MB/1GB leaves.
	LargePages bool
}

// NewHostMemoryOps returns host-paging operations backed by arena.
func NewHostMemoryOps(arena *Arena, largePages bool) *HostMemoryOps {
	return &HostMemoryOps{
		arena:      arena,
		addrs:      make(map[*Table]uint64),
		LargePages: largePages,
	}
}

func (h *HostMemoryOps) NewTable(level Level) *Table {
	t, paddr := h.arena.Alloc()
	h.addrs[t] = paddr
	return t
}

func (h *HostMemoryOps) TableAt(paddr uint64) *Table { return h.arena.At(paddr) }

func (h *HostMemoryOps) TableAddress(t *Table) uint64 {
	paddr, ok := h.addrs[t]
	if !ok {
		panic("pagetable: host table not allocated through these ops")
	}
	return paddr
}

func (h *HostMemoryOps) Present(e Entry) bool    { return uint64(e)&HostPresent != 0 }
func (h *HostMemoryOps) LargePageEnabled() bool  { return h.LargePages }
func (h *HostMemoryOps) DefaultProt() uint64     { return HostPresent | HostWrite }
func (h *HostMemoryOps) TweakExeRight(e Entry) Entry   { return e }
func (h *HostMemoryOps) RecoverExeRight(e Entry) Entry { return e }

func (h *HostMemoryOps) SanitizedAddr() uint64 { return 0 }

func (h *HostMemoryOps) FlushCacheLine(e *Entry) {}

// EPTMemoryOps is the descriptor for a VM's EPT: rwx-encoded presence, a
// per-VM sanitized page closing the L1TF side channel, and a mandatory
// cache-line flush after every entry write for page-walk-cache coherency.
type EPTMemoryOps struct {
	arena *Arena
	addrs map[*Table]uint64

	sanitized     *Table
	sanitizedAddr uint64

	// Flush is invoked for every written entry. The bare-metal build
	// points this at clflush; tests observe it.
	Flush func(e *Entry)

	// LargePages controls whether Map installs 2MB/1GB leaves.
	LargePages bool
}

// NewEPTMemoryOps returns EPT operations backed by arena. The sanitized page
// is allocated immediately with every entry referencing itself, so a deleted
// or never-mapped guest address can only ever reach the sanitized frame.
func NewEPTMemoryOps(arena *Arena, largePages bool) *EPTMemoryOps {
	e := &EPTMemoryOps{
		arena:      arena,
		addrs:      make(map[*Table]uint64),
		LargePages: largePages,
	}
	e.sanitized, e.sanitizedAddr = arena.Alloc()
	for i := range e.sanitized.Entries {
		e.sanitized.Entries[i] = Entry(e.sanitizedAddr)
	}
	return e
}

func (e *EPTMemoryOps) NewTable(level Level) *Table {
	t, paddr := e.arena.Alloc()
	e.addrs[t] = paddr
	// New EPT tables start sanitized, not merely zeroed: a zero EPT entry
	// is already non-present, but the address bits must still point at the
	// sanitized frame.
	for i := range t.Entries {
		t.Entries[i] = Entry(e.sanitizedAddr)
	}
	return t
}

func (e *EPTMemoryOps) TableAt(paddr uint64) *Table { return e.arena.At(paddr) }

func (e *EPTMemoryOps) TableAddress(t *Table) uint64 {
	paddr, ok := e.addrs[t]
	if !ok {
		panic("pagetable: EPT table not allocated through these ops")
	}
	return paddr
}

func (e *EPTMemoryOps) Present(ent Entry) bool   { return uint64(ent)&EPTRWX != 0 }
func (e *EPTMemoryOps) LargePageEnabled() bool   { return e.LargePages }
func (e *EPTMemoryOps) DefaultProt() uint64      { return EPTRWX }

func (e *EPTMemoryOps) TweakExeRight(ent Entry) Entry   { return Entry(uint64(ent) &^ EPTExec) }
func (e *EPTMemoryOps) RecoverExeRight(ent Entry) Entry { return Entry(uint64(ent) | EPTExec) }

func (e *EPTMemoryOps) SanitizedAddr() uint64 { return e.sanitizedAddr }

func (e *EPTMemoryOps) FlushCacheLine(ent *Entry) {
	if e.Flush != nil {
		e.Flush(ent)
	}
}

var (
	_ MemoryOps = &HostMemoryOps{}
	_ MemoryOps = &EPTMemoryOps{}
)
