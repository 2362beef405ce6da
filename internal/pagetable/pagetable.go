// Package pagetable implements the generic 4-level page-table engine used
// both for the hypervisor's own address space and for per-VM EPT trees. The
// behavior that differs between the two (present-bit encoding, large-page
// policy, cache flushing, default access rights) is supplied through a
// MemoryOps descriptor so the walker itself has a single implementation.
package pagetable

import "fmt"

const (
	// EntriesPerTable is the number of 64-bit entries in one table page.
	EntriesPerTable = 512

	Size4K   uint64 = 1 << 12
	Size2M   uint64 = 1 << 21
	Size1G   uint64 = 1 << 30
	Size512G uint64 = 1 << 39
)

// addrMask extracts the physical address bits from an entry. It covers the
// maximum architectural physical-address width (52 bits) regardless of
// whether the entry belongs to a host table or an EPT.
const addrMask uint64 = 0x000F_FFFF_FFFF_F000

// pageSizeFlag marks a PDE or PDPTE as a large-page leaf.
const pageSizeFlag uint64 = 1 << 7

// Entry is one 64-bit page-table entry.
type Entry uint64

// Address returns the physical address held in the entry.
func (e Entry) Address() uint64 { return uint64(e) & addrMask }

// Prot returns the non-address bits of the entry.
func (e Entry) Prot() uint64 { return uint64(e) &^ addrMask }

// IsLargePage reports whether the page-size flag is set. Only meaningful at
// the PD and PDPT levels.
func (e Entry) IsLargePage() bool { return uint64(e)&pageSizeFlag != 0 }

// Table is one 4KB-sized table page of 512 entries.
type Table struct {
	Entries [EntriesPerTable]Entry
}

// Level identifies one level of the radix tree, leaf-most first.
type Level int

const (
	LevelPT Level = iota
	LevelPD
	LevelPDPT
	LevelPML4
)

func (l Level) String() string {
	switch l {
	case LevelPT:
		return "PT"
	case LevelPD:
		return "PD"
	case LevelPDPT:
		return "PDPT"
	case LevelPML4:
		return "PML4"
	default:
		return "invalid"
	}
}

// shift is the low bit of the virtual-address field indexed at this level.
func (l Level) shift() uint { return 12 + 9*uint(l) }

// EntrySize is the span of address space covered by one entry at this level.
func (l Level) EntrySize() uint64 { return uint64(1) << l.shift() }

// index returns the entry index for addr at this level.
func (l Level) index(addr uint64) int {
	return int((addr >> l.shift()) & (EntriesPerTable - 1))
}

// canBeLeaf reports whether the hardware allows a large-page leaf at this
// level (2MB at PD, 1GB at PDPT).
func (l Level) canBeLeaf() bool { return l == LevelPD || l == LevelPDPT }

// MemoryOps supplies the semantics that differ between the hypervisor's own
// page tables and a VM's EPT. Implementations must not be nil-methodded; the
// engine calls every hook unconditionally.
type MemoryOps interface {
	// NewTable allocates a zeroed (or sanitized) table page for the given
	// level and returns it together with its physical address.
	NewTable(level Level) *Table

	// TableAt resolves the table page referenced by a non-leaf entry.
	TableAt(paddr uint64) *Table

	// TableAddress returns the physical address of an allocated table.
	TableAddress(t *Table) uint64

	// Present reports whether an entry maps or references anything. EPT
	// entries encode presence differently from the host P bit.
	Present(e Entry) bool

	// LargePageEnabled reports whether Map may install 2MB/1GB leaves.
	LargePageEnabled() bool

	// DefaultProt is the access-right template written into non-leaf
	// references to child tables.
	DefaultProt() uint64

	// TweakExeRight strips the execute right from a 2MB/1GB leaf as it
	// is installed; large instruction pages are what the page-size-change
	// machine-check erratum trips over.
	TweakExeRight(e Entry) Entry

	// RecoverExeRight re-establishes the execute right on entries created
	// by splitting a large page, undoing TweakExeRight at the smaller
	// granularity.
	RecoverExeRight(e Entry) Entry

	// SanitizedAddr is the physical address deleted leaves are pointed at
	// so that speculative walks cannot reach stale guest frames.
	SanitizedAddr() uint64

	// FlushCacheLine is called after every entry write. Required for
	// coherency with hardware page-walk caches on EPT tables.
	FlushCacheLine(e *Entry)
}

// Action selects the behavior of ModifyOrDelete.
type Action int

const (
	// Modify rewrites the protection bits of every mapped leaf in range.
	Modify Action = iota
	// Delete replaces every mapped leaf in range with a sanitized entry.
	Delete
)

// PageTables is one 4-level tree rooted at a PML4 page.
type PageTables struct {
	root *Table
	ops  MemoryOps
}

// New allocates an empty tree using the given operations descriptor.
func New(ops MemoryOps) *PageTables {
	return &PageTables{
		root: ops.NewTable(LevelPML4),
		ops:  ops,
	}
}

// Root returns the root table's physical address, suitable for CR3 or for
// building an EPT pointer.
func (pt *PageTables) Root() uint64 { return pt.ops.TableAddress(pt.root) }

// addrEnd clamps the end of the current iteration to the next size-aligned
// boundary after addr, or to end if that comes earlier.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// Map establishes mappings for [vaddrBase, vaddrBase+size) onto physical
// memory starting at paddrBase. The range must currently be entirely
// unmapped; mapping over an existing entry is a caller bug and panics.
// Large leaves are installed opportunistically when the descriptor allows
// them and alignment permits.
func (pt *PageTables) Map(paddrBase, vaddrBase, size, prot uint64) {
	if vaddrBase&(Size4K-1) != 0 || paddrBase&(Size4K-1) != 0 || size&(Size4K-1) != 0 {
		panic(fmt.Sprintf("pagetable: unaligned map: paddr 0x%x vaddr 0x%x size 0x%x",
			paddrBase, vaddrBase, size))
	}
	pt.mapRange(pt.root, LevelPML4, vaddrBase, vaddrBase+size, paddrBase, prot)
}

func (pt *PageTables) mapRange(t *Table, level Level, start, end, phys, prot uint64) {
	for start < end {
		next := addrEnd(start, end, level.EntrySize())
		e := &t.Entries[level.index(start)]

		if level == LevelPT {
			if pt.ops.Present(*e) {
				panic(fmt.Sprintf("pagetable: map over present PTE at vaddr 0x%x", start))
			}
			*e = Entry(phys | prot)
			pt.ops.FlushCacheLine(e)
			phys += next - start
			start = next
			continue
		}

		size := level.EntrySize()
		if level.canBeLeaf() && pt.ops.LargePageEnabled() && !pt.ops.Present(*e) &&
			start&(size-1) == 0 && phys&(size-1) == 0 && end-start >= size {
			*e = pt.ops.TweakExeRight(Entry(phys | prot | pageSizeFlag))
			pt.ops.FlushCacheLine(e)
			phys += size
			start = next
			continue
		}

		var child *Table
		if !pt.ops.Present(*e) {
			child = pt.ops.NewTable(level - 1)
			*e = Entry(pt.ops.TableAddress(child) | pt.ops.DefaultProt())
			pt.ops.FlushCacheLine(e)
		} else {
			if e.IsLargePage() {
				panic(fmt.Sprintf("pagetable: map over mapped %s large page at vaddr 0x%x",
					level, start))
			}
			child = pt.ops.TableAt(e.Address())
		}

		pt.mapRange(child, level-1, start, next, phys, prot)
		phys += next - start
		start = next
	}
}

// ModifyOrDelete rewrites or removes the existing mappings overlapping
// [vaddrBase, vaddrBase+size). For Modify, protClr bits are cleared and
// protSet bits are set on every mapped leaf; a non-present entry in the
// range is a caller bug and panics. For Delete, every mapped leaf is
// replaced by a reference to the sanitized page; unmapped sub-ranges are
// skipped. Large pages that only partially overlap the range are split into
// the next smaller granularity first.
func (pt *PageTables) ModifyOrDelete(vaddrBase, size, protSet, protClr uint64, action Action) {
	pt.modifyRange(pt.root, LevelPML4, vaddrBase, vaddrBase+size, protSet, protClr, action)
}

func (pt *PageTables) modifyRange(t *Table, level Level, start, end, protSet, protClr uint64, action Action) {
	for start < end {
		next := addrEnd(start, end, level.EntrySize())
		e := &t.Entries[level.index(start)]

		if !pt.ops.Present(*e) {
			if action == Modify {
				panic(fmt.Sprintf("pagetable: modify of non-present %s entry at vaddr 0x%x",
					level, start))
			}
			start = next
			continue
		}

		if level != LevelPT && e.IsLargePage() {
			size := level.EntrySize()
			entryStart := start &^ (size - 1)
			if start != entryStart || end < entryStart+size {
				pt.splitLargePage(e, level)
			} else {
				pt.applyLeaf(e, protSet, protClr, action)
				start = next
				continue
			}
		}

		if level == LevelPT {
			pt.applyLeaf(e, protSet, protClr, action)
			start = next
			continue
		}

		pt.modifyRange(pt.ops.TableAt(e.Address()), level-1, start, next, protSet, protClr, action)
		start = next
	}
}

func (pt *PageTables) applyLeaf(e *Entry, protSet, protClr uint64, action Action) {
	if action == Delete {
		*e = Entry(pt.ops.SanitizedAddr())
	} else {
		large := uint64(*e) & pageSizeFlag
		*e = Entry((uint64(*e) &^ protClr) | protSet | large)
	}
	pt.ops.FlushCacheLine(e)
}

// splitLargePage replaces a 1GB or 2MB leaf with a child table mapping the
// same range at the next smaller granularity. Every child inherits the
// original protection bits; the execute right, implicit on the large page,
// is recomputed explicitly per child.
func (pt *PageTables) splitLargePage(e *Entry, level Level) {
	childLevel := level - 1
	childSize := childLevel.EntrySize()

	base := e.Address()
	prot := e.Prot() &^ pageSizeFlag

	child := pt.ops.NewTable(childLevel)
	for i := 0; i < EntriesPerTable; i++ {
		ce := base + uint64(i)*childSize | prot
		if childLevel != LevelPT {
			ce |= pageSizeFlag
		}
		child.Entries[i] = pt.ops.RecoverExeRight(Entry(ce))
		pt.ops.FlushCacheLine(&child.Entries[i])
	}

	*e = Entry(pt.ops.TableAddress(child) | pt.ops.DefaultProt())
	pt.ops.FlushCacheLine(e)
}

// LookupAddress walks the tree read-only and returns the first present leaf
// covering addr together with the size of the page it maps.
func (pt *PageTables) LookupAddress(addr uint64) (*Entry, uint64, bool) {
	t := pt.root
	for level := LevelPML4; ; level-- {
		e := &t.Entries[level.index(addr)]
		if !pt.ops.Present(*e) {
			return nil, 0, false
		}
		if level == LevelPT {
			return e, Size4K, true
		}
		if e.IsLargePage() {
			return e, level.EntrySize(), true
		}
		t = pt.ops.TableAt(e.Address())
	}
}

// Walk visits every present leaf entry in the tree, invoking fn with the
// entry and the size of the page it maps.
func (pt *PageTables) Walk(fn func(e *Entry, pageSize uint64)) {
	pt.walkTable(pt.root, LevelPML4, fn)
}

func (pt *PageTables) walkTable(t *Table, level Level, fn func(e *Entry, pageSize uint64)) {
	for i := 0; i < EntriesPerTable; i++ {
		e := &t.Entries[i]
		if !pt.ops.Present(*e) {
			continue
		}
		if level == LevelPT {
			fn(e, Size4K)
			continue
		}
		if e.IsLargePage() {
			fn(e, level.EntrySize())
			continue
		}
		pt.walkTable(pt.ops.TableAt(e.Address()), level-1, fn)
	}
}
