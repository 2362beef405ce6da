package pagetable

import "testing"

func newEPT(t *testing.T, largePages bool) (*PageTables, *EPTMemoryOps) {
	t.Helper()
	arena := NewArena(0x1000_0000)
	ops := NewEPTMemoryOps(arena, largePages)
	return New(ops), ops
}

func TestMapLookupRoundTrip(t *testing.T) {
	pt, _ := newEPT(t, false)

	const (
		paddr = uint64(0x4000_0000)
		vaddr = uint64(0x0020_0000)
		size  = uint64(64 * 4096)
	)

	pt.Map(paddr, vaddr, size, EPTRWX|EPTMemTypeWB)

	for off := uint64(0); off < size; off += Size4K {
		e, pageSize, ok := pt.LookupAddress(vaddr + off)
		if !ok {
			t.Fatalf("LookupAddress(0x%x): no mapping", vaddr+off)
		}
		if pageSize != Size4K {
			t.Fatalf("LookupAddress(0x%x): page size 0x%x, want 4K", vaddr+off, pageSize)
		}
		if got, want := e.Address(), paddr+off; got != want {
			t.Fatalf("LookupAddress(0x%x): maps to 0x%x, want 0x%x", vaddr+off, got, want)
		}
	}
}

func TestMapPrefersLargePage(t *testing.T) {
	pt, _ := newEPT(t, true)

	// A naturally aligned 2MB range must become a single PDE-level leaf.
	pt.Map(0x20_0000, 0x20_0000, Size2M, EPTRWX)

	e, pageSize, ok := pt.LookupAddress(0x20_0000 + 0x1000)
	if !ok {
		t.Fatal("LookupAddress: no mapping inside 2MB range")
	}
	if pageSize != Size2M {
		t.Fatalf("page size = 0x%x, want 2MB", pageSize)
	}
	if !e.IsLargePage() {
		t.Fatal("expected a large-page leaf")
	}
	if e.Address() != 0x20_0000 {
		t.Fatalf("large page base = 0x%x, want 0x200000", e.Address())
	}
}

func TestLargePageInstallStripsExec(t *testing.T) {
	pt, _ := newEPT(t, true)

	const base = uint64(0x20_0000)
	pt.Map(base, base, Size2M, EPTRWX|EPTMemTypeWB)

	e, _, ok := pt.LookupAddress(base)
	if !ok {
		t.Fatal("LookupAddress: no mapping")
	}
	if e.Prot()&EPTExec != 0 {
		t.Fatal("2MB leaf installed with execute right")
	}
	if e.Prot()&(EPTRead|EPTWrite) != EPTRead|EPTWrite {
		t.Fatalf("2MB leaf prot 0x%x, read/write lost", e.Prot())
	}

	// Splitting the leaf restores execute on the 4K children.
	pt.ModifyOrDelete(base, Size4K, 0, EPTWrite, Modify)
	for i := uint64(0); i < 2; i++ {
		e, _, ok := pt.LookupAddress(base + i*Size4K)
		if !ok {
			t.Fatalf("page %d lost in split", i)
		}
		if e.Prot()&EPTExec == 0 {
			t.Fatalf("page %d: execute right not restored after split", i)
		}
	}
}

func TestMapUnalignedFallsBackTo4K(t *testing.T) {
	pt, _ := newEPT(t, true)

	// Physical base not 2MB aligned: must descend to PTEs even though the
	// virtual range is 2MB aligned and sized.
	pt.Map(0x1000, 0x20_0000, Size2M, EPTRWX)

	_, pageSize, ok := pt.LookupAddress(0x20_0000)
	if !ok {
		t.Fatal("LookupAddress: no mapping")
	}
	if pageSize != Size4K {
		t.Fatalf("page size = 0x%x, want 4K", pageSize)
	}
}

func TestDeleteThenLookup(t *testing.T) {
	pt, ops := newEPT(t, false)

	pt.Map(0x4000_0000, 0x10_0000, 16*Size4K, EPTRWX)
	pt.ModifyOrDelete(0x10_0000, 16*Size4K, 0, 0, Delete)

	for off := uint64(0); off < 16*Size4K; off += Size4K {
		e, _, ok := pt.LookupAddress(0x10_0000 + off)
		if ok && e.Address() != ops.SanitizedAddr() {
			t.Fatalf("deleted address 0x%x still maps to 0x%x", 0x10_0000+off, e.Address())
		}
	}
}

func TestDeleteSkipsUnmappedSubranges(t *testing.T) {
	pt, _ := newEPT(t, false)

	pt.Map(0x4000_0000, 0x10_0000, 4*Size4K, EPTRWX)

	// The delete range extends past the mapped region; unmapped tail must
	// be skipped, not panic.
	pt.ModifyOrDelete(0x10_0000, 64*Size4K, 0, 0, Delete)

	if _, _, ok := pt.LookupAddress(0x10_0000); ok {
		t.Fatal("address still mapped after delete")
	}
}

func TestModifyRewritesProtection(t *testing.T) {
	pt, _ := newEPT(t, false)

	pt.Map(0x4000_0000, 0x10_0000, 4*Size4K, EPTRWX)
	pt.ModifyOrDelete(0x10_0000, 4*Size4K, 0, EPTWrite|EPTExec, Modify)

	e, _, ok := pt.LookupAddress(0x10_0000)
	if !ok {
		t.Fatal("mapping disappeared after modify")
	}
	if e.Prot()&EPTWrite != 0 || e.Prot()&EPTExec != 0 {
		t.Fatalf("prot = 0x%x, want write and exec cleared", e.Prot())
	}
	if e.Prot()&EPTRead == 0 {
		t.Fatalf("prot = 0x%x, read bit lost", e.Prot())
	}
}

func TestModifyNonPresentPanics(t *testing.T) {
	pt, _ := newEPT(t, false)

	defer func() {
		if recover() == nil {
			t.Fatal("modify of unmapped range did not panic")
		}
	}()
	pt.ModifyOrDelete(0x10_0000, Size4K, EPTWrite, 0, Modify)
}

func TestMapOverMappedRangePanics(t *testing.T) {
	pt, _ := newEPT(t, false)

	pt.Map(0x4000_0000, 0x10_0000, Size4K, EPTRWX)

	defer func() {
		if recover() == nil {
			t.Fatal("double map did not panic")
		}
	}()
	pt.Map(0x5000_0000, 0x10_0000, Size4K, EPTRWX)
}

func TestSplitPreservesProtection(t *testing.T) {
	pt, ops := newEPT(t, true)

	const base = uint64(0x20_0000)
	prot := EPTRead | EPTWrite | EPTExec | EPTMemTypeWB
	pt.Map(base, base, Size2M, prot)

	// Modifying a single 4K page inside the 2MB leaf forces a split.
	pt.ModifyOrDelete(base+Size4K, Size4K, 0, EPTWrite, Modify)

	for i := uint64(0); i < EntriesPerTable; i++ {
		e, pageSize, ok := pt.LookupAddress(base + i*Size4K)
		if !ok {
			t.Fatalf("page %d lost in split", i)
		}
		if pageSize != Size4K {
			t.Fatalf("page %d: size 0x%x after split, want 4K", i, pageSize)
		}
		if got, want := e.Address(), base+i*Size4K; got != want {
			t.Fatalf("page %d: maps to 0x%x, want 0x%x", i, got, want)
		}

		want := prot
		if i == 1 {
			want &^= EPTWrite
		}
		// Split recomputes the execute right explicitly per child.
		want = uint64(ops.RecoverExeRight(Entry(want)))
		if e.Prot() != want {
			t.Fatalf("page %d: prot 0x%x, want 0x%x", i, e.Prot(), want)
		}
	}
}

func TestWalkVisitsAllLeaves(t *testing.T) {
	pt, _ := newEPT(t, true)

	pt.Map(0x20_0000, 0x20_0000, Size2M, EPTRWX)        // one 2MB leaf
	pt.Map(0x4000_0000, 0x1_0000, 8*Size4K, EPTRWX)     // eight 4K leaves

	var large, small int
	pt.Walk(func(e *Entry, pageSize uint64) {
		switch pageSize {
		case Size2M:
			large++
		case Size4K:
			small++
		default:
			t.Fatalf("unexpected page size 0x%x", pageSize)
		}
	})

	if large != 1 || small != 8 {
		t.Fatalf("walk found %d large / %d small leaves, want 1 / 8", large, small)
	}
}

func TestEPTFlushCalledOnEveryWrite(t *testing.T) {
	arena := NewArena(0x1000_0000)
	ops := NewEPTMemoryOps(arena, false)

	var flushes int
	ops.Flush = func(e *Entry) { flushes++ }

	pt := New(ops)
	pt.Map(0x4000_0000, 0x10_0000, Size4K, EPTRWX)

	// One PTE write plus one reference write per intermediate level.
	if want := 1 + 3; flushes != want {
		t.Fatalf("flushes = %d, want %d", flushes, want)
	}
}

func TestHostOpsIdentityMap(t *testing.T) {
	arena := NewArena(0x2000_0000)
	ops := NewHostMemoryOps(arena, true)
	pt := New(ops)

	pt.Map(0x4000_0000, 0x4000_0000, Size1G, HostPresent|HostWrite)

	e, pageSize, ok := pt.LookupAddress(0x4000_0000 + 123*Size4K)
	if !ok {
		t.Fatal("identity mapping not found")
	}
	if pageSize != Size1G {
		t.Fatalf("page size 0x%x, want 1GB", pageSize)
	}
	if e.Address() != 0x4000_0000 {
		t.Fatalf("base 0x%x, want 0x40000000", e.Address())
	}
}
