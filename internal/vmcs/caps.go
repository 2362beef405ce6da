package vmcs

import "log/slog"

// CheckControl negotiates a 32-bit VMX execution-control word against the
// capability MSR that governs it. The MSR's low half reports bits that must
// be 1, the high half bits that may be 1. A requested bit hardware cannot
// provide is dropped with a logged warning rather than aborting: most such
// bits are feature or performance hints, and a weaker control set is still
// safe to run with.
func CheckControl(hw Hardware, capMSR uint32, requested uint32) uint32 {
	caps := hw.ReadMSR(capMSR)
	required := uint32(caps)
	allowed := uint32(caps >> 32)

	result := (requested | required) & allowed
	if missing := requested &^ allowed; missing != 0 {
		slog.Warn("vmcs: requested controls unsupported by hardware",
			"msr", capMSR, "requested", requested, "missing", missing)
	}
	return result
}

// EPTPointerFor builds an EPT pointer value for a PML4 root: write-back
// paging-structure memory type, 4-level walk, accessed/dirty flags off.
func EPTPointerFor(pml4 uint64) uint64 {
	const (
		eptpMemTypeWB  = 6
		eptpWalkLength = 3 << 3
	)
	return pml4 | eptpMemTypeWB | eptpWalkLength
}
