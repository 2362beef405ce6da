package vmcs

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned when no VMX-capable backend exists for the
// build target.
var ErrUnsupported = errors.New("vmcs: VMX hardware unsupported on this platform")

// RegionSize is the size of one VMCS region.
const RegionSize = 4096

// HostContext is the snapshot of the running hypervisor's own state that
// hardware restores automatically on every VM-exit. It is captured once per
// physical CPU when the host state area of a VMCS is initialized.
type HostContext struct {
	CSSelector uint16
	SSSelector uint16
	DSSelector uint16
	ESSelector uint16
	FSSelector uint16
	GSSelector uint16
	TRSelector uint16

	GDTRBase uint64
	IDTRBase uint64
	TRBase   uint64

	CR0 uint64
	CR3 uint64
	CR4 uint64

	FSBase uint64
	GSBase uint64

	// RIP is the fixed VM-exit entry point.
	RIP uint64
	RSP uint64
}

// Hardware is the VMX instruction surface of one physical CPU. Exactly one
// VMCS can be current per instance at a time; VMRead/VMWrite address the
// current VMCS and calling them with none loaded is a caller bug.
//
// The simulated implementation backs all tests and the demo binary. A
// bare-metal backend slots in through OpenNative.
type Hardware interface {
	// RevisionID is the VMCS revision identifier reported by
	// IA32_VMX_BASIC; it must be written to the first 4 bytes of every
	// VMCS region before the region is first cleared.
	RevisionID() uint32

	// VMClear flushes and deactivates the VMCS at paddr, putting it into
	// the clear (not launched) state.
	VMClear(paddr uint64) error

	// VMPtrLoad makes the VMCS at paddr current on this CPU.
	VMPtrLoad(paddr uint64) error

	// VMRead and friends access a field of the current VMCS at its
	// architectural width.
	VMRead(f Field) uint64
	VMRead32(f Field) uint32
	VMRead16(f Field) uint16
	VMWrite(f Field, v uint64)
	VMWrite32(f Field, v uint32)
	VMWrite16(f Field, v uint16)

	// VMLaunch enters the guest through the current, not-yet-launched
	// VMCS. VMResume re-enters through an already-launched one. A non-nil
	// error carries the VM-instruction error number and means the entry
	// did not happen.
	VMLaunch() error
	VMResume() error

	// InvVPID invalidates TLB mappings tagged with the given VPID.
	InvVPID(typ uint64, vpid uint16, gva uint64)

	// InvEPT invalidates guest-physical mappings derived from eptp.
	InvEPT(typ uint64, eptp uint64)

	ReadMSR(index uint32) uint64
	WriteMSR(index uint32, v uint64)

	// FlushL1D and ClearCPUBuffers are the VM-entry side-channel
	// mitigations (L1TF and MDS respectively).
	FlushL1D()
	ClearCPUBuffers()

	// XSaves and XRstors save/restore the extended processor state in
	// compacted format for the given component mask.
	XSaves(area []byte, mask uint64)
	XRstors(area []byte, mask uint64)

	// HostContext captures the hypervisor state restored on VM-exit.
	HostContext() HostContext
}

// RegionMemory hands out VMCS-sized regions of physical memory and supports
// the pre-VMCLEAR revision-identifier store.
type RegionMemory interface {
	AllocRegion() uint64
	SetRevision(paddr uint64, rev uint32)
}

// EntryError is the error returned by a failed VMLaunch or VMResume,
// carrying the architectural VM-instruction error number.
type EntryError struct {
	Resume bool
	Number uint32
}

func (e *EntryError) Error() string {
	insn := "VMLAUNCH"
	if e.Resume {
		insn = "VMRESUME"
	}
	return insn + " failed: " + entryErrorText(e.Number)
}

func entryErrorText(n uint32) string {
	switch n {
	case ErrVMClearBadAddr:
		return "VMCLEAR with invalid physical address"
	case ErrVMLaunchNonClear:
		return "VMLAUNCH with non-clear VMCS"
	case ErrVMResumeNonLaunched:
		return "VMRESUME with non-launched VMCS"
	case ErrVMPtrLoadBadAddr:
		return "VMPTRLD with invalid physical address"
	default:
		return fmt.Sprintf("VM-instruction error %d", n)
	}
}
