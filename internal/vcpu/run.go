package vcpu

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/metalvisor/vmx/internal/timeslice"
	"github.com/metalvisor/vmx/internal/vmcs"
)

// instLenValid reports whether the exit-instruction-length field is defined
// for a basic exit reason; only instruction-synchronous exits set it.
func instLenValid(reason uint32) bool {
	switch reason {
	case vmcs.ExitReasonCPUID, vmcs.ExitReasonHLT, vmcs.ExitReasonVMCall:
		return true
	default:
		return false
	}
}

// Run performs one VM-entry and returns the basic exit reason.
//
// The preamble flushes every dirty register to the VMCS, so the guest never
// runs with stale state; after the exit the read cache is dropped, because
// the guest may have changed anything. An entry that fails with a
// VM-instruction error means the VMCS is structurally bad and the platform
// cannot be trusted to continue, so it panics.
func (v *VCPU) Run() uint32 {
	hw := v.hw()
	rec := v.vm.machine.rec
	hostStart := time.Now()

	// Instruction-synchronous exits leave RIP on the exiting instruction;
	// step over it before re-entering.
	if v.instLen != 0 {
		v.SetReg(RegRIP, v.GetReg(RegRIP)+uint64(v.instLen))
		v.instLen = 0
	}

	v.flushRegs()

	resume := v.launched

	guestStart := time.Now()
	rec.Record(timeslice.TimesliceExit, guestStart.Sub(hostStart))

	// Side-channel mitigations run immediately before every entry.
	hw.FlushL1D()
	hw.ClearCPUBuffers()

	var err error
	if resume {
		err = hw.VMResume()
	} else {
		// First launch on this VMCS: a stale TLB entry tagged with any
		// VPID could leak into the new guest, so invalidate across all
		// contexts rather than just this vCPU's.
		hw.InvVPID(vmcs.InvVPIDAllContexts, 0, 0)
		err = hw.VMLaunch()
	}
	rec.Record(timeslice.TimesliceGuest, time.Since(guestStart))

	if err != nil {
		number := hw.VMRead32(vmcs.VMInstructionError)
		slog.Error("vcpu: VM-entry failed",
			"vm", v.vm.id, "vcpu", v.id, "resume", resume,
			"error", err, "instruction_error", number)
		panic(fmt.Sprintf("vcpu %d: VM-entry failed: %v", v.id, err))
	}
	v.launched = true

	v.invalidateCache()

	v.exitReason = hw.VMRead32(vmcs.ExitReason) & 0xFFFF
	if instLenValid(v.exitReason) {
		v.instLen = hw.VMRead32(vmcs.ExitInstrLen)
	} else {
		v.instLen = 0
	}

	v.deriveMode(hw)

	return v.exitReason
}

// deriveMode recomputes the guest operating mode from EFER, CR0 and the CS
// access rights after an exit.
func (v *VCPU) deriveMode(hw vmcs.Hardware) {
	efer := v.GetReg(RegEFER)
	cr0 := v.GetReg(RegCR0)

	switch {
	case efer&vmcs.EFERLMA != 0:
		const csLongMode = 1 << 13
		if hw.VMRead32(vmcs.GuestCSAccessRights)&csLongMode != 0 {
			v.mode = Mode64Bit
		} else {
			v.mode = ModeCompatibility
		}
	case cr0&vmcs.CR0PE != 0:
		v.mode = ModeProtected
	default:
		v.mode = ModeReal
	}
}
