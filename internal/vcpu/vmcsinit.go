package vcpu

import (
	"fmt"
	"log/slog"

	"github.com/metalvisor/vmx/internal/vmcs"
)

// LoadVMCS makes this vCPU's VMCS current on its physical CPU. The per-pCPU
// region remembers the currently loaded VMCS, so reloading the same one is
// free.
func (v *VCPU) LoadVMCS() {
	region := v.vm.machine.PCPU(v.pcpuID)
	if region.CurrentVMCS == v.vmcsAddr {
		return
	}
	if err := v.hw().VMPtrLoad(v.vmcsAddr); err != nil {
		panic(fmt.Sprintf("vcpu %d: vmptrld: %v", v.id, err))
	}
	region.CurrentVMCS = v.vmcsAddr
}

// InitVMCS builds this vCPU's VMCS from scratch: revision store, clear,
// load, then host state, execution controls, guest state, entry/exit
// controls and the x2APIC control switch in that order. Safe to call again
// after an INIT reset; the
// one-time guest values (PAT) are written only on the first pass.
func (v *VCPU) InitVMCS() {
	hw := v.hw()
	region := v.vm.machine.PCPU(v.pcpuID)

	v.vm.machine.mem.SetRevision(v.vmcsAddr, hw.RevisionID())
	if err := hw.VMClear(v.vmcsAddr); err != nil {
		panic(fmt.Sprintf("vcpu %d: vmclear: %v", v.id, err))
	}
	if err := hw.VMPtrLoad(v.vmcsAddr); err != nil {
		panic(fmt.Sprintf("vcpu %d: vmptrld: %v", v.id, err))
	}
	region.CurrentVMCS = v.vmcsAddr
	v.launched = false
	v.vmcsInitialized = true

	v.initHostState(hw)
	v.initExecControls(hw)
	v.initGuestState(hw)
	v.initEntryExitControls(hw)
	v.switchAPICvModeX2APIC(hw)

	// Everything the run context holds must reach the new VMCS.
	v.regUpdated = vmcsBackedMask
	v.regCached = 0

	slog.Debug("vcpu: VMCS initialized",
		"vm", v.vm.id, "vcpu", v.id, "vmcs", fmt.Sprintf("0x%X", v.vmcsAddr))
}

const vmcsBackedMask = 1<<RegRSP | 1<<RegCR0 | 1<<RegCR4 |
	1<<RegRIP | 1<<RegRFLAGS | 1<<RegEFER

// initHostState writes the state hardware restores on every VM-exit,
// captured from the physical CPU the vCPU is bound to.
func (v *VCPU) initHostState(hw vmcs.Hardware) {
	hc := hw.HostContext()

	hw.VMWrite16(vmcs.HostCSSelector, hc.CSSelector)
	hw.VMWrite16(vmcs.HostSSSelector, hc.SSSelector)
	hw.VMWrite16(vmcs.HostDSSelector, hc.DSSelector)
	hw.VMWrite16(vmcs.HostESSelector, hc.ESSelector)
	hw.VMWrite16(vmcs.HostFSSelector, hc.FSSelector)
	hw.VMWrite16(vmcs.HostGSSelector, hc.GSSelector)
	hw.VMWrite16(vmcs.HostTRSelector, hc.TRSelector)

	hw.VMWrite(vmcs.HostCR0, hc.CR0)
	hw.VMWrite(vmcs.HostCR3, hc.CR3)
	hw.VMWrite(vmcs.HostCR4, hc.CR4)

	hw.VMWrite(vmcs.HostFSBase, hc.FSBase)
	hw.VMWrite(vmcs.HostGSBase, hc.GSBase)
	hw.VMWrite(vmcs.HostTRBase, hc.TRBase)
	hw.VMWrite(vmcs.HostGDTRBase, hc.GDTRBase)
	hw.VMWrite(vmcs.HostIDTRBase, hc.IDTRBase)

	hw.VMWrite(vmcs.HostSysenterESP, hw.ReadMSR(vmcs.MSRSysenterESP))
	hw.VMWrite(vmcs.HostSysenterEIP, hw.ReadMSR(vmcs.MSRSysenterEIP))

	hw.VMWrite(vmcs.HostPAT, hw.ReadMSR(vmcs.MSRPAT))
	hw.VMWrite(vmcs.HostEFER, hw.ReadMSR(vmcs.MSREFER))

	hw.VMWrite(vmcs.HostRIP, hc.RIP)
	hw.VMWrite(vmcs.HostRSP, hc.RSP)
}

// initExecControls negotiates and writes the execution-control words and
// points the VMCS at the VM's shared control structures.
func (v *VCPU) initExecControls(hw vmcs.Hardware) {
	pin := vmcs.CheckControl(hw, vmcs.MSRVMXTruePinBased,
		vmcs.PinExtIntExiting|vmcs.PinNMIExiting)
	hw.VMWrite32(vmcs.PinBasedControls, pin)

	proc := vmcs.CheckControl(hw, vmcs.MSRVMXTrueProcBased,
		vmcs.ProcHLTExiting|
			vmcs.ProcTSCOffsetting|
			vmcs.ProcIOBitmaps|
			vmcs.ProcMSRBitmaps|
			vmcs.ProcSecondaryCtls)
	hw.VMWrite32(vmcs.ProcBasedControls, proc)

	proc2 := vmcs.CheckControl(hw, vmcs.MSRVMXProcBasedCtls2,
		vmcs.Proc2EnableEPT|
			vmcs.Proc2EnableVPID|
			vmcs.Proc2UnrestrictedGst|
			vmcs.Proc2EnableRDTSCP|
			vmcs.Proc2EnableINVPCID|
			vmcs.Proc2EnableXSAVES)
	hw.VMWrite32(vmcs.ProcBasedControls2, proc2)

	hw.VMWrite16(vmcs.VPID, v.vpid)
	hw.VMWrite(vmcs.EPTPointer, vmcs.EPTPointerFor(v.vm.eptRoot))

	hw.VMWrite(vmcs.IOBitmapA, v.vm.ioBitmapA)
	hw.VMWrite(vmcs.IOBitmapB, v.vm.ioBitmapB)
	hw.VMWrite(vmcs.MSRBitmap, v.vm.msrBitmap)
	hw.VMWrite(vmcs.XSSExitingBitmap, 0)

	// Intercept only debug exceptions (#DB, vector 1); everything else is
	// handled by the guest.
	hw.VMWrite32(vmcs.ExceptionBitmap, 1<<1)
	hw.VMWrite32(vmcs.PageFaultErrorMask, 0)
	hw.VMWrite32(vmcs.PageFaultErrorMatch, 0)
	hw.VMWrite32(vmcs.CR3TargetCount, 0)

	// The guest owns CR0/CR4 except the bits hardware forces; attempts to
	// change the masked bits trap, and reads see the shadow.
	hw.VMWrite(vmcs.CR0GuestHostMask, vmcs.CR0NE)
	hw.VMWrite(vmcs.CR0ReadShadow, v.runCtx.CR0)
	hw.VMWrite(vmcs.CR4GuestHostMask, vmcs.CR4VMXE|vmcs.CR4SMXE|vmcs.CR4MCE)
	hw.VMWrite(vmcs.CR4ReadShadow, v.runCtx.CR4&^(vmcs.CR4VMXE|vmcs.CR4SMXE|vmcs.CR4MCE))

	// Offset the guest TSC so its own TSC_ADJUST view starts where the
	// guest expects, independent of the host's adjustment.
	hw.VMWrite(vmcs.TSCOffset, v.guestTSCAdjust-hw.ReadMSR(vmcs.MSRTSCAdjust))
}

// initGuestState loads the guest-state area from the cached contexts.
func (v *VCPU) initGuestState(hw vmcs.Hardware) {
	writeSeg := func(sel, base, limit, ar vmcs.Field, d SegmentDescriptor) {
		hw.VMWrite16(sel, d.Selector)
		hw.VMWrite(base, d.Base)
		hw.VMWrite32(limit, d.Limit)
		ar32 := d.Attributes
		if ar32 == 0 {
			// Unusable segment.
			ar32 = 1 << 16
		}
		hw.VMWrite32(ar, ar32)
	}
	writeSeg(vmcs.GuestCSSelector, vmcs.GuestCSBase, vmcs.GuestCSLimit, vmcs.GuestCSAccessRights, v.extCtx.CS)
	writeSeg(vmcs.GuestSSSelector, vmcs.GuestSSBase, vmcs.GuestSSLimit, vmcs.GuestSSAccessRights, v.extCtx.SS)
	writeSeg(vmcs.GuestDSSelector, vmcs.GuestDSBase, vmcs.GuestDSLimit, vmcs.GuestDSAccessRights, v.extCtx.DS)
	writeSeg(vmcs.GuestESSelector, vmcs.GuestESBase, vmcs.GuestESLimit, vmcs.GuestESAccessRights, v.extCtx.ES)
	writeSeg(vmcs.GuestFSSelector, vmcs.GuestFSBase, vmcs.GuestFSLimit, vmcs.GuestFSAccessRights, v.extCtx.FS)
	writeSeg(vmcs.GuestGSSelector, vmcs.GuestGSBase, vmcs.GuestGSLimit, vmcs.GuestGSAccessRights, v.extCtx.GS)
	writeSeg(vmcs.GuestLDTRSelector, vmcs.GuestLDTRBase, vmcs.GuestLDTRLimit, vmcs.GuestLDTRAccessRights, v.extCtx.LDTR)
	writeSeg(vmcs.GuestTRSelector, vmcs.GuestTRBase, vmcs.GuestTRLimit, vmcs.GuestTRAccessRights, v.extCtx.TR)

	hw.VMWrite(vmcs.GuestGDTRBase, v.extCtx.GDTR.Base)
	hw.VMWrite32(vmcs.GuestGDTRLimit, v.extCtx.GDTR.Limit)
	hw.VMWrite(vmcs.GuestIDTRBase, v.extCtx.IDTR.Base)
	hw.VMWrite32(vmcs.GuestIDTRLimit, v.extCtx.IDTR.Limit)

	// CR4.VMXE must be 1 while in VMX non-root operation; the read shadow
	// hides it from the guest.
	hw.VMWrite(vmcs.GuestCR0, v.runCtx.CR0|vmcs.CR0NE)
	hw.VMWrite(vmcs.GuestCR3, v.extCtx.CR3)
	hw.VMWrite(vmcs.GuestCR4, v.runCtx.CR4|vmcs.CR4VMXE)
	hw.VMWrite(vmcs.GuestEFER, v.runCtx.EFER)

	hw.VMWrite(vmcs.GuestRIP, v.runCtx.RIP)
	hw.VMWrite(vmcs.GuestRSP, v.runCtx.GPRs[RegRSP])
	hw.VMWrite(vmcs.GuestRFLAGS, v.runCtx.RFLAGS)

	hw.VMWrite(vmcs.GuestDR7, 0x400)
	hw.VMWrite(vmcs.GuestDebugCtl, 0)
	hw.VMWrite(vmcs.GuestPendingDbg, 0)
	hw.VMWrite32(vmcs.GuestInterruptibility, 0)
	hw.VMWrite32(vmcs.GuestActivityState, 0)
	hw.VMWrite32(vmcs.GuestSysenterCS, 0)
	hw.VMWrite(vmcs.GuestSysenterESP, 0)
	hw.VMWrite(vmcs.GuestSysenterEIP, 0)

	// No shadow VMCS.
	hw.VMWrite(vmcs.VMCSLinkPointer, ^uint64(0))

	if !v.firstBootDone {
		hw.VMWrite(vmcs.GuestPAT, vmcs.PATPowerOnValue)
		v.firstBootDone = true
	}
}

// initEntryExitControls negotiates the entry/exit control words and wires
// the MSR auto-save/load areas.
func (v *VCPU) initEntryExitControls(hw vmcs.Hardware) {
	exit := vmcs.CheckControl(hw, vmcs.MSRVMXTrueExitCtls,
		vmcs.ExitHostAddrSize64|
			vmcs.ExitAckIntOnExit|
			vmcs.ExitSavePAT|vmcs.ExitLoadPAT|
			vmcs.ExitSaveEFER|vmcs.ExitLoadEFER)
	hw.VMWrite32(vmcs.ExitControls, exit)

	entryReq := vmcs.EntryLoadPAT | vmcs.EntryLoadEFER
	if v.runCtx.EFER&vmcs.EFERLMA != 0 {
		entryReq |= vmcs.EntryIA32eGuest
	}
	entry := vmcs.CheckControl(hw, vmcs.MSRVMXTrueEntryCtls, entryReq)
	hw.VMWrite32(vmcs.EntryControls, entry)

	// TSC_AUX is not covered by dedicated VMCS fields; swap it through a
	// one-entry auto store/load list.
	hw.VMWrite(vmcs.ExitMSRStoreAddr, v.msrStoreArea)
	hw.VMWrite32(vmcs.ExitMSRStoreCount, 1)
	hw.VMWrite(vmcs.ExitMSRLoadAddr, v.msrLoadArea)
	hw.VMWrite32(vmcs.ExitMSRLoadCount, 1)
	hw.VMWrite(vmcs.EntryMSRLoadAddr, v.msrStoreArea)
	hw.VMWrite32(vmcs.EntryMSRLoadCount, 1)

	hw.VMWrite32(vmcs.EntryInterruptionInfo, 0)
}

// SwitchAPICvModeX2APIC reconfigures the execution controls for a guest
// whose LAPIC operates in x2APIC mode: external interrupts no longer force
// an exit, and CR8/TPR interception is dropped along with the legacy
// APIC-access page.
func (v *VCPU) SwitchAPICvModeX2APIC() {
	v.LoadVMCS()
	v.switchAPICvModeX2APIC(v.hw())
}

func (v *VCPU) switchAPICvModeX2APIC(hw vmcs.Hardware) {
	pin := hw.VMRead32(vmcs.PinBasedControls)
	pin &^= vmcs.PinExtIntExiting
	hw.VMWrite32(vmcs.PinBasedControls, pin)

	proc := hw.VMRead32(vmcs.ProcBasedControls)
	proc &^= vmcs.ProcCR8LoadExiting | vmcs.ProcCR8StoreExiting | vmcs.ProcTPRShadow
	hw.VMWrite32(vmcs.ProcBasedControls, proc)

	proc2 := hw.VMRead32(vmcs.ProcBasedControls2)
	proc2 &^= vmcs.Proc2VirtAPICAccess
	proc2 = vmcs.CheckControl(hw, vmcs.MSRVMXProcBasedCtls2,
		proc2|vmcs.Proc2VirtX2APICMode)
	hw.VMWrite32(vmcs.ProcBasedControls2, proc2)
}
