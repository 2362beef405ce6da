package vmcs

import (
	"errors"
	"testing"
)

func TestFieldWidth(t *testing.T) {
	for _, tc := range []struct {
		field Field
		want  Width
	}{
		{VPID, Width16},
		{GuestCSSelector, Width16},
		{HostTRSelector, Width16},
		{EPTPointer, Width64},
		{GuestEFER, Width64},
		{HostPAT, Width64},
		{PinBasedControls, Width32},
		{ExitReason, Width32},
		{GuestCSAccessRights, Width32},
		{CR0GuestHostMask, WidthNatural},
		{GuestRIP, WidthNatural},
		{HostRSP, WidthNatural},
	} {
		if got := tc.field.Width(); got != tc.want {
			t.Errorf("field %v: width %d, want %d", tc.field, got, tc.want)
		}
	}
}

func TestVMPtrLoadRequiresRevision(t *testing.T) {
	mem := NewSimMemory()
	cpu := NewSimCPU(mem)
	paddr := mem.AllocRegion()

	if err := cpu.VMPtrLoad(paddr); err == nil {
		t.Fatal("vmptrld succeeded on region without revision identifier")
	}

	mem.SetRevision(paddr, cpu.RevisionID())
	if err := cpu.VMPtrLoad(paddr); err != nil {
		t.Fatalf("vmptrld: %v", err)
	}
	if cpu.CurrentAddr() != paddr {
		t.Fatalf("current VMCS = 0x%x, want 0x%x", cpu.CurrentAddr(), paddr)
	}
}

func TestVMReadWriteRoundTrip(t *testing.T) {
	mem := NewSimMemory()
	cpu := NewSimCPU(mem)
	paddr := mem.AllocRegion()
	mem.SetRevision(paddr, cpu.RevisionID())
	if err := cpu.VMPtrLoad(paddr); err != nil {
		t.Fatalf("vmptrld: %v", err)
	}

	cpu.VMWrite(GuestRIP, 0xFFF0)
	cpu.VMWrite16(VPID, 7)
	cpu.VMWrite32(ExceptionBitmap, 1<<1)

	if got := cpu.VMRead(GuestRIP); got != 0xFFF0 {
		t.Errorf("GuestRIP = 0x%x", got)
	}
	if got := cpu.VMRead16(VPID); got != 7 {
		t.Errorf("VPID = %d", got)
	}
	if got := cpu.VMRead32(ExceptionBitmap); got != 1<<1 {
		t.Errorf("ExceptionBitmap = 0x%x", got)
	}
}

func TestFieldAccessWithNoCurrentVMCSPanics(t *testing.T) {
	cpu := NewSimCPU(NewSimMemory())

	defer func() {
		if recover() == nil {
			t.Fatal("vmread with no current VMCS did not panic")
		}
	}()
	cpu.VMRead(GuestRIP)
}

func TestLaunchResumeStateMachine(t *testing.T) {
	mem := NewSimMemory()
	cpu := NewSimCPU(mem)
	paddr := mem.AllocRegion()
	mem.SetRevision(paddr, cpu.RevisionID())
	if err := cpu.VMPtrLoad(paddr); err != nil {
		t.Fatalf("vmptrld: %v", err)
	}

	// Resuming a never-launched VMCS is architectural error 5.
	err := cpu.VMResume()
	var entryErr *EntryError
	if !errors.As(err, &entryErr) || entryErr.Number != ErrVMResumeNonLaunched {
		t.Fatalf("VMResume on clear VMCS: %v", err)
	}
	if got := cpu.VMRead32(VMInstructionError); got != ErrVMResumeNonLaunched {
		t.Fatalf("VM-instruction error after failed resume = %d, want %d",
			got, ErrVMResumeNonLaunched)
	}

	if err := cpu.VMLaunch(); err != nil {
		t.Fatalf("VMLaunch: %v", err)
	}

	// Launching again without an intervening vmclear is error 4.
	err = cpu.VMLaunch()
	if !errors.As(err, &entryErr) || entryErr.Number != ErrVMLaunchNonClear {
		t.Fatalf("second VMLaunch: %v", err)
	}
	if got := cpu.VMRead32(VMInstructionError); got != ErrVMLaunchNonClear {
		t.Fatalf("VM-instruction error after failed launch = %d, want %d",
			got, ErrVMLaunchNonClear)
	}

	if err := cpu.VMResume(); err != nil {
		t.Fatalf("VMResume: %v", err)
	}

	// vmclear returns the region to the clear state.
	if err := cpu.VMClear(paddr); err != nil {
		t.Fatalf("VMClear: %v", err)
	}
	mem.SetRevision(paddr, cpu.RevisionID())
	if err := cpu.VMPtrLoad(paddr); err != nil {
		t.Fatalf("vmptrld after clear: %v", err)
	}
	if err := cpu.VMLaunch(); err != nil {
		t.Fatalf("VMLaunch after clear: %v", err)
	}
}

func TestEnterWritesExitFields(t *testing.T) {
	mem := NewSimMemory()
	cpu := NewSimCPU(mem)
	paddr := mem.AllocRegion()
	mem.SetRevision(paddr, cpu.RevisionID())
	if err := cpu.VMPtrLoad(paddr); err != nil {
		t.Fatalf("vmptrld: %v", err)
	}

	cpu.OnEntry = func(resume bool, c *SimCPU) (SimExit, error) {
		return SimExit{Reason: ExitReasonCPUID, InstrLen: 2, Qualification: 0x10}, nil
	}
	if err := cpu.VMLaunch(); err != nil {
		t.Fatalf("VMLaunch: %v", err)
	}

	if got := cpu.VMRead32(ExitReason); got != ExitReasonCPUID {
		t.Errorf("ExitReason = %d", got)
	}
	if got := cpu.VMRead32(ExitInstrLen); got != 2 {
		t.Errorf("ExitInstrLen = %d", got)
	}
	if got := cpu.VMRead(ExitQualification); got != 0x10 {
		t.Errorf("ExitQualification = 0x%x", got)
	}
}

func TestCheckControlAddsRequiredBits(t *testing.T) {
	cpu := NewSimCPU(NewSimMemory())

	got := CheckControl(cpu, MSRVMXTruePinBased, PinExtIntExiting)
	if got&PinExtIntExiting == 0 {
		t.Error("requested bit dropped despite hardware support")
	}
	if got&pinDefault1 != pinDefault1 {
		t.Errorf("default1 bits missing: got 0x%x, required 0x%x", got, pinDefault1)
	}
}

func TestCheckControlDropsUnsupportedBits(t *testing.T) {
	cpu := NewSimCPU(NewSimMemory())

	// Bit 30 is not advertised by the simulated pin-based capability MSR.
	const unsupported = 1 << 30
	got := CheckControl(cpu, MSRVMXTruePinBased, unsupported)
	if got&unsupported != 0 {
		t.Errorf("unsupported bit survived negotiation: 0x%x", got)
	}
}

func TestEPTPointerFor(t *testing.T) {
	const pml4 = uint64(0x0000_0001_2345_6000)
	eptp := EPTPointerFor(pml4)

	if eptp&0x7 != 6 {
		t.Errorf("memory type = %d, want 6 (WB)", eptp&0x7)
	}
	if (eptp>>3)&0x7 != 3 {
		t.Errorf("walk length field = %d, want 3", (eptp>>3)&0x7)
	}
	if eptp&^uint64(0xFFF) != pml4 {
		t.Errorf("root address mangled: 0x%x", eptp)
	}
}

func TestEntryErrorText(t *testing.T) {
	err := &EntryError{Resume: true, Number: ErrVMResumeNonLaunched}
	if got := err.Error(); got != "VMRESUME failed: VMRESUME with non-launched VMCS" {
		t.Errorf("Error() = %q", got)
	}
}
