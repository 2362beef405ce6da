// Package vcpu implements the virtual-CPU execution core: the guest
// register/context model with its lazy VMCS caching protocol, the one-shot
// VMCS initializer, and the vCPU lifecycle state machine including INIT-SIPI
// emulation.
package vcpu

import (
	"encoding/binary"

	"github.com/metalvisor/vmx/internal/vmcs"
)

// Register indexes both the register-cache bitmaps and the general-purpose
// slots of RunContext. The numbering is a contract shared with the MSR- and
// instruction-emulation collaborators and must not be changed.
type Register int

const (
	RegRAX Register = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	RegCR0
	RegCR4
	RegRIP
	RegRFLAGS
	RegEFER

	numRegisters
)

// NumGPRs is the number of general-purpose register slots in RunContext.
const NumGPRs = 16

// RunContext holds the guest registers touched on every VM-entry/VM-exit
// cycle. RSP lives in the GPR array at its architectural index; the other
// VMCS-backed registers have dedicated slots.
type RunContext struct {
	GPRs   [NumGPRs]uint64
	RIP    uint64
	RFLAGS uint64
	CR0    uint64
	CR4    uint64
	EFER   uint64
}

// slot returns the RunContext storage for a VMCS-backed register.
func (c *RunContext) slot(r Register) *uint64 {
	switch r {
	case RegRSP:
		return &c.GPRs[RegRSP]
	case RegRIP:
		return &c.RIP
	case RegRFLAGS:
		return &c.RFLAGS
	case RegCR0:
		return &c.CR0
	case RegCR4:
		return &c.CR4
	case RegEFER:
		return &c.EFER
	default:
		panic("vcpu: register has no dedicated context slot")
	}
}

// SegmentDescriptor is the cached form of one segment register.
type SegmentDescriptor struct {
	Selector   uint16
	Base       uint64
	Limit      uint32
	Attributes uint32
}

// DescriptorTable is the cached form of GDTR/IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint32
}

// ExtContext holds guest state that only changes across context switches or
// emulated system instructions, not on every exit.
type ExtContext struct {
	CS   SegmentDescriptor
	SS   SegmentDescriptor
	DS   SegmentDescriptor
	ES   SegmentDescriptor
	FS   SegmentDescriptor
	GS   SegmentDescriptor
	LDTR SegmentDescriptor
	TR   SegmentDescriptor

	GDTR DescriptorTable
	IDTR DescriptorTable

	CR3 uint64

	XCR0  uint64
	XSS   uint64
	XSave XSaveArea

	// Syscall MSRs swapped on context switch.
	Star         uint64
	LStar        uint64
	FMask        uint64
	KernelGSBase uint64
}

// XSaveArea is the per-vCPU extended processor state, saved and restored in
// compacted format with the full component mask.
type XSaveArea struct {
	Data [vmcs.XSaveAreaSize]byte
}

// Architectural startup values of the XSAVE legacy region.
const (
	resetFPUControlWord uint16 = 0x0040
	resetFPUTagWord     uint8  = 0xFF
	resetMXCSR          uint32 = 0x1F80
)

// Reset loads the legacy-region startup constants.
func (x *XSaveArea) Reset() {
	x.Data = [vmcs.XSaveAreaSize]byte{}
	binary.LittleEndian.PutUint16(x.Data[0:2], resetFPUControlWord)
	x.Data[4] = resetFPUTagWord
	binary.LittleEndian.PutUint32(x.Data[24:28], resetMXCSR)
}

// FPUControlWord reads the legacy-region FCW.
func (x *XSaveArea) FPUControlWord() uint16 { return binary.LittleEndian.Uint16(x.Data[0:2]) }

// MXCSR reads the legacy-region MXCSR.
func (x *XSaveArea) MXCSR() uint32 { return binary.LittleEndian.Uint32(x.Data[24:28]) }

// CPUMode is the guest's current operating mode, re-derived after every
// VM-exit from CS access rights, EFER and CR0.
type CPUMode int

const (
	ModeReal CPUMode = iota
	ModeProtected
	ModeCompatibility
	Mode64Bit
)

func (m CPUMode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeCompatibility:
		return "compatibility"
	case Mode64Bit:
		return "64-bit"
	default:
		return "invalid"
	}
}
