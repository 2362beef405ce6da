// Package vmcs models the Virtual-Machine Control Structure and the VMX
// instruction surface of one physical CPU. The VMCS itself is an opaque
// hardware region addressed only through vmread/vmwrite/vmptrld/vmclear, so
// this package treats it as a key-value store keyed by the architectural
// field encodings. The instruction surface is an interface with a simulated
// implementation; the bare-metal backend is a build-gated constructor.
package vmcs

import "fmt"

// Field is an architectural VMCS field encoding.
type Field uint32

// Width is the access width of a VMCS field, derived from bits 13:14 of the
// encoding.
type Width int

const (
	Width16 Width = iota
	Width64
	Width32
	WidthNatural
)

// Width returns the field's access width.
func (f Field) Width() Width { return Width((f >> 13) & 0x3) }

func (f Field) String() string { return fmt.Sprintf("0x%04X", uint32(f)) }

// 16-bit control fields.
const (
	VPID Field = 0x0000
)

// 16-bit guest-state fields.
const (
	GuestESSelector   Field = 0x0800
	GuestCSSelector   Field = 0x0802
	GuestSSSelector   Field = 0x0804
	GuestDSSelector   Field = 0x0806
	GuestFSSelector   Field = 0x0808
	GuestGSSelector   Field = 0x080A
	GuestLDTRSelector Field = 0x080C
	GuestTRSelector   Field = 0x080E
)

// 16-bit host-state fields.
const (
	HostESSelector Field = 0x0C00
	HostCSSelector Field = 0x0C02
	HostSSSelector Field = 0x0C04
	HostDSSelector Field = 0x0C06
	HostFSSelector Field = 0x0C08
	HostGSSelector Field = 0x0C0A
	HostTRSelector Field = 0x0C0C
)

// 64-bit control fields.
const (
	IOBitmapA        Field = 0x2000
	IOBitmapB        Field = 0x2002
	MSRBitmap        Field = 0x2004
	ExitMSRStoreAddr Field = 0x2006
	ExitMSRLoadAddr  Field = 0x2008
	EntryMSRLoadAddr Field = 0x200A
	TSCOffset        Field = 0x2010
	VirtualAPICPage  Field = 0x2012
	APICAccessAddr   Field = 0x2014
	EPTPointer       Field = 0x201A
	XSSExitingBitmap Field = 0x202C
)

// 64-bit read-only data fields.
const (
	GuestPhysicalAddress Field = 0x2400
)

// 64-bit guest-state fields.
const (
	VMCSLinkPointer Field = 0x2800
	GuestDebugCtl   Field = 0x2802
	GuestPAT        Field = 0x2804
	GuestEFER       Field = 0x2806
)

// 64-bit host-state fields.
const (
	HostPAT  Field = 0x2C00
	HostEFER Field = 0x2C02
)

// 32-bit control fields.
const (
	PinBasedControls       Field = 0x4000
	ProcBasedControls      Field = 0x4002
	ExceptionBitmap        Field = 0x4004
	PageFaultErrorMask     Field = 0x4006
	PageFaultErrorMatch    Field = 0x4008
	CR3TargetCount         Field = 0x400A
	ExitControls           Field = 0x400C
	ExitMSRStoreCount      Field = 0x400E
	ExitMSRLoadCount       Field = 0x4010
	EntryControls          Field = 0x4012
	EntryMSRLoadCount      Field = 0x4014
	EntryInterruptionInfo  Field = 0x4016
	EntryExceptionErrCode  Field = 0x4018
	EntryInstructionLength Field = 0x401A
	TPRThreshold           Field = 0x401C
	ProcBasedControls2     Field = 0x401E
)

// 32-bit read-only data fields.
const (
	VMInstructionError Field = 0x4400
	ExitReason         Field = 0x4402
	ExitIntrInfo       Field = 0x4404
	ExitIntrErrCode    Field = 0x4406
	IDTVectoringInfo   Field = 0x4408
	IDTVectoringErr    Field = 0x440A
	ExitInstrLen       Field = 0x440C
	ExitInstrInfo      Field = 0x440E
)

// 32-bit guest-state fields.
const (
	GuestESLimit           Field = 0x4800
	GuestCSLimit           Field = 0x4802
	GuestSSLimit           Field = 0x4804
	GuestDSLimit           Field = 0x4806
	GuestFSLimit           Field = 0x4808
	GuestGSLimit           Field = 0x480A
	GuestLDTRLimit         Field = 0x480C
	GuestTRLimit           Field = 0x480E
	GuestGDTRLimit         Field = 0x4810
	GuestIDTRLimit         Field = 0x4812
	GuestESAccessRights    Field = 0x4814
	GuestCSAccessRights    Field = 0x4816
	GuestSSAccessRights    Field = 0x4818
	GuestDSAccessRights    Field = 0x481A
	GuestFSAccessRights    Field = 0x481C
	GuestGSAccessRights    Field = 0x481E
	GuestLDTRAccessRights  Field = 0x4820
	GuestTRAccessRights    Field = 0x4822
	GuestInterruptibility  Field = 0x4824
	GuestActivityState     Field = 0x4826
	GuestSMBase            Field = 0x4828
	GuestSysenterCS        Field = 0x482A
	PreemptionTimer        Field = 0x482E
)

// Natural-width control fields.
const (
	CR0GuestHostMask Field = 0x6000
	CR4GuestHostMask Field = 0x6002
	CR0ReadShadow    Field = 0x6004
	CR4ReadShadow    Field = 0x6006
)

// Natural-width read-only data fields.
const (
	ExitQualification  Field = 0x6400
	GuestLinearAddress Field = 0x640A
)

// Natural-width guest-state fields.
const (
	GuestCR0         Field = 0x6800
	GuestCR3         Field = 0x6802
	GuestCR4         Field = 0x6804
	GuestESBase      Field = 0x6806
	GuestCSBase      Field = 0x6808
	GuestSSBase      Field = 0x680A
	GuestDSBase      Field = 0x680C
	GuestFSBase      Field = 0x680E
	GuestGSBase      Field = 0x6810
	GuestLDTRBase    Field = 0x6812
	GuestTRBase      Field = 0x6814
	GuestGDTRBase    Field = 0x6816
	GuestIDTRBase    Field = 0x6818
	GuestDR7         Field = 0x681A
	GuestRSP         Field = 0x681C
	GuestRIP         Field = 0x681E
	GuestRFLAGS      Field = 0x6820
	GuestPendingDbg  Field = 0x6822
	GuestSysenterESP Field = 0x6824
	GuestSysenterEIP Field = 0x6826
)

// Natural-width host-state fields.
const (
	HostCR0         Field = 0x6C00
	HostCR3         Field = 0x6C02
	HostCR4         Field = 0x6C04
	HostFSBase      Field = 0x6C06
	HostGSBase      Field = 0x6C08
	HostTRBase      Field = 0x6C0A
	HostGDTRBase    Field = 0x6C0C
	HostIDTRBase    Field = 0x6C0E
	HostSysenterESP Field = 0x6C10
	HostSysenterEIP Field = 0x6C12
	HostRSP         Field = 0x6C14
	HostRIP         Field = 0x6C16
)

// Pin-based execution control bits.
const (
	PinExtIntExiting uint32 = 1 << 0
	PinNMIExiting    uint32 = 1 << 3
	PinVirtualNMIs   uint32 = 1 << 5
)

// Primary processor-based execution control bits.
const (
	ProcTSCOffsetting    uint32 = 1 << 3
	ProcHLTExiting       uint32 = 1 << 7
	ProcCR8LoadExiting   uint32 = 1 << 19
	ProcCR8StoreExiting  uint32 = 1 << 20
	ProcTPRShadow        uint32 = 1 << 21
	ProcIOBitmaps        uint32 = 1 << 25
	ProcMSRBitmaps       uint32 = 1 << 28
	ProcSecondaryCtls    uint32 = 1 << 31
)

// Secondary processor-based execution control bits.
const (
	Proc2VirtAPICAccess  uint32 = 1 << 0
	Proc2EnableEPT       uint32 = 1 << 1
	Proc2EnableRDTSCP    uint32 = 1 << 3
	Proc2VirtX2APICMode  uint32 = 1 << 4
	Proc2EnableVPID      uint32 = 1 << 5
	Proc2UnrestrictedGst uint32 = 1 << 7
	Proc2APICRegVirt     uint32 = 1 << 8
	Proc2VirtIntDelivery uint32 = 1 << 9
	Proc2EnableINVPCID   uint32 = 1 << 12
	Proc2EnableXSAVES    uint32 = 1 << 20
)

// VM-exit control bits.
const (
	ExitSaveDebugCtls  uint32 = 1 << 2
	ExitHostAddrSize64 uint32 = 1 << 9
	ExitAckIntOnExit   uint32 = 1 << 15
	ExitSavePAT        uint32 = 1 << 18
	ExitLoadPAT        uint32 = 1 << 19
	ExitSaveEFER       uint32 = 1 << 20
	ExitLoadEFER       uint32 = 1 << 21
)

// VM-entry control bits.
const (
	EntryLoadDebugCtls uint32 = 1 << 2
	EntryIA32eGuest    uint32 = 1 << 9
	EntryLoadPAT       uint32 = 1 << 14
	EntryLoadEFER      uint32 = 1 << 15
)

// Basic exit reasons used by this core.
const (
	ExitReasonException    uint32 = 0
	ExitReasonExternalInt  uint32 = 1
	ExitReasonInitSignal   uint32 = 3
	ExitReasonStartupIPI   uint32 = 4
	ExitReasonCPUID        uint32 = 10
	ExitReasonHLT          uint32 = 12
	ExitReasonVMCall       uint32 = 18
	ExitReasonEPTViolation uint32 = 48
)

// VM-instruction error numbers (the VMfailValid subset this core can hit).
const (
	ErrVMClearBadAddr      uint32 = 2
	ErrVMLaunchNonClear    uint32 = 4
	ErrVMResumeNonLaunched uint32 = 5
	ErrVMPtrLoadBadAddr    uint32 = 9
)

// INVVPID types.
const (
	InvVPIDIndividualAddr  uint64 = 0
	InvVPIDSingleContext   uint64 = 1
	InvVPIDAllContexts     uint64 = 2
	InvVPIDSingleNonGlobal uint64 = 3
)

// INVEPT types.
const (
	InvEPTSingleContext uint64 = 1
	InvEPTAllContexts   uint64 = 2
)
