package vmcs

// Architectural MSR indices used by the VMCS initializer and the vCPU
// context-switch path.
const (
	MSRTSCAdjust      uint32 = 0x0000003B
	MSRFeatureControl uint32 = 0x0000003A
	MSRArchCaps       uint32 = 0x0000010A
	MSRFlushCmd       uint32 = 0x0000010B
	MSRSysenterCS     uint32 = 0x00000174
	MSRSysenterESP    uint32 = 0x00000175
	MSRSysenterEIP    uint32 = 0x00000176
	MSRPAT            uint32 = 0x00000277
	MSRXSS            uint32 = 0x00000DA0

	MSRVMXBasic            uint32 = 0x00000480
	MSRVMXPinBasedCtls     uint32 = 0x00000481
	MSRVMXProcBasedCtls    uint32 = 0x00000482
	MSRVMXExitCtls         uint32 = 0x00000483
	MSRVMXEntryCtls        uint32 = 0x00000484
	MSRVMXMisc             uint32 = 0x00000485
	MSRVMXCR0Fixed0        uint32 = 0x00000486
	MSRVMXCR0Fixed1        uint32 = 0x00000487
	MSRVMXCR4Fixed0        uint32 = 0x00000488
	MSRVMXCR4Fixed1        uint32 = 0x00000489
	MSRVMXProcBasedCtls2   uint32 = 0x0000048B
	MSRVMXEPTVPIDCap       uint32 = 0x0000048C
	MSRVMXTruePinBased     uint32 = 0x0000048D
	MSRVMXTrueProcBased    uint32 = 0x0000048E
	MSRVMXTrueExitCtls     uint32 = 0x0000048F
	MSRVMXTrueEntryCtls    uint32 = 0x00000490

	MSREFER         uint32 = 0xC0000080
	MSRStar         uint32 = 0xC0000081
	MSRLStar        uint32 = 0xC0000082
	MSRFMask        uint32 = 0xC0000084
	MSRFSBase       uint32 = 0xC0000100
	MSRGSBase       uint32 = 0xC0000101
	MSRKernelGSBase uint32 = 0xC0000102
	MSRTSCAux       uint32 = 0xC0000103
)

// PATPowerOnValue is the architectural reset value of IA32_PAT.
const PATPowerOnValue uint64 = 0x0007_0406_0007_0406

// EFER bits.
const (
	EFERSCE uint64 = 1 << 0
	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNXE uint64 = 1 << 11
)

// CR0 bits.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0AM uint64 = 1 << 18
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG uint64 = 1 << 31
)

// CR4 bits.
const (
	CR4PAE     uint64 = 1 << 5
	CR4MCE     uint64 = 1 << 6
	CR4PGE     uint64 = 1 << 7
	CR4OSFXSR  uint64 = 1 << 9
	CR4VMXE    uint64 = 1 << 13
	CR4SMXE    uint64 = 1 << 14
	CR4OSXSAVE uint64 = 1 << 18
)
