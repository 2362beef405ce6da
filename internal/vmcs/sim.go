package vmcs

import "fmt"

// revision reported by the simulated IA32_VMX_BASIC.
const simRevisionID uint32 = 0x12

// Default1 classes of the VMX control MSRs: bits hardware requires to be 1
// regardless of what the hypervisor asks for.
const (
	pinDefault1   uint32 = 0x0000_0016
	procDefault1  uint32 = 0x0401_E172
	exitDefault1  uint32 = 0x0003_6DFF
	entryDefault1 uint32 = 0x0000_11FF
)

type simRegion struct {
	revision uint32
	launched bool
	fields   map[Field]uint64
}

// SimMemory models the RAM that holds VMCS regions, shared by every
// simulated CPU of one machine. Region addresses are handed out from a
// synthetic physical arena.
type SimMemory struct {
	next    uint64
	regions map[uint64]*simRegion
}

// NewSimMemory returns an empty VMCS memory arena.
func NewSimMemory() *SimMemory {
	return &SimMemory{
		next:    0x7000_0000,
		regions: make(map[uint64]*simRegion),
	}
}

// AllocRegion reserves one VMCS-sized region and returns its physical
// address. The region is unusable until its revision identifier is written.
func (m *SimMemory) AllocRegion() uint64 {
	paddr := m.next
	m.next += RegionSize
	m.regions[paddr] = &simRegion{fields: make(map[Field]uint64)}
	return paddr
}

// SetRevision writes the revision identifier into the first 4 bytes of the
// region, the software analogue of the required pre-VMCLEAR store.
func (m *SimMemory) SetRevision(paddr uint64, rev uint32) {
	r, ok := m.regions[paddr]
	if !ok {
		panic(fmt.Sprintf("vmcs: SetRevision on unallocated region 0x%x", paddr))
	}
	r.revision = rev
}

// SimStats counts hardware accesses so tests can assert on the register
// cache and the VMCS pointer cache.
type SimStats struct {
	PtrLoads     uint64
	Clears       uint64
	Reads        uint64
	Writes       uint64
	Launches     uint64
	Resumes      uint64
	InvVPIDs     uint64
	LastInvVPID  uint64
	InvEPTs      uint64
	L1DFlushes   uint64
	BufferClears uint64
}

// SimExit describes the VM-exit a simulated entry produces.
type SimExit struct {
	Reason        uint32
	InstrLen      uint32
	Qualification uint64
}

// SimCPU is the simulated VMX instruction surface of one physical CPU.
type SimCPU struct {
	mem   *SimMemory
	msrs  map[uint32]uint64
	host  HostContext
	stats SimStats

	current     *simRegion
	currentAddr uint64

	// xstate is the CPU's live extended processor state.
	xstate [XSaveAreaSize]byte

	// OnEntry, when set, is consulted on every VMLaunch/VMResume to
	// decide the resulting exit; it may mutate the current VMCS to model
	// guest execution. The default exit is an external interrupt with
	// zero instruction length.
	OnEntry func(resume bool, cpu *SimCPU) (SimExit, error)
}

// XSaveAreaSize is the size of the modeled XSAVE area.
const XSaveAreaSize = 4096

// NewSimCPU returns a simulated physical CPU operating on mem.
func NewSimCPU(mem *SimMemory) *SimCPU {
	c := &SimCPU{
		mem:  mem,
		msrs: make(map[uint32]uint64),
		host: HostContext{
			CSSelector: 0x08,
			SSSelector: 0x10,
			DSSelector: 0x10,
			ESSelector: 0x10,
			TRSelector: 0x40,
			GDTRBase:   0xFFFF_8000_0000_1000,
			IDTRBase:   0xFFFF_8000_0000_2000,
			TRBase:     0xFFFF_8000_0000_3000,
			CR0:        CR0PE | CR0PG | CR0NE | CR0WP,
			CR3:        0x0000_0000_0010_0000,
			CR4:        CR4PAE | CR4VMXE | CR4OSFXSR,
			RIP:        0xFFFF_8000_0010_0000,
			RSP:        0xFFFF_8000_0020_0000,
		},
	}

	allowed := func(def1, may1 uint32) uint64 {
		return uint64(def1) | uint64(def1|may1)<<32
	}

	c.msrs[MSRVMXBasic] = uint64(simRevisionID) | uint64(RegionSize)<<32
	c.msrs[MSRVMXPinBasedCtls] = allowed(pinDefault1,
		PinExtIntExiting|PinNMIExiting|PinVirtualNMIs)
	c.msrs[MSRVMXProcBasedCtls] = allowed(procDefault1,
		ProcTSCOffsetting|ProcHLTExiting|ProcCR8LoadExiting|ProcCR8StoreExiting|
			ProcTPRShadow|ProcIOBitmaps|ProcMSRBitmaps|ProcSecondaryCtls)
	c.msrs[MSRVMXProcBasedCtls2] = allowed(0,
		Proc2VirtAPICAccess|Proc2EnableEPT|Proc2EnableRDTSCP|Proc2VirtX2APICMode|
			Proc2EnableVPID|Proc2UnrestrictedGst|Proc2APICRegVirt|
			Proc2VirtIntDelivery|Proc2EnableINVPCID|Proc2EnableXSAVES)
	c.msrs[MSRVMXExitCtls] = allowed(exitDefault1,
		ExitSaveDebugCtls|ExitHostAddrSize64|ExitAckIntOnExit|
			ExitSavePAT|ExitLoadPAT|ExitSaveEFER|ExitLoadEFER)
	c.msrs[MSRVMXEntryCtls] = allowed(entryDefault1,
		EntryLoadDebugCtls|EntryIA32eGuest|EntryLoadPAT|EntryLoadEFER)

	// The TRUE capability MSRs report the same feature set; IA32_VMX_BASIC
	// bit 55 advertises them.
	c.msrs[MSRVMXBasic] |= 1 << 55
	c.msrs[MSRVMXTruePinBased] = c.msrs[MSRVMXPinBasedCtls]
	c.msrs[MSRVMXTrueProcBased] = c.msrs[MSRVMXProcBasedCtls]
	c.msrs[MSRVMXTrueExitCtls] = c.msrs[MSRVMXExitCtls]
	c.msrs[MSRVMXTrueEntryCtls] = c.msrs[MSRVMXEntryCtls]
	c.msrs[MSRVMXCR0Fixed0] = CR0PE | CR0NE | CR0PG
	c.msrs[MSRVMXCR0Fixed1] = ^uint64(0)
	c.msrs[MSRVMXCR4Fixed0] = CR4VMXE
	c.msrs[MSRVMXCR4Fixed1] = ^uint64(0)
	c.msrs[MSRPAT] = PATPowerOnValue

	return c
}

// Stats returns a copy of the access counters.
func (c *SimCPU) Stats() SimStats { return c.stats }

// CurrentAddr returns the physical address of the current VMCS, or 0.
func (c *SimCPU) CurrentAddr() uint64 { return c.currentAddr }

func (c *SimCPU) RevisionID() uint32 { return simRevisionID }

func (c *SimCPU) VMClear(paddr uint64) error {
	c.stats.Clears++
	r, ok := c.mem.regions[paddr]
	if !ok {
		return &EntryError{Number: ErrVMClearBadAddr}
	}
	r.launched = false
	if c.current == r {
		c.current = nil
		c.currentAddr = 0
	}
	return nil
}

func (c *SimCPU) VMPtrLoad(paddr uint64) error {
	c.stats.PtrLoads++
	r, ok := c.mem.regions[paddr]
	if !ok || r.revision != simRevisionID {
		return &EntryError{Number: ErrVMPtrLoadBadAddr}
	}
	c.current = r
	c.currentAddr = paddr
	return nil
}

func (c *SimCPU) mustCurrent() *simRegion {
	if c.current == nil {
		panic("vmcs: field access with no current VMCS")
	}
	return c.current
}

func (c *SimCPU) VMRead(f Field) uint64 {
	c.stats.Reads++
	return c.mustCurrent().fields[f]
}

func (c *SimCPU) VMRead32(f Field) uint32 { return uint32(c.VMRead(f)) }
func (c *SimCPU) VMRead16(f Field) uint16 { return uint16(c.VMRead(f)) }

func (c *SimCPU) VMWrite(f Field, v uint64) {
	c.stats.Writes++
	c.mustCurrent().fields[f] = v
}

func (c *SimCPU) VMWrite32(f Field, v uint32) { c.VMWrite(f, uint64(v)) }
func (c *SimCPU) VMWrite16(f Field, v uint16) { c.VMWrite(f, uint64(v)) }

func (c *SimCPU) enter(resume bool) error {
	r := c.mustCurrent()
	// A failed entry with a valid current VMCS latches the error number
	// into the VM-instruction-error field.
	if resume && !r.launched {
		r.fields[VMInstructionError] = uint64(ErrVMResumeNonLaunched)
		return &EntryError{Resume: true, Number: ErrVMResumeNonLaunched}
	}
	if !resume && r.launched {
		r.fields[VMInstructionError] = uint64(ErrVMLaunchNonClear)
		return &EntryError{Number: ErrVMLaunchNonClear}
	}

	exit := SimExit{Reason: ExitReasonExternalInt}
	if c.OnEntry != nil {
		var err error
		exit, err = c.OnEntry(resume, c)
		if err != nil {
			return err
		}
	}
	r.launched = true

	r.fields[ExitReason] = uint64(exit.Reason)
	r.fields[ExitInstrLen] = uint64(exit.InstrLen)
	r.fields[ExitQualification] = exit.Qualification
	return nil
}

func (c *SimCPU) VMLaunch() error {
	c.stats.Launches++
	return c.enter(false)
}

func (c *SimCPU) VMResume() error {
	c.stats.Resumes++
	return c.enter(true)
}

func (c *SimCPU) InvVPID(typ uint64, vpid uint16, gva uint64) {
	c.stats.InvVPIDs++
	c.stats.LastInvVPID = typ
}
func (c *SimCPU) InvEPT(typ uint64, eptp uint64)              { c.stats.InvEPTs++ }

func (c *SimCPU) ReadMSR(index uint32) uint64     { return c.msrs[index] }
func (c *SimCPU) WriteMSR(index uint32, v uint64) { c.msrs[index] = v }

func (c *SimCPU) FlushL1D()        { c.stats.L1DFlushes++ }
func (c *SimCPU) ClearCPUBuffers() { c.stats.BufferClears++ }

func (c *SimCPU) XSaves(area []byte, mask uint64)  { copy(area, c.xstate[:]) }
func (c *SimCPU) XRstors(area []byte, mask uint64) { copy(c.xstate[:], area) }

func (c *SimCPU) HostContext() HostContext { return c.host }

var _ Hardware = &SimCPU{}
