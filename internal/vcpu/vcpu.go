package vcpu

import (
	"fmt"
	"runtime"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/bits"

	"github.com/metalvisor/vmx/internal/sched"
	"github.com/metalvisor/vmx/internal/timeslice"
	"github.com/metalvisor/vmx/internal/vmcs"
)

// State is the lifecycle state of a vCPU.
type State int

const (
	// StateInit holds architectural reset values; entered at creation,
	// after ResetVCPU, and re-entered by an INIT IPI.
	StateInit State = iota
	// StateRunning is scheduled for VM-entry.
	StateRunning
	// StateZombie is paused; prevState remembers what to resume into.
	StateZombie
	// StateOffline is terminal: the vCPU has been retired.
	StateOffline
	// StateDead is the implicit error-path terminal state.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateZombie:
		return "zombie"
	case StateOffline:
		return "offline"
	case StateDead:
		return "dead"
	default:
		return "invalid"
	}
}

// Deferred request bits processed in the VM-entry preamble.
const (
	RequestInitVMCS   uint64 = 1 << 0
	RequestLAPICReset uint64 = 1 << 1
)

// VCPU is one guest logical processor.
type VCPU struct {
	vm     *VM
	id     uint16
	pcpuID uint16
	vpid   uint16

	vmcsAddr     uint64
	msrStoreArea uint64
	msrLoadArea  uint64

	// state is read by the vCPU's worker loop while IPI delivery on
	// another physical CPU rewrites it; all access goes through the
	// atomic word.
	state     atomicbitops.Int32
	prevState State

	// running is the cross-CPU pause barrier: set while this vCPU's
	// thread occupies its physical CPU, cleared at context-switch-out.
	running atomicbitops.Uint32

	// launched flips after the first successful VM-entry; from then on
	// entries resume instead of launch.
	launched bool

	// firstBootDone gates one-time guest state (PAT power-on value).
	firstBootDone bool

	// vmcsInitialized flips at the first InitVMCS; before that there is
	// nothing to vmptrld.
	vmcsInitialized bool

	// Register cache bitmaps. A bit in regUpdated means the context holds
	// a write not yet flushed to the VMCS; a bit in regCached means the
	// context holds a value already read back from the VMCS.
	regUpdated uint64
	regCached  uint64

	runCtx RunContext
	extCtx ExtContext

	mode       CPUMode
	exitReason uint32
	instLen    uint32
	nrSIPI     uint32

	pending atomicbitops.Uint64

	guestTSCAdjust uint64

	thread *sched.Thread
}

// ID returns the vCPU id within its VM.
func (v *VCPU) ID() uint16 { return v.id }

// VM returns the owning VM.
func (v *VCPU) VM() *VM { return v.vm }

// PCPUID returns the physical CPU this vCPU is bound to.
func (v *VCPU) PCPUID() uint16 { return v.pcpuID }

// VPID returns the virtual-processor identifier (0 is reserved for the
// host).
func (v *VCPU) VPID() uint16 { return v.vpid }

// State returns the lifecycle state.
func (v *VCPU) State() State { return State(v.state.Load()) }

func (v *VCPU) setState(s State) { v.state.Store(int32(s)) }

// Mode returns the guest operating mode derived after the last exit.
func (v *VCPU) Mode() CPUMode { return v.mode }

// ExitReason returns the basic exit reason of the last VM-exit.
func (v *VCPU) ExitReason() uint32 { return v.exitReason }

// Launched reports whether the first VM-entry has happened.
func (v *VCPU) Launched() bool { return v.launched }

// Thread returns the scheduler thread backing this vCPU.
func (v *VCPU) Thread() *sched.Thread { return v.thread }

// VMCSAddr returns the physical address of this vCPU's VMCS region.
func (v *VCPU) VMCSAddr() uint64 { return v.vmcsAddr }

func (v *VCPU) hw() vmcs.Hardware { return v.vm.machine.Hardware(v.pcpuID) }

// MakeRequest defers work to the next VM-entry preamble.
func (v *VCPU) MakeRequest(reason uint64) {
	for {
		old := v.pending.Load()
		if v.pending.CompareAndSwap(old, old|reason) {
			return
		}
	}
}

func (v *VCPU) takeRequests() uint64 {
	for {
		old := v.pending.Load()
		if old == 0 {
			return 0
		}
		if v.pending.CompareAndSwap(old, 0) {
			return old
		}
	}
}

// ResetRegs loads the architectural power-on register state: real mode with
// the reset vector at FFFF0000:FFF0.
func (v *VCPU) ResetRegs() {
	v.runCtx = RunContext{}
	v.extCtx = ExtContext{}

	v.runCtx.RIP = 0xFFF0
	v.runCtx.RFLAGS = 0x2
	// ET and NE are hardwired; caches disabled, paging and protection off.
	v.runCtx.CR0 = vmcs.CR0ET | vmcs.CR0NE | vmcs.CR0CD | vmcs.CR0NW
	v.runCtx.CR4 = 0
	v.runCtx.EFER = 0

	v.extCtx.CS = SegmentDescriptor{
		Selector:   0xF000,
		Base:       0xFFFF_0000,
		Limit:      0xFFFF,
		Attributes: 0x9B,
	}
	data := SegmentDescriptor{Limit: 0xFFFF, Attributes: 0x93}
	v.extCtx.SS = data
	v.extCtx.DS = data
	v.extCtx.ES = data
	v.extCtx.FS = data
	v.extCtx.GS = data
	v.extCtx.LDTR = SegmentDescriptor{Limit: 0xFFFF, Attributes: 0x82}
	v.extCtx.TR = SegmentDescriptor{Limit: 0xFFFF, Attributes: 0x8B}
	v.extCtx.GDTR = DescriptorTable{Limit: 0xFFFF}
	v.extCtx.IDTR = DescriptorTable{Limit: 0xFFFF}

	v.extCtx.XCR0 = vmcs.XSaveX87
	v.extCtx.XSave.Reset()

	// The reset values must reach the VMCS at the next entry.
	v.regUpdated = vmcsBackedMask
	v.regCached = 0
	v.mode = ModeReal
	v.instLen = 0
	v.exitReason = 0
}

// ProtectedModeRegs describes the flat protected-mode register state a
// direct-boot guest starts with.
type ProtectedModeRegs struct {
	GDTBase  uint64
	GDTLimit uint32
	CS       uint16
	DS       uint16
	RIP      uint64
	RSP      uint64
}

// InitProtectModeRegs replaces the real-mode reset values with flat
// protected-mode state using the supplied GDT.
func (v *VCPU) InitProtectModeRegs(regs ProtectedModeRegs) {
	v.ResetRegs()

	v.runCtx.CR0 = vmcs.CR0PE | vmcs.CR0ET | vmcs.CR0NE
	v.runCtx.RIP = regs.RIP
	v.runCtx.GPRs[RegRSP] = regs.RSP

	v.extCtx.GDTR = DescriptorTable{Base: regs.GDTBase, Limit: regs.GDTLimit}
	v.extCtx.CS = SegmentDescriptor{
		Selector:   regs.CS,
		Limit:      0xFFFF_FFFF,
		Attributes: 0xC09B,
	}
	data := SegmentDescriptor{
		Selector:   regs.DS,
		Limit:      0xFFFF_FFFF,
		Attributes: 0xC093,
	}
	v.extCtx.SS = data
	v.extCtx.DS = data
	v.extCtx.ES = data
	v.extCtx.FS = data
	v.extCtx.GS = data

	v.mode = ModeProtected
}

// ResetVCPU returns the vCPU to the INIT state with reset register values
// and propagates the reset into the virtual LAPIC.
func (v *VCPU) ResetVCPU() {
	if s := v.State(); s != StateInit && s != StateZombie {
		panic(fmt.Sprintf("vcpu: reset in state %s", s))
	}
	v.setState(StateInit)
	v.launched = false
	v.ResetRegs()
	if v.vm.lapic != nil {
		v.vm.lapic.Reset(v.id)
	}
}

// Pause moves a RUNNING or INIT vCPU to ZOMBIE, remembering the previous
// state. When the vCPU was running on a different physical CPU than the
// caller, Pause spins until that CPU's context-switch-out clears the running
// flag, guaranteeing the context snapshot is stable before the caller
// proceeds. Pausing happens from IPI and exception contexts where blocking
// is unsafe, so this is a polling barrier, not a blocking primitive.
func (v *VCPU) Pause(callerPCPU uint16) {
	switch s := v.State(); s {
	case StateRunning, StateInit:
		v.prevState = s
		v.setState(StateZombie)
		if v.prevState == StateRunning && v.pcpuID != callerPCPU {
			for v.running.Load() != 0 {
				runtime.Gosched()
			}
		}
	case StateZombie, StateOffline, StateDead:
		// Nothing to pause.
	}
}

// Resume moves a paused vCPU back to the state remembered at Pause time,
// rescheduling it if it was running.
func (v *VCPU) Resume() {
	if s := v.State(); s != StateZombie {
		panic(fmt.Sprintf("vcpu: resume in state %s", s))
	}
	v.setState(v.prevState)
	if v.prevState == StateRunning {
		if s := v.vm.machine.sched; s != nil {
			s.Wake(v.thread)
		}
	}
}

// Launch marks the vCPU RUNNING and enqueues its thread on the scheduler.
func (v *VCPU) Launch() {
	if s := v.State(); s == StateOffline || s == StateDead {
		panic(fmt.Sprintf("vcpu: launch in state %s", s))
	}
	v.setState(StateRunning)
	if s := v.vm.machine.sched; s != nil {
		s.Wake(v.thread)
	}
}

// Offline retires the vCPU and clears the per-pCPU last-ran cache. The
// arena slot is not freed.
func (v *VCPU) Offline() {
	v.setState(StateOffline)
	region := v.vm.machine.PCPU(v.pcpuID)
	if region.LastVCPU == v {
		region.LastVCPU = nil
	}
}

// Kill moves the vCPU to the DEAD error-path terminal state.
func (v *VCPU) Kill() { v.setState(StateDead) }

// threadQuantum is the scheduler entry: one wake-up runs VM-entries until
// something changes the lifecycle state.
func (v *VCPU) threadQuantum(t *sched.Thread) {
	for v.State() == StateRunning {
		reqs := v.takeRequests()
		if reqs&RequestLAPICReset != 0 && v.vm.lapic != nil {
			v.vm.lapic.Reset(v.id)
		}
		if reqs&RequestInitVMCS != 0 || !v.vmcsInitialized {
			start := time.Now()
			v.InitVMCS()
			v.vm.machine.rec.Record(timeslice.TimesliceVMCSInit, time.Since(start))
		}

		reason := v.Run()
		if reason == vmcs.ExitReasonHLT {
			return
		}
	}
}

// contextSwitchIn reloads this vCPU's VMCS and per-thread hardware state
// when the scheduler gives it the physical CPU.
func (v *VCPU) contextSwitchIn() {
	if v.vmcsInitialized {
		v.LoadVMCS()
	}

	hw := v.hw()
	hw.WriteMSR(vmcs.MSRStar, v.extCtx.Star)
	hw.WriteMSR(vmcs.MSRLStar, v.extCtx.LStar)
	hw.WriteMSR(vmcs.MSRFMask, v.extCtx.FMask)
	hw.WriteMSR(vmcs.MSRKernelGSBase, v.extCtx.KernelGSBase)
	// Full mask: every enabled state component, no selective-component
	// optimization.
	hw.XRstors(v.extCtx.XSave.Data[:], ^uint64(0))

	v.vm.machine.PCPU(v.pcpuID).LastVCPU = v
	v.running.Store(1)
}

// contextSwitchOut snapshots the per-thread hardware state and releases the
// cross-CPU pause barrier.
func (v *VCPU) contextSwitchOut() {
	hw := v.hw()
	v.extCtx.Star = hw.ReadMSR(vmcs.MSRStar)
	v.extCtx.LStar = hw.ReadMSR(vmcs.MSRLStar)
	v.extCtx.FMask = hw.ReadMSR(vmcs.MSRFMask)
	v.extCtx.KernelGSBase = hw.ReadMSR(vmcs.MSRKernelGSBase)
	hw.XSaves(v.extCtx.XSave.Data[:], ^uint64(0))

	v.running.Store(0)
}

// SetXCR0 emulates a guest xsetbv of XCR0. The requested component set must
// name x87 state and stay within what the host CPU can hold; a bad value is
// the guest's fault and comes back as an error for #GP injection, not a
// panic.
func (v *VCPU) SetXCR0(val uint64) error {
	if val&vmcs.XSaveX87 == 0 {
		return fmt.Errorf("vcpu: XCR0 0x%x without x87 state", val)
	}
	if unsupported := val &^ vmcs.HostXSaveMask(); unsupported != 0 {
		return fmt.Errorf("vcpu: XCR0 components 0x%x unsupported by host", unsupported)
	}
	// AVX state requires SSE state.
	if val&vmcs.XSaveAVX != 0 && val&vmcs.XSaveSSE == 0 {
		return fmt.Errorf("vcpu: XCR0 0x%x enables AVX without SSE", val)
	}
	v.extCtx.XCR0 = val
	return nil
}

// XCR0 returns the guest's extended control register 0.
func (v *VCPU) XCR0() uint64 { return v.extCtx.XCR0 }

// DeliverInitSignal emulates an INIT IPI: the target is paused, reset, and
// armed to accept exactly one subsequent STARTUP IPI. Newer CPU models wake
// on the first SIPI; the two-SIPI convention of older parts is deliberately
// not emulated.
func (vm *VM) DeliverInitSignal(target uint16, callerPCPU uint16) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	v, err := vm.VCPU(target)
	if err != nil {
		return err
	}
	// Retired processors ignore INIT.
	if s := v.State(); s == StateOffline || s == StateDead {
		return nil
	}
	v.Pause(callerPCPU)
	v.ResetVCPU()
	v.nrSIPI = 1
	return nil
}

// DeliverStartupIPI emulates a STARTUP IPI with the given vector. It is
// accepted only while the target is in INIT with the SIPI gate armed; any
// other time it is ignored, matching hardware's wait-for-SIPI semantics.
func (vm *VM) DeliverStartupIPI(target uint16, vector uint8, callerPCPU uint16) error {
	vm.lock.Lock()
	defer vm.lock.Unlock()

	v, err := vm.VCPU(target)
	if err != nil {
		return err
	}
	if v.State() != StateInit || v.nrSIPI == 0 {
		return nil
	}
	v.nrSIPI--

	selector := (uint16(vector) << 4) & 0xFFFF
	v.extCtx.CS.Selector = selector
	v.extCtx.CS.Base = uint64(selector) << 4
	v.runCtx.RIP = 0
	v.regUpdated |= bits.MaskOf64(int(RegRIP))

	v.MakeRequest(RequestInitVMCS)
	v.Launch()
	return nil
}
