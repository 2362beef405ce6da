// Package vmx provides the virtual-CPU execution core of an x86-64 VMX
// hypervisor: VMCS management, the generic page-table/EPT engine, and the
// vCPU lifecycle state machine with INIT-SIPI emulation. The VMX instruction
// surface is an interface; a simulated backend drives tests and tooling, and
// a bare-metal backend can slot in behind the same API.
package vmx

import (
	"fmt"

	"github.com/metalvisor/vmx/internal/config"
	"github.com/metalvisor/vmx/internal/lapic"
	"github.com/metalvisor/vmx/internal/pagetable"
	"github.com/metalvisor/vmx/internal/sched"
	"github.com/metalvisor/vmx/internal/timeslice"
	"github.com/metalvisor/vmx/internal/vcpu"
	"github.com/metalvisor/vmx/internal/vmcs"
)

// Machine owns the physical-CPU resources shared by every VM.
type Machine = vcpu.Machine

// VM is one guest machine.
type VM = vcpu.VM

// VCPU is one guest logical processor.
type VCPU = vcpu.VCPU

// State is the vCPU lifecycle state.
type State = vcpu.State

// Register indexes the guest register file.
type Register = vcpu.Register

// CPUMode is the guest operating mode.
type CPUMode = vcpu.CPUMode

// ProtectedModeRegs describes a flat protected-mode start state.
type ProtectedModeRegs = vcpu.ProtectedModeRegs

// LAPICNotifier receives vCPU reset notifications.
type LAPICNotifier = vcpu.LAPICNotifier

// LAPIC is the virtual local-APIC complex of one VM.
type LAPIC = lapic.LAPIC

// Hardware is the VMX instruction surface of one physical CPU.
type Hardware = vmcs.Hardware

// PageTables is a 4-level translation tree.
type PageTables = pagetable.PageTables

// MachineConfig is a parsed machine description.
type MachineConfig = config.Machine

// Recorder aggregates time-slice accounting.
type Recorder = timeslice.Recorder

// Lifecycle states.
const (
	StateInit    = vcpu.StateInit
	StateRunning = vcpu.StateRunning
	StateZombie  = vcpu.StateZombie
	StateOffline = vcpu.StateOffline
	StateDead    = vcpu.StateDead
)

// CPU modes.
const (
	ModeReal          = vcpu.ModeReal
	ModeProtected     = vcpu.ModeProtected
	ModeCompatibility = vcpu.ModeCompatibility
	Mode64Bit         = vcpu.Mode64Bit
)

// Registers.
const (
	RegRAX    = vcpu.RegRAX
	RegRCX    = vcpu.RegRCX
	RegRDX    = vcpu.RegRDX
	RegRBX    = vcpu.RegRBX
	RegRSP    = vcpu.RegRSP
	RegRBP    = vcpu.RegRBP
	RegRSI    = vcpu.RegRSI
	RegRDI    = vcpu.RegRDI
	RegRIP    = vcpu.RegRIP
	RegRFLAGS = vcpu.RegRFLAGS
	RegCR0    = vcpu.RegCR0
	RegCR4    = vcpu.RegCR4
	RegEFER   = vcpu.RegEFER
)

// Common sentinel errors.
var (
	ErrTooManyVCPUs   = vcpu.ErrTooManyVCPUs
	ErrInvalidVCPUID  = vcpu.ErrInvalidVCPUID
	ErrInvalidConfig  = config.ErrInvalidConfig
	ErrVMXUnsupported = vmcs.ErrUnsupported
)

// MaxVCPUsPerVM bounds the vCPU count of one VM.
const MaxVCPUsPerVM = vcpu.MaxVCPUsPerVM

// LoadConfig reads and validates a machine description file.
func LoadConfig(path string) (*MachineConfig, error) { return config.Load(path) }

// ParseConfig decodes and validates a machine description.
func ParseConfig(data []byte) (*MachineConfig, error) { return config.Parse(data) }

// SimMachine is a machine backed by the simulated VMX instruction surface,
// with one EPT arena shared by its VMs.
type SimMachine struct {
	*Machine

	CPUs  []*vmcs.SimCPU
	Mem   *vmcs.SimMemory
	arena *pagetable.Arena
	sched *sched.Scheduler
}

// NewSimMachine builds a simulated machine with the given physical CPU
// count and a running scheduler.
func NewSimMachine(pcpus int) *SimMachine {
	mem := vmcs.NewSimMemory()
	cpus := make([]*vmcs.SimCPU, pcpus)
	hw := make([]vmcs.Hardware, pcpus)
	for i := range cpus {
		cpus[i] = vmcs.NewSimCPU(mem)
		hw[i] = cpus[i]
	}
	s := sched.New(pcpus)
	return &SimMachine{
		Machine: vcpu.NewMachine(hw, mem, s),
		CPUs:    cpus,
		Mem:     mem,
		arena:   pagetable.NewArena(0x1_0000_0000),
		sched:   s,
	}
}

// Close stops the machine's scheduler.
func (m *SimMachine) Close() error { return m.sched.Close() }

// BuildVM realizes one VM from a machine description: its EPT is populated
// from the memory regions, its vCPUs are created round-robin across the
// physical CPUs, and vCPU 0 gets the configured boot state.
func (m *SimMachine) BuildVM(id uint16, cfg *config.VM) (*VM, error) {
	ops := pagetable.NewEPTMemoryOps(m.arena, true)
	ept := pagetable.New(ops)
	for _, r := range cfg.Memory {
		// Guest RAM is write-back cacheable.
		prot := uint64(r.Prot) | pagetable.EPTMemTypeWB
		ept.Map(uint64(r.HostBase), uint64(r.GuestBase), uint64(r.Size), prot)
	}

	vm := vcpu.NewVM(m.Machine, id, ept.Root())
	ids := make([]uint16, 0, cfg.VCPUs)
	for i := 0; i < cfg.VCPUs; i++ {
		v, err := vm.CreateVCPU(uint16(i % m.PCPUs()))
		if err != nil {
			return nil, fmt.Errorf("vmx: VM %q: %w", cfg.Name, err)
		}
		ids = append(ids, v.ID())
		if i == 0 && cfg.Boot.Mode == config.BootProtected {
			v.InitProtectModeRegs(vcpu.ProtectedModeRegs{
				CS:  0x08,
				DS:  0x10,
				RIP: uint64(cfg.Boot.RIP),
				RSP: uint64(cfg.Boot.RSP),
			})
		}
	}
	vm.SetLAPICNotifier(lapic.New(vm, ids))
	return vm, nil
}
