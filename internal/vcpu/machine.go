package vcpu

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/metalvisor/vmx/internal/percpu"
	"github.com/metalvisor/vmx/internal/sched"
	"github.com/metalvisor/vmx/internal/timeslice"
	"github.com/metalvisor/vmx/internal/vmcs"
)

// MaxVCPUsPerVM bounds the vCPU array of one VM.
const MaxVCPUsPerVM = 8

var (
	// ErrTooManyVCPUs is returned when a VM configuration asks for more
	// vCPUs than the fixed-size arena holds. This is reachable through
	// ordinary misconfiguration and must not take the platform down.
	ErrTooManyVCPUs = errors.New("vcpu: too many vCPUs for VM")

	// ErrInvalidVCPUID is returned for lookups of vCPU ids never created.
	ErrInvalidVCPUID = errors.New("vcpu: invalid vCPU id")
)

// PCPURegion is the per-physical-CPU slot of the machine arena: the
// currently loaded VMCS (to elide redundant vmptrld) and the vCPU that last
// ran on this CPU.
type PCPURegion struct {
	CurrentVMCS uint64
	LastVCPU    *VCPU
}

// Machine owns the physical-CPU resources every VM on the platform shares:
// one VMX instruction surface per pCPU, the VMCS region memory, the per-pCPU
// arena and the scheduler.
type Machine struct {
	hw    []vmcs.Hardware
	mem   vmcs.RegionMemory
	pcpus *percpu.Arena[PCPURegion]
	sched *sched.Scheduler
	rec   *timeslice.Recorder
}

// NewMachine assembles a machine from one Hardware per physical CPU.
func NewMachine(hw []vmcs.Hardware, mem vmcs.RegionMemory, s *sched.Scheduler) *Machine {
	if len(hw) == 0 {
		panic("vcpu: machine needs at least one physical CPU")
	}
	if s != nil && s.PCPUs() != len(hw) {
		panic(fmt.Sprintf("vcpu: scheduler has %d pCPUs, machine has %d", s.PCPUs(), len(hw)))
	}
	return &Machine{
		hw:    hw,
		mem:   mem,
		pcpus: percpu.NewArena[PCPURegion](len(hw)),
		sched: s,
		rec:   timeslice.NewRecorder(),
	}
}

// Hardware returns the VMX surface of pCPU id.
func (m *Machine) Hardware(id uint16) vmcs.Hardware {
	if int(id) >= len(m.hw) {
		panic(fmt.Sprintf("vcpu: no hardware for pCPU %d", id))
	}
	return m.hw[id]
}

// PCPU returns the per-CPU region of pCPU id.
func (m *Machine) PCPU(id uint16) *PCPURegion { return m.pcpus.Get(id) }

// PCPUs returns the number of physical CPUs.
func (m *Machine) PCPUs() int { return len(m.hw) }

// Recorder returns the machine's time-slice recorder.
func (m *Machine) Recorder() *timeslice.Recorder { return m.rec }

// LAPICNotifier is the boundary to the external virtual-LAPIC component; a
// vCPU reset propagates into it.
type LAPICNotifier interface {
	Reset(vcpuID uint16)
}

// VM is one guest machine: a fixed vCPU arena plus the shared control
// structures the VMCS initializer points guests at.
type VM struct {
	machine *Machine
	id      uint16

	// lock serializes INIT/SIPI processing across vCPUs of this VM;
	// multiple physical CPUs race to deliver startup IPIs during guest
	// boot.
	lock sync.Mutex

	vcpus     [MaxVCPUsPerVM]*VCPU
	vcpuCount int

	eptRoot uint64

	ioBitmapA uint64
	ioBitmapB uint64
	msrBitmap uint64

	lapic LAPICNotifier
}

// NewVM creates a VM whose guest-physical space is translated through the
// EPT rooted at eptRoot.
func NewVM(m *Machine, id uint16, eptRoot uint64) *VM {
	return &VM{
		machine:   m,
		id:        id,
		eptRoot:   eptRoot,
		ioBitmapA: m.mem.AllocRegion(),
		ioBitmapB: m.mem.AllocRegion(),
		msrBitmap: m.mem.AllocRegion(),
	}
}

// ID returns the VM identifier.
func (vm *VM) ID() uint16 { return vm.id }

// SetLAPICNotifier wires the external virtual-LAPIC component.
func (vm *VM) SetLAPICNotifier(n LAPICNotifier) { vm.lapic = n }

// VCPU returns the vCPU with the given id.
func (vm *VM) VCPU(id uint16) (*VCPU, error) {
	if int(id) >= vm.vcpuCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVCPUID, id)
	}
	return vm.vcpus[id], nil
}

// VCPUs returns the created vCPUs in id order.
func (vm *VM) VCPUs() []*VCPU { return vm.vcpus[:vm.vcpuCount] }

// CreateVCPU adds the next vCPU to the VM, bound to the given physical CPU,
// in the INIT state with architectural reset values. The vCPU slot is never
// physically freed; OfflineVCPU retires it logically.
func (vm *VM) CreateVCPU(pcpuID uint16) (*VCPU, error) {
	if vm.vcpuCount >= MaxVCPUsPerVM {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyVCPUs, MaxVCPUsPerVM)
	}
	if int(pcpuID) >= vm.machine.PCPUs() {
		return nil, fmt.Errorf("vcpu: pCPU %d does not exist", pcpuID)
	}

	v := &VCPU{
		vm:     vm,
		id:     uint16(vm.vcpuCount),
		pcpuID: pcpuID,
		state:  atomicbitops.FromInt32(int32(StateInit)),
	}
	v.vpid = 1 + vm.id*MaxVCPUsPerVM + v.id
	v.vmcsAddr = vm.machine.mem.AllocRegion()
	v.msrStoreArea = vm.machine.mem.AllocRegion()
	v.msrLoadArea = vm.machine.mem.AllocRegion()

	v.thread = sched.NewThread(
		fmt.Sprintf("vm%d-vcpu%d", vm.id, v.id),
		pcpuID,
		v.threadQuantum,
	)
	v.thread.SwitchIn = v.contextSwitchIn
	v.thread.SwitchOut = v.contextSwitchOut

	v.ResetRegs()

	vm.vcpus[vm.vcpuCount] = v
	vm.vcpuCount++
	return v, nil
}
