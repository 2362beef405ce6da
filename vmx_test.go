package vmx

import (
	"testing"
	"time"

	"github.com/metalvisor/vmx/internal/vmcs"
)

const testConfig = `
pcpus: 2
vms:
  - name: guest0
    vcpus: 2
    memory:
      - guest_base: 0x0
        host_base: 0x40000000
        size: 0x800000
        prot: rwx
    boot:
      mode: real
`

// haltingGuest makes every simulated VM-entry exit with HLT so vCPU quanta
// terminate immediately.
func haltingGuest(m *SimMachine) {
	for _, c := range m.CPUs {
		c.OnEntry = func(resume bool, cpu *vmcs.SimCPU) (vmcs.SimExit, error) {
			return vmcs.SimExit{Reason: vmcs.ExitReasonHLT, InstrLen: 1}, nil
		}
	}
}

func TestAPBringUp(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	m := NewSimMachine(cfg.PCPUs)
	haltingGuest(m)

	vm, err := m.BuildVM(0, &cfg.VMs[0])
	if err != nil {
		t.Fatalf("BuildVM: %v", err)
	}

	bsp, err := vm.VCPU(0)
	if err != nil {
		t.Fatalf("VCPU 0: %v", err)
	}
	ap, err := vm.VCPU(1)
	if err != nil {
		t.Fatalf("VCPU 1: %v", err)
	}

	bsp.Launch()

	// The BSP brings the AP up the architectural way.
	if err := vm.DeliverInitSignal(ap.ID(), bsp.PCPUID()); err != nil {
		t.Fatalf("DeliverInitSignal: %v", err)
	}
	if err := vm.DeliverStartupIPI(ap.ID(), 0x08, bsp.PCPUID()); err != nil {
		t.Fatalf("DeliverStartupIPI: %v", err)
	}

	waitForGuestEntries(t, m, 2)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !bsp.Launched() {
		t.Error("BSP never entered the guest")
	}
	if !ap.Launched() {
		t.Error("AP never entered the guest")
	}
	if ap.ExitReason() != vmcs.ExitReasonHLT {
		t.Errorf("AP exit reason = %d", ap.ExitReason())
	}

	// Both vCPUs ran on their own physical CPU.
	for i, c := range m.CPUs {
		if c.Stats().Launches != 1 {
			t.Errorf("pCPU %d launches = %d, want 1", i, c.Stats().Launches)
		}
	}

	if got := m.Recorder().GuestTime(); got <= 0 {
		t.Errorf("guest time = %v", got)
	}
}

func waitForGuestEntries(t *testing.T, m *SimMachine, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var entries uint64
		for _, s := range m.Recorder().Summary() {
			if s.Name == "guest" {
				entries = s.Count
			}
		}
		if entries >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d guest entries", want)
}

func TestBuildVMAtVCPULimit(t *testing.T) {
	m := NewSimMachine(1)
	defer m.Close()

	cfg, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	c := cfg.VMs[0]
	c.VCPUs = MaxVCPUsPerVM
	if _, err := m.BuildVM(0, &c); err != nil {
		t.Fatalf("BuildVM at limit: %v", err)
	}
}

func TestBuildVMProtectedBoot(t *testing.T) {
	m := NewSimMachine(1)
	defer m.Close()

	cfg, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	c := cfg.VMs[0]
	c.VCPUs = 1
	c.Boot.Mode = "protected"
	c.Boot.RIP = 0x10_0000

	vm, err := m.BuildVM(1, &c)
	if err != nil {
		t.Fatalf("BuildVM: %v", err)
	}
	v, err := vm.VCPU(0)
	if err != nil {
		t.Fatalf("VCPU: %v", err)
	}
	if v.Mode() != ModeProtected {
		t.Errorf("mode = %v", v.Mode())
	}
	if got := v.GetReg(RegRIP); got != 0x10_0000 {
		t.Errorf("RIP = 0x%x", got)
	}
}
