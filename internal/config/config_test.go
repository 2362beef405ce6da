package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/metalvisor/vmx/internal/pagetable"
)

const sampleConfig = `
pcpus: 2
vms:
  - name: guest0
    vcpus: 2
    memory:
      - guest_base: 0x0
        host_base: "0x40000000"
        size: 0x800000
        prot: rwx
      - guest_base: 0xFEC00000
        host_base: 0x48000000
        size: 0x1000
        prot: rw
    boot:
      mode: protected
      rip: 0x100000
      rsp: 0x9F000
`

func TestParseSample(t *testing.T) {
	m, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.PCPUs != 2 {
		t.Errorf("PCPUs = %d", m.PCPUs)
	}
	if len(m.VMs) != 1 {
		t.Fatalf("VMs = %d", len(m.VMs))
	}
	vm := m.VMs[0]
	if vm.Name != "guest0" || vm.VCPUs != 2 {
		t.Errorf("vm = %+v", vm)
	}
	if len(vm.Memory) != 2 {
		t.Fatalf("memory regions = %d", len(vm.Memory))
	}
	r := vm.Memory[0]
	if uint64(r.HostBase) != 0x4000_0000 || uint64(r.Size) != 0x80_0000 {
		t.Errorf("region 0 = %+v", r)
	}
	if uint64(r.Prot) != pagetable.EPTRWX {
		t.Errorf("region 0 prot = 0x%x", uint64(r.Prot))
	}
	if uint64(vm.Memory[1].Prot) != pagetable.EPTRead|pagetable.EPTWrite {
		t.Errorf("region 1 prot = 0x%x", uint64(vm.Memory[1].Prot))
	}
	if vm.Boot.Mode != BootProtected || uint64(vm.Boot.RIP) != 0x10_0000 {
		t.Errorf("boot = %+v", vm.Boot)
	}
}

func TestParseRejectsTooManyVCPUs(t *testing.T) {
	cfg := strings.Replace(sampleConfig, "vcpus: 2", "vcpus: 9", 1)
	_, err := Parse([]byte(cfg))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Parse with 9 vCPUs: %v", err)
	}
}

func TestParseRejectsUnalignedRegion(t *testing.T) {
	cfg := strings.Replace(sampleConfig, "size: 0x1000", "size: 0x1234", 1)
	_, err := Parse([]byte(cfg))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Parse with unaligned region: %v", err)
	}
}

func TestParseRejectsBadProt(t *testing.T) {
	cfg := strings.Replace(sampleConfig, "prot: rw\n", "prot: rq\n", 1)
	if _, err := Parse([]byte(cfg)); err == nil {
		t.Fatal("Parse accepted protection letter 'q'")
	}
}

func TestParseRejectsBadBootMode(t *testing.T) {
	cfg := strings.Replace(sampleConfig, "mode: protected", "mode: long", 1)
	_, err := Parse([]byte(cfg))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Parse with unknown boot mode: %v", err)
	}
}

func TestParseRejectsEmptyMachine(t *testing.T) {
	_, err := Parse([]byte("pcpus: 1\nvms: []\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Parse with no VMs: %v", err)
	}
}
