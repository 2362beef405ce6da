// Package config loads the machine description: physical CPU count, guest
// definitions and their memory layouts. Validation errors here are
// recoverable; a bad description must never take the platform down.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/metalvisor/vmx/internal/pagetable"
	"github.com/metalvisor/vmx/internal/vcpu"
)

var ErrInvalidConfig = errors.New("config: invalid machine description")

// Machine is the top-level machine description.
type Machine struct {
	PCPUs int  `yaml:"pcpus"`
	VMs   []VM `yaml:"vms"`
}

// VM describes one guest.
type VM struct {
	Name   string         `yaml:"name"`
	VCPUs  int            `yaml:"vcpus"`
	Memory []MemoryRegion `yaml:"memory"`
	Boot   Boot           `yaml:"boot"`
}

// MemoryRegion maps a range of guest-physical space onto host memory.
type MemoryRegion struct {
	GuestBase HexUint64 `yaml:"guest_base"`
	HostBase  HexUint64 `yaml:"host_base"`
	Size      HexUint64 `yaml:"size"`
	Prot      Prot      `yaml:"prot"`
}

// Boot describes the bootstrap processor's initial mode.
type Boot struct {
	Mode BootMode  `yaml:"mode"`
	RIP  HexUint64 `yaml:"rip"`
	RSP  HexUint64 `yaml:"rsp"`
}

// BootMode selects the initial operating mode of vCPU 0.
type BootMode string

const (
	BootReal      BootMode = "real"
	BootProtected BootMode = "protected"
)

// HexUint64 is a uint64 that accepts 0x-prefixed values in YAML.
type HexUint64 uint64

func (h *HexUint64) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Plain decimal scalars decode directly.
		var n uint64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid number %q", value.Value)
		}
		*h = HexUint64(n)
		return nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		n, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
	}
	*h = HexUint64(n)
	return nil
}

// Prot is an EPT protection mask written as a subset of "rwx".
type Prot uint64

func (p *Prot) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	var mask uint64
	for _, c := range s {
		switch c {
		case 'r':
			mask |= pagetable.EPTRead
		case 'w':
			mask |= pagetable.EPTWrite
		case 'x':
			mask |= pagetable.EPTExec
		default:
			return fmt.Errorf("invalid protection %q", s)
		}
	}
	*p = Prot(mask)
	return nil
}

// Load reads and validates a machine description file.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a machine description.
func Parse(data []byte) (*Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the description against the platform limits.
func (m *Machine) Validate() error {
	if m.PCPUs <= 0 {
		return fmt.Errorf("%w: pcpus must be positive, got %d", ErrInvalidConfig, m.PCPUs)
	}
	if len(m.VMs) == 0 {
		return fmt.Errorf("%w: no VMs defined", ErrInvalidConfig)
	}
	for i := range m.VMs {
		if err := m.VMs[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (v *VM) validate() error {
	name := v.Name
	if name == "" {
		return fmt.Errorf("%w: VM without a name", ErrInvalidConfig)
	}
	if v.VCPUs <= 0 {
		return fmt.Errorf("%w: VM %q: vcpus must be positive, got %d",
			ErrInvalidConfig, name, v.VCPUs)
	}
	if v.VCPUs > vcpu.MaxVCPUsPerVM {
		return fmt.Errorf("%w: VM %q: %d vCPUs exceeds the limit of %d",
			ErrInvalidConfig, name, v.VCPUs, vcpu.MaxVCPUsPerVM)
	}
	if len(v.Memory) == 0 {
		return fmt.Errorf("%w: VM %q: no memory regions", ErrInvalidConfig, name)
	}
	for _, r := range v.Memory {
		if r.Size == 0 {
			return fmt.Errorf("%w: VM %q: zero-size memory region", ErrInvalidConfig, name)
		}
		if uint64(r.GuestBase)%pagetable.Size4K != 0 ||
			uint64(r.HostBase)%pagetable.Size4K != 0 ||
			uint64(r.Size)%pagetable.Size4K != 0 {
			return fmt.Errorf("%w: VM %q: memory region not page-aligned", ErrInvalidConfig, name)
		}
		if r.Prot == 0 {
			return fmt.Errorf("%w: VM %q: memory region without protection", ErrInvalidConfig, name)
		}
	}
	switch v.Boot.Mode {
	case BootReal, BootProtected, "":
	default:
		return fmt.Errorf("%w: VM %q: unknown boot mode %q", ErrInvalidConfig, name, v.Boot.Mode)
	}
	return nil
}
