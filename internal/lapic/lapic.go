// Package lapic implements the slice of local-APIC behavior the vCPU core
// depends on: per-vCPU APIC state that resets with its processor, and ICR
// write decoding that routes INIT and STARTUP IPIs to their targets. Full
// interrupt virtualization (IRR/ISR, timer, LVT) lives elsewhere.
package lapic

import (
	"fmt"
	"sync"
)

// ICR delivery modes.
const (
	DeliveryFixed   uint64 = 0
	DeliveryInit    uint64 = 5
	DeliveryStartup uint64 = 6
)

// ICR destination shorthands.
const (
	ShorthandNone       uint64 = 0
	ShorthandSelf       uint64 = 1
	ShorthandAll        uint64 = 2
	ShorthandAllButSelf uint64 = 3
)

// SpuriousVectorReset is the architectural reset value of the spurious
// interrupt vector register.
const SpuriousVectorReset uint32 = 0xFF

// IPITarget delivers decoded IPIs; the vCPU layer's VM satisfies it.
type IPITarget interface {
	DeliverInitSignal(target uint16, callerPCPU uint16) error
	DeliverStartupIPI(target uint16, vector uint8, callerPCPU uint16) error
}

// FixedSink receives fixed-delivery IPIs the core does not handle itself.
type FixedSink interface {
	AssertVector(target uint16, vector uint8)
}

type apicState struct {
	x2apic         bool
	spuriousVector uint32
	errorStatus    uint32
}

// LAPIC is the virtual local-APIC complex of one VM.
type LAPIC struct {
	mu sync.Mutex

	vm    IPITarget
	sink  FixedSink
	apics map[uint16]*apicState

	// vcpuIDs lists every processor for shorthand broadcast.
	vcpuIDs []uint16
}

// New builds the LAPIC complex for a VM with the given vCPU ids.
func New(vm IPITarget, vcpuIDs []uint16) *LAPIC {
	l := &LAPIC{
		vm:    vm,
		apics: make(map[uint16]*apicState),
	}
	for _, id := range vcpuIDs {
		l.vcpuIDs = append(l.vcpuIDs, id)
		l.apics[id] = newAPICState()
	}
	return l
}

func newAPICState() *apicState {
	return &apicState{spuriousVector: SpuriousVectorReset}
}

// SetFixedSink wires the destination for fixed-delivery IPIs.
func (l *LAPIC) SetFixedSink(sink FixedSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Reset returns one processor's APIC to its power-on state. The vCPU layer
// calls this from INIT handling.
func (l *LAPIC) Reset(vcpuID uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apics[vcpuID] = newAPICState()
}

// EnableX2APIC switches one processor's APIC into x2APIC mode.
func (l *LAPIC) EnableX2APIC(vcpuID uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.apics[vcpuID]; ok {
		s.x2apic = true
	}
}

// InX2APICMode reports whether the processor's APIC is in x2APIC mode.
func (l *LAPIC) InX2APICMode(vcpuID uint16) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.apics[vcpuID]
	return ok && s.x2apic
}

// WriteICR emulates a write of the interrupt command register in x2APIC
// layout: destination in bits 63:32, vector in 7:0, delivery mode in 10:8,
// shorthand in 19:18.
func (l *LAPIC) WriteICR(sender uint16, senderPCPU uint16, icr uint64) error {
	vector := uint8(icr)
	mode := (icr >> 8) & 0x7
	shorthand := (icr >> 18) & 0x3
	dest := uint16(icr >> 32)

	targets, err := l.resolveTargets(sender, shorthand, dest)
	if err != nil {
		return err
	}

	for _, target := range targets {
		switch mode {
		case DeliveryInit:
			if err := l.vm.DeliverInitSignal(target, senderPCPU); err != nil {
				return err
			}
		case DeliveryStartup:
			if err := l.vm.DeliverStartupIPI(target, vector, senderPCPU); err != nil {
				return err
			}
		case DeliveryFixed:
			l.mu.Lock()
			sink := l.sink
			l.mu.Unlock()
			if sink != nil {
				sink.AssertVector(target, vector)
			}
		default:
			return fmt.Errorf("lapic: unsupported delivery mode %d", mode)
		}
	}
	return nil
}

func (l *LAPIC) resolveTargets(sender uint16, shorthand uint64, dest uint16) ([]uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch shorthand {
	case ShorthandNone:
		if _, ok := l.apics[dest]; !ok {
			return nil, fmt.Errorf("lapic: IPI to unknown APIC id %d", dest)
		}
		return []uint16{dest}, nil
	case ShorthandSelf:
		return []uint16{sender}, nil
	case ShorthandAll:
		return append([]uint16(nil), l.vcpuIDs...), nil
	case ShorthandAllButSelf:
		var out []uint16
		for _, id := range l.vcpuIDs {
			if id != sender {
				out = append(out, id)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("lapic: invalid destination shorthand %d", shorthand)
	}
}
