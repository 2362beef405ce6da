package lapic

import (
	"testing"
)

type recordedIPI struct {
	kind   string
	target uint16
	vector uint8
}

type fakeVM struct {
	ipis []recordedIPI
}

func (f *fakeVM) DeliverInitSignal(target uint16, callerPCPU uint16) error {
	f.ipis = append(f.ipis, recordedIPI{kind: "init", target: target})
	return nil
}

func (f *fakeVM) DeliverStartupIPI(target uint16, vector uint8, callerPCPU uint16) error {
	f.ipis = append(f.ipis, recordedIPI{kind: "sipi", target: target, vector: vector})
	return nil
}

func icr(vector uint8, mode, shorthand uint64, dest uint16) uint64 {
	return uint64(vector) | mode<<8 | shorthand<<18 | uint64(dest)<<32
}

func TestWriteICRRoutesInitSIPI(t *testing.T) {
	vm := &fakeVM{}
	l := New(vm, []uint16{0, 1, 2})

	if err := l.WriteICR(0, 0, icr(0, DeliveryInit, ShorthandNone, 1)); err != nil {
		t.Fatalf("INIT: %v", err)
	}
	if err := l.WriteICR(0, 0, icr(0x08, DeliveryStartup, ShorthandNone, 1)); err != nil {
		t.Fatalf("SIPI: %v", err)
	}

	want := []recordedIPI{
		{kind: "init", target: 1},
		{kind: "sipi", target: 1, vector: 0x08},
	}
	if len(vm.ipis) != len(want) {
		t.Fatalf("ipis = %+v", vm.ipis)
	}
	for i := range want {
		if vm.ipis[i] != want[i] {
			t.Errorf("ipi %d = %+v, want %+v", i, vm.ipis[i], want[i])
		}
	}
}

func TestWriteICRAllButSelf(t *testing.T) {
	vm := &fakeVM{}
	l := New(vm, []uint16{0, 1, 2})

	if err := l.WriteICR(0, 0, icr(0, DeliveryInit, ShorthandAllButSelf, 0)); err != nil {
		t.Fatalf("broadcast INIT: %v", err)
	}

	if len(vm.ipis) != 2 {
		t.Fatalf("ipis = %+v", vm.ipis)
	}
	for _, ipi := range vm.ipis {
		if ipi.target == 0 {
			t.Error("all-but-self broadcast hit the sender")
		}
	}
}

func TestWriteICRUnknownDestination(t *testing.T) {
	l := New(&fakeVM{}, []uint16{0})
	if err := l.WriteICR(0, 0, icr(0, DeliveryInit, ShorthandNone, 9)); err == nil {
		t.Fatal("IPI to unknown APIC id succeeded")
	}
}

type recordingSink struct {
	asserted []uint8
}

func (r *recordingSink) AssertVector(target uint16, vector uint8) {
	r.asserted = append(r.asserted, vector)
}

func TestWriteICRFixedDelivery(t *testing.T) {
	l := New(&fakeVM{}, []uint16{0, 1})
	sink := &recordingSink{}
	l.SetFixedSink(sink)

	if err := l.WriteICR(0, 0, icr(0x30, DeliveryFixed, ShorthandNone, 1)); err != nil {
		t.Fatalf("fixed IPI: %v", err)
	}
	if len(sink.asserted) != 1 || sink.asserted[0] != 0x30 {
		t.Fatalf("asserted = %v", sink.asserted)
	}
}

func TestResetRestoresPowerOnState(t *testing.T) {
	l := New(&fakeVM{}, []uint16{0})
	l.EnableX2APIC(0)
	if !l.InX2APICMode(0) {
		t.Fatal("x2APIC enable did not stick")
	}

	l.Reset(0)
	if l.InX2APICMode(0) {
		t.Error("reset left the APIC in x2APIC mode")
	}
}
