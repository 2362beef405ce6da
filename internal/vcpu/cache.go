package vcpu

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bits"

	"github.com/metalvisor/vmx/internal/vmcs"
)

// vmcsField maps the VMCS-backed registers to their field encodings. Plain
// general-purpose registers other than RSP live only in the run context and
// never round-trip through the VMCS.
func vmcsField(r Register) vmcs.Field {
	switch r {
	case RegRSP:
		return vmcs.GuestRSP
	case RegRIP:
		return vmcs.GuestRIP
	case RegRFLAGS:
		return vmcs.GuestRFLAGS
	case RegCR0:
		return vmcs.GuestCR0
	case RegCR4:
		return vmcs.GuestCR4
	case RegEFER:
		return vmcs.GuestEFER
	default:
		panic(fmt.Sprintf("vcpu: register %d has no VMCS field", r))
	}
}

func isVMCSBacked(r Register) bool {
	switch r {
	case RegRSP, RegRIP, RegRFLAGS, RegCR0, RegCR4, RegEFER:
		return true
	default:
		return false
	}
}

// GetReg returns a guest register value. VMCS-backed registers are read
// lazily: the first access after a VM-exit does a vmread and subsequent
// accesses hit the cache until the next entry invalidates it.
func (v *VCPU) GetReg(r Register) uint64 {
	if !isVMCSBacked(r) {
		return v.runCtx.GPRs[r]
	}
	mask := bits.MaskOf64(int(r))
	if !bits.IsAnyOn64(v.regUpdated|v.regCached, mask) {
		*v.runCtx.slot(r) = v.hw().VMRead(vmcsField(r))
		v.regCached |= mask
	}
	return *v.runCtx.slot(r)
}

// SetReg stores a guest register value. Writes to VMCS-backed registers are
// buffered in the run context and flushed by the next VM-entry.
func (v *VCPU) SetReg(r Register, val uint64) {
	if !isVMCSBacked(r) {
		v.runCtx.GPRs[r] = val
		return
	}
	mask := bits.MaskOf64(int(r))
	*v.runCtx.slot(r) = val
	v.regUpdated |= mask
	v.regCached &^= mask
}

// flushRegs writes every dirty VMCS-backed register out and retires its
// dirty bit; the values stay cached.
func (v *VCPU) flushRegs() {
	if v.regUpdated == 0 {
		return
	}
	hw := v.hw()
	for _, r := range []Register{RegRSP, RegRIP, RegRFLAGS, RegCR0, RegCR4, RegEFER} {
		mask := bits.MaskOf64(int(r))
		if !bits.IsAnyOn64(v.regUpdated, mask) {
			continue
		}
		hw.VMWrite(vmcsField(r), *v.runCtx.slot(r))
		v.regUpdated &^= mask
		v.regCached |= mask
	}
}

// invalidateCache drops every cached VMCS-backed value. Called after a
// VM-exit, when the processor may have changed guest state.
func (v *VCPU) invalidateCache() {
	v.regCached = 0
}
