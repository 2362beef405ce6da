package vmcs

import "golang.org/x/sys/cpu"

// XSAVE state-component bits.
const (
	XSaveX87      uint64 = 1 << 0
	XSaveSSE      uint64 = 1 << 1
	XSaveAVX      uint64 = 1 << 2
	XSaveOpmask   uint64 = 1 << 5
	XSaveZMMHi256 uint64 = 1 << 6
	XSaveHi16ZMM  uint64 = 1 << 7
)

// HostXSaveMask returns the requested-feature bitmap for XSAVES/XRSTORS,
// covering every state component the host CPU can hold. x87 and SSE state
// always exist on x86-64.
func HostXSaveMask() uint64 {
	mask := XSaveX87 | XSaveSSE
	if cpu.X86.HasAVX {
		mask |= XSaveAVX
	}
	if cpu.X86.HasAVX512F {
		mask |= XSaveOpmask | XSaveZMMHi256 | XSaveHi16ZMM
	}
	return mask
}
