//go:build !vmxnative

package vmcs

// OpenNative returns the bare-metal VMX backend for this physical CPU.
// Builds without ring-0 support have none.
func OpenNative() (Hardware, error) {
	return nil, ErrUnsupported
}
