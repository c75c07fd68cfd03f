//go:build (amd64 || 386 || arm || mips || mipsle || wasm) && !patchkit_disable_padding && !patchkit_enable_padding

package opt

// CounterStripe_ is a statistics counter cell.
// Padding is disabled by default for:
// - amd64
// - 32-bit architectures (386, arm, mips, mipsle, wasm)
type CounterStripe_ struct {
	C uint64 // Counter value, accessed atomically
}
