//go:build patchkit_disable_padding

package opt

// CounterStripe_ is a statistics counter cell.
// Padding is force-disabled via the patchkit_disable_padding build tag.
// Use: go build -tags=patchkit_disable_padding
type CounterStripe_ struct {
	C uint64 // Counter value, accessed atomically
}
