//go:build patchkit_enable_padding

package opt

import (
	"unsafe"
)

// CounterStripe_ is a statistics counter cell.
// Padding is force-enabled via the patchkit_enable_padding build tag.
// Use: go build -tags=patchkit_enable_padding
type CounterStripe_ struct {
	C uint64 // Counter value, accessed atomically
	_ [(CacheLineSize_ - unsafe.Sizeof(struct {
		C uint64
	}{})%CacheLineSize_) % CacheLineSize_]byte
}
