package patchkit

import "sync/atomic"

// bitLock32 acquires a bit-lock on the given address using the specified
// bit mask. It assumes the lock is held if (value & mask) != 0 and spins
// until the lock can be acquired.
//
// Patch sites embed their mutator lock in the state word next to their
// flags, so two goroutines retargeting the same inline cache are
// serialized without a separate mutex per site.
func bitLock32(addr *uint32, mask uint32) {
	cur := atomic.LoadUint32(addr)
	if atomic.CompareAndSwapUint32(addr, cur&^mask, cur|mask) {
		return
	}
	slowBitLock32(addr, mask)
}

func slowBitLock32(addr *uint32, mask uint32) {
	var spins int
	for !tryBitLock32(addr, mask) {
		delay(&spins)
	}
}

//go:nosplit
func tryBitLock32(addr *uint32, mask uint32) bool {
	for {
		cur := atomic.LoadUint32(addr)
		if cur&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(addr, cur, cur|mask) {
			return true
		}
	}
}

// bitUnlock32 releases the bit-lock by clearing the specified bit mask.
// It preserves other bits in the value.
//
//go:nosplit
func bitUnlock32(addr *uint32, mask uint32) {
	for {
		cur := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, cur, cur&^mask) {
			return
		}
	}
}
