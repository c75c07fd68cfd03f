package patchkit

import (
	"sync/atomic"
)

// Runtime atomic primitives over raw word addresses.
//
// Every word touched by more than one goroutine (code words of a published
// segment, TOC slots, shared counters) is read and written through these
// functions only. The reservation loops of the PPC rendition live in the
// Assembler; here the Go runtime provides them: on LL/SC hardware
// sync/atomic compiles to exactly the larx/stcx. retry loops that the
// Assembler emits, and on other hosts to the equivalent fused instruction.
//
// Ordering:
//   - Load/Store: single-copy atomic access.
//   - Add/Exchange: acquire+release.
//   - Increment/Decrement: no ordering required by callers (statistics),
//     though the runtime cannot offer anything weaker than Add.
//   - CompareAndExchange: full fence before and after.

// Load32 atomically loads *addr.
//
//go:nosplit
func Load32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// Store32 atomically stores v into *addr.
//
//go:nosplit
func Store32(addr *uint32, v uint32) {
	atomic.StoreUint32(addr, v)
}

// Add32 atomically adds delta to *addr and returns the new value.
//
//go:nosplit
func Add32(addr *uint32, delta uint32) uint32 {
	return atomic.AddUint32(addr, delta)
}

// Increment32 atomically adds one to *addr.
//
//go:nosplit
func Increment32(addr *uint32) {
	atomic.AddUint32(addr, 1)
}

// Decrement32 atomically subtracts one from *addr.
//
//go:nosplit
func Decrement32(addr *uint32) {
	atomic.AddUint32(addr, ^uint32(0))
}

// Exchange32 atomically stores v into *addr and returns the previous value.
//
//go:nosplit
func Exchange32(addr *uint32, v uint32) uint32 {
	return atomic.SwapUint32(addr, v)
}

// CompareAndExchange32 stores desired into *addr if it holds expected and
// returns the value observed before the operation. The exchange happened
// iff the returned value equals expected.
//
// A plain load is compared first; when it already differs the observed
// value is returned without attempting the exchange, which keeps failing
// compares on contended words from bouncing the cache line.
func CompareAndExchange32(addr *uint32, expected, desired uint32) uint32 {
	old := atomic.LoadUint32(addr)
	if old != expected {
		return old
	}
	for {
		if atomic.CompareAndSwapUint32(addr, expected, desired) {
			return expected
		}
		// The word changed between the pre-check and the exchange. Report
		// the new value unless expected reappeared, in which case the lost
		// attempt is retried like a lost reservation.
		if old = atomic.LoadUint32(addr); old != expected {
			return old
		}
	}
}

// Load64 atomically loads *addr. addr must be 8-byte aligned.
//
//go:nosplit
func Load64(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

// Store64 atomically stores v into *addr. addr must be 8-byte aligned.
//
//go:nosplit
func Store64(addr *uint64, v uint64) {
	atomic.StoreUint64(addr, v)
}

// Add64 atomically adds delta to *addr and returns the new value.
//
//go:nosplit
func Add64(addr *uint64, delta uint64) uint64 {
	return atomic.AddUint64(addr, delta)
}

// Increment64 atomically adds one to *addr.
//
//go:nosplit
func Increment64(addr *uint64) {
	atomic.AddUint64(addr, 1)
}

// Decrement64 atomically subtracts one from *addr.
//
//go:nosplit
func Decrement64(addr *uint64) {
	atomic.AddUint64(addr, ^uint64(0))
}

// Exchange64 atomically stores v into *addr and returns the previous value.
//
//go:nosplit
func Exchange64(addr *uint64, v uint64) uint64 {
	return atomic.SwapUint64(addr, v)
}

// CompareAndExchange64 is the 64-bit form of CompareAndExchange32.
func CompareAndExchange64(addr *uint64, expected, desired uint64) uint64 {
	old := atomic.LoadUint64(addr)
	if old != expected {
		return old
	}
	for {
		if atomic.CompareAndSwapUint64(addr, expected, desired) {
			return expected
		}
		if old = atomic.LoadUint64(addr); old != expected {
			return old
		}
	}
}

// Word32 is a 32-bit word shared between goroutines.
type Word32 struct {
	_ noCopy
	v uint32
}

// Load atomically loads the word.
func (w *Word32) Load() uint32 { return Load32(&w.v) }

// Store atomically stores v.
func (w *Word32) Store(v uint32) { Store32(&w.v, v) }

// Add atomically adds delta and returns the new value.
func (w *Word32) Add(delta uint32) uint32 { return Add32(&w.v, delta) }

// Increment atomically adds one.
func (w *Word32) Increment() { Increment32(&w.v) }

// Decrement atomically subtracts one.
func (w *Word32) Decrement() { Decrement32(&w.v) }

// Exchange atomically stores v and returns the previous value.
func (w *Word32) Exchange(v uint32) uint32 { return Exchange32(&w.v, v) }

// CompareAndExchange stores desired if the word holds expected and returns
// the value it observed.
func (w *Word32) CompareAndExchange(expected, desired uint32) uint32 {
	return CompareAndExchange32(&w.v, expected, desired)
}

// Addr returns the address of the word, for code that accesses it with
// generated instructions.
func (w *Word32) Addr() *uint32 { return &w.v }

// Word64 is a 64-bit word shared between goroutines.
// It is 8-byte aligned even on 32-bit hosts.
type Word64 struct {
	_ noCopy
	_ [0]atomic.Uint64
	v uint64
}

// Load atomically loads the word.
func (w *Word64) Load() uint64 { return Load64(&w.v) }

// Store atomically stores v.
func (w *Word64) Store(v uint64) { Store64(&w.v, v) }

// Add atomically adds delta and returns the new value.
func (w *Word64) Add(delta uint64) uint64 { return Add64(&w.v, delta) }

// Increment atomically adds one.
func (w *Word64) Increment() { Increment64(&w.v) }

// Decrement atomically subtracts one.
func (w *Word64) Decrement() { Decrement64(&w.v) }

// Exchange atomically stores v and returns the previous value.
func (w *Word64) Exchange(v uint64) uint64 { return Exchange64(&w.v, v) }

// CompareAndExchange stores desired if the word holds expected and returns
// the value it observed.
func (w *Word64) CompareAndExchange(expected, desired uint64) uint64 {
	return CompareAndExchange64(&w.v, expected, desired)
}

// Addr returns the address of the word, for code that accesses it with
// generated instructions.
func (w *Word64) Addr() *uint64 { return &w.v }
