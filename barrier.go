package patchkit

import (
	"sync/atomic"

	"github.com/llxisdsh/patchkit/internal/opt"
)

// Barrier names an ordering point placed around shared-word accesses and
// around code patches.
//
// Semantics (as seen by a program-order sequence of memory accesses):
//
//	BarrierAcquire  orders Load|Load and Load|Store
//	BarrierRelease  orders Load|Store and Store|Store
//	BarrierFence    orders everything, including Store|Load
//	BarrierNone     orders nothing
//
// On PPC, acquire and release map to lwsync and fence maps to sync.
// lwsync does not order Store|Load, which is why fence needs the heavier
// instruction.
type Barrier uint8

const (
	BarrierNone Barrier = iota
	BarrierAcquire
	BarrierRelease
	BarrierFence
)

func (b Barrier) String() string {
	switch b {
	case BarrierNone:
		return "none"
	case BarrierAcquire:
		return "acquire"
	case BarrierRelease:
		return "release"
	case BarrierFence:
		return "fence"
	}
	return "barrier(?)"
}

// Stronger reports whether b provides every guarantee of o.
func (b Barrier) Stronger(o Barrier) bool {
	if b == o || o == BarrierNone || b == BarrierFence {
		return true
	}
	return false
}

// fenceSentinel is the word every runtime barrier synchronizes through.
// It sits on its own cache line so that fences issued by unrelated
// goroutines do not contend with hot data.
var fenceSentinel opt.CounterStripe_

// Go has no standalone fence instruction. Every runtime barrier below is a
// sequentially consistent read-modify-write of fenceSentinel, which acts as
// a full fence on every supported architecture. Acquire and release get the
// same strength: an atomic load alone does not order earlier stores.

// OrderAccess places the runtime ordering point b.
//
//go:nosplit
func OrderAccess(b Barrier) {
	switch b {
	case BarrierAcquire:
		AcquireFence()
	case BarrierRelease:
		ReleaseFence()
	case BarrierFence:
		FullFence()
	}
}

// AcquireFence orders all prior loads before subsequent loads and stores.
//
//go:nosplit
func AcquireFence() {
	atomic.AddUint64(&fenceSentinel.C, 0)
}

// ReleaseFence orders all prior loads and stores before a subsequent store.
//
//go:nosplit
func ReleaseFence() {
	atomic.AddUint64(&fenceSentinel.C, 0)
}

// FullFence orders everything before it against everything after it.
//
//go:nosplit
func FullFence() {
	atomic.AddUint64(&fenceSentinel.C, 0)
}
