package patchkit

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/llxisdsh/patchkit/internal/opt"
)

// Width is the size of an atomic word in bits.
type Width uint8

const (
	Width32 Width = 32
	Width64 Width = 64
)

// Variant describes the PPC core the generated code will run on.
// It selects instruction sequences at emission time; nothing is re-decided
// when code is patched later.
type Variant struct {
	Name string
	// Word64 is set for 64-bit cores (ppc64, ppc64le).
	Word64 bool
	// Lwsync is set when the core implements lwsync. Without it acquire
	// and release are emitted as a full sync.
	Lwsync bool
	// Reserve64 is set when ldarx/stdcx. exist. 64-bit read-modify-write
	// operations are refused without it.
	Reserve64 bool
	// SPE is set for e500 cores whose 64-bit transfer unit is the SPE
	// register file rather than the FPU.
	SPE bool
	// Order is the byte order of instruction words and data.
	Order binary.ByteOrder
}

var (
	// POWER8LE is a little-endian POWER8 or later core.
	POWER8LE = Variant{
		Name:      "power8le",
		Word64:    true,
		Lwsync:    true,
		Reserve64: true,
		Order:     binary.LittleEndian,
	}
	// POWER7BE is a big-endian 64-bit server core.
	POWER7BE = Variant{
		Name:      "power7be",
		Word64:    true,
		Lwsync:    true,
		Reserve64: true,
		Order:     binary.BigEndian,
	}
	// PPC32 is a classic 32-bit core with an FPU.
	PPC32 = Variant{
		Name:   "ppc32",
		Lwsync: true,
		Order:  binary.BigEndian,
	}
	// E500 is a 32-bit embedded core with SPE and without lwsync.
	E500 = Variant{
		Name:  "e500",
		SPE:   true,
		Order: binary.BigEndian,
	}
)

// HostVariant returns the variant of the running processor when it is a
// PPC64 core, and POWER8LE as the cross-emission default otherwise.
func HostVariant() Variant {
	if !opt.NativePPC_ {
		return POWER8LE
	}
	v := POWER7BE
	if runtime.GOARCH == "ppc64le" {
		v = POWER8LE
	}
	switch {
	case cpu.PPC64.IsPOWER9:
		v.Name += "/power9"
	case cpu.PPC64.IsPOWER8:
		v.Name += "/power8"
	}
	return v
}

// Supports reports whether reservation-based read-modify-write operations
// of width w can be emitted for v.
func (v Variant) Supports(w Width) bool {
	switch w {
	case Width32:
		return true
	case Width64:
		return v.Reserve64
	}
	return false
}

// Validate checks that the variant is self-consistent.
func (v Variant) Validate() error {
	if v.Order == nil {
		return fmt.Errorf("%w: variant %q has no byte order", ErrUnsupported, v.Name)
	}
	if v.Reserve64 && !v.Word64 {
		return fmt.Errorf("%w: variant %q has 64-bit reservations without 64-bit registers",
			ErrUnsupported, v.Name)
	}
	if v.SPE && v.Word64 {
		return fmt.Errorf("%w: variant %q combines SPE with a 64-bit core", ErrUnsupported, v.Name)
	}
	return nil
}

// require panics unless v supports width w. It is the development-time
// check that keeps 64-bit atomics from being emulated on cores that cannot
// reserve a doubleword.
func (v Variant) require(w Width) {
	if !v.Supports(w) {
		panic(fmt.Errorf("%w: %d-bit reservation on variant %q", ErrUnsupported, w, v.Name))
	}
}

func (v Variant) String() string {
	return v.Name
}
