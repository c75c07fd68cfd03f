package patchkit

import (
	"encoding/binary"
	"math/bits"
	"unsafe"
)

// Segment is a contiguous region of code memory addressed by absolute
// addresses.
//
// All accesses go through single-copy atomic 32-bit (instruction word) or
// 64-bit (TOC slot) loads and stores, so goroutines may read code that
// another goroutine is patching. Words are kept in the target byte order:
// when it differs from the host order the value is byte-swapped on the way
// in and out.
type Segment struct {
	base  uint64
	size  uint64
	mem   unsafe.Pointer
	heap  []uint64 // keeps heap-backed memory alive
	unmap func() error
	swap  bool
	order binary.ByteOrder
}

func newHeapSegment(size uint64, base uint64, hasBase bool, order binary.ByteOrder) *Segment {
	heap := make([]uint64, (size+7)/8)
	s := &Segment{
		size:  uint64(len(heap)) * 8,
		mem:   unsafe.Pointer(unsafe.SliceData(heap)),
		heap:  heap,
		order: order,
		swap:  needsSwap(order),
	}
	s.base = uint64(uintptr(s.mem))
	if hasBase {
		s.base = base
	}
	return s
}

func needsSwap(order binary.ByteOrder) bool {
	var probe [4]byte
	order.PutUint32(probe[:], 1)
	return binary.NativeEndian.Uint32(probe[:]) != 1
}

// Base returns the address of the first byte of the segment.
func (s *Segment) Base() uint64 { return s.base }

// Size returns the segment size in bytes.
func (s *Segment) Size() uint64 { return s.size }

// Order returns the byte order of code and data in the segment.
func (s *Segment) Order() binary.ByteOrder { return s.order }

// Contains reports whether [addr, addr+n) lies inside the segment.
func (s *Segment) Contains(addr, n uint64) bool {
	return addr >= s.base && n <= s.size && addr-s.base <= s.size-n
}

func (s *Segment) at(addr, n uint64) unsafe.Pointer {
	if !s.Contains(addr, n) || addr&(n-1) != 0 {
		fatalf(ErrOutOfRange, "%d-byte access at %#x outside segment [%#x, %#x) or misaligned",
			n, addr, s.base, s.base+s.size)
	}
	return unsafe.Add(s.mem, addr-s.base)
}

// Word loads the instruction word at addr.
//
//go:nosplit
func (s *Segment) Word(addr uint64) uint32 {
	w := Load32((*uint32)(s.at(addr, 4)))
	if s.swap {
		w = bits.ReverseBytes32(w)
	}
	return w
}

// SetWord stores the instruction word w at addr with a single aligned
// store.
//
//go:nosplit
func (s *Segment) SetWord(addr uint64, w uint32) {
	if s.swap {
		w = bits.ReverseBytes32(w)
	}
	Store32((*uint32)(s.at(addr, 4)), w)
}

// Dword loads the doubleword at addr.
//
//go:nosplit
func (s *Segment) Dword(addr uint64) uint64 {
	v := Load64((*uint64)(s.at(addr, 8)))
	if s.swap {
		v = bits.ReverseBytes64(v)
	}
	return v
}

// SetDword stores the doubleword v at addr with a single aligned store.
//
//go:nosplit
func (s *Segment) SetDword(addr uint64, v uint64) {
	if s.swap {
		v = bits.ReverseBytes64(v)
	}
	Store64((*uint64)(s.at(addr, 8)), v)
}

// Words copies n instruction words starting at addr.
func (s *Segment) Words(addr uint64, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = s.Word(addr + uint64(i)*insnWordSize)
	}
	return out
}

// Bytes copies n instruction words starting at addr as target-order bytes.
func (s *Segment) Bytes(addr uint64, n int) []byte {
	out := make([]byte, n*insnWordSize)
	for i := range n {
		s.order.PutUint32(out[i*insnWordSize:], s.Word(addr+uint64(i)*insnWordSize))
	}
	return out
}

func (s *Segment) release() error {
	if s.unmap != nil {
		unmap := s.unmap
		s.unmap = nil
		s.mem = nil
		return unmap()
	}
	s.heap = nil
	s.mem = nil
	return nil
}
