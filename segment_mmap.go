//go:build linux || darwin

package patchkit

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// newExecSegment maps an anonymous read/write/execute region. Systems that
// refuse writable executable mappings report the mmap error.
func newExecSegment(size uint64, order binary.ByteOrder) (*Segment, error) {
	page := uint64(unix.Getpagesize())
	size = (size + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	s := &Segment{
		size:  size,
		mem:   unsafe.Pointer(unsafe.SliceData(mem)),
		order: order,
		swap:  needsSwap(order),
		unmap: func() error { return unix.Munmap(mem) },
	}
	s.base = uint64(uintptr(s.mem))
	return s, nil
}
