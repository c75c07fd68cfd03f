package patchkit

import (
	"sync/atomic"

	"github.com/llxisdsh/patchkit/internal/opt"
)

// seqLock32 implements a 32-bit sequence lock for tear-free reads of
// multi-word patch sites.
//
// A safepoint patch of an immediate or global-TOC sequence rewrites several
// instruction words one aligned store at a time. Hardware threads are parked
// while that happens, but runtime goroutines decoding targets are not: they
// copy the words inside a read window and retry when a patch overlapped.
type seqLock32 rwLock32

// BeginRead starts a read transaction.
// It returns the current sequence number and true if no write is in
// progress (sequence is even).
//
//go:nosplit
func (l *seqLock32) BeginRead() (s1 uint32, ok bool) {
	if opt.Race_ {
		(*rwLock32)(l).RLock()
		s1 = atomic.LoadUint32((*uint32)(l))
		return s1, true
	}
	s1 = atomic.LoadUint32((*uint32)(l))
	return s1, s1&1 == 0
}

// EndRead finishes a read transaction.
// It returns true if the sequence number matches s1, indicating a
// consistent snapshot.
//
//go:nosplit
func (l *seqLock32) EndRead(s1 uint32) (ok bool) {
	if opt.Race_ {
		(*rwLock32)(l).RUnlock()
		return true
	}
	s2 := atomic.LoadUint32((*uint32)(l))
	return s1 == s2
}

// BeginWrite starts a write transaction by moving the sequence to odd.
// It returns the previous sequence number and true if successful.
//
//go:nosplit
func (l *seqLock32) BeginWrite() (s1 uint32, ok bool) {
	if opt.Race_ {
		(*rwLock32)(l).Lock()
		return 1, true
	}
	s1 = atomic.LoadUint32((*uint32)(l))
	if s1&1 != 0 {
		return s1, false
	}
	return s1, atomic.CompareAndSwapUint32((*uint32)(l), s1, s1|1)
}

// EndWrite finishes a write transaction by moving the sequence to even.
//
//go:nosplit
func (l *seqLock32) EndWrite(s1 uint32) {
	if opt.Race_ {
		(*rwLock32)(l).Unlock()
		return
	}
	atomic.StoreUint32((*uint32)(l), s1+2)
}

// read runs fn inside a stable window, retrying until no write overlapped.
func (l *seqLock32) read(fn func()) {
	var spins int
	for {
		if s1, ok := l.BeginRead(); ok {
			fn()
			if l.EndRead(s1) {
				return
			}
			continue
		}
		delay(&spins)
	}
}

// write runs fn as a single write transaction.
func (l *seqLock32) write(fn func()) {
	var spins int
	for {
		if s1, ok := l.BeginWrite(); ok {
			fn()
			l.EndWrite(s1)
			return
		}
		delay(&spins)
	}
}
