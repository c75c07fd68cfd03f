package patchkit

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llxisdsh/patchkit/internal/opt"
)

// seqWords mimics a multi-word site: every field is stored on its own, and
// the invariant B == ^A, D == ^C, X[i] == A+i only holds between writes.
type seqWords struct {
	A, B uint64
	X    [16]uint64
	C, D uint64
}

func (s *seqWords) store(x uint64) {
	atomic.StoreUint64(&s.A, x)
	atomic.StoreUint64(&s.B, ^x)
	for i := range s.X {
		atomic.StoreUint64(&s.X[i], x+uint64(i))
	}
	atomic.StoreUint64(&s.C, x^0xAA)
	atomic.StoreUint64(&s.D, ^(x ^ 0xAA))
}

func (s *seqWords) intact() bool {
	a := atomic.LoadUint64(&s.A)
	if atomic.LoadUint64(&s.B) != ^a {
		return false
	}
	for i := range s.X {
		if atomic.LoadUint64(&s.X[i]) != a+uint64(i) {
			return false
		}
	}
	c := atomic.LoadUint64(&s.C)
	return c == a^0xAA && atomic.LoadUint64(&s.D) == ^c
}

func TestSeqLock32_NoTornRead(t *testing.T) {
	var sl seqLock32
	var v seqWords
	sl.write(func() { v.store(3) })

	var torn atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup

	writers := 4
	readers := 8

	wg.Add(writers)
	for w := range writers {
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					x := uint64(rand.Int64()) ^ uint64(id)*0x9e3779b97f4a7bb1
					sl.write(func() { v.store(x) })
					runtime.Gosched()
				}
			}
		}(w)
	}

	wg.Add(readers)
	for range readers {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					var ok bool
					sl.read(func() { ok = v.intact() })
					if !ok {
						torn.Add(1)
					}
					runtime.Gosched()
				}
			}
		}()
	}

	time.Sleep(500 * time.Millisecond)
	close(stop)
	wg.Wait()

	if n := torn.Load(); n != 0 {
		t.Fatalf("torn reads: %d", n)
	}
}

func TestSeqLock32_Sequence(t *testing.T) {
	if opt.Race_ {
		t.Skip("race mode serializes through the reader-writer lock")
	}
	var sl seqLock32
	s1, ok := sl.BeginRead()
	if !ok {
		t.Fatalf("fresh lock reports a writer")
	}
	w, ok := sl.BeginWrite()
	if !ok {
		t.Fatalf("BeginWrite failed on a free lock")
	}
	if _, ok := sl.BeginWrite(); ok {
		t.Fatalf("second writer admitted")
	}
	sl.EndWrite(w)
	if sl.EndRead(s1) {
		t.Fatalf("read overlapping a write validated")
	}
	s2, ok := sl.BeginRead()
	if !ok || !sl.EndRead(s2) {
		t.Fatalf("quiet read failed")
	}
}
