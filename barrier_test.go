package patchkit

import (
	"runtime"
	"testing"

	"github.com/llxisdsh/patchkit/internal/opt"
	"golang.org/x/sync/errgroup"
)

func TestBarrier_Stronger(t *testing.T) {
	cases := []struct {
		b, o Barrier
		want bool
	}{
		{BarrierFence, BarrierAcquire, true},
		{BarrierFence, BarrierRelease, true},
		{BarrierAcquire, BarrierAcquire, true},
		{BarrierAcquire, BarrierNone, true},
		{BarrierAcquire, BarrierRelease, false},
		{BarrierRelease, BarrierFence, false},
		{BarrierNone, BarrierAcquire, false},
	}
	for _, tc := range cases {
		if got := tc.b.Stronger(tc.o); got != tc.want {
			t.Errorf("%s.Stronger(%s) = %v", tc.b, tc.o, got)
		}
	}
}

func TestAssembler_Barrier(t *testing.T) {
	cases := []struct {
		v    Variant
		b    Barrier
		want []uint32
	}{
		{POWER8LE, BarrierNone, nil},
		{POWER8LE, BarrierAcquire, []uint32{insnLwsync}},
		{POWER8LE, BarrierRelease, []uint32{insnLwsync}},
		{POWER8LE, BarrierFence, []uint32{insnSync}},
		{PPC32, BarrierAcquire, []uint32{insnLwsync}},
		// No lwsync: the stronger sync replaces it.
		{E500, BarrierAcquire, []uint32{insnSync}},
		{E500, BarrierRelease, []uint32{insnSync}},
		{E500, BarrierFence, []uint32{insnSync}},
	}
	for _, tc := range cases {
		c := newTestCache(t, WithVariant(tc.v))
		a := NewAssembler(newTestBuffer(t, c))
		start := a.PC()
		a.Barrier(tc.b)
		n := int((a.PC() - start) / insnWordSize)
		if n != len(tc.want) {
			t.Errorf("%s %s: %d words", tc.v, tc.b, n)
			continue
		}
		for i, w := range c.Segment().Words(start, n) {
			if w != tc.want[i] {
				t.Errorf("%s %s: word %d = %#08x, want %#08x", tc.v, tc.b, i, w, tc.want[i])
			}
		}
	}
}

// messagePassing hands payloads from a producer to a consumer through
// plain memory. Only release on the producer side and acquire on the
// consumer side order the payload against the flag.
func messagePassing(t *testing.T, release, acquire func()) {
	t.Helper()
	if opt.Race_ {
		t.Skip("plain shared accesses are ordered by the fences alone")
	}
	const rounds = 20000
	var (
		payload [4]uint64
		flag    uint64
		ack     Word64
	)

	var g errgroup.Group
	g.Go(func() error {
		for i := uint64(1); i <= rounds; i++ {
			for ack.Load() != i-1 {
				runtime.Gosched()
			}
			for j := range payload {
				payload[j] = i
			}
			release()
			flag = i
		}
		return nil
	})
	var stale, staleRound uint64
	g.Go(func() error {
		for i := uint64(1); i <= rounds; i++ {
			for {
				f := flag
				acquire()
				if f == i {
					break
				}
				runtime.Gosched()
			}
			for _, p := range payload {
				if p != i && staleRound == 0 {
					stale, staleRound = p, i
				}
			}
			ack.Store(i)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if staleRound != 0 {
		t.Fatalf("round %d: consumer saw stale payload %d", staleRound, stale)
	}
}

func TestBarrier_MessagePassing(t *testing.T) {
	messagePassing(t, ReleaseFence, AcquireFence)
}

func TestBarrier_MessagePassingFullFence(t *testing.T) {
	messagePassing(t, FullFence, FullFence)
}

func TestOrderAccess(t *testing.T) {
	before := Load64(&fenceSentinel.C)
	for _, b := range []Barrier{BarrierNone, BarrierAcquire, BarrierRelease, BarrierFence} {
		OrderAccess(b)
	}
	if after := Load64(&fenceSentinel.C); after != before {
		t.Fatalf("fence sentinel changed from %d to %d", before, after)
	}
	messagePassing(t,
		func() { OrderAccess(BarrierRelease) },
		func() { OrderAccess(BarrierAcquire) },
	)
}
