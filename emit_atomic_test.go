package patchkit

import "testing"

// emitted runs emit on a fresh assembler for v and returns the words it
// appended.
func emitted(t *testing.T, v Variant, emit func(a *Assembler)) []uint32 {
	t.Helper()
	c := newTestCache(t, WithVariant(v))
	a := NewAssembler(newTestBuffer(t, c))
	start := a.PC()
	emit(a)
	return c.Segment().Words(start, int((a.PC()-start)/insnWordSize))
}

func checkWords(t *testing.T, name string, got, want []uint32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: %d words, want %d", name, len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("%s: word %d = %#08x, want %#08x", name, i, got[i], want[i])
		}
	}
}

func TestEmitCompareAndExchange(t *testing.T) {
	for _, w := range []Width{Width32, Width64} {
		got := emitted(t, POWER8LE, func(a *Assembler) {
			a.CompareAndExchange(w, R3, R6, R5, R4)
		})
		load, larx, stcx := encLwz(R3, R4, 0), encX(xoLWARX, R3, R0, R4, false), encX(xoSTWCX, R6, R0, R4, true)
		if w == Width64 {
			load, larx, stcx = encLd(R3, R4, 0), encX(xoLDARX, R3, R0, R4, false), encX(xoSTDCX, R6, R0, R4, true)
		}
		cmp := encCmp(R3, R5, w == Width64)
		checkWords(t, "cas", got, []uint32{
			insnSync,
			load,
			cmp,
			bneCR0(24),
			larx,
			cmp,
			bneCR0(12),
			stcx,
			bneCR0(-16),
			insnSync,
		})

		// Every conditional exit lands on the trailing fence, the retry
		// on the reservation.
		for i, want := range map[int]int{3: 9, 6: 9, 8: 4} {
			if dest := i + int(bcDisp(got[i]))/insnWordSize; dest != want {
				t.Errorf("branch at word %d goes to %d, want %d", i, dest, want)
			}
		}
	}
}

func TestEmitAddExchange(t *testing.T) {
	got := emitted(t, POWER8LE, func(a *Assembler) { a.AtomicAdd(Width32, R3, R5, R4) })
	checkWords(t, "add", got, []uint32{
		insnLwsync,
		encX(xoLWARX, R3, R0, R4, false),
		encAdd(R3, R3, R5),
		encX(xoSTWCX, R3, R0, R4, true),
		bneCR0(-12),
		insnIsync,
	})

	got = emitted(t, POWER8LE, func(a *Assembler) { a.AtomicExchange(Width64, R3, R5, R4) })
	checkWords(t, "exchange", got, []uint32{
		insnLwsync,
		encX(xoLDARX, R3, R0, R4, false),
		encX(xoSTDCX, R5, R0, R4, true),
		bneCR0(-8),
		insnSync,
	})

	// e500 has no lwsync.
	got = emitted(t, E500, func(a *Assembler) { a.AtomicAdd(Width32, R3, R5, R4) })
	if got[0] != insnSync {
		t.Errorf("e500 add leads with %#08x", got[0])
	}
}

func TestEmitIncrementDecrement(t *testing.T) {
	bare := emitted(t, POWER8LE, func(a *Assembler) { a.AtomicIncrement(Width32, R3, R4, BarrierNone) })
	checkWords(t, "increment", bare, []uint32{
		encX(xoLWARX, R3, R0, R4, false),
		encAddic(R3, R3, 1),
		encX(xoSTWCX, R3, R0, R4, true),
		bneCR0(-12),
	})
	ordered := emitted(t, POWER8LE, func(a *Assembler) { a.AtomicDecrement(Width64, R3, R4, BarrierFence) })
	checkWords(t, "decrement", ordered, []uint32{
		insnLwsync,
		encX(xoLDARX, R3, R0, R4, false),
		encAddic(R3, R3, -1),
		encX(xoSTDCX, R3, R0, R4, true),
		bneCR0(-12),
		insnIsync,
	})
}

func TestEmitLoadStore(t *testing.T) {
	got := emitted(t, POWER7BE, func(a *Assembler) {
		a.AtomicLoad(Width32, R3, R4, 8)
		a.AtomicStore(Width64, R3, R4, 16)
	})
	checkWords(t, "load/store", got, []uint32{encLwz(R3, R4, 8), encStd(R3, R4, 16)})

	c := newTestCache(t, WithVariant(PPC32))
	a := NewAssembler(newTestBuffer(t, c))
	mustPanic(t, ErrUnsupported, func() { a.AtomicLoad(Width64, R3, R4, 0) })
	mustPanic(t, ErrUnsupported, func() { a.AtomicStore(Width64, R3, R4, 0) })
}

func TestEmitCopy64(t *testing.T) {
	checkWords(t, "ppc64",
		emitted(t, POWER8LE, func(a *Assembler) { a.AtomicCopy64(R3, 8, R4, 16, F0) }),
		[]uint32{encLd(R0, R4, 16), encStd(R0, R3, 8)})
	checkWords(t, "ppc32 fpu",
		emitted(t, PPC32, func(a *Assembler) { a.AtomicCopy64(R3, 8, R4, 16, F1) }),
		[]uint32{encLfd(F1, R4, 16), encStfd(F1, R3, 8)})
	checkWords(t, "e500 spe",
		emitted(t, E500, func(a *Assembler) { a.AtomicCopy64(R3, 8, R4, 16, F1) }),
		[]uint32{encEv(xoEVLDD, R0, R4, 16), encEv(xoEVSTDD, R0, R3, 8)})

	c := newTestCache(t, WithVariant(E500))
	a := NewAssembler(newTestBuffer(t, c))
	mustPanic(t, ErrOutOfRange, func() { a.AtomicCopy64(R3, 4, R4, 0, F0) })
	mustPanic(t, ErrOutOfRange, func() { a.AtomicCopy64(R3, 0, R4, 256, F0) })
}

func TestEmit64OnNarrowVariant(t *testing.T) {
	for _, v := range []Variant{PPC32, E500} {
		c := newTestCache(t, WithVariant(v))
		a := NewAssembler(newTestBuffer(t, c))
		start := a.PC()
		mustPanic(t, ErrUnsupported, func() { a.AtomicAdd(Width64, R3, R5, R4) })
		mustPanic(t, ErrUnsupported, func() { a.AtomicIncrement(Width64, R3, R4, BarrierNone) })
		mustPanic(t, ErrUnsupported, func() { a.AtomicExchange(Width64, R3, R5, R4) })
		mustPanic(t, ErrUnsupported, func() { a.CompareAndExchange(Width64, R3, R6, R5, R4) })
		if a.PC() != start {
			t.Errorf("%s: refused operations emitted code", v)
		}
		if v.Supports(Width64) || !v.Supports(Width32) {
			t.Errorf("%s: Supports", v)
		}
	}
}
