package patchkit

// Assembler appends instructions to the instruction section of a
// CodeBuffer. It is owned by the goroutine compiling the buffer and is not
// safe for concurrent use.
type Assembler struct {
	buf *CodeBuffer
	c   *CodeCache
	v   Variant
}

// NewAssembler returns an assembler emitting into b.
func NewAssembler(b *CodeBuffer) *Assembler {
	return &Assembler{buf: b, c: b.cache, v: b.cache.variant}
}

// Buffer returns the buffer being emitted into.
func (a *Assembler) Buffer() *CodeBuffer { return a.buf }

// Variant returns the core variant instructions are selected for.
func (a *Assembler) Variant() Variant { return a.v }

// PC returns the address of the next instruction.
func (a *Assembler) PC() uint64 { return a.buf.Insts.Pos() }

// Emit appends raw instruction words and returns the address of the first.
func (a *Assembler) Emit(words ...uint32) uint64 {
	return a.buf.emit(&a.buf.Insts, words...)
}

// Nop appends a nop.
func (a *Assembler) Nop() { a.Emit(insnNop) }

// Barrier appends the cheapest instruction providing b on the variant.
// Cores without lwsync get sync for acquire and release.
func (a *Assembler) Barrier(b Barrier) {
	switch b {
	case BarrierNone:
	case BarrierAcquire, BarrierRelease:
		if a.v.Lwsync {
			a.Emit(insnLwsync)
		} else {
			a.Emit(insnSync)
		}
	case BarrierFence:
		a.Emit(insnSync)
	default:
		fatalf(ErrUnsupported, "barrier %d", uint8(b))
	}
}

// Isync appends the context synchronizing isync.
func (a *Assembler) Isync() { a.Emit(insnIsync) }

func (a *Assembler) newSite(addr uint64, kind Kind, words int) *PatchSite {
	s := &PatchSite{Addr: addr, Kind: kind, Words: words, cache: a.c}
	a.c.sites.register(s)
	return s
}

// Label is a branch destination in the instruction section that may be
// bound after the branches to it are emitted.
type Label struct {
	addr  uint64
	bound bool
	uses  []*PatchSite
}

// Bound reports whether the label has been bound.
func (l *Label) Bound() bool { return l.bound }

// Addr returns the bound address of the label.
func (l *Label) Addr() uint64 { return l.addr }

// Bind binds l to the current PC and relocates every far branch emitted
// against it. The branches must not be published yet.
func (a *Assembler) Bind(l *Label) {
	if l.bound {
		fatalf(ErrUnsupported, "label bound twice (at %#x and %#x)", l.addr, a.PC())
	}
	l.addr, l.bound = a.PC(), true
	for _, s := range l.uses {
		a.c.PatchTarget(s.Addr, s.Kind, l.addr, Unpublished)
	}
	l.uses = nil
}
