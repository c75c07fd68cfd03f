package patchkit

import (
	"fmt"

	"github.com/llxisdsh/pb"
)

// Kind is the kind of a patch site. The binary layout of each kind is the
// contract between the emitter and every component that patches code.
type Kind uint8

const (
	// KindFarBranch is a conditional branch of one or two instructions
	// whose target may lie beyond the ±32 KiB reach of bc.
	KindFarBranch Kind = iota + 1
	// KindCall64 is a fixed seven-instruction call to any 64-bit address.
	KindCall64
	// KindJump64 is the jump form of KindCall64.
	KindJump64
	// KindTrampoline is a fixed six-instruction stub jumping through a TOC
	// slot, branched to by call sites that cannot reach their target.
	KindTrampoline
)

func (k Kind) String() string {
	switch k {
	case KindFarBranch:
		return "far-branch"
	case KindCall64:
		return "call64"
	case KindJump64:
		return "jump64"
	case KindTrampoline:
		return "trampoline"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// words returns the fixed instruction count of the kind, or 0 when it
// varies per site.
func (k Kind) words() int {
	switch k {
	case KindCall64, KindJump64:
		return Patchable64Words
	case KindTrampoline:
		return TrampolineStubWords
	}
	return 0
}

// Form is the sub-encoding found at a patch site.
type Form uint8

const (
	// FormAuto lets the emitter choose; it never appears in a decoded
	// Target.
	FormAuto Form = iota
	// FormImmediate loads the target with a five-instruction immediate
	// sequence.
	FormImmediate
	// FormGlobalTOC adds a 32-bit offset to the global TOC.
	FormGlobalTOC
	// FormMethodTOC loads the target from a slot of the unit's TOC.
	FormMethodTOC
	// FormPCRelative branches directly with b or bl.
	FormPCRelative
	// FormNear is a far branch holding a single effective bc.
	FormNear
	// FormFar is a far branch made of an inverted bc over a b.
	FormFar
)

func (f Form) String() string {
	switch f {
	case FormAuto:
		return "auto"
	case FormImmediate:
		return "immediate"
	case FormGlobalTOC:
		return "global-toc"
	case FormMethodTOC:
		return "method-toc"
	case FormPCRelative:
		return "pc-relative"
	case FormNear:
		return "near"
	case FormFar:
		return "far"
	}
	return fmt.Sprintf("form(%d)", uint8(f))
}

// Target is the decoded destination of a patch site.
type Target struct {
	// Addr is the address control reaches when the site executes.
	Addr uint64
	// Form is the sub-encoding present at the site.
	Form Form
	// Slot is the TOC slot holding Addr, when the site loads it from one.
	Slot uint64
	// Stub is the trampoline stub the site branches to, if any.
	Stub uint64
}

const siteLocked = 1

// PatchSite is a region of generated code holding one recognized branch or
// call encoding. Its size is fixed when it is emitted and never changes.
type PatchSite struct {
	// Addr is the address of the first instruction.
	Addr uint64
	// Kind is the encoding kind.
	Kind Kind
	// Words is the number of instruction words reserved for the site.
	Words int
	// Optimize records, for far branches, whether relocation to a near
	// target may collapse the site to a single bc.
	Optimize bool

	state uint32 // siteLocked while a mutator holds the site
	cache *CodeCache
}

// Size returns the number of bytes reserved for the site.
func (s *PatchSite) Size() uint64 { return uint64(s.Words) * insnWordSize }

// End returns the address past the last byte of the site.
func (s *PatchSite) End() uint64 { return s.Addr + s.Size() }

// ReturnAddr returns the address a call site returns to.
func (s *PatchSite) ReturnAddr() uint64 { return s.Addr + Patchable64ReturnOffset }

// Target decodes the current destination of the site.
func (s *PatchSite) Target() Target { return s.cache.DecodeTarget(s.Addr, s.Kind) }

// Retarget points the site at target under the declared precondition.
func (s *PatchSite) Retarget(target uint64, cond Condition) {
	s.cache.PatchTarget(s.Addr, s.Kind, target, cond)
}

func (s *PatchSite) String() string {
	return fmt.Sprintf("%s@%#x[%d]", s.Kind, s.Addr, s.Words)
}

func (s *PatchSite) lock()   { bitLock32(&s.state, siteLocked) }
func (s *PatchSite) unlock() { bitUnlock32(&s.state, siteLocked) }

// SiteTable indexes the live patch sites of a code cache by address.
// Lookups are lock-free and may run on any goroutine.
type SiteTable struct {
	m pb.MapOf[uint64, *PatchSite]
}

// Lookup returns the site starting at addr.
func (t *SiteTable) Lookup(addr uint64) (*PatchSite, bool) {
	return t.m.Load(addr)
}

// Range calls fn for every live site until fn returns false.
func (t *SiteTable) Range(fn func(*PatchSite) bool) {
	t.m.Range(func(_ uint64, s *PatchSite) bool {
		return fn(s)
	})
}

// Len returns the number of live sites.
func (t *SiteTable) Len() int {
	n := 0
	t.m.Range(func(uint64, *PatchSite) bool {
		n++
		return true
	})
	return n
}

func (t *SiteTable) register(s *PatchSite) {
	_, loaded := t.m.ProcessEntry(
		s.Addr,
		func(l *pb.EntryOf[uint64, *PatchSite]) (*pb.EntryOf[uint64, *PatchSite], *PatchSite, bool) {
			if l != nil {
				return l, l.Value, true
			}
			return &pb.EntryOf[uint64, *PatchSite]{Value: s}, s, false
		},
	)
	if loaded {
		fatalf(ErrUnsupported, "patch site %s registered twice", s)
	}
}

func (t *SiteTable) removeRange(start, end uint64) {
	var dead []uint64
	t.m.Range(func(addr uint64, _ *PatchSite) bool {
		if addr >= start && addr < end {
			dead = append(dead, addr)
		}
		return true
	})
	for _, addr := range dead {
		t.m.Delete(addr)
	}
}

func (t *SiteTable) clear() {
	t.removeRange(0, ^uint64(0))
}
