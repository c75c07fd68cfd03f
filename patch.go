package patchkit

import (
	"context"
	"log/slog"
)

// Condition is the precondition a code patch declares. Instruction fetch
// is single-copy atomic only per aligned word, so a patch that changes more
// than one word must be invisible to every other thread while it runs.
type Condition uint8

const (
	// Unpublished declares that no other thread can reach the site yet:
	// it lies beyond the published watermark of its buffer.
	Unpublished Condition = iota + 1
	// AtSafepoint declares that every mutator thread is parked; the
	// configured Safepoint must confirm it.
	AtSafepoint
	// SingleWord declares that at most one instruction word changes, or
	// only a TOC slot loaded by every execution of the site.
	SingleWord
)

func (c Condition) String() string {
	switch c {
	case Unpublished:
		return "unpublished"
	case AtSafepoint:
		return "at-safepoint"
	case SingleWord:
		return "single-word"
	}
	return "condition(?)"
}

// Safepoint reports whether all mutator threads are parked at a global
// safepoint. It is provided by the runtime embedding the cache.
type Safepoint interface {
	AtSafepoint() bool
}

// SafepointFunc adapts a function to Safepoint.
type SafepointFunc func() bool

func (f SafepointFunc) AtSafepoint() bool { return f() }

// CodePatch is a retargeting of one patch site together with the
// precondition its caller guarantees.
type CodePatch struct {
	Addr      uint64
	Kind      Kind
	Target    uint64
	Condition Condition
}

// Apply performs p.
func (c *CodeCache) Apply(p CodePatch) {
	c.PatchTarget(p.Addr, p.Kind, p.Target, p.Condition)
}

// Recognize reports whether addr holds a site of the given kind.
func (c *CodeCache) Recognize(addr uint64, kind Kind) bool {
	if s, ok := c.sites.Lookup(addr); ok && s.Kind != kind {
		return false
	}
	if kind.words() == 0 && kind != KindFarBranch {
		return false
	}
	s := c.siteFor(addr, kind)
	var ok bool
	c.patchSeq.read(func() {
		_, _, _, ok = c.decodeSite(s)
	})
	return ok
}

// DecodeTarget returns the current destination of the site of the given
// kind at addr. It may run concurrently with patches of the site and never
// observes a half-written multi-word encoding.
func (c *CodeCache) DecodeTarget(addr uint64, kind Kind) Target {
	s := c.siteFor(addr, kind)
	var (
		t  Target
		ok bool
	)
	c.patchSeq.read(func() {
		t, _, _, ok = c.decodeSite(s)
	})
	if !ok {
		fatalf(ErrNotRecognized, "no %s at %#x", kind, addr)
	}
	return t
}

// PatchTarget retargets the site of the given kind at addr to target,
// rewriting only the words reserved for it. cond is the precondition the
// caller guarantees; a patch whose condition does not hold panics with
// ErrUnsafePatch before anything is written.
//
// Patching a site to the target it already has writes nothing.
func (c *CodeCache) PatchTarget(addr uint64, kind Kind, target uint64, cond Condition) {
	s := c.siteFor(addr, kind)
	c.checkCondition(s, cond)

	s.lock()
	defer s.unlock()
	cur, ws, fb, ok := c.decodeSite(s)
	if !ok {
		fatalf(ErrNotRecognized, "no %s at %#x", kind, addr)
	}

	switch kind {
	case KindFarBranch:
		out, collapsed := relocateFarBranch(s, ws, fb, target)
		if c.writeSite(s, ws, out, cond, cur.Addr, target) && collapsed {
			Increment64(&c.stats.collapses.C)
		}
	case KindCall64, KindJump64:
		switch cur.Form {
		case FormMethodTOC:
			c.writeSlot(s, cur.Slot, target, cond, cur.Addr)
		case FormPCRelative:
			c.patchPCRelative(s, ws, cur, target, cond)
		default:
			c.writeSite(s, ws, c.repatchPatchable64(ws, cur, target), cond, cur.Addr, target)
		}
	case KindTrampoline:
		b := c.FindBuffer(addr)
		if b == nil {
			fatalf(ErrNotRecognized, "trampoline %#x outside any buffer", addr)
		}
		c.retargetStub(b, s, cur.Slot, target, cond)
	}
}

func (c *CodeCache) retargetStub(b *CodeBuffer, s *PatchSite, slot, target uint64, cond Condition) {
	b.stubMu.Lock()
	defer b.stubMu.Unlock()
	from := c.seg.Dword(slot)
	b.moveStubLocked(s.Addr, from, target)
	c.writeSlot(s, slot, target, cond, from)
}

func (c *CodeCache) patchPCRelative(s *PatchSite, ws []uint32, cur Target, target uint64, cond Condition) {
	link := s.Kind == KindCall64
	at := pcRelBranchAddr(s.Addr, link)
	b := c.FindBuffer(s.Addr)

	dest := target
	switch {
	case cur.Stub != 0 && b != nil:
		var slotOnly bool
		dest, cur.Addr, slotOnly = c.retargetHost(b, s, cur, target, cond)
		if slotOnly {
			return
		}
		Increment64(&c.stats.redirects.C)
	case !fitsB(int64(target - at)):
		if b == nil {
			fatalf(ErrOutOfRange, "%s to %#x: no buffer to place a trampoline in", s, target)
		}
		dest = b.acquireStub(target)
		Increment64(&c.stats.redirects.C)
	}

	out := append([]uint32(nil), ws...)
	i := (at - s.Addr) / insnWordSize
	disp := int64(dest - at)
	if !fitsB(disp) {
		fatalf(ErrOutOfRange, "%s to %#x", s, dest)
	}
	out[i] = withBDisp(ws[i], disp)
	c.writeSite(s, ws, out, cond, cur.Addr, target)
}

// retargetHost moves a host routed through cur.Stub to target. It returns
// the host's new branch destination and the logical target it had, or
// reports slotOnly when rewriting the stub's slot was enough.
func (c *CodeCache) retargetHost(b *CodeBuffer, s *PatchSite, cur Target, target uint64, cond Condition) (dest, from uint64, slotOnly bool) {
	b.stubMu.Lock()
	defer b.stubMu.Unlock()
	cur.Addr = c.seg.Dword(cur.Slot)
	dest, slotOnly = b.retargetHostLocked(cur, target)
	if slotOnly {
		c.writeSlot(s, cur.Slot, target, cond, cur.Addr)
	}
	return dest, cur.Addr, slotOnly
}

// siteFor returns the registered site at addr, or describes an
// unregistered one from the code alone.
func (c *CodeCache) siteFor(addr uint64, kind Kind) *PatchSite {
	if s, ok := c.sites.Lookup(addr); ok {
		if s.Kind != kind {
			fatalf(ErrNotRecognized, "%s is not a %s site", s, kind)
		}
		return s
	}
	n := kind.words()
	if kind == KindFarBranch {
		n = 1
		if c.seg.Contains(addr, 2*insnWordSize) && addr&3 == 0 {
			if _, ok := decodeFarBranch(addr, c.seg.Words(addr, 2)); ok {
				n = 2
			}
		}
	}
	if n == 0 {
		fatalf(ErrNotRecognized, "unknown site kind %s", kind)
	}
	return &PatchSite{Addr: addr, Kind: kind, Words: n, cache: c}
}

func (c *CodeCache) decodeSite(s *PatchSite) (t Target, ws []uint32, fb farBranch, ok bool) {
	if s.Addr&3 != 0 || !c.seg.Contains(s.Addr, s.Size()) {
		return
	}
	ws = c.seg.Words(s.Addr, s.Words)
	switch s.Kind {
	case KindFarBranch:
		if fb, ok = decodeFarBranch(s.Addr, ws); ok {
			t = Target{Addr: fb.dest, Form: fb.form}
		}
	case KindCall64, KindJump64:
		t, ok = c.decodePatchable64(s.Addr, ws, s.Kind == KindCall64)
		if ok && t.Form == FormPCRelative {
			if st, isStub := c.sites.Lookup(t.Addr); isStub && st.Kind == KindTrampoline {
				if inner, ok2 := c.decodeStub(c.seg.Words(st.Addr, st.Words)); ok2 {
					t.Stub, t.Slot, t.Addr = st.Addr, inner.Slot, inner.Addr
				}
			}
		}
	case KindTrampoline:
		t, ok = c.decodeStub(ws)
	}
	return
}

func (c *CodeCache) checkCondition(s *PatchSite, cond Condition) {
	switch cond {
	case Unpublished:
		if b := c.FindBuffer(s.Addr); b == nil || b.Published(s.Addr) {
			fatalf(ErrUnsafePatch, "%s is published", s)
		}
	case AtSafepoint:
		if sp := c.cfg.safepoint; sp == nil || !sp.AtSafepoint() {
			fatalf(ErrUnsafePatch, "%s patched outside a safepoint", s)
		}
	case SingleWord:
		// checked against the words that actually change
	default:
		fatalf(ErrUnsafePatch, "%s patched without a precondition", s)
	}
}

// writeSite stores the words of next that differ from old and reports
// whether anything changed. A multi-word write runs as one write
// transaction of the patch sequence lock so decoders never see it half
// done.
func (c *CodeCache) writeSite(s *PatchSite, old, next []uint32, cond Condition, from, to uint64) bool {
	var diff []int
	for i := range old {
		if old[i] != next[i] {
			diff = append(diff, i)
		}
	}
	if len(diff) > 1 && cond == SingleWord {
		fatalf(ErrUnsafePatch, "%s to %#x changes %d instruction words", s, to, len(diff))
	}
	if len(diff) == 0 {
		return false
	}
	store := func() {
		for _, i := range diff {
			c.seg.SetWord(s.Addr+uint64(i)*insnWordSize, next[i])
		}
	}
	if len(diff) == 1 {
		store()
		Increment64(&c.stats.singleWord.C)
	} else {
		c.patchSeq.write(store)
	}
	c.flush(s.Addr, s.Size())
	Increment64(&c.stats.patches.C)
	c.trace(s, cond, from, to)
	return true
}

// writeSlot stores target into a TOC slot with one doubleword store.
func (c *CodeCache) writeSlot(s *PatchSite, slot, target uint64, cond Condition, from uint64) {
	if c.seg.Dword(slot) == target {
		return
	}
	c.seg.SetDword(slot, target)
	Increment64(&c.stats.slotWrites.C)
	Increment64(&c.stats.patches.C)
	c.trace(s, cond, from, target)
}

func (c *CodeCache) trace(s *PatchSite, cond Condition, from, to uint64) {
	ctx := context.Background()
	if !c.log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	c.log.LogAttrs(ctx, slog.LevelDebug, "patch",
		slog.String("site", s.String()),
		slog.String("cond", cond.String()),
		slog.String("from", hex(from)),
		slog.String("to", hex(to)),
		slog.Any("code", c.seg.Disassemble(s.Addr, s.Words)),
	)
}
