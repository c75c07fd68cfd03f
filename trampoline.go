package patchkit

import (
	"context"
	"log/slog"
)

// Trampoline stubs extend the reach of pc-relative call and jump sites.
// A stub lives in the stub section of the host's buffer and jumps through a
// slot of the buffer's TOC:
//
//	addis r12,r29,hi   # r12 = unit TOC, from the global TOC
//	addi  r12,r12,lo
//	addis r12,r12,hi   # r12 = *slot
//	ld    r12,lo(r12)
//	mtctr r12
//	bctr
//
// Retargeting the logical destination of a host routed through a stub
// rewrites the slot; the host and the stub instructions stay untouched.
const (
	TrampolineStubWords = 6
	TrampolineStubSize  = TrampolineStubWords * insnWordSize
)

// TrampolineStub returns the stub of the assembler's buffer jumping to
// target, emitting it if the buffer has none yet.
func (a *Assembler) TrampolineStub(target uint64) *PatchSite {
	a.buf.stubMu.Lock()
	defer a.buf.stubMu.Unlock()
	s, _ := a.c.sites.Lookup(a.buf.stubForLocked(target))
	return s
}

// acquireStub returns the stub jumping to target and counts one more host
// branching to it.
func (b *CodeBuffer) acquireStub(target uint64) uint64 {
	b.stubMu.Lock()
	defer b.stubMu.Unlock()
	stub := b.stubForLocked(target)
	b.stubHosts[stub]++
	return stub
}

func (b *CodeBuffer) stubForLocked(target uint64) uint64 {
	if stub, ok := b.stubs[target]; ok {
		return stub
	}
	stub := b.emitStub(target)
	b.stubs[target] = stub
	return stub
}

func (b *CodeBuffer) emitStub(target uint64) uint64 {
	c := b.cache
	if b.Stubs.Remaining() < TrampolineStubSize {
		fatalf(ErrBufferFull, "stubs section: no room for a trampoline to %#x", target)
	}
	tocHi, tocLo, ok := splitHA(int64(b.TOC() - c.globalTOC))
	if !ok {
		fatalf(ErrOutOfRange, "unit TOC %#x beyond ±2 GiB of the global TOC %#x", b.TOC(), c.globalTOC)
	}
	slot := b.AllocSlot(target)
	slotHi, slotLo, ok := splitHA(int64(slot - b.TOC()))
	if !ok {
		fatalf(ErrOutOfRange, "TOC slot %#x", slot)
	}
	addr := b.emit(&b.Stubs,
		encAddis(R12, RGlobalTOC, tocHi),
		encAddi(R12, R12, tocLo),
		encAddis(R12, R12, slotHi),
		encLd(R12, R12, int16(slotLo)),
		encMtctr(R12),
		insnBctr,
	)
	c.sites.register(&PatchSite{Addr: addr, Kind: KindTrampoline, Words: TrampolineStubWords, cache: c})
	c.flush(addr, TrampolineStubSize)
	Increment64(&c.stats.trampolines.C)

	if ctx := context.Background(); c.log.Enabled(ctx, slog.LevelDebug) {
		c.log.LogAttrs(ctx, slog.LevelDebug, "trampoline",
			slog.String("stub", hex(addr)),
			slog.String("slot", hex(slot)),
			slog.String("target", hex(target)),
		)
	}
	return addr
}

// moveStubLocked keeps the dedup table in step with a stub whose slot now
// holds to instead of from.
func (b *CodeBuffer) moveStubLocked(stub, from, to uint64) {
	if b.stubs[from] == stub {
		delete(b.stubs, from)
	}
	if _, ok := b.stubs[to]; !ok {
		b.stubs[to] = stub
	}
}

func (c *CodeCache) decodeStub(ws []uint32) (Target, bool) {
	if len(ws) != TrampolineStubWords ||
		!hasPrefix(ws[0], encAddis(R12, RGlobalTOC, 0)) ||
		!hasPrefix(ws[1], encAddi(R12, R12, 0)) ||
		!hasPrefix(ws[2], encAddis(R12, R12, 0)) ||
		!hasPrefix(ws[3], encLd(R12, R12, 0)) ||
		ws[4] != encMtctr(R12) ||
		ws[5] != insnBctr {
		return Target{}, false
	}
	toc := c.globalTOC + uint64(joinHA(imm16(ws[0]), imm16(ws[1])))
	slot := toc + uint64(joinHA(imm16(ws[2]), imm16(ws[3])))
	if slot&7 != 0 || !c.seg.Contains(slot, 8) {
		return Target{}, false
	}
	return Target{Addr: c.seg.Dword(slot), Form: FormMethodTOC, Slot: slot}, true
}

// retargetHostLocked retargets a pc-relative host currently routed through
// cur.Stub. A stub owned by the host alone gets its slot rewritten; a
// shared one is left to its other hosts and the host moves to a stub for
// target. It returns the new branch destination of the host. Host counts
// change only once the destination stub exists.
func (b *CodeBuffer) retargetHostLocked(cur Target, target uint64) (dest uint64, slotOnly bool) {
	if other, ok := b.stubs[target]; ok && other != cur.Stub {
		b.stubHosts[cur.Stub]--
		b.stubHosts[other]++
		return other, false
	}
	if b.stubHosts[cur.Stub] <= 1 {
		b.moveStubLocked(cur.Stub, cur.Addr, target)
		return cur.Stub, true
	}
	stub := b.stubForLocked(target)
	b.stubHosts[cur.Stub]--
	b.stubHosts[stub]++
	return stub, false
}
