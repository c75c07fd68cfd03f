package patchkit

// Absolute 64-bit patchable calls and jumps. Every form is seven words;
// once emitted the instruction shape is fixed and patches rewrite only
// constant operands, a TOC slot or a branch displacement.
//
//	immediate:   lis r12,A; ori r12,r12,B; sldi r12,r12,32; oris r12,r12,C; ori r12,r12,D; mtctr r12; bctr[l]
//	global TOC:  mr r0,r11; addis r11,r29,hi; addi r11,r11,lo; mtctr r11; mr r11,r0; nop; bctr[l]
//	method TOC:  addis r12,r2,hi; ld r12,lo(r12); nop; nop; nop; mtctr r12; bctr[l]
//	pc-relative: nop x6; bl dest          (call)
//	             b dest; nop x6           (jump)
const (
	Patchable64Words = 7
	Patchable64Size  = Patchable64Words * insnWordSize
	// Patchable64ReturnOffset is the distance from the start of a call
	// site to its return address, identical for every form.
	Patchable64ReturnOffset = Patchable64Size
)

// Call64 appends a patchable call to target.
func (a *Assembler) Call64(target uint64, form Form) *PatchSite {
	return a.Patchable64(target, true, form)
}

// Jump64 appends a patchable jump to target.
func (a *Assembler) Jump64(target uint64, form Form) *PatchSite {
	return a.Patchable64(target, false, form)
}

// Patchable64 appends a seven-word call (link set) or jump to target in the
// given form. FormAuto picks pc-relative when WithReoptimizeCallSequences
// is set and target is within reach, else method TOC when the buffer has
// constant space left, else immediate.
func (a *Assembler) Patchable64(target uint64, link bool, form Form) *PatchSite {
	if !a.v.Word64 {
		fatalf(ErrUnsupported, "64-bit patchable sequence on variant %q", a.v.Name)
	}
	addr := a.PC()
	// Stubs and slots are claimed below, so a full buffer is refused first.
	if a.buf.Insts.Remaining() < Patchable64Size {
		fatalf(ErrBufferFull, "insts section: no room for a patchable sequence at %#x", addr)
	}
	if form == FormAuto {
		switch {
		case a.c.cfg.reoptimize && fitsB(int64(target-pcRelBranchAddr(addr, link))):
			form = FormPCRelative
		case a.buf.Consts.Remaining() >= 8:
			form = FormMethodTOC
		default:
			form = FormImmediate
		}
	}

	var ws [Patchable64Words]uint32
	switch form {
	case FormImmediate:
		ws = immediateWords(target, link)
	case FormGlobalTOC:
		hi, lo := a.c.globalTOCOffset(target)
		ws = [...]uint32{
			encMr(R0, R11),
			encAddis(R11, RGlobalTOC, hi),
			encAddi(R11, R11, lo),
			encMtctr(R11),
			encMr(R11, R0),
			insnNop,
			encBctr(link),
		}
	case FormMethodTOC:
		slot := a.buf.AllocSlot(target)
		hi, lo, ok := splitHA(int64(slot - a.buf.TOC()))
		if !ok {
			fatalf(ErrOutOfRange, "TOC slot %#x", slot)
		}
		ws = [...]uint32{
			encAddis(R12, RMethodTOC, hi),
			encLd(R12, R12, int16(lo)),
			insnNop,
			insnNop,
			insnNop,
			encMtctr(R12),
			encBctr(link),
		}
	case FormPCRelative:
		dest := target
		if !fitsB(int64(target - pcRelBranchAddr(addr, link))) {
			dest = a.buf.acquireStub(target)
		}
		ws = pcRelWords(addr, dest, link)
	default:
		fatalf(ErrUnsupported, "patchable form %s", form)
	}

	a.Emit(ws[:]...)
	kind := KindJump64
	if link {
		kind = KindCall64
	}
	return a.newSite(addr, kind, Patchable64Words)
}

func immediateWords(target uint64, link bool) [Patchable64Words]uint32 {
	return [...]uint32{
		encLis(R12, uint16(target>>48)),
		encOri(R12, R12, uint16(target>>32)),
		encSldi32(R12, R12),
		encOris(R12, R12, uint16(target>>16)),
		encOri(R12, R12, uint16(target)),
		encMtctr(R12),
		encBctr(link),
	}
}

// pcRelBranchAddr returns the address of the branch word of a pc-relative
// site.
func pcRelBranchAddr(addr uint64, link bool) uint64 {
	if link {
		return addr + (Patchable64Words-1)*insnWordSize
	}
	return addr
}

func pcRelWords(addr, dest uint64, link bool) [Patchable64Words]uint32 {
	var ws [Patchable64Words]uint32
	for i := range ws {
		ws[i] = insnNop
	}
	at := pcRelBranchAddr(addr, link)
	disp := int64(dest - at)
	if !fitsB(disp) {
		fatalf(ErrOutOfRange, "pc-relative branch at %#x to %#x", at, dest)
	}
	ws[(at-addr)/insnWordSize] = encB(disp, link)
	return ws
}

func (c *CodeCache) globalTOCOffset(target uint64) (hi, lo uint16) {
	hi, lo, ok := splitHA(int64(target - c.globalTOC))
	if !ok {
		fatalf(ErrOutOfRange, "target %#x beyond ±2 GiB of the global TOC %#x", target, c.globalTOC)
	}
	return hi, lo
}

// decodePatchable64 identifies the form of the seven words ws at addr and
// returns the target they branch to. Stub routing is resolved by the
// caller.
func (c *CodeCache) decodePatchable64(addr uint64, ws []uint32, link bool) (Target, bool) {
	if len(ws) != Patchable64Words {
		return Target{}, false
	}
	switch w0 := ws[0]; {
	case w0 == encMr(R0, R11):
		if hasPrefix(ws[1], encAddis(R11, RGlobalTOC, 0)) &&
			hasPrefix(ws[2], encAddi(R11, R11, 0)) &&
			ws[3] == encMtctr(R11) &&
			ws[4] == encMr(R11, R0) &&
			ws[5] == insnNop &&
			ws[6] == encBctr(link) {
			off := joinHA(imm16(ws[1]), imm16(ws[2]))
			return Target{Addr: c.globalTOC + uint64(off), Form: FormGlobalTOC}, true
		}
	case hasPrefix(w0, encLis(R12, 0)):
		if hasPrefix(ws[1], encOri(R12, R12, 0)) &&
			ws[2] == encSldi32(R12, R12) &&
			hasPrefix(ws[3], encOris(R12, R12, 0)) &&
			hasPrefix(ws[4], encOri(R12, R12, 0)) &&
			ws[5] == encMtctr(R12) &&
			ws[6] == encBctr(link) {
			t := uint64(imm16(ws[0]))<<48 | uint64(imm16(ws[1]))<<32 |
				uint64(imm16(ws[3]))<<16 | uint64(imm16(ws[4]))
			return Target{Addr: t, Form: FormImmediate}, true
		}
	case hasPrefix(w0, encAddis(R12, RMethodTOC, 0)):
		if hasPrefix(ws[1], encLd(R12, R12, 0)) &&
			ws[2] == insnNop && ws[3] == insnNop && ws[4] == insnNop &&
			ws[5] == encMtctr(R12) &&
			ws[6] == encBctr(link) {
			b := c.FindBuffer(addr)
			if b == nil {
				return Target{}, false
			}
			slot := b.TOC() + uint64(joinHA(imm16(ws[0]), imm16(ws[1])))
			if !c.seg.Contains(slot, 8) || slot&7 != 0 {
				return Target{}, false
			}
			return Target{Addr: c.seg.Dword(slot), Form: FormMethodTOC, Slot: slot}, true
		}
	default:
		at := pcRelBranchAddr(addr, link)
		bi := int((at - addr) / insnWordSize)
		for i, w := range ws {
			if i == bi {
				if !isB(w, link) {
					return Target{}, false
				}
			} else if w != insnNop {
				return Target{}, false
			}
		}
		return Target{Addr: at + uint64(bDisp(ws[bi])), Form: FormPCRelative}, true
	}
	return Target{}, false
}

// repatchPatchable64 returns the words of a non-slot form retargeted to
// target.
func (c *CodeCache) repatchPatchable64(ws []uint32, cur Target, target uint64) []uint32 {
	out := append([]uint32(nil), ws...)
	switch cur.Form {
	case FormImmediate:
		out[0] = withImm16(ws[0], uint16(target>>48))
		out[1] = withImm16(ws[1], uint16(target>>32))
		out[3] = withImm16(ws[3], uint16(target>>16))
		out[4] = withImm16(ws[4], uint16(target))
	case FormGlobalTOC:
		hi, lo := c.globalTOCOffset(target)
		out[1] = withImm16(ws[1], hi)
		out[2] = withImm16(ws[2], lo)
	}
	return out
}
