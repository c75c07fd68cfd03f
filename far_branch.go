package patchkit

// Far conditional branches.
//
// A site is one or two words:
//
//	near:      bc   cond,dest
//	far:       bc   !cond,+8
//	           b    dest
//	collapsed: bc   cond,dest       (a far site relocated near)
//	           nop
//
// The optimize flag chosen at emission is kept on the PatchSite and decides
// every later relocation of the site.

// FarBranch appends a conditional branch to dest that may lie beyond the
// reach of bc. With optimize set and dest within ±32 KiB the site is a
// single bc; otherwise it is the two-word far form.
func (a *Assembler) FarBranch(cond Cond, dest uint64, optimize bool) *PatchSite {
	addr := a.PC()
	if optimize && fitsBC(int64(dest-addr)) {
		a.Emit(encBC(cond.bo(), cond.bi(), int64(dest-addr)))
		s := a.newSite(addr, KindFarBranch, 1)
		s.Optimize = true
		return s
	}
	disp := int64(dest - (addr + insnWordSize))
	if !fitsB(disp) {
		fatalf(ErrOutOfRange, "far branch at %#x to %#x", addr, dest)
	}
	inv := cond.Not()
	a.Emit(encBC(inv.bo(), inv.bi(), 2*insnWordSize), encB(disp, false))
	s := a.newSite(addr, KindFarBranch, 2)
	s.Optimize = optimize
	return s
}

// FarBranchTo appends a far branch to l. An unbound label always gets the
// two-word form, pointing at the b itself until Bind relocates it.
func (a *Assembler) FarBranchTo(cond Cond, l *Label, optimize bool) *PatchSite {
	if l.bound {
		return a.FarBranch(cond, l.addr, optimize)
	}
	s := a.FarBranch(cond, a.PC()+insnWordSize, false)
	s.Optimize = optimize
	l.uses = append(l.uses, s)
	return s
}

// farBranch is a decoded far branch site.
type farBranch struct {
	form Form
	cond Cond // condition under which dest is taken
	dest uint64
}

func decodeFarBranch(addr uint64, ws []uint32) (farBranch, bool) {
	w0 := ws[0]
	if !isBC(w0) {
		return farBranch{}, false
	}
	cond, ok := condOf(bcBO(w0), bcBI(w0))
	if !ok {
		return farBranch{}, false
	}
	if len(ws) == 1 {
		return farBranch{FormNear, cond, addr + uint64(bcDisp(w0))}, true
	}
	switch w1 := ws[1]; {
	case w1 == insnNop:
		return farBranch{FormNear, cond, addr + uint64(bcDisp(w0))}, true
	case isB(w1, false) && bcDisp(w0) == 2*insnWordSize:
		return farBranch{FormFar, cond.Not(), addr + insnWordSize + uint64(bDisp(w1))}, true
	}
	return farBranch{}, false
}

// relocateFarBranch returns the words of the site s (currently fb) after
// relocation to dest.
func relocateFarBranch(s *PatchSite, ws []uint32, fb farBranch, dest uint64) ([]uint32, bool) {
	out := append([]uint32(nil), ws...)
	near := fitsBC(int64(dest - s.Addr))
	switch fb.form {
	case FormNear:
		if !near {
			fatalf(ErrUnsupported,
				"far branch %s holds a single bc; relocating it to far target %#x would need a second instruction",
				s, dest)
		}
		out[0] = encBC(fb.cond.bo(), fb.cond.bi(), int64(dest-s.Addr))
		return out, false
	default:
		if near && s.Optimize {
			out[0] = encBC(fb.cond.bo(), fb.cond.bi(), int64(dest-s.Addr))
			out[1] = insnNop
			return out, true
		}
		disp := int64(dest - (s.Addr + insnWordSize))
		if !fitsB(disp) {
			fatalf(ErrOutOfRange, "far branch %s to %#x", s, dest)
		}
		out[1] = withBDisp(ws[1], disp)
		return out, false
	}
}
