package patchkit

// Reservation loops emitted for generated code. Every loop retries
// unboundedly when the conditional store loses its reservation.

// boFalseUnlikely is bo for "branch if CR bit clear", predicted not taken.
const boFalseUnlikely = 0b00110

func (a *Assembler) larx(w Width, rt, ra Register) uint32 {
	if w == Width64 {
		return encX(xoLDARX, rt, R0, ra, false)
	}
	return encX(xoLWARX, rt, R0, ra, false)
}

func (a *Assembler) stcx(w Width, rs, ra Register) uint32 {
	if w == Width64 {
		return encX(xoSTDCX, rs, R0, ra, true)
	}
	return encX(xoSTWCX, rs, R0, ra, true)
}

// bneCR0 branches to the word disp bytes away when the last compare or
// stcx. cleared CR0[EQ].
func bneCR0(disp int64) uint32 {
	return encBC(boFalseUnlikely, NE(CR0).bi(), disp)
}

// AtomicLoad appends a single-copy atomic load of width w from off(ra).
// 64-bit loads on 32-bit cores go through AtomicCopy64 instead.
func (a *Assembler) AtomicLoad(w Width, rt, ra Register, off int16) {
	if w == Width64 {
		if !a.v.Word64 {
			fatalf(ErrUnsupported, "64-bit load on variant %q; use AtomicCopy64", a.v.Name)
		}
		a.Emit(encLd(rt, ra, off))
		return
	}
	a.Emit(encLwz(rt, ra, off))
}

// AtomicStore appends a single-copy atomic store of width w to off(ra).
func (a *Assembler) AtomicStore(w Width, rs, ra Register, off int16) {
	if w == Width64 {
		if !a.v.Word64 {
			fatalf(ErrUnsupported, "64-bit store on variant %q; use AtomicCopy64", a.v.Name)
		}
		a.Emit(encStd(rs, ra, off))
		return
	}
	a.Emit(encStw(rs, ra, off))
}

// AtomicCopy64 appends an 8-byte single-copy atomic move from
// srcOff(src) to dstOff(dst).
//
// 32-bit cores have no 8-byte integer access. The move goes through the
// floating-point register ftmp instead, whose lfd/stfd are single-copy
// atomic for aligned doublewords; SPE cores use evldd/evstdd on R0, the
// 64-bit view of the GPR. Only the transfer is atomic: the value is not
// meant to be interpreted in the intermediate register.
func (a *Assembler) AtomicCopy64(dst Register, dstOff int16, src Register, srcOff int16, ftmp FloatRegister) {
	switch {
	case a.v.Word64:
		a.Emit(encLd(R0, src, srcOff), encStd(R0, dst, dstOff))
	case a.v.SPE:
		for _, off := range []int16{srcOff, dstOff} {
			if off < 0 || off > 31*8 || off&7 != 0 {
				fatalf(ErrOutOfRange, "SPE doubleword offset %d", off)
			}
		}
		a.Emit(
			encEv(xoEVLDD, R0, src, uint16(srcOff)),
			encEv(xoEVSTDD, R0, dst, uint16(dstOff)),
		)
	default:
		a.Emit(encLfd(ftmp, src, srcOff), encStfd(ftmp, dst, dstOff))
	}
}

// AtomicAdd appends rt = *ra + rv with acquire and release ordering:
//
//	lwsync; 1: l[wd]arx rt,0,ra; add rt,rt,rv; st[wd]cx. rt,0,ra; bne- 1b; isync
func (a *Assembler) AtomicAdd(w Width, rt, rv, ra Register) {
	a.v.require(w)
	a.Barrier(BarrierRelease)
	a.Emit(
		a.larx(w, rt, ra),
		encAdd(rt, rt, rv),
		a.stcx(w, rt, ra),
		bneCR0(-12),
	)
	a.Isync()
}

// AtomicIncrement appends rt = ++*ra. With BarrierNone the bare loop is
// emitted, fit for statistics counters; any other order brackets it like
// AtomicAdd.
func (a *Assembler) AtomicIncrement(w Width, rt, ra Register, order Barrier) {
	a.addImm(w, rt, ra, 1, order)
}

// AtomicDecrement appends rt = --*ra, ordered like AtomicIncrement.
func (a *Assembler) AtomicDecrement(w Width, rt, ra Register, order Barrier) {
	a.addImm(w, rt, ra, -1, order)
}

func (a *Assembler) addImm(w Width, rt, ra Register, delta int16, order Barrier) {
	a.v.require(w)
	if order != BarrierNone {
		a.Barrier(BarrierRelease)
	}
	a.Emit(
		a.larx(w, rt, ra),
		encAddic(rt, rt, delta),
		a.stcx(w, rt, ra),
		bneCR0(-12),
	)
	if order != BarrierNone {
		a.Isync()
	}
}

// AtomicExchange appends rold = *ra; *ra = rnew:
//
//	lwsync; 1: l[wd]arx rold,0,ra; st[wd]cx. rnew,0,ra; bne- 1b; sync
func (a *Assembler) AtomicExchange(w Width, rold, rnew, ra Register) {
	a.v.require(w)
	a.Barrier(BarrierRelease)
	a.Emit(
		a.larx(w, rold, ra),
		a.stcx(w, rnew, ra),
		bneCR0(-8),
	)
	a.Barrier(BarrierFence)
}

// CompareAndExchange appends a sequentially consistent compare-and-swap:
// rold receives the value observed at ra, and rnew is stored when it
// equals rcmp. The plain load in front keeps failing compares from taking
// a reservation:
//
//	    sync
//	    l[wz|d]  rold,0(ra)
//	    cmp      rold,rcmp
//	    bne-     2f
//	1:  l[wd]arx rold,0,ra
//	    cmp      rold,rcmp
//	    bne-     2f
//	    st[wd]cx. rnew,0,ra
//	    bne-     1b
//	2:  sync
//
// CR0[EQ] is set on success.
func (a *Assembler) CompareAndExchange(w Width, rold, rnew, rcmp, ra Register) {
	a.v.require(w)
	dword := w == Width64
	load := encLwz(rold, ra, 0)
	if dword {
		load = encLd(rold, ra, 0)
	}
	a.Barrier(BarrierFence)
	a.Emit(
		load,
		encCmp(rold, rcmp, dword),
		bneCR0(24),
		a.larx(w, rold, ra),
		encCmp(rold, rcmp, dword),
		bneCR0(12),
		a.stcx(w, rnew, ra),
		bneCR0(-16),
	)
	a.Barrier(BarrierFence)
}
