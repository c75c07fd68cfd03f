package patchkit

// ============================================================================
// Registers and conditions
// ============================================================================

// Register is a PPC general purpose register.
type Register uint8

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	R16
	R17
	R18
	R19
	R20
	R21
	R22
	R23
	R24
	R25
	R26
	R27
	R28
	R29
	R30
	R31
)

const (
	// RMethodTOC holds the TOC of the compilation unit being executed.
	RMethodTOC = R2
	// RGlobalTOC holds the global TOC of the code cache.
	RGlobalTOC = R29
)

// FloatRegister is a PPC floating-point register.
type FloatRegister uint8

const (
	F0 FloatRegister = iota
	F1
	F2
	F3
	F4
	F5
	F6
	F7
	F8
	F9
	F10
	F11
	F12
	F13
)

// CondRegister is one of the eight condition register fields.
type CondRegister uint8

const (
	CR0 CondRegister = iota
	CR1
	CR2
	CR3
	CR4
	CR5
	CR6
	CR7
)

type condBit uint8

const (
	condLT condBit = iota
	condGT
	condEQ
	condSO
)

// Cond is a branch condition: one bit of a CR field, tested for set or
// clear.
type Cond struct {
	cr  CondRegister
	bit condBit
	set bool
}

// LT branches on less than in cr.
func LT(cr CondRegister) Cond { return Cond{cr, condLT, true} }

// GE branches on not less than in cr.
func GE(cr CondRegister) Cond { return Cond{cr, condLT, false} }

// GT branches on greater than in cr.
func GT(cr CondRegister) Cond { return Cond{cr, condGT, true} }

// LE branches on not greater than in cr.
func LE(cr CondRegister) Cond { return Cond{cr, condGT, false} }

// EQ branches on equal in cr.
func EQ(cr CondRegister) Cond { return Cond{cr, condEQ, true} }

// NE branches on not equal in cr.
func NE(cr CondRegister) Cond { return Cond{cr, condEQ, false} }

// SO branches on summary overflow in cr.
func SO(cr CondRegister) Cond { return Cond{cr, condSO, true} }

// NS branches on not summary overflow in cr.
func NS(cr CondRegister) Cond { return Cond{cr, condSO, false} }

// Not returns the inverted condition.
func (c Cond) Not() Cond {
	c.set = !c.set
	return c
}

const (
	boTrue  = 0b01100 // branch if CR bit set
	boFalse = 0b00100 // branch if CR bit clear
)

func (c Cond) bo() uint32 {
	if c.set {
		return boTrue
	}
	return boFalse
}

func (c Cond) bi() uint32 {
	return uint32(c.cr)*4 + uint32(c.bit)
}

func condOf(bo, bi uint32) (Cond, bool) {
	c := Cond{cr: CondRegister(bi / 4), bit: condBit(bi % 4)}
	switch bo {
	case boTrue:
		c.set = true
	case boFalse:
	default:
		return Cond{}, false
	}
	return c, true
}

func (c Cond) String() string {
	names := [2][4]string{{"ge", "le", "ne", "ns"}, {"lt", "gt", "eq", "so"}}
	s := 0
	if c.set {
		s = 1
	}
	return names[s][c.bit] + " cr" + string(rune('0'+c.cr))
}

// ============================================================================
// Instruction encoding
// ============================================================================

const (
	insnWordSize = 4

	insnNop    uint32 = 0x60000000 // ori r0,r0,0
	insnSync   uint32 = 0x7c0004ac
	insnLwsync uint32 = 0x7c2004ac
	insnIsync  uint32 = 0x4c00012c
	insnBctr   uint32 = 0x4e800420
	insnBctrl  uint32 = 0x4e800421
	insnMtctr  uint32 = 0x7c0903a6 // mtspr 9,rS with rS=0

	opADDIC = 12
	opADDI  = 14
	opADDIS = 15
	opBC    = 16
	opB     = 18
	opORI   = 24
	opORIS  = 25
	opRLD   = 30
	opX     = 31
	opLWZ   = 32
	opSTW   = 36
	opLFD   = 50
	opSTFD  = 54
	opLD    = 58
	opSTD   = 62
	opSPE   = 4

	xoLWARX = 20
	xoCMP   = 0
	xoLDARX = 84
	xoSTWCX = 150
	xoSTDCX = 214
	xoADD   = 266
	xoOR    = 444

	xoEVLDD  = 0x301
	xoEVSTDD = 0x321

	immMask = 0xffff
)

// encD encodes a D-form instruction: op rt,ra,imm (for ori/oris rt is the
// source and ra the destination, matching the hardware field layout).
func encD(op uint32, rt, ra Register, imm uint16) uint32 {
	return op<<26 | uint32(rt&31)<<21 | uint32(ra&31)<<16 | uint32(imm)
}

// encDS encodes a DS-form load/store; the low two bits of ds are dropped.
func encDS(op uint32, rt, ra Register, ds uint16) uint32 {
	return op<<26 | uint32(rt&31)<<21 | uint32(ra&31)<<16 | uint32(ds&0xfffc)
}

// encX encodes an X-form instruction of primary opcode 31.
func encX(xo uint32, rt, ra, rb Register, rc bool) uint32 {
	w := opX<<26 | uint32(rt&31)<<21 | uint32(ra&31)<<16 | uint32(rb&31)<<11 | xo<<1
	if rc {
		w |= 1
	}
	return w
}

func encB(disp int64, link bool) uint32 {
	w := opB<<26 | uint32(disp)&0x03fffffc
	if link {
		w |= 1
	}
	return w
}

func encBC(bo, bi uint32, disp int64) uint32 {
	return opBC<<26 | (bo&31)<<21 | (bi&31)<<16 | uint32(disp)&0xfffc
}

func encLis(rt Register, imm uint16) uint32 { return encD(opADDIS, rt, R0, imm) }
func encAddis(rt, ra Register, imm uint16) uint32 { return encD(opADDIS, rt, ra, imm) }
func encAddi(rt, ra Register, imm uint16) uint32 { return encD(opADDI, rt, ra, imm) }
func encAddic(rt, ra Register, imm int16) uint32 { return encD(opADDIC, rt, ra, uint16(imm)) }
func encOri(ra, rs Register, imm uint16) uint32 { return encD(opORI, rs, ra, imm) }
func encOris(ra, rs Register, imm uint16) uint32 { return encD(opORIS, rs, ra, imm) }
func encLwz(rt, ra Register, d int16) uint32 { return encD(opLWZ, rt, ra, uint16(d)) }
func encStw(rs, ra Register, d int16) uint32 { return encD(opSTW, rs, ra, uint16(d)) }
func encLd(rt, ra Register, ds int16) uint32 { return encDS(opLD, rt, ra, uint16(ds)) }
func encStd(rs, ra Register, ds int16) uint32 { return encDS(opSTD, rs, ra, uint16(ds)) }
func encLfd(ft FloatRegister, ra Register, d int16) uint32 {
	return encD(opLFD, Register(ft), ra, uint16(d))
}
func encStfd(fs FloatRegister, ra Register, d int16) uint32 {
	return encD(opSTFD, Register(fs), ra, uint16(d))
}
func encMr(ra, rs Register) uint32 { return encX(xoOR, rs, ra, rs, false) }
func encMtctr(rs Register) uint32 { return insnMtctr | uint32(rs&31)<<21 }
func encAdd(rt, ra, rb Register) uint32 {
	return encX(xoADD, rt, ra, rb, false)
}

// encCmp encodes cmpw (64=false) or cmpd (64=true) into CR0.
func encCmp(ra, rb Register, dword bool) uint32 {
	w := encX(xoCMP, 0, ra, rb, false)
	if dword {
		w |= 1 << 21
	}
	return w
}

// encEv encodes the SPE doubleword load/store evldd/evstdd.
func encEv(xo uint32, rt, ra Register, off uint16) uint32 {
	return opSPE<<26 | uint32(rt&31)<<21 | uint32(ra&31)<<16 | uint32(off/8&31)<<11 | xo
}

// encSldi32 encodes sldi ra,rs,32 (rldicr ra,rs,32,31).
func encSldi32(ra, rs Register) uint32 {
	const sh, me = 32, 31
	mb6 := uint32(me&31)<<1 | me>>5
	return opRLD<<26 | uint32(rs&31)<<21 | uint32(ra&31)<<16 | (sh&31)<<11 | mb6<<5 | 1<<2 | (sh>>5)<<1
}

func encBctr(link bool) uint32 {
	if link {
		return insnBctrl
	}
	return insnBctr
}

// ============================================================================
// Instruction decoding
// ============================================================================

func primaryOp(w uint32) uint32 { return w >> 26 }

func imm16(w uint32) uint16 { return uint16(w & immMask) }

func withImm16(w uint32, imm uint16) uint32 { return w&^immMask | uint32(imm) }

// hasPrefix reports whether w matches the instruction want in everything
// but its 16-bit immediate.
func hasPrefix(w, want uint32) bool { return w&^immMask == want&^immMask }

// isB reports whether w is an unconditional relative b or bl.
func isB(w uint32, link bool) bool {
	if primaryOp(w) != opB || w&2 != 0 {
		return false
	}
	return (w&1 != 0) == link
}

func bDisp(w uint32) int64 {
	return int64(int32((w&0x03fffffc)<<6) >> 6)
}

func withBDisp(w uint32, disp int64) uint32 {
	return w&^0x03fffffc | uint32(disp)&0x03fffffc
}

// isBC reports whether w is a relative bc without link.
func isBC(w uint32) bool {
	return primaryOp(w) == opBC && w&3 == 0
}

func bcDisp(w uint32) int64 { return int64(int16(w & 0xfffc)) }

func bcBO(w uint32) uint32 { return (w >> 21) & 31 }

func bcBI(w uint32) uint32 { return (w >> 16) & 31 }

// ============================================================================
// Reach
// ============================================================================

const (
	bReach  = 1 << 25 // ±32 MiB
	bcReach = 1 << 15 // ±32 KiB
)

// fitsB reports whether disp is encodable in a b/bl instruction.
func fitsB(disp int64) bool {
	return disp&3 == 0 && disp >= -bReach && disp < bReach
}

// fitsBC reports whether disp is encodable in a bc instruction.
func fitsBC(disp int64) bool {
	return disp&3 == 0 && disp >= -bcReach && disp < bcReach
}

// splitHA splits off into the high-adjusted and low halves used by an
// addis/addi (or addis/ld) pair. The low half is sign-extended by the
// hardware, so the high half is rounded up when bit 15 is set.
func splitHA(off int64) (hi, lo uint16, ok bool) {
	l := int16(off)
	h := (off - int64(l)) >> 16
	if h < -1<<15 || h >= 1<<15 {
		return 0, 0, false
	}
	return uint16(h), uint16(l), true
}

func joinHA(hi, lo uint16) int64 {
	return int64(int16(hi))<<16 + int64(int16(lo))
}
