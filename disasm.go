package patchkit

import (
	"fmt"
	"strconv"

	"golang.org/x/arch/ppc64/ppc64asm"
)

// Disassemble renders n instruction words starting at addr in GNU syntax,
// one line per word prefixed with its address. Words that do not decode
// are shown as .long directives.
func (s *Segment) Disassemble(addr uint64, n int) []string {
	out := make([]string, 0, n)
	for i, b := 0, s.Bytes(addr, n); i < n; i++ {
		pc := addr + uint64(i)*insnWordSize
		raw := b[i*insnWordSize : (i+1)*insnWordSize]
		text := fmt.Sprintf(".long %#08x", s.order.Uint32(raw))
		if inst, err := ppc64asm.Decode(raw, s.order); err == nil {
			text = ppc64asm.GNUSyntax(inst, pc)
		}
		out = append(out, fmt.Sprintf("%#x: %s", pc, text))
	}
	return out
}

// Disassemble renders the words of the site.
func (s *PatchSite) Disassemble() []string {
	return s.cache.seg.Disassemble(s.Addr, s.Words)
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
