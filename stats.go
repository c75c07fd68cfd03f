package patchkit

import (
	"fmt"

	"github.com/llxisdsh/patchkit/internal/opt"
)

// cacheStats counts patch activity. Each counter has its own cache line
// since patches run on arbitrary goroutines.
type cacheStats struct {
	patches     opt.CounterStripe_
	singleWord  opt.CounterStripe_
	slotWrites  opt.CounterStripe_
	collapses   opt.CounterStripe_
	trampolines opt.CounterStripe_
	redirects   opt.CounterStripe_
}

// Stats is a snapshot of the patch activity of a CodeCache.
type Stats struct {
	// Patches is the number of PatchTarget calls that changed code or a
	// TOC slot.
	Patches uint64
	// SingleWordPatches counts patches that rewrote exactly one
	// instruction word.
	SingleWordPatches uint64
	// SlotPatches counts patches that only rewrote a TOC slot.
	SlotPatches uint64
	// Collapses counts far branches relocated into their single-bc form.
	Collapses uint64
	// Trampolines is the number of trampoline stubs emitted.
	Trampolines uint64
	// Redirects counts pc-relative sites routed through a stub at patch
	// time.
	Redirects uint64
	// Sites is the number of live patch sites.
	Sites int
}

// Stats returns a snapshot of the cache's patch counters.
func (c *CodeCache) Stats() Stats {
	return Stats{
		Patches:           Load64(&c.stats.patches.C),
		SingleWordPatches: Load64(&c.stats.singleWord.C),
		SlotPatches:       Load64(&c.stats.slotWrites.C),
		Collapses:         Load64(&c.stats.collapses.C),
		Trampolines:       Load64(&c.stats.trampolines.C),
		Redirects:         Load64(&c.stats.redirects.C),
		Sites:             c.sites.Len(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"patches=%d single-word=%d slot=%d collapses=%d trampolines=%d redirects=%d sites=%d",
		s.Patches, s.SingleWordPatches, s.SlotPatches, s.Collapses, s.Trampolines, s.Redirects, s.Sites,
	)
}
