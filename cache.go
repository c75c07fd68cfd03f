package patchkit

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
)

// CodeCache owns a segment of code memory, hands out CodeBuffers (one per
// compilation unit) and performs every decode and patch of the sites
// emitted into them.
//
// Concurrency:
//   - Emission into a CodeBuffer belongs to the goroutine compiling it.
//   - Decode, patch and lookup methods may be called from any goroutine.
//   - Multi-word patches additionally need one of the Condition
//     preconditions; see PatchTarget.
type CodeCache struct {
	_         noCopy
	cfg       CacheConfig
	variant   Variant
	seg       *Segment
	top       Word64 // next free offset in seg
	globalTOC uint64
	log       *slog.Logger

	unitsMu rwLock32
	units   []*CodeBuffer // sorted by start address

	sites    SiteTable
	patchSeq seqLock32
	stats    cacheStats
}

// NewCodeCache allocates a code cache of size bytes.
func NewCodeCache(size int, options ...func(*CacheConfig)) (*CodeCache, error) {
	var cfg CacheConfig
	for _, o := range options {
		o(&cfg)
	}
	if !cfg.hasVariant {
		cfg.variant = HostVariant()
	}
	if err := cfg.variant.Validate(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: code cache size %d", ErrCacheFull, size)
	}
	if cfg.hasBase && cfg.base&7 != 0 {
		return nil, fmt.Errorf("%w: segment base %#x is not 8-byte aligned", ErrUnsupported, cfg.base)
	}

	var seg *Segment
	if cfg.executable {
		var err error
		if seg, err = newExecSegment(uint64(size), cfg.variant.Order); err != nil {
			return nil, err
		}
	} else {
		seg = newHeapSegment(uint64(size), cfg.base, cfg.hasBase, cfg.variant.Order)
	}

	c := &CodeCache{
		cfg:       cfg,
		variant:   cfg.variant,
		seg:       seg,
		globalTOC: seg.base + seg.size/2,
		log:       cfg.logger,
	}
	if cfg.hasGlobalTOC {
		c.globalTOC = cfg.globalTOC
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

// Close releases the segment. No buffer of the cache may be used after
// Close.
func (c *CodeCache) Close() error {
	c.unitsMu.Lock()
	c.units = nil
	c.unitsMu.Unlock()
	c.sites.clear()
	return c.seg.release()
}

// Variant returns the core variant code is generated for.
func (c *CodeCache) Variant() Variant { return c.variant }

// Segment returns the code memory of the cache.
func (c *CodeCache) Segment() *Segment { return c.seg }

// GlobalTOC returns the value generated code keeps in RGlobalTOC.
func (c *CodeCache) GlobalTOC() uint64 { return c.globalTOC }

// Sites returns the table of live patch sites.
func (c *CodeCache) Sites() *SiteTable { return &c.sites }

// NewBuffer carves a compilation unit out of the cache with room for
// insts bytes of code, stubs bytes of trampoline stubs and consts bytes of
// TOC constants.
func (c *CodeCache) NewBuffer(insts, stubs, consts int) (*CodeBuffer, error) {
	if insts < 0 || stubs < 0 || consts < 0 {
		return nil, fmt.Errorf("%w: negative section size", ErrCacheFull)
	}
	ni := alignUp(uint64(insts), insnWordSize)
	ns := alignUp(uint64(stubs), insnWordSize)
	nc := alignUp(uint64(consts), 8)
	total := alignUp(ni+ns, 8) + nc

	// The bump pointer is shared by every compiling goroutine.
	var off uint64
	for {
		off = c.top.Load()
		if off+total > c.seg.size || off+total < off {
			return nil, fmt.Errorf("%w: need %d bytes, %d left", ErrCacheFull, total, c.seg.size-off)
		}
		if c.top.CompareAndExchange(off, off+total) == off {
			break
		}
	}

	start := c.seg.base + off
	b := &CodeBuffer{
		cache:     c,
		start:     start,
		end:       start + total,
		stubs:     make(map[uint64]uint64),
		stubHosts: make(map[uint64]int),
	}
	b.Insts.init("insts", start, start+ni)
	b.Stubs.init("stubs", start+ni, start+ni+ns)
	b.Consts.init("consts", start+alignUp(ni+ns, 8), start+total)

	c.unitsMu.Lock()
	i := sort.Search(len(c.units), func(i int) bool { return c.units[i].start >= start })
	c.units = slices.Insert(c.units, i, b)
	c.unitsMu.Unlock()
	return b, nil
}

// FindBuffer returns the buffer containing addr, or nil.
func (c *CodeCache) FindBuffer(addr uint64) *CodeBuffer {
	c.unitsMu.RLock()
	defer c.unitsMu.RUnlock()
	i := sort.Search(len(c.units), func(i int) bool { return c.units[i].end > addr })
	if i < len(c.units) && c.units[i].start <= addr {
		return c.units[i]
	}
	return nil
}

// Free retires a buffer when its compiled method is freed: the buffer is
// dropped from the directory and its patch sites are destroyed. The code
// space itself is not reused.
func (c *CodeCache) Free(b *CodeBuffer) {
	c.unitsMu.Lock()
	if i := slices.Index(c.units, b); i >= 0 {
		c.units = slices.Delete(c.units, i, i+1)
	}
	c.unitsMu.Unlock()
	c.sites.removeRange(b.start, b.end)
}

func (c *CodeCache) flush(addr, n uint64) {
	if c.cfg.icacheFlush != nil {
		c.cfg.icacheFlush(addr, n)
	}
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// ============================================================================
// CodeBuffer
// ============================================================================

// Section is a fixed region of a CodeBuffer filled front to back.
type Section struct {
	name       string
	start, end uint64
	pos        Word64 // emission cursor
	published  Word64 // end of the published prefix
}

func (s *Section) init(name string, start, end uint64) {
	s.name = name
	s.start, s.end = start, end
	s.pos.Store(start)
	s.published.Store(start)
}

// Start returns the address of the first byte of the section.
func (s *Section) Start() uint64 { return s.start }

// End returns the address past the last byte of the section.
func (s *Section) End() uint64 { return s.end }

// Pos returns the address the next emission goes to.
func (s *Section) Pos() uint64 { return s.pos.Load() }

// Remaining returns the number of free bytes.
func (s *Section) Remaining() uint64 { return s.end - s.pos.Load() }

// Contains reports whether addr lies in the section.
func (s *Section) Contains(addr uint64) bool { return addr >= s.start && addr < s.end }

// Published reports whether addr lies in the published prefix.
func (s *Section) Published(addr uint64) bool { return addr < s.published.Load() }

// reserve claims n bytes aligned to align and returns their address. The
// constant section is claimed both by the emitting goroutine and by
// patchers creating trampolines, so the cursor only moves by CAS.
func (s *Section) reserve(n, align uint64) uint64 {
	for {
		cur := s.pos.Load()
		pos := alignUp(cur, align)
		if pos+n > s.end {
			fatalf(ErrBufferFull, "%s section: need %d bytes at %#x, ends at %#x", s.name, n, pos, s.end)
		}
		if s.pos.CompareAndExchange(cur, pos+n) == cur {
			return pos
		}
	}
}

// CodeBuffer is the code of one compilation unit: instructions, trampoline
// stubs and the unit's TOC (constant table).
type CodeBuffer struct {
	_          noCopy
	cache      *CodeCache
	start, end uint64

	Insts  Section
	Stubs  Section
	Consts Section

	stubMu    ticketLock
	stubs     map[uint64]uint64 // destination -> trampoline stub
	stubHosts map[uint64]int    // trampoline stub -> hosts branching to it
}

// Cache returns the cache the buffer belongs to.
func (b *CodeBuffer) Cache() *CodeCache { return b.cache }

// TOC returns the value generated code of this unit keeps in RMethodTOC.
func (b *CodeBuffer) TOC() uint64 { return b.Consts.start }

// Contains reports whether addr lies in the buffer.
func (b *CodeBuffer) Contains(addr uint64) bool { return addr >= b.start && addr < b.end }

// Publish makes everything emitted so far visible to other threads. From
// now on sites emitted so far may only be patched under the AtSafepoint or
// SingleWord preconditions.
func (b *CodeBuffer) Publish() {
	for _, s := range []*Section{&b.Insts, &b.Stubs, &b.Consts} {
		s.published.Store(s.pos.Load())
	}
	b.cache.flush(b.start, b.end-b.start)
}

// Published reports whether addr lies in a published part of the buffer.
func (b *CodeBuffer) Published(addr uint64) bool {
	for _, s := range []*Section{&b.Insts, &b.Stubs, &b.Consts} {
		if s.Contains(addr) {
			return s.Published(addr)
		}
	}
	return false
}

// section returns the section holding addr.
func (b *CodeBuffer) section(addr uint64) *Section {
	for _, s := range []*Section{&b.Insts, &b.Stubs, &b.Consts} {
		if s.Contains(addr) {
			return s
		}
	}
	return nil
}

// AllocSlot reserves a doubleword in the unit's TOC holding v and returns
// its address.
func (b *CodeBuffer) AllocSlot(v uint64) uint64 {
	addr := b.Consts.reserve(8, 8)
	b.cache.seg.SetDword(addr, v)
	return addr
}

func (b *CodeBuffer) emit(s *Section, words ...uint32) uint64 {
	addr := s.reserve(uint64(len(words))*insnWordSize, insnWordSize)
	for i, w := range words {
		b.cache.seg.SetWord(addr+uint64(i)*insnWordSize, w)
	}
	return addr
}
