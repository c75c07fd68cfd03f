package patchkit

import (
	"log/slog"
)

// ============================================================================
// Configuration
// ============================================================================

// CacheConfig defines configurable options for CodeCache initialization.
type CacheConfig struct {
	// variant selects the instruction sequences emitted into the cache.
	// If unset, HostVariant() is used.
	variant    Variant
	hasVariant bool

	// base is the address reported for the first byte of a heap-backed
	// segment. It lets code be laid out for a different address than the
	// one it is assembled at (cross-emission and tests). Ignored for
	// executable segments, whose base is their mapping address.
	base    uint64
	hasBase bool

	// globalTOC is the value generated code keeps in RGlobalTOC.
	// If unset, the middle of the segment is used so that the whole
	// segment is reachable through a signed 32-bit offset.
	globalTOC    uint64
	hasGlobalTOC bool

	// executable requests an mmap'ed read/write/execute segment instead of
	// heap memory.
	executable bool

	// safepoint is consulted by patches declaring AtSafepoint.
	safepoint Safepoint

	// logger receives a debug record per applied patch and emitted
	// trampoline. Nil discards.
	logger *slog.Logger

	// icacheFlush is invoked after code words change, with the address
	// and length of the modified range.
	icacheFlush func(addr, n uint64)

	// reoptimize lets FormAuto pick the pc-relative patchable form when
	// the initial target is within direct reach.
	reoptimize bool
}

// WithVariant selects the core variant code is generated for.
func WithVariant(v Variant) func(*CacheConfig) {
	return func(c *CacheConfig) {
		c.variant = v
		c.hasVariant = true
	}
}

// WithBase places a heap-backed segment at the given virtual address.
// The address must be 8-byte aligned.
func WithBase(base uint64) func(*CacheConfig) {
	return func(c *CacheConfig) {
		c.base = base
		c.hasBase = true
	}
}

// WithGlobalTOC sets the global TOC address used by FormGlobalTOC sites
// and trampoline stubs.
func WithGlobalTOC(toc uint64) func(*CacheConfig) {
	return func(c *CacheConfig) {
		c.globalTOC = toc
		c.hasGlobalTOC = true
	}
}

// WithExecutable maps the segment read/write/execute.
func WithExecutable() func(*CacheConfig) {
	return func(c *CacheConfig) {
		c.executable = true
	}
}

// WithSafepoint installs the collaborator that reports whether all
// mutator threads are parked.
func WithSafepoint(sp Safepoint) func(*CacheConfig) {
	return func(c *CacheConfig) {
		c.safepoint = sp
	}
}

// WithLogger routes patch and trampoline traces to logger at debug level.
func WithLogger(logger *slog.Logger) func(*CacheConfig) {
	return func(c *CacheConfig) {
		c.logger = logger
	}
}

// WithICacheFlush installs the hook that makes modified code visible to
// instruction fetch.
func WithICacheFlush(flush func(addr, n uint64)) func(*CacheConfig) {
	return func(c *CacheConfig) {
		c.icacheFlush = flush
	}
}

// WithReoptimizeCallSequences lets FormAuto emit pc-relative patchable
// calls when the target is reachable at emission time.
func WithReoptimizeCallSequences() func(*CacheConfig) {
	return func(c *CacheConfig) {
		c.reoptimize = true
	}
}
