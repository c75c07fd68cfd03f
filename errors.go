package patchkit

import (
	"errors"
	"fmt"
)

// Misuse of an encoding or of a variant is a programming error: the
// operations below panic with an error wrapping one of these sentinels.
// Resource exhaustion while allocating code space is returned instead.
var (
	// ErrUnsupported reports an operation the configured variant cannot
	// perform, or a relocation whose direction is not supported.
	ErrUnsupported = errors.New("patchkit: unsupported")
	// ErrOutOfRange reports a target beyond the reach of an encoding.
	ErrOutOfRange = errors.New("patchkit: target out of range")
	// ErrNotRecognized reports an address that does not hold the expected
	// kind of patch site.
	ErrNotRecognized = errors.New("patchkit: patch site not recognized")
	// ErrUnsafePatch reports a patch whose declared precondition does not
	// hold.
	ErrUnsafePatch = errors.New("patchkit: unsafe code patch")
	// ErrBufferFull reports emission past the end of a code section.
	ErrBufferFull = errors.New("patchkit: code section full")
	// ErrCacheFull reports that a code cache has no room for a new buffer.
	ErrCacheFull = errors.New("patchkit: code cache full")
)

func fatalf(sentinel error, format string, args ...any) {
	panic(fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}
