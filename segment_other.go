//go:build !(linux || darwin)

package patchkit

import (
	"encoding/binary"
	"fmt"
	"runtime"
)

func newExecSegment(uint64, binary.ByteOrder) (*Segment, error) {
	return nil, fmt.Errorf("%w: executable segments on %s", ErrUnsupported, runtime.GOOS)
}
