package opt

import (
	"testing"
	"unsafe"
)

func TestCounterStripeSize(t *testing.T) {
	size := unsafe.Sizeof(CounterStripe_{})
	if size != 8 && size%CacheLineSize_ != 0 {
		t.Fatalf("CounterStripe_ size=%d, want 8 or a multiple of %d", size, CacheLineSize_)
	}
}

func TestCacheLineSize(t *testing.T) {
	if CacheLineSize_ == 0 || CacheLineSize_&(CacheLineSize_-1) != 0 {
		t.Fatalf("CacheLineSize_=%d is not a power of two", CacheLineSize_)
	}
}
