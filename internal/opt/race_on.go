//go:build race

package opt

// Race_ under race detector, sequence-lock readers take the read lock
// instead of validating an optimistic window, so that code words copied
// out of a segment are never reported as racing with a patch.
const Race_ = true
