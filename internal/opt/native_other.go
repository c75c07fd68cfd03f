//go:build !(ppc64 || ppc64le)

package opt

// NativePPC_ is false when patchkit cross-emits PPC code on another host.
const NativePPC_ = false
