//go:build ppc64 || ppc64le

package opt

// NativePPC_ reports that generated code runs on the host processor, so
// HostVariant probes the running core instead of assuming a target.
const NativePPC_ = true
