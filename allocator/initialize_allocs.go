//go:build !debug_init_allocs

package allocator

// InitializeAllocs is false unless the debug_init_allocs build tag is present. When true, new
// allocations are filled with createdFillPattern and freed ones with destroyedFillPattern.
const InitializeAllocs bool = false
