//go:build debug_init_allocs

package allocator

// InitializeAllocs causes all new allocations to be filled with deterministic data.
// If you are concerned that nondeterministic initialization of memory is causing a bug,
// you can activate this to help diagnose the issue.  It impacts performance and should
// generally be left deactivated.
const InitializeAllocs bool = true
