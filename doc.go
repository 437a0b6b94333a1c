// Package anvil is a command buffer and resource binding core for a GEM-style
// kernel graphics interface. It turns recorded draw and dispatch commands into
// chained instruction blocks, materializes per-draw binding and sampler tables,
// tracks every embedded GPU address with a relocation, and packages the result
// into execbuffer requests that take the kernel's no-relocation fast path
// whenever every presumed address is still current.
//
// A Device is created over a gem.Interface, either a real kernel device or the
// in-process simulator, and owns the block pools everything else allocates from.
// CommandBuffers are recorded by one goroutine each without locking; the only
// shared lock is taken inside End, where submission object indices are staged.
package anvil
