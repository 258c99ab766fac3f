package execmem

// flushInstructionCache makes [begin, end) coherent between the data and
// instruction caches. arm64 does not maintain this coherency in hardware, so
// freshly written code must be cleaned to the point of unification and the
// corresponding icache lines invalidated before the first execution.
//
//go:noescape
func flushInstructionCache(begin, end uintptr)
