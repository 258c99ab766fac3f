//go:build !arm64

package execmem

// amd64 keeps instruction fetch coherent with data writes, so no explicit
// flush is needed there or on the unsupported fallbacks.
func flushInstructionCache(begin, end uintptr) {}
