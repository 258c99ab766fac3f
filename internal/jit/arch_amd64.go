package jit

import "unsafe"

// amd64 has six integer argument registers (DI, SI, DX, CX, R8, R9); the
// remaining frame slots spill to the stack.
const archIntArgRegisters = 6

//go:noescape
func nativecall(code uintptr, ctx, frame unsafe.Pointer)

//go:noescape
func gluecall(glue, code uintptr, ctx, values unsafe.Pointer)
