package jit

import "unsafe"

// arm64 passes eight integer arguments in R0-R7.
const archIntArgRegisters = 8

//go:noescape
func nativecall(code uintptr, ctx, frame unsafe.Pointer)

//go:noescape
func gluecall(glue, code uintptr, ctx, values unsafe.Pointer)
