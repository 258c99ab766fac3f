//go:build !amd64 && !arm64

package jit

import (
	"fmt"
	"runtime"
	"unsafe"
)

const archIntArgRegisters = 8

func nativecall(code uintptr, ctx, frame unsafe.Pointer) {
	panic(fmt.Errorf("native execution is not supported on %s", runtime.GOARCH))
}

func gluecall(glue, code uintptr, ctx, values unsafe.Pointer) {
	panic(fmt.Errorf("native execution is not supported on %s", runtime.GOARCH))
}
