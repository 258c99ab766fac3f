//go:build !darwin && !linux && !freebsd && !windows

package execmem

import (
	"fmt"
	"runtime"
)

func mmapRW(size int) ([]byte, error) {
	return nil, fmt.Errorf("executable memory is not supported on %s", runtime.GOOS)
}

func protectRX(buf []byte) error {
	return fmt.Errorf("executable memory is not supported on %s", runtime.GOOS)
}

func munmap(buf []byte) error {
	return fmt.Errorf("executable memory is not supported on %s", runtime.GOOS)
}

func bufBase(buf []byte) uintptr {
	return 0
}
