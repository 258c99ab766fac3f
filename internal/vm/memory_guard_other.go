//go:build !((darwin || linux) && (amd64 || arm64))

package vm

import (
	"fmt"
	"runtime"
)

func reserveGuarded() ([]byte, error) {
	return nil, fmt.Errorf("guarded memory is not supported on %s", runtime.GOOS)
}

func protectRW(buf []byte) error {
	return fmt.Errorf("guarded memory is not supported on %s", runtime.GOOS)
}

func releaseGuarded(reservation []byte) error {
	return fmt.Errorf("guarded memory is not supported on %s", runtime.GOOS)
}
