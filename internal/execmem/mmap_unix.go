//go:build darwin || linux || freebsd

package execmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapRW maps an anonymous private read-write region. The region starts
// writable so code can be copied in; Materialize flips it to read-execute,
// which is required on platforms that refuse RWX mappings (e.g. arm64 macOS).
func mmapRW(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func protectRX(buf []byte) error {
	return unix.Mprotect(buf, unix.PROT_READ|unix.PROT_EXEC)
}

func munmap(buf []byte) error {
	return unix.Munmap(buf)
}

func bufBase(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}
