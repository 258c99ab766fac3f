package execmem

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func mmapRW(size int) ([]byte, error) {
	p, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), size), nil
}

func protectRX(buf []byte) error {
	var old uint32
	return windows.VirtualProtect(bufBase(buf), uintptr(len(buf)),
		windows.PAGE_EXECUTE_READ, &old)
}

func munmap(buf []byte) error {
	// The size must be 0 with MEM_RELEASE.
	return windows.VirtualFree(bufBase(buf), 0, windows.MEM_RELEASE)
}

func bufBase(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}
