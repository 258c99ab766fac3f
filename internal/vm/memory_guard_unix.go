//go:build (darwin || linux) && (amd64 || arm64)

package vm

import "golang.org/x/sys/unix"

// reserveGuarded maps the full guard reservation with no access rights.
// Pages become accessible only through protectRW as the memory grows.
func reserveGuarded() ([]byte, error) {
	return unix.Mmap(-1, 0, guardReservationSize,
		unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
}

func protectRW(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Mprotect(buf, unix.PROT_READ|unix.PROT_WRITE)
}

func releaseGuarded(reservation []byte) error {
	return unix.Munmap(reservation)
}
