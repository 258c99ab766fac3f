// Package wasi implements the snapshot-preview1 boundary: a per-context
// descriptor table mapping WASI file descriptors onto host files, and the
// host functions that translate guest calls through it.
package wasi

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
)

// Errno is a WASI standard error code implementing the error interface.
type Errno uint32

// The subset of WASI error codes this boundary produces.
const (
	ESUCCESS Errno = 0
	E2BIG    Errno = 1  /* Arg list too long */
	EACCES   Errno = 2  /* Permission denied */
	EBADF    Errno = 8  /* Bad file number */
	EEXIST   Errno = 20 /* File exists */
	EFAULT   Errno = 21 /* Bad address */
	EINVAL   Errno = 28 /* Invalid argument */
	EIO      Errno = 29 /* I/O error */
	EISDIR   Errno = 31 /* Is a directory */
	ENOENT   Errno = 44 /* No such file or directory */
	ENOSYS   Errno = 52 /* Function not implemented */
	ENOTDIR  Errno = 54 /* Not a directory */
	ENOTSUP  Errno = 58 /* Operation not supported */
	ESPIPE   Errno = 70 /* Illegal seek */
)

var errnoToString = map[Errno]string{
	ESUCCESS: "ESUCCESS",
	E2BIG:    "E2BIG",
	EACCES:   "EACCES",
	EBADF:    "EBADF",
	EEXIST:   "EEXIST",
	EFAULT:   "EFAULT",
	EINVAL:   "EINVAL",
	EIO:      "EIO",
	EISDIR:   "EISDIR",
	ENOENT:   "ENOENT",
	ENOSYS:   "ENOSYS",
	ENOTDIR:  "ENOTDIR",
	ENOTSUP:  "ENOTSUP",
	ESPIPE:   "ESPIPE",
}

func (err Errno) Error() string {
	if s, ok := errnoToString[err]; ok {
		return s
	}
	return fmt.Sprintf("errno(%d)", uint32(err))
}

// ToErrno translates a host error into the WASI error space. Unrecognized
// errors degrade to EIO rather than leaking host-specific codes.
func ToErrno(err error) Errno {
	if err == nil {
		return ESUCCESS
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ENOENT
	case errors.Is(err, fs.ErrExist):
		return EEXIST
	case errors.Is(err, fs.ErrPermission):
		return EACCES
	case errors.Is(err, fs.ErrInvalid):
		return EINVAL
	case errors.Is(err, fs.ErrClosed), errors.Is(err, os.ErrClosed):
		return EBADF
	case errors.Is(err, io.EOF):
		// EOF is not an error at this boundary: reads report a zero count.
		return ESUCCESS
	}
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.EBADF:
			return EBADF
		case syscall.EINVAL:
			return EINVAL
		case syscall.EISDIR:
			return EISDIR
		case syscall.ENOTDIR:
			return ENOTDIR
		case syscall.ENOENT:
			return ENOENT
		case syscall.EEXIST:
			return EEXIST
		case syscall.EACCES, syscall.EPERM:
			return EACCES
		case syscall.ESPIPE:
			return ESPIPE
		}
	}
	return EIO
}
