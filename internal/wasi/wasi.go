package wasi

import (
	"crypto/rand"
	"io"
	"os"
	"time"

	"github.com/kaivm/kaivm/internal/trap"
	"github.com/kaivm/kaivm/internal/vm"
)

// File types reported by fd_fdstat_get.
const (
	filetypeUnknown         = 0
	filetypeCharacterDevice = 2
	filetypeDirectory       = 3
	filetypeRegularFile     = 4
)

// path_open oflags bits.
const (
	oflagCreat     = 1
	oflagDirectory = 2
	oflagExcl      = 4
	oflagTrunc     = 8
)

// fd_seek whence values.
const (
	whenceSet = 0
	whenceCur = 1
	whenceEnd = 2
)

// clock_time_get clock ids.
const (
	clockRealtime  = 0
	clockMonotonic = 1
)

// SnapshotPreview1 implements the wasi_snapshot_preview1 functions against a
// descriptor table and the args/env snapshot of one context. All guest
// pointers go through the bounds-checked memory accessors; a bad pointer is
// EFAULT, never a crash.
type SnapshotPreview1 struct {
	FdTable *FdTable
	Args    []string
	Environ []string

	// Rand serves random_get; Walltime and Monotonic serve clock_time_get
	// in nanoseconds. All injectable for reproducible runs.
	Rand      io.Reader
	Walltime  func() int64
	Monotonic func() int64
}

// New wires a preview1 host with real clocks and OS randomness.
func New(fdTable *FdTable, args, environ []string) *SnapshotPreview1 {
	begin := time.Now()
	return &SnapshotPreview1{
		FdTable:   fdTable,
		Args:      args,
		Environ:   environ,
		Rand:      rand.Reader,
		Walltime:  func() int64 { return time.Now().UnixNano() },
		Monotonic: func() int64 { return int64(time.Since(begin)) },
	}
}

// iovec iterates the guest's (ptr, len) pairs, calling fn for each buffer.
func (s *SnapshotPreview1) iovec(inst *vm.Instance, iovs, iovsCount uint32, fn func(buf []byte) (uint32, Errno)) (uint32, Errno) {
	var total uint32
	for i := uint32(0); i < iovsCount; i++ {
		base := iovs + i*8
		ptr, ok := inst.MemReadUint32(base)
		if !ok {
			return 0, EFAULT
		}
		length, ok := inst.MemReadUint32(base + 4)
		if !ok {
			return 0, EFAULT
		}
		buf, ok := inst.MemRead(ptr, length)
		if !ok {
			return 0, EFAULT
		}
		n, errno := fn(buf)
		total += n
		if errno != ESUCCESS {
			return total, errno
		}
		if n < length {
			break // short read/write ends the scatter walk
		}
	}
	return total, ESUCCESS
}

// FdWrite implements fd_write: gather the iovecs out of guest memory and
// write them to the descriptor, storing the byte count at resultPtr.
func (s *SnapshotPreview1) FdWrite(inst *vm.Instance, fd int32, iovs, iovsCount, resultPtr uint32) Errno {
	e, ok := s.FdTable.Get(fd)
	if !ok {
		return EBADF
	}
	var w io.Writer
	switch {
	case e.Writer != nil:
		w = e.Writer
	case e.File != nil:
		w = e.File
	default:
		return EBADF
	}
	total, errno := s.iovec(inst, iovs, iovsCount, func(buf []byte) (uint32, Errno) {
		n, err := w.Write(buf)
		return uint32(n), ToErrno(err)
	})
	if errno != ESUCCESS {
		return errno
	}
	if !inst.MemWriteUint32(resultPtr, total) {
		return EFAULT
	}
	return ESUCCESS
}

// FdRead implements fd_read: scatter the descriptor's bytes into the guest's
// iovecs, storing the byte count at resultPtr.
func (s *SnapshotPreview1) FdRead(inst *vm.Instance, fd int32, iovs, iovsCount, resultPtr uint32) Errno {
	e, ok := s.FdTable.Get(fd)
	if !ok {
		return EBADF
	}
	var r io.Reader
	switch {
	case e.Reader != nil:
		r = e.Reader
	case e.File != nil:
		r = e.File
	default:
		return EBADF
	}
	total, errno := s.iovec(inst, iovs, iovsCount, func(buf []byte) (uint32, Errno) {
		n, err := r.Read(buf)
		if err == io.EOF {
			return uint32(n), ESUCCESS
		}
		return uint32(n), ToErrno(err)
	})
	if errno != ESUCCESS {
		return errno
	}
	if !inst.MemWriteUint32(resultPtr, total) {
		return EFAULT
	}
	return ESUCCESS
}

// FdSeek implements fd_seek, writing the new 64-bit offset at resultPtr.
func (s *SnapshotPreview1) FdSeek(inst *vm.Instance, fd int32, offset int64, whence uint32, resultPtr uint32) Errno {
	e, ok := s.FdTable.Get(fd)
	if !ok {
		return EBADF
	}
	if e.File == nil {
		return ESPIPE
	}
	var hostWhence int
	switch whence {
	case whenceSet:
		hostWhence = io.SeekStart
	case whenceCur:
		hostWhence = io.SeekCurrent
	case whenceEnd:
		hostWhence = io.SeekEnd
	default:
		return EINVAL
	}
	pos, err := e.File.Seek(offset, hostWhence)
	if err != nil {
		return ToErrno(err)
	}
	if !inst.MemWriteUint64(resultPtr, uint64(pos)) {
		return EFAULT
	}
	return ESUCCESS
}

// FdClose implements fd_close.
func (s *SnapshotPreview1) FdClose(_ *vm.Instance, fd int32) Errno {
	return s.FdTable.CloseFd(fd)
}

// FdFdstatGet implements fd_fdstat_get: filetype, flags and an
// all-rights mask, the same permissive shape stdio gets from wasi-libc.
func (s *SnapshotPreview1) FdFdstatGet(inst *vm.Instance, fd int32, resultPtr uint32) Errno {
	e, ok := s.FdTable.Get(fd)
	if !ok {
		return EBADF
	}
	var filetype byte
	switch {
	case fd < FdPreopen:
		filetype = filetypeCharacterDevice
	case e.IsPreopen:
		filetype = filetypeDirectory
	case e.File != nil:
		filetype = filetypeRegularFile
		if st, err := e.File.Stat(); err == nil && st.IsDir() {
			filetype = filetypeDirectory
		}
	default:
		filetype = filetypeUnknown
	}
	buf, ok := inst.MemRead(resultPtr, 24)
	if !ok {
		return EFAULT
	}
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = filetype
	for i := 8; i < 24; i++ {
		buf[i] = 0xff // rights_base and rights_inheriting: everything
	}
	return ESUCCESS
}

// FdPrestatGet implements fd_prestat_get for the pre-open range.
func (s *SnapshotPreview1) FdPrestatGet(inst *vm.Instance, fd int32, resultPtr uint32) Errno {
	e, ok := s.FdTable.Get(fd)
	if !ok || !e.IsPreopen {
		return EBADF
	}
	if !inst.MemWriteUint32(resultPtr, 0) { // tag 0 = prestat_dir
		return EFAULT
	}
	if !inst.MemWriteUint32(resultPtr+4, uint32(len(e.Name))) {
		return EFAULT
	}
	return ESUCCESS
}

// FdPrestatDirName implements fd_prestat_dir_name.
func (s *SnapshotPreview1) FdPrestatDirName(inst *vm.Instance, fd int32, pathPtr, pathLen uint32) Errno {
	e, ok := s.FdTable.Get(fd)
	if !ok || !e.IsPreopen {
		return EBADF
	}
	if uint32(len(e.Name)) != pathLen {
		return EINVAL
	}
	if !inst.MemWrite(pathPtr, []byte(e.Name)) {
		return EFAULT
	}
	return ESUCCESS
}

// PathOpen implements path_open relative to a pre-opened directory,
// appending the new descriptor and storing it at resultFdPtr. Rights are
// accepted and ignored: access control is the pre-open filesystem's concern.
func (s *SnapshotPreview1) PathOpen(inst *vm.Instance, dirFd int32, _ uint32, pathPtr, pathLen uint32,
	oflags uint32, _, _ uint64, _ uint32, resultFdPtr uint32) Errno {
	dir, ok := s.FdTable.Get(dirFd)
	if !ok {
		return EBADF
	}
	if !dir.IsPreopen || dir.FS == nil {
		return ENOTDIR
	}
	pathBuf, ok := inst.MemRead(pathPtr, pathLen)
	if !ok {
		return EFAULT
	}
	name := string(pathBuf)

	flag := os.O_RDWR
	if oflags&oflagCreat != 0 {
		flag |= os.O_CREATE
	}
	if oflags&oflagExcl != 0 {
		flag |= os.O_EXCL
	}
	if oflags&oflagTrunc != 0 {
		flag |= os.O_TRUNC
	}
	if oflags&oflagDirectory != 0 {
		st, err := dir.FS.Stat(name)
		if err != nil {
			return ToErrno(err)
		}
		if !st.IsDir() {
			return ENOTDIR
		}
		flag = os.O_RDONLY
	}

	f, err := dir.FS.OpenFile(name, flag, 0o644)
	if err != nil {
		// Read-write fails on read-only filesystems; retry the common
		// read-only case before reporting.
		if oflags&oflagCreat == 0 {
			if rf, rerr := dir.FS.OpenFile(name, os.O_RDONLY, 0); rerr == nil {
				f, err = rf, nil
			}
		}
		if err != nil {
			return ToErrno(err)
		}
	}
	fd := s.FdTable.Insert(&FileEntry{Name: name, File: f})
	if !inst.MemWriteUint32(resultFdPtr, uint32(fd)) {
		s.FdTable.CloseFd(fd)
		return EFAULT
	}
	return ESUCCESS
}

// stringArray writes the preview1 two-part layout: the pointer vector at
// vecPtr and the NUL-terminated strings packed at bufPtr.
func (s *SnapshotPreview1) stringArray(inst *vm.Instance, values []string, vecPtr, bufPtr uint32) Errno {
	offset := bufPtr
	for i, v := range values {
		if !inst.MemWriteUint32(vecPtr+uint32(i)*4, offset) {
			return EFAULT
		}
		if !inst.MemWrite(offset, append([]byte(v), 0)) {
			return EFAULT
		}
		offset += uint32(len(v)) + 1
	}
	return ESUCCESS
}

func stringArraySizes(values []string) (count, bufLen uint32) {
	count = uint32(len(values))
	for _, v := range values {
		bufLen += uint32(len(v)) + 1
	}
	return
}

// ArgsGet implements args_get.
func (s *SnapshotPreview1) ArgsGet(inst *vm.Instance, argvPtr, argvBufPtr uint32) Errno {
	return s.stringArray(inst, s.Args, argvPtr, argvBufPtr)
}

// ArgsSizesGet implements args_sizes_get.
func (s *SnapshotPreview1) ArgsSizesGet(inst *vm.Instance, countPtr, bufLenPtr uint32) Errno {
	count, bufLen := stringArraySizes(s.Args)
	if !inst.MemWriteUint32(countPtr, count) || !inst.MemWriteUint32(bufLenPtr, bufLen) {
		return EFAULT
	}
	return ESUCCESS
}

// EnvironGet implements environ_get.
func (s *SnapshotPreview1) EnvironGet(inst *vm.Instance, environPtr, environBufPtr uint32) Errno {
	return s.stringArray(inst, s.Environ, environPtr, environBufPtr)
}

// EnvironSizesGet implements environ_sizes_get.
func (s *SnapshotPreview1) EnvironSizesGet(inst *vm.Instance, countPtr, bufLenPtr uint32) Errno {
	count, bufLen := stringArraySizes(s.Environ)
	if !inst.MemWriteUint32(countPtr, count) || !inst.MemWriteUint32(bufLenPtr, bufLen) {
		return EFAULT
	}
	return ESUCCESS
}

// ClockTimeGet implements clock_time_get for the realtime and monotonic
// clocks, in nanoseconds.
func (s *SnapshotPreview1) ClockTimeGet(inst *vm.Instance, clockID uint32, _ uint64, resultPtr uint32) Errno {
	var now int64
	switch clockID {
	case clockRealtime:
		now = s.Walltime()
	case clockMonotonic:
		now = s.Monotonic()
	default:
		return EINVAL
	}
	if !inst.MemWriteUint64(resultPtr, uint64(now)) {
		return EFAULT
	}
	return ESUCCESS
}

// RandomGet implements random_get.
func (s *SnapshotPreview1) RandomGet(inst *vm.Instance, bufPtr, bufLen uint32) Errno {
	buf, ok := inst.MemRead(bufPtr, bufLen)
	if !ok {
		return EFAULT
	}
	if _, err := io.ReadFull(s.Rand, buf); err != nil {
		return EIO
	}
	return ESUCCESS
}

// ProcExit implements proc_exit. It does not return: the exit unwinds
// through the trap boundary like a trap, but surfaces as an ExitError, not
// a trap error.
func (s *SnapshotPreview1) ProcExit(_ *vm.Instance, exitCode uint32) {
	panic(&trap.ExitError{ExitCode: exitCode})
}
