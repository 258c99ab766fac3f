package wasi

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/kaivm/kaivm/internal/trap"
	"github.com/kaivm/kaivm/internal/vm"
)

type testHost struct {
	*SnapshotPreview1
	inst   *vm.Instance
	stdout *bytes.Buffer
	fs     afero.Fs
}

func newTestHost(t *testing.T, stdin string) *testHost {
	t.Helper()
	inst := vm.NewInstance()
	mem, err := vm.NewMemory(1, 1, false)
	require.NoError(t, err)
	inst.SetMemory(mem, true)
	t.Cleanup(func() { require.NoError(t, inst.Close()) })

	stdout := new(bytes.Buffer)
	fsys := afero.NewMemMapFs()
	tbl := NewFdTable(strings.NewReader(stdin), stdout, new(bytes.Buffer),
		[]Preopen{{GuestPath: "/", FS: fsys}})

	host := New(tbl, []string{"prog", "arg1"}, []string{"A=1", "BB=22"})
	host.Walltime = func() int64 { return 1_000_000_000 }
	host.Monotonic = func() int64 { return 42 }
	return &testHost{SnapshotPreview1: host, inst: inst, stdout: stdout, fs: fsys}
}

// writeIovs lays out an iovec array at iovsPtr pointing into the given
// (ptr, len) pairs.
func writeIovs(t *testing.T, inst *vm.Instance, iovsPtr uint32, pairs ...uint32) {
	t.Helper()
	for i := 0; i < len(pairs); i += 2 {
		require.True(t, inst.MemWriteUint32(iovsPtr+uint32(i)*4, pairs[i]))
		require.True(t, inst.MemWriteUint32(iovsPtr+uint32(i)*4+4, pairs[i+1]))
	}
}

func TestFdWrite(t *testing.T) {
	h := newTestHost(t, "")

	require.True(t, h.inst.MemWrite(100, []byte("hello ")))
	require.True(t, h.inst.MemWrite(200, []byte("world")))
	writeIovs(t, h.inst, 32, 100, 6, 200, 5)

	require.Equal(t, ESUCCESS, h.FdWrite(h.inst, FdStdout, 32, 2, 64))
	require.Equal(t, "hello world", h.stdout.String())
	n, ok := h.inst.MemReadUint32(64)
	require.True(t, ok)
	require.Equal(t, uint32(11), n)

	require.Equal(t, EBADF, h.FdWrite(h.inst, 99, 32, 2, 64))
	require.Equal(t, EBADF, h.FdWrite(h.inst, FdStdin, 32, 2, 64))
	// iovec pointing outside memory.
	writeIovs(t, h.inst, 32, 0xffff0000, 16)
	require.Equal(t, EFAULT, h.FdWrite(h.inst, FdStdout, 32, 1, 64))
}

func TestFdRead(t *testing.T) {
	h := newTestHost(t, "abcdefgh")

	writeIovs(t, h.inst, 32, 100, 3, 200, 100)
	require.Equal(t, ESUCCESS, h.FdRead(h.inst, FdStdin, 32, 2, 64))

	n, ok := h.inst.MemReadUint32(64)
	require.True(t, ok)
	require.Equal(t, uint32(8), n)
	buf, _ := h.inst.MemRead(100, 3)
	require.Equal(t, "abc", string(buf))
	buf, _ = h.inst.MemRead(200, 5)
	require.Equal(t, "defgh", string(buf))

	// Exhausted stream reads zero bytes, not an error.
	writeIovs(t, h.inst, 32, 100, 3)
	require.Equal(t, ESUCCESS, h.FdRead(h.inst, FdStdin, 32, 1, 64))
	n, _ = h.inst.MemReadUint32(64)
	require.Zero(t, n)

	require.Equal(t, EBADF, h.FdRead(h.inst, FdStdout, 32, 1, 64))
	require.Equal(t, EBADF, h.FdRead(h.inst, 99, 32, 1, 64))
}

func TestFdSeek(t *testing.T) {
	h := newTestHost(t, "")
	f, err := h.fs.Create("f")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	fd := h.FdTable.Insert(&FileEntry{Name: "f", File: f})

	require.Equal(t, ESUCCESS, h.FdSeek(h.inst, fd, 4, whenceSet, 64))
	pos, ok := h.inst.MemReadUint64(64)
	require.True(t, ok)
	require.Equal(t, uint64(4), pos)

	require.Equal(t, ESUCCESS, h.FdSeek(h.inst, fd, -2, whenceEnd, 64))
	pos, _ = h.inst.MemReadUint64(64)
	require.Equal(t, uint64(8), pos)

	require.Equal(t, EINVAL, h.FdSeek(h.inst, fd, 0, 9, 64))
	require.Equal(t, ESPIPE, h.FdSeek(h.inst, FdStdout, 0, whenceSet, 64))
	require.Equal(t, EBADF, h.FdSeek(h.inst, 99, 0, whenceSet, 64))
}

func TestFdFdstatGet(t *testing.T) {
	h := newTestHost(t, "")

	require.Equal(t, ESUCCESS, h.FdFdstatGet(h.inst, FdStdout, 64))
	buf, _ := h.inst.MemRead(64, 24)
	require.Equal(t, byte(filetypeCharacterDevice), buf[0])
	for i := 8; i < 24; i++ {
		require.Equal(t, byte(0xff), buf[i])
	}

	require.Equal(t, ESUCCESS, h.FdFdstatGet(h.inst, FdPreopen, 64))
	buf, _ = h.inst.MemRead(64, 1)
	require.Equal(t, byte(filetypeDirectory), buf[0])

	require.Equal(t, EBADF, h.FdFdstatGet(h.inst, 99, 64))
}

func TestFdPrestat(t *testing.T) {
	h := newTestHost(t, "")

	require.Equal(t, ESUCCESS, h.FdPrestatGet(h.inst, FdPreopen, 64))
	tag, _ := h.inst.MemReadUint32(64)
	require.Zero(t, tag)
	nameLen, _ := h.inst.MemReadUint32(68)
	require.Equal(t, uint32(1), nameLen) // "/"

	require.Equal(t, ESUCCESS, h.FdPrestatDirName(h.inst, FdPreopen, 100, 1))
	buf, _ := h.inst.MemRead(100, 1)
	require.Equal(t, "/", string(buf))

	require.Equal(t, EINVAL, h.FdPrestatDirName(h.inst, FdPreopen, 100, 2))
	require.Equal(t, EBADF, h.FdPrestatGet(h.inst, FdStdout, 64))
	require.Equal(t, EBADF, h.FdPrestatGet(h.inst, 99, 64))
}

func TestPathOpen(t *testing.T) {
	h := newTestHost(t, "")
	require.NoError(t, afero.WriteFile(h.fs, "data.txt", []byte("content"), 0o644))

	openPath := func(name string, oflags uint32) (int32, Errno) {
		require.True(t, h.inst.MemWrite(100, []byte(name)))
		errno := h.PathOpen(h.inst, FdPreopen, 0, 100, uint32(len(name)), oflags, 0, 0, 0, 64)
		if errno != ESUCCESS {
			return 0, errno
		}
		fd, ok := h.inst.MemReadUint32(64)
		require.True(t, ok)
		return int32(fd), ESUCCESS
	}

	t.Run("existing file", func(t *testing.T) {
		fd, errno := openPath("data.txt", 0)
		require.Equal(t, ESUCCESS, errno)
		require.Equal(t, FdPreopen+1, fd)

		writeIovs(t, h.inst, 32, 200, 7)
		require.Equal(t, ESUCCESS, h.FdRead(h.inst, fd, 32, 1, 72))
		buf, _ := h.inst.MemRead(200, 7)
		require.Equal(t, "content", string(buf))
		require.Equal(t, ESUCCESS, h.FdClose(h.inst, fd))
	})

	t.Run("missing file", func(t *testing.T) {
		_, errno := openPath("nope.txt", 0)
		require.Equal(t, ENOENT, errno)
	})

	t.Run("create", func(t *testing.T) {
		fd, errno := openPath("new.txt", oflagCreat)
		require.Equal(t, ESUCCESS, errno)

		require.True(t, h.inst.MemWrite(300, []byte("hi")))
		writeIovs(t, h.inst, 32, 300, 2)
		require.Equal(t, ESUCCESS, h.FdWrite(h.inst, fd, 32, 1, 72))
		require.Equal(t, ESUCCESS, h.FdClose(h.inst, fd))

		data, err := afero.ReadFile(h.fs, "new.txt")
		require.NoError(t, err)
		require.Equal(t, "hi", string(data))
	})

	t.Run("directory flag on a file", func(t *testing.T) {
		_, errno := openPath("data.txt", oflagDirectory)
		require.Equal(t, ENOTDIR, errno)
	})

	t.Run("bad dirfd", func(t *testing.T) {
		require.Equal(t, EBADF, h.PathOpen(h.inst, 99, 0, 100, 1, 0, 0, 0, 0, 64))
		require.Equal(t, ENOTDIR, h.PathOpen(h.inst, FdStdout, 0, 100, 1, 0, 0, 0, 0, 64))
	})
}

func TestArgsAndEnviron(t *testing.T) {
	h := newTestHost(t, "")

	t.Run("args", func(t *testing.T) {
		require.Equal(t, ESUCCESS, h.ArgsSizesGet(h.inst, 64, 68))
		count, _ := h.inst.MemReadUint32(64)
		bufLen, _ := h.inst.MemReadUint32(68)
		require.Equal(t, uint32(2), count)
		require.Equal(t, uint32(10), bufLen) // "prog\0arg1\0"

		require.Equal(t, ESUCCESS, h.ArgsGet(h.inst, 100, 200))
		p0, _ := h.inst.MemReadUint32(100)
		p1, _ := h.inst.MemReadUint32(104)
		require.Equal(t, uint32(200), p0)
		require.Equal(t, uint32(205), p1)
		buf, _ := h.inst.MemRead(200, 10)
		require.Equal(t, "prog\x00arg1\x00", string(buf))
	})

	t.Run("environ", func(t *testing.T) {
		require.Equal(t, ESUCCESS, h.EnvironSizesGet(h.inst, 64, 68))
		count, _ := h.inst.MemReadUint32(64)
		bufLen, _ := h.inst.MemReadUint32(68)
		require.Equal(t, uint32(2), count)
		require.Equal(t, uint32(10), bufLen) // "A=1\0BB=22\0"

		require.Equal(t, ESUCCESS, h.EnvironGet(h.inst, 100, 200))
		buf, _ := h.inst.MemRead(200, 10)
		require.Equal(t, "A=1\x00BB=22\x00", string(buf))
	})

	t.Run("bad pointers", func(t *testing.T) {
		require.Equal(t, EFAULT, h.ArgsSizesGet(h.inst, 0xffff0000, 68))
		require.Equal(t, EFAULT, h.ArgsGet(h.inst, 0xffff0000, 200))
	})
}

func TestClockTimeGet(t *testing.T) {
	h := newTestHost(t, "")

	require.Equal(t, ESUCCESS, h.ClockTimeGet(h.inst, clockRealtime, 0, 64))
	now, _ := h.inst.MemReadUint64(64)
	require.Equal(t, uint64(1_000_000_000), now)

	require.Equal(t, ESUCCESS, h.ClockTimeGet(h.inst, clockMonotonic, 0, 64))
	now, _ = h.inst.MemReadUint64(64)
	require.Equal(t, uint64(42), now)

	require.Equal(t, EINVAL, h.ClockTimeGet(h.inst, 9, 0, 64))
	require.Equal(t, EFAULT, h.ClockTimeGet(h.inst, clockRealtime, 0, 0xffff0000))
}

func TestRandomGet(t *testing.T) {
	h := newTestHost(t, "")
	h.Rand = bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	require.Equal(t, ESUCCESS, h.RandomGet(h.inst, 64, 8))
	v, _ := h.inst.MemReadUint64(64)
	require.Equal(t, binary.LittleEndian.Uint64([]byte{1, 2, 3, 4, 5, 6, 7, 8}), v)

	require.Equal(t, EIO, h.RandomGet(h.inst, 64, 8)) // reader exhausted
	require.Equal(t, EFAULT, h.RandomGet(h.inst, 0xffff0000, 8))
}

func TestRandomGet_DefaultSource(t *testing.T) {
	h := newTestHost(t, "") // New wires crypto/rand

	require.Equal(t, ESUCCESS, h.RandomGet(h.inst, 64, 16))
	buf, ok := h.inst.MemRead(64, 16)
	require.True(t, ok)
	require.NotEqual(t, make([]byte, 16), buf)
}

func TestProcExit(t *testing.T) {
	h := newTestHost(t, "")

	var b trap.Boundary
	err := b.Do(func() { h.ProcExit(h.inst, 3) })
	exitErr := &trap.ExitError{}
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, uint32(3), exitErr.ExitCode)
}
