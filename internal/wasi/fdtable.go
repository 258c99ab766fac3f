package wasi

import (
	"io"

	"github.com/spf13/afero"
)

const (
	FdStdin int32 = iota
	FdStdout
	FdStderr
	// FdPreopen is the file descriptor of the first pre-opened directory.
	// wasi-libc expects POSIX-style allocation: 0-2 are taken by stdio, so
	// pre-opens start at 3 and dynamic opens fill the lowest free slot
	// above them.
	FdPreopen
)

// Preopen is a directory mounted into the guest before it starts.
type Preopen struct {
	// GuestPath is the path the guest sees, e.g. "/data".
	GuestPath string
	// FS is the filesystem serving that subtree.
	FS afero.Fs
}

// FileEntry is one slot of the descriptor table. Exactly one of File or the
// stdio streams is set; pre-opened directories carry their filesystem for
// path_open resolution.
type FileEntry struct {
	// Name is the guest path of a pre-open, or the path given to path_open.
	Name string
	// IsPreopen marks the contiguous pre-open range.
	IsPreopen bool
	// FS is set on pre-opens.
	FS afero.Fs
	// File is the open file of a dynamic open.
	File afero.File
	// Reader/Writer serve the stdio slots.
	Reader io.Reader
	Writer io.Writer
}

// FdTable maps WASI file descriptors to entries: stdio fixed at 0-2,
// pre-opens contiguous from 3, dynamic opens appended at the lowest free
// slot at or above the end of the pre-open range.
type FdTable struct {
	entries    []*FileEntry
	preopenEnd int32
}

// NewFdTable builds a table with the fixed stdio slots and the given
// pre-opens. Nil stdio streams leave the slot present but inoperative, which
// surfaces as EBADF on use rather than a crash.
func NewFdTable(stdin io.Reader, stdout, stderr io.Writer, preopens []Preopen) *FdTable {
	t := &FdTable{
		entries: []*FileEntry{
			{Name: "<stdin>", Reader: stdin},
			{Name: "<stdout>", Writer: stdout},
			{Name: "<stderr>", Writer: stderr},
		},
		preopenEnd: FdPreopen + int32(len(preopens)),
	}
	for _, p := range preopens {
		t.entries = append(t.entries, &FileEntry{
			Name:      p.GuestPath,
			IsPreopen: true,
			FS:        p.FS,
		})
	}
	return t
}

// Get returns the entry for fd.
func (t *FdTable) Get(fd int32) (*FileEntry, bool) {
	if fd < 0 || int32(len(t.entries)) <= fd || t.entries[fd] == nil {
		return nil, false
	}
	return t.entries[fd], true
}

// Insert places e at the lowest free slot at or above the pre-open range and
// returns its descriptor.
func (t *FdTable) Insert(e *FileEntry) int32 {
	for fd := t.preopenEnd; fd < int32(len(t.entries)); fd++ {
		if t.entries[fd] == nil {
			t.entries[fd] = e
			return fd
		}
	}
	t.entries = append(t.entries, e)
	return int32(len(t.entries) - 1)
}

// CloseFd closes and frees one descriptor. Stdio and pre-open slots cannot
// be closed by the guest.
func (t *FdTable) CloseFd(fd int32) Errno {
	e, ok := t.Get(fd)
	if !ok {
		return EBADF
	}
	if fd < FdPreopen || e.IsPreopen {
		return ENOTSUP
	}
	t.entries[fd] = nil
	if e.File != nil {
		if err := e.File.Close(); err != nil {
			return ToErrno(err)
		}
	}
	return ESUCCESS
}

// Close releases every dynamic open. It satisfies io.Closer so the execution
// context can free an owned table on destruction.
func (t *FdTable) Close() (err error) {
	for fd := t.preopenEnd; fd < int32(len(t.entries)); fd++ {
		e := t.entries[fd]
		t.entries[fd] = nil
		if e != nil && e.File != nil {
			if e2 := e.File.Close(); e2 != nil && err == nil {
				err = e2
			}
		}
	}
	return
}
