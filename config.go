package kaivm

import (
	"io"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// MemoryMode selects how linear memories are allocated.
type MemoryMode int

const (
	// MemoryModeAuto uses the guard reservation where the platform supports
	// it and falls back to a plain buffer elsewhere.
	MemoryModeAuto MemoryMode = iota
	// MemoryModeGuarded requires the guard reservation and fails otherwise.
	MemoryModeGuarded
	// MemoryModeBuffer always uses a plain buffer with explicit bounds
	// checks in every helper.
	MemoryModeBuffer
)

type mount struct {
	guestPath string
	fs        afero.Fs
}

// RuntimeConfig controls runtime construction. Use NewRuntimeConfig and the
// With methods, which clone so configs can be shared and forked safely.
type RuntimeConfig struct {
	logger       *zap.Logger
	memoryMode   MemoryMode
	mounts       []mount
	args         []string
	environ      []string
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer
	rand         io.Reader
	walltime     func() int64
	monotonic    func() int64
	maxCallDepth int
}

// NewRuntimeConfig returns the default configuration: no-op logging, auto
// memory mode, no mounts and inoperative stdio.
func NewRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{logger: zap.NewNop()}
}

func (c *RuntimeConfig) clone() *RuntimeConfig {
	clone := *c
	clone.mounts = append([]mount(nil), c.mounts...)
	clone.args = append([]string(nil), c.args...)
	clone.environ = append([]string(nil), c.environ...)
	return &clone
}

// WithLogger attaches a structured logger.
func (c *RuntimeConfig) WithLogger(logger *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	if logger == nil {
		logger = zap.NewNop()
	}
	ret.logger = logger
	return ret
}

// WithMemoryMode selects the linear-memory allocator.
func (c *RuntimeConfig) WithMemoryMode(mode MemoryMode) *RuntimeConfig {
	ret := c.clone()
	ret.memoryMode = mode
	return ret
}

// WithFSMount pre-opens fs at guestPath for the WASI boundary.
func (c *RuntimeConfig) WithFSMount(guestPath string, fs afero.Fs) *RuntimeConfig {
	ret := c.clone()
	ret.mounts = append(ret.mounts, mount{guestPath: guestPath, fs: fs})
	return ret
}

// WithArgs sets the argv snapshot visible through args_get.
func (c *RuntimeConfig) WithArgs(args ...string) *RuntimeConfig {
	ret := c.clone()
	ret.args = args
	return ret
}

// WithEnviron sets the environment snapshot visible through environ_get.
// Entries are expected in "key=value" form.
func (c *RuntimeConfig) WithEnviron(environ ...string) *RuntimeConfig {
	ret := c.clone()
	ret.environ = environ
	return ret
}

// WithStdio attaches the three standard streams. Nil streams stay present
// but report EBADF on use.
func (c *RuntimeConfig) WithStdio(stdin io.Reader, stdout, stderr io.Writer) *RuntimeConfig {
	ret := c.clone()
	ret.stdin, ret.stdout, ret.stderr = stdin, stdout, stderr
	return ret
}

// WithRandSource overrides the random_get source, e.g. for reproducibility.
func (c *RuntimeConfig) WithRandSource(r io.Reader) *RuntimeConfig {
	ret := c.clone()
	ret.rand = r
	return ret
}

// WithClocks overrides the realtime and monotonic nanosecond clocks.
func (c *RuntimeConfig) WithClocks(walltime, monotonic func() int64) *RuntimeConfig {
	ret := c.clone()
	ret.walltime, ret.monotonic = walltime, monotonic
	return ret
}

// WithMaxCallDepth bounds host/guest re-entrancy, 0 meaning the default.
func (c *RuntimeConfig) WithMaxCallDepth(depth int) *RuntimeConfig {
	ret := c.clone()
	ret.maxCallDepth = depth
	return ret
}
