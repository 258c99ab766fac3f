//go:build darwin || linux || freebsd || windows

package kaivm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestRuntimeConfig_CloneOnWith(t *testing.T) {
	base := NewRuntimeConfig()
	derived := base.
		WithMemoryMode(MemoryModeBuffer).
		WithArgs("prog", "a").
		WithEnviron("K=V").
		WithFSMount("/data", afero.NewMemMapFs()).
		WithMaxCallDepth(16)

	// The base is untouched.
	require.Equal(t, MemoryModeAuto, base.memoryMode)
	require.Empty(t, base.args)
	require.Empty(t, base.mounts)
	require.Zero(t, base.maxCallDepth)

	require.Equal(t, MemoryModeBuffer, derived.memoryMode)
	require.Equal(t, []string{"prog", "a"}, derived.args)
	require.Equal(t, []string{"K=V"}, derived.environ)
	require.Len(t, derived.mounts, 1)
	require.Equal(t, "/data", derived.mounts[0].guestPath)
	require.Equal(t, 16, derived.maxCallDepth)

	// Forking the base again does not see the derived mounts.
	other := base.WithFSMount("/other", afero.NewMemMapFs())
	require.Len(t, other.mounts, 1)
	require.Equal(t, "/other", other.mounts[0].guestPath)
}

func TestRuntime_Instantiate(t *testing.T) {
	r := NewRuntime(NewRuntimeConfig().
		WithMemoryMode(MemoryModeBuffer).
		WithArgs("prog").
		WithStdio(strings.NewReader(""), new(bytes.Buffer), new(bytes.Buffer)))
	defer func() { require.NoError(t, r.Close()) }()

	mod := &Module{
		Functions: []FunctionSpec{
			{Code: []byte{0xc3}, Sig: Signature{Params: []ValueType{ValueTypeI32}}},
		},
		HasMemory: true,
		MemoryMin: 1,
		MemoryMax: 2,
		Tables:    []TableSpec{{Min: 4}},
		Globals:   []uint64{7, 8},
		DataSegments: [][]byte{
			{1, 2, 3},
		},
		ElementSegments: [][]TableEntry{
			{{Value: 1, TypeID: 0}},
		},
	}

	inst, err := r.Instantiate(mod)
	require.NoError(t, err)
	defer func() { require.NoError(t, inst.Close()) }()

	require.NotNil(t, inst.inst.Memory)
	require.Equal(t, uint32(1), inst.inst.Memory.Pages())
	require.False(t, inst.inst.Memory.Guarded())
	require.Len(t, inst.inst.Tables, 1)
	require.Equal(t, uint32(4), inst.inst.Tables[0].Size())
	require.Equal(t, []uint64{7, 8}, inst.inst.Globals)
	require.Len(t, inst.inst.Functions, 1)
	require.NotZero(t, inst.inst.Functions[0])
	require.Len(t, inst.inst.Data, 1)
	require.Len(t, inst.inst.Elems, 1)
	require.NotNil(t, inst.inst.FdTable)
	require.Nil(t, inst.inst.GC)

	_, err = r.Instantiate(nil)
	require.Error(t, err)
}

func TestRuntime_InstantiateFailureReleases(t *testing.T) {
	r := NewRuntime(NewRuntimeConfig().WithMemoryMode(MemoryModeBuffer))
	defer func() { require.NoError(t, r.Close()) }()

	// An empty code buffer fails to materialize after the first function
	// already compiled and the memory attached.
	_, err := r.Instantiate(&Module{
		Functions: []FunctionSpec{
			{Code: []byte{0xc3}, Sig: Signature{}},
			{Code: nil, Sig: Signature{}},
		},
		HasMemory: true,
		MemoryMin: 1,
		MemoryMax: 1,
	})
	require.Error(t, err)

	// The partially compiled batch is rolled back and no host was recorded.
	require.Zero(t, r.engine.NumFunctions())
	require.Empty(t, r.hosts)

	// The engine stays usable for the next module.
	inst, err := r.Instantiate(&Module{
		Functions: []FunctionSpec{{Code: []byte{0xc3}, Sig: Signature{}}},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, inst.Close()) }()
	require.Equal(t, 1, r.engine.NumFunctions())
}

func TestRuntime_InstantiateGC(t *testing.T) {
	r := NewRuntime(NewRuntimeConfig().WithMemoryMode(MemoryModeBuffer))
	defer func() { require.NoError(t, r.Close()) }()

	inst, err := r.Instantiate(&Module{
		GCTypes: []GCTypeInfo{
			{Kind: GCKindStruct, Super: -1, FieldCount: 2},
		},
		FuncTypeIndices: []int32{0},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, inst.Close()) }()

	require.NotNil(t, inst.inst.GC)
	ref := inst.inst.GC.StructNew(0, []uint64{5, 6})
	require.Equal(t, uint64(5), inst.inst.GC.StructGet(ref, 0))
}

func TestRuntime_WASIFunctionIndex(t *testing.T) {
	r := NewRuntime(nil)
	defer func() { require.NoError(t, r.Close()) }()

	seen := map[uint32]string{}
	for _, name := range []string{
		"fd_write", "fd_read", "fd_seek", "fd_close", "fd_fdstat_get",
		"fd_prestat_get", "fd_prestat_dir_name", "path_open",
		"args_get", "args_sizes_get", "environ_get", "environ_sizes_get",
		"clock_time_get", "random_get", "proc_exit",
	} {
		idx, ok := r.WASIFunctionIndex(name)
		require.True(t, ok, name)
		require.NotContains(t, seen, idx, name)
		seen[idx] = name
	}

	_, ok := r.WASIFunctionIndex("sock_accept")
	require.False(t, ok)
}

func TestRuntime_WASIHostDispatch(t *testing.T) {
	stdout := new(bytes.Buffer)
	r := NewRuntime(NewRuntimeConfig().
		WithMemoryMode(MemoryModeBuffer).
		WithStdio(strings.NewReader(""), stdout, new(bytes.Buffer)))
	defer func() { require.NoError(t, r.Close()) }()

	inst, err := r.Instantiate(&Module{HasMemory: true, MemoryMin: 1, MemoryMax: 1})
	require.NoError(t, err)
	defer func() { require.NoError(t, inst.Close()) }()

	// Drive fd_write the way a compiled host-call status would: arguments in
	// order, errno back in slot 0.
	require.True(t, inst.inst.MemWrite(100, []byte("hi")))
	require.True(t, inst.inst.MemWriteUint32(32, 100)) // iov ptr
	require.True(t, inst.inst.MemWriteUint32(36, 2))   // iov len

	host := r.hosts[inst.inst]
	require.NotNil(t, host)

	errno := host.FdWrite(inst.inst, 1, 32, 1, 64)
	require.Zero(t, uint32(errno))
	require.Equal(t, "hi", stdout.String())
	n, ok := inst.inst.MemReadUint32(64)
	require.True(t, ok)
	require.Equal(t, uint32(2), n)
}
