// Package kaivm is the native execution substrate of a WebAssembly JIT: it
// materializes generated machine code, builds per-instance execution
// contexts and drives calls across the native boundary with trap recovery,
// bulk memory/table helpers, GC references and WASI descriptors.
//
// The code generator is an external collaborator: this package consumes
// opaque machine-code buffers plus type signatures and shares the
// fixed-offset execution-context layout with them.
package kaivm

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/kaivm/kaivm/internal/gc"
	"github.com/kaivm/kaivm/internal/jit"
	"github.com/kaivm/kaivm/internal/vm"
	"github.com/kaivm/kaivm/internal/wasi"
)

// Aliases re-exporting the contract types, so embedders never import
// internal packages directly.
type (
	ValueType  = vm.ValueType
	Signature  = vm.Signature
	TableEntry = vm.TableEntry
	GCTypeInfo = gc.TypeInfo
	GCKind     = gc.Kind
)

const (
	ValueTypeI32 = vm.ValueTypeI32
	ValueTypeI64 = vm.ValueTypeI64
	ValueTypeF32 = vm.ValueTypeF32
	ValueTypeF64 = vm.ValueTypeF64

	GCKindFunc   = gc.KindFunc
	GCKindStruct = gc.KindStruct
	GCKindArray  = gc.KindArray
)

// FunctionSpec is one generated function: the opaque code buffer and its
// declared signature.
type FunctionSpec struct {
	Code []byte
	Sig  Signature
}

// TableSpec declares one table. Max of 0 means no declared maximum.
type TableSpec struct {
	Min, Max uint32
}

// Module is the generator's output for one module, ready to instantiate.
type Module struct {
	Functions []FunctionSpec

	HasMemory            bool
	MemoryMin, MemoryMax uint32 // pages

	Tables []TableSpec

	Globals []uint64

	DataSegments    [][]byte
	ElementSegments [][]TableEntry

	// GC type metadata; empty when the module uses no reference types.
	GCTypes          []GCTypeInfo
	GCCanonicalTypes []int32
	FuncTypeIndices  []int32
}

// Runtime owns the engine, the executable memory behind it and the host
// functions shared by its instances.
type Runtime struct {
	config *RuntimeConfig
	log    *zap.Logger
	engine *jit.Engine

	hosts     map[*vm.Instance]*wasi.SnapshotPreview1
	wasiIndex map[string]uint32
}

// NewRuntime builds a runtime from config. A nil config uses the defaults.
func NewRuntime(config *RuntimeConfig) *Runtime {
	if config == nil {
		config = NewRuntimeConfig()
	} else {
		config = config.clone()
	}
	r := &Runtime{
		config: config,
		log:    config.logger,
		engine: jit.NewEngine(config.logger),
		hosts:  make(map[*vm.Instance]*wasi.SnapshotPreview1),
	}
	r.registerWASI()
	return r
}

// CompileFunction materializes one generated buffer ahead of instantiation
// and returns its function index.
func (r *Runtime) CompileFunction(spec FunctionSpec) (uint32, error) {
	sig := spec.Sig
	return r.engine.AddFunction(spec.Code, &sig)
}

// WASIFunctionIndex returns the host-call index of a wasi_snapshot_preview1
// function, part of the code-generator contract.
func (r *Runtime) WASIFunctionIndex(name string) (uint32, bool) {
	idx, ok := r.wasiIndex[name]
	return idx, ok
}

// Instantiate builds an execution context for mod: memory, tables, globals,
// segments, the GC runtime and the WASI descriptor table, with every
// generator-visible field published at its fixed offset.
func (r *Runtime) Instantiate(mod *Module) (*Instance, error) {
	if mod == nil {
		return nil, fmt.Errorf("nil module")
	}
	inst := vm.NewInstance()
	fnBase := r.engine.NumFunctions()
	instantiated := false
	defer func() {
		// A failed instantiation releases everything it attached: the owned
		// memory reservation and the code pages compiled for this module.
		if !instantiated {
			_ = inst.Close()
			_ = r.engine.Truncate(fnBase)
		}
	}()

	if mod.HasMemory {
		mem, err := r.newMemory(mod.MemoryMin, mod.MemoryMax)
		if err != nil {
			return nil, err
		}
		inst.SetMemory(mem, true)
	}

	for _, ts := range mod.Tables {
		inst.AddTable(vm.NewTable(ts.Min, ts.Max), true)
	}

	inst.SetGlobals(append([]uint64(nil), mod.Globals...))

	for _, data := range mod.DataSegments {
		inst.Data = append(inst.Data, vm.NewDataSegment(data))
	}
	for _, entries := range mod.ElementSegments {
		inst.Elems = append(inst.Elems, vm.NewElementSegment(entries))
	}

	functions := make([]uintptr, 0, len(mod.Functions))
	for _, spec := range mod.Functions {
		idx, err := r.CompileFunction(spec)
		if err != nil {
			return nil, fmt.Errorf("failed to compile function %d: %w", len(functions), err)
		}
		ptr, _ := r.engine.FunctionPointer(idx)
		functions = append(functions, ptr)
	}
	inst.SetFunctions(functions)

	if len(mod.GCTypes) > 0 {
		types := gc.NewTypeTable(mod.GCTypes, mod.GCCanonicalTypes)
		inst.GC = gc.NewRuntime(types, nil, mod.FuncTypeIndices)
	}

	preopens := make([]wasi.Preopen, 0, len(r.config.mounts))
	for _, m := range r.config.mounts {
		preopens = append(preopens, wasi.Preopen{GuestPath: m.guestPath, FS: m.fs})
	}
	fdTable := wasi.NewFdTable(r.config.stdin, r.config.stdout, r.config.stderr, preopens)
	host := wasi.New(fdTable, r.config.args, r.config.environ)
	if r.config.rand != nil {
		host.Rand = r.config.rand
	}
	if r.config.walltime != nil {
		host.Walltime = r.config.walltime
	}
	if r.config.monotonic != nil {
		host.Monotonic = r.config.monotonic
	}
	inst.SetFdTable(fdTable, true)
	inst.Args = append([]string(nil), r.config.args...)
	inst.Environ = append([]string(nil), r.config.environ...)

	r.hosts[inst] = host

	r.log.Debug("instantiated module",
		zap.Int("functions", len(mod.Functions)),
		zap.Bool("memory", mod.HasMemory),
		zap.Int("tables", len(mod.Tables)))

	instantiated = true
	return &Instance{
		runtime: r,
		inst:    inst,
		ce:      r.engine.NewCallEngine(r.config.maxCallDepth),
	}, nil
}

func (r *Runtime) newMemory(minPages, maxPages uint32) (*vm.Memory, error) {
	switch r.config.memoryMode {
	case MemoryModeGuarded:
		return vm.NewMemory(minPages, maxPages, true)
	case MemoryModeBuffer:
		return vm.NewMemory(minPages, maxPages, false)
	default:
		if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
			if mem, err := vm.NewMemory(minPages, maxPages, true); err == nil {
				return mem, nil
			}
		}
		return vm.NewMemory(minPages, maxPages, false)
	}
}

// Close releases all executable memory. Instances must be closed first.
func (r *Runtime) Close() error {
	r.hosts = make(map[*vm.Instance]*wasi.SnapshotPreview1)
	return r.engine.Close()
}

// Instance is one instantiated module bound to its call engine.
type Instance struct {
	runtime *Runtime
	inst    *vm.Instance
	ce      *jit.CallEngine
}

// Call invokes function fnIndex with the generic register-packing path.
// Parameters and results are raw 64-bit words in signature order, floats as
// bit patterns.
func (i *Instance) Call(fnIndex uint32, params ...uint64) ([]uint64, error) {
	return i.ce.Call(i.inst, fnIndex, params...)
}

// CallWithGlue invokes function fnIndex through generator-produced
// trampoline glue against the flat values vector.
func (i *Instance) CallWithGlue(glue uintptr, fnIndex uint32, values []uint64) error {
	return i.ce.CallWithGlue(i.inst, glue, fnIndex, values)
}

// Close destroys the execution context, releasing owned sub-objects only.
func (i *Instance) Close() error {
	delete(i.runtime.hosts, i.inst)
	return i.inst.Close()
}

// errnoResult adapts a WASI errno to the helper-buffer convention.
func errnoResult(e wasi.Errno) []uint64 {
	return []uint64{uint64(e)}
}

// registerWASI registers the preview1 functions as host functions in a fixed
// order and records their indexes by name.
func (r *Runtime) registerWASI() {
	r.wasiIndex = make(map[string]uint32)
	register := func(name string, fn jit.HostFunction) {
		r.wasiIndex[name] = r.engine.RegisterHostFunction(fn)
	}
	host := func(inst *vm.Instance) *wasi.SnapshotPreview1 {
		return r.hosts[inst]
	}

	register("fd_write", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.FdWrite(inst, int32(args[0]), uint32(args[1]), uint32(args[2]), uint32(args[3])))
	})
	register("fd_read", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.FdRead(inst, int32(args[0]), uint32(args[1]), uint32(args[2]), uint32(args[3])))
	})
	register("fd_seek", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.FdSeek(inst, int32(args[0]), int64(args[1]), uint32(args[2]), uint32(args[3])))
	})
	register("fd_close", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.FdClose(inst, int32(args[0])))
	})
	register("fd_fdstat_get", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.FdFdstatGet(inst, int32(args[0]), uint32(args[1])))
	})
	register("fd_prestat_get", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.FdPrestatGet(inst, int32(args[0]), uint32(args[1])))
	})
	register("fd_prestat_dir_name", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.FdPrestatDirName(inst, int32(args[0]), uint32(args[1]), uint32(args[2])))
	})
	register("path_open", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.PathOpen(inst, int32(args[0]), uint32(args[1]), uint32(args[2]), uint32(args[3]),
			uint32(args[4]), args[5], args[6], uint32(args[7]), uint32(args[8])))
	})
	register("args_get", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.ArgsGet(inst, uint32(args[0]), uint32(args[1])))
	})
	register("args_sizes_get", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.ArgsSizesGet(inst, uint32(args[0]), uint32(args[1])))
	})
	register("environ_get", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.EnvironGet(inst, uint32(args[0]), uint32(args[1])))
	})
	register("environ_sizes_get", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.EnvironSizesGet(inst, uint32(args[0]), uint32(args[1])))
	})
	register("clock_time_get", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.ClockTimeGet(inst, uint32(args[0]), args[1], uint32(args[2])))
	})
	register("random_get", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		return errnoResult(h.RandomGet(inst, uint32(args[0]), uint32(args[1])))
	})
	register("proc_exit", func(inst *vm.Instance, args []uint64) []uint64 {
		h := host(inst)
		if h == nil {
			return errnoResult(wasi.ENOSYS)
		}
		h.ProcExit(inst, uint32(args[0]))
		return nil
	})
}
