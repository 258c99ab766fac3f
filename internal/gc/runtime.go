package gc

import (
	"encoding/binary"

	"github.com/kaivm/kaivm/internal/trap"
)

// Runtime binds the type table, the heap and the funcref type mapping into
// the ref.test/ref.cast engine and the struct/array helpers compiled code
// calls back into. Helper failures raise traps; only allocation-style
// operations that the guest can observe as -1 return errors instead.
type Runtime struct {
	Types *TypeTable
	Heap  Heap
	// FuncTypeIndices maps function index to its concrete type index, for
	// testing funcrefs in negative-index form against concrete types.
	FuncTypeIndices []int32
}

// NewRuntime wires a runtime. heap may be nil, in which case the default
// slot heap is used.
func NewRuntime(types *TypeTable, heap Heap, funcTypes []int32) *Runtime {
	if heap == nil {
		heap = NewSlotHeap()
	}
	return &Runtime{Types: types, Heap: heap, FuncTypeIndices: funcTypes}
}

// heapType returns the concrete type of a heap-classified value, trapping on
// a corrupt slot: the encoding guarantees classification, not liveness.
func (r *Runtime) heapType(v uint64) (int32, bool) {
	slot, ok := DecodeHeap(v)
	if !ok {
		return 0, false
	}
	return r.Heap.TypeOf(slot)
}

// RefTest implements ref.test: classification by tag first, touching the
// heap only for heap references. Each tag has a fixed relation to every
// abstract target; concrete targets go through the subtype oracle.
func (r *Runtime) RefTest(v uint64, typeIdx int32, nullable bool) bool {
	class := Classify(v)
	if class == ClassNull {
		return nullable
	}

	if typeIdx >= 0 {
		return r.testConcrete(v, class, typeIdx)
	}

	switch typeIdx {
	case TypeAny:
		return class == ClassI31 || class == ClassHeap
	case TypeEq:
		if class == ClassI31 {
			return true
		}
		if class != ClassHeap {
			return false
		}
		t, ok := r.heapType(v)
		if !ok {
			return false
		}
		info, ok := r.Types.Info(t)
		return ok && (info.Kind == KindStruct || info.Kind == KindArray)
	case TypeI31:
		return class == ClassI31
	case TypeStruct:
		return r.heapKindIs(v, class, KindStruct)
	case TypeArray:
		return r.heapKindIs(v, class, KindArray)
	case TypeFunc:
		return class == ClassFuncref
	case TypeExtern:
		return class == ClassExternref
	case TypeNone, TypeNoFunc, TypeNoExtern:
		// Bottom types: only null inhabits them, handled above.
		return false
	default:
		return false
	}
}

func (r *Runtime) heapKindIs(v uint64, class Class, kind Kind) bool {
	if class != ClassHeap {
		return false
	}
	t, ok := r.heapType(v)
	if !ok {
		return false
	}
	info, ok := r.Types.Info(t)
	return ok && info.Kind == kind
}

func (r *Runtime) testConcrete(v uint64, class Class, typeIdx int32) bool {
	switch class {
	case ClassHeap:
		t, ok := r.heapType(v)
		return ok && r.Types.IsSubtype(t, typeIdx)
	case ClassFuncref:
		funcIdx, ok := DecodeFuncIndex(v)
		if !ok || uint32(len(r.FuncTypeIndices)) <= funcIdx {
			// Pointer-form funcrefs carry no index; without it only the
			// abstract func test can succeed.
			return false
		}
		return r.Types.IsSubtype(r.FuncTypeIndices[funcIdx], typeIdx)
	default:
		return false
	}
}

// RefCast implements ref.cast: it returns v unchanged when RefTest succeeds
// for the same target, and traps otherwise. It never returns a sentinel,
// which could collide with a valid encoding.
func (r *Runtime) RefCast(v uint64, typeIdx int32, nullable bool) uint64 {
	if !r.RefTest(v, typeIdx, nullable) {
		trap.Raise(trap.CodeIndirectCallTypeMismatch)
	}
	return v
}

// StructNew allocates a struct and initializes its fields in order.
func (r *Runtime) StructNew(typeIdx int32, fields []uint64) uint64 {
	info, ok := r.Types.Info(typeIdx)
	if !ok || info.Kind != KindStruct || uint32(len(fields)) != info.FieldCount {
		trap.Raise(trap.CodeUnknown)
	}
	slot, ok := r.Heap.AllocStruct(typeIdx, info.FieldCount)
	if !ok {
		trap.Raise(trap.CodeUnknown)
	}
	for i, f := range fields {
		r.Heap.FieldSet(slot, uint32(i), f)
	}
	return EncodeHeap(slot)
}

// StructNewDefault allocates a struct with zeroed fields.
func (r *Runtime) StructNewDefault(typeIdx int32) uint64 {
	info, ok := r.Types.Info(typeIdx)
	if !ok || info.Kind != KindStruct {
		trap.Raise(trap.CodeUnknown)
	}
	slot, ok := r.Heap.AllocStruct(typeIdx, info.FieldCount)
	if !ok {
		trap.Raise(trap.CodeUnknown)
	}
	return EncodeHeap(slot)
}

// structSlot decodes a struct reference, trapping on null or non-heap
// values: helpers never trust the caller.
func (r *Runtime) structSlot(ref uint64) uint32 {
	slot, ok := DecodeHeap(ref)
	if !ok {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	return slot
}

// StructGet reads a field.
func (r *Runtime) StructGet(ref uint64, fieldIdx uint32) uint64 {
	v, ok := r.Heap.FieldGet(r.structSlot(ref), fieldIdx)
	if !ok {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	return v
}

// StructSet writes a field.
func (r *Runtime) StructSet(ref uint64, fieldIdx uint32, v uint64) {
	if !r.Heap.FieldSet(r.structSlot(ref), fieldIdx, v) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
}

// ArrayNew allocates an array of length elements set to fill.
func (r *Runtime) ArrayNew(typeIdx int32, fill uint64, length uint32) uint64 {
	info, ok := r.Types.Info(typeIdx)
	if !ok || info.Kind != KindArray {
		trap.Raise(trap.CodeUnknown)
	}
	slot, ok := r.Heap.AllocArray(typeIdx, length, fill)
	if !ok {
		trap.Raise(trap.CodeUnknown)
	}
	return EncodeHeap(slot)
}

// ArrayNewDefault allocates a zero-filled array.
func (r *Runtime) ArrayNewDefault(typeIdx int32, length uint32) uint64 {
	return r.ArrayNew(typeIdx, 0, length)
}

// ElemBytes returns the element byte width of a data-backed array type.
func (r *Runtime) ElemBytes(typeIdx int32) uint32 {
	info, ok := r.Types.Info(typeIdx)
	if !ok || info.Kind != KindArray {
		return 0
	}
	return info.ElemBytes
}

// ArrayNewFromBytes builds an array from raw segment bytes, decoding
// little-endian elements of the type's width. The caller has already done
// the segment bounds/drop checks.
func (r *Runtime) ArrayNewFromBytes(typeIdx int32, data []byte) uint64 {
	width := r.ElemBytes(typeIdx)
	if width == 0 || uint32(len(data))%width != 0 {
		trap.Raise(trap.CodeUnknown)
	}
	length := uint32(len(data)) / width
	ref := r.ArrayNewDefault(typeIdx, length)
	slot, _ := DecodeHeap(ref)
	for i := uint32(0); i < length; i++ {
		r.Heap.FieldSet(slot, i, readElem(data[i*width:], width))
	}
	return ref
}

// ArrayNewFromValues builds a reference-element array from segment values.
func (r *Runtime) ArrayNewFromValues(typeIdx int32, values []uint64) uint64 {
	info, ok := r.Types.Info(typeIdx)
	if !ok || info.Kind != KindArray {
		trap.Raise(trap.CodeUnknown)
	}
	ref := r.ArrayNewDefault(typeIdx, uint32(len(values)))
	slot, _ := DecodeHeap(ref)
	for i, v := range values {
		r.Heap.FieldSet(slot, uint32(i), v)
	}
	return ref
}

// arrayCheck decodes an array reference and bounds-checks
// [idx, idx+length) against its length.
func (r *Runtime) arrayCheck(ref uint64, idx, length uint32) uint32 {
	slot, ok := DecodeHeap(ref)
	if !ok {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	n, ok := r.Heap.Length(slot)
	if !ok || uint64(n) < uint64(idx) || uint64(n)-uint64(idx) < uint64(length) {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	return slot
}

// ArrayGet reads one element with an explicit bounds check.
func (r *Runtime) ArrayGet(ref uint64, idx uint32) uint64 {
	slot := r.arrayCheck(ref, idx, 1)
	v, _ := r.Heap.FieldGet(slot, idx)
	return v
}

// ArraySet writes one element with an explicit bounds check.
func (r *Runtime) ArraySet(ref uint64, idx uint32, v uint64) {
	slot := r.arrayCheck(ref, idx, 1)
	r.Heap.FieldSet(slot, idx, v)
}

// ArrayLen returns the element count.
func (r *Runtime) ArrayLen(ref uint64) uint32 {
	slot, ok := DecodeHeap(ref)
	if !ok {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	n, ok := r.Heap.Length(slot)
	if !ok {
		trap.Raise(trap.CodeOutOfBoundsMemoryAccess)
	}
	return n
}

// ArrayInitFromBytes implements array.init_data into an existing array.
func (r *Runtime) ArrayInitFromBytes(ref uint64, dstIdx uint32, typeIdx int32, data []byte) {
	width := r.ElemBytes(typeIdx)
	if width == 0 || uint32(len(data))%width != 0 {
		trap.Raise(trap.CodeUnknown)
	}
	length := uint32(len(data)) / width
	slot := r.arrayCheck(ref, dstIdx, length)
	for i := uint32(0); i < length; i++ {
		r.Heap.FieldSet(slot, dstIdx+i, readElem(data[i*width:], width))
	}
}

// ArrayInitFromValues implements array.init_elem into an existing array.
func (r *Runtime) ArrayInitFromValues(ref uint64, dstIdx uint32, values []uint64) {
	slot := r.arrayCheck(ref, dstIdx, uint32(len(values)))
	for i, v := range values {
		r.Heap.FieldSet(slot, dstIdx+uint32(i), v)
	}
}

func readElem(data []byte, width uint32) uint64 {
	switch width {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	default:
		return binary.LittleEndian.Uint64(data)
	}
}
