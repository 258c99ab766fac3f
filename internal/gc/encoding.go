// Package gc implements the reference-value encoding and the subtype
// test/cast engine. A reference is a single 64-bit word whose tag bits
// classify it without touching the heap; only genuine heap references are
// dereferenced, and only after classification.
package gc

// Value encoding tags. The two high tag bits are mutually exclusive with
// each other and with the low i31 bit, and a 1-based heap slot shifted left
// can never collide with any of them for realistic heap sizes.
const (
	// RefNull is the null reference of every hierarchy.
	RefNull uint64 = 0
	// funcrefTag marks a funcref carried as a tagged code pointer.
	funcrefTag uint64 = 0x2000000000000000
	// externrefTag marks an externref.
	externrefTag uint64 = 0x4000000000000000
	refTagsMask         = funcrefTag | externrefTag
)

// Class is the coarse classification of an encoded value derived purely
// from its bits.
type Class uint8

const (
	ClassNull Class = iota
	ClassI31
	ClassFuncref
	ClassExternref
	ClassHeap
)

func (c Class) String() string {
	switch c {
	case ClassNull:
		return "null"
	case ClassI31:
		return "i31"
	case ClassFuncref:
		return "funcref"
	case ClassExternref:
		return "externref"
	default:
		return "heap"
	}
}

// Classify buckets v by its encoding. Negative words are the function-index
// form of funcref, so the sign test must precede the low-bit test: -1 is
// funcref index 0, not an i31.
func Classify(v uint64) Class {
	switch {
	case v == RefNull:
		return ClassNull
	case int64(v) < 0:
		return ClassFuncref
	case v&externrefTag != 0:
		return ClassExternref
	case v&funcrefTag != 0:
		return ClassFuncref
	case v&1 == 1:
		return ClassI31
	default:
		return ClassHeap
	}
}

// EncodeI31 packs a signed 31-bit payload as (payload<<1)|1. The payload
// occupies bits 1..31 only, so no i31 encoding is ever negative as a word.
func EncodeI31(payload int32) uint64 {
	return uint64(uint32(payload)&0x7fffffff)<<1 | 1
}

// DecodeI31 recovers the signed payload by sign-extending from bit 30.
func DecodeI31(v uint64) int32 {
	raw := uint32(v>>1) & 0x7fffffff
	return int32(raw<<1) >> 1
}

// EncodeHeap encodes a 1-based heap slot. Slot 0 is reserved so that no
// heap encoding equals null.
func EncodeHeap(slot uint32) uint64 {
	return uint64(slot) << 1
}

// DecodeHeap returns the 1-based slot, or false when v is not a heap
// reference.
func DecodeHeap(v uint64) (uint32, bool) {
	if Classify(v) != ClassHeap {
		return 0, false
	}
	return uint32(v >> 1), true
}

// EncodeFuncIndex encodes a function index in the negative form -(idx+1).
func EncodeFuncIndex(funcIdx uint32) uint64 {
	return uint64(-(int64(funcIdx) + 1))
}

// DecodeFuncIndex recovers the function index from the negative form.
func DecodeFuncIndex(v uint64) (uint32, bool) {
	if int64(v) >= 0 {
		return 0, false
	}
	return uint32(-int64(v) - 1), true
}

// EncodeFuncPtr tags a native code pointer as a funcref.
func EncodeFuncPtr(ptr uintptr) uint64 {
	return uint64(ptr) | funcrefTag
}

// EncodeExtern tags a host handle as an externref.
func EncodeExtern(handle uint64) uint64 {
	return handle&^refTagsMask | externrefTag
}

// DecodeExtern strips the externref tag.
func DecodeExtern(v uint64) uint64 {
	return v &^ refTagsMask
}
