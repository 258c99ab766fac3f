// Package vm holds the per-instance execution state shared with compiled
// code: the fixed-offset context record, linear memory, tables, globals and
// segments, plus the bulk operations compiled code calls back into.
package vm

import "fmt"

// ValueType is one of the four numeric WASM value types. References travel as
// I64 words with the encoding owned by the gc package.
type ValueType byte

const (
	ValueTypeI32 ValueType = iota
	ValueTypeI64
	ValueTypeF32
	ValueTypeF64
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	default:
		return fmt.Sprintf("unknown(%d)", byte(v))
	}
}

// IsFloat reports whether the value travels in a float register on the
// generic call path. Floats always cross the boundary as raw bit patterns in
// 64-bit slots regardless.
func (v ValueType) IsFloat() bool {
	return v == ValueTypeF32 || v == ValueTypeF64
}

// Signature is the declared argument/result shape of a compiled function,
// part of the code-generator contract.
type Signature struct {
	Params  []ValueType
	Results []ValueType
}

func (s *Signature) String() string {
	return fmt.Sprintf("(%v)->(%v)", s.Params, s.Results)
}
