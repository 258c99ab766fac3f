package gc

// Abstract type indices, negative so they never collide with concrete type
// indices from the module's type section.
const (
	TypeAny      int32 = -1
	TypeEq       int32 = -2
	TypeI31      int32 = -3
	TypeStruct   int32 = -4
	TypeArray    int32 = -5
	TypeFunc     int32 = -6
	TypeExtern   int32 = -7
	TypeNone     int32 = -8
	TypeNoFunc   int32 = -9
	TypeNoExtern int32 = -10
)

// Kind is the shape of a concrete heap type.
type Kind uint8

const (
	KindFunc Kind = iota
	KindStruct
	KindArray
)

// TypeInfo describes one concrete type.
type TypeInfo struct {
	Kind Kind
	// Super is the declared supertype index, or -1 at the top of a chain.
	Super int32
	// FieldCount is the number of fields of a struct type.
	FieldCount uint32
	// ElemBytes is the element width of a data-backed array type (1, 2, 4
	// or 8), 0 for reference-element arrays and non-array types.
	ElemBytes uint32
}

// TypeTable is the precomputed subtype oracle: per-type info, the supertype
// chains implied by Super, and canonical indices under which structurally
// identical recursive types compare equal.
type TypeTable struct {
	types     []TypeInfo
	canonical []int32
}

// NewTypeTable builds a table. canonical may be nil, in which case every
// type is its own canonical representative.
func NewTypeTable(types []TypeInfo, canonical []int32) *TypeTable {
	if canonical == nil {
		canonical = make([]int32, len(types))
		for i := range canonical {
			canonical[i] = int32(i)
		}
	}
	return &TypeTable{types: types, canonical: canonical}
}

// Len returns the number of concrete types.
func (tt *TypeTable) Len() int { return len(tt.types) }

// Info returns the info for a concrete type index.
func (tt *TypeTable) Info(typeIdx int32) (TypeInfo, bool) {
	if typeIdx < 0 || int(typeIdx) >= len(tt.types) {
		return TypeInfo{}, false
	}
	return tt.types[typeIdx], true
}

func (tt *TypeTable) canonicalOf(typeIdx int32) int32 {
	if typeIdx < 0 || int(typeIdx) >= len(tt.canonical) {
		return typeIdx
	}
	return tt.canonical[typeIdx]
}

// IsSubtype reports whether concrete sub is a subtype of concrete super.
// Canonical-index equality short-circuits the walk so structurally identical
// recursive types compare equal without deep comparison; otherwise the
// declared supertype chain is walked upwards from sub. A well-formed chain
// has at most Len links, so the walk is capped there and a malformed cyclic
// chain answers false instead of hanging.
func (tt *TypeTable) IsSubtype(sub, super int32) bool {
	if sub == super {
		return true
	}
	if sub < 0 || int(sub) >= len(tt.types) || super < 0 {
		return false
	}
	superCanon := tt.canonicalOf(super)
	t := sub
	for steps := 0; t >= 0 && steps <= len(tt.types); steps++ {
		if int(t) >= len(tt.types) {
			return false
		}
		if t == super || tt.canonicalOf(t) == superCanon {
			return true
		}
		t = tt.types[t].Super
	}
	return false
}
