package gc

// Heap is the collaborator that stores GC objects. Slots are 1-based so the
// encoded form of a live reference is never 0. Collection is the
// collaborator's concern; this runtime only allocates and accesses.
type Heap interface {
	// AllocStruct allocates a struct of typeIdx with fieldCount zeroed
	// fields. ok is false on exhaustion.
	AllocStruct(typeIdx int32, fieldCount uint32) (slot uint32, ok bool)
	// AllocArray allocates an array of typeIdx with length elements, all
	// set to fill.
	AllocArray(typeIdx int32, length uint32, fill uint64) (slot uint32, ok bool)
	// TypeOf returns the concrete type of a live slot.
	TypeOf(slot uint32) (int32, bool)
	// FieldGet/FieldSet access struct fields and array elements uniformly.
	FieldGet(slot, idx uint32) (uint64, bool)
	FieldSet(slot, idx uint32, v uint64) bool
	// Length returns the element count of an array slot.
	Length(slot uint32) (uint32, bool)
}

// slotHeap is the default Heap: a flat object table with no collection.
// It backs tests and embedders that bound allocation externally.
type slotHeap struct {
	objects []slotObject
}

type slotObject struct {
	typeIdx int32
	array   bool
	fields  []uint64
}

// NewSlotHeap returns an empty default heap.
func NewSlotHeap() Heap {
	return &slotHeap{}
}

func (h *slotHeap) alloc(o slotObject) (uint32, bool) {
	h.objects = append(h.objects, o)
	return uint32(len(h.objects)), true // 1-based
}

func (h *slotHeap) AllocStruct(typeIdx int32, fieldCount uint32) (uint32, bool) {
	return h.alloc(slotObject{typeIdx: typeIdx, fields: make([]uint64, fieldCount)})
}

func (h *slotHeap) AllocArray(typeIdx int32, length uint32, fill uint64) (uint32, bool) {
	fields := make([]uint64, length)
	for i := range fields {
		fields[i] = fill
	}
	return h.alloc(slotObject{typeIdx: typeIdx, array: true, fields: fields})
}

func (h *slotHeap) get(slot uint32) *slotObject {
	if slot == 0 || uint32(len(h.objects)) < slot {
		return nil
	}
	return &h.objects[slot-1]
}

func (h *slotHeap) TypeOf(slot uint32) (int32, bool) {
	o := h.get(slot)
	if o == nil {
		return 0, false
	}
	return o.typeIdx, true
}

func (h *slotHeap) FieldGet(slot, idx uint32) (uint64, bool) {
	o := h.get(slot)
	if o == nil || uint32(len(o.fields)) <= idx {
		return 0, false
	}
	return o.fields[idx], true
}

func (h *slotHeap) FieldSet(slot, idx uint32, v uint64) bool {
	o := h.get(slot)
	if o == nil || uint32(len(o.fields)) <= idx {
		return false
	}
	o.fields[idx] = v
	return true
}

func (h *slotHeap) Length(slot uint32) (uint32, bool) {
	o := h.get(slot)
	if o == nil || !o.array {
		return 0, false
	}
	return uint32(len(o.fields)), true
}
