package vm

// ---------------------------------------------------------------------------
// Heap: handle table with reference counting
// ---------------------------------------------------------------------------

// heap is the machine's object table. Values carry 48-bit handles into the
// slots slice rather than raw pointers, so every live object is enumerable
// by the cycle collector and destruction order is fully deterministic.
//
// Handle 0 is reserved as invalid.
type heap struct {
	slots []*Object
	free  []uint64
}

func newHeap() *heap {
	return &heap{slots: make([]*Object, 1, 256)}
}

// alloc registers obj and returns its handle. The object starts with a
// reference count of 1, owned by the caller.
func (h *heap) alloc(obj *Object) uint64 {
	obj.refs = 1
	var handle uint64
	if n := len(h.free); n > 0 {
		handle = h.free[n-1]
		h.free = h.free[:n-1]
		h.slots[handle] = obj
	} else {
		handle = uint64(len(h.slots))
		h.slots = append(h.slots, obj)
	}
	obj.handle = handle
	return handle
}

// get returns the object for a handle, or nil for a freed slot.
func (h *heap) get(handle uint64) *Object {
	if handle == 0 || handle >= uint64(len(h.slots)) {
		return nil
	}
	return h.slots[handle]
}

// liveCount returns the number of live objects. Exposed for tests via Machine.
func (h *heap) liveCount() int {
	n := 0
	for _, obj := range h.slots {
		if obj != nil {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Machine-level reference counting
// ---------------------------------------------------------------------------

// obj dereferences an object value. Panics on a dangling handle, which can
// only arise from a reference-counting bug in the engine itself.
func (m *Machine) obj(v Value) *Object {
	o := m.heap.get(v.Handle())
	if o == nil {
		panic("vm: dangling object handle")
	}
	return o
}

// objOrNil dereferences an object value, returning nil for non-objects.
func (m *Machine) objOrNil(v Value) *Object {
	if !v.IsObject() {
		return nil
	}
	return m.heap.get(v.Handle())
}

// Retain increments the reference count of v's object, if it has one.
// Immediates pass through unchanged. Returns v for call-site convenience.
func (m *Machine) Retain(v Value) Value {
	if v.IsObject() {
		m.obj(v).refs++
	}
	return v
}

// Release decrements the reference count of v's object, destroying it
// synchronously when the count reaches zero. Destruction runs native
// finalizers exactly once and releases every owned child reference, so a
// dropped aggregate tears down its whole exclusively-owned subgraph.
func (m *Machine) Release(v Value) {
	if !v.IsObject() {
		return
	}
	obj := m.obj(v)
	obj.refs--
	if obj.refs > 0 {
		return
	}
	if obj.refs < 0 {
		panic("vm: negative reference count")
	}
	m.destroy(obj)
}

// destroy finalizes obj, releases its children, and frees its handle.
func (m *Machine) destroy(obj *Object) {
	// Unlink the slot first so re-entrant releases of cyclic garbage
	// (already reclaimed by the collector) cannot resurrect it.
	m.heap.slots[obj.handle] = nil
	m.heap.free = append(m.heap.free, obj.handle)

	if f, ok := obj.payload.(Finalizer); ok {
		f.Finalize()
	}
	obj.eachRef(func(child Value) {
		if child.IsValid() {
			m.releaseSafe(child)
		}
	})
	obj.attrs = nil
	obj.payload = nil
}

// releaseSafe releases a child reference, tolerating handles already freed
// by the cycle collector within the same sweep.
func (m *Machine) releaseSafe(v Value) {
	if !v.IsObject() {
		return
	}
	if m.heap.get(v.Handle()) == nil {
		return
	}
	m.Release(v)
}

// LiveObjects returns the number of live heap objects. Intended for tests
// and collector diagnostics.
func (m *Machine) LiveObjects() int {
	return m.heap.liveCount()
}
