package vm

// ---------------------------------------------------------------------------
// Cycle collector
// ---------------------------------------------------------------------------

// CollectCycles reclaims reference cycles that plain counting cannot free.
//
// The collector infers its roots instead of tracking them: it counts, for
// every live object, how many references to it come from other heap
// objects. Any object whose reference count exceeds that internal count is
// held from outside the heap — a Go frame, a machine table, the embedder —
// and is a root. Everything unreachable from the roots is cyclic garbage:
// finalizers run exactly once, references out of the dying set into the
// surviving graph are released, and the slots are freed.
//
// Returns the number of objects reclaimed.
func (m *Machine) CollectCycles() int {
	m.allocs = 0
	slots := m.heap.slots

	internal := make([]int32, len(slots))
	for _, obj := range slots {
		if obj == nil {
			continue
		}
		obj.marked = false
		obj.eachRef(func(child Value) {
			if child.IsObject() {
				if c := m.heap.get(child.Handle()); c != nil {
					internal[c.handle]++
				}
			}
		})
	}

	var work []*Object
	for _, obj := range slots {
		if obj != nil && obj.refs > internal[obj.handle] {
			obj.marked = true
			work = append(work, obj)
		}
	}
	for len(work) > 0 {
		obj := work[len(work)-1]
		work = work[:len(work)-1]
		obj.eachRef(func(child Value) {
			if !child.IsObject() {
				return
			}
			c := m.heap.get(child.Handle())
			if c != nil && !c.marked {
				c.marked = true
				work = append(work, c)
			}
		})
	}

	var dead []*Object
	for _, obj := range slots {
		if obj != nil && !obj.marked {
			dead = append(dead, obj)
		}
	}
	if len(dead) == 0 {
		return 0
	}

	// Unlink every dead slot before running finalizers, so releases that
	// re-enter the dying set find already-freed handles and stop.
	for _, obj := range dead {
		m.heap.slots[obj.handle] = nil
		m.heap.free = append(m.heap.free, obj.handle)
	}
	for _, obj := range dead {
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

	m.log.Debugf("cycle collector reclaimed %d object(s)", len(dead))
	return len(dead)
}
