package vm

// ---------------------------------------------------------------------------
// Dict: insertion-ordered hash mapping
// ---------------------------------------------------------------------------

type dictEntry struct {
	key   Value
	value Value
	hash  uint64
}

// DictPayload holds an insertion-ordered mapping. Keys hash and compare
// through the machine's dunder dispatch, so every dict operation threads a
// *Machine and can raise (unhashable key, failing __eq__).
type DictPayload struct {
	entries []dictEntry
	index   map[uint64][]int
}

// Kind implements Payload.
func (p *DictPayload) Kind() PayloadKind { return PayloadDict }

func (p *DictPayload) eachRef(fn func(Value)) {
	for _, e := range p.entries {
		fn(e.key)
		fn(e.value)
	}
}

// Len returns the number of entries.
func (p *DictPayload) Len() int {
	return len(p.entries)
}

// Each calls fn for every entry in insertion order.
func (p *DictPayload) Each(fn func(key, value Value)) {
	for _, e := range p.entries {
		fn(e.key, e.value)
	}
}

// NewDict creates an empty dict.
func (m *Machine) NewDict() Value {
	return m.newObject(m.DictType, &DictPayload{index: make(map[uint64][]int)})
}

// DictOf returns the dict payload behind v, or nil.
func (m *Machine) DictOf(v Value) *DictPayload {
	if obj := m.objOrNil(v); obj != nil {
		if p, ok := obj.payload.(*DictPayload); ok {
			return p
		}
	}
	return nil
}

// find locates the entry for key, or -1. Identity short-circuits equality,
// so a key always finds itself even if its __eq__ misbehaves.
func (m *Machine) dictFind(p *DictPayload, key Value, hash uint64) (int, error) {
	for _, i := range p.index[hash] {
		e := &p.entries[i]
		if e.key == key {
			return i, nil
		}
		eq, err := m.valueEq(e.key, key)
		if err != nil {
			return -1, err
		}
		if eq {
			return i, nil
		}
	}
	return -1, nil
}

// DictGet looks up key. Returns (value, true) on a hit with the value
// borrowed from the dict, (Invalid, false) on a clean miss, and an error if
// hashing or key comparison raises.
func (m *Machine) DictGet(dict, key Value) (Value, bool, error) {
	p := m.DictOf(dict)
	if p == nil {
		return Invalid, false, m.RaiseError(m.TypeErrorType, "'%s' object is not a dict", m.TypeOf(dict).Name)
	}
	h, err := m.Hash(key)
	if err != nil {
		return Invalid, false, err
	}
	i, err := m.dictFind(p, key, h)
	if err != nil || i < 0 {
		return Invalid, false, err
	}
	return p.entries[i].value, true, nil
}

// DictSet binds key to value, taking ownership of both references. A
// replaced value is released; a matched existing key keeps its original
// key object and the new key reference is dropped.
func (m *Machine) DictSet(dict, key, value Value) error {
	p := m.DictOf(dict)
	if p == nil {
		m.Release(key)
		m.Release(value)
		return m.RaiseError(m.TypeErrorType, "'%s' object is not a dict", m.TypeOf(dict).Name)
	}
	h, err := m.Hash(key)
	if err == nil {
		var i int
		i, err = m.dictFind(p, key, h)
		if err == nil {
			if i >= 0 {
				old := p.entries[i].value
				p.entries[i].value = value
				m.Release(old)
				m.Release(key)
				return nil
			}
			p.index[h] = append(p.index[h], len(p.entries))
			p.entries = append(p.entries, dictEntry{key: key, value: value, hash: h})
			return nil
		}
	}
	m.Release(key)
	m.Release(value)
	return err
}

// DictDelete removes key, releasing the stored key and value. A missing
// key raises KeyError.
func (m *Machine) DictDelete(dict, key Value) error {
	p := m.DictOf(dict)
	if p == nil {
		return m.RaiseError(m.TypeErrorType, "'%s' object is not a dict", m.TypeOf(dict).Name)
	}
	h, err := m.Hash(key)
	if err != nil {
		return err
	}
	i, err := m.dictFind(p, key, h)
	if err != nil {
		return err
	}
	if i < 0 {
		repr, rerr := m.Repr(key)
		if rerr != nil {
			repr = "<key>"
			m.releaseRaised(rerr)
		}
		return m.RaiseError(m.KeyErrorType, "%s", repr)
	}
	removed := p.entries[i]
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	p.rebuildIndex()
	m.Release(removed.key)
	m.Release(removed.value)
	return nil
}

// rebuildIndex recomputes the hash index after an entry shift.
func (p *DictPayload) rebuildIndex() {
	p.index = make(map[uint64][]int, len(p.entries))
	for i, e := range p.entries {
		p.index[e.hash] = append(p.index[e.hash], i)
	}
}

// DictKeys returns the keys in insertion order as a new list; each key is
// retained for the list.
func (m *Machine) DictKeys(dict Value) Value {
	p := m.DictOf(dict)
	if p == nil {
		return Invalid
	}
	keys := make([]Value, len(p.entries))
	for i, e := range p.entries {
		keys[i] = m.Retain(e.key)
	}
	return m.NewList(keys)
}
