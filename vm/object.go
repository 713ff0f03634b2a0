package vm

// ---------------------------------------------------------------------------
// Object: heap-allocated record
// ---------------------------------------------------------------------------

// Object is a heap-allocated Adder object.
//
// Every object has exactly one type, fixed at creation. Dynamic per-object
// state lives in the attribute table; native state (a big integer, a string
// buffer, a list of elements, a parked generator frame, ...) lives in the
// payload. The payload kind never changes after construction; mutation
// affects payload contents or attributes only.
type Object struct {
	class   *Type
	attrs   *AttrTable // nil until the first attribute write
	payload Payload

	refs   int32
	handle uint64

	// marked is scratch state for the cycle collector.
	marked bool
}

// Class returns the object's type.
func (o *Object) Class() *Type {
	return o.class
}

// Payload returns the object's native payload, or nil.
func (o *Object) Payload() Payload {
	return o.payload
}

// Refs returns the current reference count. Exposed for tests.
func (o *Object) Refs() int32 {
	return o.refs
}

// eachRef calls fn for every owned Value reference held by this object:
// attribute values plus payload children.
func (o *Object) eachRef(fn func(Value)) {
	if o.attrs != nil {
		o.attrs.eachRef(fn)
	}
	if o.payload != nil {
		o.payload.eachRef(fn)
	}
}

// ---------------------------------------------------------------------------
// AttrTable: insertion-ordered attribute mapping
// ---------------------------------------------------------------------------

// AttrTable maps attribute names to values, preserving insertion order.
// Names are plain Go strings; the machine interns the corresponding string
// objects separately when attribute names surface as values.
type AttrTable struct {
	names  []string
	values []Value
	index  map[string]int
}

// NewAttrTable creates an empty attribute table.
func NewAttrTable() *AttrTable {
	return &AttrTable{index: make(map[string]int)}
}

// Get returns the value for name, or Invalid and false.
func (t *AttrTable) Get(name string) (Value, bool) {
	if t == nil {
		return Invalid, false
	}
	if i, ok := t.index[name]; ok {
		return t.values[i], true
	}
	return Invalid, false
}

// Set stores value under name, returning the displaced value (Invalid if
// the name was absent). Ownership of value transfers to the table; the
// caller is responsible for releasing the displaced value.
func (t *AttrTable) Set(name string, value Value) Value {
	if i, ok := t.index[name]; ok {
		old := t.values[i]
		t.values[i] = value
		return old
	}
	t.index[name] = len(t.names)
	t.names = append(t.names, name)
	t.values = append(t.values, value)
	return Invalid
}

// Delete removes name, returning the removed value (Invalid if absent).
// Insertion order of the remaining entries is preserved.
func (t *AttrTable) Delete(name string) Value {
	i, ok := t.index[name]
	if !ok {
		return Invalid
	}
	old := t.values[i]
	t.names = append(t.names[:i], t.names[i+1:]...)
	t.values = append(t.values[:i], t.values[i+1:]...)
	delete(t.index, name)
	for j := i; j < len(t.names); j++ {
		t.index[t.names[j]] = j
	}
	return old
}

// Len returns the number of attributes.
func (t *AttrTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// Names returns the attribute names in insertion order.
func (t *AttrTable) Names() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Each calls fn for every entry in insertion order.
func (t *AttrTable) Each(fn func(name string, value Value)) {
	if t == nil {
		return
	}
	for i, name := range t.names {
		fn(name, t.values[i])
	}
}

func (t *AttrTable) eachRef(fn func(Value)) {
	for _, v := range t.values {
		fn(v)
	}
}

// ---------------------------------------------------------------------------
// Payload: optional native representation
// ---------------------------------------------------------------------------

// PayloadKind identifies the native representation of an object.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadBigInt
	PayloadStr
	PayloadList
	PayloadTuple
	PayloadDict
	PayloadFunction
	PayloadNative
	PayloadBoundMethod
	PayloadCell
	PayloadModule
	PayloadGenerator
	PayloadException
	PayloadType
	PayloadProperty
	PayloadResource
	PayloadSeqIter
)

// Payload is the native representation attached to an object.
// Implementations enumerate their owned Value children via eachRef so the
// release path and the cycle collector can traverse them.
type Payload interface {
	Kind() PayloadKind
	eachRef(fn func(Value))
}

// Finalizer is implemented by payloads holding native resources that must
// be released exactly once when the owning object is destroyed.
type Finalizer interface {
	Finalize()
}
