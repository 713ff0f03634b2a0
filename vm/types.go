package vm

// ---------------------------------------------------------------------------
// Type: runtime class representation
// ---------------------------------------------------------------------------

// Type describes a class: a name, ordered direct bases (multiple
// inheritance), the C3-linearized MRO (computed once at creation, immutable
// afterwards), and a method table.
//
// Types are immortal within their owning machine: the registry keeps them
// alive until Machine teardown, and every method-table value is owned by
// the type. Special (dunder) methods are always resolved on the type via
// the MRO, never on instances.
type Type struct {
	Name  string
	Bases []*Type
	MRO   []*Type

	methods *AttrTable

	// classObj is the lazily-created first-class class object.
	classObj Value

	// exception marks types inheriting from BaseException.
	exception bool
}

// TypePayload attaches a Type to its first-class class object.
type TypePayload struct {
	T *Type
}

// Kind implements Payload.
func (p *TypePayload) Kind() PayloadKind { return PayloadType }

func (p *TypePayload) eachRef(fn func(Value)) {}

// ---------------------------------------------------------------------------
// Type creation
// ---------------------------------------------------------------------------

// NewType creates a type with the given direct bases and registers it with
// the machine. Bases default to [object]. Creation fails with a TypeError
// when no consistent C3 linearization exists.
//
// The methods table transfers ownership of its values to the new type.
func (m *Machine) NewType(name string, bases []*Type, methods map[string]Value) (*Type, error) {
	if len(bases) == 0 && m.ObjectType != nil {
		bases = []*Type{m.ObjectType}
	}
	t := &Type{
		Name:     name,
		Bases:    bases,
		methods:  NewAttrTable(),
		classObj: Invalid,
	}
	mro, err := linearizeMRO(t, bases)
	if err != nil {
		return nil, m.RaiseError(m.TypeErrorType, "%s", err.Error())
	}
	t.MRO = mro

	for _, anc := range mro {
		if anc == m.BaseExceptionType {
			t.exception = true
			break
		}
	}
	for name, fn := range methods {
		t.methods.Set(name, fn)
	}

	m.types = append(m.types, t)
	return t, nil
}

// SetMethod installs a callable in the type's own method table, taking
// ownership of the value and releasing any entry it displaces. Part of the
// builtin registration interface.
func (t *Type) SetMethod(m *Machine, name string, fn Value) {
	if old := t.methods.Set(name, fn); old.IsValid() {
		m.Release(old)
	}
}

// OwnMethod returns the callable defined directly on this type (not on
// ancestors), if any.
func (t *Type) OwnMethod(name string) (Value, bool) {
	return t.methods.Get(name)
}

// lookup resolves name along the MRO: the first type whose own method
// table contains the name wins, with no further search.
func (t *Type) lookup(name string) (Value, bool) {
	for _, anc := range t.MRO {
		if v, ok := anc.methods.Get(name); ok {
			return v, true
		}
	}
	return Invalid, false
}

// IsSubtype returns true if t is other or inherits from it (via the MRO).
func (t *Type) IsSubtype(other *Type) bool {
	for _, anc := range t.MRO {
		if anc == other {
			return true
		}
	}
	return false
}

// IsException returns true if instances of t are exception objects.
func (t *Type) IsException() bool {
	return t.exception
}

// ---------------------------------------------------------------------------
// Type of a value
// ---------------------------------------------------------------------------

// TypeOf returns the runtime type of any value, including immediates.
func (m *Machine) TypeOf(v Value) *Type {
	switch {
	case v == None:
		return m.NoneType
	case v == True || v == False:
		return m.BoolType
	case v == NotImplemented:
		return m.NotImplementedType
	case v.IsSmallInt():
		return m.IntType
	case v.IsFloat():
		return m.FloatType
	case v.IsObject():
		return m.obj(v).class
	default:
		panic("vm: TypeOf on invalid value")
	}
}

// IsInstance reports whether v is an instance of t or of a subtype.
func (m *Machine) IsInstance(v Value, t *Type) bool {
	return m.TypeOf(v).IsSubtype(t)
}

// ---------------------------------------------------------------------------
// First-class class objects
// ---------------------------------------------------------------------------

// ClassObject returns the first-class object for a type, creating it on
// first use. Class objects are owned by the registry and immortal; the
// returned value is a borrowed reference.
func (m *Machine) ClassObject(t *Type) Value {
	if t.classObj.IsValid() {
		return t.classObj
	}
	obj := &Object{class: m.TypeType, payload: &TypePayload{T: t}}
	t.classObj = FromHandle(m.heap.alloc(obj))
	return t.classObj
}

// TypeFromValue extracts the Type from a class object, or nil.
func (m *Machine) TypeFromValue(v Value) *Type {
	if obj := m.objOrNil(v); obj != nil {
		if p, ok := obj.payload.(*TypePayload); ok {
			return p.T
		}
	}
	return nil
}
