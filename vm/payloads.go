package vm

import "math/big"

// ---------------------------------------------------------------------------
// Native payload kinds
// ---------------------------------------------------------------------------

// StrPayload holds immutable UTF-8 text.
type StrPayload struct {
	S string
}

// Kind implements Payload.
func (p *StrPayload) Kind() PayloadKind { return PayloadStr }

func (p *StrPayload) eachRef(fn func(Value)) {}

// BigIntPayload holds an arbitrary-precision integer. Small integers live
// in the value itself; this payload backs everything beyond 48 bits.
type BigIntPayload struct {
	I *big.Int
}

// Kind implements Payload.
func (p *BigIntPayload) Kind() PayloadKind { return PayloadBigInt }

func (p *BigIntPayload) eachRef(fn func(Value)) {}

// ListPayload holds a mutable ordered sequence of values.
type ListPayload struct {
	Elems []Value
}

// Kind implements Payload.
func (p *ListPayload) Kind() PayloadKind { return PayloadList }

func (p *ListPayload) eachRef(fn func(Value)) {
	for _, v := range p.Elems {
		fn(v)
	}
}

// TuplePayload holds an immutable ordered sequence of values.
type TuplePayload struct {
	Elems []Value
}

// Kind implements Payload.
func (p *TuplePayload) Kind() PayloadKind { return PayloadTuple }

func (p *TuplePayload) eachRef(fn func(Value)) {
	for _, v := range p.Elems {
		fn(v)
	}
}

// CellPayload is a mutable box for a variable captured by a closure. The
// same cell is shared by every scope that references the variable.
type CellPayload struct {
	V Value // Invalid while unbound
}

// Kind implements Payload.
func (p *CellPayload) Kind() PayloadKind { return PayloadCell }

func (p *CellPayload) eachRef(fn func(Value)) {
	if p.V.IsValid() {
		fn(p.V)
	}
}

// ModulePayload marks a module object; the namespace is the object's
// attribute table.
type ModulePayload struct {
	Name string
}

// Kind implements Payload.
func (p *ModulePayload) Kind() PayloadKind { return PayloadModule }

func (p *ModulePayload) eachRef(fn func(Value)) {}

// PropertyPayload is a data descriptor: attribute reads call Get with the
// instance, writes call Set. Either may be Invalid.
type PropertyPayload struct {
	Get Value
	Set Value
}

// Kind implements Payload.
func (p *PropertyPayload) Kind() PayloadKind { return PayloadProperty }

func (p *PropertyPayload) eachRef(fn func(Value)) {
	if p.Get.IsValid() {
		fn(p.Get)
	}
	if p.Set.IsValid() {
		fn(p.Set)
	}
}

// BoundMethodPayload pairs a receiver with a callable resolved from its
// type, produced by attribute access on instances.
type BoundMethodPayload struct {
	Receiver Value
	Func     Value
}

// Kind implements Payload.
func (p *BoundMethodPayload) Kind() PayloadKind { return PayloadBoundMethod }

func (p *BoundMethodPayload) eachRef(fn func(Value)) {
	fn(p.Receiver)
	fn(p.Func)
}

// NativeFunc is the host signature for builtin callables. Arguments are
// borrowed; the returned value is owned by the caller. A non-nil error is
// always a *Raised carrying a first-class exception object.
type NativeFunc func(m *Machine, args []Value) (Value, error)

// NativePayload holds a builtin callable registered by the host.
type NativePayload struct {
	Name  string
	Arity int // -1 for variadic
	Fn    NativeFunc
}

// Kind implements Payload.
func (p *NativePayload) Kind() PayloadKind { return PayloadNative }

func (p *NativePayload) eachRef(fn func(Value)) {}

// FunctionPayload holds a bytecode function: its code object, the module
// it was defined in, default argument values, captured cells, and the
// materialized constant pool.
type FunctionPayload struct {
	Name     string
	Code     *CodeObject
	Module   Value
	Defaults []Value
	Free     []Value // captured cells, aligned with Code.FreeNames
	Consts   []Value // materialized from Code.Consts at creation
}

// Kind implements Payload.
func (p *FunctionPayload) Kind() PayloadKind { return PayloadFunction }

func (p *FunctionPayload) eachRef(fn func(Value)) {
	fn(p.Module)
	for _, v := range p.Defaults {
		fn(v)
	}
	for _, v := range p.Free {
		fn(v)
	}
	for _, v := range p.Consts {
		fn(v)
	}
}

// ResourcePayload wraps a host-side resource whose release must happen
// exactly once, synchronously, when the last reference drops.
type ResourcePayload struct {
	Name   string
	Close  func()
	closed bool
}

// Kind implements Payload.
func (p *ResourcePayload) Kind() PayloadKind { return PayloadResource }

func (p *ResourcePayload) eachRef(fn func(Value)) {}

// Finalize implements Finalizer.
func (p *ResourcePayload) Finalize() {
	if p.closed {
		panic("vm: resource finalized twice")
	}
	p.closed = true
	if p.Close != nil {
		p.Close()
	}
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// newObject allocates a heap object with the given type and payload and an
// empty attribute table. The returned value is owned by the caller.
// Allocation is the cycle-collection trigger point: root inference makes a
// mid-execution sweep safe, since any value held from the Go stack counts
// one more reference than the heap can account for.
func (m *Machine) newObject(t *Type, payload Payload) Value {
	m.maybeCollect()
	obj := &Object{class: t, payload: payload}
	m.allocs++
	return FromHandle(m.heap.alloc(obj))
}

// NewObject creates a plain instance of t with no payload.
func (m *Machine) NewObject(t *Type) Value {
	return m.newObject(t, nil)
}

// NewStr creates a string value.
func (m *Machine) NewStr(s string) Value {
	return m.newObject(m.StrType, &StrPayload{S: s})
}

// InternStr returns the canonical string object for s, creating it on
// first use. Interned strings are collector roots; the result is borrowed.
func (m *Machine) InternStr(s string) Value {
	if v, ok := m.interned[s]; ok {
		return v
	}
	v := m.NewStr(s)
	m.interned[s] = v
	return v
}

// NewInt creates an integer value, promoting to a heap big integer when n
// is outside the small-int range.
func (m *Machine) NewInt(n int64) Value {
	if v, ok := TryFromSmallInt(n); ok {
		return v
	}
	return m.newObject(m.IntType, &BigIntPayload{I: big.NewInt(n)})
}

// NewBigInt creates an integer value from an arbitrary-precision integer,
// demoting to an immediate small integer when it fits. The big.Int is not
// retained by the machine afterwards.
func (m *Machine) NewBigInt(i *big.Int) Value {
	if i.IsInt64() {
		if v, ok := TryFromSmallInt(i.Int64()); ok {
			return v
		}
	}
	return m.newObject(m.IntType, &BigIntPayload{I: new(big.Int).Set(i)})
}

// NewFloat creates a float value.
func (m *Machine) NewFloat(f float64) Value {
	return FromFloat64(f)
}

// NewList creates a list, taking ownership of the element references.
func (m *Machine) NewList(elems []Value) Value {
	return m.newObject(m.ListType, &ListPayload{Elems: elems})
}

// NewTuple creates a tuple, taking ownership of the element references.
func (m *Machine) NewTuple(elems []Value) Value {
	return m.newObject(m.TupleType, &TuplePayload{Elems: elems})
}

// NewCell creates a closure cell holding v, taking ownership of v.
func (m *Machine) NewCell(v Value) Value {
	return m.newObject(m.CellType, &CellPayload{V: v})
}

// NewBuiltin creates a native callable. Part of the builtin registration
// interface: host modules wrap Go functions for installation into
// namespaces and method tables.
func (m *Machine) NewBuiltin(name string, arity int, fn NativeFunc) Value {
	return m.newObject(m.BuiltinType, &NativePayload{Name: name, Arity: arity, Fn: fn})
}

// NewProperty creates a data descriptor from getter and setter callables,
// taking ownership of both (pass Invalid for an absent accessor).
func (m *Machine) NewProperty(get, set Value) Value {
	return m.newObject(m.PropertyType, &PropertyPayload{Get: get, Set: set})
}

// NewModule creates an empty module object and registers it.
func (m *Machine) NewModule(name string) Value {
	v := m.newObject(m.ModuleType, &ModulePayload{Name: name})
	m.obj(v).attrs = NewAttrTable()
	m.modules[name] = m.Retain(v)
	return v
}

// NewResource creates an object wrapping a host resource; close runs
// exactly once when the object is destroyed.
func (m *Machine) NewResource(name string, close func()) Value {
	return m.newObject(m.ObjectType, &ResourcePayload{Name: name, Close: close})
}

// NewFunction creates a bytecode function object bound to a module
// namespace. Defaults and free cells transfer ownership; module is
// retained. Constants are materialized once here.
func (m *Machine) NewFunction(code *CodeObject, module Value, defaults, free []Value) Value {
	consts := make([]Value, len(code.Consts))
	for i := range code.Consts {
		consts[i] = m.materializeConst(&code.Consts[i])
	}
	p := &FunctionPayload{
		Name:     code.Name,
		Code:     code,
		Module:   m.Retain(module),
		Defaults: defaults,
		Free:     free,
		Consts:   consts,
	}
	return m.newObject(m.FunctionType, p)
}

// ---------------------------------------------------------------------------
// Payload accessors
// ---------------------------------------------------------------------------

// StrValue returns the Go string behind a str object.
func (m *Machine) StrValue(v Value) (string, bool) {
	if obj := m.objOrNil(v); obj != nil {
		if p, ok := obj.payload.(*StrPayload); ok {
			return p.S, true
		}
	}
	return "", false
}

// ListOf returns the list payload behind v, or nil.
func (m *Machine) ListOf(v Value) *ListPayload {
	if obj := m.objOrNil(v); obj != nil {
		if p, ok := obj.payload.(*ListPayload); ok {
			return p
		}
	}
	return nil
}

// TupleOf returns the tuple payload behind v, or nil.
func (m *Machine) TupleOf(v Value) *TuplePayload {
	if obj := m.objOrNil(v); obj != nil {
		if p, ok := obj.payload.(*TuplePayload); ok {
			return p
		}
	}
	return nil
}

// BigIntOf returns the big integer behind a promoted int object, or nil.
func (m *Machine) BigIntOf(v Value) *big.Int {
	if obj := m.objOrNil(v); obj != nil {
		if p, ok := obj.payload.(*BigIntPayload); ok {
			return p.I
		}
	}
	return nil
}

// cellOf returns the cell payload behind v. Panics on non-cells: cells are
// engine-internal and only ever created by the interpreter.
func (m *Machine) cellOf(v Value) *CellPayload {
	p, ok := m.obj(v).payload.(*CellPayload)
	if !ok {
		panic("vm: expected cell")
	}
	return p
}

// functionOf returns the function payload behind v, or nil.
func (m *Machine) functionOf(v Value) *FunctionPayload {
	if obj := m.objOrNil(v); obj != nil {
		if p, ok := obj.payload.(*FunctionPayload); ok {
			return p
		}
	}
	return nil
}
