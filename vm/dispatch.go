package vm

import (
	"hash/fnv"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Special method lookup
// ---------------------------------------------------------------------------

// LookupSpecial resolves a special (dunder) method on the type of v via the
// MRO. Instance attributes are never consulted, so an object cannot shadow
// its type's protocol hooks. The result is borrowed from the type.
func (m *Machine) LookupSpecial(v Value, name string) (Value, bool) {
	return m.TypeOf(v).lookup(name)
}

// callSpecial invokes a dunder resolved on v's type with v as the receiver.
func (m *Machine) callSpecial(v Value, name string, args []Value) (Value, bool, error) {
	fn, ok := m.LookupSpecial(v, name)
	if !ok {
		return Invalid, false, nil
	}
	full := make([]Value, 0, len(args)+1)
	full = append(full, v)
	full = append(full, args...)
	res, err := m.Call(fn, full)
	return res, true, err
}

// ---------------------------------------------------------------------------
// Attribute protocol
// ---------------------------------------------------------------------------

// propertyOn returns the property descriptor for name on v's type, if any.
func (m *Machine) propertyOn(v Value, name string) *PropertyPayload {
	if entry, ok := m.TypeOf(v).lookup(name); ok {
		if obj := m.objOrNil(entry); obj != nil {
			if p, ok := obj.payload.(*PropertyPayload); ok {
				return p
			}
		}
	}
	return nil
}

// GetAttr reads obj.name with full precedence: data descriptors on the
// type come first, then instance attributes, then remaining type entries
// (callables bind to the instance), then __getattr__. The result is owned
// by the caller; failure is an AttributeError naming the type and the
// attribute.
func (m *Machine) GetAttr(obj Value, name string) (Value, error) {
	if p := m.propertyOn(obj, name); p != nil {
		if !p.Get.IsValid() {
			return Invalid, m.RaiseError(m.AttributeErrorType, "unreadable attribute '%s'", name)
		}
		return m.Call(p.Get, []Value{obj})
	}

	if o := m.objOrNil(obj); o != nil {
		if v, ok := o.attrs.Get(name); ok {
			return m.Retain(v), nil
		}
	}

	if entry, ok := m.TypeOf(obj).lookup(name); ok {
		if eo := m.objOrNil(entry); eo != nil {
			switch eo.payload.(type) {
			case *FunctionPayload, *NativePayload:
				return m.newBoundMethod(obj, entry), nil
			}
		}
		return m.Retain(entry), nil
	}

	if res, ok, err := m.callSpecial(obj, "__getattr__", []Value{m.InternStr(name)}); ok {
		return res, err
	}

	return Invalid, m.RaiseError(m.AttributeErrorType,
		"'%s' object has no attribute '%s'", m.TypeOf(obj).Name, name)
}

// SetAttr writes obj.name = value, taking ownership of value. A property
// on the type intercepts the write; a property without a setter refuses it.
func (m *Machine) SetAttr(obj Value, name string, value Value) error {
	if p := m.propertyOn(obj, name); p != nil {
		defer m.Release(value)
		if !p.Set.IsValid() {
			return m.RaiseError(m.AttributeErrorType, "can't set attribute '%s'", name)
		}
		res, err := m.Call(p.Set, []Value{obj, value})
		if err != nil {
			return err
		}
		m.Release(res)
		return nil
	}

	o := m.objOrNil(obj)
	if o == nil {
		m.Release(value)
		return m.RaiseError(m.AttributeErrorType,
			"'%s' object has no settable attributes", m.TypeOf(obj).Name)
	}
	if o.attrs == nil {
		o.attrs = NewAttrTable()
	}
	if old := o.attrs.Set(name, value); old.IsValid() {
		m.Release(old)
	}
	return nil
}

// DelAttr removes an instance attribute.
func (m *Machine) DelAttr(obj Value, name string) error {
	if o := m.objOrNil(obj); o != nil {
		if old := o.attrs.Delete(name); old.IsValid() {
			m.Release(old)
			return nil
		}
	}
	return m.RaiseError(m.AttributeErrorType,
		"'%s' object has no attribute '%s'", m.TypeOf(obj).Name, name)
}

// newBoundMethod pairs a receiver with a callable, retaining both.
func (m *Machine) newBoundMethod(receiver, fn Value) Value {
	p := &BoundMethodPayload{Receiver: m.Retain(receiver), Func: m.Retain(fn)}
	return m.newObject(m.BoundMethodType, p)
}

// ---------------------------------------------------------------------------
// Binary operator protocol
// ---------------------------------------------------------------------------

// BinaryOp evaluates lhs <op> rhs. Native numeric and sequence cases run
// first; everything else goes through __op__ and, on NotImplemented, the
// reflected __rop__. Operands are borrowed; the result is owned.
func (m *Machine) BinaryOp(op BinOp, lhs, rhs Value) (Value, error) {
	if res, ok, err := m.numBinary(op, lhs, rhs); ok {
		return res, err
	}
	if res, ok := m.seqBinary(op, lhs, rhs); ok {
		return res, nil
	}

	leftName, rightName := op.Dunder()

	if res, ok, err := m.callSpecial(lhs, leftName, []Value{rhs}); ok {
		if err != nil {
			return Invalid, err
		}
		if res != NotImplemented {
			return res, nil
		}
	}
	if m.TypeOf(lhs) != m.TypeOf(rhs) {
		if res, ok, err := m.callSpecial(rhs, rightName, []Value{lhs}); ok {
			if err != nil {
				return Invalid, err
			}
			if res != NotImplemented {
				return res, nil
			}
		}
	}
	return Invalid, m.RaiseError(m.TypeErrorType,
		"unsupported operand type(s) for %s: '%s' and '%s'",
		op, m.TypeOf(lhs).Name, m.TypeOf(rhs).Name)
}

// InplaceOp evaluates the augmented form: native list extension, then
// __iop__, falling back to the plain binary protocol when absent or
// NotImplemented.
func (m *Machine) InplaceOp(op BinOp, lhs, rhs Value) (Value, error) {
	// list += list mutates the left operand, so aliases observe the change.
	if op == BinAdd {
		if a := m.ListOf(lhs); a != nil {
			if b := m.ListOf(rhs); b != nil {
				a.Elems = append(a.Elems, m.retainAll(b.Elems)...)
				return m.Retain(lhs), nil
			}
		}
	}
	if res, ok, err := m.callSpecial(lhs, op.InplaceDunder(), []Value{rhs}); ok {
		if err != nil {
			return Invalid, err
		}
		if res != NotImplemented {
			return res, nil
		}
	}
	return m.BinaryOp(op, lhs, rhs)
}

// seqBinary handles the native sequence operators: concatenation of like
// sequences and repetition by an integer count.
func (m *Machine) seqBinary(op BinOp, lhs, rhs Value) (Value, bool) {
	switch op {
	case BinAdd:
		if a, ok := m.StrValue(lhs); ok {
			if b, ok := m.StrValue(rhs); ok {
				return m.NewStr(a + b), true
			}
		}
		if a := m.ListOf(lhs); a != nil {
			if b := m.ListOf(rhs); b != nil {
				return m.NewList(m.retainAll(a.Elems, b.Elems)), true
			}
		}
		if a := m.TupleOf(lhs); a != nil {
			if b := m.TupleOf(rhs); b != nil {
				return m.NewTuple(m.retainAll(a.Elems, b.Elems)), true
			}
		}
	case BinMul:
		n, ok := asRepeatCount(lhs, rhs)
		if !ok {
			return Invalid, false
		}
		seq := lhs
		if lhs.IsSmallInt() {
			seq = rhs
		}
		if s, ok := m.StrValue(seq); ok {
			return m.NewStr(strings.Repeat(s, n)), true
		}
		if p := m.ListOf(seq); p != nil {
			var out []Value
			for i := 0; i < n; i++ {
				out = append(out, m.retainAll(p.Elems)...)
			}
			return m.NewList(out), true
		}
		if p := m.TupleOf(seq); p != nil {
			var out []Value
			for i := 0; i < n; i++ {
				out = append(out, m.retainAll(p.Elems)...)
			}
			return m.NewTuple(out), true
		}
	}
	return Invalid, false
}

func asRepeatCount(lhs, rhs Value) (int, bool) {
	var count Value
	if lhs.IsSmallInt() {
		count = lhs
	} else if rhs.IsSmallInt() {
		count = rhs
	} else {
		return 0, false
	}
	n := count.SmallInt()
	if n < 0 {
		n = 0
	}
	return int(n), true
}

func (m *Machine) retainAll(slices ...[]Value) []Value {
	var out []Value
	for _, s := range slices {
		for _, v := range s {
			out = append(out, m.Retain(v))
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Comparison protocol
// ---------------------------------------------------------------------------

// cmpDunder maps each ordering comparison to its method and reflection.
func cmpDunder(op CmpOp) (name, reflected string) {
	switch op {
	case CmpLt:
		return "__lt__", "__gt__"
	case CmpLe:
		return "__le__", "__ge__"
	case CmpGt:
		return "__gt__", "__lt__"
	case CmpGe:
		return "__ge__", "__le__"
	}
	panic("vm: not an ordering comparison")
}

// CompareOp evaluates lhs <op> rhs to a value (bool for every operator).
// Operands are borrowed; the result is owned.
func (m *Machine) CompareOp(op CmpOp, lhs, rhs Value) (Value, error) {
	switch op {
	case CmpIs:
		return FromBool(m.identical(lhs, rhs)), nil
	case CmpIsNot:
		return FromBool(!m.identical(lhs, rhs)), nil
	case CmpIn, CmpNotIn:
		ok, err := m.contains(rhs, lhs)
		if err != nil {
			return Invalid, err
		}
		if op == CmpNotIn {
			ok = !ok
		}
		return FromBool(ok), nil
	case CmpExcMatch:
		ok, err := m.excMatches(lhs, rhs)
		if err != nil {
			return Invalid, err
		}
		return FromBool(ok), nil
	case CmpEq, CmpNe:
		eq, err := m.valueEq(lhs, rhs)
		if err != nil {
			return Invalid, err
		}
		if op == CmpNe {
			eq = !eq
		}
		return FromBool(eq), nil
	}

	// Ordering.
	if res, ok, err := m.numCompare(op, lhs, rhs); ok {
		return res, err
	}
	if a, ok := m.StrValue(lhs); ok {
		if b, ok := m.StrValue(rhs); ok {
			return cmpResult(op, strings.Compare(a, b)), nil
		}
	}
	name, reflected := cmpDunder(op)
	if res, ok, err := m.callSpecial(lhs, name, []Value{rhs}); ok {
		if err != nil {
			return Invalid, err
		}
		if res != NotImplemented {
			return res, nil
		}
	}
	if res, ok, err := m.callSpecial(rhs, reflected, []Value{lhs}); ok {
		if err != nil {
			return Invalid, err
		}
		if res != NotImplemented {
			return res, nil
		}
	}
	return Invalid, m.RaiseError(m.TypeErrorType,
		"'%s' not supported between instances of '%s' and '%s'",
		op, m.TypeOf(lhs).Name, m.TypeOf(rhs).Name)
}

// identical implements `is`: same immediate, or same heap object.
func (m *Machine) identical(a, b Value) bool {
	return a == b
}

// valueEq implements equality: identity, native numerics and sequences,
// then the __eq__ protocol, defaulting to false.
func (m *Machine) valueEq(a, b Value) (bool, error) {
	if a == b {
		return true, nil
	}
	if res, ok, err := m.numCompare(CmpEq, a, b); ok {
		if err != nil {
			return false, err
		}
		return res == True, nil
	}
	if x, ok := m.StrValue(a); ok {
		if y, ok := m.StrValue(b); ok {
			return x == y, nil
		}
		return false, nil
	}
	if x := m.ListOf(a); x != nil {
		if y := m.ListOf(b); y != nil {
			return m.elemsEq(x.Elems, y.Elems)
		}
		return false, nil
	}
	if x := m.TupleOf(a); x != nil {
		if y := m.TupleOf(b); y != nil {
			return m.elemsEq(x.Elems, y.Elems)
		}
		return false, nil
	}
	if res, ok, err := m.callSpecial(a, "__eq__", []Value{b}); ok {
		if err != nil {
			return false, err
		}
		if res != NotImplemented {
			defer m.Release(res)
			return m.Truthy(res)
		}
		m.Release(res)
	}
	return false, nil
}

func (m *Machine) elemsEq(a, b []Value) (bool, error) {
	if len(a) != len(b) {
		return false, nil
	}
	for i := range a {
		eq, err := m.valueEq(a[i], b[i])
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

// contains implements the membership test `needle in container`.
func (m *Machine) contains(container, needle Value) (bool, error) {
	if res, ok, err := m.callSpecial(container, "__contains__", []Value{needle}); ok {
		if err != nil {
			return false, err
		}
		defer m.Release(res)
		return m.Truthy(res)
	}
	if s, ok := m.StrValue(container); ok {
		sub, ok := m.StrValue(needle)
		if !ok {
			return false, m.RaiseError(m.TypeErrorType, "'in <str>' requires string operand")
		}
		return strings.Contains(s, sub), nil
	}
	if p := m.ListOf(container); p != nil {
		return m.elemsContain(p.Elems, needle)
	}
	if p := m.TupleOf(container); p != nil {
		return m.elemsContain(p.Elems, needle)
	}
	if p := m.DictOf(container); p != nil {
		_, found, err := m.DictGet(container, needle)
		return found, err
	}

	// Fall back to exhausting an iterator.
	it, err := m.GetIter(container)
	if err != nil {
		return false, err
	}
	defer m.Release(it)
	for {
		v, ok, err := m.IterNext(it)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		eq, err := m.valueEq(v, needle)
		m.Release(v)
		if err != nil {
			return false, err
		}
		if eq {
			return true, nil
		}
	}
}

func (m *Machine) elemsContain(elems []Value, needle Value) (bool, error) {
	for _, v := range elems {
		eq, err := m.valueEq(v, needle)
		if err != nil {
			return false, err
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Unary operators and truthiness
// ---------------------------------------------------------------------------

// UnaryOpEval evaluates a unary operator. The operand is borrowed.
func (m *Machine) UnaryOpEval(op UnaryOp, v Value) (Value, error) {
	switch op {
	case UnaryNeg:
		if res, ok := m.numNeg(v); ok {
			return res, nil
		}
		if res, ok, err := m.callSpecial(v, "__neg__", nil); ok {
			return res, err
		}
		return Invalid, m.RaiseError(m.TypeErrorType,
			"bad operand type for unary -: '%s'", m.TypeOf(v).Name)
	case UnaryNot:
		t, err := m.Truthy(v)
		if err != nil {
			return Invalid, err
		}
		return FromBool(!t), nil
	}
	panic("vm: unknown unary op")
}

// Truthy evaluates a value in boolean context: native rules for the
// builtin types, then __bool__, then __len__, defaulting to true.
func (m *Machine) Truthy(v Value) (bool, error) {
	switch {
	case v == None || v == False:
		return false, nil
	case v == True || v == NotImplemented:
		return true, nil
	case v.IsSmallInt():
		return v.SmallInt() != 0, nil
	case v.IsFloat():
		return v.Float64() != 0, nil
	}
	if s, ok := m.StrValue(v); ok {
		return s != "", nil
	}
	if p := m.ListOf(v); p != nil {
		return len(p.Elems) > 0, nil
	}
	if p := m.TupleOf(v); p != nil {
		return len(p.Elems) > 0, nil
	}
	if p := m.DictOf(v); p != nil {
		return p.Len() > 0, nil
	}
	if i := m.BigIntOf(v); i != nil {
		return i.Sign() != 0, nil
	}
	if res, ok, err := m.callSpecial(v, "__bool__", nil); ok {
		if err != nil {
			return false, err
		}
		defer m.Release(res)
		if !res.IsBool() {
			return false, m.RaiseError(m.TypeErrorType,
				"__bool__ should return bool, returned %s", m.TypeOf(res).Name)
		}
		return res == True, nil
	}
	if res, ok, err := m.callSpecial(v, "__len__", nil); ok {
		if err != nil {
			return false, err
		}
		defer m.Release(res)
		if !res.IsSmallInt() {
			return false, m.RaiseError(m.TypeErrorType, "__len__ should return int")
		}
		return res.SmallInt() != 0, nil
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Hashing
// ---------------------------------------------------------------------------

// Hash computes the hash of a value. Numerically equal ints and floats
// hash alike. Mutable builtin containers are unhashable; user objects use
// __hash__ when defined and identity otherwise.
func (m *Machine) Hash(v Value) (uint64, error) {
	switch {
	case v == None:
		return 0x6e6f6e65, nil
	case v == True:
		return hashInt64(1), nil
	case v == False:
		return hashInt64(0), nil
	case v.IsSmallInt():
		return hashInt64(v.SmallInt()), nil
	case v.IsFloat():
		f := v.Float64()
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			bi, _ := new(big.Float).SetFloat64(f).Int(nil)
			return hashBig(bi), nil
		}
		return hashInt64(int64(math.Float64bits(f))), nil
	}
	if i := m.BigIntOf(v); i != nil {
		return hashBig(i), nil
	}
	if s, ok := m.StrValue(v); ok {
		return hashString(s), nil
	}
	if p := m.TupleOf(v); p != nil {
		h := uint64(0x345678)
		for _, e := range p.Elems {
			eh, err := m.Hash(e)
			if err != nil {
				return 0, err
			}
			h = h*1000003 ^ eh
		}
		return h, nil
	}
	if m.ListOf(v) != nil || m.DictOf(v) != nil {
		return 0, m.RaiseError(m.TypeErrorType, "unhashable type: '%s'", m.TypeOf(v).Name)
	}
	if res, ok, err := m.callSpecial(v, "__hash__", nil); ok {
		if err != nil {
			return 0, err
		}
		defer m.Release(res)
		if !res.IsSmallInt() {
			return 0, m.RaiseError(m.TypeErrorType, "__hash__ should return int")
		}
		return hashInt64(res.SmallInt()), nil
	}
	return hashInt64(int64(v.Handle())), nil
}

func hashInt64(n int64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}

func hashBig(i *big.Int) uint64 {
	if i.IsInt64() {
		return hashInt64(i.Int64())
	}
	h := fnv.New64a()
	if i.Sign() < 0 {
		h.Write([]byte{'-'})
	}
	h.Write(i.Bytes())
	return h.Sum64()
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// ---------------------------------------------------------------------------
// Call protocol
// ---------------------------------------------------------------------------

// Call invokes a callable with positional args. Arguments are borrowed;
// the result is owned by the caller. Call depth is bounded by the
// machine's recursion limit.
func (m *Machine) Call(callee Value, args []Value) (Value, error) {
	if m.depth >= m.recursionLimit {
		return Invalid, m.RaiseError(m.RuntimeErrorType, "maximum recursion depth exceeded")
	}
	m.depth++
	defer func() { m.depth-- }()

	obj := m.objOrNil(callee)
	if obj == nil {
		return Invalid, m.RaiseError(m.TypeErrorType,
			"'%s' object is not callable", m.TypeOf(callee).Name)
	}

	switch p := obj.payload.(type) {
	case *NativePayload:
		if p.Arity >= 0 && len(args) != p.Arity {
			return Invalid, m.RaiseError(m.TypeErrorType,
				"%s() takes %d argument(s) but %d were given", p.Name, p.Arity, len(args))
		}
		return p.Fn(m, args)

	case *FunctionPayload:
		if p.Code.IsGenerator() {
			return m.newGenerator(callee, args)
		}
		f, err := m.newFrame(callee, args)
		if err != nil {
			return Invalid, err
		}
		defer f.release(m)
		res, _, err := m.runFrame(f)
		return res, err

	case *BoundMethodPayload:
		full := make([]Value, 0, len(args)+1)
		full = append(full, p.Receiver)
		full = append(full, args...)
		m.depth--
		defer func() { m.depth++ }()
		return m.Call(p.Func, full)

	case *TypePayload:
		return m.instantiate(p.T, args)
	}

	if res, ok, err := m.callSpecial(callee, "__call__", args); ok {
		return res, err
	}
	return Invalid, m.RaiseError(m.TypeErrorType,
		"'%s' object is not callable", m.TypeOf(callee).Name)
}

// instantiate creates an instance of t and runs its __init__ if defined.
func (m *Machine) instantiate(t *Type, args []Value) (Value, error) {
	var inst Value
	if t.IsException() {
		inst = m.newExceptionInstance(t, args)
	} else {
		inst = m.NewObject(t)
	}
	if init, ok := t.lookup("__init__"); ok {
		full := make([]Value, 0, len(args)+1)
		full = append(full, inst)
		full = append(full, args...)
		res, err := m.Call(init, full)
		if err != nil {
			m.Release(inst)
			return Invalid, err
		}
		m.Release(res)
	}
	return inst, nil
}

// newExceptionInstance builds an exception object binding args as its
// args tuple. Arguments are borrowed.
func (m *Machine) newExceptionInstance(t *Type, args []Value) Value {
	exc := m.newObject(t, &ExceptionPayload{Context: Invalid, Cause: Invalid})
	obj := m.obj(exc)
	obj.attrs = NewAttrTable()
	elems := make([]Value, len(args))
	for i, a := range args {
		elems[i] = m.Retain(a)
	}
	obj.attrs.Set("args", m.NewTuple(elems))
	return exc
}

// CallMethod resolves obj.name and calls it with args.
func (m *Machine) CallMethod(obj Value, name string, args []Value) (Value, error) {
	fn, err := m.GetAttr(obj, name)
	if err != nil {
		return Invalid, err
	}
	defer m.Release(fn)
	return m.Call(fn, args)
}

// ---------------------------------------------------------------------------
// Iteration protocol
// ---------------------------------------------------------------------------

// SeqIterPayload steps an indexable object by successive subscripts until
// IndexError, the fallback iterator for types defining only __getitem__.
type SeqIterPayload struct {
	Seq Value
	i   int64
}

// Kind implements Payload.
func (p *SeqIterPayload) Kind() PayloadKind { return PayloadSeqIter }

func (p *SeqIterPayload) eachRef(fn func(Value)) {
	fn(p.Seq)
}

// GetIter obtains an iterator for v: __iter__ when defined, otherwise an
// index-stepping iterator over __getitem__ or a native sequence. The
// result is owned.
func (m *Machine) GetIter(v Value) (Value, error) {
	if res, ok, err := m.callSpecial(v, "__iter__", nil); ok {
		return res, err
	}
	if obj := m.objOrNil(v); obj != nil {
		switch obj.payload.(type) {
		case *GeneratorPayload, *SeqIterPayload:
			return m.Retain(v), nil
		case *ListPayload, *TuplePayload, *StrPayload:
			return m.newObject(m.SeqIterType, &SeqIterPayload{Seq: m.Retain(v)}), nil
		case *DictPayload:
			keys := m.DictKeys(v)
			it := m.newObject(m.SeqIterType, &SeqIterPayload{Seq: keys})
			return it, nil
		}
	}
	if _, ok := m.LookupSpecial(v, "__getitem__"); ok {
		return m.newObject(m.SeqIterType, &SeqIterPayload{Seq: m.Retain(v)}), nil
	}
	return Invalid, m.RaiseError(m.TypeErrorType,
		"'%s' object is not iterable", m.TypeOf(v).Name)
}

// IterNext advances an iterator. Returns (element, true) with the element
// owned by the caller, (Invalid, false) on clean exhaustion, or an error.
// StopIteration raised by the underlying protocol is absorbed into
// exhaustion here; other exceptions propagate.
func (m *Machine) IterNext(it Value) (Value, bool, error) {
	if obj := m.objOrNil(it); obj != nil {
		switch p := obj.payload.(type) {
		case *GeneratorPayload:
			return m.generatorNext(it, p)
		case *SeqIterPayload:
			v, err := m.GetItem(p.Seq, FromSmallInt(p.i))
			if err != nil {
				if r := AsRaised(err); r != nil {
					if m.IsInstance(r.Exc, m.IndexErrorType) || m.IsInstance(r.Exc, m.StopIterationType) {
						m.releaseRaised(err)
						return Invalid, false, nil
					}
				}
				return Invalid, false, err
			}
			p.i++
			return v, true, nil
		}
	}
	if res, ok, err := m.callSpecial(it, "__next__", nil); ok {
		if err != nil {
			if r := AsRaised(err); r != nil && m.IsInstance(r.Exc, m.StopIterationType) {
				m.releaseRaised(err)
				return Invalid, false, nil
			}
			return Invalid, false, err
		}
		return res, true, nil
	}
	return Invalid, false, m.RaiseError(m.TypeErrorType,
		"'%s' object is not an iterator", m.TypeOf(it).Name)
}

// ---------------------------------------------------------------------------
// Subscript protocol
// ---------------------------------------------------------------------------

// seqIndex normalizes a subscript for a sequence of length n, applying
// negative wrapping.
func (m *Machine) seqIndex(key Value, n int, what string) (int, error) {
	if !key.IsSmallInt() {
		return 0, m.RaiseError(m.TypeErrorType,
			"%s indices must be integers, not '%s'", what, m.TypeOf(key).Name)
	}
	i := key.SmallInt()
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return 0, m.RaiseError(m.IndexErrorType, "%s index out of range", what)
	}
	return int(i), nil
}

// GetItem reads obj[key]. The result is owned by the caller.
func (m *Machine) GetItem(obj, key Value) (Value, error) {
	if p := m.ListOf(obj); p != nil {
		i, err := m.seqIndex(key, len(p.Elems), "list")
		if err != nil {
			return Invalid, err
		}
		return m.Retain(p.Elems[i]), nil
	}
	if p := m.TupleOf(obj); p != nil {
		i, err := m.seqIndex(key, len(p.Elems), "tuple")
		if err != nil {
			return Invalid, err
		}
		return m.Retain(p.Elems[i]), nil
	}
	if s, ok := m.StrValue(obj); ok {
		r := []rune(s)
		i, err := m.seqIndex(key, len(r), "string")
		if err != nil {
			return Invalid, err
		}
		return m.NewStr(string(r[i])), nil
	}
	if m.DictOf(obj) != nil {
		v, found, err := m.DictGet(obj, key)
		if err != nil {
			return Invalid, err
		}
		if !found {
			repr, rerr := m.Repr(key)
			if rerr != nil {
				m.releaseRaised(rerr)
				repr = "<key>"
			}
			return Invalid, m.RaiseError(m.KeyErrorType, "%s", repr)
		}
		return m.Retain(v), nil
	}
	if res, ok, err := m.callSpecial(obj, "__getitem__", []Value{key}); ok {
		return res, err
	}
	return Invalid, m.RaiseError(m.TypeErrorType,
		"'%s' object is not subscriptable", m.TypeOf(obj).Name)
}

// SetItem writes obj[key] = value, taking ownership of value.
func (m *Machine) SetItem(obj, key, value Value) error {
	if p := m.ListOf(obj); p != nil {
		defer m.Release(value)
		i, err := m.seqIndex(key, len(p.Elems), "list")
		if err != nil {
			return err
		}
		old := p.Elems[i]
		p.Elems[i] = m.Retain(value)
		m.Release(old)
		return nil
	}
	if m.DictOf(obj) != nil {
		return m.DictSet(obj, m.Retain(key), value)
	}
	defer m.Release(value)
	if res, ok, err := m.callSpecial(obj, "__setitem__", []Value{key, value}); ok {
		if err != nil {
			return err
		}
		m.Release(res)
		return nil
	}
	return m.RaiseError(m.TypeErrorType,
		"'%s' object does not support item assignment", m.TypeOf(obj).Name)
}

// DelItem removes obj[key].
func (m *Machine) DelItem(obj, key Value) error {
	if p := m.ListOf(obj); p != nil {
		i, err := m.seqIndex(key, len(p.Elems), "list")
		if err != nil {
			return err
		}
		old := p.Elems[i]
		p.Elems = append(p.Elems[:i], p.Elems[i+1:]...)
		m.Release(old)
		return nil
	}
	if m.DictOf(obj) != nil {
		return m.DictDelete(obj, key)
	}
	if res, ok, err := m.callSpecial(obj, "__delitem__", []Value{key}); ok {
		if err != nil {
			return err
		}
		m.Release(res)
		return nil
	}
	return m.RaiseError(m.TypeErrorType,
		"'%s' object does not support item deletion", m.TypeOf(obj).Name)
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

// Repr renders the canonical representation of a value.
func (m *Machine) Repr(v Value) (string, error) {
	switch {
	case v == None:
		return "None", nil
	case v == True:
		return "True", nil
	case v == False:
		return "False", nil
	case v == NotImplemented:
		return "NotImplemented", nil
	case v.IsSmallInt():
		return strconv.FormatInt(v.SmallInt(), 10), nil
	case v.IsFloat():
		return formatFloat(v.Float64()), nil
	}
	if i := m.BigIntOf(v); i != nil {
		return i.String(), nil
	}
	if s, ok := m.StrValue(v); ok {
		return quoteStr(s), nil
	}
	if p := m.ListOf(v); p != nil {
		return m.reprElems(p.Elems, "[", "]", false)
	}
	if p := m.TupleOf(v); p != nil {
		return m.reprElems(p.Elems, "(", ")", len(p.Elems) == 1)
	}
	if p := m.DictOf(v); p != nil {
		var sb strings.Builder
		sb.WriteByte('{')
		first := true
		var reprErr error
		p.Each(func(k, val Value) {
			if reprErr != nil {
				return
			}
			if !first {
				sb.WriteString(", ")
			}
			first = false
			ks, err := m.Repr(k)
			if err != nil {
				reprErr = err
				return
			}
			vs, err := m.Repr(val)
			if err != nil {
				reprErr = err
				return
			}
			sb.WriteString(ks)
			sb.WriteString(": ")
			sb.WriteString(vs)
		})
		if reprErr != nil {
			return "", reprErr
		}
		sb.WriteByte('}')
		return sb.String(), nil
	}
	if obj := m.objOrNil(v); obj != nil {
		switch p := obj.payload.(type) {
		case *FunctionPayload:
			return "<function " + p.Name + ">", nil
		case *NativePayload:
			return "<builtin " + p.Name + ">", nil
		case *BoundMethodPayload:
			return "<bound method>", nil
		case *TypePayload:
			return "<class '" + p.T.Name + "'>", nil
		case *ModulePayload:
			return "<module '" + p.Name + "'>", nil
		case *GeneratorPayload:
			return "<generator " + p.name + ">", nil
		case *ExceptionPayload:
			msg := m.ExcMessage(v)
			if msg == "" {
				return m.TypeOf(v).Name + "()", nil
			}
			return m.TypeOf(v).Name + "(" + quoteStr(msg) + ")", nil
		}
	}
	if res, ok, err := m.callSpecial(v, "__repr__", nil); ok {
		if err != nil {
			return "", err
		}
		defer m.Release(res)
		if s, ok := m.StrValue(res); ok {
			return s, nil
		}
		return "", m.RaiseError(m.TypeErrorType, "__repr__ should return str")
	}
	return "<" + m.TypeOf(v).Name + " object>", nil
}

func (m *Machine) reprElems(elems []Value, open, close string, trailingComma bool) (string, error) {
	var sb strings.Builder
	sb.WriteString(open)
	for i, e := range elems {
		if i > 0 {
			sb.WriteString(", ")
		}
		s, err := m.Repr(e)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	if trailingComma {
		sb.WriteString(",")
	}
	sb.WriteString(close)
	return sb.String(), nil
}

// Str renders the informal string form of a value.
func (m *Machine) Str(v Value) (string, error) {
	if s, ok := m.StrValue(v); ok {
		return s, nil
	}
	if m.excPayload(v) != nil {
		return m.ExcMessage(v), nil
	}
	if res, ok, err := m.callSpecial(v, "__str__", nil); ok {
		if err != nil {
			return "", err
		}
		defer m.Release(res)
		if s, ok := m.StrValue(res); ok {
			return s, nil
		}
		return "", m.RaiseError(m.TypeErrorType, "__str__ should return str")
	}
	return m.Repr(v)
}

func formatFloat(f float64) string {
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsNaN(f) {
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func quoteStr(s string) string {
	var sb strings.Builder
	sb.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			sb.WriteString("\\'")
		case '\\':
			sb.WriteString("\\\\")
		case '\n':
			sb.WriteString("\\n")
		case '\t':
			sb.WriteString("\\t")
		case '\r':
			sb.WriteString("\\r")
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('\'')
	return sb.String()
}
