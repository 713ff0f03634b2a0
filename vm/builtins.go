package vm

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Builtin registration
// ---------------------------------------------------------------------------

// RegisterBuiltin installs a native function into the builtins namespace,
// making it reachable from every module. Part of the host extension
// interface.
func (m *Machine) RegisterBuiltin(name string, arity int, fn NativeFunc) {
	m.moduleSet(m.builtinsModule, name, m.NewBuiltin(name, arity, fn))
}

// moduleSet binds name in a module namespace, taking ownership of v.
func (m *Machine) moduleSet(module Value, name string, v Value) {
	obj := m.obj(module)
	if obj.attrs == nil {
		obj.attrs = NewAttrTable()
	}
	if old := obj.attrs.Set(name, v); old.IsValid() {
		m.Release(old)
	}
}

func (m *Machine) installBuiltins() {
	mod := m.NewModule("builtins")
	m.builtinsModule = mod
	m.Release(mod) // the module registry keeps it alive

	for _, t := range []*Type{
		m.ObjectType, m.TypeType, m.BoolType, m.IntType, m.FloatType,
		m.StrType, m.ListType, m.TupleType, m.DictType, m.PropertyType,
		m.BaseExceptionType, m.ExceptionType, m.TypeErrorType,
		m.AttributeErrorType, m.NameErrorType, m.ValueErrorType,
		m.ArithmeticErrorType, m.ZeroDivisionErrorType, m.LookupErrorType,
		m.IndexErrorType, m.KeyErrorType, m.StopIterationType,
		m.RuntimeErrorType, m.GeneratorExitType,
	} {
		m.moduleSet(mod, t.Name, m.Retain(m.ClassObject(t)))
	}

	m.RegisterBuiltin("print", -1, builtinPrint)
	m.RegisterBuiltin("len", 1, builtinLen)
	m.RegisterBuiltin("repr", 1, builtinRepr)
	m.RegisterBuiltin("str", 1, builtinStr)
	m.RegisterBuiltin("type", 1, builtinType)
	m.RegisterBuiltin("isinstance", 2, builtinIsinstance)
	m.RegisterBuiltin("iter", 1, builtinIter)
	m.RegisterBuiltin("next", 1, builtinNext)
	m.RegisterBuiltin("hash", 1, builtinHash)
	m.RegisterBuiltin("abs", 1, builtinAbs)
	m.RegisterBuiltin("bool", 1, builtinBool)
	m.RegisterBuiltin("append", 2, builtinAppend)

	m.ListType.SetMethod(m, "append", m.NewBuiltin("append", 2, builtinAppend))
}

// ---------------------------------------------------------------------------
// Builtin functions
// ---------------------------------------------------------------------------

func builtinPrint(m *Machine, args []Value) (Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		s, err := m.Str(a)
		if err != nil {
			return Invalid, err
		}
		parts[i] = s
	}
	fmt.Fprintln(m.stdout, strings.Join(parts, " "))
	return None, nil
}

func builtinLen(m *Machine, args []Value) (Value, error) {
	v := args[0]
	if s, ok := m.StrValue(v); ok {
		return m.NewInt(int64(utf8.RuneCountInString(s))), nil
	}
	if p := m.ListOf(v); p != nil {
		return m.NewInt(int64(len(p.Elems))), nil
	}
	if p := m.TupleOf(v); p != nil {
		return m.NewInt(int64(len(p.Elems))), nil
	}
	if p := m.DictOf(v); p != nil {
		return m.NewInt(int64(p.Len())), nil
	}
	if res, ok, err := m.callSpecial(v, "__len__", nil); ok {
		return res, err
	}
	return Invalid, m.RaiseError(m.TypeErrorType,
		"object of type '%s' has no len()", m.TypeOf(v).Name)
}

func builtinRepr(m *Machine, args []Value) (Value, error) {
	s, err := m.Repr(args[0])
	if err != nil {
		return Invalid, err
	}
	return m.NewStr(s), nil
}

func builtinStr(m *Machine, args []Value) (Value, error) {
	s, err := m.Str(args[0])
	if err != nil {
		return Invalid, err
	}
	return m.NewStr(s), nil
}

func builtinType(m *Machine, args []Value) (Value, error) {
	return m.Retain(m.ClassObject(m.TypeOf(args[0]))), nil
}

func builtinIsinstance(m *Machine, args []Value) (Value, error) {
	if tp := m.TupleOf(args[1]); tp != nil {
		for _, c := range tp.Elems {
			t := m.TypeFromValue(c)
			if t == nil {
				return Invalid, m.RaiseError(m.TypeErrorType,
					"isinstance() arg 2 must be a type or tuple of types")
			}
			if m.IsInstance(args[0], t) {
				return True, nil
			}
		}
		return False, nil
	}
	t := m.TypeFromValue(args[1])
	if t == nil {
		return Invalid, m.RaiseError(m.TypeErrorType,
			"isinstance() arg 2 must be a type or tuple of types")
	}
	return FromBool(m.IsInstance(args[0], t)), nil
}

func builtinIter(m *Machine, args []Value) (Value, error) {
	return m.GetIter(args[0])
}

func builtinNext(m *Machine, args []Value) (Value, error) {
	v, ok, err := m.IterNext(args[0])
	if err != nil {
		return Invalid, err
	}
	if !ok {
		return Invalid, m.RaiseError(m.StopIterationType, "")
	}
	return v, nil
}

func builtinHash(m *Machine, args []Value) (Value, error) {
	h, err := m.Hash(args[0])
	if err != nil {
		return Invalid, err
	}
	return m.NewInt(int64(h) & MaxSmallInt), nil
}

func builtinAbs(m *Machine, args []Value) (Value, error) {
	v := args[0]
	if v.IsSmallInt() && v.SmallInt() < 0 {
		return m.NewInt(-v.SmallInt()), nil
	}
	if v.IsFloat() && v.Float64() < 0 {
		return m.NewFloat(-v.Float64()), nil
	}
	if i := m.BigIntOf(v); i != nil && i.Sign() < 0 {
		if res, ok := m.numNeg(v); ok {
			return res, nil
		}
	}
	if m.isNumeric(v) {
		return m.Retain(v), nil
	}
	return Invalid, m.RaiseError(m.TypeErrorType,
		"bad operand type for abs(): '%s'", m.TypeOf(v).Name)
}

func builtinBool(m *Machine, args []Value) (Value, error) {
	t, err := m.Truthy(args[0])
	if err != nil {
		return Invalid, err
	}
	return FromBool(t), nil
}

// builtinAppend is list mutation as a free function; the list type also
// carries it as a method.
func builtinAppend(m *Machine, args []Value) (Value, error) {
	p := m.ListOf(args[0])
	if p == nil {
		return Invalid, m.RaiseError(m.TypeErrorType,
			"append() arg 1 must be a list, not '%s'", m.TypeOf(args[0]).Name)
	}
	p.Elems = append(p.Elems, m.Retain(args[1]))
	return None, nil
}
