package vm

import (
	"io"
	"os"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Machine
// ---------------------------------------------------------------------------

// DefaultRecursionLimit bounds nested calls.
const DefaultRecursionLimit = 1000

// DefaultCycleThreshold is the number of allocations between automatic
// cycle collections. Zero disables automatic collection.
const DefaultCycleThreshold = 10000

// Machine is one isolated execution engine: a heap, the builtin type
// lattice, interned strings, loaded modules, and the interpreter state.
// Machines are not safe for concurrent use; run one per goroutine.
type Machine struct {
	heap   *heap
	log    commonlog.Logger
	stdout io.Writer

	interned map[string]Value
	modules  map[string]Value
	types    []*Type

	builtinsModule Value

	depth          int
	recursionLimit int

	allocs         int
	cycleThreshold int

	// Core types.
	ObjectType         *Type
	TypeType           *Type
	NoneType           *Type
	BoolType           *Type
	NotImplementedType *Type
	IntType            *Type
	FloatType          *Type
	StrType            *Type
	ListType           *Type
	TupleType          *Type
	DictType           *Type
	FunctionType       *Type
	BuiltinType        *Type
	BoundMethodType    *Type
	CellType           *Type
	ModuleType         *Type
	GeneratorType      *Type
	SeqIterType        *Type
	PropertyType       *Type

	// Exception hierarchy.
	BaseExceptionType     *Type
	ExceptionType         *Type
	TypeErrorType         *Type
	AttributeErrorType    *Type
	NameErrorType         *Type
	ValueErrorType        *Type
	ArithmeticErrorType   *Type
	ZeroDivisionErrorType *Type
	LookupErrorType       *Type
	IndexErrorType        *Type
	KeyErrorType          *Type
	StopIterationType     *Type
	RuntimeErrorType      *Type
	GeneratorExitType     *Type
}

// New creates a fully bootstrapped machine.
func New() *Machine {
	m := &Machine{
		heap:           newHeap(),
		log:            commonlog.GetLogger("adder.vm"),
		stdout:         os.Stdout,
		interned:       make(map[string]Value),
		modules:        make(map[string]Value),
		recursionLimit: DefaultRecursionLimit,
		cycleThreshold: DefaultCycleThreshold,
	}
	m.bootstrapTypes()
	m.installBuiltins()
	m.log.Debug("machine initialized")
	return m
}

// mustType creates a bootstrap type, panicking on MRO failure; the builtin
// lattice is single-inheritance and always linearizes.
func (m *Machine) mustType(name string, bases ...*Type) *Type {
	t, err := m.NewType(name, bases, nil)
	if err != nil {
		panic("vm: bootstrap type " + name + ": " + err.Error())
	}
	return t
}

func (m *Machine) bootstrapTypes() {
	m.ObjectType = m.mustType("object")
	m.TypeType = m.mustType("type")
	m.NoneType = m.mustType("NoneType")
	m.BoolType = m.mustType("bool")
	m.NotImplementedType = m.mustType("NotImplementedType")
	m.IntType = m.mustType("int")
	m.FloatType = m.mustType("float")
	m.StrType = m.mustType("str")
	m.ListType = m.mustType("list")
	m.TupleType = m.mustType("tuple")
	m.DictType = m.mustType("dict")
	m.FunctionType = m.mustType("function")
	m.BuiltinType = m.mustType("builtin_function")
	m.BoundMethodType = m.mustType("method")
	m.CellType = m.mustType("cell")
	m.ModuleType = m.mustType("module")
	m.GeneratorType = m.mustType("generator")
	m.SeqIterType = m.mustType("sequence_iterator")
	m.PropertyType = m.mustType("property")

	m.BaseExceptionType = m.mustType("BaseException")
	m.BaseExceptionType.exception = true
	m.ExceptionType = m.mustType("Exception", m.BaseExceptionType)
	m.TypeErrorType = m.mustType("TypeError", m.ExceptionType)
	m.AttributeErrorType = m.mustType("AttributeError", m.ExceptionType)
	m.NameErrorType = m.mustType("NameError", m.ExceptionType)
	m.ValueErrorType = m.mustType("ValueError", m.ExceptionType)
	m.ArithmeticErrorType = m.mustType("ArithmeticError", m.ExceptionType)
	m.ZeroDivisionErrorType = m.mustType("ZeroDivisionError", m.ArithmeticErrorType)
	m.LookupErrorType = m.mustType("LookupError", m.ExceptionType)
	m.IndexErrorType = m.mustType("IndexError", m.LookupErrorType)
	m.KeyErrorType = m.mustType("KeyError", m.LookupErrorType)
	m.StopIterationType = m.mustType("StopIteration", m.ExceptionType)
	m.RuntimeErrorType = m.mustType("RuntimeError", m.ExceptionType)
	m.GeneratorExitType = m.mustType("GeneratorExit", m.BaseExceptionType)
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SetRecursionLimit bounds the call depth; exceeding it raises RuntimeError.
func (m *Machine) SetRecursionLimit(n int) {
	if n < 1 {
		n = 1
	}
	m.recursionLimit = n
}

// SetCycleThreshold sets the allocation count between automatic cycle
// collections; zero disables them.
func (m *Machine) SetCycleThreshold(n int) {
	m.cycleThreshold = n
}

// SetStdout redirects the print builtin.
func (m *Machine) SetStdout(w io.Writer) {
	m.stdout = w
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// RunCode executes a top-level code object in a fresh module namespace. On
// an uncaught exception the returned error is an *Uncaught carrying the
// exception object and its traceback.
func (m *Machine) RunCode(code *CodeObject, moduleName string) (Value, error) {
	if moduleName == "" {
		moduleName = "__main__"
	}
	module, ok := m.modules[moduleName]
	if !ok {
		module = m.NewModule(moduleName)
		defer m.Release(module)
	}

	fn := m.NewFunction(code, module, nil, nil)
	defer m.Release(fn)

	m.maybeCollect()
	res, err := m.Call(fn, nil)
	if err != nil {
		if r := AsRaised(err); r != nil {
			u := m.uncaughtFromRaised(r)
			m.log.Errorf("uncaught: %s", u.Summary)
			return Invalid, u
		}
		return Invalid, err
	}
	return res, nil
}

// Module returns a loaded module by name (borrowed), or Invalid.
func (m *Machine) Module(name string) Value {
	if v, ok := m.modules[name]; ok {
		return v
	}
	return Invalid
}

// maybeCollect runs the cycle collector when the allocation budget since
// the last collection is spent.
func (m *Machine) maybeCollect() {
	if m.cycleThreshold > 0 && m.allocs >= m.cycleThreshold {
		m.CollectCycles()
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Close releases every machine-held root: modules, interned strings, type
// method tables, and class objects, then sweeps remaining cycles. Values
// still held by the embedder keep their objects alive until released.
func (m *Machine) Close() {
	for name, mod := range m.modules {
		m.Release(mod)
		delete(m.modules, name)
	}
	m.builtinsModule = Invalid
	for s, v := range m.interned {
		m.Release(v)
		delete(m.interned, s)
	}
	for _, t := range m.types {
		t.methods.eachRef(func(v Value) { m.releaseSafe(v) })
		t.methods = NewAttrTable()
		if t.classObj.IsValid() {
			m.releaseSafe(t.classObj)
			t.classObj = Invalid
		}
	}
	n := m.CollectCycles()
	m.log.Debugf("closed: %d cyclic object(s) reclaimed, %d still live", n, m.LiveObjects())
}
