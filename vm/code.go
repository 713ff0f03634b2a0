package vm

import (
	"fmt"
	"math/big"
)

// ---------------------------------------------------------------------------
// CodeObject: compiled function body
// ---------------------------------------------------------------------------

// CodeFlags carries per-function metadata from the compiler.
type CodeFlags uint8

const (
	// FlagGenerator marks a function body containing yield; calling it
	// builds a generator object instead of running the frame.
	FlagGenerator CodeFlags = 1 << iota

	// FlagVariadic packs surplus positional arguments into a tuple bound
	// to the last parameter slot.
	FlagVariadic
)

// CodeObject is an immutable compiled function body: instruction stream,
// constant pool, and symbol metadata. It is machine-independent — values
// only materialize from constants when a function object is created — so
// code objects can be shared between machines and serialized by vm/image.
//
// The core trusts the structural validity of this data (jump targets,
// stack effects); runtime-dynamic conditions are validated at execution
// time.
type CodeObject struct {
	Name     string
	Filename string
	Code     []byte

	Consts []Constant
	Names  []string // global and attribute names, indexed by instructions

	LocalNames []string // local slot names, parameters first
	CellNames  []string // cells created by this code
	FreeNames  []string // cells captured from the enclosing scope

	NumParams int
	Flags     CodeFlags
}

// NumLocals returns the number of local slots.
func (c *CodeObject) NumLocals() int {
	return len(c.LocalNames)
}

// NumCells returns the number of cell slots (own cells plus captured).
func (c *CodeObject) NumCells() int {
	return len(c.CellNames) + len(c.FreeNames)
}

// IsGenerator returns true for generator function bodies.
func (c *CodeObject) IsGenerator() bool {
	return c.Flags&FlagGenerator != 0
}

// String implements the Stringer interface.
func (c *CodeObject) String() string {
	return fmt.Sprintf("<code %s>", c.Name)
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// ConstKind identifies the kind of a pool constant.
type ConstKind uint8

const (
	ConstNone ConstKind = iota
	ConstBool
	ConstInt
	ConstBigInt
	ConstFloat
	ConstStr
	ConstCode
	ConstTuple
)

// Constant is a machine-independent constant-pool entry. Big integers are
// carried as decimal text so the pool stays trivially serializable.
type Constant struct {
	Kind  ConstKind
	Bool  bool
	Int   int64
	Big   string
	Float float64
	Str   string
	Code  *CodeObject
	Elems []Constant
}

// Convenience constructors used by the compiler interface and tests.

// NoneConst returns the None constant.
func NoneConst() Constant { return Constant{Kind: ConstNone} }

// BoolConst returns a boolean constant.
func BoolConst(b bool) Constant { return Constant{Kind: ConstBool, Bool: b} }

// IntConst returns an integer constant.
func IntConst(n int64) Constant { return Constant{Kind: ConstInt, Int: n} }

// BigIntConst returns an arbitrary-precision integer constant from decimal text.
func BigIntConst(dec string) Constant { return Constant{Kind: ConstBigInt, Big: dec} }

// FloatConst returns a float constant.
func FloatConst(f float64) Constant { return Constant{Kind: ConstFloat, Float: f} }

// StrConst returns a string constant.
func StrConst(s string) Constant { return Constant{Kind: ConstStr, Str: s} }

// CodeConst returns a nested code-object constant.
func CodeConst(c *CodeObject) Constant { return Constant{Kind: ConstCode, Code: c} }

// TupleConst returns a tuple constant.
func TupleConst(elems ...Constant) Constant { return Constant{Kind: ConstTuple, Elems: elems} }

// materializeConst realizes a pool constant as a runtime value owned by
// the caller. Code constants stay raw; MAKE_FUNCTION consumes them from
// the pool directly.
func (m *Machine) materializeConst(c *Constant) Value {
	switch c.Kind {
	case ConstNone:
		return None
	case ConstBool:
		return FromBool(c.Bool)
	case ConstInt:
		return m.NewInt(c.Int)
	case ConstBigInt:
		i, ok := new(big.Int).SetString(c.Big, 10)
		if !ok {
			panic(fmt.Sprintf("vm: malformed big integer constant %q", c.Big))
		}
		return m.NewBigInt(i)
	case ConstFloat:
		return m.NewFloat(c.Float)
	case ConstStr:
		return m.Retain(m.InternStr(c.Str))
	case ConstCode:
		// Placeholder; the pool index is what MAKE_FUNCTION uses.
		return None
	case ConstTuple:
		elems := make([]Value, len(c.Elems))
		for i := range c.Elems {
			elems[i] = m.materializeConst(&c.Elems[i])
		}
		return m.NewTuple(elems)
	default:
		panic(fmt.Sprintf("vm: unknown constant kind %d", c.Kind))
	}
}
