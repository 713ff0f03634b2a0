package vm

import (
	"math"
	"math/big"
)

// ---------------------------------------------------------------------------
// Native numeric operations
// ---------------------------------------------------------------------------
//
// Integers and floats are dispatched here before the dunder protocol runs:
// the fast path works on immediate small integers, promotes to math/big on
// overflow, and demotes results that fit back into immediates. Mixed
// int/float operands coerce to float.

// isIntValue reports whether v is an integer (immediate or promoted).
func (m *Machine) isIntValue(v Value) bool {
	if v.IsSmallInt() {
		return true
	}
	return m.BigIntOf(v) != nil
}

// asBigInt widens any integer value to a big.Int. The result may alias a
// payload and must not be mutated.
func (m *Machine) asBigInt(v Value) (*big.Int, bool) {
	if v.IsSmallInt() {
		return big.NewInt(v.SmallInt()), true
	}
	if i := m.BigIntOf(v); i != nil {
		return i, true
	}
	return nil, false
}

// asFloat64 converts a numeric value to float64.
func (m *Machine) asFloat64(v Value) (float64, bool) {
	if v.IsFloat() {
		return v.Float64(), true
	}
	if v.IsSmallInt() {
		return float64(v.SmallInt()), true
	}
	if i := m.BigIntOf(v); i != nil {
		f, _ := new(big.Float).SetInt(i).Float64()
		return f, true
	}
	return 0, false
}

// isNumeric reports whether v is an int or a float.
func (m *Machine) isNumeric(v Value) bool {
	return v.IsFloat() || m.isIntValue(v)
}

// numBinary performs a native arithmetic operation. The bool result is
// false when the operands are not both numeric and dunder dispatch should
// take over. Operands are borrowed; the result is owned by the caller.
func (m *Machine) numBinary(op BinOp, a, b Value) (Value, bool, error) {
	if !m.isNumeric(a) || !m.isNumeric(b) {
		return Invalid, false, nil
	}

	// Pure-int fast path on immediates. Addition and subtraction of two
	// 48-bit operands cannot overflow int64, so only the result range is
	// checked; multiplication falls through to big on int64 overflow.
	if a.IsSmallInt() && b.IsSmallInt() {
		x, y := a.SmallInt(), b.SmallInt()
		switch op {
		case BinAdd:
			return m.NewInt(x + y), true, nil
		case BinSub:
			return m.NewInt(x - y), true, nil
		case BinMul:
			p := x * y
			if x == 0 || (p/x == y && !(x == -1 && y == math.MinInt64)) {
				return m.NewInt(p), true, nil
			}
		case BinFloorDiv:
			if y == 0 {
				return Invalid, true, m.RaiseError(m.ZeroDivisionErrorType, "integer division or modulo by zero")
			}
			q := x / y
			if (x%y != 0) && ((x < 0) != (y < 0)) {
				q--
			}
			return m.NewInt(q), true, nil
		case BinMod:
			if y == 0 {
				return Invalid, true, m.RaiseError(m.ZeroDivisionErrorType, "integer division or modulo by zero")
			}
			r := x % y
			if r != 0 && ((r < 0) != (y < 0)) {
				r += y
			}
			return m.NewInt(r), true, nil
		}
	}

	// Int path through math/big.
	if ai, aok := m.asBigInt(a); aok {
		if bi, bok := m.asBigInt(b); bok {
			return m.bigBinary(op, ai, bi)
		}
	}

	// Mixed or float operands.
	x, _ := m.asFloat64(a)
	y, _ := m.asFloat64(b)
	return m.floatBinary(op, x, y)
}

// bigBinary performs integer arithmetic on widened operands with floored
// division semantics.
func (m *Machine) bigBinary(op BinOp, a, b *big.Int) (Value, bool, error) {
	switch op {
	case BinAdd:
		return m.NewBigInt(new(big.Int).Add(a, b)), true, nil
	case BinSub:
		return m.NewBigInt(new(big.Int).Sub(a, b)), true, nil
	case BinMul:
		return m.NewBigInt(new(big.Int).Mul(a, b)), true, nil
	case BinDiv:
		if b.Sign() == 0 {
			return Invalid, true, m.RaiseError(m.ZeroDivisionErrorType, "division by zero")
		}
		x, _ := new(big.Float).SetInt(a).Float64()
		y, _ := new(big.Float).SetInt(b).Float64()
		return m.NewFloat(x / y), true, nil
	case BinFloorDiv, BinMod:
		if b.Sign() == 0 {
			return Invalid, true, m.RaiseError(m.ZeroDivisionErrorType, "integer division or modulo by zero")
		}
		q, r := new(big.Int).QuoRem(a, b, new(big.Int))
		if r.Sign() != 0 && (r.Sign() < 0) != (b.Sign() < 0) {
			q.Sub(q, big.NewInt(1))
			r.Add(r, b)
		}
		if op == BinFloorDiv {
			return m.NewBigInt(q), true, nil
		}
		return m.NewBigInt(r), true, nil
	case BinPow:
		if b.Sign() < 0 {
			x, _ := new(big.Float).SetInt(a).Float64()
			y, _ := new(big.Float).SetInt(b).Float64()
			return m.floatBinary(BinPow, x, y)
		}
		return m.NewBigInt(new(big.Int).Exp(a, b, nil)), true, nil
	}
	panic("vm: unknown binary op")
}

// floatBinary performs float arithmetic with floored modulo semantics.
func (m *Machine) floatBinary(op BinOp, x, y float64) (Value, bool, error) {
	switch op {
	case BinAdd:
		return m.NewFloat(x + y), true, nil
	case BinSub:
		return m.NewFloat(x - y), true, nil
	case BinMul:
		return m.NewFloat(x * y), true, nil
	case BinDiv:
		if y == 0 {
			return Invalid, true, m.RaiseError(m.ZeroDivisionErrorType, "float division by zero")
		}
		return m.NewFloat(x / y), true, nil
	case BinFloorDiv:
		if y == 0 {
			return Invalid, true, m.RaiseError(m.ZeroDivisionErrorType, "float floor division by zero")
		}
		return m.NewFloat(math.Floor(x / y)), true, nil
	case BinMod:
		if y == 0 {
			return Invalid, true, m.RaiseError(m.ZeroDivisionErrorType, "float modulo")
		}
		r := math.Mod(x, y)
		if r != 0 && (r < 0) != (y < 0) {
			r += y
		}
		return m.NewFloat(r), true, nil
	case BinPow:
		return m.NewFloat(math.Pow(x, y)), true, nil
	}
	panic("vm: unknown binary op")
}

// numCompare performs a native ordering comparison. The bool result is
// false when the operands are not both numeric.
func (m *Machine) numCompare(op CmpOp, a, b Value) (Value, bool, error) {
	if !m.isNumeric(a) || !m.isNumeric(b) {
		return Invalid, false, nil
	}
	var c int
	if ai, aok := m.asBigInt(a); aok {
		if bi, bok := m.asBigInt(b); bok {
			c = ai.Cmp(bi)
			return cmpResult(op, c), true, nil
		}
	}
	x, _ := m.asFloat64(a)
	y, _ := m.asFloat64(b)
	switch {
	case x < y:
		c = -1
	case x > y:
		c = 1
	case x == y:
		c = 0
	default:
		// NaN: every ordering comparison is false, equality too.
		if op == CmpNe {
			return True, true, nil
		}
		return False, true, nil
	}
	return cmpResult(op, c), true, nil
}

func cmpResult(op CmpOp, c int) Value {
	var ok bool
	switch op {
	case CmpLt:
		ok = c < 0
	case CmpLe:
		ok = c <= 0
	case CmpEq:
		ok = c == 0
	case CmpNe:
		ok = c != 0
	case CmpGt:
		ok = c > 0
	case CmpGe:
		ok = c >= 0
	default:
		panic("vm: not an ordering comparison")
	}
	return FromBool(ok)
}

// numNeg negates a numeric value natively. The bool result is false for
// non-numeric operands.
func (m *Machine) numNeg(v Value) (Value, bool) {
	if v.IsSmallInt() {
		return m.NewInt(-v.SmallInt()), true
	}
	if i := m.BigIntOf(v); i != nil {
		return m.NewBigInt(new(big.Int).Neg(i)), true
	}
	if v.IsFloat() {
		return m.NewFloat(-v.Float64()), true
	}
	return Invalid, false
}
