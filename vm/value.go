package vm

import (
	"math"
)

// Value represents an Adder value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish kinds.
//
// Encoding scheme:
//   - Float: native IEEE 754 double (if not a NaN, it's a float)
//   - SmallInt: quiet NaN + tagInt + 48-bit signed payload
//   - Object: quiet NaN + tagObject + 48-bit heap handle
//   - Special: quiet NaN + tagSpecial + special value ID
//
// Object payloads are heap handles (indexes into a Machine's heap table),
// not raw pointers, so the reference-count and cycle-collection machinery
// can enumerate every live object.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for handle/int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagObject  uint64 = 0x0001000000000000 // heap handle
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // None, True, False, NotImplemented

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000
)

// Special value payloads
const (
	specialNone           uint64 = 0
	specialTrue           uint64 = 1
	specialFalse          uint64 = 2
	specialNotImplemented uint64 = 3
	specialInvalid        uint64 = 15
)

// Pre-defined special values
const (
	None           Value = Value(nanBits | tagSpecial | specialNone)
	True           Value = Value(nanBits | tagSpecial | specialTrue)
	False          Value = Value(nanBits | tagSpecial | specialFalse)
	NotImplemented Value = Value(nanBits | tagSpecial | specialNotImplemented)

	// Invalid is never produced by any operation; it marks empty slots.
	Invalid Value = Value(nanBits | tagSpecial | specialInvalid)
)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Kind checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// A value is a float if it's not one of our tagged NaN values.
func (v Value) IsFloat() bool {
	bits := uint64(v)

	// Exponent not all 1s: a regular float.
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}

	// Infinity has zero mantissa and is a valid float.
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}

	// Signaling NaNs and untagged quiet NaNs are "real" floats.
	if (bits & nanBits) != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsObject returns true if v represents a heap object handle.
func (v Value) IsObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// IsSpecial returns true if v is None, True, False, or NotImplemented.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

// IsNone returns true if v is the None value.
func (v Value) IsNone() bool {
	return v == None
}

// IsBool returns true if v is True or False.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsValid returns false only for the Invalid sentinel.
func (v Value) IsValid() bool {
	return v != Invalid
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 48 bits to 64 bits
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range; integer construction above
// the range goes through Machine.NewInt, which promotes to a big integer.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromSmallInt creates a Value from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return None, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// ---------------------------------------------------------------------------
// Handle operations
// ---------------------------------------------------------------------------

// Handle returns the heap handle encoded in v.
// Panics if v is not an object.
func (v Value) Handle() uint64 {
	if !v.IsObject() {
		panic("Value.Handle: not an object")
	}
	return uint64(v) & payloadMask
}

// FromHandle creates a Value from a heap handle.
func FromHandle(h uint64) Value {
	return Value(nanBits | tagObject | (h & payloadMask))
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not True or False.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}
