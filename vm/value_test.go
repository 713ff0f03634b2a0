package vm

import (
	"math"
	"testing"
)

func TestValueFloatRoundTrip(t *testing.T) {
	for _, f := range []float64{0, 1.5, -3.25, math.MaxFloat64, math.SmallestNonzeroFloat64, math.Inf(1), math.Inf(-1)} {
		v := FromFloat64(f)
		if !v.IsFloat() {
			t.Fatalf("FromFloat64(%v) not a float", f)
		}
		if v.Float64() != f {
			t.Fatalf("round trip %v got %v", f, v.Float64())
		}
	}
}

func TestValueNaNIsFloat(t *testing.T) {
	v := FromFloat64(math.NaN())
	if !v.IsFloat() {
		t.Fatal("NaN must stay a float")
	}
	if !math.IsNaN(v.Float64()) {
		t.Fatal("NaN round trip lost NaN-ness")
	}
}

func TestValueSmallIntRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 42, -42, MaxSmallInt, MinSmallInt} {
		v := FromSmallInt(n)
		if !v.IsSmallInt() {
			t.Fatalf("FromSmallInt(%d) not a small int", n)
		}
		if v.IsFloat() || v.IsObject() || v.IsSpecial() {
			t.Fatalf("FromSmallInt(%d) has overlapping kind", n)
		}
		if v.SmallInt() != n {
			t.Fatalf("round trip %d got %d", n, v.SmallInt())
		}
	}
}

func TestValueSmallIntRange(t *testing.T) {
	if _, ok := TryFromSmallInt(MaxSmallInt + 1); ok {
		t.Fatal("MaxSmallInt+1 should not fit")
	}
	if _, ok := TryFromSmallInt(MinSmallInt - 1); ok {
		t.Fatal("MinSmallInt-1 should not fit")
	}
	if _, ok := TryFromSmallInt(MaxSmallInt); !ok {
		t.Fatal("MaxSmallInt should fit")
	}
}

func TestValueSpecials(t *testing.T) {
	if !None.IsNone() || !None.IsSpecial() {
		t.Fatal("None misclassified")
	}
	if !True.IsBool() || !False.IsBool() {
		t.Fatal("bools misclassified")
	}
	if True.IsNone() || True == False {
		t.Fatal("specials collide")
	}
	if Invalid.IsValid() {
		t.Fatal("Invalid reports valid")
	}
	if !None.IsValid() || !NotImplemented.IsValid() {
		t.Fatal("real specials must be valid")
	}
	if FromBool(true) != True || FromBool(false) != False {
		t.Fatal("FromBool mismatch")
	}
}

func TestValueHandleRoundTrip(t *testing.T) {
	v := FromHandle(12345)
	if !v.IsObject() {
		t.Fatal("handle value not an object")
	}
	if v.Handle() != 12345 {
		t.Fatalf("handle round trip got %d", v.Handle())
	}
}
