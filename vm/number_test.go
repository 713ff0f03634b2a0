package vm

import (
	"math/big"
	"testing"
)

func mustBin(t *testing.T, m *Machine, op BinOp, a, b Value) Value {
	t.Helper()
	res, err := m.BinaryOp(op, a, b)
	if err != nil {
		t.Fatalf("%v %s %v: %v", a, op, b, err)
	}
	return res
}

func TestIntOverflowPromotes(t *testing.T) {
	m := New()
	defer m.Close()

	a := m.NewInt(MaxSmallInt)
	res := mustBin(t, m, BinAdd, a, FromSmallInt(1))
	defer m.Release(res)

	bi := m.BigIntOf(res)
	if bi == nil {
		t.Fatal("expected promotion to big integer, not wraparound")
	}
	want := new(big.Int).Add(big.NewInt(MaxSmallInt), big.NewInt(1))
	if bi.Cmp(want) != 0 {
		t.Fatalf("got %s, want %s", bi, want)
	}
}

func TestBigIntDemotes(t *testing.T) {
	m := New()
	defer m.Close()

	big1 := m.NewInt(MaxSmallInt)
	big2 := mustBin(t, m, BinAdd, big1, FromSmallInt(1))
	back := mustBin(t, m, BinSub, big2, FromSmallInt(1))
	if !back.IsSmallInt() || back.SmallInt() != MaxSmallInt {
		t.Fatalf("expected demotion back to small int, got %v", back)
	}
	m.Release(big2)
}

func TestBigIntMultiply(t *testing.T) {
	m := New()
	defer m.Close()

	a := FromSmallInt(1 << 40)
	res := mustBin(t, m, BinMul, a, a)
	defer m.Release(res)
	bi := m.BigIntOf(res)
	if bi == nil {
		t.Fatal("expected big result")
	}
	want := new(big.Int).Lsh(big.NewInt(1), 80)
	if bi.Cmp(want) != 0 {
		t.Fatalf("got %s, want 2^80", bi)
	}
}

func TestFlooredDivisionAndModulo(t *testing.T) {
	m := New()
	defer m.Close()

	cases := []struct{ a, b, div, mod int64 }{
		{7, 2, 3, 1},
		{-7, 2, -4, 1},
		{7, -2, -4, -1},
		{-7, -2, 3, -1},
	}
	for _, c := range cases {
		if got := mustBin(t, m, BinFloorDiv, FromSmallInt(c.a), FromSmallInt(c.b)); got.SmallInt() != c.div {
			t.Errorf("%d // %d = %d, want %d", c.a, c.b, got.SmallInt(), c.div)
		}
		if got := mustBin(t, m, BinMod, FromSmallInt(c.a), FromSmallInt(c.b)); got.SmallInt() != c.mod {
			t.Errorf("%d %% %d = %d, want %d", c.a, c.b, got.SmallInt(), c.mod)
		}
	}
}

func TestTrueDivisionYieldsFloat(t *testing.T) {
	m := New()
	defer m.Close()

	res := mustBin(t, m, BinDiv, FromSmallInt(7), FromSmallInt(2))
	if !res.IsFloat() || res.Float64() != 3.5 {
		t.Fatalf("7 / 2 = %v", res)
	}
}

func TestZeroDivisionRaises(t *testing.T) {
	m := New()
	defer m.Close()

	for _, op := range []BinOp{BinDiv, BinFloorDiv, BinMod} {
		_, err := m.BinaryOp(op, FromSmallInt(1), FromSmallInt(0))
		r := AsRaised(err)
		if r == nil {
			t.Fatalf("1 %s 0: expected exception", op)
		}
		if !m.IsInstance(r.Exc, m.ZeroDivisionErrorType) {
			t.Fatalf("1 %s 0: got %s", op, m.TypeOf(r.Exc).Name)
		}
		m.releaseRaised(err)
	}
}

func TestMixedIntFloatArithmetic(t *testing.T) {
	m := New()
	defer m.Close()

	res := mustBin(t, m, BinAdd, FromSmallInt(1), FromFloat64(0.5))
	if !res.IsFloat() || res.Float64() != 1.5 {
		t.Fatalf("1 + 0.5 = %v", res)
	}
}

func TestNumericComparison(t *testing.T) {
	m := New()
	defer m.Close()

	big := mustBin(t, m, BinMul, FromSmallInt(1<<40), FromSmallInt(1<<40))
	defer m.Release(big)

	res, err := m.CompareOp(CmpGt, big, FromSmallInt(1))
	if err != nil {
		t.Fatal(err)
	}
	if res != True {
		t.Fatal("2^80 > 1 should hold")
	}
	eq, err := m.CompareOp(CmpEq, FromSmallInt(1), FromFloat64(1.0))
	if err != nil {
		t.Fatal(err)
	}
	if eq != True {
		t.Fatal("1 == 1.0 should hold")
	}
}

func TestIntPowNegativeExponent(t *testing.T) {
	m := New()
	defer m.Close()

	res := mustBin(t, m, BinPow, FromSmallInt(2), FromSmallInt(-1))
	if !res.IsFloat() || res.Float64() != 0.5 {
		t.Fatalf("2 ** -1 = %v", res)
	}
}
