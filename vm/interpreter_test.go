package vm

import (
	"strings"
	"testing"
)

func run(t *testing.T, m *Machine, code *CodeObject) Value {
	t.Helper()
	res, err := m.RunCode(code, "")
	if err != nil {
		t.Fatalf("run %s: %v", code.Name, err)
	}
	return res
}

func TestLoopSum(t *testing.T) {
	m := New()
	defer m.Close()

	// total = 0
	// for x in [1, 2, 3]:
	//     total = total + x
	// return total
	b := NewBuilder()
	exit := b.NewLabel()
	done := b.NewLabel()

	b.EmitInt32(OpLoadSmallInt, 0)
	b.EmitUint16(OpStoreLocal, 0)
	b.EmitJump(OpSetupLoop, exit)
	b.EmitInt32(OpLoadSmallInt, 1)
	b.EmitInt32(OpLoadSmallInt, 2)
	b.EmitInt32(OpLoadSmallInt, 3)
	b.EmitUint16(OpBuildList, 3)
	b.Emit(OpGetIter)
	head := b.NewLabel()
	b.Mark(head)
	b.EmitJump(OpForIter, done)
	b.EmitUint16(OpStoreLocal, 1)
	b.EmitUint16(OpLoadLocal, 0)
	b.EmitUint16(OpLoadLocal, 1)
	b.EmitByte(OpBinary, byte(BinAdd))
	b.EmitUint16(OpStoreLocal, 0)
	b.EmitJump(OpJump, head)
	b.Mark(done)
	b.Emit(OpPopBlock)
	b.Mark(exit)
	b.EmitUint16(OpLoadLocal, 0)
	b.Emit(OpReturn)

	code := &CodeObject{
		Name:       "loop_sum",
		Code:       b.Bytes(),
		LocalNames: []string{"total", "x"},
	}
	res := run(t, m, code)
	if res.SmallInt() != 6 {
		t.Fatalf("sum = %v", res)
	}
}

func TestConditionalJump(t *testing.T) {
	m := New()
	defer m.Close()

	// return 'big' if 10 > 5 else 'small'
	b := NewBuilder()
	otherwise := b.NewLabel()
	b.EmitInt32(OpLoadSmallInt, 10)
	b.EmitInt32(OpLoadSmallInt, 5)
	b.EmitByte(OpCompare, byte(CmpGt))
	b.EmitJump(OpJumpIfFalse, otherwise)
	b.EmitUint16(OpLoadConst, 0)
	b.Emit(OpReturn)
	b.Mark(otherwise)
	b.EmitUint16(OpLoadConst, 1)
	b.Emit(OpReturn)

	code := &CodeObject{
		Name:   "cond",
		Code:   b.Bytes(),
		Consts: []Constant{StrConst("big"), StrConst("small")},
	}
	res := run(t, m, code)
	defer m.Release(res)
	if s, _ := m.StrValue(res); s != "big" {
		t.Fatalf("got %q", s)
	}
}

func TestFunctionDefaults(t *testing.T) {
	m := New()
	defer m.Close()

	// def add(a, b=10): return a + b
	b := NewBuilder()
	b.EmitUint16(OpLoadLocal, 0)
	b.EmitUint16(OpLoadLocal, 1)
	b.EmitByte(OpBinary, byte(BinAdd))
	b.Emit(OpReturn)
	code := &CodeObject{
		Name:       "add",
		Code:       b.Bytes(),
		LocalNames: []string{"a", "b"},
		NumParams:  2,
	}

	mod := m.NewModule("t")
	defer m.Release(mod)
	fn := m.NewFunction(code, mod, []Value{FromSmallInt(10)}, nil)
	defer m.Release(fn)

	res, err := m.Call(fn, []Value{FromSmallInt(5)})
	if err != nil {
		t.Fatal(err)
	}
	if res.SmallInt() != 15 {
		t.Fatalf("add(5) = %v", res)
	}

	res, err = m.Call(fn, []Value{FromSmallInt(1), FromSmallInt(2)})
	if err != nil {
		t.Fatal(err)
	}
	if res.SmallInt() != 3 {
		t.Fatalf("add(1, 2) = %v", res)
	}

	_, err = m.Call(fn, nil)
	r := AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.TypeErrorType) {
		t.Fatalf("missing arg: got %v", err)
	}
	m.releaseRaised(err)

	_, err = m.Call(fn, []Value{None, None, None})
	r = AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.TypeErrorType) {
		t.Fatalf("surplus arg: got %v", err)
	}
	m.releaseRaised(err)
}

func TestVariadicPacksTuple(t *testing.T) {
	m := New()
	defer m.Close()

	// def count(*rest): return len-ish via local inspection
	b := NewBuilder()
	b.EmitUint16(OpLoadLocal, 0)
	b.Emit(OpReturn)
	code := &CodeObject{
		Name:       "pack",
		Code:       b.Bytes(),
		LocalNames: []string{"rest"},
		NumParams:  1,
		Flags:      FlagVariadic,
	}
	mod := m.NewModule("t")
	defer m.Release(mod)
	fn := m.NewFunction(code, mod, nil, nil)
	defer m.Release(fn)

	res, err := m.Call(fn, []Value{FromSmallInt(1), FromSmallInt(2), FromSmallInt(3)})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(res)
	tp := m.TupleOf(res)
	if tp == nil || len(tp.Elems) != 3 || tp.Elems[2].SmallInt() != 3 {
		t.Fatalf("packed %v", res)
	}
}

func TestClosureCell(t *testing.T) {
	m := New()
	defer m.Close()

	// def outer():
	//     x = 5
	//     def inner(): return x + 1
	//     return inner()
	ib := NewBuilder()
	ib.EmitUint16(OpLoadCell, 0)
	ib.EmitInt32(OpLoadSmallInt, 1)
	ib.EmitByte(OpBinary, byte(BinAdd))
	ib.Emit(OpReturn)
	inner := &CodeObject{
		Name:      "inner",
		Code:      ib.Bytes(),
		FreeNames: []string{"x"},
	}

	ob := NewBuilder()
	ob.EmitInt32(OpLoadSmallInt, 5)
	ob.EmitUint16(OpStoreCell, 0)
	ob.EmitUint16(OpLoadClosure, 0)
	ob.EmitMakeFunction(0, 0, 1)
	ob.EmitByte(OpCall, 0)
	ob.Emit(OpReturn)
	outer := &CodeObject{
		Name:      "outer",
		Code:      ob.Bytes(),
		Consts:    []Constant{CodeConst(inner)},
		CellNames: []string{"x"},
	}

	res := run(t, m, outer)
	if res.SmallInt() != 6 {
		t.Fatalf("closure result = %v", res)
	}
}

func TestGlobalsAndBuiltins(t *testing.T) {
	m := New()
	defer m.Close()

	// counter = 3
	// return len([counter, counter])
	b := NewBuilder()
	b.EmitInt32(OpLoadSmallInt, 3)
	b.EmitUint16(OpStoreGlobal, 0)
	b.EmitUint16(OpLoadGlobal, 1) // len, resolved from builtins
	b.EmitUint16(OpLoadGlobal, 0)
	b.EmitUint16(OpLoadGlobal, 0)
	b.EmitUint16(OpBuildList, 2)
	b.EmitByte(OpCall, 1)
	b.Emit(OpReturn)

	code := &CodeObject{
		Name:  "globals",
		Code:  b.Bytes(),
		Names: []string{"counter", "len"},
	}
	res := run(t, m, code)
	if res.SmallInt() != 2 {
		t.Fatalf("len = %v", res)
	}

	mod := m.Module("__main__")
	v, err := m.GetAttr(mod, "counter")
	if err != nil {
		t.Fatal(err)
	}
	if v.SmallInt() != 3 {
		t.Fatalf("counter = %v", v)
	}
}

func TestUndefinedNameRaises(t *testing.T) {
	m := New()
	defer m.Close()

	b := NewBuilder()
	b.EmitUint16(OpLoadGlobal, 0)
	b.Emit(OpReturn)
	code := &CodeObject{
		Name:  "missing",
		Code:  b.Bytes(),
		Names: []string{"nonesuch"},
	}

	_, err := m.RunCode(code, "")
	u, ok := err.(*Uncaught)
	if !ok {
		t.Fatalf("expected Uncaught, got %v", err)
	}
	defer m.Release(u.Exc)
	if !m.IsInstance(u.Exc, m.NameErrorType) {
		t.Fatalf("got %s", m.TypeOf(u.Exc).Name)
	}
	if !strings.Contains(u.Summary, "nonesuch") {
		t.Fatalf("summary %q should name the missing global", u.Summary)
	}
}

func TestUncaughtCarriesTraceback(t *testing.T) {
	m := New()
	defer m.Close()

	b := NewBuilder()
	b.Emit(OpLoadNone)
	b.EmitUint16(OpLoadAttr, 0)
	b.Emit(OpReturn)
	code := &CodeObject{
		Name:  "boom",
		Code:  b.Bytes(),
		Names: []string{"x"},
	}

	_, err := m.RunCode(code, "")
	u, ok := err.(*Uncaught)
	if !ok {
		t.Fatalf("expected Uncaught, got %v", err)
	}
	defer m.Release(u.Exc)
	if len(u.Traceback) == 0 || u.Traceback[0].Code != "boom" {
		t.Fatalf("traceback = %+v", u.Traceback)
	}
	rendered := u.Render()
	if !strings.Contains(rendered, "Traceback") || !strings.Contains(rendered, "AttributeError") {
		t.Fatalf("rendered:\n%s", rendered)
	}
}

func TestUnboundLocalRaises(t *testing.T) {
	m := New()
	defer m.Close()

	b := NewBuilder()
	b.EmitUint16(OpLoadLocal, 0)
	b.Emit(OpReturn)
	code := &CodeObject{
		Name:       "unbound",
		Code:       b.Bytes(),
		LocalNames: []string{"x"},
	}
	_, err := m.RunCode(code, "")
	u, ok := err.(*Uncaught)
	if !ok {
		t.Fatalf("expected Uncaught, got %v", err)
	}
	defer m.Release(u.Exc)
	if !m.IsInstance(u.Exc, m.NameErrorType) {
		t.Fatalf("got %s", m.TypeOf(u.Exc).Name)
	}
}

func TestBreakAndContinue(t *testing.T) {
	m := New()
	defer m.Close()

	// total = 0
	// for x in [1, 2, 3, 4, 5]:
	//     if x == 3: continue
	//     if x == 5: break
	//     total = total + x
	// return total        # 1 + 2 + 4 = 7
	b := NewBuilder()
	exit := b.NewLabel()
	done := b.NewLabel()

	b.EmitInt32(OpLoadSmallInt, 0)
	b.EmitUint16(OpStoreLocal, 0)
	b.EmitJump(OpSetupLoop, exit)
	for i := int32(1); i <= 5; i++ {
		b.EmitInt32(OpLoadSmallInt, i)
	}
	b.EmitUint16(OpBuildList, 5)
	b.Emit(OpGetIter)
	head := b.NewLabel()
	b.Mark(head)
	b.EmitJump(OpForIter, done)
	b.EmitUint16(OpStoreLocal, 1)

	noSkip := b.NewLabel()
	b.EmitUint16(OpLoadLocal, 1)
	b.EmitInt32(OpLoadSmallInt, 3)
	b.EmitByte(OpCompare, byte(CmpEq))
	b.EmitJump(OpJumpIfFalse, noSkip)
	b.EmitJump(OpContinue, head)
	b.Mark(noSkip)

	noBreak := b.NewLabel()
	b.EmitUint16(OpLoadLocal, 1)
	b.EmitInt32(OpLoadSmallInt, 5)
	b.EmitByte(OpCompare, byte(CmpEq))
	b.EmitJump(OpJumpIfFalse, noBreak)
	b.Emit(OpBreak)
	b.Mark(noBreak)

	b.EmitUint16(OpLoadLocal, 0)
	b.EmitUint16(OpLoadLocal, 1)
	b.EmitByte(OpBinary, byte(BinAdd))
	b.EmitUint16(OpStoreLocal, 0)
	b.EmitJump(OpJump, head)

	b.Mark(done)
	b.Emit(OpPopBlock)
	b.Mark(exit)
	b.EmitUint16(OpLoadLocal, 0)
	b.Emit(OpReturn)

	code := &CodeObject{
		Name:       "break_continue",
		Code:       b.Bytes(),
		LocalNames: []string{"total", "x"},
	}
	res := run(t, m, code)
	if res.SmallInt() != 7 {
		t.Fatalf("total = %v", res)
	}
}
