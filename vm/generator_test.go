package vm

import "testing"

// genCode builds: yield 1; yield 2; return 3
func genCode() *CodeObject {
	b := NewBuilder()
	b.EmitInt32(OpLoadSmallInt, 1)
	b.Emit(OpYield)
	b.Emit(OpPop)
	b.EmitInt32(OpLoadSmallInt, 2)
	b.Emit(OpYield)
	b.Emit(OpPop)
	b.EmitInt32(OpLoadSmallInt, 3)
	b.Emit(OpReturn)
	return &CodeObject{
		Name:  "gen",
		Code:  b.Bytes(),
		Flags: FlagGenerator,
	}
}

func makeGenerator(t *testing.T, m *Machine) Value {
	t.Helper()
	mod := m.NewModule("gentest")
	defer m.Release(mod)
	fn := m.NewFunction(genCode(), mod, nil, nil)
	defer m.Release(fn)
	gen, err := m.Call(fn, nil)
	if err != nil {
		t.Fatal(err)
	}
	return gen
}

func TestGeneratorYieldsThenReturns(t *testing.T) {
	m := New()
	defer m.Close()

	gen := makeGenerator(t, m)
	defer m.Release(gen)

	v, yielded, err := m.GeneratorResume(gen, None)
	if err != nil || !yielded || v.SmallInt() != 1 {
		t.Fatalf("first resume: v=%v yielded=%v err=%v", v, yielded, err)
	}
	v, yielded, err = m.GeneratorResume(gen, None)
	if err != nil || !yielded || v.SmallInt() != 2 {
		t.Fatalf("second resume: v=%v yielded=%v err=%v", v, yielded, err)
	}
	v, yielded, err = m.GeneratorResume(gen, None)
	if err != nil || yielded || v.SmallInt() != 3 {
		t.Fatalf("third resume: v=%v yielded=%v err=%v", v, yielded, err)
	}

	// Fourth resume: the generator is exhausted.
	_, _, err = m.GeneratorResume(gen, None)
	r := AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.StopIterationType) {
		t.Fatalf("resume after exhaustion: got %v", err)
	}
	m.releaseRaised(err)
}

func TestGeneratorCallDoesNotExecute(t *testing.T) {
	m := New()
	defer m.Close()

	// Arity errors surface at call time even though the body never ran.
	b := NewBuilder()
	b.EmitUint16(OpLoadLocal, 0)
	b.Emit(OpYield)
	code := &CodeObject{
		Name:       "needs_arg",
		Code:       b.Bytes(),
		LocalNames: []string{"a"},
		NumParams:  1,
		Flags:      FlagGenerator,
	}
	mod := m.NewModule("gentest2")
	defer m.Release(mod)
	fn := m.NewFunction(code, mod, nil, nil)
	defer m.Release(fn)

	_, err := m.Call(fn, nil)
	r := AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.TypeErrorType) {
		t.Fatalf("expected arity TypeError at call time, got %v", err)
	}
	m.releaseRaised(err)

	gen, err := m.Call(fn, []Value{FromSmallInt(5)})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(gen)
	if m.generatorOf(gen) == nil {
		t.Fatal("call should build a generator, not run the body")
	}
}

func TestGeneratorIteration(t *testing.T) {
	m := New()
	defer m.Close()

	gen := makeGenerator(t, m)
	defer m.Release(gen)

	it, err := m.GetIter(gen)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(it)
	if it != gen {
		t.Fatal("a generator is its own iterator")
	}

	var got []int64
	for {
		v, ok, err := m.IterNext(it)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, v.SmallInt())
	}
	// The return value 3 is not an element.
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("iterated %v", got)
	}
}

func TestGeneratorSend(t *testing.T) {
	m := New()
	defer m.Close()

	// yield the sent value back: x = yield 1; return x
	b := NewBuilder()
	b.EmitInt32(OpLoadSmallInt, 1)
	b.Emit(OpYield)
	b.Emit(OpReturn)
	code := &CodeObject{Name: "echo", Code: b.Bytes(), Flags: FlagGenerator}
	mod := m.NewModule("gentest3")
	defer m.Release(mod)
	fn := m.NewFunction(code, mod, nil, nil)
	defer m.Release(fn)
	gen, err := m.Call(fn, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(gen)

	// Sending into a just-started generator is an error.
	_, _, err = m.GeneratorResume(gen, FromSmallInt(9))
	r := AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.TypeErrorType) {
		t.Fatalf("send to fresh generator: got %v", err)
	}
	m.releaseRaised(err)

	if _, _, err := m.GeneratorResume(gen, None); err != nil {
		t.Fatal(err)
	}
	v, yielded, err := m.GeneratorResume(gen, FromSmallInt(40))
	if err != nil || yielded || v.SmallInt() != 40 {
		t.Fatalf("sent value not delivered: v=%v yielded=%v err=%v", v, yielded, err)
	}
}

func TestGeneratorResumeWhileRunning(t *testing.T) {
	m := New()
	defer m.Close()

	// The body calls a native that turns around and resumes the very
	// generator it is running inside.
	b := NewBuilder()
	b.EmitUint16(OpLoadGlobal, 0)
	b.EmitByte(OpCall, 0)
	b.Emit(OpPop)
	b.EmitInt32(OpLoadSmallInt, 1)
	b.Emit(OpYield)
	b.Emit(OpPop)
	b.Emit(OpLoadNone)
	b.Emit(OpReturn)
	code := &CodeObject{
		Name:  "reentrant",
		Code:  b.Bytes(),
		Names: []string{"reenter"},
		Flags: FlagGenerator,
	}

	mod := m.NewModule("gentest5")
	defer m.Release(mod)

	var gen Value
	var blocked bool
	m.moduleSet(mod, "reenter", m.NewBuiltin("reenter", 0, func(m *Machine, args []Value) (Value, error) {
		_, _, err := m.GeneratorResume(gen, None)
		if r := AsRaised(err); r != nil && m.IsInstance(r.Exc, m.ValueErrorType) {
			blocked = true
		}
		m.releaseRaised(err)
		return None, nil
	}))

	fn := m.NewFunction(code, mod, nil, nil)
	defer m.Release(fn)
	g, err := m.Call(fn, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(g)
	gen = g

	v, yielded, err := m.GeneratorResume(gen, None)
	if err != nil || !yielded || v.SmallInt() != 1 {
		t.Fatalf("resume: v=%v yielded=%v err=%v", v, yielded, err)
	}
	if !blocked {
		t.Fatal("re-entry while running did not raise ValueError")
	}
}

func TestGeneratorThrow(t *testing.T) {
	m := New()
	defer m.Close()

	gen := makeGenerator(t, m)
	defer m.Release(gen)

	if _, _, err := m.GeneratorResume(gen, None); err != nil {
		t.Fatal(err)
	}
	exc := m.NewException(m.ValueErrorType, "injected")
	_, _, err := m.GeneratorThrow(gen, exc)
	r := AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.ValueErrorType) {
		t.Fatalf("throw: got %v", err)
	}
	m.releaseRaised(err)

	// The generator is now exhausted.
	_, _, err = m.GeneratorResume(gen, None)
	r = AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.StopIterationType) {
		t.Fatalf("resume after throw: got %v", err)
	}
	m.releaseRaised(err)
}

func TestGeneratorClose(t *testing.T) {
	m := New()
	defer m.Close()

	gen := makeGenerator(t, m)
	defer m.Release(gen)

	if _, _, err := m.GeneratorResume(gen, None); err != nil {
		t.Fatal(err)
	}
	if err := m.GeneratorClose(gen); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Closing twice is a no-op.
	if err := m.GeneratorClose(gen); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestGeneratorCloseBeforeStart(t *testing.T) {
	m := New()
	defer m.Close()

	gen := makeGenerator(t, m)
	defer m.Release(gen)

	if err := m.GeneratorClose(gen); err != nil {
		t.Fatalf("close unstarted: %v", err)
	}
	_, _, err := m.GeneratorResume(gen, None)
	r := AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.StopIterationType) {
		t.Fatalf("resume after close: got %v", err)
	}
	m.releaseRaised(err)
}
