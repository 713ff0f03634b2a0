package vm

import "testing"

func TestDictSetGetDelete(t *testing.T) {
	m := New()
	defer m.Close()

	d := m.NewDict()
	defer m.Release(d)

	if err := m.DictSet(d, m.NewStr("k"), FromSmallInt(1)); err != nil {
		t.Fatal(err)
	}
	key := m.NewStr("k")
	v, found, err := m.DictGet(d, key)
	m.Release(key)
	if err != nil || !found {
		t.Fatalf("lookup failed: found=%v err=%v", found, err)
	}
	if v.SmallInt() != 1 {
		t.Fatalf("value = %v", v)
	}

	key = m.NewStr("k")
	if err := m.DictDelete(d, key); err != nil {
		t.Fatal(err)
	}
	m.Release(key)
	if m.DictOf(d).Len() != 0 {
		t.Fatal("delete left an entry")
	}
}

func TestDictMissingKeyRaisesKeyError(t *testing.T) {
	m := New()
	defer m.Close()

	d := m.NewDict()
	defer m.Release(d)

	err := m.DictDelete(d, FromSmallInt(9))
	r := AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.KeyErrorType) {
		t.Fatalf("expected KeyError, got %v", err)
	}
	m.releaseRaised(err)
}

func TestDictIntFloatKeyEquivalence(t *testing.T) {
	m := New()
	defer m.Close()

	d := m.NewDict()
	defer m.Release(d)

	if err := m.DictSet(d, FromSmallInt(1), m.NewStr("one")); err != nil {
		t.Fatal(err)
	}
	v, found, err := m.DictGet(d, FromFloat64(1.0))
	if err != nil || !found {
		t.Fatalf("1.0 should find the key 1: found=%v err=%v", found, err)
	}
	if s, _ := m.StrValue(v); s != "one" {
		t.Fatalf("value = %q", s)
	}
}

func TestDictUnhashableKey(t *testing.T) {
	m := New()
	defer m.Close()

	d := m.NewDict()
	defer m.Release(d)

	err := m.DictSet(d, m.NewList(nil), None)
	r := AsRaised(err)
	if r == nil || !m.IsInstance(r.Exc, m.TypeErrorType) {
		t.Fatalf("expected TypeError for list key, got %v", err)
	}
	m.releaseRaised(err)
}

func TestDictInsertionOrder(t *testing.T) {
	m := New()
	defer m.Close()

	d := m.NewDict()
	defer m.Release(d)

	for _, k := range []string{"z", "a", "m"} {
		if err := m.DictSet(d, m.NewStr(k), None); err != nil {
			t.Fatal(err)
		}
	}
	// Overwriting keeps the original position.
	if err := m.DictSet(d, m.NewStr("a"), True); err != nil {
		t.Fatal(err)
	}

	var order []string
	m.DictOf(d).Each(func(k, v Value) {
		s, _ := m.StrValue(k)
		order = append(order, s)
	})
	if !sameNames(order, []string{"z", "a", "m"}) {
		t.Fatalf("iteration order = %v", order)
	}
}

func TestDictReprOrdered(t *testing.T) {
	m := New()
	defer m.Close()

	d := m.NewDict()
	defer m.Release(d)
	m.DictSet(d, m.NewStr("b"), FromSmallInt(2))
	m.DictSet(d, m.NewStr("a"), FromSmallInt(1))

	s, err := m.Repr(d)
	if err != nil {
		t.Fatal(err)
	}
	if s != "{'b': 2, 'a': 1}" {
		t.Fatalf("repr = %s", s)
	}
}
