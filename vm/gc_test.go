package vm

import "testing"

func TestCollectCyclesReclaimsCycle(t *testing.T) {
	m := New()
	defer m.Close()

	a := m.NewList(nil)
	b := m.NewList(nil)
	m.ListOf(a).Elems = append(m.ListOf(a).Elems, m.Retain(b))
	m.ListOf(b).Elems = append(m.ListOf(b).Elems, m.Retain(a))

	m.Release(a)
	m.Release(b)

	// The cycle keeps both alive despite zero external references.
	if m.objOrNil(a) == nil || m.objOrNil(b) == nil {
		t.Fatal("refcounting alone should not reclaim a cycle")
	}

	if n := m.CollectCycles(); n != 2 {
		t.Fatalf("collected %d objects, want 2", n)
	}
	if m.objOrNil(a) != nil || m.objOrNil(b) != nil {
		t.Fatal("cycle not reclaimed")
	}
}

func TestCollectCyclesKeepsRootedObjects(t *testing.T) {
	m := New()
	defer m.Close()

	held := m.NewList(nil) // still referenced from Go
	self := m.NewList(nil)
	m.ListOf(self).Elems = append(m.ListOf(self).Elems, m.Retain(self))
	m.Release(self)

	if n := m.CollectCycles(); n != 1 {
		t.Fatalf("collected %d objects, want only the self-cycle", n)
	}
	if m.objOrNil(held) == nil {
		t.Fatal("externally held object was collected")
	}
	m.Release(held)
}

func TestCollectCyclesSparesSurvivingChildren(t *testing.T) {
	m := New()
	defer m.Close()

	// A cycle holding a reference into the surviving graph: the survivor
	// must lose exactly the one reference the dying cycle held.
	survivor := m.NewStr("keep me")
	cycle := m.NewList(nil)
	m.ListOf(cycle).Elems = append(m.ListOf(cycle).Elems,
		m.Retain(cycle), m.Retain(survivor))
	m.Release(cycle)

	before := m.obj(survivor).Refs()
	if n := m.CollectCycles(); n != 1 {
		t.Fatalf("collected %d objects, want 1", n)
	}
	if m.objOrNil(survivor) == nil {
		t.Fatal("survivor was collected")
	}
	if got := m.obj(survivor).Refs(); got != before-1 {
		t.Fatalf("survivor refs = %d, want %d", got, before-1)
	}
	m.Release(survivor)
}

func TestCollectCyclesRunsFinalizers(t *testing.T) {
	m := New()
	defer m.Close()

	closed := 0
	res := m.NewResource("conn", func() { closed++ })
	holder := m.NewList([]Value{res}) // list owns the resource
	m.ListOf(holder).Elems = append(m.ListOf(holder).Elems, m.Retain(holder))
	m.Release(holder)

	if n := m.CollectCycles(); n != 2 {
		t.Fatalf("collected %d objects, want 2", n)
	}
	if closed != 1 {
		t.Fatalf("finalizer ran %d times, want exactly once", closed)
	}
	// A second collection must not find anything (or re-finalize).
	if n := m.CollectCycles(); n != 0 {
		t.Fatalf("second collection reclaimed %d objects", n)
	}
	if closed != 1 {
		t.Fatalf("finalizer re-ran: %d", closed)
	}
}

func TestCollectCyclesThroughAttributes(t *testing.T) {
	m := New()
	defer m.Close()

	tp, _ := m.NewType("Node", nil, nil)
	a := m.NewObject(tp)
	b := m.NewObject(tp)
	if err := m.SetAttr(a, "next", m.Retain(b)); err != nil {
		t.Fatal(err)
	}
	if err := m.SetAttr(b, "next", m.Retain(a)); err != nil {
		t.Fatal(err)
	}
	m.Release(a)
	m.Release(b)

	if n := m.CollectCycles(); n != 2 {
		t.Fatalf("collected %d objects, want 2", n)
	}
}

func TestAllocationTriggersCollection(t *testing.T) {
	m := New()
	defer m.Close()
	m.SetCycleThreshold(4)

	a := m.NewList(nil)
	b := m.NewList(nil)
	m.ListOf(a).Elems = append(m.ListOf(a).Elems, m.Retain(b))
	m.ListOf(b).Elems = append(m.ListOf(b).Elems, m.Retain(a))
	m.Release(a)
	m.Release(b)

	// Allocation pressure alone must reclaim the cycle; no explicit
	// CollectCycles call.
	for i := 0; i < 8; i++ {
		m.Release(m.NewStr("filler"))
	}
	if m.objOrNil(a) != nil || m.objOrNil(b) != nil {
		t.Fatal("cyclic garbage survived the allocation budget")
	}
}

func TestNoGarbageNoWork(t *testing.T) {
	m := New()
	defer m.Close()

	before := m.LiveObjects()
	if n := m.CollectCycles(); n != 0 {
		t.Fatalf("collector reclaimed %d live objects", n)
	}
	if m.LiveObjects() != before {
		t.Fatal("collection changed the live set without garbage")
	}
}
