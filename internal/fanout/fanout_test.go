package fanout

import "testing"

func TestEmitOrderAndIsolation(t *testing.T) {
	l := New[int]("test")
	var calls []string
	l.Add(func(v int) { calls = append(calls, "first") })
	l.Add(func(v int) { panic("boom") })
	l.Add(func(v int) { calls = append(calls, "third") })

	if failed := l.Emit(1); failed != 1 {
		t.Fatalf("expected 1 failed listener, got %d", failed)
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "third" {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestRemove(t *testing.T) {
	l := New[string]("test")
	count := 0
	id := l.Add(func(string) { count++ })
	l.Add(func(string) { count += 10 })
	if l.Add(nil) != 0 {
		t.Fatalf("nil listener must not register")
	}
	l.Remove(id)
	l.Remove(id)
	l.Remove(0)
	l.Emit("x")
	if count != 10 {
		t.Fatalf("removed listener still invoked, count=%d", count)
	}
	if l.Len() != 1 {
		t.Fatalf("unexpected len %d", l.Len())
	}
}

func TestEmitEmpty(t *testing.T) {
	l := New[int]("empty")
	if l.Emit(1) != 0 {
		t.Fatalf("empty list reported failures")
	}
}

func TestIDsUniqueAcrossLists(t *testing.T) {
	a := New[int]("a")
	b := New[string]("b")
	ida := a.Add(func(int) {})
	idb := b.Add(func(string) {})
	if ida == idb {
		t.Fatalf("ids collide across lists: %d", ida)
	}
	b.Remove(ida)
	if b.Len() != 1 {
		t.Fatalf("removing a foreign id must not affect the list")
	}
}
