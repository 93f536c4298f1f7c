package codecache

import "testing"

func TestEviction(t *testing.T) {
	c := New(2)
	c.Put("a", Entry{Signature: "sig-a"})
	c.Put("b", Entry{Signature: "sig-b"})
	c.Put("c", Entry{Signature: "sig-c"})

	if _, ok := c.Get("a"); ok {
		t.Error("a should have been evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("b should still be present")
	}

	// b was just promoted, so adding d evicts c.
	c.Put("d", Entry{Signature: "sig-d"})
	if _, ok := c.Get("c"); ok {
		t.Error("c should have been evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("b should survive")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestOverwriteKeepsOneEntry(t *testing.T) {
	c := New(2)
	c.Put("a", Entry{Signature: "v1"})
	c.Put("a", Entry{Signature: "v2"})
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	e, ok := c.Get("a")
	if !ok || e.Signature != "v2" {
		t.Errorf("Get(a) = %+v, %v", e, ok)
	}
}

func TestRemoveAbsentKey(t *testing.T) {
	c := New(2)
	c.Remove("missing") // no-op
	c.Put("a", Entry{})
	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Error("a should be gone")
	}
}

func TestSetCapacity(t *testing.T) {
	c := New(4)
	for _, k := range []string{"a", "b", "c", "d"} {
		c.Put(k, Entry{})
	}
	c.SetCapacity(2)
	if c.Len() != 2 {
		t.Errorf("Len after shrink = %d, want 2", c.Len())
	}
	if c.Capacity() != 2 {
		t.Errorf("Capacity = %d, want 2", c.Capacity())
	}
	// The two most recently used survive.
	if _, ok := c.Get("c"); !ok {
		t.Error("c should survive the shrink")
	}
	if _, ok := c.Get("d"); !ok {
		t.Error("d should survive the shrink")
	}
}

func TestCapacityClamped(t *testing.T) {
	c := New(0)
	if c.Capacity() != 1 {
		t.Errorf("Capacity = %d, want 1", c.Capacity())
	}
	c.Put("a", Entry{})
	c.Put("b", Entry{})
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
