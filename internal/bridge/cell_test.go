package bridge

import "testing"

func TestCellLatestWins(t *testing.T) {
	t.Parallel()

	var c Cell[int]
	c.Put(1)
	c.Put(2)
	c.Put(3)

	v, ok := c.Take()
	if !ok || v != 3 {
		t.Fatalf("Take() = (%d, %v); want (3, true)", v, ok)
	}
	if _, ok := c.Take(); ok {
		t.Fatal("second Take() should find the cell empty")
	}
}

func TestCellTakeClears(t *testing.T) {
	t.Parallel()

	var c Cell[string]
	if _, ok := c.Take(); ok {
		t.Fatal("Take() on a fresh cell should report empty")
	}
	c.Put("a")
	if v, ok := c.Take(); !ok || v != "a" {
		t.Fatalf("Take() = (%q, %v); want (\"a\", true)", v, ok)
	}
	c.Put("b")
	c.Put("c")
	if v, ok := c.Take(); !ok || v != "c" {
		t.Fatalf("Take() after overwrite = (%q, %v); want (\"c\", true)", v, ok)
	}
}

func TestCellPeekKeepsValue(t *testing.T) {
	t.Parallel()

	var c Cell[int]
	c.Put(7)
	if v, ok := c.Peek(); !ok || v != 7 {
		t.Fatalf("Peek() = (%d, %v); want (7, true)", v, ok)
	}
	if v, ok := c.Take(); !ok || v != 7 {
		t.Fatalf("Take() after Peek = (%d, %v); want (7, true)", v, ok)
	}
}
