package registry

import "testing"

func TestRegisterAndGet(t *testing.T) {
	r := New[int]()

	if err := r.Register("a", 1); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	v, err := r.Get("a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v != 1 {
		t.Errorf("Get() = %d, want 1", v)
	}
}

func TestGetUnknown(t *testing.T) {
	r := New[int]()
	if _, err := r.Get("missing"); err == nil {
		t.Error("expected error for unregistered name")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New[string]()

	if err := r.Register("x", "one"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register("x", "two"); err == nil {
		t.Error("expected error on duplicate registration")
	}
}

func TestRegisterEmptyName(t *testing.T) {
	r := New[string]()
	if err := r.Register("", "v"); err == nil {
		t.Error("expected error on empty name")
	}
}

func TestNamesSorted(t *testing.T) {
	r := New[int]()
	for i, name := range []string{"c", "a", "b"} {
		if err := r.Register(name, i); err != nil {
			t.Fatalf("Register(%q) error = %v", name, err)
		}
	}

	names := r.Names()
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestCount(t *testing.T) {
	r := New[int]()
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
	r.Register("a", 1)
	r.Register("b", 2)
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}
