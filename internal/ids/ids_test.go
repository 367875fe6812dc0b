package ids

import "testing"

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if a > b {
		t.Fatalf("expected monotonic order: %s > %s", a, b)
	}
}

func TestValid(t *testing.T) {
	if !Valid(New()) {
		t.Fatal("fresh id should be valid")
	}
	for _, bad := range []string{"", "  ", "not-an-id", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if Valid(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}
