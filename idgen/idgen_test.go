package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7Unique(t *testing.T) {
	// WHAT: Consecutive IDs are unique and parseable.
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = true
		if _, err := Parse(id); err != nil {
			t.Fatalf("parse %q: %v", id, err)
		}
	}
}

func TestPrefixed(t *testing.T) {
	// WHAT: Prefixed IDs carry the type scope.
	gen := Prefixed("rul_", Default)
	id := gen()
	if !strings.HasPrefix(id, "rul_") {
		t.Errorf("missing prefix: %s", id)
	}
}

func TestNanoIDLength(t *testing.T) {
	gen := NanoID(12)
	id := gen()
	if len(id) != 12 {
		t.Errorf("length: got %d, want 12", len(id))
	}
}
