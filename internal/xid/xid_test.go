package xid

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := New("stx")
		if !strings.HasPrefix(id, "stx-") {
			t.Fatalf("expected stx- prefix, got %s", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
	if !strings.Contains(New(""), "-") {
		t.Fatalf("expected bare uuid to keep its dashes")
	}
}
