package dims

import (
	"testing"
	"time"
)

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("123 Main St", "Springfield", "IL", "62704")
	b := Key("123 Main St", "Springfield", "IL", "62704")
	if a != b {
		t.Errorf("same tuple hashed to %d and %d", a, b)
	}
}

func TestKeyDistinguishesTuples(t *testing.T) {
	cases := []struct {
		name string
		a, b []any
	}{
		{"different value", []any{"P-1"}, []any{"P-2"}},
		{"different order", []any{"a", "b"}, []any{"b", "a"}},
		{"nil vs empty string", []any{nil}, []any{""}},
		{"nil vs literal null", []any{nil}, []any{"null"}},
		{"int vs string", []any{int64(1)}, []any{"1x"}},
		{"extra field", []any{"a"}, []any{"a", nil, ""}},
	}
	for _, tc := range cases {
		if Key(tc.a...) == Key(tc.b...) {
			t.Errorf("%s: %v and %v collided", tc.name, tc.a, tc.b)
		}
	}
}

func TestKeyCanonicalizesEquivalentValues(t *testing.T) {
	// The same logical value must hash identically whether it came from a
	// parser (Go types) or back out of the database.
	if Key(int64(42)) != Key(42) {
		t.Error("int and int64 of the same value hashed differently")
	}
	if Key([]byte("ada")) != Key("ada") {
		t.Error("[]byte and string of the same value hashed differently")
	}

	est := time.FixedZone("EST", -5*3600)
	utc := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	if Key(utc) != Key(utc.In(est)) {
		t.Error("same instant in different zones hashed differently")
	}
}
