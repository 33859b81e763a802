package quality

import (
	"testing"

	"github.com/xyzretail/sales-lakehouse/ingest"
)

func findConstraint(t *testing.T, constraints []Constraint, name string) Constraint {
	t.Helper()
	for _, c := range constraints {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("constraint %s not found", name)
	return Constraint{}
}

func TestDefaultConstraintChecks(t *testing.T) {
	constraints, err := DefaultConstraints(nil)
	if err != nil {
		t.Fatalf("DefaultConstraints failed: %v", err)
	}

	validTx := findConstraint(t, constraints, "valid_transaction")
	amount := findConstraint(t, constraints, "non_negative_amount")
	quantity := findConstraint(t, constraints, "valid_quantity")

	cases := []struct {
		name       string
		constraint Constraint
		rec        ingest.Record
		want       bool
	}{
		{"both ids present", validTx, ingest.Record{"transaction_id": "TX-1", "product_id": "P-1"}, true},
		{"missing transaction_id", validTx, ingest.Record{"product_id": "P-1"}, false},
		{"null transaction_id", validTx, ingest.Record{"transaction_id": nil, "product_id": "P-1"}, false},
		{"empty product_id", validTx, ingest.Record{"transaction_id": "TX-1", "product_id": ""}, false},
		{"positive amount", amount, ingest.Record{"total_amount": 10.5}, true},
		{"zero amount", amount, ingest.Record{"total_amount": 0.0}, true},
		{"negative amount", amount, ingest.Record{"total_amount": -1.0}, false},
		{"absent amount passes", amount, ingest.Record{}, true},
		{"positive quantity", quantity, ingest.Record{"quantity": int64(3)}, true},
		{"zero quantity", quantity, ingest.Record{"quantity": int64(0)}, false},
		{"negative quantity", quantity, ingest.Record{"quantity": int64(-2)}, false},
		{"null quantity passes", quantity, ingest.Record{"quantity": nil}, true},
	}
	for _, tc := range cases {
		if got := tc.constraint.Check(tc.rec); got != tc.want {
			t.Errorf("%s: check = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPolicyOverrides(t *testing.T) {
	constraints, err := DefaultConstraints(map[string]string{
		"non_negative_amount": "fail",
	})
	if err != nil {
		t.Fatalf("DefaultConstraints failed: %v", err)
	}
	if got := findConstraint(t, constraints, "non_negative_amount").Policy; got != PolicyFail {
		t.Errorf("overridden policy = %s, want fail", got)
	}
	// Untouched constraints keep their defaults.
	if got := findConstraint(t, constraints, "valid_transaction").Policy; got != PolicyDrop {
		t.Errorf("default policy = %s, want drop", got)
	}
}

func TestPolicyOverrideErrors(t *testing.T) {
	if _, err := DefaultConstraints(map[string]string{"valid_transaction": "explode"}); err == nil {
		t.Error("unknown policy string should fail")
	}
	if _, err := DefaultConstraints(map[string]string{"no_such_constraint": "drop"}); err == nil {
		t.Error("policy for unknown constraint should fail")
	}
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"drop", "warn", "fail"} {
		if _, err := ParsePolicy(s); err != nil {
			t.Errorf("ParsePolicy(%q) failed: %v", s, err)
		}
	}
	if _, err := ParsePolicy("DROP"); err == nil {
		t.Error("policy strings are case-sensitive, DROP should fail")
	}
}
