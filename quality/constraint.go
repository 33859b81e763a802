// Package quality evaluates declared row constraints against newly ingested
// raw records, filters them into the silver layer and records per-batch
// quality metrics for the audit trail.
package quality

import (
	"fmt"

	"github.com/xyzretail/sales-lakehouse/ingest"
)

// Policy decides what a constraint violation does to the row and the batch.
type Policy string

const (
	// PolicyDrop excludes the row from the filtered layer and counts the
	// violation.
	PolicyDrop Policy = "drop"
	// PolicyWarn lets the row through but logs and counts it.
	PolicyWarn Policy = "warn"
	// PolicyFail aborts the whole batch. Used for constraints that are
	// expected never to fail.
	PolicyFail Policy = "fail"
)

// ParsePolicy validates a policy string from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyDrop, PolicyWarn, PolicyFail:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown constraint policy %q", s)
}

// Constraint is a named predicate over a raw record. Constraints are
// configuration data: the predicate set is fixed in code, the policy per
// constraint comes from config.
type Constraint struct {
	Name   string
	Policy Policy
	Check  func(ingest.Record) bool
}

// present reports whether the record carries a usable value for the column.
func present(rec ingest.Record, column string) bool {
	v, ok := rec[column]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok && s == "" {
		return false
	}
	return true
}

// DefaultConstraints returns the standard sales constraint set. The policies
// map (constraint name to policy string) overrides the defaults.
func DefaultConstraints(policies map[string]string) ([]Constraint, error) {
	constraints := []Constraint{
		{
			// Mandatory identity fields for every transaction row.
			Name:   "valid_transaction",
			Policy: PolicyDrop,
			Check: func(rec ingest.Record) bool {
				return present(rec, "transaction_id") && present(rec, "product_id")
			},
		},
		{
			Name:   "non_negative_amount",
			Policy: PolicyWarn,
			Check: func(rec ingest.Record) bool {
				v, ok := rec["total_amount"]
				if !ok || v == nil {
					return true
				}
				f, ok := v.(float64)
				return !ok || f >= 0
			},
		},
		{
			Name:   "valid_quantity",
			Policy: PolicyWarn,
			Check: func(rec ingest.Record) bool {
				v, ok := rec["quantity"]
				if !ok || v == nil {
					return true
				}
				n, ok := v.(int64)
				return !ok || n > 0
			},
		},
	}

	for i := range constraints {
		override, ok := policies[constraints[i].Name]
		if !ok {
			continue
		}
		p, err := ParsePolicy(override)
		if err != nil {
			return nil, fmt.Errorf("constraint %s: %w", constraints[i].Name, err)
		}
		constraints[i].Policy = p
	}
	for name := range policies {
		found := false
		for _, c := range constraints {
			if c.Name == name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("policy configured for unknown constraint %q", name)
		}
	}
	return constraints, nil
}
