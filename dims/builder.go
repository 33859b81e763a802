// Package dims builds the dimension relations of the star schema. Each
// dimension deduplicates the natural-key tuples appearing in newly filtered
// records and assigns stable surrogate keys; attribute drift on an existing
// natural key follows a per-dimension policy.
package dims

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xyzretail/sales-lakehouse/ingest"
	"github.com/xyzretail/sales-lakehouse/quality"
)

// Policy is the slowly-changing-dimension behavior for attribute drift.
type Policy string

const (
	// PolicyOverwrite updates attributes in place, keeping the key.
	PolicyOverwrite Policy = "overwrite"
	// PolicyPreserveFirst keeps the attributes first seen for a natural key.
	PolicyPreserveFirst Policy = "preserve-first-seen"
	// PolicyVersion appends a new row per distinct attribute tuple.
	PolicyVersion Policy = "version-as-new-row"
)

// ParsePolicy validates a policy string from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyOverwrite, PolicyPreserveFirst, PolicyVersion:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown dimension policy %q", s)
}

// Role classifies a dimension column.
type Role int

const (
	// RoleNatural columns identify the dimension entity.
	RoleNatural Role = iota
	// RoleAttribute columns may drift and are governed by the policy.
	RoleAttribute
	// RoleRef columns are foreign keys to another dimension, computed by
	// hashing that dimension's natural tuple taken from the same silver row.
	RoleRef
)

// Column describes one stored dimension column.
type Column struct {
	Name    string
	Type    string   // SQL type for DDL
	Expr    string   // expression over the silver row (natural/attribute)
	RefFrom []string // source expressions hashed into a RoleRef key
	Role    Role
}

// Spec declares a dimension: its table, key column, columns and drift
// policy.
type Spec struct {
	Table     string
	KeyColumn string
	Columns   []Column
	Filter    string // optional WHERE fragment over silver rows
	Policy    Policy
}

// Stats summarizes one build pass for a dimension.
type Stats struct {
	Tuples   int64
	Inserted int64
	Updated  int64
}

// Builder maintains dimension relations in the marts schema.
type Builder struct {
	db           *sql.DB
	silverSchema string
	martsSchema  string
	logger       *zap.Logger
}

// New creates a dimension builder.
func New(db *sql.DB, silverSchema, martsSchema string, logger *zap.Logger) *Builder {
	return &Builder{db: db, silverSchema: silverSchema, martsSchema: martsSchema, logger: logger}
}

// InitTables creates the dimension table for a spec.
func (b *Builder) InitTables(ctx context.Context, spec Spec) error {
	cols := []string{fmt.Sprintf("%s BIGINT NOT NULL", spec.KeyColumn)}
	for _, c := range spec.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", c.Name, c.Type))
	}
	cols = append(cols, "first_seen_at TIMESTAMP NOT NULL", "version INTEGER NOT NULL")

	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s)",
		b.martsSchema, spec.Table, strings.Join(cols, ", "))
	if _, err := b.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create %s: %w", spec.Table, err)
	}
	return nil
}

// tuple is one distinct source tuple. values holds every column in declared
// spec order (refs already resolved to keys); naturals and attrs are the
// same values split by role, used for hashing.
type tuple struct {
	values   []any
	naturals []any
	attrs    []any
}

// existing is the in-memory view of one dimension row keyed by natural hash.
type existing struct {
	key        int64
	attrHash   int64
	maxVersion int32
}

// Run deduplicates the natural tuples of the silver rows in
// (fromSeq, toSeq], inserts unseen tuples with deterministic surrogate keys
// and applies the drift policy to known ones. The whole pass for one
// dimension is a single transaction.
func (b *Builder) Run(ctx context.Context, spec Spec, fromSeq, toSeq int64) (Stats, error) {
	var stats Stats
	if toSeq <= fromSeq {
		return stats, nil
	}

	tuples, err := b.readTuples(ctx, spec, fromSeq, toSeq)
	if err != nil {
		return stats, err
	}
	stats.Tuples = int64(len(tuples))
	if len(tuples) == 0 {
		return stats, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin dimension tx: %w", err)
	}
	defer tx.Rollback()

	byNatural, byVersionHash, err := b.loadExisting(ctx, tx, spec)
	if err != nil {
		return stats, err
	}

	insertSQL := b.insertSQL(spec)
	updateSQL := b.updateSQL(spec)

	for _, tp := range tuples {
		naturalKey := Key(tp.naturals...)
		attrHash := Key(tp.attrs...)

		switch spec.Policy {
		case PolicyVersion:
			versionHash := Key(append(append([]any{}, tp.naturals...), tp.attrs...)...)
			if byVersionHash[versionHash] {
				continue
			}
			prev := byNatural[naturalKey]
			version := prev.maxVersion + 1
			if err := b.insert(ctx, tx, insertSQL, versionHash, tp, version); err != nil {
				return stats, err
			}
			byVersionHash[versionHash] = true
			byNatural[naturalKey] = existing{key: versionHash, attrHash: attrHash, maxVersion: version}
			stats.Inserted++

		case PolicyOverwrite:
			prev, ok := byNatural[naturalKey]
			if !ok {
				if err := b.insert(ctx, tx, insertSQL, naturalKey, tp, 1); err != nil {
					return stats, err
				}
				byNatural[naturalKey] = existing{key: naturalKey, attrHash: attrHash, maxVersion: 1}
				stats.Inserted++
				continue
			}
			if prev.attrHash == attrHash || len(tp.attrs) == 0 {
				continue
			}
			args := append(append([]any{}, tp.attrs...), prev.key)
			if _, err := tx.ExecContext(ctx, updateSQL, args...); err != nil {
				return stats, fmt.Errorf("failed to update %s row: %w", spec.Table, err)
			}
			byNatural[naturalKey] = existing{key: prev.key, attrHash: attrHash, maxVersion: prev.maxVersion}
			stats.Updated++

		default: // PolicyPreserveFirst
			if _, ok := byNatural[naturalKey]; ok {
				continue
			}
			if err := b.insert(ctx, tx, insertSQL, naturalKey, tp, 1); err != nil {
				return stats, err
			}
			byNatural[naturalKey] = existing{key: naturalKey, attrHash: attrHash, maxVersion: 1}
			stats.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit %s: %w", spec.Table, err)
	}

	b.logger.Info("dimension built",
		zap.String("table", spec.Table),
		zap.String("policy", string(spec.Policy)),
		zap.Int64("tuples", stats.Tuples),
		zap.Int64("inserted", stats.Inserted),
		zap.Int64("updated", stats.Updated))
	return stats, nil
}

// readTuples selects the distinct natural+attribute tuples of the batch,
// resolving ref columns to their deterministic keys.
func (b *Builder) readTuples(ctx context.Context, spec Spec, fromSeq, toSeq int64) ([]tuple, error) {
	var selects []string
	// Offsets into the scanned row per column.
	type refSlot struct{ start, count int }
	slots := make([]refSlot, len(spec.Columns))
	width := 0

	for i, c := range spec.Columns {
		if c.Role == RoleRef {
			for j, src := range c.RefFrom {
				selects = append(selects, fmt.Sprintf("%s AS ref_%d_%d", src, i, j))
			}
			slots[i] = refSlot{start: width, count: len(c.RefFrom)}
			width += len(c.RefFrom)
			continue
		}
		selects = append(selects, fmt.Sprintf("%s AS %s", c.Expr, c.Name))
		slots[i] = refSlot{start: width, count: 1}
		width++
	}

	where := fmt.Sprintf("%s > ? AND %s <= ?", ingest.ColIngestSeq, ingest.ColIngestSeq)
	if spec.Filter != "" {
		where += " AND " + spec.Filter
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s.%s WHERE %s",
		strings.Join(selects, ", "), b.silverSchema, quality.FilteredTable, where)

	rows, err := b.db.QueryContext(ctx, query, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s tuples: %w", spec.Table, err)
	}
	defer rows.Close()

	var tuples []tuple
	for rows.Next() {
		values := make([]any, width)
		ptrs := make([]any, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s tuple: %w", spec.Table, err)
		}

		var tp tuple
		for i, c := range spec.Columns {
			slot := slots[i]
			var v any
			if c.Role == RoleRef {
				v = Key(values[slot.start : slot.start+slot.count]...)
			} else {
				v = values[slot.start]
			}
			tp.values = append(tp.values, v)
			if c.Role == RoleNatural {
				tp.naturals = append(tp.naturals, v)
			} else {
				tp.attrs = append(tp.attrs, v)
			}
		}
		tuples = append(tuples, tp)
	}
	return tuples, rows.Err()
}

// loadExisting reads the current dimension content into memory. Dimensions
// are small relative to facts; the whole relation fits comfortably.
func (b *Builder) loadExisting(ctx context.Context, tx *sql.Tx, spec Spec) (map[int64]existing, map[int64]bool, error) {
	var naturalCols, attrCols []string
	for _, c := range spec.Columns {
		if c.Role == RoleNatural {
			naturalCols = append(naturalCols, c.Name)
		} else {
			attrCols = append(attrCols, c.Name)
		}
	}
	cols := append([]string{spec.KeyColumn}, append(append([]string{}, naturalCols...), attrCols...)...)
	cols = append(cols, "version")

	query := fmt.Sprintf("SELECT %s FROM %s.%s", strings.Join(cols, ", "), b.martsSchema, spec.Table)
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s: %w", spec.Table, err)
	}
	defer rows.Close()

	byNatural := make(map[int64]existing)
	byVersionHash := make(map[int64]bool)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan %s row: %w", spec.Table, err)
		}

		key, ok := toInt64(values[0])
		if !ok {
			return nil, nil, fmt.Errorf("non-integer surrogate key in %s", spec.Table)
		}
		naturals := values[1 : 1+len(naturalCols)]
		attrs := values[1+len(naturalCols) : 1+len(naturalCols)+len(attrCols)]
		version, _ := toInt64(values[len(cols)-1])

		nk := Key(naturals...)
		byVersionHash[Key(append(append([]any{}, naturals...), attrs...)...)] = true

		prev, seen := byNatural[nk]
		if !seen || int32(version) > prev.maxVersion {
			byNatural[nk] = existing{key: key, attrHash: Key(attrs...), maxVersion: int32(version)}
		}
	}
	return byNatural, byVersionHash, rows.Err()
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	}
	return 0, false
}

func (b *Builder) insertSQL(spec Spec) string {
	cols := []string{spec.KeyColumn}
	for _, c := range spec.Columns {
		cols = append(cols, c.Name)
	}
	cols = append(cols, "first_seen_at", "version")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)-2), ", ")
	return fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s, CURRENT_TIMESTAMP, ?)",
		b.martsSchema, spec.Table, strings.Join(cols, ", "), placeholders)
}

func (b *Builder) updateSQL(spec Spec) string {
	var sets []string
	for _, c := range spec.Columns {
		if c.Role != RoleNatural {
			sets = append(sets, c.Name+" = ?")
		}
	}
	return fmt.Sprintf("UPDATE %s.%s SET %s WHERE %s = ?",
		b.martsSchema, spec.Table, strings.Join(sets, ", "), spec.KeyColumn)
}

// insert writes one dimension row: key, then every column in declared
// order, then the version.
func (b *Builder) insert(ctx context.Context, tx *sql.Tx, insertSQL string, key int64, tp tuple, version int32) error {
	args := make([]any, 0, len(tp.values)+2)
	args = append(args, key)
	args = append(args, tp.values...)
	args = append(args, version)
	if _, err := tx.ExecContext(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("failed to insert dimension row: %w", err)
	}
	return nil
}
