package quality

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xyzretail/sales-lakehouse/ingest"
)

// FilteredTable is the silver relation name.
const FilteredTable = "sales_filtered"

// ErrBatchFailed is returned when a fail-policy constraint is violated. The
// batch transaction is rolled back; nothing is partially committed.
type ErrBatchFailed struct {
	Constraint string
	Violations int64
}

func (e *ErrBatchFailed) Error() string {
	return fmt.Sprintf("constraint %s with fail policy violated %d time(s), batch aborted",
		e.Constraint, e.Violations)
}

// BatchMetrics holds the quality accounting for one micro-batch. Metrics are
// recomputed from scratch every time the batch is evaluated; reprocessing a
// batch replaces its metrics rather than double-counting them.
type BatchMetrics struct {
	BatchID     string
	FromSeq     int64
	ToSeq       int64
	Total       int64
	Passed      int64
	Dropped     int64
	Warned      int64
	Violations  map[string]int64
	EvaluatedAt time.Time
}

// CheckpointFunc persists the new silver watermark inside the batch
// transaction so the filtered layer and the checkpoint move together.
type CheckpointFunc func(ctx context.Context, tx *sql.Tx, seq int64) error

// Gate evaluates the ordered constraint list against every raw record not
// yet filtered.
type Gate struct {
	db           *sql.DB
	bronzeSchema string
	silverSchema string
	metaSchema   string
	constraints  []Constraint
	logger       *zap.Logger
}

// New creates a quality gate.
func New(db *sql.DB, bronzeSchema, silverSchema, metaSchema string, constraints []Constraint, logger *zap.Logger) *Gate {
	return &Gate{
		db:           db,
		bronzeSchema: bronzeSchema,
		silverSchema: silverSchema,
		metaSchema:   metaSchema,
		constraints:  constraints,
		logger:       logger,
	}
}

// InitTables creates the silver table (mirroring bronze) and the metrics
// tables.
func (g *Gate) InitTables(ctx context.Context) error {
	createSilver := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.%s AS SELECT * FROM %s.%s WHERE 1 = 0",
		g.silverSchema, FilteredTable, g.bronzeSchema, ingest.RawTable)
	if _, err := g.db.ExecContext(ctx, createSilver); err != nil {
		return fmt.Errorf("failed to create filtered table: %w", err)
	}

	createBatches := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.quality_batches (
			batch_id     VARCHAR NOT NULL,
			from_seq     BIGINT NOT NULL,
			to_seq       BIGINT NOT NULL,
			total        BIGINT NOT NULL,
			passed       BIGINT NOT NULL,
			dropped      BIGINT NOT NULL,
			warned       BIGINT NOT NULL,
			evaluated_at TIMESTAMP NOT NULL
		)
	`, g.metaSchema)
	if _, err := g.db.ExecContext(ctx, createBatches); err != nil {
		return fmt.Errorf("failed to create quality batches table: %w", err)
	}

	createViolations := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.quality_violations (
			batch_id        VARCHAR NOT NULL,
			constraint_name VARCHAR NOT NULL,
			policy          VARCHAR NOT NULL,
			violations      BIGINT NOT NULL
		)
	`, g.metaSchema)
	if _, err := g.db.ExecContext(ctx, createViolations); err != nil {
		return fmt.Errorf("failed to create quality violations table: %w", err)
	}
	return nil
}

// syncSchema widens the silver table with any column bronze has gained since
// the last batch, keeping the union schema in lockstep.
func (g *Gate) syncSchema(ctx context.Context) error {
	rows, err := g.db.QueryContext(ctx, `
		SELECT b.column_name, b.data_type
		FROM information_schema.columns b
		WHERE b.table_schema = ? AND b.table_name = ?
		  AND b.column_name NOT IN (
			SELECT s.column_name FROM information_schema.columns s
			WHERE s.table_schema = ? AND s.table_name = ?
		  )
	`, g.bronzeSchema, ingest.RawTable, g.silverSchema, FilteredTable)
	if err != nil {
		return fmt.Errorf("failed to diff bronze/silver schemas: %w", err)
	}
	defer rows.Close()

	type column struct{ name, dataType string }
	var missing []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.name, &c.dataType); err != nil {
			return fmt.Errorf("failed to scan schema diff: %w", err)
		}
		missing = append(missing, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range missing {
		alterSQL := fmt.Sprintf("ALTER TABLE %s.%s ADD COLUMN IF NOT EXISTS %s %s",
			g.silverSchema, FilteredTable, c.name, c.dataType)
		if _, err := g.db.ExecContext(ctx, alterSQL); err != nil {
			return fmt.Errorf("failed to widen filtered table with %s: %w", c.name, err)
		}
		g.logger.Info("filtered schema widened", zap.String("column", c.name))
	}
	return nil
}

// MaxIngestSeq returns the highest ingest sequence present in the raw layer.
func (g *Gate) MaxIngestSeq(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s.%s",
		ingest.ColIngestSeq, g.bronzeSchema, ingest.RawTable)
	var seq int64
	if err := g.db.QueryRowContext(ctx, query).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to query max ingest seq: %w", err)
	}
	return seq, nil
}

// Run evaluates the batch of raw rows with ingest_seq in (fromSeq, toSeq].
// The silver insert, the metrics recompute and the checkpoint advance commit
// in one transaction; a fail-policy violation rolls everything back.
//
// Re-running the same seq range is idempotent: previously written silver
// rows and metrics for the range are replaced, not appended to.
func (g *Gate) Run(ctx context.Context, fromSeq, toSeq int64, save CheckpointFunc) (*BatchMetrics, error) {
	if toSeq <= fromSeq {
		return nil, nil // nothing new, not even a no-op metrics batch
	}
	if err := g.syncSchema(ctx); err != nil {
		return nil, err
	}

	columns, records, err := g.readBatch(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}

	metrics := &BatchMetrics{
		BatchID:     uuid.NewString(),
		FromSeq:     fromSeq,
		ToSeq:       toSeq,
		Total:       int64(len(records)),
		Violations:  make(map[string]int64),
		EvaluatedAt: time.Now().UTC(),
	}
	for _, c := range g.constraints {
		metrics.Violations[c.Name] = 0
	}

	var passing []ingest.Record
	for _, rec := range records {
		pass := true
		for _, c := range g.constraints {
			if c.Check(rec) {
				continue
			}
			metrics.Violations[c.Name]++
			switch c.Policy {
			case PolicyFail:
				return nil, &ErrBatchFailed{Constraint: c.Name, Violations: metrics.Violations[c.Name]}
			case PolicyDrop:
				pass = false
			case PolicyWarn:
				metrics.Warned++
				g.logger.Warn("constraint violation",
					zap.String("constraint", c.Name),
					zap.Any("transaction_id", rec["transaction_id"]),
					zap.Any("source_file", rec[ingest.ColSourceFile]))
			}
		}
		if pass {
			passing = append(passing, rec)
		} else {
			metrics.Dropped++
		}
	}
	metrics.Passed = int64(len(passing))

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch tx: %w", err)
	}
	defer tx.Rollback()

	// Replace any previous output of this seq range before writing.
	deleteSilver := fmt.Sprintf("DELETE FROM %s.%s WHERE %s > ? AND %s <= ?",
		g.silverSchema, FilteredTable, ingest.ColIngestSeq, ingest.ColIngestSeq)
	if _, err := tx.ExecContext(ctx, deleteSilver, fromSeq, toSeq); err != nil {
		return nil, fmt.Errorf("failed to clear filtered range: %w", err)
	}
	deleteBatches := fmt.Sprintf(`
		DELETE FROM %s.quality_violations
		WHERE batch_id IN (SELECT batch_id FROM %s.quality_batches WHERE from_seq = ? AND to_seq = ?)
	`, g.metaSchema, g.metaSchema)
	if _, err := tx.ExecContext(ctx, deleteBatches, fromSeq, toSeq); err != nil {
		return nil, fmt.Errorf("failed to clear previous violation rows: %w", err)
	}
	deleteMetrics := fmt.Sprintf("DELETE FROM %s.quality_batches WHERE from_seq = ? AND to_seq = ?",
		g.metaSchema)
	if _, err := tx.ExecContext(ctx, deleteMetrics, fromSeq, toSeq); err != nil {
		return nil, fmt.Errorf("failed to clear previous metrics batch: %w", err)
	}

	if err := g.insertFiltered(ctx, tx, columns, passing); err != nil {
		return nil, err
	}
	if err := g.insertMetrics(ctx, tx, metrics); err != nil {
		return nil, err
	}
	if save != nil {
		if err := save(ctx, tx, toSeq); err != nil {
			return nil, fmt.Errorf("failed to advance silver checkpoint: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	g.logger.Info("quality batch evaluated",
		zap.String("batch_id", metrics.BatchID),
		zap.Int64("from_seq", fromSeq),
		zap.Int64("to_seq", toSeq),
		zap.Int64("total", metrics.Total),
		zap.Int64("passed", metrics.Passed),
		zap.Int64("dropped", metrics.Dropped))
	return metrics, nil
}

// readBatch loads the raw rows of the seq range with their full (union)
// column set.
func (g *Gate) readBatch(ctx context.Context, fromSeq, toSeq int64) ([]string, []ingest.Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s.%s WHERE %s > ? AND %s <= ?",
		g.bronzeSchema, ingest.RawTable, ingest.ColIngestSeq, ingest.ColIngestSeq)
	rows, err := g.db.QueryContext(ctx, query, fromSeq, toSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read raw batch: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read raw columns: %w", err)
	}

	var records []ingest.Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan raw row: %w", err)
		}
		rec := make(ingest.Record, len(columns))
		for i, col := range columns {
			rec[col] = normalize(values[i])
		}
		records = append(records, rec)
	}
	return columns, records, rows.Err()
}

// normalize maps driver byte slices to strings so constraint predicates see
// comparable values.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (g *Gate) insertFiltered(ctx context.Context, tx *sql.Tx, columns []string, records []ingest.Record) error {
	if len(records) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	insertSQL := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		g.silverSchema, FilteredTable, strings.Join(columns, ", "), placeholders)

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare filtered insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		args := make([]any, len(columns))
		for i, col := range columns {
			args[i] = rec[col]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert filtered row: %w", err)
		}
	}
	return nil
}

func (g *Gate) insertMetrics(ctx context.Context, tx *sql.Tx, m *BatchMetrics) error {
	batchSQL := fmt.Sprintf(`
		INSERT INTO %s.quality_batches
			(batch_id, from_seq, to_seq, total, passed, dropped, warned, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, g.metaSchema)
	if _, err := tx.ExecContext(ctx, batchSQL,
		m.BatchID, m.FromSeq, m.ToSeq, m.Total, m.Passed, m.Dropped, m.Warned, m.EvaluatedAt); err != nil {
		return fmt.Errorf("failed to insert metrics batch: %w", err)
	}

	violationSQL := fmt.Sprintf(`
		INSERT INTO %s.quality_violations (batch_id, constraint_name, policy, violations)
		VALUES (?, ?, ?, ?)
	`, g.metaSchema)
	for _, c := range g.constraints {
		if _, err := tx.ExecContext(ctx, violationSQL,
			m.BatchID, c.Name, string(c.Policy), m.Violations[c.Name]); err != nil {
			return fmt.Errorf("failed to insert violation row for %s: %w", c.Name, err)
		}
	}
	return nil
}
