// Package audit exposes the pipeline's compliance views: per-file ingestion
// status, per-batch quality metrics and the orphan output. It only reads the
// meta schema; all writes happen in the pipeline stages.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FileRecord is one source file ledger entry.
type FileRecord struct {
	Path         string     `json:"path"`
	Fingerprint  string     `json:"fingerprint"`
	SizeBytes    int64      `json:"size_bytes"`
	Status       string     `json:"status"`
	DiscoveredAt *time.Time `json:"discovered_at,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	IngestedAt   *time.Time `json:"ingested_at,omitempty"`
	IngestSeq    *int64     `json:"ingest_seq,omitempty"`
	RecordCount  *int64     `json:"record_count,omitempty"`
	Detail       *string    `json:"detail,omitempty"`
}

// ViolationRecord is one constraint's accounting within a batch.
type ViolationRecord struct {
	Constraint string `json:"constraint"`
	Policy     string `json:"policy"`
	Violations int64  `json:"violations"`
}

// BatchRecord is one quality-metrics batch.
type BatchRecord struct {
	BatchID     string            `json:"batch_id"`
	FromSeq     int64             `json:"from_seq"`
	ToSeq       int64             `json:"to_seq"`
	Total       int64             `json:"total"`
	Passed      int64             `json:"passed"`
	Dropped     int64             `json:"dropped"`
	Warned      int64             `json:"warned"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
	Violations  []ViolationRecord `json:"violations,omitempty"`
}

// OrphanRecord is one referential-integrity failure.
type OrphanRecord struct {
	BatchID           string    `json:"batch_id"`
	TransactionID     *string   `json:"transaction_id,omitempty"`
	SourceFile        *string   `json:"source_file,omitempty"`
	IngestSeq         int64     `json:"ingest_seq"`
	MissingDimensions string    `json:"missing_dimensions"`
	QuarantinedAt     time.Time `json:"quarantined_at"`
}

// Store queries the meta schema.
type Store struct {
	db         *sql.DB
	metaSchema string
}

// NewStore creates an audit store.
func NewStore(db *sql.DB, metaSchema string) *Store {
	return &Store{db: db, metaSchema: metaSchema}
}

// ListFiles returns ledger entries, optionally filtered by status, newest
// first.
func (s *Store) ListFiles(ctx context.Context, status string, limit int) ([]FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT path, fingerprint, size_bytes, status,
		       discovered_at, claimed_at, ingested_at, ingest_seq, record_count, detail
		FROM %s.ingested_files
	`, s.metaSchema)
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY discovered_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFile returns the ledger entry for one file identity.
func (s *Store) GetFile(ctx context.Context, fingerprint string) (*FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT path, fingerprint, size_bytes, status,
		       discovered_at, claimed_at, ingested_at, ingest_seq, record_count, detail
		FROM %s.ingested_files WHERE fingerprint = ?
	`, s.metaSchema)

	rows, err := s.db.QueryContext(ctx, query, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	f, err := scanFile(rows)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanFile(rows *sql.Rows) (FileRecord, error) {
	var f FileRecord
	var discovered, claimed, ingested sql.NullTime
	var seq, count sql.NullInt64
	var detail sql.NullString
	if err := rows.Scan(&f.Path, &f.Fingerprint, &f.SizeBytes, &f.Status,
		&discovered, &claimed, &ingested, &seq, &count, &detail); err != nil {
		return f, fmt.Errorf("failed to scan file record: %w", err)
	}
	if discovered.Valid {
		f.DiscoveredAt = &discovered.Time
	}
	if claimed.Valid {
		f.ClaimedAt = &claimed.Time
	}
	if ingested.Valid {
		f.IngestedAt = &ingested.Time
	}
	if seq.Valid {
		f.IngestSeq = &seq.Int64
	}
	if count.Valid {
		f.RecordCount = &count.Int64
	}
	if detail.Valid {
		f.Detail = &detail.String
	}
	return f, nil
}

// ListBatches returns quality batches, newest first, without their
// violation breakdowns.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	query := fmt.Sprintf(`
		SELECT batch_id, from_seq, to_seq, total, passed, dropped, warned, evaluated_at
		FROM %s.quality_batches ORDER BY evaluated_at DESC LIMIT ?
	`, s.metaSchema)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []BatchRecord
	for rows.Next() {
		var b BatchRecord
		if err := rows.Scan(&b.BatchID, &b.FromSeq, &b.ToSeq, &b.Total, &b.Passed,
			&b.Dropped, &b.Warned, &b.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// GetBatch returns one quality batch with its per-constraint violation
// counts.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	query := fmt.Sprintf(`
		SELECT batch_id, from_seq, to_seq, total, passed, dropped, warned, evaluated_at
		FROM %s.quality_batches WHERE batch_id = ?
	`, s.metaSchema)

	var b BatchRecord
	err := s.db.QueryRowContext(ctx, query, batchID).Scan(&b.BatchID, &b.FromSeq, &b.ToSeq,
		&b.Total, &b.Passed, &b.Dropped, &b.Warned, &b.EvaluatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	violationsSQL := fmt.Sprintf(`
		SELECT constraint_name, policy, violations
		FROM %s.quality_violations WHERE batch_id = ? ORDER BY constraint_name
	`, s.metaSchema)
	rows, err := s.db.QueryContext(ctx, violationsSQL, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch violations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v ViolationRecord
		if err := rows.Scan(&v.Constraint, &v.Policy, &v.Violations); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		b.Violations = append(b.Violations, v)
	}
	return &b, rows.Err()
}

// ListOrphans returns orphaned fact rows, newest first.
func (s *Store) ListOrphans(ctx context.Context, limit int) ([]OrphanRecord, error) {
	query := fmt.Sprintf(`
		SELECT batch_id, transaction_id, source_file, ingest_seq, missing_dimensions, quarantined_at
		FROM %s.orphan_records ORDER BY quarantined_at DESC LIMIT ?
	`, s.metaSchema)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}
	defer rows.Close()

	var orphans []OrphanRecord
	for rows.Next() {
		var o OrphanRecord
		var tid, src sql.NullString
		if err := rows.Scan(&o.BatchID, &tid, &src, &o.IngestSeq,
			&o.MissingDimensions, &o.QuarantinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan orphan: %w", err)
		}
		if tid.Valid {
			o.TransactionID = &tid.String
		}
		if src.Valid {
			o.SourceFile = &src.String
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}
