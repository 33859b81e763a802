package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS meta",
		`CREATE TABLE meta.ingested_files (
			path VARCHAR NOT NULL, fingerprint VARCHAR NOT NULL, size_bytes BIGINT,
			modified_at TIMESTAMP, status VARCHAR NOT NULL, discovered_at TIMESTAMP,
			claimed_at TIMESTAMP, ingested_at TIMESTAMP, ingest_seq BIGINT,
			record_count BIGINT, detail VARCHAR
		)`,
		`CREATE TABLE meta.quality_batches (
			batch_id VARCHAR NOT NULL, from_seq BIGINT NOT NULL, to_seq BIGINT NOT NULL,
			total BIGINT NOT NULL, passed BIGINT NOT NULL, dropped BIGINT NOT NULL,
			warned BIGINT NOT NULL, evaluated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE meta.quality_violations (
			batch_id VARCHAR NOT NULL, constraint_name VARCHAR NOT NULL,
			policy VARCHAR NOT NULL, violations BIGINT NOT NULL
		)`,
		`CREATE TABLE meta.orphan_records (
			batch_id VARCHAR NOT NULL, transaction_id VARCHAR, source_file VARCHAR,
			ingest_seq BIGINT NOT NULL, missing_dimensions VARCHAR NOT NULL,
			quarantined_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return NewStore(db, "meta"), db
}

func TestListAndGetFiles(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := db.Exec(`
		INSERT INTO meta.ingested_files
			(path, fingerprint, size_bytes, status, discovered_at, ingested_at, ingest_seq, record_count)
		VALUES ('/landing/a.csv', 'fp-a', 100, 'ingested', ?, ?, 1, 50)
	`, now.Add(-time.Hour), now)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO meta.ingested_files (path, fingerprint, size_bytes, status, discovered_at, detail)
		VALUES ('/landing/b.csv', 'fp-b', 200, 'quarantined', ?, 'bad header')
	`, now)
	require.NoError(t, err)

	files, err := s.ListFiles(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, files, 2)
	// Newest discovery first.
	if files[0].Fingerprint != "fp-b" {
		t.Errorf("first file = %s, want fp-b (newest)", files[0].Fingerprint)
	}

	files, err = s.ListFiles(ctx, "quarantined", 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	if files[0].Detail == nil || *files[0].Detail != "bad header" {
		t.Errorf("quarantine detail = %v, want bad header", files[0].Detail)
	}
	// Fields never reached stay absent rather than zero-valued.
	if files[0].IngestSeq != nil || files[0].IngestedAt != nil {
		t.Error("quarantined file should have no ingest fields")
	}

	f, err := s.GetFile(ctx, "fp-a")
	require.NoError(t, err)
	require.NotNil(t, f)
	if f.IngestSeq == nil || *f.IngestSeq != 1 {
		t.Errorf("ingest_seq = %v, want 1", f.IngestSeq)
	}
	if f.RecordCount == nil || *f.RecordCount != 50 {
		t.Errorf("record_count = %v, want 50", f.RecordCount)
	}

	missing, err := s.GetFile(ctx, "fp-nope")
	require.NoError(t, err)
	if missing != nil {
		t.Errorf("unknown fingerprint = %+v, want nil", missing)
	}
}

func TestBatchesWithViolations(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := db.Exec(`
		INSERT INTO meta.quality_batches VALUES
			('batch-1', 0, 1, 10, 8, 2, 1, ?),
			('batch-2', 1, 2, 5, 5, 0, 0, ?)
	`, time.Now().UTC().Add(-time.Minute), time.Now().UTC())
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO meta.quality_violations VALUES
			('batch-1', 'valid_transaction', 'drop', 2),
			('batch-1', 'non_negative_amount', 'warn', 1)
	`)
	require.NoError(t, err)

	batches, err := s.ListBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	if batches[0].BatchID != "batch-2" {
		t.Errorf("first batch = %s, want batch-2 (newest)", batches[0].BatchID)
	}

	b, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	if b.Total != 10 || b.Passed != 8 || b.Dropped != 2 {
		t.Errorf("batch accounting = %+v", b)
	}
	require.Len(t, b.Violations, 2)
	if b.Violations[0].Constraint != "non_negative_amount" {
		t.Errorf("violations not ordered by name: %+v", b.Violations)
	}

	missing, err := s.GetBatch(ctx, "batch-404")
	require.NoError(t, err)
	if missing != nil {
		t.Errorf("unknown batch = %+v, want nil", missing)
	}
}

func TestListOrphans(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := db.Exec(`
		INSERT INTO meta.orphan_records VALUES
			('batch-1', 'TX-1', '/landing/a.csv', 1, 'dim_date', ?),
			('batch-1', NULL, NULL, 1, 'dim_customer,dim_date', ?)
	`, time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)

	orphans, err := s.ListOrphans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 2)

	var withTx, withoutTx int
	for _, o := range orphans {
		if o.TransactionID != nil {
			withTx++
		} else {
			withoutTx++
		}
	}
	if withTx != 1 || withoutTx != 1 {
		t.Errorf("orphan identity mix = %d/%d, want 1/1", withTx, withoutTx)
	}
}
