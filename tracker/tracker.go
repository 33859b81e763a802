// Package tracker records which source files have been claimed and ingested.
// It is the deduplication authority for the pipeline: a file identity is
// granted to exactly one worker, and once ingested it is never processed
// again.
package tracker

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// File statuses. Files are never deleted from the ledger, only transitioned.
const (
	StatusDiscovered  = "discovered"
	StatusClaimed     = "claimed"
	StatusIngested    = "ingested"
	StatusQuarantined = "quarantined"
)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult int

const (
	Granted ClaimResult = iota
	AlreadyClaimed
	AlreadyIngested
	Quarantined
)

func (r ClaimResult) String() string {
	switch r {
	case Granted:
		return "granted"
	case AlreadyClaimed:
		return "already_claimed"
	case AlreadyIngested:
		return "already_ingested"
	case Quarantined:
		return "quarantined"
	}
	return "unknown"
}

// SourceFile identifies one source file. Identity is path plus a content
// fingerprint, so a file replaced at the same path with different bytes is a
// new file, while a re-scan of unchanged bytes maps to the same identity.
type SourceFile struct {
	Path        string
	Fingerprint string
	Size        int64
	ModifiedAt  time.Time
}

// Fingerprint hashes the file content with xxhash64 and returns the
// hex-encoded digest.
func Fingerprint(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// execer is satisfied by both *sql.DB and *sql.Tx so that state transitions
// can participate in a caller-owned transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tracker is the file ingestion ledger, backed by two tables in the meta
// schema: the file ledger itself and an append-only event trail of every
// status transition.
type Tracker struct {
	db         *sql.DB
	metaSchema string
	logger     *zap.Logger
}

// New creates a tracker against the given meta schema.
func New(db *sql.DB, metaSchema string, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, metaSchema: metaSchema, logger: logger}
}

// InitTables creates the ledger tables if they do not exist.
func (t *Tracker) InitTables(ctx context.Context) error {
	ledgerSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.ingested_files (
			path          VARCHAR NOT NULL,
			fingerprint   VARCHAR NOT NULL,
			size_bytes    BIGINT,
			modified_at   TIMESTAMP,
			status        VARCHAR NOT NULL,
			discovered_at TIMESTAMP,
			claimed_at    TIMESTAMP,
			ingested_at   TIMESTAMP,
			ingest_seq    BIGINT,
			record_count  BIGINT,
			detail        VARCHAR
		)
	`, t.metaSchema)
	if _, err := t.db.ExecContext(ctx, ledgerSQL); err != nil {
		return fmt.Errorf("failed to create file ledger: %w", err)
	}

	eventsSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.file_events (
			path        VARCHAR NOT NULL,
			fingerprint VARCHAR NOT NULL,
			from_status VARCHAR,
			to_status   VARCHAR NOT NULL,
			detail      VARCHAR,
			occurred_at TIMESTAMP NOT NULL
		)
	`, t.metaSchema)
	if _, err := t.db.ExecContext(ctx, eventsSQL); err != nil {
		return fmt.Errorf("failed to create file events table: %w", err)
	}
	return nil
}

// Discover registers a file identity if it has not been seen before.
// Re-discovering a known identity is a no-op.
func (t *Tracker) Discover(ctx context.Context, file SourceFile) error {
	insertSQL := fmt.Sprintf(`
		INSERT INTO %s.ingested_files
			(path, fingerprint, size_bytes, modified_at, status, discovered_at)
		SELECT ?, ?, ?, ?, '%s', CURRENT_TIMESTAMP
		WHERE NOT EXISTS (
			SELECT 1 FROM %s.ingested_files WHERE path = ? AND fingerprint = ?
		)
	`, t.metaSchema, StatusDiscovered, t.metaSchema)

	res, err := t.db.ExecContext(ctx, insertSQL,
		file.Path, file.Fingerprint, file.Size, file.ModifiedAt,
		file.Path, file.Fingerprint)
	if err != nil {
		return fmt.Errorf("failed to register file %s: %w", file.Path, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.recordEvent(ctx, t.db, file, "", StatusDiscovered, "")
	}
	return nil
}

// Claim attempts to take exclusive ownership of a discovered file. The
// transition runs in its own transaction with a conditional UPDATE, so two
// workers racing on the same identity cannot both be granted.
func (t *Tracker) Claim(ctx context.Context, file SourceFile) (ClaimResult, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return AlreadyClaimed, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	var status string
	statusSQL := fmt.Sprintf(
		"SELECT status FROM %s.ingested_files WHERE path = ? AND fingerprint = ?",
		t.metaSchema)
	if err := tx.QueryRowContext(ctx, statusSQL, file.Path, file.Fingerprint).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return AlreadyClaimed, fmt.Errorf("file %s not discovered before claim", file.Path)
		}
		return AlreadyClaimed, fmt.Errorf("failed to read file status: %w", err)
	}

	switch status {
	case StatusIngested:
		return AlreadyIngested, tx.Commit()
	case StatusQuarantined:
		return Quarantined, tx.Commit()
	case StatusClaimed:
		return AlreadyClaimed, tx.Commit()
	}

	claimSQL := fmt.Sprintf(`
		UPDATE %s.ingested_files
		SET status = '%s', claimed_at = CURRENT_TIMESTAMP
		WHERE path = ? AND fingerprint = ? AND status = '%s'
	`, t.metaSchema, StatusClaimed, StatusDiscovered)

	res, err := tx.ExecContext(ctx, claimSQL, file.Path, file.Fingerprint)
	if err != nil {
		return AlreadyClaimed, fmt.Errorf("failed to claim %s: %w", file.Path, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race between the status read and the update.
		return AlreadyClaimed, tx.Commit()
	}

	t.recordEvent(ctx, tx, file, StatusDiscovered, StatusClaimed, "")
	if err := tx.Commit(); err != nil {
		return AlreadyClaimed, fmt.Errorf("failed to commit claim: %w", err)
	}
	return Granted, nil
}

// Commit marks a claimed file as ingested and assigns the next ingest
// sequence number. It must run inside the same transaction that appends the
// file's rows to the raw layer so the file becomes visible atomically.
func (t *Tracker) Commit(ctx context.Context, tx *sql.Tx, file SourceFile, recordCount int64) (int64, error) {
	var seq int64
	seqSQL := fmt.Sprintf(
		"SELECT COALESCE(MAX(ingest_seq), 0) + 1 FROM %s.ingested_files", t.metaSchema)
	if err := tx.QueryRowContext(ctx, seqSQL).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate ingest sequence: %w", err)
	}

	commitSQL := fmt.Sprintf(`
		UPDATE %s.ingested_files
		SET status = '%s', ingested_at = CURRENT_TIMESTAMP, ingest_seq = ?, record_count = ?
		WHERE path = ? AND fingerprint = ? AND status = '%s'
	`, t.metaSchema, StatusIngested, StatusClaimed)

	res, err := tx.ExecContext(ctx, commitSQL, seq, recordCount, file.Path, file.Fingerprint)
	if err != nil {
		return 0, fmt.Errorf("failed to commit %s: %w", file.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("file %s is not claimed, refusing to commit", file.Path)
	}

	t.recordEvent(ctx, tx, file, StatusClaimed, StatusIngested,
		fmt.Sprintf("%d records, ingest_seq %d", recordCount, seq))
	return seq, nil
}

// Release rolls a claimed file back to discovered so it can be retried.
func (t *Tracker) Release(ctx context.Context, file SourceFile) error {
	releaseSQL := fmt.Sprintf(`
		UPDATE %s.ingested_files
		SET status = '%s', claimed_at = NULL
		WHERE path = ? AND fingerprint = ? AND status = '%s'
	`, t.metaSchema, StatusDiscovered, StatusClaimed)

	if _, err := t.db.ExecContext(ctx, releaseSQL, file.Path, file.Fingerprint); err != nil {
		return fmt.Errorf("failed to release %s: %w", file.Path, err)
	}
	t.recordEvent(ctx, t.db, file, StatusClaimed, StatusDiscovered, "released for retry")
	return nil
}

// Quarantine marks a file as unprocessable. The pipeline continues with the
// next file; quarantined files are skipped by future claims.
func (t *Tracker) Quarantine(ctx context.Context, file SourceFile, reason string) error {
	quarantineSQL := fmt.Sprintf(`
		UPDATE %s.ingested_files
		SET status = '%s', detail = ?
		WHERE path = ? AND fingerprint = ?
	`, t.metaSchema, StatusQuarantined)

	if _, err := t.db.ExecContext(ctx, quarantineSQL, reason, file.Path, file.Fingerprint); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", file.Path, err)
	}
	t.recordEvent(ctx, t.db, file, StatusClaimed, StatusQuarantined, reason)
	t.logger.Warn("file quarantined",
		zap.String("path", file.Path),
		zap.String("fingerprint", file.Fingerprint),
		zap.String("reason", reason))
	return nil
}

// IsIngested reports whether this exact file identity has already been
// committed to the raw layer.
func (t *Tracker) IsIngested(ctx context.Context, file SourceFile) (bool, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.ingested_files
		WHERE path = ? AND fingerprint = ? AND status = '%s'
	`, t.metaSchema, StatusIngested)

	var n int64
	if err := t.db.QueryRowContext(ctx, query, file.Path, file.Fingerprint).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query ingestion status: %w", err)
	}
	return n > 0, nil
}

// ReapExpired releases claims older than the lease so a worker that died
// mid-ingestion does not leave its file claimed forever.
func (t *Tracker) ReapExpired(ctx context.Context, lease time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-lease)
	reapSQL := fmt.Sprintf(`
		UPDATE %s.ingested_files
		SET status = '%s', claimed_at = NULL
		WHERE status = '%s' AND claimed_at < ?
	`, t.metaSchema, StatusDiscovered, StatusClaimed)

	res, err := t.db.ExecContext(ctx, reapSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		t.logger.Warn("reaped expired claims", zap.Int64("count", n), zap.Duration("lease", lease))
	}
	return n, nil
}

func (t *Tracker) recordEvent(ctx context.Context, ex execer, file SourceFile, from, to, detail string) {
	eventSQL := fmt.Sprintf(`
		INSERT INTO %s.file_events (path, fingerprint, from_status, to_status, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, t.metaSchema)
	if _, err := ex.ExecContext(ctx, eventSQL, file.Path, file.Fingerprint, from, to, detail); err != nil {
		t.logger.Warn("failed to record file event", zap.String("path", file.Path), zap.Error(err))
	}
}
