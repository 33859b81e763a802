// Package ingest discovers newly arrived sales files, parses them on a
// worker pool and appends their rows to the raw (bronze) layer. Files become
// visible atomically: all rows of a file commit together with the tracker's
// ingested mark, or not at all.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xyzretail/sales-lakehouse/tracker"
)

// RawTable is the bronze relation name.
const RawTable = "sales_raw"

// Provenance columns attached to every raw row.
const (
	ColSourceFile = "source_file"
	ColIngestSeq  = "ingest_seq"
	ColIngestedAt = "ingested_at"
)

// coreColumns is the logical sales schema and its storage types. Files may
// carry any subset; columns observed beyond this set are added to the raw
// table as text (union schema).
var coreColumns = []struct {
	Name string
	Type string
}{
	{"transaction_id", "VARCHAR"},
	{"product_id", "VARCHAR"},
	{"product_name", "VARCHAR"},
	{"category", "VARCHAR"},
	{"customer_name", "VARCHAR"},
	{"email", "VARCHAR"},
	{"transaction_date", "TIMESTAMP"},
	{"quantity", "BIGINT"},
	{"price", "DOUBLE"},
	{"discount", "DOUBLE"},
	{"total_amount", "DOUBLE"},
	{"payment_method", "VARCHAR"},
	{"delivery_address", "VARCHAR"},
	{"city", "VARCHAR"},
	{"state", "VARCHAR"},
	{"zip_code", "VARCHAR"},
}

// Result summarizes one ingestion pass.
type Result struct {
	FilesIngested    int
	FilesSkipped     int
	FilesQuarantined int
	RowsIngested     int64
	MaxIngestSeq     int64
}

// Ingestor reads claimed files and appends raw records.
type Ingestor struct {
	fs           afero.Fs
	db           *sql.DB
	tracker      *tracker.Tracker
	bronzeSchema string
	landingDir   string
	workers      int
	logger       *zap.Logger

	mu      sync.Mutex
	columns map[string]bool // observed raw-table columns
}

// New creates an ingestor. workers bounds the parallel parse pool; per-file
// commits are applied as they finish, one transaction per file.
func New(fs afero.Fs, db *sql.DB, tr *tracker.Tracker, bronzeSchema, landingDir string, workers int, logger *zap.Logger) *Ingestor {
	if workers < 1 {
		workers = 1
	}
	return &Ingestor{
		fs:           fs,
		db:           db,
		tracker:      tr,
		bronzeSchema: bronzeSchema,
		landingDir:   landingDir,
		workers:      workers,
		logger:       logger,
		columns:      make(map[string]bool),
	}
}

// InitTables creates the raw table and loads the observed column registry.
func (in *Ingestor) InitTables(ctx context.Context) error {
	var cols []string
	for _, c := range coreColumns {
		cols = append(cols, fmt.Sprintf("%s %s", c.Name, c.Type))
	}
	cols = append(cols,
		ColSourceFile+" VARCHAR NOT NULL",
		ColIngestSeq+" BIGINT NOT NULL",
		ColIngestedAt+" TIMESTAMP NOT NULL",
	)

	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s)",
		in.bronzeSchema, RawTable, strings.Join(cols, ", "))
	if _, err := in.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create raw table: %w", err)
	}
	return in.loadColumns(ctx)
}

func (in *Ingestor) loadColumns(ctx context.Context) error {
	rows, err := in.db.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
	`, in.bronzeSchema, RawTable)
	if err != nil {
		return fmt.Errorf("failed to read raw table columns: %w", err)
	}
	defer rows.Close()

	in.mu.Lock()
	defer in.mu.Unlock()
	in.columns = make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan column name: %w", err)
		}
		in.columns[name] = true
	}
	return rows.Err()
}

// Discover scans the landing directory and returns unseen-or-retryable
// files in arrival order (mod time, then path).
func (in *Ingestor) Discover(ctx context.Context) ([]tracker.SourceFile, error) {
	var files []tracker.SourceFile
	err := afero.Walk(in.fs, in.landingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".csv" && ext != ".json" {
			return nil
		}
		fp, err := tracker.Fingerprint(in.fs, path)
		if err != nil {
			return fmt.Errorf("failed to fingerprint %s: %w", path, err)
		}
		files = append(files, tracker.SourceFile{
			Path:        path,
			Fingerprint: fp,
			Size:        info.Size(),
			ModifiedAt:  info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan landing dir %s: %w", in.landingDir, err)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].ModifiedAt.Equal(files[j].ModifiedAt) {
			return files[i].Path < files[j].Path
		}
		return files[i].ModifiedAt.Before(files[j].ModifiedAt)
	})

	for _, f := range files {
		if err := in.tracker.Discover(ctx, f); err != nil {
			return nil, err
		}
	}
	return files, nil
}

type parsedFile struct {
	file    tracker.SourceFile
	records []Record
	err     error
}

// Run executes one ingestion pass: claim every discoverable file, parse on
// the worker pool, and commit file-by-file through a single writer. A
// malformed file is quarantined and the pass continues.
func (in *Ingestor) Run(ctx context.Context) (Result, error) {
	var res Result

	files, err := in.Discover(ctx)
	if err != nil {
		return res, err
	}

	jobs := make(chan tracker.SourceFile)
	parsed := make(chan parsedFile)

	var wg sync.WaitGroup
	for i := 0; i < in.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				records, err := ParseFile(in.fs, f.Path)
				select {
				case parsed <- parsedFile{file: f, records: records, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(parsed)
	}()

	// Claim serially in arrival order, then feed the parse pool.
	go func() {
		defer close(jobs)
		for _, f := range files {
			claim, err := in.tracker.Claim(ctx, f)
			if err != nil {
				in.logger.Error("claim failed", zap.String("path", f.Path), zap.Error(err))
				continue
			}
			if claim != tracker.Granted {
				in.logger.Debug("skipping file",
					zap.String("path", f.Path),
					zap.String("claim", claim.String()))
				continue
			}
			select {
			case jobs <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	skipped := len(files)
	for pf := range parsed {
		skipped--
		if pf.err != nil {
			res.FilesQuarantined++
			if qerr := in.tracker.Quarantine(ctx, pf.file, pf.err.Error()); qerr != nil {
				in.logger.Error("quarantine failed", zap.String("path", pf.file.Path), zap.Error(qerr))
			}
			continue
		}
		seq, err := in.appendFile(ctx, pf.file, pf.records)
		if err != nil {
			// Storage-level failure: roll the claim back so the file is
			// retried on a later pass.
			in.logger.Error("append failed, releasing claim",
				zap.String("path", pf.file.Path), zap.Error(err))
			if rerr := in.tracker.Release(ctx, pf.file); rerr != nil {
				in.logger.Error("release failed", zap.String("path", pf.file.Path), zap.Error(rerr))
			}
			continue
		}
		res.FilesIngested++
		res.RowsIngested += int64(len(pf.records))
		if seq > res.MaxIngestSeq {
			res.MaxIngestSeq = seq
		}
		in.logger.Info("file ingested",
			zap.String("path", pf.file.Path),
			zap.Int("records", len(pf.records)),
			zap.Int64("ingest_seq", seq))
	}
	res.FilesSkipped = skipped

	return res, ctx.Err()
}

// appendFile writes all rows of one file and the tracker commit in a single
// transaction.
func (in *Ingestor) appendFile(ctx context.Context, f tracker.SourceFile, records []Record) (int64, error) {
	union := in.unionColumns(records)
	if err := in.ensureColumns(ctx, union); err != nil {
		return 0, err
	}

	tx, err := in.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	seq, err := in.tracker.Commit(ctx, tx, f, int64(len(records)))
	if err != nil {
		return 0, err
	}

	insertCols := append(append([]string{}, union...), ColSourceFile, ColIngestSeq, ColIngestedAt)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(insertCols)), ", ")
	insertSQL := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		in.bronzeSchema, RawTable, strings.Join(insertCols, ", "), placeholders)

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare raw insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		args := make([]any, 0, len(insertCols))
		for _, col := range union {
			args = append(args, rec[col])
		}
		args = append(args, f.Path, seq, now)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to insert raw row from %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit file %s: %w", f.Path, err)
	}
	return seq, nil
}

// unionColumns collects the sorted set of columns present across the file's
// records.
func (in *Ingestor) unionColumns(records []Record) []string {
	set := make(map[string]bool)
	for _, rec := range records {
		for col := range rec {
			set[col] = true
		}
	}
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// ensureColumns widens the raw table for columns never seen before. New
// columns outside the core schema are stored as text and backfilled NULL.
func (in *Ingestor) ensureColumns(ctx context.Context, cols []string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, col := range cols {
		if in.columns[col] {
			continue
		}
		alterSQL := fmt.Sprintf("ALTER TABLE %s.%s ADD COLUMN IF NOT EXISTS %s VARCHAR",
			in.bronzeSchema, RawTable, col)
		if _, err := in.db.ExecContext(ctx, alterSQL); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
		in.columns[col] = true
		in.logger.Info("raw schema widened", zap.String("column", col))
	}
	return nil
}
