// Package facts joins filtered records against the dimension relations to
// produce the fact table. A record that cannot resolve every dimension is
// routed to an orphan output naming the unresolved dimensions; it is never
// silently dropped.
package facts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xyzretail/sales-lakehouse/dims"
	"github.com/xyzretail/sales-lakehouse/ingest"
	"github.com/xyzretail/sales-lakehouse/quality"
)

// Table names.
const (
	FactTable   = "fact_sales"
	OrphanTable = "orphan_records"
)

// Stats summarizes one assembly pass.
type Stats struct {
	Facts    int64
	Orphans  int64
	Resolved int64 // previously orphaned rows resolved this pass
}

// Assembler builds the fact relation.
type Assembler struct {
	db           *sql.DB
	silverSchema string
	martsSchema  string
	metaSchema   string
	logger       *zap.Logger
}

// New creates a fact assembler.
func New(db *sql.DB, silverSchema, martsSchema, metaSchema string, logger *zap.Logger) *Assembler {
	return &Assembler{
		db:           db,
		silverSchema: silverSchema,
		martsSchema:  martsSchema,
		metaSchema:   metaSchema,
		logger:       logger,
	}
}

// InitTables creates the fact and orphan tables.
func (a *Assembler) InitTables(ctx context.Context) error {
	factSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			transaction_id VARCHAR NOT NULL,
			customer_key   BIGINT NOT NULL,
			product_key    BIGINT NOT NULL,
			location_key   BIGINT NOT NULL,
			date_key       BIGINT NOT NULL,
			quantity       BIGINT,
			price          DOUBLE,
			discount       DOUBLE,
			total_amount   DOUBLE,
			payment_method VARCHAR,
			ingest_seq     BIGINT NOT NULL
		)
	`, a.martsSchema, FactTable)
	if _, err := a.db.ExecContext(ctx, factSQL); err != nil {
		return fmt.Errorf("failed to create fact table: %w", err)
	}

	orphanSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			batch_id           VARCHAR NOT NULL,
			transaction_id     VARCHAR,
			source_file        VARCHAR,
			ingest_seq         BIGINT NOT NULL,
			missing_dimensions VARCHAR NOT NULL,
			quarantined_at     TIMESTAMP NOT NULL
		)
	`, a.metaSchema, OrphanTable)
	if _, err := a.db.ExecContext(ctx, orphanSQL); err != nil {
		return fmt.Errorf("failed to create orphan table: %w", err)
	}
	return nil
}

// dimensionJoins is the shared join clause against the four dimensions.
// Natural-key comparisons use IS NOT DISTINCT FROM so rows with NULL natural
// attributes still resolve to their (NULL-tuple) dimension rows. Dimensions
// under a version policy keep one row per attribute tuple; the fact always
// points at the latest version.
func (a *Assembler) dimensionJoins() string {
	return fmt.Sprintf(`
		LEFT JOIN (
			SELECT * FROM %[1]s.%[2]s
			QUALIFY row_number() OVER (PARTITION BY customer_name, email ORDER BY version DESC) = 1
		) dc ON s.customer_name IS NOT DISTINCT FROM dc.customer_name
		    AND s.email IS NOT DISTINCT FROM dc.email
		LEFT JOIN (
			SELECT * FROM %[1]s.%[3]s
			QUALIFY row_number() OVER (PARTITION BY product_id ORDER BY version DESC) = 1
		) dp ON s.product_id IS NOT DISTINCT FROM dp.product_id
		LEFT JOIN (
			SELECT * FROM %[1]s.%[4]s
			QUALIFY row_number() OVER (PARTITION BY delivery_address, city, state, zip_code ORDER BY version DESC) = 1
		) dl ON s.delivery_address IS NOT DISTINCT FROM dl.delivery_address
		    AND s.city IS NOT DISTINCT FROM dl.city
		    AND s.state IS NOT DISTINCT FROM dl.state
		    AND s.zip_code IS NOT DISTINCT FROM dl.zip_code
		LEFT JOIN (
			SELECT * FROM %[1]s.%[5]s
			QUALIFY row_number() OVER (PARTITION BY full_date ORDER BY version DESC) = 1
		) dd ON CAST(s.transaction_date AS DATE) IS NOT DISTINCT FROM dd.full_date
	`, a.martsSchema, dims.CustomerTable, dims.ProductTable, dims.LocationTable, dims.DateTable)
}

const resolvedCondition = `dc.customer_key IS NOT NULL
		  AND dp.product_key IS NOT NULL
		  AND dl.location_key IS NOT NULL
		  AND dd.date_key IS NOT NULL`

const factSelect = `s.transaction_id,
			dc.customer_key,
			dp.product_key,
			dl.location_key,
			dd.date_key,
			s.quantity,
			s.price,
			s.discount,
			s.total_amount,
			s.payment_method,
			s.` + ingest.ColIngestSeq

// Run assembles facts for the silver rows with ingest_seq in
// (fromSeq, toSeq]. Fact inserts, orphan routing and the range cleanup for
// idempotent reprocessing commit in one transaction.
func (a *Assembler) Run(ctx context.Context, fromSeq, toSeq int64) (Stats, error) {
	var stats Stats
	if toSeq <= fromSeq {
		return stats, nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin fact tx: %w", err)
	}
	defer tx.Rollback()

	// Reprocessing the same range replaces its output.
	deleteFacts := fmt.Sprintf("DELETE FROM %s.%s WHERE %s > ? AND %s <= ?",
		a.martsSchema, FactTable, ingest.ColIngestSeq, ingest.ColIngestSeq)
	if _, err := tx.ExecContext(ctx, deleteFacts, fromSeq, toSeq); err != nil {
		return stats, fmt.Errorf("failed to clear fact range: %w", err)
	}
	deleteOrphans := fmt.Sprintf("DELETE FROM %s.%s WHERE %s > ? AND %s <= ?",
		a.metaSchema, OrphanTable, ingest.ColIngestSeq, ingest.ColIngestSeq)
	if _, err := tx.ExecContext(ctx, deleteOrphans, fromSeq, toSeq); err != nil {
		return stats, fmt.Errorf("failed to clear orphan range: %w", err)
	}

	insertFacts := fmt.Sprintf(`
		INSERT INTO %s.%s
		SELECT %s
		FROM %s.%s s
		%s
		WHERE s.%s > ? AND s.%s <= ?
		  AND %s
	`, a.martsSchema, FactTable, factSelect,
		a.silverSchema, quality.FilteredTable, a.dimensionJoins(),
		ingest.ColIngestSeq, ingest.ColIngestSeq, resolvedCondition)
	res, err := tx.ExecContext(ctx, insertFacts, fromSeq, toSeq)
	if err != nil {
		return stats, fmt.Errorf("failed to insert facts: %w", err)
	}
	stats.Facts, _ = res.RowsAffected()

	batchID := uuid.NewString()
	insertOrphans := fmt.Sprintf(`
		INSERT INTO %s.%s
		SELECT
			? AS batch_id,
			s.transaction_id,
			s.%s,
			s.%s,
			concat_ws(',',
				CASE WHEN dc.customer_key IS NULL THEN '%s' END,
				CASE WHEN dp.product_key IS NULL THEN '%s' END,
				CASE WHEN dl.location_key IS NULL THEN '%s' END,
				CASE WHEN dd.date_key IS NULL THEN '%s' END
			) AS missing_dimensions,
			CURRENT_TIMESTAMP
		FROM %s.%s s
		%s
		WHERE s.%s > ? AND s.%s <= ?
		  AND NOT (%s)
	`, a.metaSchema, OrphanTable,
		ingest.ColSourceFile, ingest.ColIngestSeq,
		dims.CustomerTable, dims.ProductTable, dims.LocationTable, dims.DateTable,
		a.silverSchema, quality.FilteredTable, a.dimensionJoins(),
		ingest.ColIngestSeq, ingest.ColIngestSeq, resolvedCondition)
	res, err = tx.ExecContext(ctx, insertOrphans, batchID, fromSeq, toSeq)
	if err != nil {
		return stats, fmt.Errorf("failed to route orphans: %w", err)
	}
	stats.Orphans, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit fact batch: %w", err)
	}

	if stats.Orphans > 0 {
		a.logger.Warn("orphan records routed",
			zap.Int64("orphans", stats.Orphans),
			zap.String("batch_id", batchID))
	}
	a.logger.Info("facts assembled",
		zap.Int64("facts", stats.Facts),
		zap.Int64("from_seq", fromSeq),
		zap.Int64("to_seq", toSeq))
	return stats, nil
}

// RetryOrphans re-joins previously orphaned rows against the (since grown)
// dimensions. Every file whose orphans now resolve is reassembled wholesale:
// its facts and orphan rows are replaced in one pass, the same way Run
// replaces a sequence range. Joining resolved rows back one by one would fan
// out when a file carries several rows under one transaction_id, so whole
// files are the retry unit.
func (a *Assembler) RetryOrphans(ctx context.Context) (int64, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin orphan retry: %w", err)
	}
	defer tx.Rollback()

	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", a.metaSchema, OrphanTable)
	var before int64
	if err := tx.QueryRowContext(ctx, countSQL).Scan(&before); err != nil {
		return 0, fmt.Errorf("failed to count orphans: %w", err)
	}
	if before == 0 {
		return 0, nil
	}

	// Files (ingest sequences) holding at least one orphan that resolves
	// under the current dimensions. Untouched files keep their original
	// orphan audit rows.
	seqsSQL := fmt.Sprintf(`
		CREATE OR REPLACE TEMPORARY TABLE retry_seqs AS
		SELECT DISTINCT s.%s
		FROM %s.%s s
		JOIN (
			SELECT DISTINCT transaction_id, %s FROM %s.%s
		) o
		  ON s.transaction_id IS NOT DISTINCT FROM o.transaction_id
		 AND s.%s = o.%s
		%s
		WHERE %s
	`, ingest.ColIngestSeq,
		a.silverSchema, quality.FilteredTable,
		ingest.ColIngestSeq, a.metaSchema, OrphanTable,
		ingest.ColIngestSeq, ingest.ColIngestSeq,
		a.dimensionJoins(), resolvedCondition)
	if _, err := tx.ExecContext(ctx, seqsSQL); err != nil {
		return 0, fmt.Errorf("failed to find resolvable orphans: %w", err)
	}

	inRetrySeqs := fmt.Sprintf("%s IN (SELECT %s FROM retry_seqs)",
		ingest.ColIngestSeq, ingest.ColIngestSeq)
	deleteFacts := fmt.Sprintf("DELETE FROM %s.%s WHERE %s",
		a.martsSchema, FactTable, inRetrySeqs)
	if _, err := tx.ExecContext(ctx, deleteFacts); err != nil {
		return 0, fmt.Errorf("failed to clear retried facts: %w", err)
	}
	deleteOrphans := fmt.Sprintf("DELETE FROM %s.%s WHERE %s",
		a.metaSchema, OrphanTable, inRetrySeqs)
	if _, err := tx.ExecContext(ctx, deleteOrphans); err != nil {
		return 0, fmt.Errorf("failed to clear retried orphans: %w", err)
	}

	insertFacts := fmt.Sprintf(`
		INSERT INTO %s.%s
		SELECT %s
		FROM %s.%s s
		%s
		WHERE s.%s
		  AND %s
	`, a.martsSchema, FactTable, factSelect,
		a.silverSchema, quality.FilteredTable, a.dimensionJoins(),
		inRetrySeqs, resolvedCondition)
	if _, err := tx.ExecContext(ctx, insertFacts); err != nil {
		return 0, fmt.Errorf("failed to insert resolved facts: %w", err)
	}

	batchID := uuid.NewString()
	insertOrphans := fmt.Sprintf(`
		INSERT INTO %s.%s
		SELECT
			? AS batch_id,
			s.transaction_id,
			s.%s,
			s.%s,
			concat_ws(',',
				CASE WHEN dc.customer_key IS NULL THEN '%s' END,
				CASE WHEN dp.product_key IS NULL THEN '%s' END,
				CASE WHEN dl.location_key IS NULL THEN '%s' END,
				CASE WHEN dd.date_key IS NULL THEN '%s' END
			) AS missing_dimensions,
			CURRENT_TIMESTAMP
		FROM %s.%s s
		%s
		WHERE s.%s
		  AND NOT (%s)
	`, a.metaSchema, OrphanTable,
		ingest.ColSourceFile, ingest.ColIngestSeq,
		dims.CustomerTable, dims.ProductTable, dims.LocationTable, dims.DateTable,
		a.silverSchema, quality.FilteredTable, a.dimensionJoins(),
		inRetrySeqs, resolvedCondition)
	if _, err := tx.ExecContext(ctx, insertOrphans, batchID); err != nil {
		return 0, fmt.Errorf("failed to re-route orphans: %w", err)
	}

	var after int64
	if err := tx.QueryRowContext(ctx, countSQL).Scan(&after); err != nil {
		return 0, fmt.Errorf("failed to count orphans: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE retry_seqs"); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit orphan retry: %w", err)
	}
	resolved := before - after
	if resolved > 0 {
		a.logger.Info("orphans resolved", zap.Int64("resolved", resolved))
	}
	return resolved, nil
}
