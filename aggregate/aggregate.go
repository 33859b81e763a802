// Package aggregate maintains the gold reporting views. Because the views
// carry distinct counts and averages, groups are never patched with
// row-level deltas: every group touched by a new silver batch is recomputed
// from its full contributing row set, and untouched groups are left alone.
package aggregate

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/xyzretail/sales-lakehouse/ingest"
	"github.com/xyzretail/sales-lakehouse/quality"
)

// Gold relation names.
const (
	DailySalesTable      = "daily_sales_aggregate"
	CustomerMetricsTable = "customer_metrics_aggregate"
)

// Stats summarizes one aggregation pass.
type Stats struct {
	DailyGroups    int64
	CustomerGroups int64
}

// Aggregator recomputes affected gold groups from the silver layer.
type Aggregator struct {
	db           *sql.DB
	silverSchema string
	goldSchema   string
	logger       *zap.Logger
}

// New creates an aggregator.
func New(db *sql.DB, silverSchema, goldSchema string, logger *zap.Logger) *Aggregator {
	return &Aggregator{db: db, silverSchema: silverSchema, goldSchema: goldSchema, logger: logger}
}

// InitTables creates the gold tables.
func (a *Aggregator) InitTables(ctx context.Context) error {
	dailySQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			sale_date                 DATE,
			category                  VARCHAR,
			total_transactions        BIGINT,
			unique_customers          BIGINT,
			total_items_sold          BIGINT,
			total_revenue             DOUBLE,
			total_discounts           DOUBLE,
			average_price             DOUBLE,
			average_transaction_value DOUBLE
		)
	`, a.goldSchema, DailySalesTable)
	if _, err := a.db.ExecContext(ctx, dailySQL); err != nil {
		return fmt.Errorf("failed to create daily sales aggregate: %w", err)
	}

	customerSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			customer_name            VARCHAR,
			total_purchases          BIGINT,
			total_spent              DOUBLE,
			average_purchase_value   DOUBLE,
			unique_categories_bought BIGINT,
			first_purchase_date      TIMESTAMP,
			last_purchase_date       TIMESTAMP,
			total_items_bought       BIGINT,
			total_savings            DOUBLE
		)
	`, a.goldSchema, CustomerMetricsTable)
	if _, err := a.db.ExecContext(ctx, customerSQL); err != nil {
		return fmt.Errorf("failed to create customer metrics aggregate: %w", err)
	}
	return nil
}

// Run recomputes every gold group whose grouping key appears in the silver
// rows with ingest_seq in (fromSeq, toSeq]. Each view updates in its own
// transaction: delete affected groups, reinsert them from the full silver
// relation.
func (a *Aggregator) Run(ctx context.Context, fromSeq, toSeq int64) (Stats, error) {
	var stats Stats
	if toSeq <= fromSeq {
		return stats, nil
	}

	daily, err := a.refreshDailySales(ctx, fromSeq, toSeq)
	if err != nil {
		return stats, fmt.Errorf("failed to refresh %s: %w", DailySalesTable, err)
	}
	stats.DailyGroups = daily

	customers, err := a.refreshCustomerMetrics(ctx, fromSeq, toSeq)
	if err != nil {
		return stats, fmt.Errorf("failed to refresh %s: %w", CustomerMetricsTable, err)
	}
	stats.CustomerGroups = customers

	a.logger.Info("gold views refreshed",
		zap.Int64("daily_groups", stats.DailyGroups),
		zap.Int64("customer_groups", stats.CustomerGroups),
		zap.Int64("from_seq", fromSeq),
		zap.Int64("to_seq", toSeq))
	return stats, nil
}

func (a *Aggregator) refreshDailySales(ctx context.Context, fromSeq, toSeq int64) (int64, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Affected groups: grouping keys present in the new batch. NULL keys are
	// their own group, hence IS NOT DISTINCT FROM throughout.
	affectedSQL := fmt.Sprintf(`
		CREATE OR REPLACE TEMPORARY TABLE affected_daily AS
		SELECT DISTINCT CAST(transaction_date AS DATE) AS sale_date, category
		FROM %s.%s
		WHERE %s > ? AND %s <= ?
	`, a.silverSchema, quality.FilteredTable, ingest.ColIngestSeq, ingest.ColIngestSeq)
	if _, err := tx.ExecContext(ctx, affectedSQL, fromSeq, toSeq); err != nil {
		return 0, err
	}

	deleteSQL := fmt.Sprintf(`
		DELETE FROM %s.%s g
		WHERE EXISTS (
			SELECT 1 FROM affected_daily a
			WHERE g.sale_date IS NOT DISTINCT FROM a.sale_date
			  AND g.category IS NOT DISTINCT FROM a.category
		)
	`, a.goldSchema, DailySalesTable)
	if _, err := tx.ExecContext(ctx, deleteSQL); err != nil {
		return 0, err
	}

	// average_transaction_value guards the empty-group division: NULL, not
	// an error, when a group has no transactions.
	insertSQL := fmt.Sprintf(`
		INSERT INTO %s.%s
		SELECT
			CAST(s.transaction_date AS DATE)                              AS sale_date,
			s.category                                                    AS category,
			COUNT(DISTINCT s.transaction_id)                              AS total_transactions,
			COUNT(DISTINCT s.customer_name)                               AS unique_customers,
			CAST(COALESCE(SUM(s.quantity), 0) AS BIGINT)                  AS total_items_sold,
			COALESCE(SUM(s.total_amount), 0)                              AS total_revenue,
			COALESCE(SUM(s.discount), 0)                                  AS total_discounts,
			AVG(s.price)                                                  AS average_price,
			SUM(s.total_amount) / NULLIF(COUNT(DISTINCT s.transaction_id), 0) AS average_transaction_value
		FROM %s.%s s
		JOIN affected_daily a
		  ON CAST(s.transaction_date AS DATE) IS NOT DISTINCT FROM a.sale_date
		 AND s.category IS NOT DISTINCT FROM a.category
		GROUP BY 1, 2
	`, a.goldSchema, DailySalesTable, a.silverSchema, quality.FilteredTable)
	if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
		return 0, err
	}

	var groups int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM affected_daily").Scan(&groups); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE affected_daily"); err != nil {
		return 0, err
	}
	return groups, tx.Commit()
}

func (a *Aggregator) refreshCustomerMetrics(ctx context.Context, fromSeq, toSeq int64) (int64, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	affectedSQL := fmt.Sprintf(`
		CREATE OR REPLACE TEMPORARY TABLE affected_customers AS
		SELECT DISTINCT customer_name
		FROM %s.%s
		WHERE %s > ? AND %s <= ?
	`, a.silverSchema, quality.FilteredTable, ingest.ColIngestSeq, ingest.ColIngestSeq)
	if _, err := tx.ExecContext(ctx, affectedSQL, fromSeq, toSeq); err != nil {
		return 0, err
	}

	deleteSQL := fmt.Sprintf(`
		DELETE FROM %s.%s g
		WHERE EXISTS (
			SELECT 1 FROM affected_customers a
			WHERE g.customer_name IS NOT DISTINCT FROM a.customer_name
		)
	`, a.goldSchema, CustomerMetricsTable)
	if _, err := tx.ExecContext(ctx, deleteSQL); err != nil {
		return 0, err
	}

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s.%s
		SELECT
			s.customer_name                              AS customer_name,
			COUNT(DISTINCT s.transaction_id)             AS total_purchases,
			COALESCE(SUM(s.total_amount), 0)             AS total_spent,
			AVG(s.total_amount)                          AS average_purchase_value,
			COUNT(DISTINCT s.category)                   AS unique_categories_bought,
			MIN(s.transaction_date)                      AS first_purchase_date,
			MAX(s.transaction_date)                      AS last_purchase_date,
			CAST(COALESCE(SUM(s.quantity), 0) AS BIGINT) AS total_items_bought,
			COALESCE(SUM(s.discount), 0)                 AS total_savings
		FROM %s.%s s
		JOIN affected_customers a
		  ON s.customer_name IS NOT DISTINCT FROM a.customer_name
		GROUP BY 1
	`, a.goldSchema, CustomerMetricsTable, a.silverSchema, quality.FilteredTable)
	if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
		return 0, err
	}

	var groups int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM affected_customers").Scan(&groups); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE affected_customers"); err != nil {
		return 0, err
	}
	return groups, tx.Commit()
}
