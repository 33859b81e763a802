package aggregate

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAggregator(t *testing.T) (*Aggregator, *sql.DB) {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, schema := range []string{"silver", "gold"} {
		_, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + schema)
		require.NoError(t, err)
	}
	_, err = db.Exec(`
		CREATE TABLE silver.sales_filtered (
			transaction_id   VARCHAR,
			customer_name    VARCHAR,
			category         VARCHAR,
			transaction_date TIMESTAMP,
			quantity         BIGINT,
			price            DOUBLE,
			discount         DOUBLE,
			total_amount     DOUBLE,
			ingest_seq       BIGINT NOT NULL
		)
	`)
	require.NoError(t, err)

	a := New(db, "silver", "gold", zap.NewNop())
	require.NoError(t, a.InitTables(context.Background()))
	return a, db
}

type saleRow struct {
	txID     any
	customer any
	category any
	date     time.Time
	quantity int64
	price    float64
	discount float64
	amount   float64
	seq      int64
}

func insertSale(t *testing.T, db *sql.DB, r saleRow) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO silver.sales_filtered
			(transaction_id, customer_name, category, transaction_date,
			 quantity, price, discount, total_amount, ingest_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.txID, r.customer, r.category, r.date, r.quantity, r.price, r.discount, r.amount, r.seq)
	require.NoError(t, err)
}

var day1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
var day2 = time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)

func TestDailySalesRecomputesFullGroups(t *testing.T) {
	a, db := newTestAggregator(t)
	ctx := context.Background()

	insertSale(t, db, saleRow{"TX-1", "ada", "books", day1, 2, 10, 0, 20, 1})
	insertSale(t, db, saleRow{"TX-2", "bob", "books", day1, 1, 15, 1.5, 13.5, 1})

	_, err := a.Run(ctx, 0, 1)
	require.NoError(t, err)

	var txs, customers, items int64
	var revenue, avgValue float64
	err = db.QueryRow(`
		SELECT total_transactions, unique_customers, total_items_sold, total_revenue, average_transaction_value
		FROM gold.daily_sales_aggregate
		WHERE sale_date = DATE '2024-03-01' AND category = 'books'
	`).Scan(&txs, &customers, &items, &revenue, &avgValue)
	require.NoError(t, err)
	if txs != 2 || customers != 2 || items != 3 {
		t.Errorf("counts = txs %d customers %d items %d, want 2/2/3", txs, customers, items)
	}
	require.InDelta(t, 33.5, revenue, 1e-9)
	require.InDelta(t, 16.75, avgValue, 1e-9)

	// A later batch adds to the same group; the group is rebuilt from every
	// contributing row, not patched with a delta.
	insertSale(t, db, saleRow{"TX-3", "ada", "books", day1, 4, 5, 0, 20, 2})
	_, err = a.Run(ctx, 1, 2)
	require.NoError(t, err)

	var groupRows int64
	require.NoError(t, db.QueryRow(`
		SELECT COUNT(*) FROM gold.daily_sales_aggregate
		WHERE sale_date = DATE '2024-03-01' AND category = 'books'
	`).Scan(&groupRows))
	if groupRows != 1 {
		t.Fatalf("group rows = %d, want exactly 1 after recompute", groupRows)
	}
	err = db.QueryRow(`
		SELECT total_transactions, unique_customers, total_revenue
		FROM gold.daily_sales_aggregate
		WHERE sale_date = DATE '2024-03-01' AND category = 'books'
	`).Scan(&txs, &customers, &revenue)
	require.NoError(t, err)
	if txs != 3 || customers != 2 {
		t.Errorf("recomputed counts = txs %d customers %d, want 3/2", txs, customers)
	}
	require.InDelta(t, 53.5, revenue, 1e-9)
}

func TestUntouchedGroupsAreLeftAlone(t *testing.T) {
	a, db := newTestAggregator(t)
	ctx := context.Background()

	insertSale(t, db, saleRow{"TX-1", "ada", "books", day1, 1, 10, 0, 10, 1})
	insertSale(t, db, saleRow{"TX-2", "bob", "games", day2, 1, 60, 0, 60, 1})
	_, err := a.Run(ctx, 0, 1)
	require.NoError(t, err)

	// Batch 2 only touches the books group.
	insertSale(t, db, saleRow{"TX-3", "ada", "books", day1, 1, 10, 0, 10, 2})
	stats, err := a.Run(ctx, 1, 2)
	require.NoError(t, err)
	if stats.DailyGroups != 1 {
		t.Errorf("affected daily groups = %d, want 1", stats.DailyGroups)
	}

	var revenue float64
	err = db.QueryRow(`
		SELECT total_revenue FROM gold.daily_sales_aggregate
		WHERE sale_date = DATE '2024-03-02' AND category = 'games'
	`).Scan(&revenue)
	require.NoError(t, err)
	require.InDelta(t, 60, revenue, 1e-9)
}

func TestNullGroupKeysFormOneGroup(t *testing.T) {
	a, db := newTestAggregator(t)
	ctx := context.Background()

	insertSale(t, db, saleRow{"TX-1", nil, nil, day1, 1, 10, 0, 10, 1})
	insertSale(t, db, saleRow{"TX-2", nil, nil, day1, 1, 20, 0, 20, 1})
	_, err := a.Run(ctx, 0, 1)
	require.NoError(t, err)

	var groupRows, txs int64
	var revenue float64
	err = db.QueryRow(`
		SELECT COUNT(*) FROM gold.daily_sales_aggregate WHERE category IS NULL
	`).Scan(&groupRows)
	require.NoError(t, err)
	if groupRows != 1 {
		t.Fatalf("NULL-category group rows = %d, want 1", groupRows)
	}

	// Re-running over the NULL group must replace it, not duplicate it.
	insertSale(t, db, saleRow{"TX-3", nil, nil, day1, 1, 5, 0, 5, 2})
	_, err = a.Run(ctx, 1, 2)
	require.NoError(t, err)

	err = db.QueryRow(`
		SELECT COUNT(*) FROM gold.daily_sales_aggregate WHERE category IS NULL
	`).Scan(&groupRows)
	require.NoError(t, err)
	if groupRows != 1 {
		t.Fatalf("NULL-category group rows after rerun = %d, want 1", groupRows)
	}
	err = db.QueryRow(`
		SELECT total_transactions, total_revenue
		FROM gold.daily_sales_aggregate WHERE category IS NULL
	`).Scan(&txs, &revenue)
	require.NoError(t, err)
	if txs != 3 {
		t.Errorf("NULL-group transactions = %d, want 3", txs)
	}
	require.InDelta(t, 35, revenue, 1e-9)

	var customerGroups int64
	err = db.QueryRow(`
		SELECT COUNT(*) FROM gold.customer_metrics_aggregate WHERE customer_name IS NULL
	`).Scan(&customerGroups)
	require.NoError(t, err)
	if customerGroups != 1 {
		t.Errorf("NULL-customer groups = %d, want 1", customerGroups)
	}
}

func TestAverageGuardsEmptyTransactionCount(t *testing.T) {
	a, db := newTestAggregator(t)
	ctx := context.Background()

	// All transaction ids NULL: COUNT(DISTINCT) is 0 and the average must
	// come out NULL instead of erroring on division.
	insertSale(t, db, saleRow{nil, "ada", "books", day1, 1, 10, 0, 10, 1})
	_, err := a.Run(ctx, 0, 1)
	require.NoError(t, err)

	var avg sql.NullFloat64
	err = db.QueryRow(`
		SELECT average_transaction_value FROM gold.daily_sales_aggregate
		WHERE category = 'books'
	`).Scan(&avg)
	require.NoError(t, err)
	if avg.Valid {
		t.Errorf("average over zero transactions = %v, want NULL", avg.Float64)
	}
}

func TestCustomerMetrics(t *testing.T) {
	a, db := newTestAggregator(t)
	ctx := context.Background()

	insertSale(t, db, saleRow{"TX-1", "ada", "books", day1, 2, 10, 1, 19, 1})
	insertSale(t, db, saleRow{"TX-2", "ada", "games", day2, 1, 60, 6, 54, 1})
	insertSale(t, db, saleRow{"TX-3", "bob", "books", day1, 1, 10, 0, 10, 1})

	stats, err := a.Run(ctx, 0, 1)
	require.NoError(t, err)
	if stats.CustomerGroups != 2 {
		t.Errorf("customer groups = %d, want 2", stats.CustomerGroups)
	}

	var purchases, categories, items int64
	var spent, savings float64
	var first, last time.Time
	err = db.QueryRow(`
		SELECT total_purchases, total_spent, unique_categories_bought,
		       first_purchase_date, last_purchase_date, total_items_bought, total_savings
		FROM gold.customer_metrics_aggregate
		WHERE customer_name = 'ada'
	`).Scan(&purchases, &spent, &categories, &first, &last, &items, &savings)
	require.NoError(t, err)

	if purchases != 2 || categories != 2 || items != 3 {
		t.Errorf("ada metrics = purchases %d categories %d items %d, want 2/2/3", purchases, categories, items)
	}
	require.InDelta(t, 73, spent, 1e-9)
	require.InDelta(t, 7, savings, 1e-9)
	if !first.Equal(day1) || !last.Equal(day2) {
		t.Errorf("purchase window = %v .. %v, want %v .. %v", first, last, day1, day2)
	}
}

func TestRunEmptyRangeIsNoop(t *testing.T) {
	a, _ := newTestAggregator(t)
	stats, err := a.Run(context.Background(), 7, 7)
	require.NoError(t, err)
	if stats.DailyGroups != 0 || stats.CustomerGroups != 0 {
		t.Errorf("no-op stats = %+v, want zeros", stats)
	}
}
