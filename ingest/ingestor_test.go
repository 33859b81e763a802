package ingest

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xyzretail/sales-lakehouse/tracker"
)

func newTestIngestor(t *testing.T, fs afero.Fs) (*Ingestor, *sql.DB) {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, schema := range []string{"meta", "bronze"} {
		_, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + schema)
		require.NoError(t, err)
	}

	tr := tracker.New(db, "meta", zap.NewNop())
	require.NoError(t, tr.InitTables(ctx))

	in := New(fs, db, tr, "bronze", "/landing", 2, zap.NewNop())
	require.NoError(t, in.InitTables(ctx))
	return in, db
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestRunIngestsMixedFormats(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/landing/day1.csv",
		[]byte("transaction_id,product_id,quantity,total_amount\nTX-1,P-1,2,40.00\nTX-2,P-2,1,9.99\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/landing/day2.json",
		[]byte(`[{"transaction_id": "TX-3", "product_id": "P-1", "quantity": 5, "total_amount": 100}]`), 0644))
	require.NoError(t, afero.WriteFile(fs, "/landing/readme.txt",
		[]byte("not a data file"), 0644))

	in, db := newTestIngestor(t, fs)
	res, err := in.Run(context.Background())
	require.NoError(t, err)

	if res.FilesIngested != 2 {
		t.Errorf("FilesIngested = %d, want 2", res.FilesIngested)
	}
	if res.RowsIngested != 3 {
		t.Errorf("RowsIngested = %d, want 3", res.RowsIngested)
	}
	if res.FilesQuarantined != 0 {
		t.Errorf("FilesQuarantined = %d, want 0", res.FilesQuarantined)
	}

	if n := countRows(t, db, "SELECT COUNT(*) FROM bronze.sales_raw"); n != 3 {
		t.Errorf("raw rows = %d, want 3", n)
	}
	// Each file commits under its own ingest_seq with full provenance.
	if n := countRows(t, db, "SELECT COUNT(DISTINCT ingest_seq) FROM bronze.sales_raw"); n != 2 {
		t.Errorf("distinct ingest_seq = %d, want 2", n)
	}
	if n := countRows(t, db,
		"SELECT COUNT(*) FROM bronze.sales_raw WHERE source_file IS NULL OR ingested_at IS NULL"); n != 0 {
		t.Errorf("%d raw rows missing provenance", n)
	}
}

func TestRerunDoesNotDuplicate(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/landing/day1.csv",
		[]byte("transaction_id,quantity\nTX-1,2\n"), 0644))

	in, db := newTestIngestor(t, fs)
	ctx := context.Background()

	res, err := in.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.FilesIngested)

	res, err = in.Run(ctx)
	require.NoError(t, err)
	if res.FilesIngested != 0 {
		t.Errorf("second pass FilesIngested = %d, want 0", res.FilesIngested)
	}
	if res.FilesSkipped != 1 {
		t.Errorf("second pass FilesSkipped = %d, want 1", res.FilesSkipped)
	}

	if n := countRows(t, db, "SELECT COUNT(*) FROM bronze.sales_raw"); n != 1 {
		t.Errorf("raw rows after rerun = %d, want 1", n)
	}
}

func TestModifiedFileIsANewIdentity(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/landing/day1.csv",
		[]byte("transaction_id,quantity\nTX-1,2\n"), 0644))

	in, db := newTestIngestor(t, fs)
	ctx := context.Background()

	_, err := in.Run(ctx)
	require.NoError(t, err)

	// Same path, new bytes: a corrected file replacing the original.
	require.NoError(t, afero.WriteFile(fs, "/landing/day1.csv",
		[]byte("transaction_id,quantity\nTX-1,2\nTX-2,7\n"), 0644))

	res, err := in.Run(ctx)
	require.NoError(t, err)
	if res.FilesIngested != 1 {
		t.Errorf("modified file FilesIngested = %d, want 1", res.FilesIngested)
	}

	// Both versions' rows are present; lineage tells them apart by seq.
	if n := countRows(t, db, "SELECT COUNT(*) FROM bronze.sales_raw"); n != 3 {
		t.Errorf("raw rows = %d, want 3", n)
	}
	if n := countRows(t, db,
		"SELECT COUNT(*) FROM meta.ingested_files WHERE path = '/landing/day1.csv'"); n != 2 {
		t.Errorf("ledger identities = %d, want 2", n)
	}
}

func TestMalformedFileIsQuarantined(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/landing/good.csv",
		[]byte("transaction_id,quantity\nTX-1,2\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/landing/bad.json",
		[]byte(`{"transaction_id": truncated`), 0644))

	in, db := newTestIngestor(t, fs)
	res, err := in.Run(context.Background())
	require.NoError(t, err)

	if res.FilesIngested != 1 {
		t.Errorf("FilesIngested = %d, want 1", res.FilesIngested)
	}
	if res.FilesQuarantined != 1 {
		t.Errorf("FilesQuarantined = %d, want 1", res.FilesQuarantined)
	}

	if n := countRows(t, db,
		"SELECT COUNT(*) FROM meta.ingested_files WHERE status = 'quarantined' AND detail IS NOT NULL"); n != 1 {
		t.Errorf("quarantined ledger rows = %d, want 1", n)
	}
	// No partial rows from the bad file.
	if n := countRows(t, db, "SELECT COUNT(*) FROM bronze.sales_raw"); n != 1 {
		t.Errorf("raw rows = %d, want 1", n)
	}

	// The quarantined file stays out on later passes.
	res, err = in.Run(context.Background())
	require.NoError(t, err)
	if res.FilesQuarantined != 0 || res.FilesIngested != 0 {
		t.Errorf("quarantined file reprocessed: %+v", res)
	}
}

func TestUnionSchemaWidensForNewColumns(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/landing/day1.csv",
		[]byte("transaction_id,quantity\nTX-1,2\n"), 0644))

	in, db := newTestIngestor(t, fs)
	ctx := context.Background()
	_, err := in.Run(ctx)
	require.NoError(t, err)

	// A later file carries a column the raw table has never seen.
	require.NoError(t, afero.WriteFile(fs, "/landing/day2.csv",
		[]byte("transaction_id,quantity,loyalty_tier\nTX-2,1,gold\n"), 0644))
	_, err = in.Run(ctx)
	require.NoError(t, err)

	var tier sql.NullString
	err = db.QueryRow(
		"SELECT loyalty_tier FROM bronze.sales_raw WHERE transaction_id = 'TX-2'").Scan(&tier)
	require.NoError(t, err)
	if !tier.Valid || tier.String != "gold" {
		t.Errorf("loyalty_tier = %+v, want gold", tier)
	}

	// Rows from before the widening read back as NULL.
	err = db.QueryRow(
		"SELECT loyalty_tier FROM bronze.sales_raw WHERE transaction_id = 'TX-1'").Scan(&tier)
	require.NoError(t, err)
	if tier.Valid {
		t.Errorf("pre-widening row loyalty_tier = %q, want NULL", tier.String)
	}
}
