package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/errs"
	"github.com/eneel-project/eneel/internal/stage"
	"github.com/eneel-project/eneel/internal/strategy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// newMemAdapter opens a fresh private in-memory database, the way
// materialize/sql/std_endpoint_test.go exercises its own SQL endpoint
// against sqlite3 ":memory:".
func newMemAdapter(t *testing.T, readOnly bool) *Adapter {
	t.Helper()
	var conn = adapter.Connection{Name: "test", Dialect: adapter.SQLite, Database: ":memory:", ReadOnly: readOnly}
	var a = New(conn, logrus.NewEntry(logrus.New()))
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func exec(t *testing.T, a *Adapter, query string) {
	t.Helper()
	var _, err = a.db.Exec(query)
	require.NoError(t, err)
}

func rowCount(t *testing.T, a *Adapter, table string) int {
	t.Helper()
	var n int
	require.NoError(t, a.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s;", table)).Scan(&n))
	return n
}

// TestFullTableLoadPromotesAndRoundTripsNulls covers S1 (full_table_load,
// three rows, single partition) plus the CSV NULL round-trip: NULL must
// survive export/import as NULL, never the literal string "None"/"NULL".
func TestFullTableLoadPromotesAndRoundTripsNulls(t *testing.T) {
	var ctx = context.Background()
	var source = newMemAdapter(t, false)
	var target = newMemAdapter(t, false)

	exec(t, source, `CREATE TABLE widgets (id INTEGER, name TEXT, created_at TEXT);`)
	exec(t, source, `INSERT INTO widgets VALUES
		(1,'First','2019-10-01 12:00:00'),
		(2,'Second','2019-10-02 12:00:00'),
		(3,NULL,'2019-10-03 12:00:00');`)

	var st, serr = stage.New(t.TempDir(), "|", source.QuotedCSV())
	require.NoError(t, serr)

	var req = strategy.Request{
		Source: source, Target: target, Stage: st, Log: logrus.NewEntry(logrus.New()),
		SourceSchema: "main", SourceTable: "widgets",
		TargetSchema: "main", TargetTable: "widgets",
		TableParallelism: 1, BatchSize: source.DefaultBatchSize(),
	}

	var result = strategy.FullTableLoad(ctx, req)
	require.Equal(t, strategy.Done, result.Status)
	require.EqualValues(t, 3, result.Exported)
	require.EqualValues(t, 3, result.Imported)
	require.Equal(t, 3, rowCount(t, target, "widgets"))

	var exists, existsErr = target.TableExists(ctx, "main", "widgets_tmp")
	require.NoError(t, existsErr)
	require.False(t, exists, "shadow table must be dropped once SwitchTables promotes it")

	var name *string
	require.NoError(t, target.db.QueryRow(`SELECT name FROM widgets WHERE id = 3;`).Scan(&name))
	require.Nil(t, name, "NULL must round-trip as NULL, not the string \"None\"")
}

// TestIncrementalDeltaAppendsNewRows covers S3: after an initial run, new
// source rows beyond the target's current max replication key are exported
// and appended, leaving earlier rows untouched.
func TestIncrementalDeltaAppendsNewRows(t *testing.T) {
	var ctx = context.Background()
	var source = newMemAdapter(t, false)
	var target = newMemAdapter(t, false)

	exec(t, source, `CREATE TABLE widgets (id INTEGER, name TEXT, created_at TEXT);`)
	exec(t, source, `INSERT INTO widgets VALUES
		(1,'First','2019-10-01 12:00:00'),
		(2,'Second','2019-10-02 12:00:00'),
		(3,'Third','2019-10-03 12:00:00');`)

	var baseReq = strategy.Request{
		Source: source, Target: target, Log: logrus.NewEntry(logrus.New()),
		SourceSchema: "main", SourceTable: "widgets",
		TargetSchema: "main", TargetTable: "widgets",
		ReplicationKey:   "id",
		TableParallelism: 1, BatchSize: source.DefaultBatchSize(),
	}

	var st1, serr1 = stage.New(t.TempDir(), "|", source.QuotedCSV())
	require.NoError(t, serr1)
	var r1 = baseReq
	r1.Stage = st1
	var res1 = strategy.Incremental(ctx, r1)
	require.Equal(t, strategy.Done, res1.Status)
	require.EqualValues(t, 3, res1.Imported)
	require.Equal(t, 3, rowCount(t, target, "widgets"))

	exec(t, source, `INSERT INTO widgets VALUES
		(4,'Forth','2019-10-04 12:00:00'),
		(5,'Fifth','2019-10-05 13:00:00');`)

	var st2, serr2 = stage.New(t.TempDir(), "|", source.QuotedCSV())
	require.NoError(t, serr2)
	var r2 = baseReq
	r2.Stage = st2
	var res2 = strategy.Incremental(ctx, r2)
	require.Equal(t, strategy.Done, res2.Status)
	require.EqualValues(t, 2, res2.Exported)
	require.EqualValues(t, 2, res2.Imported)
	require.Equal(t, 5, rowCount(t, target, "widgets"))
}

// TestGetMinMaxBatchComputesStride exercises GetMinMaxBatch directly: 40
// rows with batchSize 10 must yield four roughly-equal strides.
func TestGetMinMaxBatchComputesStride(t *testing.T) {
	var ctx = context.Background()
	var source = newMemAdapter(t, false)
	exec(t, source, `CREATE TABLE widgets (id INTEGER, name TEXT);`)
	for i := 1; i <= 40; i++ {
		exec(t, source, fmt.Sprintf(`INSERT INTO widgets VALUES (%d, 'w%d');`, i, i))
	}

	var lo, hi, stride, err = source.GetMinMaxBatch(ctx, "main", "widgets", "id", 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, lo)
	require.EqualValues(t, 40, hi)
	require.EqualValues(t, 10, stride)
}

// TestPartitionedFullTableLoadCoversAllRows covers a scaled S4: the table is
// split into four partitions by GetMinMaxBatch's stride, and the union of
// their exported rows must equal the full source table with no duplicates
// or gaps.
func TestPartitionedFullTableLoadCoversAllRows(t *testing.T) {
	var ctx = context.Background()
	var source = newMemAdapter(t, false)
	var target = newMemAdapter(t, false)

	exec(t, source, `CREATE TABLE widgets (id INTEGER, name TEXT);`)
	for i := 1; i <= 40; i++ {
		exec(t, source, fmt.Sprintf(`INSERT INTO widgets VALUES (%d, 'w%d');`, i, i))
	}

	var st, serr = stage.New(t.TempDir(), "|", source.QuotedCSV())
	require.NoError(t, serr)

	var req = strategy.Request{
		Source: source, Target: target, Stage: st, Log: logrus.NewEntry(logrus.New()),
		SourceSchema: "main", SourceTable: "widgets",
		TargetSchema: "main", TargetTable: "widgets",
		ParallelizationKey: "id",
		TableParallelism:   4, BatchSize: 10,
	}

	var result = strategy.FullTableLoad(ctx, req)
	require.Equal(t, strategy.Done, result.Status)
	require.EqualValues(t, 40, result.Exported)
	require.EqualValues(t, 40, result.Imported)
	require.Equal(t, 40, rowCount(t, target, "widgets"))

	var parts, lerr = st.ListPartitions()
	require.NoError(t, lerr)
	require.Len(t, parts, 4, "batchSize=10 over 40 rows must split into four stage files")
}

// flakyExport wraps a real Adapter and fails the nth ExportQuery call, to
// inject the mid-partition failure S6 describes without faking the
// underlying database.
type flakyExport struct {
	*Adapter
	calls  int
	failOn int
}

func (f *flakyExport) ExportQuery(ctx context.Context, querySQL, filePath, delimiter string) (int64, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, fmt.Errorf("injected export failure on partition %d", f.calls)
	}
	return f.Adapter.ExportQuery(ctx, querySQL, filePath, delimiter)
}

var _ adapter.Adapter = (*flakyExport)(nil)

// TestExportFailureMidPartitionSkipsPromotion covers S6: a failure on one
// partition's export must fail the whole job, never promote the shadow
// table, and leave the target's prior state untouched.
func TestExportFailureMidPartitionSkipsPromotion(t *testing.T) {
	var ctx = context.Background()
	var real = newMemAdapter(t, false)
	var source = &flakyExport{Adapter: real, failOn: 2}
	var target = newMemAdapter(t, false)

	exec(t, real, `CREATE TABLE widgets (id INTEGER, name TEXT);`)
	for i := 1; i <= 40; i++ {
		exec(t, real, fmt.Sprintf(`INSERT INTO widgets VALUES (%d, 'w%d');`, i, i))
	}

	var st, serr = stage.New(t.TempDir(), "|", real.QuotedCSV())
	require.NoError(t, serr)

	var req = strategy.Request{
		Source: source, Target: target, Stage: st, Log: logrus.NewEntry(logrus.New()),
		SourceSchema: "main", SourceTable: "widgets",
		TargetSchema: "main", TargetTable: "widgets",
		ParallelizationKey: "id",
		TableParallelism:   1, BatchSize: 10,
	}

	var result = strategy.FullTableLoad(ctx, req)
	require.Equal(t, strategy.Error, result.Status)

	var exists, existsErr = target.TableExists(ctx, "main", "widgets")
	require.NoError(t, existsErr)
	require.False(t, exists, "target must be untouched when a partition export fails")

	var shadowExists, shadowErr = target.TableExists(ctx, "main", "widgets_tmp")
	require.NoError(t, shadowErr)
	require.False(t, shadowExists, "shadow table must never be created once an export fails")
}

// TestImportFileRefusesOnReadOnlyConnection exercises GuardMutation's real
// ReadOnlyViolation path against a live adapter rather than a fake one.
func TestImportFileRefusesOnReadOnlyConnection(t *testing.T) {
	var ctx = context.Background()
	var target = newMemAdapter(t, true)
	exec(t, target, `CREATE TABLE widgets (id INTEGER, name TEXT);`)

	var _, err = target.ImportFile(ctx, "main", "widgets", "/nonexistent", "|")
	require.Error(t, err)
	var kind, ok = errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindReadOnly, kind)
}
