package runlog

import (
	"context"
	"testing"
	"time"

	"github.com/eneel-project/eneel/internal/job"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/stretchr/testify/require"
)

// recordingAdapter is a bare-bones adapter.Adapter that only records
// LogRow/CreateLogTable/CreateSchema calls, for exercising Writer without
// a real logdb connection.
type recordingAdapter struct {
	rows         []map[string]interface{}
	tableCreated bool
	schemaName   string
}

func (r *recordingAdapter) Connect(ctx context.Context) error { return nil }
func (r *recordingAdapter) Close() error                      { return nil }
func (r *recordingAdapter) Name() string                      { return "logdb" }
func (r *recordingAdapter) ReadOnly() bool                     { return false }
func (r *recordingAdapter) Schemas(ctx context.Context) ([]string, error) { return nil, nil }
func (r *recordingAdapter) Tables(ctx context.Context, schemaName string) ([]string, error) {
	return nil, nil
}
func (r *recordingAdapter) TableExists(ctx context.Context, schemaName, table string) (bool, error) {
	return false, nil
}
func (r *recordingAdapter) Columns(ctx context.Context, schemaName, table string) (schema.Columns, error) {
	return nil, nil
}
func (r *recordingAdapter) QueryColumns(ctx context.Context, sql string) (schema.Columns, error) {
	return nil, nil
}
func (r *recordingAdapter) RemoveUnsupportedColumns(cols schema.Columns) schema.Columns { return cols }
func (r *recordingAdapter) GenerateExportSQL(cols schema.Columns, schemaName, table, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string {
	return ""
}
func (r *recordingAdapter) ExportQuery(ctx context.Context, sql, filePath, delimiter string) (int64, error) {
	return 0, nil
}
func (r *recordingAdapter) ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error) {
	return 0, nil
}
func (r *recordingAdapter) CreateSchema(ctx context.Context, name string) error {
	r.schemaName = name
	return nil
}
func (r *recordingAdapter) CreateTableFromColumns(ctx context.Context, schemaName, table string, cols schema.Columns) error {
	return nil
}
func (r *recordingAdapter) Truncate(ctx context.Context, schemaName, table string) error { return nil }
func (r *recordingAdapter) Drop(ctx context.Context, schemaName, table string) error     { return nil }
func (r *recordingAdapter) Rename(ctx context.Context, schemaName, oldName, newName string) error {
	return nil
}
func (r *recordingAdapter) InsertFromAndDrop(ctx context.Context, schemaName, to, from string) error {
	return nil
}
func (r *recordingAdapter) MergeFromAndDrop(ctx context.Context, schemaName, to, from string, primaryKey schema.PrimaryKey) error {
	return nil
}
func (r *recordingAdapter) SwitchTables(ctx context.Context, schemaName, live, shadow string) error {
	return nil
}
func (r *recordingAdapter) GetMaxColumnValue(ctx context.Context, schemaName, table, col string) (string, error) {
	return "", nil
}
func (r *recordingAdapter) GetMinMaxBatch(ctx context.Context, schemaName, table, col string, batchSize int64) (int64, int64, int64, error) {
	return 0, 0, 0, nil
}
func (r *recordingAdapter) CreateLogTable(ctx context.Context, schemaName, table string) error {
	r.tableCreated = true
	return nil
}
func (r *recordingAdapter) LogRow(ctx context.Context, schemaName, table string, fields map[string]interface{}) error {
	r.rows = append(r.rows, fields)
	return nil
}
func (r *recordingAdapter) DefaultBatchSize() int64          { return 1000 }
func (r *recordingAdapter) MaxStageFileBytes() (int64, bool) { return 0, false }
func (r *recordingAdapter) QuotedCSV() bool                  { return false }

func TestWriterIsNoOpWithoutLogDB(t *testing.T) {
	var w = New(nil, "eneel", "run_log")
	require.NoError(t, w.EnsureTable(context.Background()))
	require.NoError(t, w.ProjectStart(context.Background(), "proj", time.Now()))
}

func TestWriterRecordsProjectAndJobRows(t *testing.T) {
	var rec = &recordingAdapter{}
	var w = New(rec, "eneel", "run_log")

	var started = time.Now()
	require.NoError(t, w.EnsureTable(context.Background()))
	require.True(t, rec.tableCreated)
	require.Equal(t, "eneel", rec.schemaName)

	require.NoError(t, w.ProjectStart(context.Background(), "proj", started))
	require.NoError(t, w.Job(context.Background(), "proj", started, "src.widgets", "tgt.widgets", job.Outcome{
		Stage: job.StageDone, Exported: 10, Imported: 10, StartedAt: started, EndedAt: started,
	}))
	require.NoError(t, w.ProjectEnd(context.Background(), "proj", started, "DONE"))

	require.Len(t, rec.rows, 3)
	require.Equal(t, "START", rec.rows[0]["status"])
	require.Equal(t, "src.widgets", rec.rows[1]["source_table"])
	require.Equal(t, "DONE", rec.rows[2]["status"])
}
