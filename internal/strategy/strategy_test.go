package strategy

import (
	"context"
	"fmt"
	"testing"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/eneel-project/eneel/internal/stage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is an in-memory adapter.Adapter used only to exercise the
// strategy pipelines without a real database, in the teacher's own style
// of table-driven unit tests for pipeline logic.
type fakeAdapter struct {
	name   string
	tables map[string][]map[string]string
	cols   map[string]schema.Columns
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, tables: map[string][]map[string]string{}, cols: map[string]schema.Columns{}}
}

func key(schemaName, table string) string { return schemaName + "." + table }

func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (f *fakeAdapter) Close() error                      { return nil }
func (f *fakeAdapter) Name() string                      { return f.name }
func (f *fakeAdapter) ReadOnly() bool                     { return false }

func (f *fakeAdapter) Schemas(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeAdapter) Tables(ctx context.Context, schemaName string) ([]string, error) {
	return nil, nil
}
func (f *fakeAdapter) TableExists(ctx context.Context, schemaName, table string) (bool, error) {
	_, ok := f.tables[key(schemaName, table)]
	return ok, nil
}

func (f *fakeAdapter) Columns(ctx context.Context, schemaName, table string) (schema.Columns, error) {
	return f.cols[key(schemaName, table)], nil
}
func (f *fakeAdapter) QueryColumns(ctx context.Context, sql string) (schema.Columns, error) {
	return schema.Columns{{Ordinal: 1, Name: "id", Type: schema.Integer}}, nil
}
func (f *fakeAdapter) RemoveUnsupportedColumns(cols schema.Columns) schema.Columns { return cols }

func (f *fakeAdapter) GenerateExportSQL(cols schema.Columns, schemaName, table, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string {
	return fmt.Sprintf("SELECT * FROM %s.%s", schemaName, table)
}

func (f *fakeAdapter) ExportQuery(ctx context.Context, sql, filePath, delimiter string) (int64, error) {
	return 3, nil
}

func (f *fakeAdapter) ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error) {
	return 3, nil
}

func (f *fakeAdapter) CreateSchema(ctx context.Context, name string) error { return nil }
func (f *fakeAdapter) CreateTableFromColumns(ctx context.Context, schemaName, table string, cols schema.Columns) error {
	f.tables[key(schemaName, table)] = nil
	f.cols[key(schemaName, table)] = cols
	return nil
}
func (f *fakeAdapter) Truncate(ctx context.Context, schemaName, table string) error { return nil }
func (f *fakeAdapter) Drop(ctx context.Context, schemaName, table string) error {
	delete(f.tables, key(schemaName, table))
	return nil
}
func (f *fakeAdapter) Rename(ctx context.Context, schemaName, oldName, newName string) error {
	f.tables[key(schemaName, newName)] = f.tables[key(schemaName, oldName)]
	delete(f.tables, key(schemaName, oldName))
	return nil
}

func (f *fakeAdapter) InsertFromAndDrop(ctx context.Context, schemaName, to, from string) error {
	f.tables[key(schemaName, to)] = append(f.tables[key(schemaName, to)], f.tables[key(schemaName, from)]...)
	delete(f.tables, key(schemaName, from))
	return nil
}
func (f *fakeAdapter) MergeFromAndDrop(ctx context.Context, schemaName, to, from string, primaryKey schema.PrimaryKey) error {
	f.tables[key(schemaName, to)] = append(f.tables[key(schemaName, to)], f.tables[key(schemaName, from)]...)
	delete(f.tables, key(schemaName, from))
	return nil
}
func (f *fakeAdapter) SwitchTables(ctx context.Context, schemaName, live, shadow string) error {
	f.tables[key(schemaName, live)] = f.tables[key(schemaName, shadow)]
	delete(f.tables, key(schemaName, shadow))
	return nil
}

func (f *fakeAdapter) GetMaxColumnValue(ctx context.Context, schemaName, table, col string) (string, error) {
	if _, ok := f.tables[key(schemaName, table)]; !ok {
		return "", nil
	}
	return "2024-01-01", nil
}
func (f *fakeAdapter) GetMinMaxBatch(ctx context.Context, schemaName, table, col string, batchSize int64) (int64, int64, int64, error) {
	return 0, 0, 0, nil
}

func (f *fakeAdapter) CreateLogTable(ctx context.Context, schemaName, table string) error { return nil }
func (f *fakeAdapter) LogRow(ctx context.Context, schemaName, table string, fields map[string]interface{}) error {
	return nil
}

func (f *fakeAdapter) DefaultBatchSize() int64          { return 1000 }
func (f *fakeAdapter) MaxStageFileBytes() (int64, bool) { return 0, false }
func (f *fakeAdapter) QuotedCSV() bool                  { return false }

var _ adapter.Adapter = (*fakeAdapter)(nil)

func testRequest(t *testing.T, source, target *fakeAdapter) Request {
	var dir = t.TempDir()
	var s, err = stage.New(dir, "|", false)
	require.NoError(t, err)
	var log = logrus.NewEntry(logrus.New())
	return Request{
		Source: source, Target: target, Stage: s, Log: log,
		SourceSchema: "src", SourceTable: "widgets",
		TargetSchema: "tgt", TargetTable: "widgets",
		TableParallelism: 2, BatchSize: 1000,
	}
}

func TestFullTableLoadPromotesShadowToLive(t *testing.T) {
	var source = newFakeAdapter("source")
	source.cols[key("src", "widgets")] = schema.Columns{{Ordinal: 1, Name: "id", Type: schema.Integer}}
	var target = newFakeAdapter("target")

	var result = FullTableLoad(context.Background(), testRequest(t, source, target))
	require.Equal(t, Done, result.Status)
	require.Equal(t, int64(3), result.Exported)
	require.Equal(t, int64(3), result.Imported)

	var _, exists = target.tables[key("tgt", "widgets")]
	require.True(t, exists)
	var _, shadowExists = target.tables[key("tgt", "widgets_tmp")]
	require.False(t, shadowExists)
}

func TestIncrementalDelegatesToFullTableLoadWhenTargetMissing(t *testing.T) {
	var source = newFakeAdapter("source")
	source.cols[key("src", "widgets")] = schema.Columns{{Ordinal: 1, Name: "id", Type: schema.Integer}}
	var target = newFakeAdapter("target")

	var req = testRequest(t, source, target)
	req.ReplicationKey = "updated_at"

	var result = Incremental(context.Background(), req)
	require.Equal(t, Done, result.Status)
}

func TestIncrementalAppendsWhenTargetExists(t *testing.T) {
	var source = newFakeAdapter("source")
	source.cols[key("src", "widgets")] = schema.Columns{{Ordinal: 1, Name: "id", Type: schema.Integer}}
	var target = newFakeAdapter("target")
	target.tables[key("tgt", "widgets")] = []map[string]string{{"id": "1"}}

	var req = testRequest(t, source, target)
	req.ReplicationKey = "updated_at"

	var result = Incremental(context.Background(), req)
	require.Equal(t, Done, result.Status)
	var _, shadowExists = target.tables[key("tgt", "widgets_tmp")]
	require.False(t, shadowExists)
}

func TestUpsertRequiresPrimaryKey(t *testing.T) {
	var source = newFakeAdapter("source")
	var target = newFakeAdapter("target")
	var req = testRequest(t, source, target)
	req.ReplicationKey = "updated_at"

	var result = Upsert(context.Background(), req)
	require.Equal(t, Error, result.Status)
}

func TestQueryLoadPromotesToExactTargetName(t *testing.T) {
	var source = newFakeAdapter("source")
	var target = newFakeAdapter("target")
	var req = testRequest(t, source, target)

	var result = QueryLoad(context.Background(), req, "SELECT id FROM src.widgets")
	require.Equal(t, Done, result.Status)
	var _, exists = target.tables[key("tgt", "widgets")]
	require.True(t, exists)
}
