package project

import (
	"context"
	"testing"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/config"
	"github.com/eneel-project/eneel/internal/job"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name        string
	describes   int
	cols        schema.Columns
}

func (s *stubAdapter) Connect(ctx context.Context) error { return nil }
func (s *stubAdapter) Close() error                      { return nil }
func (s *stubAdapter) Name() string                      { return s.name }
func (s *stubAdapter) ReadOnly() bool                     { return false }
func (s *stubAdapter) Schemas(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubAdapter) Tables(ctx context.Context, schemaName string) ([]string, error) {
	return nil, nil
}
func (s *stubAdapter) TableExists(ctx context.Context, schemaName, table string) (bool, error) {
	return true, nil
}
func (s *stubAdapter) Columns(ctx context.Context, schemaName, table string) (schema.Columns, error) {
	s.describes++
	return s.cols, nil
}
func (s *stubAdapter) QueryColumns(ctx context.Context, sql string) (schema.Columns, error) {
	s.describes++
	return s.cols, nil
}
func (s *stubAdapter) RemoveUnsupportedColumns(cols schema.Columns) schema.Columns { return cols }
func (s *stubAdapter) GenerateExportSQL(cols schema.Columns, schemaName, table, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string {
	return ""
}
func (s *stubAdapter) ExportQuery(ctx context.Context, sql, filePath, delimiter string) (int64, error) {
	return 0, nil
}
func (s *stubAdapter) ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error) {
	return 0, nil
}
func (s *stubAdapter) CreateSchema(ctx context.Context, name string) error { return nil }
func (s *stubAdapter) CreateTableFromColumns(ctx context.Context, schemaName, table string, cols schema.Columns) error {
	return nil
}
func (s *stubAdapter) Truncate(ctx context.Context, schemaName, table string) error { return nil }
func (s *stubAdapter) Drop(ctx context.Context, schemaName, table string) error     { return nil }
func (s *stubAdapter) Rename(ctx context.Context, schemaName, oldName, newName string) error {
	return nil
}
func (s *stubAdapter) InsertFromAndDrop(ctx context.Context, schemaName, to, from string) error {
	return nil
}
func (s *stubAdapter) MergeFromAndDrop(ctx context.Context, schemaName, to, from string, primaryKey schema.PrimaryKey) error {
	return nil
}
func (s *stubAdapter) SwitchTables(ctx context.Context, schemaName, live, shadow string) error {
	return nil
}
func (s *stubAdapter) GetMaxColumnValue(ctx context.Context, schemaName, table, col string) (string, error) {
	return "", nil
}
func (s *stubAdapter) GetMinMaxBatch(ctx context.Context, schemaName, table, col string, batchSize int64) (int64, int64, int64, error) {
	return 0, 0, 0, nil
}
func (s *stubAdapter) CreateLogTable(ctx context.Context, schemaName, table string) error { return nil }
func (s *stubAdapter) LogRow(ctx context.Context, schemaName, table string, fields map[string]interface{}) error {
	return nil
}
func (s *stubAdapter) DefaultBatchSize() int64          { return 1000 }
func (s *stubAdapter) MaxStageFileBytes() (int64, bool) { return 0, false }
func (s *stubAdapter) QuotedCSV() bool                  { return false }

var _ adapter.Adapter = (*stubAdapter)(nil)

func TestPlanExpandsSchemasAndQueries(t *testing.T) {
	var p = &config.Project{
		Schemas: []config.SchemaBlock{{
			SourceSchema: "src", TargetSchema: "tgt", TablePrefix: "stg_",
			Tables: []config.Table{
				{TableName: "widgets", ReplicationMethod: "FULL_TABLE"},
				{TableName: "orders", ReplicationMethod: "INCREMENTAL", ReplicationKey: "updated_at"},
			},
		}},
		Queries: []config.QueryBlock{{
			TargetSchema: "tgt",
			Queries: []config.Query{
				{QueryName: "q1", Query: "SELECT 1", TableName: "q1_result", ReplicationMethod: "FULL_TABLE"},
			},
		}},
	}
	var source = &stubAdapter{name: "source"}
	var target = &stubAdapter{name: "target"}
	var pl = NewPlanner(p, source, target, nil)

	var jobs, err = pl.Plan()
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "stg_widgets", jobs[0].TargetTable)
	require.Equal(t, job.FullTableLoad, jobs[0].Strategy)
	require.Equal(t, job.Incremental, jobs[1].Strategy)
	require.Equal(t, job.QueryLoad, jobs[2].Strategy)
	require.Equal(t, "SELECT 1", jobs[2].Query)
}

func TestCachingAdapterMemoizesDescribe(t *testing.T) {
	var source = &stubAdapter{name: "source", cols: schema.Columns{{Ordinal: 1, Name: "id", Type: schema.Integer}}}
	var cached = newCachingAdapter(source)

	var _, err = cached.Columns(context.Background(), "src", "widgets")
	require.NoError(t, err)
	var _, err2 = cached.Columns(context.Background(), "src", "widgets")
	require.NoError(t, err2)
	require.Equal(t, 1, source.describes)
}

func TestConnectionOfResolvesDialect(t *testing.T) {
	var conn, err = ConnectionOf("source", config.Connection{Type: "postgres", ReadOnly: true}, config.Output{Host: "h", Port: 5432})
	require.NoError(t, err)
	require.Equal(t, adapter.Postgres, conn.Dialect)
	require.True(t, conn.ReadOnly)

	var _, err2 = ConnectionOf("x", config.Connection{Type: "nope"}, config.Output{})
	require.Error(t, err2)
}
