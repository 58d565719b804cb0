package job

import (
	"context"
	"testing"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// minimalAdapter satisfies adapter.Adapter with the bare minimum needed to
// exercise Run's existence-check and error-path wiring; strategy.go's own
// tests cover pipeline behavior in depth.
type minimalAdapter struct {
	name        string
	existsTable bool
	existsErr   error
}

func (m *minimalAdapter) Connect(ctx context.Context) error { return nil }
func (m *minimalAdapter) Close() error                       { return nil }
func (m *minimalAdapter) Name() string                       { return m.name }
func (m *minimalAdapter) ReadOnly() bool                      { return false }
func (m *minimalAdapter) Schemas(ctx context.Context) ([]string, error) { return nil, nil }
func (m *minimalAdapter) Tables(ctx context.Context, schemaName string) ([]string, error) {
	return nil, nil
}
func (m *minimalAdapter) TableExists(ctx context.Context, schemaName, table string) (bool, error) {
	return m.existsTable, m.existsErr
}
func (m *minimalAdapter) Columns(ctx context.Context, schemaName, table string) (schema.Columns, error) {
	return nil, nil
}
func (m *minimalAdapter) QueryColumns(ctx context.Context, sql string) (schema.Columns, error) {
	return nil, nil
}
func (m *minimalAdapter) RemoveUnsupportedColumns(cols schema.Columns) schema.Columns { return cols }
func (m *minimalAdapter) GenerateExportSQL(cols schema.Columns, schemaName, table, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string {
	return ""
}
func (m *minimalAdapter) ExportQuery(ctx context.Context, sql, filePath, delimiter string) (int64, error) {
	return 0, nil
}
func (m *minimalAdapter) ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error) {
	return 0, nil
}
func (m *minimalAdapter) CreateSchema(ctx context.Context, name string) error { return nil }
func (m *minimalAdapter) CreateTableFromColumns(ctx context.Context, schemaName, table string, cols schema.Columns) error {
	return nil
}
func (m *minimalAdapter) Truncate(ctx context.Context, schemaName, table string) error { return nil }
func (m *minimalAdapter) Drop(ctx context.Context, schemaName, table string) error     { return nil }
func (m *minimalAdapter) Rename(ctx context.Context, schemaName, oldName, newName string) error {
	return nil
}
func (m *minimalAdapter) InsertFromAndDrop(ctx context.Context, schemaName, to, from string) error {
	return nil
}
func (m *minimalAdapter) MergeFromAndDrop(ctx context.Context, schemaName, to, from string, primaryKey schema.PrimaryKey) error {
	return nil
}
func (m *minimalAdapter) SwitchTables(ctx context.Context, schemaName, live, shadow string) error {
	return nil
}
func (m *minimalAdapter) GetMaxColumnValue(ctx context.Context, schemaName, table, col string) (string, error) {
	return "", nil
}
func (m *minimalAdapter) GetMinMaxBatch(ctx context.Context, schemaName, table, col string, batchSize int64) (int64, int64, int64, error) {
	return 0, 0, 0, nil
}
func (m *minimalAdapter) CreateLogTable(ctx context.Context, schemaName, table string) error { return nil }
func (m *minimalAdapter) LogRow(ctx context.Context, schemaName, table string, fields map[string]interface{}) error {
	return nil
}
func (m *minimalAdapter) DefaultBatchSize() int64          { return 1000 }
func (m *minimalAdapter) MaxStageFileBytes() (int64, bool) { return 0, false }
func (m *minimalAdapter) QuotedCSV() bool                  { return false }

var _ adapter.Adapter = (*minimalAdapter)(nil)

func TestRunReportsErrorWhenSourceTableMissing(t *testing.T) {
	var source = &minimalAdapter{name: "source", existsTable: false}
	var target = &minimalAdapter{name: "target"}
	var j = LoadJob{
		Source: source, Target: target,
		SourceSchema: "src", SourceTable: "widgets",
		TargetSchema: "tgt", TargetTable: "widgets",
		Strategy: FullTableLoad,
		TempDir:  t.TempDir(),
	}
	var outcome = Run(context.Background(), j, logrus.NewEntry(logrus.New()))
	require.Equal(t, StageError, outcome.Stage)
	require.Error(t, outcome.Err)
	require.Contains(t, outcome.Err.Error(), "does not exist in source")
}

func TestRunRejectsUnknownStrategy(t *testing.T) {
	var source = &minimalAdapter{name: "source", existsTable: true}
	var target = &minimalAdapter{name: "target"}
	var j = LoadJob{
		Source: source, Target: target,
		SourceSchema: "src", SourceTable: "widgets",
		TargetSchema: "tgt", TargetTable: "widgets",
		Strategy: Strategy("not_a_real_strategy"),
		TempDir:  t.TempDir(),
	}
	var outcome = Run(context.Background(), j, logrus.NewEntry(logrus.New()))
	require.Equal(t, StageError, outcome.Stage)
	require.Error(t, outcome.Err)
}

func TestRunQueryLoadSkipsSourceExistenceCheck(t *testing.T) {
	var source = &minimalAdapter{name: "source", existsTable: false}
	var target = &minimalAdapter{name: "target"}
	var j = LoadJob{
		Source: source, Target: target,
		SourceSchema: "src", SourceTable: "",
		TargetSchema: "tgt", TargetTable: "widgets",
		Strategy: QueryLoad,
		Query:    "SELECT 1",
		TempDir:  t.TempDir(),
	}
	var outcome = Run(context.Background(), j, logrus.NewEntry(logrus.New()))
	require.Equal(t, StageDone, outcome.Stage)
}
