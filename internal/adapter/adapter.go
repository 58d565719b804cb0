// Package adapter defines the capability contract every dialect driver must
// implement (spec.md §4.2), and the Connection descriptor that configures
// one. Concrete dialects live in sibling packages (postgres, mssql, oracle,
// snowflake, sqlite).
package adapter

import (
	"context"

	"github.com/eneel-project/eneel/internal/schema"
	"github.com/sirupsen/logrus"
)

// Dialect tags the SQL dialect a Connection speaks.
type Dialect string

const (
	Postgres  Dialect = "postgres"
	SQLServer Dialect = "sqlserver"
	Oracle    Dialect = "oracle"
	Snowflake Dialect = "snowflake"
	SQLite    Dialect = "sqlite"
)

// Connection describes how to reach one database, and the tuning knobs
// that govern a single job run against it (spec.md §3 "Entity: Connection").
// One Connection is built per named connection for a run, and the Adapter
// built from it serves every job of that run.
type Connection struct {
	Name     string
	Dialect  Dialect
	Host     string
	Port     int
	Database string
	User     string
	Password string

	ReadOnly                bool
	LimitRows               int64
	TableParallelLoads      int
	TableParallelBatchSize  int64
	TableWhereClause        string

	// Extra carries dialect-specific tuning (warehouse/role for Snowflake,
	// service name for Oracle, GCS bucket for the Snowflake stage, etc).
	Extra map[string]string
}

// ExportedPartition describes one completed partition export.
type ExportedPartition struct {
	FilePath string
	RowCount int64
}

// Adapter is the capability set every dialect driver exposes (spec.md §4.2).
// One instance is created per Connection and is shared by concurrent jobs
// and by each job's partition workers; jobs do not get connections of their
// own, and concurrent calls each take a connection from the adapter's
// *sql.DB pool.
type Adapter interface {
	// Connect opens the underlying driver connection. Close releases it.
	Connect(ctx context.Context) error
	Close() error

	// Name identifies the connection for logging and RunLog rows.
	Name() string
	ReadOnly() bool

	Schemas(ctx context.Context) ([]string, error)
	Tables(ctx context.Context, schemaName string) ([]string, error)
	TableExists(ctx context.Context, schemaName, table string) (bool, error)

	// Columns returns the ordered Columns of an existing table.
	Columns(ctx context.Context, schemaName, table string) (schema.Columns, error)
	// QueryColumns infers Columns from a dry-run "SELECT * FROM (sql) LIMIT 1".
	QueryColumns(ctx context.Context, sql string) (schema.Columns, error)
	// RemoveUnsupportedColumns marks (but keeps) columns this adapter cannot
	// safely export, per its own deterministic policy.
	RemoveUnsupportedColumns(cols schema.Columns) schema.Columns

	// GenerateExportSQL projects cols with a combined WHERE built from the
	// (possibly empty) replication/static/partition predicates, applying
	// limitRows when > 0.
	GenerateExportSQL(cols schema.Columns, schemaName, table string, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string

	// ExportQuery runs sql and writes one delimited file at filePath,
	// returning the row count. Implementations prefer a native bulk
	// exporter and fall back to a cursor.
	ExportQuery(ctx context.Context, sql, filePath, delimiter string) (int64, error)

	// ImportFile bulk-loads a single delimited file into an existing table.
	ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error)

	CreateSchema(ctx context.Context, name string) error
	// CreateTableFromColumns drops the table if present, then creates it
	// with DDL mapped from cols, in column order.
	CreateTableFromColumns(ctx context.Context, schemaName, table string, cols schema.Columns) error
	Truncate(ctx context.Context, schemaName, table string) error
	Drop(ctx context.Context, schemaName, table string) error
	Rename(ctx context.Context, schemaName, oldName, newName string) error

	// InsertFromAndDrop runs "INSERT INTO to SELECT * FROM from; DROP TABLE from;"
	// as one logical unit.
	InsertFromAndDrop(ctx context.Context, schemaName, to, from string) error
	// MergeFromAndDrop upserts by primaryKey, matched rows updated, unmatched
	// inserted, then drops from.
	MergeFromAndDrop(ctx context.Context, schemaName, to, from string, primaryKey schema.PrimaryKey) error

	// SwitchTables performs the rename-live/rename-shadow/drop-dangling
	// promotion sequence of spec.md §4.2.
	SwitchTables(ctx context.Context, schemaName, live, shadow string) error

	// GetMaxColumnValue returns the current max of col as a SQL-literal-safe
	// string, used for incremental's delta bound.
	GetMaxColumnValue(ctx context.Context, schemaName, table, col string) (string, error)
	// GetMinMaxBatch returns (min, max, stride) for ranging col into
	// partitions of approximately batchSize rows each.
	GetMinMaxBatch(ctx context.Context, schemaName, table, col string, batchSize int64) (min, max, stride int64, err error)

	CreateLogTable(ctx context.Context, schemaName, table string) error
	LogRow(ctx context.Context, schemaName, table string, fields map[string]interface{}) error

	// DefaultBatchSize is this dialect's safe default for
	// table_parallel_batch_size when the connection doesn't set one.
	DefaultBatchSize() int64
	// MaxStageFileBytes reports a hard cap on a single stage file's size,
	// if this dialect's bulk loader has one (ok=false means unbounded).
	MaxStageFileBytes() (max int64, ok bool)
	// QuotedCSV reports whether this adapter's bulk loader is quote-aware
	// (true: emit RFC4180-ish quoted fields) or needs embedded delimiters/
	// newlines stripped instead (false).
	QuotedCSV() bool
}

// Base is embedded by every concrete adapter to share the read-only guard
// and logger plumbing (spec.md §9's "pass a logger handle" design note).
type Base struct {
	Conn Connection
	Log  *logrus.Entry
}

func NewBase(conn Connection, log *logrus.Entry) Base {
	return Base{
		Conn: conn,
		Log:  log.WithField("connection", conn.Name),
	}
}

func (b Base) Name() string    { return b.Conn.Name }
func (b Base) ReadOnly() bool   { return b.Conn.ReadOnly }

// GuardMutation returns a ReadOnlyViolation error if this connection is
// read_only; every mutating Adapter method calls this first.
func (b Base) GuardMutation(op string) error {
	if b.Conn.ReadOnly {
		return readOnlyErr(b.Conn.Name, op)
	}
	return nil
}
