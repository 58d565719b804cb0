// Package mssql implements the adapter.Adapter contract for SQL Server,
// using github.com/microsoft/go-mssqldb for the driver and shelling out to
// bcp for the bulk export/import path. Grounded on materialize/sql/sqlgen.go's
// NullableTypeMapping pattern (SQL Server DDL must say NULL or NOT NULL
// explicitly) and on the external-bulk-loader design note of spec.md §9.
package mssql

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/errs"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/eneel-project/eneel/internal/sqlgen"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/sirupsen/logrus"
)

// nullableType decorates an inner TypeMapper, appending NULL or NOT NULL,
// mirroring materialize/sql/sqlgen.go's own NullableTypeMapping wrapper.
type nullableType struct {
	inner    sqlgen.TypeMapper
	nullable bool
}

func (n nullableType) GetColumnType(col *schema.Column) (sqlgen.ResolvedType, error) {
	var resolved, err = n.inner.GetColumnType(col)
	if err != nil {
		return resolved, err
	}
	if n.nullable {
		resolved.SQL += " NULL"
	} else {
		resolved.SQL += " NOT NULL"
	}
	return resolved, nil
}

func nullable(inner sqlgen.TypeMapper) sqlgen.TypeMapper { return nullableType{inner: inner, nullable: true} }

var generator = sqlgen.Generator{
	QuoteIdentifier: func(s string) string { return "[" + strings.ReplaceAll(s, "]", "]]") + "]" },
	Types: sqlgen.ByLogicalType{
		schema.Integer:  nullable(sqlgen.ConstType("BIGINT")),
		schema.Float:    nullable(sqlgen.ConstType("FLOAT")),
		schema.Decimal:  nullable(sqlgen.DecimalType("DECIMAL")),
		schema.Bool:     nullable(sqlgen.ConstType("BIT")),
		schema.Bytes:    nullable(sqlgen.ConstType("VARBINARY(MAX)")),
		schema.DateTime: nullable(sqlgen.ConstType("DATETIME2")),
		schema.Date:     nullable(sqlgen.ConstType("DATE")),
		schema.Time:     nullable(sqlgen.ConstType("TIME")),
		schema.UUID:     nullable(sqlgen.ConstType("UNIQUEIDENTIFIER")),
		schema.String: nullable(sqlgen.MaxLengthableType{
			WithoutLength: sqlgen.ConstType("NVARCHAR(MAX)"),
			WithLength:    sqlgen.LengthConstrainedType("NVARCHAR(?)"),
		}),
	},
}

const maxInlineStringLen = 4000

type Adapter struct {
	adapter.Base
	db *sql.DB
}

func New(conn adapter.Connection, log *logrus.Entry) *Adapter {
	return &Adapter{Base: adapter.NewBase(conn, log)}
}

func (a *Adapter) dsn() string {
	return fmt.Sprintf("server=%s;port=%d;database=%s;user id=%s;password=%s;encrypt=true",
		a.Conn.Host, a.Conn.Port, a.Conn.Database, a.Conn.User, a.Conn.Password)
}

func (a *Adapter) Connect(ctx context.Context) error {
	var db, err = sql.Open("sqlserver", a.dsn())
	if err != nil {
		return errs.Connect(a.Conn.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return errs.Connect(a.Conn.Name, err)
	}
	a.db = db
	return nil
}

func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Adapter) Schemas(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, a.db, a.Conn.Name, `SELECT schema_name FROM information_schema.schemata ORDER BY 1;`)
}

func (a *Adapter) Tables(ctx context.Context, schemaName string) ([]string, error) {
	var rows, err = a.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema=@p1 ORDER BY 1;`, schemaName)
	if err != nil {
		return nil, errs.Catalog(schemaName, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errs.Catalog(schemaName, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (a *Adapter) TableExists(ctx context.Context, schemaName, table string) (bool, error) {
	var n int
	var err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema=@p1 AND table_name=@p2;`,
		schemaName, table).Scan(&n)
	if err != nil {
		return false, errs.Catalog(qualify(schemaName, table), err)
	}
	return n > 0, nil
}

func (a *Adapter) Columns(ctx context.Context, schemaName, table string) (schema.Columns, error) {
	var rows, err = a.db.QueryContext(ctx, `
		SELECT ordinal_position, column_name, data_type, character_maximum_length,
		       numeric_precision, numeric_scale
		FROM information_schema.columns
		WHERE table_schema=@p1 AND table_name=@p2
		ORDER BY ordinal_position;`, schemaName, table)
	if err != nil {
		return nil, errs.Catalog(qualify(schemaName, table), err)
	}
	defer rows.Close()

	var cols schema.Columns
	for rows.Next() {
		var ordinal int
		var name, dataType string
		var charLen, numPrec, numScale sql.NullInt64
		if err := rows.Scan(&ordinal, &name, &dataType, &charLen, &numPrec, &numScale); err != nil {
			return nil, errs.Catalog(qualify(schemaName, table), err)
		}
		var col = schema.Column{Ordinal: ordinal, Name: name, Type: mapNativeType(dataType)}
		if charLen.Valid && charLen.Int64 > 0 {
			var v = charLen.Int64
			col.CharMaxLen = &v
		}
		if numPrec.Valid {
			var v = int32(numPrec.Int64)
			col.NumPrecision = &v
		}
		if numScale.Valid {
			var v = int32(numScale.Int64)
			col.NumScale = &v
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (a *Adapter) QueryColumns(ctx context.Context, querySQL string) (schema.Columns, error) {
	var rows, err = a.db.QueryContext(ctx, fmt.Sprintf("SELECT TOP 1 * FROM (%s) eneel_probe;", querySQL))
	if err != nil {
		return nil, errs.Catalog("", err)
	}
	defer rows.Close()
	var types, err2 = rows.ColumnTypes()
	if err2 != nil {
		return nil, errs.Catalog("", err2)
	}
	var cols schema.Columns
	for i, t := range types {
		cols = append(cols, schema.Column{Ordinal: i + 1, Name: t.Name(), Type: mapNativeType(t.DatabaseTypeName())})
	}
	return cols, nil
}

func (a *Adapter) RemoveUnsupportedColumns(cols schema.Columns) schema.Columns {
	var out = make(schema.Columns, len(cols))
	for i, c := range cols {
		if c.Type == schema.String && c.CharMaxLen != nil && *c.CharMaxLen > maxInlineStringLen {
			c.Unsupported = true
			c.UnsupportedReason = fmt.Sprintf("nvarchar column wider than %d chars", maxInlineStringLen)
		}
		out[i] = c
	}
	return out
}

func (a *Adapter) GenerateExportSQL(cols schema.Columns, schemaName, table string, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string {
	var where = sqlgen.CombineWhere(replicationWhere, staticWhere, partitionWhere)
	if limitRows > 0 {
		return fmt.Sprintf("SELECT TOP %d %s FROM %s%s;", limitRows, selectList(cols),
			generator.QualifiedName(schemaName, table), whereClause(where))
	}
	return fmt.Sprintf("SELECT %s FROM %s%s;", selectList(cols), generator.QualifiedName(schemaName, table), whereClause(where))
}

func selectList(cols schema.Columns) string {
	var names = make([]string, len(cols))
	for i, c := range cols {
		names[i] = generator.Ident(c.Name)
	}
	return strings.Join(names, ", ")
}

func whereClause(where string) string {
	if where == "" {
		return ""
	}
	return " WHERE " + where
}

// ExportQuery shells out to bcp, SQL Server's native bulk-copy tool, per
// spec.md §9's "external bulk loaders" design note. bcp writes the
// delimited file directly; its final-line row count is parsed back out.
func (a *Adapter) ExportQuery(ctx context.Context, querySQL, filePath, delimiter string) (int64, error) {
	var args = []string{
		querySQL, "queryout", filePath,
		"-c", "-t", delimiter, "-r", "\n",
		"-S", fmt.Sprintf("%s,%d", a.Conn.Host, a.Conn.Port),
		"-d", a.Conn.Database, "-U", a.Conn.User, "-P", a.Conn.Password,
	}
	var cmd = exec.CommandContext(ctx, "bcp", args...)
	var stderr bytes.Buffer
	var stdout bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, errs.Export(filePath, fmt.Errorf("bcp queryout: %w: %s", err, stderr.String()))
	}
	return parseBcpRowCount(stdout.String()), nil
}

// parseBcpRowCount extracts the "N rows copied." summary line bcp prints on
// its last line of output.
func parseBcpRowCount(output string) int64 {
	var lines = strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var fields = strings.Fields(lines[i])
		if len(fields) >= 2 && fields[1] == "rows" {
			var n, err = strconv.ParseInt(fields[0], 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// ImportFile bulk-loads via bcp in (the inverse of ExportQuery's bcp out).
func (a *Adapter) ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error) {
	if err := a.GuardMutation("importFile"); err != nil {
		return 0, err
	}
	var args = []string{
		qualify(schemaName, table), "in", filePath,
		"-c", "-t", delimiter, "-r", "\n",
		"-S", fmt.Sprintf("%s,%d", a.Conn.Host, a.Conn.Port),
		"-d", a.Conn.Database, "-U", a.Conn.User, "-P", a.Conn.Password,
	}
	var cmd = exec.CommandContext(ctx, "bcp", args...)
	var stderr bytes.Buffer
	var stdout bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, errs.Import(qualify(schemaName, table), fmt.Errorf("bcp in: %w: %s", err, stderr.String()))
	}
	return parseBcpRowCount(stdout.String()), nil
}

func (a *Adapter) CreateSchema(ctx context.Context, name string) error {
	if err := a.GuardMutation("createSchema"); err != nil {
		return err
	}
	var _, err = a.db.ExecContext(ctx, fmt.Sprintf(
		"IF NOT EXISTS (SELECT * FROM sys.schemas WHERE name = N'%s') EXEC('CREATE SCHEMA %s');", name, generator.Ident(name)))
	return err
}

func (a *Adapter) CreateTableFromColumns(ctx context.Context, schemaName, table string, cols schema.Columns) error {
	if err := a.GuardMutation("createTableFromColumns"); err != nil {
		return err
	}
	var _, err = a.db.ExecContext(ctx, generator.DropTableStatement(schemaName, table))
	if err != nil {
		return err
	}
	var ddl, gerr = generator.CreateTableStatement(schemaName, table, cols.Supported(), false)
	if gerr != nil {
		return gerr
	}
	_, err = a.db.ExecContext(ctx, ddl)
	return err
}

// DropTableStatement on sqlserver needs an existence guard; override via a
// helper rather than the generator's bare ANSI form.
func (a *Adapter) dropStatement(schemaName, table string) string {
	return fmt.Sprintf("IF OBJECT_ID('%s', 'U') IS NOT NULL DROP TABLE %s;",
		qualify(schemaName, table), generator.QualifiedName(schemaName, table))
}

func (a *Adapter) Truncate(ctx context.Context, schemaName, table string) error {
	if err := a.GuardMutation("truncate"); err != nil {
		return err
	}
	var _, err = a.db.ExecContext(ctx, generator.TruncateStatement(schemaName, table))
	return err
}

func (a *Adapter) Drop(ctx context.Context, schemaName, table string) error {
	if err := a.GuardMutation("drop"); err != nil {
		return err
	}
	var _, err = a.db.ExecContext(ctx, a.dropStatement(schemaName, table))
	return err
}

func (a *Adapter) Rename(ctx context.Context, schemaName, oldName, newName string) error {
	if err := a.GuardMutation("rename"); err != nil {
		return err
	}
	var _, err = a.db.ExecContext(ctx, fmt.Sprintf("EXEC sp_rename '%s', '%s';", qualify(schemaName, oldName), newName))
	return err
}

func (a *Adapter) InsertFromAndDrop(ctx context.Context, schemaName, to, from string) error {
	if err := a.GuardMutation("insertFromAndDrop"); err != nil {
		return err
	}
	var txn, err = a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := txn.ExecContext(ctx, generator.InsertSelectStatement(schemaName, to, from)); err != nil {
		_ = txn.Rollback()
		return err
	}
	if _, err := txn.ExecContext(ctx, a.dropStatement(schemaName, from)); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

func (a *Adapter) MergeFromAndDrop(ctx context.Context, schemaName, to, from string, primaryKey schema.PrimaryKey) error {
	if err := a.GuardMutation("mergeFromAndDrop"); err != nil {
		return err
	}
	var cols, err = a.Columns(ctx, schemaName, to)
	if err != nil {
		return err
	}
	var toQ = generator.QualifiedName(schemaName, to)
	var fromQ = generator.QualifiedName(schemaName, from)

	var pkSet = map[string]bool{}
	for _, k := range primaryKey {
		pkSet[k] = true
	}
	var onClause []string
	var updateSet []string
	var insertCols []string
	var insertVals []string
	for _, c := range cols {
		insertCols = append(insertCols, generator.Ident(c.Name))
		insertVals = append(insertVals, "src."+generator.Ident(c.Name))
		if pkSet[c.Name] {
			onClause = append(onClause, fmt.Sprintf("tgt.%s = src.%s", generator.Ident(c.Name), generator.Ident(c.Name)))
		} else {
			updateSet = append(updateSet, fmt.Sprintf("tgt.%s = src.%s", generator.Ident(c.Name), generator.Ident(c.Name)))
		}
	}

	var mergeSQL = fmt.Sprintf(`MERGE %s AS tgt USING %s AS src ON %s
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);`,
		toQ, fromQ, strings.Join(onClause, " AND "), strings.Join(updateSet, ", "),
		strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))

	var txn, terr = a.db.BeginTx(ctx, nil)
	if terr != nil {
		return terr
	}
	if _, err := txn.ExecContext(ctx, mergeSQL); err != nil {
		_ = txn.Rollback()
		return err
	}
	if _, err := txn.ExecContext(ctx, a.dropStatement(schemaName, from)); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

func (a *Adapter) SwitchTables(ctx context.Context, schemaName, live, shadow string) error {
	if err := a.GuardMutation("switchTables"); err != nil {
		return err
	}
	var deleteName = live + "_delete"
	var exists, err = a.TableExists(ctx, schemaName, live)
	if err != nil {
		return err
	}
	if exists {
		if err := a.Rename(ctx, schemaName, live, deleteName); err != nil {
			return err
		}
	}
	if err := a.Rename(ctx, schemaName, shadow, live); err != nil {
		return err
	}
	return a.Drop(ctx, schemaName, deleteName)
}

func (a *Adapter) GetMaxColumnValue(ctx context.Context, schemaName, table, col string) (string, error) {
	var row = a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s;",
		generator.Ident(col), generator.QualifiedName(schemaName, table)))
	var val sql.NullString
	if err := row.Scan(&val); err != nil {
		return "", errs.Catalog(qualify(schemaName, table), err)
	}
	return val.String, nil
}

func (a *Adapter) GetMinMaxBatch(ctx context.Context, schemaName, table, col string, batchSize int64) (int64, int64, int64, error) {
	var lo, hi, count sql.NullInt64
	var row = a.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MIN(%[1]s), MAX(%[1]s), COUNT(*) FROM %[2]s;", generator.Ident(col), generator.QualifiedName(schemaName, table)))
	if err := row.Scan(&lo, &hi, &count); err != nil {
		return 0, 0, 0, errs.Catalog(qualify(schemaName, table), err)
	}
	if !lo.Valid || !hi.Valid || count.Int64 == 0 {
		return 0, 0, 0, nil
	}
	if batchSize <= 0 {
		batchSize = a.DefaultBatchSize()
	}
	var numBatches = count.Int64 / batchSize
	if numBatches < 1 {
		return lo.Int64, hi.Int64, hi.Int64 - lo.Int64, nil
	}
	var span = hi.Int64 - lo.Int64
	var stride = (span + numBatches - 1) / numBatches
	return lo.Int64, hi.Int64, stride, nil
}

func (a *Adapter) CreateLogTable(ctx context.Context, schemaName, table string) error {
	if err := a.GuardMutation("createLogTable"); err != nil {
		return err
	}
	if err := a.CreateSchema(ctx, schemaName); err != nil {
		return err
	}
	var ddl = fmt.Sprintf(`IF OBJECT_ID('%s', 'U') IS NULL CREATE TABLE %s (
		log_time DATETIME2, project NVARCHAR(128), project_started_at DATETIME2,
		source_table NVARCHAR(128), target_table NVARCHAR(128),
		started_at DATETIME2, ended_at DATETIME2, status NVARCHAR(16),
		exported_rows BIGINT, imported_rows BIGINT
	);`, qualify(schemaName, table), generator.QualifiedName(schemaName, table))
	var _, err = a.db.ExecContext(ctx, ddl)
	return err
}

func (a *Adapter) LogRow(ctx context.Context, schemaName, table string, fields map[string]interface{}) error {
	if err := a.GuardMutation("log"); err != nil {
		return err
	}
	var cols = []string{"log_time", "project", "project_started_at", "source_table", "target_table",
		"started_at", "ended_at", "status", "exported_rows", "imported_rows"}
	var placeholders = make([]string, len(cols))
	var args = make([]interface{}, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
		args[i] = fields[c]
	}
	var insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		generator.QualifiedName(schemaName, table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	var _, err = a.db.ExecContext(ctx, insertSQL, args...)
	return err
}

func (a *Adapter) DefaultBatchSize() int64          { return 1_000_000 }
func (a *Adapter) MaxStageFileBytes() (int64, bool) { return 0, false }
func (a *Adapter) QuotedCSV() bool                  { return false }

func qualify(schemaName, table string) string {
	if schemaName == "" {
		return table
	}
	return schemaName + "." + table
}

func queryStrings(ctx context.Context, db *sql.DB, name, querySQL string) ([]string, error) {
	var rows, err = db.QueryContext(ctx, querySQL)
	if err != nil {
		return nil, errs.Catalog(name, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errs.Catalog(name, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func mapNativeType(native string) schema.LogicalType {
	switch strings.ToLower(native) {
	case "int", "bigint", "smallint", "tinyint":
		return schema.Integer
	case "float", "real":
		return schema.Float
	case "decimal", "numeric", "money", "smallmoney":
		return schema.Decimal
	case "bit":
		return schema.Bool
	case "varbinary", "binary", "image":
		return schema.Bytes
	case "datetime", "datetime2", "smalldatetime", "datetimeoffset":
		return schema.DateTime
	case "date":
		return schema.Date
	case "time":
		return schema.Time
	case "uniqueidentifier":
		return schema.UUID
	default:
		return schema.String
	}
}
