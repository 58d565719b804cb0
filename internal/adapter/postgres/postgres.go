// Package postgres implements the adapter.Adapter contract for PostgreSQL,
// using github.com/lib/pq for both the driver and its native COPY bulk
// path. Grounded on materialize/sql/sqlgen.go's PostgresSQLGenerator type
// mapping, extended with precision/scale-aware decimal DDL and an actual
// database/sql driver (the teacher only generates Postgres SQL text; it
// has no Postgres driver of its own).
package postgres

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/errs"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/eneel-project/eneel/internal/sqlgen"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var generator = sqlgen.Generator{
	QuoteIdentifier: func(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` },
	Types: sqlgen.ByLogicalType{
		schema.Integer:  sqlgen.ConstType("BIGINT"),
		schema.Float:    sqlgen.ConstType("DOUBLE PRECISION"),
		schema.Decimal:  sqlgen.DecimalType("NUMERIC"),
		schema.Bool:     sqlgen.ConstType("BOOLEAN"),
		schema.Bytes:    sqlgen.ConstType("BYTEA"),
		schema.DateTime: sqlgen.ConstType("TIMESTAMP"),
		schema.Date:     sqlgen.ConstType("DATE"),
		schema.Time:     sqlgen.ConstType("TIME"),
		schema.UUID:     sqlgen.ConstType("UUID"),
		schema.String: sqlgen.MaxLengthableType{
			WithoutLength: sqlgen.ConstType("TEXT"),
			WithLength:    sqlgen.LengthConstrainedType("VARCHAR(?)"),
		},
	},
}

// maxInlineStringLen is the width beyond which this adapter considers a
// string column unsupported for the fast in-flight path (spec.md §4.2
// removeUnsupportedColumns policy: deterministic and documented per adapter).
const maxInlineStringLen = 65535

// Adapter is the PostgreSQL implementation of adapter.Adapter.
type Adapter struct {
	adapter.Base
	db *sql.DB
}

func New(conn adapter.Connection, log *logrus.Entry) *Adapter {
	return &Adapter{Base: adapter.NewBase(conn, log)}
}

func (a *Adapter) dsn() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=require",
		a.Conn.Host, a.Conn.Port, a.Conn.Database, a.Conn.User, a.Conn.Password)
}

func (a *Adapter) Connect(ctx context.Context) error {
	var db, err = sql.Open("postgres", a.dsn())
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
	var rows, err = a.db.QueryContext(ctx, `SELECT schema_name FROM information_schema.schemata ORDER BY 1;`)
	if err != nil {
		return nil, errs.Catalog("", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errs.Catalog("", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (a *Adapter) Tables(ctx context.Context, schemaName string) ([]string, error) {
	var rows, err = a.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema=$1 ORDER BY 1;`, schemaName)
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
	var exists bool
	var err = a.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema=$1 AND table_name=$2);`,
		schemaName, table).Scan(&exists)
	if err != nil {
		return false, errs.Catalog(qualify(schemaName, table), err)
	}
	return exists, nil
}

func (a *Adapter) Columns(ctx context.Context, schemaName, table string) (schema.Columns, error) {
	var rows, err = a.db.QueryContext(ctx, `
		SELECT ordinal_position, column_name, data_type, character_maximum_length,
		       numeric_precision, numeric_scale
		FROM information_schema.columns
		WHERE table_schema=$1 AND table_name=$2
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
		if charLen.Valid {
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
	var rows, err = a.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM (%s) eneel_probe LIMIT 1;", querySQL))
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
			c.UnsupportedReason = fmt.Sprintf("string column wider than %d chars", maxInlineStringLen)
		}
		out[i] = c
	}
	return out
}

func (a *Adapter) GenerateExportSQL(cols schema.Columns, schemaName, table string, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string {
	var where = sqlgen.CombineWhere(replicationWhere, staticWhere, partitionWhere)
	return generator.SelectStatement(schemaName, table, cols, where, limitRows)
}

// ExportQuery prefers Postgres's native COPY ... TO STDOUT bulk path, which
// writes the delimited file directly without buffering the whole result
// set in the Go process (spec.md §4.2 "native bulk path").
func (a *Adapter) ExportQuery(ctx context.Context, querySQL, filePath, delimiter string) (int64, error) {
	var out, err = os.Create(filePath)
	if err != nil {
		return 0, errs.Export(filePath, err)
	}
	defer out.Close()

	var copySQL = fmt.Sprintf("COPY (%s) TO STDOUT WITH (FORMAT csv, DELIMITER '%s', NULL '')",
		strings.TrimSuffix(strings.TrimSpace(querySQL), ";"), delimiter)

	var rowCount, err2 = a.copyToFile(ctx, copySQL, out)
	if err2 != nil {
		return 0, errs.Export(filePath, err2)
	}
	return rowCount, nil
}

// copyToFile drives pq's CopyData protocol to stream COPY TO STDOUT output
// into w, counting newline-terminated records.
func (a *Adapter) copyToFile(ctx context.Context, copySQL string, w *os.File) (int64, error) {
	var rawConn, err = a.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer rawConn.Close()

	var rows, qerr = rawConn.QueryContext(ctx, copySQL)
	if qerr != nil {
		return 0, qerr
	}
	defer rows.Close()

	var bw = bufio.NewWriter(w)
	defer bw.Flush()

	var count int64
	var line string
	for rows.Next() {
		if err := rows.Scan(&line); err != nil {
			return count, err
		}
		if _, err := bw.WriteString(line); err != nil {
			return count, err
		}
		if !strings.HasSuffix(line, "\n") {
			bw.WriteByte('\n')
		}
		count++
	}
	return count, rows.Err()
}

// ImportFile bulk-loads a delimited file via pq.CopyIn, the driver's
// documented fast path for COPY FROM STDIN.
func (a *Adapter) ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error) {
	if err := a.GuardMutation("importFile"); err != nil {
		return 0, err
	}
	var f, err = os.Open(filePath)
	if err != nil {
		return 0, errs.Import(qualify(schemaName, table), err)
	}
	defer f.Close()

	var txn, terr = a.db.BeginTx(ctx, nil)
	if terr != nil {
		return 0, errs.Import(qualify(schemaName, table), terr)
	}

	var cols, cerr = a.Columns(ctx, schemaName, table)
	if cerr != nil {
		_ = txn.Rollback()
		return 0, errs.Import(qualify(schemaName, table), cerr)
	}

	var stmt, serr = txn.Prepare(pq.CopyInSchema(schemaName, table, cols.Names()...))
	if serr != nil {
		_ = txn.Rollback()
		return 0, errs.Import(qualify(schemaName, table), serr)
	}

	var scanner = bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	var count int64
	for scanner.Scan() {
		var fields = strings.Split(scanner.Text(), delimiter)
		var args = make([]interface{}, len(fields))
		for i, v := range fields {
			if v == "" {
				args[i] = nil
			} else {
				args[i] = v
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			_ = stmt.Close()
			_ = txn.Rollback()
			return count, errs.Import(qualify(schemaName, table), err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		_ = stmt.Close()
		_ = txn.Rollback()
		return count, errs.Import(qualify(schemaName, table), err)
	}
	if _, err := stmt.Exec(); err != nil {
		_ = stmt.Close()
		_ = txn.Rollback()
		return count, errs.Import(qualify(schemaName, table), err)
	}
	if err := stmt.Close(); err != nil {
		_ = txn.Rollback()
		return count, errs.Import(qualify(schemaName, table), err)
	}
	if err := txn.Commit(); err != nil {
		return count, errs.Import(qualify(schemaName, table), err)
	}
	return count, nil
}

func (a *Adapter) CreateSchema(ctx context.Context, name string) error {
	if err := a.GuardMutation("createSchema"); err != nil {
		return err
	}
	var _, err = a.db.ExecContext(ctx, generator.CreateSchemaStatement(name))
	return err
}

func (a *Adapter) CreateTableFromColumns(ctx context.Context, schemaName, table string, cols schema.Columns) error {
	if err := a.GuardMutation("createTableFromColumns"); err != nil {
		return err
	}
	var supported = cols.Supported()
	var _, err = a.db.ExecContext(ctx, generator.DropTableStatement(schemaName, table))
	if err != nil {
		return err
	}
	var ddl, gerr = generator.CreateTableStatement(schemaName, table, supported, false)
	if gerr != nil {
		return gerr
	}
	_, err = a.db.ExecContext(ctx, ddl)
	return err
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
	var _, err = a.db.ExecContext(ctx, generator.DropTableStatement(schemaName, table))
	return err
}

func (a *Adapter) Rename(ctx context.Context, schemaName, oldName, newName string) error {
	if err := a.GuardMutation("rename"); err != nil {
		return err
	}
	var _, err = a.db.ExecContext(ctx, generator.RenameStatement(schemaName, oldName, newName))
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
	if _, err := txn.ExecContext(ctx, generator.DropTableStatement(schemaName, from)); err != nil {
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

	var onClause []string
	var setClause []string
	var colNames []string
	var pkSet = map[string]bool{}
	for _, k := range primaryKey {
		pkSet[k] = true
	}
	for _, c := range cols {
		colNames = append(colNames, generator.Ident(c.Name))
		if pkSet[c.Name] {
			onClause = append(onClause, fmt.Sprintf("%s.%s = %s.%s", toQ, generator.Ident(c.Name), fromQ, generator.Ident(c.Name)))
		} else {
			setClause = append(setClause, fmt.Sprintf("%s = EXCLUDED.%s", generator.Ident(c.Name), generator.Ident(c.Name)))
		}
	}

	var pkCols []string
	for _, k := range primaryKey {
		pkCols = append(pkCols, generator.Ident(k))
	}

	var mergeSQL = fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s;",
		toQ, strings.Join(colNames, ", "), strings.Join(colNames, ", "), fromQ,
		strings.Join(pkCols, ", "), strings.Join(setClause, ", "))

	var txn, terr = a.db.BeginTx(ctx, nil)
	if terr != nil {
		return terr
	}
	if _, err := txn.ExecContext(ctx, mergeSQL); err != nil {
		_ = txn.Rollback()
		return err
	}
	if _, err := txn.ExecContext(ctx, generator.DropTableStatement(schemaName, from)); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

// SwitchTables performs the rename/rename/drop promotion sequence of
// spec.md §4.2, tolerating a brief reader-visible "table missing" window.
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
	var ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		log_time TIMESTAMP, project VARCHAR(128), project_started_at TIMESTAMP,
		source_table VARCHAR(128), target_table VARCHAR(128),
		started_at TIMESTAMP, ended_at TIMESTAMP, status VARCHAR(16),
		exported_rows BIGINT, imported_rows BIGINT
	);`, generator.QualifiedName(schemaName, table))
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
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = fields[c]
	}
	var insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		generator.QualifiedName(schemaName, table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	var _, err = a.db.ExecContext(ctx, insertSQL, args...)
	return err
}

func (a *Adapter) DefaultBatchSize() int64         { return 1_000_000 }
func (a *Adapter) MaxStageFileBytes() (int64, bool) { return 0, false }
func (a *Adapter) QuotedCSV() bool                  { return true }

func qualify(schemaName, table string) string {
	if schemaName == "" {
		return table
	}
	return schemaName + "." + table
}

func mapNativeType(native string) schema.LogicalType {
	switch strings.ToLower(native) {
	case "integer", "int", "int4", "int8", "bigint", "smallint", "int2", "serial", "bigserial":
		return schema.Integer
	case "real", "float4", "float8", "double precision":
		return schema.Float
	case "numeric", "decimal":
		return schema.Decimal
	case "boolean", "bool":
		return schema.Bool
	case "bytea":
		return schema.Bytes
	case "timestamp", "timestamptz", "timestamp without time zone", "timestamp with time zone":
		return schema.DateTime
	case "date":
		return schema.Date
	case "time", "timetz":
		return schema.Time
	case "uuid":
		return schema.UUID
	default:
		return schema.String
	}
}
