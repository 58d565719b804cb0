// Package oracle implements the adapter.Adapter contract for Oracle,
// using github.com/godror/godror for the driver and a sqlplus spool script
// for the bulk export path, per spec.md §9's external-bulk-loader note.
// Grounded on materialize/sql/sqlgen.go's LengthConstrainedColumnType,
// whose "?"-placeholder substitution this package reuses for VARCHAR2(n).
package oracle

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/errs"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/eneel-project/eneel/internal/sqlgen"
	_ "github.com/godror/godror"
	"github.com/sirupsen/logrus"
)

var generator = sqlgen.Generator{
	QuoteIdentifier: func(s string) string { return `"` + strings.ToUpper(s) + `"` },
	Types: sqlgen.ByLogicalType{
		schema.Integer:  sqlgen.ConstType("NUMBER(19)"),
		schema.Float:    sqlgen.ConstType("BINARY_DOUBLE"),
		schema.Decimal:  sqlgen.DecimalType("NUMBER"),
		schema.Bool:     sqlgen.ConstType("NUMBER(1)"),
		schema.Bytes:    sqlgen.ConstType("BLOB"),
		schema.DateTime: sqlgen.ConstType("TIMESTAMP"),
		schema.Date:     sqlgen.ConstType("DATE"),
		schema.Time:     sqlgen.ConstType("TIMESTAMP"),
		schema.UUID:     sqlgen.ConstType("VARCHAR2(36)"),
		schema.String: sqlgen.MaxLengthableType{
			WithoutLength: sqlgen.ConstType("CLOB"),
			WithLength:    sqlgen.LengthConstrainedType("VARCHAR2(?)"),
		},
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
	var service = a.Conn.Extra["service_name"]
	if service == "" {
		service = a.Conn.Database
	}
	return fmt.Sprintf(`user="%s" password="%s" connectString="%s:%d/%s"`,
		a.Conn.User, a.Conn.Password, a.Conn.Host, a.Conn.Port, service)
}

func (a *Adapter) Connect(ctx context.Context) error {
	var db, err = sql.Open("godror", a.dsn())
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
	return queryStrings(ctx, a.db, a.Conn.Name, `SELECT username FROM all_users ORDER BY 1;`)
}

func (a *Adapter) Tables(ctx context.Context, schemaName string) ([]string, error) {
	var rows, err = a.db.QueryContext(ctx,
		`SELECT table_name FROM all_tables WHERE owner = :1 ORDER BY 1;`, strings.ToUpper(schemaName))
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
		`SELECT COUNT(*) FROM all_tables WHERE owner = :1 AND table_name = :2;`,
		strings.ToUpper(schemaName), strings.ToUpper(table)).Scan(&n)
	if err != nil {
		return false, errs.Catalog(qualify(schemaName, table), err)
	}
	return n > 0, nil
}

func (a *Adapter) Columns(ctx context.Context, schemaName, table string) (schema.Columns, error) {
	var rows, err = a.db.QueryContext(ctx, `
		SELECT column_id, column_name, data_type, char_length, data_precision, data_scale
		FROM all_tab_columns
		WHERE owner = :1 AND table_name = :2
		ORDER BY column_id;`, strings.ToUpper(schemaName), strings.ToUpper(table))
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
	var rows, err = a.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT * FROM (%s) eneel_probe WHERE ROWNUM <= 1", strings.TrimSuffix(strings.TrimSpace(querySQL), ";")))
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
			c.UnsupportedReason = fmt.Sprintf("varchar2 column wider than %d chars", maxInlineStringLen)
		}
		out[i] = c
	}
	return out
}

func (a *Adapter) GenerateExportSQL(cols schema.Columns, schemaName, table string, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string {
	var where = sqlgen.CombineWhere(replicationWhere, staticWhere, partitionWhere)
	if limitRows > 0 {
		var rowLimit = fmt.Sprintf("ROWNUM <= %d", limitRows)
		where = sqlgen.CombineWhere(where, rowLimit)
	}
	return generator.SelectStatement(schemaName, table, cols, where, 0)
}

// ExportQuery spools the query via sqlplus, Oracle's most portable bulk
// path (spec.md §9 "external bulk loaders"); godror's array-fetch cursor
// is used only by QueryColumns' one-row probe above.
func (a *Adapter) ExportQuery(ctx context.Context, querySQL, filePath, delimiter string) (int64, error) {
	var script = fmt.Sprintf(`SET PAGESIZE 0
SET FEEDBACK OFF
SET HEADING OFF
SET TRIMSPOOL ON
SET COLSEP '%s'
SET LINESIZE 32767
SPOOL %s
%s
SPOOL OFF
EXIT
`, delimiter, filePath, strings.TrimSuffix(strings.TrimSpace(querySQL), ";")+";")

	var cmd = exec.CommandContext(ctx, "sqlplus", "-S", a.connectIdentifier())
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, errs.Export(filePath, fmt.Errorf("sqlplus spool: %w: %s", err, stderr.String()))
	}
	return countLines(filePath)
}

func (a *Adapter) connectIdentifier() string {
	var service = a.Conn.Extra["service_name"]
	if service == "" {
		service = a.Conn.Database
	}
	return fmt.Sprintf("%s/%s@%s:%d/%s", a.Conn.User, a.Conn.Password, a.Conn.Host, a.Conn.Port, service)
}

func countLines(filePath string) (int64, error) {
	var f, err = os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var count int64
	var buf = make([]byte, 64*1024)
	for {
		var n, rerr = f.Read(buf)
		for i := 0; i < n; i++ {
			if buf[i] == '\n' {
				count++
			}
		}
		if rerr != nil {
			break
		}
	}
	return count, nil
}

// ImportFile loads via SQL*Loader's conventional path by staging a control
// file alongside the data, then invoking sqlldr.
func (a *Adapter) ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error) {
	if err := a.GuardMutation("importFile"); err != nil {
		return 0, err
	}
	var cols, err = a.Columns(ctx, schemaName, table)
	if err != nil {
		return 0, errs.Import(qualify(schemaName, table), err)
	}
	var ctl = filePath + ".ctl"
	var log = filePath + ".log"
	var ctlBody = fmt.Sprintf(`LOAD DATA
INFILE '%s'
INTO TABLE %s
FIELDS TERMINATED BY '%s' OPTIONALLY ENCLOSED BY '"'
TRAILING NULLCOLS
(%s)
`, filePath, qualify(schemaName, table), delimiter, strings.Join(cols.Names(), ", "))
	if werr := os.WriteFile(ctl, []byte(ctlBody), 0o644); werr != nil {
		return 0, errs.Import(qualify(schemaName, table), werr)
	}
	defer os.Remove(ctl)
	defer os.Remove(log)

	var cmd = exec.CommandContext(ctx, "sqlldr", a.connectIdentifier(), "control="+ctl, "log="+log, "errors=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		return 0, errs.Import(qualify(schemaName, table), fmt.Errorf("sqlldr: %w: %s", runErr, stderr.String()))
	}
	return countLines(filePath)
}

func (a *Adapter) CreateSchema(ctx context.Context, name string) error {
	return nil // Oracle schemas are created by a DBA action (CREATE USER); nothing to do here.
}

func (a *Adapter) CreateTableFromColumns(ctx context.Context, schemaName, table string, cols schema.Columns) error {
	if err := a.GuardMutation("createTableFromColumns"); err != nil {
		return err
	}
	_ = a.Drop(ctx, schemaName, table)
	var ddl, gerr = generator.CreateTableStatement(schemaName, table, cols.Supported(), false)
	if gerr != nil {
		return gerr
	}
	var _, err = a.db.ExecContext(ctx, ddl)
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
	var exists, err = a.TableExists(ctx, schemaName, table)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = a.db.ExecContext(ctx, generator.DropTableStatement(schemaName, table))
	return err
}

func (a *Adapter) Rename(ctx context.Context, schemaName, oldName, newName string) error {
	if err := a.GuardMutation("rename"); err != nil {
		return err
	}
	var _, err = a.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s;",
		generator.QualifiedName(schemaName, oldName), generator.Ident(newName)))
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

	var mergeSQL = fmt.Sprintf(`MERGE INTO %s tgt USING %s src ON (%s)
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)`,
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
	if _, err := txn.ExecContext(ctx, generator.DropTableStatement(schemaName, from)); err != nil {
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
	var exists, err = a.TableExists(ctx, schemaName, table)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	var ddl = fmt.Sprintf(`CREATE TABLE %s (
		log_time TIMESTAMP, project VARCHAR2(128), project_started_at TIMESTAMP,
		source_table VARCHAR2(128), target_table VARCHAR2(128),
		started_at TIMESTAMP, ended_at TIMESTAMP, status VARCHAR2(16),
		exported_rows NUMBER(19), imported_rows NUMBER(19)
	)`, generator.QualifiedName(schemaName, table))
	_, err = a.db.ExecContext(ctx, ddl)
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
		placeholders[i] = fmt.Sprintf(":%d", i+1)
		args[i] = fields[c]
	}
	var insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		generator.QualifiedName(schemaName, table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	var _, err = a.db.ExecContext(ctx, insertSQL, args...)
	return err
}

func (a *Adapter) DefaultBatchSize() int64          { return 500_000 }
func (a *Adapter) MaxStageFileBytes() (int64, bool) { return 0, false }
func (a *Adapter) QuotedCSV() bool                  { return true }

func qualify(schemaName, table string) string {
	if schemaName == "" {
		return strings.ToUpper(table)
	}
	return strings.ToUpper(schemaName) + "." + strings.ToUpper(table)
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
	switch strings.ToUpper(native) {
	case "NUMBER":
		return schema.Decimal
	case "BINARY_DOUBLE", "BINARY_FLOAT", "FLOAT":
		return schema.Float
	case "BLOB", "RAW", "LONG RAW":
		return schema.Bytes
	case "DATE":
		return schema.Date
	case "TIMESTAMP":
		return schema.DateTime
	default:
		return schema.String
	}
}
