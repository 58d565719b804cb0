// Package sqlite implements the adapter.Adapter contract for SQLite,
// using github.com/mattn/go-sqlite3. Used by this package's end-to-end
// tests, and usable as any named source, target or logdb connection. No
// native bulk path: import/export always go through
// a plain cursor and batched single-transaction inserts. Grounded on
// materialize/sql/sqlgen.go's SQLiteSQLGenerator type mapping.
package sqlite

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
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var generator = sqlgen.Generator{
	QuoteIdentifier: func(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` },
	Types: sqlgen.ByLogicalType{
		schema.Integer:  sqlgen.ConstType("INTEGER"),
		schema.Float:    sqlgen.ConstType("REAL"),
		schema.Decimal:  sqlgen.ConstType("NUMERIC"),
		schema.Bool:     sqlgen.ConstType("INTEGER"),
		schema.Bytes:    sqlgen.ConstType("BLOB"),
		schema.DateTime: sqlgen.ConstType("TEXT"),
		schema.Date:     sqlgen.ConstType("TEXT"),
		schema.Time:     sqlgen.ConstType("TEXT"),
		schema.UUID:     sqlgen.ConstType("TEXT"),
		schema.String:   sqlgen.ConstType("TEXT"),
	},
}

type Adapter struct {
	adapter.Base
	db *sql.DB
}

// New constructs a sqlite Adapter. conn.Database is treated as a filesystem
// path; ":memory:" is valid for tests.
func New(conn adapter.Connection, log *logrus.Entry) *Adapter {
	return &Adapter{Base: adapter.NewBase(conn, log)}
}

func (a *Adapter) Connect(ctx context.Context) error {
	var db, err = sql.Open("sqlite3", a.Conn.Database)
	if err != nil {
		return errs.Connect(a.Conn.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return errs.Connect(a.Conn.Name, err)
	}
	if a.Conn.Database == ":memory:" {
		// Each new connection to ":memory:" opens its own empty database.
		db.SetMaxOpenConns(1)
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
	return []string{"main"}, nil
}

func (a *Adapter) Tables(ctx context.Context, schemaName string) ([]string, error) {
	var rows, err = a.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' ORDER BY 1;`)
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
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?;`, table).Scan(&n)
	if err != nil {
		return false, errs.Catalog(qualify(schemaName, table), err)
	}
	return n > 0, nil
}

func (a *Adapter) Columns(ctx context.Context, schemaName, table string) (schema.Columns, error) {
	var rows, err = a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", generator.Ident(table)))
	if err != nil {
		return nil, errs.Catalog(qualify(schemaName, table), err)
	}
	defer rows.Close()

	var cols schema.Columns
	for rows.Next() {
		var cid int
		var name, declType string
		var notNull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, errs.Catalog(qualify(schemaName, table), err)
		}
		cols = append(cols, schema.Column{Ordinal: cid + 1, Name: name, Type: mapNativeType(declType)})
	}
	return cols, rows.Err()
}

func (a *Adapter) QueryColumns(ctx context.Context, querySQL string) (schema.Columns, error) {
	var rows, err = a.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM (%s) LIMIT 1;",
		strings.TrimSuffix(strings.TrimSpace(querySQL), ";")))
	if err != nil {
		return nil, errs.Catalog("", err)
	}
	defer rows.Close()
	var names, nerr = rows.Columns()
	if nerr != nil {
		return nil, errs.Catalog("", nerr)
	}
	var types, terr = rows.ColumnTypes()
	if terr != nil {
		return nil, errs.Catalog("", terr)
	}
	var cols schema.Columns
	for i, n := range names {
		cols = append(cols, schema.Column{Ordinal: i + 1, Name: n, Type: mapNativeType(types[i].DatabaseTypeName())})
	}
	return cols, nil
}

func (a *Adapter) RemoveUnsupportedColumns(cols schema.Columns) schema.Columns {
	return cols
}

func (a *Adapter) GenerateExportSQL(cols schema.Columns, schemaName, table string, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string {
	var where = sqlgen.CombineWhere(replicationWhere, staticWhere, partitionWhere)
	return generator.SelectStatement(schemaName, table, cols, where, limitRows)
}

func (a *Adapter) ExportQuery(ctx context.Context, querySQL, filePath, delimiter string) (int64, error) {
	var rows, err = a.db.QueryContext(ctx, querySQL)
	if err != nil {
		return 0, errs.Export(filePath, err)
	}
	defer rows.Close()

	var colNames, cerr = rows.Columns()
	if cerr != nil {
		return 0, errs.Export(filePath, cerr)
	}

	var out, oerr = os.Create(filePath)
	if oerr != nil {
		return 0, errs.Export(filePath, oerr)
	}
	defer out.Close()
	var w = bufio.NewWriter(out)
	defer w.Flush()

	var vals = make([]interface{}, len(colNames))
	var ptrs = make([]interface{}, len(colNames))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var count int64
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return count, errs.Export(filePath, err)
		}
		var fields = make([]string, len(vals))
		for i, v := range vals {
			if v == nil {
				fields[i] = ""
			} else if b, ok := v.([]byte); ok {
				fields[i] = string(b)
			} else {
				fields[i] = fmt.Sprint(v)
			}
		}
		if _, err := w.WriteString(strings.Join(fields, delimiter) + "\n"); err != nil {
			return count, errs.Export(filePath, err)
		}
		count++
	}
	return count, rows.Err()
}

// ImportFile inserts every row of filePath in one transaction, since sqlite
// has no native bulk loader (spec.md §4.2's cursor-fallback path).
func (a *Adapter) ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error) {
	if err := a.GuardMutation("importFile"); err != nil {
		return 0, err
	}
	var cols, err = a.Columns(ctx, schemaName, table)
	if err != nil {
		return 0, errs.Import(qualify(schemaName, table), err)
	}

	var f, ferr = os.Open(filePath)
	if ferr != nil {
		return 0, errs.Import(qualify(schemaName, table), ferr)
	}
	defer f.Close()

	var txn, terr = a.db.BeginTx(ctx, nil)
	if terr != nil {
		return 0, errs.Import(qualify(schemaName, table), terr)
	}

	var placeholders = make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	var insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		generator.Ident(table), strings.Join(cols.Names(), ", "), strings.Join(placeholders, ", "))
	var stmt, serr = txn.PrepareContext(ctx, insertSQL)
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
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
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
	return nil // sqlite has a single implicit "main" schema
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

func (a *Adapter) Truncate(ctx context.Context, schemaName, table string) error {
	if err := a.GuardMutation("truncate"); err != nil {
		return err
	}
	var _, err = a.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s;", generator.Ident(table)))
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
	var _, err = a.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s;", generator.Ident(oldName), generator.Ident(newName)))
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
	if _, err := txn.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s;", generator.Ident(to), generator.Ident(from))); err != nil {
		_ = txn.Rollback()
		return err
	}
	if _, err := txn.ExecContext(ctx, generator.DropTableStatement(schemaName, from)); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

// MergeFromAndDrop emulates MERGE with INSERT ... ON CONFLICT, sqlite's
// upsert idiom, since sqlite has no native MERGE statement.
func (a *Adapter) MergeFromAndDrop(ctx context.Context, schemaName, to, from string, primaryKey schema.PrimaryKey) error {
	if err := a.GuardMutation("mergeFromAndDrop"); err != nil {
		return err
	}
	var cols, err = a.Columns(ctx, schemaName, to)
	if err != nil {
		return err
	}
	var pkSet = map[string]bool{}
	for _, k := range primaryKey {
		pkSet[k] = true
	}
	var setClause []string
	for _, c := range cols {
		if !pkSet[c.Name] {
			setClause = append(setClause, fmt.Sprintf("%s = excluded.%s", generator.Ident(c.Name), generator.Ident(c.Name)))
		}
	}
	var pkCols []string
	for _, k := range primaryKey {
		pkCols = append(pkCols, generator.Ident(k))
	}

	var mergeSQL = fmt.Sprintf(
		"INSERT INTO %s SELECT * FROM %s WHERE true ON CONFLICT (%s) DO UPDATE SET %s;",
		generator.Ident(to), generator.Ident(from), strings.Join(pkCols, ", "), strings.Join(setClause, ", "))

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
	var row = a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s;", generator.Ident(col), generator.Ident(table)))
	var val sql.NullString
	if err := row.Scan(&val); err != nil {
		return "", errs.Catalog(qualify(schemaName, table), err)
	}
	return val.String, nil
}

func (a *Adapter) GetMinMaxBatch(ctx context.Context, schemaName, table, col string, batchSize int64) (int64, int64, int64, error) {
	var lo, hi, count sql.NullInt64
	var row = a.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MIN(%[1]s), MAX(%[1]s), COUNT(*) FROM %[2]s;", generator.Ident(col), generator.Ident(table)))
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
	var ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		log_time TEXT, project TEXT, project_started_at TEXT,
		source_table TEXT, target_table TEXT,
		started_at TEXT, ended_at TEXT, status TEXT,
		exported_rows INTEGER, imported_rows INTEGER
	);`, generator.Ident(table))
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
		placeholders[i] = "?"
		args[i] = fields[c]
	}
	var insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		generator.Ident(table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	var _, err = a.db.ExecContext(ctx, insertSQL, args...)
	return err
}

func (a *Adapter) DefaultBatchSize() int64          { return 100_000 }
func (a *Adapter) MaxStageFileBytes() (int64, bool) { return 0, false }
func (a *Adapter) QuotedCSV() bool                  { return false }

func qualify(schemaName, table string) string { return table }

func mapNativeType(native string) schema.LogicalType {
	switch strings.ToUpper(native) {
	case "INTEGER", "INT":
		return schema.Integer
	case "REAL", "DOUBLE", "FLOAT":
		return schema.Float
	case "NUMERIC", "DECIMAL":
		return schema.Decimal
	case "BLOB":
		return schema.Bytes
	default:
		return schema.String
	}
}
