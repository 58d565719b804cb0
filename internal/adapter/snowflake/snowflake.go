// Package snowflake implements the adapter.Adapter contract for Snowflake,
// using github.com/snowflakedb/gosnowflake for the driver and an external
// GCS stage for the bulk PUT/COPY path (spec.md §4.2 "dual export path",
// §9 "Snowflake PUT/COPY"). The lazy storage-client pattern below is
// grounded on go/flow/builds.go's own sync.Once-guarded GCS client.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/errs"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/eneel-project/eneel/internal/sqlgen"
	sf "github.com/snowflakedb/gosnowflake"
	"github.com/sirupsen/logrus"
)

var generator = sqlgen.Generator{
	QuoteIdentifier: func(s string) string { return `"` + strings.ToUpper(s) + `"` },
	Types: sqlgen.ByLogicalType{
		schema.Integer:  sqlgen.ConstType("NUMBER(38,0)"),
		schema.Float:    sqlgen.ConstType("FLOAT"),
		schema.Decimal:  sqlgen.DecimalType("NUMBER"),
		schema.Bool:     sqlgen.ConstType("BOOLEAN"),
		schema.Bytes:    sqlgen.ConstType("BINARY"),
		schema.DateTime: sqlgen.ConstType("TIMESTAMP_NTZ"),
		schema.Date:     sqlgen.ConstType("DATE"),
		schema.Time:     sqlgen.ConstType("TIME"),
		schema.UUID:     sqlgen.ConstType("VARCHAR(36)"),
		schema.String: sqlgen.MaxLengthableType{
			WithoutLength: sqlgen.ConstType("VARCHAR"),
			WithLength:    sqlgen.LengthConstrainedType("VARCHAR(?)"),
		},
	},
}

type Adapter struct {
	adapter.Base
	db *sql.DB

	gcsOnce   sync.Once
	gcsClient *storage.Client
	gcsErr    error
}

func New(conn adapter.Connection, log *logrus.Entry) *Adapter {
	return &Adapter{Base: adapter.NewBase(conn, log)}
}

func (a *Adapter) dsn() (string, error) {
	var cfg = &sf.Config{
		Account:   a.Conn.Extra["account"],
		User:      a.Conn.User,
		Password:  a.Conn.Password,
		Database:  a.Conn.Database,
		Schema:    a.Conn.Extra["schema"],
		Warehouse: a.Conn.Extra["warehouse"],
		Role:      a.Conn.Extra["role"],
	}
	return sf.DSN(cfg)
}

func (a *Adapter) Connect(ctx context.Context) error {
	var dsn, derr = a.dsn()
	if derr != nil {
		return errs.Connect(a.Conn.Name, derr)
	}
	var db, err = sql.Open("snowflake", dsn)
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
	if a.gcsClient != nil {
		_ = a.gcsClient.Close()
	}
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// storageClient lazily builds the GCS client used to stage delimited files
// ahead of COPY INTO, mirroring go/flow/builds.go's sync.Once client init.
func (a *Adapter) storageClient(ctx context.Context) (*storage.Client, error) {
	a.gcsOnce.Do(func() {
		a.gcsClient, a.gcsErr = storage.NewClient(ctx)
	})
	return a.gcsClient, a.gcsErr
}

func (a *Adapter) Schemas(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, a.db, a.Conn.Name, `SELECT schema_name FROM information_schema.schemata ORDER BY 1;`)
}

func (a *Adapter) Tables(ctx context.Context, schemaName string) ([]string, error) {
	var rows, err = a.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = ? ORDER BY 1;`, strings.ToUpper(schemaName))
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
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?;`,
		strings.ToUpper(schemaName), strings.ToUpper(table)).Scan(&n)
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
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position;`, strings.ToUpper(schemaName), strings.ToUpper(table))
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
		"SELECT * FROM (%s) LIMIT 1;", strings.TrimSuffix(strings.TrimSpace(querySQL), ";")))
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
	return cols // Snowflake's VARCHAR has no practical width limit worth enforcing.
}

func (a *Adapter) GenerateExportSQL(cols schema.Columns, schemaName, table string, replicationWhere, staticWhere, partitionWhere string, limitRows int64) string {
	var where = sqlgen.CombineWhere(replicationWhere, staticWhere, partitionWhere)
	return generator.SelectStatement(schemaName, table, cols, where, limitRows)
}

// ExportQuery runs querySQL and writes the delimited file locally with the
// plain database/sql cursor; Snowflake's own bulk path only exists on the
// import side (COPY INTO from a stage), so export always takes the cursor
// fallback regardless of dialect.
func (a *Adapter) ExportQuery(ctx context.Context, querySQL, filePath, delimiter string) (int64, error) {
	var rows, err = a.db.QueryContext(ctx, querySQL)
	if err != nil {
		return 0, errs.Export(filePath, err)
	}
	defer rows.Close()

	var cols, cerr = rows.Columns()
	if cerr != nil {
		return 0, errs.Export(filePath, cerr)
	}

	var out, oerr = os.Create(filePath)
	if oerr != nil {
		return 0, errs.Export(filePath, oerr)
	}
	defer out.Close()

	var vals = make([]interface{}, len(cols))
	var ptrs = make([]interface{}, len(cols))
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
			} else {
				fields[i] = fmt.Sprint(v)
			}
		}
		if _, err := out.WriteString(strings.Join(fields, delimiter) + "\n"); err != nil {
			return count, errs.Export(filePath, err)
		}
		count++
	}
	return count, rows.Err()
}

// ImportFile uploads filePath to the connection's configured GCS stage
// bucket, then issues COPY INTO from the external stage, per spec.md §9.
func (a *Adapter) ImportFile(ctx context.Context, schemaName, table, filePath, delimiter string) (int64, error) {
	if err := a.GuardMutation("importFile"); err != nil {
		return 0, err
	}
	var bucket = a.Conn.Extra["gcs_stage_bucket"]
	if bucket == "" {
		return 0, errs.Import(qualify(schemaName, table), fmt.Errorf("gcs_stage_bucket not configured"))
	}
	var objectName = fmt.Sprintf("eneel-stage/%s/%s", qualify(schemaName, table), filepathBase(filePath))

	var client, cerr = a.storageClient(ctx)
	if cerr != nil {
		return 0, errs.Import(qualify(schemaName, table), cerr)
	}

	var f, ferr = os.Open(filePath)
	if ferr != nil {
		return 0, errs.Import(qualify(schemaName, table), ferr)
	}
	defer f.Close()

	var writer = client.Bucket(bucket).Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(writer, f); err != nil {
		_ = writer.Close()
		return 0, errs.Import(qualify(schemaName, table), err)
	}
	if err := writer.Close(); err != nil {
		return 0, errs.Import(qualify(schemaName, table), err)
	}
	defer func() {
		_ = client.Bucket(bucket).Object(objectName).Delete(ctx)
	}()

	var stageURL = fmt.Sprintf("gcs://%s/%s", bucket, objectName)
	var copySQL = fmt.Sprintf(
		`COPY INTO %s FROM '%s' FILE_FORMAT = (TYPE = CSV FIELD_DELIMITER = '%s' NULL_IF = (''))
STORAGE_INTEGRATION = %s ON_ERROR = 'ABORT_STATEMENT';`,
		generator.QualifiedName(schemaName, table), stageURL, delimiter, a.Conn.Extra["storage_integration"])

	var result, err = a.db.ExecContext(ctx, copySQL)
	if err != nil {
		return 0, errs.Import(qualify(schemaName, table), err)
	}
	var n, _ = result.RowsAffected()
	return n, nil
}

func filepathBase(p string) string {
	var idx = strings.LastIndexByte(p, '/')
	if idx < 0 {
		return p
	}
	return p[idx+1:]
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
	var _, err = a.db.ExecContext(ctx, generator.InsertSelectStatement(schemaName, to, from))
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, generator.DropTableStatement(schemaName, from))
	return err
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

	var mergeSQL = fmt.Sprintf(`MERGE INTO %s tgt USING %s src ON %s
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);`,
		toQ, fromQ, strings.Join(onClause, " AND "), strings.Join(updateSet, ", "),
		strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))

	if _, err := a.db.ExecContext(ctx, mergeSQL); err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, generator.DropTableStatement(schemaName, from))
	return err
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
	var ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		log_time TIMESTAMP_NTZ, project VARCHAR(128), project_started_at TIMESTAMP_NTZ,
		source_table VARCHAR(128), target_table VARCHAR(128),
		started_at TIMESTAMP_NTZ, ended_at TIMESTAMP_NTZ, status VARCHAR(16),
		exported_rows NUMBER(38,0), imported_rows NUMBER(38,0)
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
		placeholders[i] = "?"
		args[i] = fields[c]
	}
	var insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		generator.QualifiedName(schemaName, table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	var _, err = a.db.ExecContext(ctx, insertSQL, args...)
	return err
}

func (a *Adapter) DefaultBatchSize() int64          { return 10_000_000 }
func (a *Adapter) MaxStageFileBytes() (int64, bool) { return 5 * 1024 * 1024 * 1024, true }
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
	switch strings.ToUpper(native) {
	case "FIXED", "NUMBER":
		return schema.Decimal
	case "REAL", "FLOAT", "DOUBLE":
		return schema.Float
	case "BOOLEAN":
		return schema.Bool
	case "BINARY":
		return schema.Bytes
	case "DATE":
		return schema.Date
	case "TIME":
		return schema.Time
	case "TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ", "TIMESTAMP":
		return schema.DateTime
	default:
		return schema.String
	}
}
