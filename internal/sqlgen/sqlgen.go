// Package sqlgen generates the CREATE TABLE / SELECT / WHERE fragments
// shared by every dialect adapter, so dialect packages only need to supply
// a TypeMapper and an identifier quoting style. Grounded on
// materialize/sql/sqlgen.go and materialize/sql/std_endpoint.go from the
// teacher repository, adapted from Flow's JSON-document column model to
// this spec's closed logical-type set (internal/schema.LogicalType).
package sqlgen

import (
	"fmt"
	"strings"

	"github.com/eneel-project/eneel/internal/schema"
)

// ResolvedType is the result of mapping a schema.Column to dialect DDL.
type ResolvedType struct {
	SQL string
}

// TypeMapper resolves a schema.Column to dialect-specific DDL, e.g. all
// "integer" columns might resolve to "BIGINT". Implementations compose via
// the decorator types below, mirroring the teacher's pattern.
type TypeMapper interface {
	GetColumnType(col *schema.Column) (ResolvedType, error)
}

// ConstType always resolves to the same SQL string, regardless of column.
type ConstType string

func (c ConstType) GetColumnType(*schema.Column) (ResolvedType, error) {
	return ResolvedType{SQL: string(c)}, nil
}

// LengthPlaceholder is substituted with CharMaxLen in LengthConstrainedType.
const LengthPlaceholder = "?"

// LengthConstrainedType is a TypeMapper whose SQL always needs a length
// argument, e.g. "VARCHAR(?)".
type LengthConstrainedType string

func (c LengthConstrainedType) GetColumnType(col *schema.Column) (ResolvedType, error) {
	if col.CharMaxLen == nil {
		return ResolvedType{}, fmt.Errorf("column %q requires a max length but none is set", col.Name)
	}
	return ResolvedType{SQL: strings.Replace(string(c), LengthPlaceholder, fmt.Sprint(*col.CharMaxLen), 1)}, nil
}

// MaxLengthableType picks WithLength when the column carries a CharMaxLen,
// and WithoutLength otherwise (e.g. postgres TEXT has no length argument,
// but sqlserver prefers NVARCHAR(n) when a length is known).
type MaxLengthableType struct {
	WithoutLength TypeMapper
	WithLength    TypeMapper
}

func (c MaxLengthableType) GetColumnType(col *schema.Column) (ResolvedType, error) {
	if col.CharMaxLen != nil && *col.CharMaxLen > 0 && c.WithLength != nil {
		return c.WithLength.GetColumnType(col)
	}
	if c.WithoutLength != nil {
		return c.WithoutLength.GetColumnType(col)
	}
	return ResolvedType{}, fmt.Errorf("column %q has no usable type mapping", col.Name)
}

// DecimalType renders NUMERIC(precision, scale), falling back to a bare
// NUMERIC when precision/scale aren't known.
type DecimalType string

func (c DecimalType) GetColumnType(col *schema.Column) (ResolvedType, error) {
	if col.NumPrecision != nil && col.NumScale != nil {
		return ResolvedType{SQL: fmt.Sprintf("%s(%d,%d)", c, *col.NumPrecision, *col.NumScale)}, nil
	}
	return ResolvedType{SQL: string(c)}, nil
}

// ByLogicalType dispatches on schema.Column.Type.
type ByLogicalType map[schema.LogicalType]TypeMapper

func (m ByLogicalType) GetColumnType(col *schema.Column) (ResolvedType, error) {
	var mapper, ok = m[col.Type]
	if !ok {
		return ResolvedType{}, fmt.Errorf("unsupported logical type %q", col.Type)
	}
	return mapper.GetColumnType(col)
}

// Generator holds everything a dialect needs to render SQL text: how
// identifiers are quoted, and how logical types map to DDL.
type Generator struct {
	// QuoteIdentifier wraps a bare identifier (table/column name) in the
	// dialect's quoting style, e.g. `"%s"` for postgres, "[%s]" for sqlserver.
	QuoteIdentifier func(string) string
	Types           TypeMapper
}

// Ident renders a quoted identifier.
func (g Generator) Ident(name string) string {
	return g.QuoteIdentifier(name)
}

// QualifiedName renders "schema"."table" (or dialect equivalent).
func (g Generator) QualifiedName(schemaName, table string) string {
	if schemaName == "" {
		return g.Ident(table)
	}
	return g.Ident(schemaName) + "." + g.Ident(table)
}

// CombineWhere AND-joins any non-empty clauses, parenthesizing each, per
// spec.md §4.2's "combined WHERE" requirement (replication_where AND
// static_where_clause AND partition_where). Returns "" if all clauses are
// empty, in which case the caller omits the WHERE keyword entirely.
func CombineWhere(clauses ...string) string {
	var parts = make([]string, 0, len(clauses))
	for _, c := range clauses {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, "("+c+")")
		}
	}
	return strings.Join(parts, " AND ")
}

// SelectStatement renders "SELECT col, col, ... FROM schema.table [WHERE
// ...] [LIMIT n]". limit <= 0 omits the LIMIT clause.
func (g Generator) SelectStatement(schemaName, table string, cols schema.Columns, where string, limit int64) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(g.Ident(c.Name))
	}
	b.WriteString(" FROM ")
	b.WriteString(g.QualifiedName(schemaName, table))
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}
	b.WriteString(";")
	return b.String()
}

// CreateTableStatement renders a single CREATE TABLE statement for the
// given table, mapping every column's logical type via the Generator's
// TypeMapper. It does not drop an existing table; callers that need that
// issue DropTableStatement first. Column order matches cols (spec.md §3 invariant).
func (g Generator) CreateTableStatement(schemaName, table string, cols schema.Columns, ifNotExists bool) (string, error) {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if ifNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(g.QualifiedName(schemaName, table))
	b.WriteString(" (\n")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(",\n")
		}
		var resolved, err = g.Types.GetColumnType(&c)
		if err != nil {
			return "", fmt.Errorf("column %q: %w", c.Name, err)
		}
		b.WriteString("\t")
		b.WriteString(g.Ident(c.Name))
		b.WriteString(" ")
		b.WriteString(resolved.SQL)
	}
	b.WriteString("\n);")
	return b.String(), nil
}

// DropTableStatement renders a DROP TABLE IF EXISTS.
func (g Generator) DropTableStatement(schemaName, table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s;", g.QualifiedName(schemaName, table))
}

// TruncateStatement renders a TRUNCATE TABLE.
func (g Generator) TruncateStatement(schemaName, table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s;", g.QualifiedName(schemaName, table))
}

// RenameStatement renders an ANSI-ish RENAME TO. Dialects whose syntax
// differs (sqlserver's sp_rename) override this in their own package.
func (g Generator) RenameStatement(schemaName, oldName, newName string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s;", g.QualifiedName(schemaName, oldName), g.Ident(newName))
}

// InsertSelectStatement renders "INSERT INTO to SELECT * FROM from;".
func (g Generator) InsertSelectStatement(schemaName, to, from string) string {
	return fmt.Sprintf("INSERT INTO %s SELECT * FROM %s;", g.QualifiedName(schemaName, to), g.QualifiedName(schemaName, from))
}

// CreateSchemaStatement renders an idempotent CREATE SCHEMA.
func (g Generator) CreateSchemaStatement(schemaName string) string {
	return fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", g.Ident(schemaName))
}
