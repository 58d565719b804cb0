package sqlgen

import (
	"strings"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/stretchr/testify/require"
)

func testColumns() schema.Columns {
	var charLen int64 = 64
	var prec, scale int32 = 12, 2
	return schema.Columns{
		{Ordinal: 1, Name: "id", Type: schema.Integer},
		{Ordinal: 2, Name: "name", Type: schema.String, CharMaxLen: &charLen},
		{Ordinal: 3, Name: "amount", Type: schema.Decimal, NumPrecision: &prec, NumScale: &scale},
		{Ordinal: 4, Name: "created_at", Type: schema.DateTime},
	}
}

func testGenerator() Generator {
	return Generator{
		QuoteIdentifier: func(s string) string { return `"` + s + `"` },
		Types: ByLogicalType{
			schema.Integer:  ConstType("BIGINT"),
			schema.Decimal:  DecimalType("NUMERIC"),
			schema.DateTime: ConstType("TIMESTAMP"),
			schema.String: MaxLengthableType{
				WithoutLength: ConstType("TEXT"),
				WithLength:    LengthConstrainedType("VARCHAR(?)"),
			},
		},
	}
}

func TestGeneratorStatements(t *testing.T) {
	var gen = testGenerator()
	var cols = testColumns()

	var createTable, err = gen.CreateTableStatement("public", "widgets", cols, false)
	require.NoError(t, err)

	var selectAll = gen.SelectStatement("public", "widgets", cols, "", 0)
	var selectWhere = gen.SelectStatement("public", "widgets", cols, CombineWhere("id > 10", "name <> ''"), 100)
	var dropTable = gen.DropTableStatement("public", "widgets")
	var truncate = gen.TruncateStatement("public", "widgets")
	var rename = gen.RenameStatement("public", "widgets", "widgets_old")
	var insertSelect = gen.InsertSelectStatement("public", "widgets", "widgets_shadow")
	var createSchema = gen.CreateSchemaStatement("public")

	var all = strings.Join([]string{
		createTable, selectAll, selectWhere, dropTable, truncate, rename, insertSelect, createSchema,
	}, "\n\n")
	cupaloy.SnapshotT(t, all)
}

func TestCombineWhere(t *testing.T) {
	require.Equal(t, "", CombineWhere("", "  "))
	require.Equal(t, "(a = 1)", CombineWhere("a = 1", ""))
	require.Equal(t, "(a = 1) AND (b = 2)", CombineWhere("a = 1", "b = 2"))
}

func TestLengthConstrainedTypeRequiresLength(t *testing.T) {
	var lt = LengthConstrainedType("VARCHAR(?)")
	var _, err = lt.GetColumnType(&schema.Column{Name: "x", Type: schema.String})
	require.Error(t, err)
}

func TestDecimalTypeFallsBackWithoutPrecision(t *testing.T) {
	var dt = DecimalType("NUMERIC")
	var resolved, err = dt.GetColumnType(&schema.Column{Name: "x", Type: schema.Decimal})
	require.NoError(t, err)
	require.Equal(t, "NUMERIC", resolved.SQL)
}
