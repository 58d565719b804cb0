// Package schema holds the database-agnostic column and key types shared by
// every adapter and by the replication strategies. See spec.md §3.
package schema

import "fmt"

// LogicalType is the closed set of column types the core reasons about.
// Every adapter maps its native catalog onto this set on describe, and
// back to native DDL on create.
type LogicalType string

const (
	Integer  LogicalType = "integer"
	Float    LogicalType = "float"
	Decimal  LogicalType = "decimal"
	String   LogicalType = "string"
	Bytes    LogicalType = "bytes"
	DateTime LogicalType = "datetime"
	Date     LogicalType = "date"
	Time     LogicalType = "time"
	Bool     LogicalType = "bool"
	UUID     LogicalType = "uuid"
)

// Column describes one column of a source or target table. Ordinal is
// 1-based, unique, dense, and is the order in which columns appear in
// every generated SELECT and CREATE TABLE (spec.md §3 invariant).
type Column struct {
	Ordinal      int
	Name         string
	Type         LogicalType
	CharMaxLen   *int64
	NumPrecision *int32
	NumScale     *int32

	// Unsupported is set by an adapter's removeUnsupportedColumns when this
	// column cannot be safely exported by that adapter (e.g. a LOB, or a
	// string wider than the in-flight limit). The column is still reported
	// here (rather than silently dropped) so the caller can log why.
	Unsupported bool
	UnsupportedReason string
}

// Columns is an ordered list of Column, always kept sorted by Ordinal.
type Columns []Column

// Names returns the Name of every column, in ordinal order.
func (cs Columns) Names() []string {
	var names = make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.Name
	}
	return names
}

// Supported returns the subset of columns that are not marked Unsupported.
func (cs Columns) Supported() Columns {
	var out = make(Columns, 0, len(cs))
	for _, c := range cs {
		if !c.Unsupported {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the Column with the given Name, or nil.
func (cs Columns) Get(name string) *Column {
	for i := range cs {
		if cs[i].Name == name {
			return &cs[i]
		}
	}
	return nil
}

// Has reports whether a column with the given name is present.
func (cs Columns) Has(name string) bool {
	return cs.Get(name) != nil
}

// ReplicationKey is the single column designated monotonic non-decreasing,
// used to bound the delta in INCREMENTAL/UPSERT loads.
type ReplicationKey string

// ParallelizationKey is the single integer column used to derive range
// partitions for parallel export/import.
type ParallelizationKey string

// PrimaryKey is an ordered list of column names forming the primary key,
// used by UPSERT's MERGE-by-key semantics.
type PrimaryKey []string

func (pk PrimaryKey) String() string {
	return fmt.Sprint([]string(pk))
}
