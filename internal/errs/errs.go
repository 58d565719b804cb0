// Package errs defines the typed error kinds that the replication engine
// distinguishes, per the error handling design in spec.md §7.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error categories the core distinguishes.
type Kind string

const (
	KindConfig       Kind = "ConfigError"
	KindConnect      Kind = "ConnectError"
	KindCatalog      Kind = "CatalogError"
	KindReadOnly     Kind = "ReadOnlyViolation"
	KindExport       Kind = "ExportError"
	KindImport       Kind = "ImportError"
	KindPromote      Kind = "PromoteError"
	KindPartialWarn  Kind = "PartialImportWarning"
)

// Error wraps an inner error with a Kind and the job/table identity it
// occurred against, so JobRunner and the RunLog writer can report precisely
// without string-matching error messages.
type Error struct {
	Kind   Kind
	Table  string // "schema.table", empty if not table-scoped
	Job    string // project-relative job identity, e.g. "source.schema.table -> target.schema.table"
	Err    error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Table, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a typed Error of the given kind.
func New(kind Kind, table string, err error) *Error {
	return &Error{Kind: kind, Table: table, Err: err}
}

// Config wraps err as a ConfigError.
func Config(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// Connect wraps err as a ConnectError for the given connection name.
func Connect(conn string, err error) *Error {
	return &Error{Kind: KindConnect, Table: conn, Err: fmt.Errorf("connecting to %q: %w", conn, err)}
}

// Catalog wraps err as a CatalogError for the given qualified table name.
func Catalog(table string, err error) *Error {
	return &Error{Kind: KindCatalog, Table: table, Err: err}
}

// ReadOnly reports an attempted mutation against a read_only connection.
func ReadOnly(conn, op string) *Error {
	return &Error{Kind: KindReadOnly, Table: conn, Err: fmt.Errorf("operation %q refused: connection %q is read_only", op, conn)}
}

// Export wraps err as an ExportError for the given table.
func Export(table string, err error) *Error {
	return &Error{Kind: KindExport, Table: table, Err: err}
}

// Import wraps err as an ImportError for the given table.
func Import(table string, err error) *Error {
	return &Error{Kind: KindImport, Table: table, Err: err}
}

// Promote wraps err as a PromoteError for the given table.
func Promote(table string, err error) *Error {
	return &Error{Kind: KindPromote, Table: table, Err: err}
}

// PartialImport reports a bulk loader that skipped some rows but loaded others.
func PartialImport(table string, skipped, loaded int64) *Error {
	return &Error{
		Kind:  KindPartialWarn,
		Table: table,
		Err:   fmt.Errorf("bulk load skipped %d of %d rows", skipped, skipped+loaded),
	}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// WithStack adds a stack trace to err, for the one place it's worth paying
// for: recovering an unexpected panic at the JobRunner boundary.
func WithStack(err error) error {
	return errors.WithStack(err)
}
