// Package runlog writes the project's RunLog rows (spec.md §6 "External
// interfaces: RunLog table") through the logdb connection's own Adapter,
// mirroring the teacher's own pattern of delegating storage DDL/DML to the
// dialect rather than hand-rolling SQL here.
package runlog

import (
	"context"
	"time"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/job"
)

// Writer appends RunLog rows to one (schema, table) pair through db.
// A nil db makes every method a no-op, so callers don't need to special
// case "no logdb configured".
type Writer struct {
	db         adapter.Adapter
	schemaName string
	table      string
}

// New returns a Writer. db may be nil.
func New(db adapter.Adapter, schemaName, table string) *Writer {
	return &Writer{db: db, schemaName: schemaName, table: table}
}

// EnsureTable creates the RunLog table if it doesn't already exist.
func (w *Writer) EnsureTable(ctx context.Context) error {
	if w.db == nil {
		return nil
	}
	if err := w.db.CreateSchema(ctx, w.schemaName); err != nil {
		return err
	}
	return w.db.CreateLogTable(ctx, w.schemaName, w.table)
}

// ProjectStart appends a project-level START row.
func (w *Writer) ProjectStart(ctx context.Context, project string, startedAt time.Time) error {
	if w.db == nil {
		return nil
	}
	return w.db.LogRow(ctx, w.schemaName, w.table, map[string]interface{}{
		"log_time":         time.Now(),
		"project":          project,
		"project_started_at": startedAt,
		"source_table":     nil,
		"target_table":     nil,
		"started_at":       startedAt,
		"ended_at":         nil,
		"status":           "START",
		"exported_rows":    nil,
		"imported_rows":    nil,
	})
}

// ProjectEnd appends a project-level END row carrying the aggregate status.
func (w *Writer) ProjectEnd(ctx context.Context, project string, startedAt time.Time, status string) error {
	if w.db == nil {
		return nil
	}
	var endedAt = time.Now()
	return w.db.LogRow(ctx, w.schemaName, w.table, map[string]interface{}{
		"log_time":         endedAt,
		"project":          project,
		"project_started_at": startedAt,
		"source_table":     nil,
		"target_table":     nil,
		"started_at":       startedAt,
		"ended_at":         endedAt,
		"status":           status,
		"exported_rows":    nil,
		"imported_rows":    nil,
	})
}

// Job appends one job's outcome row.
func (w *Writer) Job(ctx context.Context, project string, projectStarted time.Time, sourceTable, targetTable string, o job.Outcome) error {
	if w.db == nil {
		return nil
	}
	return w.db.LogRow(ctx, w.schemaName, w.table, map[string]interface{}{
		"log_time":         time.Now(),
		"project":          project,
		"project_started_at": projectStarted,
		"source_table":     sourceTable,
		"target_table":     targetTable,
		"started_at":       o.StartedAt,
		"ended_at":         o.EndedAt,
		"status":           string(o.Status),
		"exported_rows":    o.Exported,
		"imported_rows":    o.Imported,
	})
}
