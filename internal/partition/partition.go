// Package partition computes the numeric ranges a table's rows are split
// into for parallel export/import, and drives the worker pools that run
// each range concurrently. The Range type and its inclusive-bounds
// modeling are grounded on airbyte/partition_range.go's own Range; the
// worker pool is grounded on go/runtime/proxy.go's errgroup.Group usage.
package partition

import (
	"context"
	"fmt"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/errs"
	"golang.org/x/sync/errgroup"
)

// Range is one inclusive [Lo, Hi] slice of a parallelization key's value
// space, per spec.md §4.3.
type Range struct {
	Lo int64
	Hi int64
}

// Where renders this range as a SQL predicate against col.
func (r Range) Where(quotedCol string) string {
	return fmt.Sprintf("%s >= %d AND %s <= %d", quotedCol, r.Lo, quotedCol, r.Hi)
}

// Plan computes the set of Ranges covering [min, max] with the given
// stride, per spec.md §4.3 and the Open Question decisions of SPEC_FULL §9:
// a degenerate table (hi == lo, or stride <= 0) always yields exactly one
// range.
func Plan(min, max, stride int64) []Range {
	if max <= min || stride <= 0 {
		return []Range{{Lo: min, Hi: max}}
	}
	var ranges []Range
	for lo := min; lo <= max; lo += stride {
		var hi = lo + stride - 1
		if hi > max {
			hi = max
		}
		ranges = append(ranges, Range{Lo: lo, Hi: hi})
	}
	return ranges
}

// ExportResult is one partition's completed export.
type ExportResult struct {
	Range    Range
	FilePath string
	RowCount int64
}

// ExportTask describes one partition's export work: the range, and the
// file it should be written to.
type ExportTask struct {
	Range    Range
	FilePath string
}

// RunExports runs fn for each task with up to parallelism goroutines,
// cancelling the remaining tasks on the first error (spec.md §5's
// "first-error cancellation" requirement). The returned slice preserves
// task order regardless of completion order.
func RunExports(ctx context.Context, parallelism int, tasks []ExportTask, fn func(ctx context.Context, task ExportTask) (int64, error)) ([]ExportResult, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	var results = make([]ExportResult, len(tasks))
	var grp, gctx = errgroup.WithContext(ctx)
	grp.SetLimit(parallelism)

	for i, task := range tasks {
		var i, task = i, task
		grp.Go(func() error {
			var rows, err = fn(gctx, task)
			if err != nil {
				return errs.Export(task.FilePath, err)
			}
			results[i] = ExportResult{Range: task.Range, FilePath: task.FilePath, RowCount: rows}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ImportTask describes one partition's import work.
type ImportTask struct {
	FilePath string
}

// ImportResult is one partition's completed import.
type ImportResult struct {
	FilePath string
	RowCount int64
}

// RunImports mirrors RunExports for the import side, importing each staged
// partition file into the same shadow table concurrently.
func RunImports(ctx context.Context, parallelism int, tasks []ImportTask, fn func(ctx context.Context, task ImportTask) (int64, error)) ([]ImportResult, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	var results = make([]ImportResult, len(tasks))
	var grp, gctx = errgroup.WithContext(ctx)
	grp.SetLimit(parallelism)

	for i, task := range tasks {
		var i, task = i, task
		grp.Go(func() error {
			var rows, err = fn(gctx, task)
			if err != nil {
				return errs.Import(task.FilePath, err)
			}
			results[i] = ImportResult{FilePath: task.FilePath, RowCount: rows}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Scheduler resolves min/max/stride from an Adapter and plans the ranges
// for one table's parallel export, honoring SPEC_FULL §9's limit_rows
// resolution: a non-zero limitRows disables partitioning outright.
type Scheduler struct {
	Source      adapter.Adapter
	Parallelism int
	BatchSize   int64
}

// PlanRanges returns the ranges to export schemaName.table over col. It
// returns no ranges when limitRows > 0, and a single zero range {0, 0}
// when the adapter reports an empty table.
func (s Scheduler) PlanRanges(ctx context.Context, schemaName, table, col string, limitRows int64) ([]Range, error) {
	if limitRows > 0 {
		return nil, nil
	}
	var min, max, stride, err = s.Source.GetMinMaxBatch(ctx, schemaName, table, col, s.BatchSize)
	if err != nil {
		return nil, err
	}
	if max == 0 && min == 0 && stride == 0 {
		return []Range{{Lo: 0, Hi: 0}}, nil
	}
	return Plan(min, max, stride), nil
}
