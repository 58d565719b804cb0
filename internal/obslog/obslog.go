// Package obslog renders one colored progress line per finished job and a
// final summary line, grounded on flowctl's own color.New(...).SprintFunc()
// idiom for test-result reporting (go/flowctl/cmd-test.go).
package obslog

import (
	"fmt"
	"io"
	"time"

	"github.com/eneel-project/eneel/internal/job"
	"github.com/eneel-project/eneel/internal/strategy"
	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

// Reporter writes progress lines to w as jobs complete, and tallies the
// per-status counts for the final summary.
type Reporter struct {
	w             io.Writer
	done, warn, errored int
}

// New returns a Reporter writing to w.
func New(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// JobDone records one job's outcome and prints its line (spec.md §7
// "User-visible outcome"): "<DONE|WARN|ERROR> source -> target (N exported,
// M imported) in <elapsed>".
func (r *Reporter) JobDone(sourceQN, targetQN string, o job.Outcome) {
	var elapsed = o.EndedAt.Sub(o.StartedAt).Round(time.Millisecond)
	var line = fmt.Sprintf("%s -> %s (%d exported, %d imported) in %s", sourceQN, targetQN, o.Exported, o.Imported, elapsed)

	switch o.Status {
	case strategy.Done:
		r.done++
		fmt.Fprintln(r.w, green("DONE "), line)
	case strategy.Warn:
		r.warn++
		fmt.Fprintln(r.w, yellow("WARN "), line)
	default:
		r.errored++
		fmt.Fprintln(r.w, red("ERROR"), line, "-", o.Err)
	}
}

// Summary returns the final aggregate status string (spec.md §7): one of
// "Completed successfully", "Completed with warnings", "Completed with
// errors".
func (r *Reporter) Summary() string {
	if r.errored > 0 {
		return "Completed with errors"
	}
	if r.warn > 0 {
		return "Completed with warnings"
	}
	return "Completed successfully"
}

// Counts returns the running (done, warn, error) tallies.
func (r *Reporter) Counts() (done, warn, errored int) {
	return r.done, r.warn, r.errored
}

// PrintSummary writes the aggregate line: "<summary>: N done, N warned, N
// errored".
func (r *Reporter) PrintSummary() {
	var paint = green
	if r.errored > 0 {
		paint = red
	} else if r.warn > 0 {
		paint = yellow
	}
	fmt.Fprintf(r.w, "%s: %d done, %d warned, %d errored\n", paint(r.Summary()), r.done, r.warn, r.errored)
}
