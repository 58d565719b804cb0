package project

import (
	"context"
	"os"
	"time"

	"github.com/eneel-project/eneel/internal/job"
	"github.com/eneel-project/eneel/internal/metrics"
	"github.com/eneel-project/eneel/internal/obslog"
	"github.com/eneel-project/eneel/internal/runlog"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Runner drives a planned job list through a parallel_loads-bounded worker
// pool (spec.md §4.5 "ProjectRunner"), and never aborts the run on a
// single job's error — it tallies DONE/WARN/ERROR and continues, matching
// spec.md §7's propagation policy.
type Runner struct {
	Name           string
	Parallelism    int
	RunLog         *runlog.Writer
	Report         *obslog.Reporter
}

// NewRunner builds a Runner. report may be nil, in which case progress
// lines are written to os.Stderr.
func NewRunner(name string, parallelism int, rl *runlog.Writer, report *obslog.Reporter) *Runner {
	if parallelism < 1 {
		parallelism = 1
	}
	if report == nil {
		report = obslog.New(os.Stderr)
	}
	return &Runner{Name: name, Parallelism: parallelism, RunLog: rl, Report: report}
}

// Run executes every job in jobs, bounded by r.Parallelism, and returns the
// aggregate summary string (spec.md §7's final status line). It never
// returns an error for a job failure; ctx cancellation is the only way to
// abort a run early (exit code 2, the CLI's user-interrupt path).
func (r *Runner) Run(ctx context.Context, jobs []job.LoadJob, log *logrus.Entry) string {
	var started = time.Now()
	var runID = uuid.New().String()
	log = log.WithField("run_id", runID)
	if r.RunLog != nil {
		_ = r.RunLog.EnsureTable(ctx)
		_ = r.RunLog.ProjectStart(ctx, r.Name, started)
	}

	var grp, gctx = errgroup.WithContext(ctx)
	grp.SetLimit(r.Parallelism)

	for i := range jobs {
		var lj = jobs[i]
		lj.ProjectName = r.Name
		lj.ProjectStarted = started
		grp.Go(func() error {
			var outcome = job.Run(gctx, lj, log)
			r.Report.JobDone(lj.SourceSchema+"."+lj.SourceTable, lj.TargetSchema+"."+lj.TargetTable, outcome)
			metrics.ObserveJob(r.Name, string(outcome.Status), outcome.Exported, outcome.Imported, outcome.EndedAt.Sub(outcome.StartedAt).Seconds())
			if r.RunLog != nil {
				_ = r.RunLog.Job(ctx, r.Name, started, lj.SourceSchema+"."+lj.SourceTable, lj.TargetSchema+"."+lj.TargetTable, outcome)
			}
			return nil // a job's own ERROR never aborts the pool
		})
	}
	_ = grp.Wait()

	r.Report.PrintSummary()
	var summary = r.Report.Summary()
	if r.RunLog != nil {
		_ = r.RunLog.ProjectEnd(ctx, r.Name, started, summary)
	}
	metrics.ObserveProject(r.Name, summary)
	return summary
}
