// Package job drives one LoadJob through the state machine of spec.md
// §4.4 "State machine, per job": NEW → PLANNING → EXPORTING → STAGING →
// IMPORTING → PROMOTING → DONE/ERROR. The explicit per-stage error
// wrapping is grounded on materialize/lifecycle.go's own stage-by-stage
// request/response handling, adapted from Flow's transaction protocol to
// a single synchronous pipeline.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/errs"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/eneel-project/eneel/internal/stage"
	"github.com/eneel-project/eneel/internal/strategy"
	"github.com/sirupsen/logrus"
)

// Stage is the job's current position in the state machine.
type Stage string

const (
	StageNew       Stage = "NEW"
	StagePlanning  Stage = "PLANNING"
	StageExporting Stage = "EXPORTING"
	StageStaging   Stage = "STAGING"
	StageImporting Stage = "IMPORTING"
	StagePromoting Stage = "PROMOTING"
	StageDone      Stage = "DONE"
	StageError     Stage = "ERROR"
)

// Strategy names a replication strategy, per spec.md §6's config schema.
type Strategy string

const (
	FullTableLoad Strategy = "full_table_load"
	Incremental   Strategy = "incremental"
	Upsert        Strategy = "upsert"
	QueryLoad     Strategy = "query_load"
)

// LoadJob is one planned replication unit (spec.md §3 "Entity: LoadJob").
// Order is for deterministic numbering only; execution order inside a
// worker pool is nondeterministic.
type LoadJob struct {
	Order int

	Source, Target adapter.Adapter
	LogDB          adapter.Adapter // nil if no logdb configured

	SourceSchema, SourceTable string
	TargetSchema, TargetTable string

	Strategy Strategy
	Query    string // set only when Strategy == QueryLoad

	ReplicationKey     schema.ReplicationKey
	ParallelizationKey schema.ParallelizationKey
	PrimaryKey         schema.PrimaryKey

	StaticWhereClause string
	LimitRows         int64
	TableParallelism  int
	BatchSize         int64

	TempDir        string
	KeepTempfiles  bool
	LogSchema      string
	LogTable       string
	ProjectName    string
	ProjectStarted time.Time
}

func (j LoadJob) sourceQN() string { return qualify(j.SourceSchema, j.SourceTable) }
func (j LoadJob) targetQN() string { return qualify(j.TargetSchema, j.TargetTable) }

func qualify(schemaName, table string) string {
	if schemaName == "" {
		return table
	}
	return schemaName + "." + table
}

// Outcome is the job's final report, written into the RunLog.
type Outcome struct {
	Stage        Stage
	Status       strategy.Status
	Exported     int64
	Imported     int64
	StartedAt    time.Time
	EndedAt      time.Time
	Err          error
}

// Run executes job to completion, honoring the state machine transitions
// of spec.md §4.4 and the JobRunner responsibilities of spec.md §4.5:
// validate source existence, prepare stage, resolve columns (left to the
// strategy, which already does this), dispatch, report, clean up. The
// adapters in j arrive already connected. A panic inside the job is
// recovered and reported as an ERROR outcome.
func Run(ctx context.Context, j LoadJob, log *logrus.Entry) (out Outcome) {
	var startedAt = time.Now()
	log = log.WithField("job", fmt.Sprintf("%s -> %s", j.sourceQN(), j.targetQN()))
	log.Info("start")

	defer func() {
		if p := recover(); p != nil {
			var err = errs.WithStack(fmt.Errorf("panic: %v", p))
			log.WithError(err).Error("job failed")
			out = Outcome{Stage: StageError, Status: strategy.Error, StartedAt: startedAt, EndedAt: time.Now(), Err: err}
		}
	}()

	var cur = StagePlanning
	var outcome = func(st Stage, err error) Outcome {
		log.WithError(err).WithField("stage", st).Error("job failed")
		return Outcome{Stage: StageError, Status: strategy.Error, StartedAt: startedAt, EndedAt: time.Now(), Err: err}
	}

	if j.Strategy != QueryLoad {
		var exists, err = j.Source.TableExists(ctx, j.SourceSchema, j.SourceTable)
		if err != nil {
			return outcome(cur, errs.Catalog(j.sourceQN(), err))
		}
		if !exists {
			return outcome(cur, errs.Catalog(j.sourceQN(), fmt.Errorf("table %q does not exist in source", j.sourceQN())))
		}
	}

	cur = StageExporting
	var st, serr = stage.New(j.TempDir, "|", j.Target.QuotedCSV())
	if serr != nil {
		return outcome(cur, serr)
	}
	if !j.KeepTempfiles {
		defer st.Clear()
	}

	var req = strategy.Request{
		Source: j.Source, Target: j.Target, Stage: st, Log: log,
		SourceSchema: j.SourceSchema, SourceTable: j.SourceTable,
		TargetSchema: j.TargetSchema, TargetTable: j.TargetTable,
		ReplicationKey: j.ReplicationKey, ParallelizationKey: j.ParallelizationKey, PrimaryKey: j.PrimaryKey,
		StaticWhereClause: j.StaticWhereClause, LimitRows: j.LimitRows,
		TableParallelism: j.TableParallelism, BatchSize: j.BatchSize,
	}

	cur = StageImporting
	var result strategy.Result
	switch j.Strategy {
	case FullTableLoad:
		result = strategy.FullTableLoad(ctx, req)
	case Incremental:
		result = strategy.Incremental(ctx, req)
	case Upsert:
		result = strategy.Upsert(ctx, req)
	case QueryLoad:
		result = strategy.QueryLoad(ctx, req, j.Query)
	default:
		return outcome(cur, errs.Config("unknown strategy %q", j.Strategy))
	}

	var endedAt = time.Now()
	if result.Status == strategy.Error {
		log.WithFields(logrus.Fields{"exported": result.Exported, "imported": result.Imported}).Error("done (ERROR)")
		return Outcome{
			Stage: StageError, Status: result.Status, Exported: result.Exported, Imported: result.Imported,
			StartedAt: startedAt, EndedAt: endedAt,
			Err: fmt.Errorf("%s: strategy %q failed", j.targetQN(), j.Strategy),
		}
	}

	log.WithFields(logrus.Fields{"exported": result.Exported, "imported": result.Imported}).Info("done (DONE)")
	return Outcome{
		Stage: StageDone, Status: result.Status, Exported: result.Exported, Imported: result.Imported,
		StartedAt: startedAt, EndedAt: endedAt,
	}
}
