// Package project expands a loaded project configuration into concrete
// LoadJobs and drives them through a bounded worker pool, the way
// flowctl's own catalog-build step expands declarative specs into
// concrete build tasks before running them.
package project

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/config"
	"github.com/eneel-project/eneel/internal/job"
	"github.com/eneel-project/eneel/internal/schema"
	lru "github.com/hashicorp/golang-lru/v2"
)

// dialectOf maps a connections-file "type" string to an adapter.Dialect.
func dialectOf(typ string) (adapter.Dialect, error) {
	switch typ {
	case "postgres", "postgresql":
		return adapter.Postgres, nil
	case "sqlserver", "mssql":
		return adapter.SQLServer, nil
	case "oracle":
		return adapter.Oracle, nil
	case "snowflake":
		return adapter.Snowflake, nil
	case "sqlite":
		return adapter.SQLite, nil
	default:
		return "", fmt.Errorf("unknown connection type %q", typ)
	}
}

// ConnectionOf builds an adapter.Connection from a resolved config.Connection
// + config.Output pair, for connection name.
func ConnectionOf(name string, conn config.Connection, out config.Output) (adapter.Connection, error) {
	var dialect, err = dialectOf(conn.Type)
	if err != nil {
		return adapter.Connection{}, err
	}
	return adapter.Connection{
		Name:     name,
		Dialect:  dialect,
		Host:     out.Host,
		Port:     out.Port,
		Database: out.Database,
		User:     out.User,
		Password: out.Password,

		ReadOnly:               conn.ReadOnly,
		LimitRows:              out.LimitRows,
		TableParallelLoads:     out.TableParallelLoads,
		TableParallelBatchSize: out.TableParallelBatchSize,
		TableWhereClause:       out.TableWhereClause,

		Extra: out.Extra,
	}, nil
}

// cachingAdapter decorates an adapter.Adapter with an LRU-memoized
// Columns/QueryColumns, so a table or query described once in a run isn't
// re-described (tables are keyed by schema and name, queries by their exact
// SQL text).
type cachingAdapter struct {
	adapter.Adapter
	cache *lru.Cache[string, schema.Columns]
}

func newCachingAdapter(a adapter.Adapter) *cachingAdapter {
	var c, _ = lru.New[string, schema.Columns](256)
	return &cachingAdapter{Adapter: a, cache: c}
}

func (c *cachingAdapter) Columns(ctx context.Context, schemaName, table string) (schema.Columns, error) {
	var k = "t:" + schemaName + "." + table
	if cols, ok := c.cache.Get(k); ok {
		return cols, nil
	}
	var cols, err = c.Adapter.Columns(ctx, schemaName, table)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, cols)
	return cols, nil
}

func (c *cachingAdapter) QueryColumns(ctx context.Context, sql string) (schema.Columns, error) {
	var k = "q:" + sql
	if cols, ok := c.cache.Get(k); ok {
		return cols, nil
	}
	var cols, err = c.Adapter.QueryColumns(ctx, sql)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, cols)
	return cols, nil
}

// Planner expands a Project config into a flat, ordered list of LoadJobs.
// It does not connect to any database; job.Run resolves columns lazily.
type Planner struct {
	Project    *config.Project
	SourceConn adapter.Connection
	TargetConn adapter.Connection
	Source     adapter.Adapter
	Target     adapter.Adapter
	LogDB      adapter.Adapter // nil if no logdb configured
}

// NewPlanner builds a Planner over already-constructed adapters (the
// caller resolves connections + dialects via ConnectionOf/NewAdapter so
// Planner itself stays free of I/O). source is wrapped in a describe
// cache shared by every planned job.
func NewPlanner(p *config.Project, source, target, logdb adapter.Adapter) *Planner {
	return &Planner{Project: p, Source: newCachingAdapter(source), Target: target, LogDB: logdb}
}

// Plan expands the project's schemas[] and queries[] blocks into LoadJobs,
// per spec.md §6's config schema.
func (pl *Planner) Plan() ([]job.LoadJob, error) {
	var jobs []job.LoadJob
	var order = 0

	for _, sb := range pl.Project.Schemas {
		for _, t := range sb.Tables {
			order++
			var lj, err = pl.planTable(order, sb, t)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, lj)
		}
	}

	for _, qb := range pl.Project.Queries {
		for _, q := range qb.Queries {
			order++
			jobs = append(jobs, pl.planQuery(order, qb, q))
		}
	}

	return jobs, nil
}

func (pl *Planner) planTable(order int, sb config.SchemaBlock, t config.Table) (job.LoadJob, error) {
	var strat, err = strategyOf(t.ReplicationMethod)
	if err != nil {
		return job.LoadJob{}, err
	}

	var targetTable = sb.TablePrefix + t.TableName + sb.TableSuffix

	var lj = job.LoadJob{
		Order:        order,
		Source:       pl.Source,
		Target:       pl.Target,
		LogDB:        pl.LogDB,
		SourceSchema: sb.SourceSchema,
		SourceTable:  t.TableName,
		TargetSchema: sb.TargetSchema,
		TargetTable:  targetTable,
		Strategy:     strat,

		ReplicationKey:     schema.ReplicationKey(t.ReplicationKey),
		ParallelizationKey: schema.ParallelizationKey(t.ParallelizationKey),

		StaticWhereClause: pl.SourceConn.TableWhereClause,
		LimitRows:         pl.SourceConn.LimitRows,
		TableParallelism:  pickInt(pl.SourceConn.TableParallelLoads, 10),
		BatchSize:         pickInt64(pl.SourceConn.TableParallelBatchSize, pl.Source.DefaultBatchSize()),

		TempDir:       filepath.Join(pl.Project.TempPath, sb.SourceSchema, t.TableName),
		KeepTempfiles: pl.Project.KeepTempfiles,
		LogSchema:     pl.Project.LogSchema,
		LogTable:      pl.Project.LogTable,
	}
	if t.PrimaryKey != "" {
		lj.PrimaryKey = schema.PrimaryKey{t.PrimaryKey}
	}
	return lj, nil
}

func (pl *Planner) planQuery(order int, qb config.QueryBlock, q config.Query) job.LoadJob {
	return job.LoadJob{
		Order:        order,
		Source:       pl.Source,
		Target:       pl.Target,
		LogDB:        pl.LogDB,
		SourceSchema: "",
		SourceTable:  q.TableName,
		TargetSchema: qb.TargetSchema,
		TargetTable:  q.TableName,
		Strategy:     job.QueryLoad,
		Query:        q.Query,

		ParallelizationKey: schema.ParallelizationKey(q.ParallelizationKey),

		TableParallelism: pickInt(pl.SourceConn.TableParallelLoads, 10),
		BatchSize:        pickInt64(pl.SourceConn.TableParallelBatchSize, pl.Source.DefaultBatchSize()),

		TempDir:       filepath.Join(pl.Project.TempPath, qb.TargetSchema, q.TableName),
		KeepTempfiles: pl.Project.KeepTempfiles,
		LogSchema:     pl.Project.LogSchema,
		LogTable:      pl.Project.LogTable,
	}
}

func strategyOf(method string) (job.Strategy, error) {
	switch method {
	case "FULL_TABLE", "full_table", "full_table_load":
		return job.FullTableLoad, nil
	case "INCREMENTAL", "incremental":
		return job.Incremental, nil
	case "UPSERT", "upsert":
		return job.Upsert, nil
	default:
		return "", fmt.Errorf("unknown replication_method %q", method)
	}
}

func pickInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func pickInt64(v, fallback int64) int64 {
	if v > 0 {
		return v
	}
	return fallback
}
