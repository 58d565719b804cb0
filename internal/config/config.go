// Package config loads and validates a project's YAML configuration and
// its companion connections file (spec.md §6 "External interfaces"), using
// gopkg.in/yaml.v3. Struct tags follow the key names spec.md already
// names verbatim, in the teacher's own style of a flat tagged struct
// (config.go's parser.Config).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/eneel-project/eneel/internal/errs"
	"gopkg.in/yaml.v3"
)

// Table is one entry under a schemas[].tables[] block.
type Table struct {
	TableName          string `yaml:"table_name"`
	ReplicationMethod  string `yaml:"replication_method"`
	ReplicationKey     string `yaml:"replication_key,omitempty"`
	PrimaryKey         string `yaml:"primary_key,omitempty"`
	ParallelizationKey string `yaml:"parallelization_key,omitempty"`
}

// SchemaBlock is one entry under the project's top-level schemas: list.
type SchemaBlock struct {
	SourceSchema string  `yaml:"source_schema"`
	TargetSchema string  `yaml:"target_schema"`
	TablePrefix  string  `yaml:"table_prefix,omitempty"`
	TableSuffix  string  `yaml:"table_suffix,omitempty"`
	Tables       []Table `yaml:"tables"`
}

// Query is one entry under a queries[].queries[] block.
type Query struct {
	QueryName          string `yaml:"query_name"`
	Query              string `yaml:"query"`
	TableName          string `yaml:"table_name"`
	ReplicationMethod  string `yaml:"replication_method"`
	ParallelizationKey string `yaml:"parallelization_key,omitempty"`
}

// QueryBlock is one entry under the project's top-level queries: list.
type QueryBlock struct {
	TargetSchema string  `yaml:"target_schema"`
	Queries      []Query `yaml:"queries"`
}

// Project is the top-level project configuration (spec.md §6).
type Project struct {
	Source                     string        `yaml:"source"`
	Target                     string        `yaml:"target"`
	LogDB                      string        `yaml:"logdb,omitempty"`
	LogSchema                  string        `yaml:"logschema,omitempty"`
	LogTable                   string        `yaml:"logtable,omitempty"`
	TempPath                   string        `yaml:"temp_path,omitempty"`
	KeepTempfiles              bool          `yaml:"keep_tempfiles,omitempty"`
	CSVDelimiter               string        `yaml:"csv_delimiter,omitempty"`
	ParallelLoads              int           `yaml:"parallel_loads,omitempty"`
	SourceColumnTypesToExclude string        `yaml:"source_columntypes_to_exclude,omitempty"`
	Schemas                    []SchemaBlock `yaml:"schemas,omitempty"`
	Queries                    []QueryBlock  `yaml:"queries,omitempty"`
}

// applyDefaults fills in every optional field's documented default
// (spec.md §6's "?" fields).
func (p *Project) applyDefaults() {
	if p.LogSchema == "" {
		p.LogSchema = "eneel"
	}
	if p.LogTable == "" {
		p.LogTable = "run_log"
	}
	if p.TempPath == "" {
		p.TempPath = "temp"
	}
	if p.CSVDelimiter == "" {
		p.CSVDelimiter = "|"
	}
	if p.ParallelLoads <= 0 {
		p.ParallelLoads = 1
	}
}

// Validate checks the fields a ConfigError must catch before any job runs
// (spec.md §7 "ConfigError ... fatal before any job runs").
func (p *Project) Validate() error {
	if p.Source == "" {
		return errs.Config("project: source is required")
	}
	if p.Target == "" {
		return errs.Config("project: target is required")
	}
	for _, sb := range p.Schemas {
		if sb.SourceSchema == "" || sb.TargetSchema == "" {
			return errs.Config("project: schemas[] entries require source_schema and target_schema")
		}
		for _, t := range sb.Tables {
			if t.TableName == "" {
				return errs.Config("project: schemas[%s].tables[] entry missing table_name", sb.SourceSchema)
			}
			switch strings.ToUpper(t.ReplicationMethod) {
			case "FULL_TABLE", "INCREMENTAL", "UPSERT":
			default:
				return errs.Config("project: table %q has unknown replication_method %q", t.TableName, t.ReplicationMethod)
			}
			if strings.ToUpper(t.ReplicationMethod) == "INCREMENTAL" && t.ReplicationKey == "" {
				return errs.Config("project: table %q strategy incremental requires replication_key", t.TableName)
			}
			if strings.ToUpper(t.ReplicationMethod) == "UPSERT" && (t.ReplicationKey == "" || t.PrimaryKey == "") {
				return errs.Config("project: table %q strategy upsert requires replication_key and primary_key", t.TableName)
			}
		}
	}
	for _, qb := range p.Queries {
		if qb.TargetSchema == "" {
			return errs.Config("project: queries[] entry missing target_schema")
		}
		for _, q := range qb.Queries {
			if q.QueryName == "" || q.Query == "" || q.TableName == "" {
				return errs.Config("project: queries[%s] entry missing query_name/query/table_name", qb.TargetSchema)
			}
		}
	}
	return nil
}

// LoadProject reads and validates a project YAML file at path.
func LoadProject(path string) (*Project, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, errs.Config("reading project file %q: %v", path, err)
	}
	var p Project
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, errs.Config("parsing project file %q: %v", path, err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Output is one named credential/tuning profile under a connection.
type Output struct {
	Host                   string            `yaml:"host"`
	Port                   int               `yaml:"port"`
	Database               string            `yaml:"database"`
	User                   string            `yaml:"user"`
	Password               string            `yaml:"password"`
	LimitRows              int64             `yaml:"limit_rows,omitempty"`
	TableParallelLoads     int               `yaml:"table_parallel_loads,omitempty"`
	TableParallelBatchSize int64             `yaml:"table_parallel_batch_size,omitempty"`
	TableWhereClause       string            `yaml:"table_where_clause,omitempty"`
	Extra                  map[string]string `yaml:",inline"`
}

// Connection is one entry in the connections file's top-level mapping.
type Connection struct {
	Type     string            `yaml:"type"`
	ReadOnly bool              `yaml:"read_only,omitempty"`
	Target   string            `yaml:"target"`
	Outputs  map[string]Output `yaml:"outputs"`
}

// Connections is the full connections file: name → Connection.
type Connections map[string]Connection

// Resolve returns the Output to use for name, preferring profile override
// (CLI --target) over the connection's own configured target.
func (cs Connections) Resolve(name, profileOverride string) (Connection, Output, error) {
	var conn, ok = cs[name]
	if !ok {
		return Connection{}, Output{}, errs.Config("connections: unknown connection %q", name)
	}
	var profile = conn.Target
	if profileOverride != "" {
		profile = profileOverride
	}
	var output, oOK = conn.Outputs[profile]
	if !oOK {
		return Connection{}, Output{}, errs.Config("connections: connection %q has no output profile %q", name, profile)
	}
	return conn, output, nil
}

// LoadConnections reads the connections YAML file at path.
func LoadConnections(path string) (Connections, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, errs.Config("reading connections file %q: %v", path, err)
	}
	var cs Connections
	if err := yaml.Unmarshal(raw, &cs); err != nil {
		return nil, errs.Config("parsing connections file %q: %v", path, err)
	}
	return cs, nil
}

// ProjectFilePath resolves the CLI's "<project>" or "<project>.yml"
// shorthand (spec.md §6 "CLI surface") to an actual file path.
func ProjectFilePath(arg string) string {
	if strings.HasSuffix(arg, ".yml") || strings.HasSuffix(arg, ".yaml") {
		return arg
	}
	return fmt.Sprintf("%s.yml", arg)
}
