package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleProject = `
source: mysource
target: mytarget
schemas:
  - source_schema: public
    target_schema: public
    table_prefix: stg_
    tables:
      - table_name: widgets
        replication_method: FULL_TABLE
      - table_name: orders
        replication_method: INCREMENTAL
        replication_key: updated_at
queries:
  - target_schema: public
    queries:
      - query_name: q1
        query: "SELECT 1"
        table_name: q1_result
        replication_method: FULL_TABLE
`

const sampleConnections = `
mysource:
  type: postgres
  target: dev
  outputs:
    dev:
      host: localhost
      port: 5432
      database: src
      user: u
      password: p
mytarget:
  type: sqlite
  read_only: false
  target: dev
  outputs:
    dev:
      host: ""
      port: 0
      database: /tmp/target.db
      user: ""
      password: ""
`

func writeTemp(t *testing.T, name, content string) string {
	var dir = t.TempDir()
	var path = filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProjectAppliesDefaultsAndValidates(t *testing.T) {
	var path = writeTemp(t, "project.yml", sampleProject)
	var p, err = LoadProject(path)
	require.NoError(t, err)
	require.Equal(t, "eneel", p.LogSchema)
	require.Equal(t, "run_log", p.LogTable)
	require.Equal(t, "temp", p.TempPath)
	require.Equal(t, "|", p.CSVDelimiter)
	require.Equal(t, 1, p.ParallelLoads)
	require.Len(t, p.Schemas[0].Tables, 2)
	require.Equal(t, "q1_result", p.Queries[0].Queries[0].TableName)
}

func TestLoadProjectRejectsIncrementalWithoutReplicationKey(t *testing.T) {
	var bad = `
source: s
target: t
schemas:
  - source_schema: public
    target_schema: public
    tables:
      - table_name: widgets
        replication_method: INCREMENTAL
`
	var path = writeTemp(t, "bad.yml", bad)
	var _, err = LoadProject(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires replication_key")
}

func TestLoadConnectionsResolvesProfileWithOverride(t *testing.T) {
	var path = writeTemp(t, "connections.yml", sampleConnections)
	var conns, err = LoadConnections(path)
	require.NoError(t, err)

	var _, out, rerr = conns.Resolve("mysource", "")
	require.NoError(t, rerr)
	require.Equal(t, "localhost", out.Host)

	var _, _, rerr2 = conns.Resolve("mysource", "prod")
	require.Error(t, rerr2)
}

func TestProjectFilePathAddsYmlSuffix(t *testing.T) {
	require.Equal(t, "foo.yml", ProjectFilePath("foo"))
	require.Equal(t, "foo.yml", ProjectFilePath("foo.yml"))
	require.Equal(t, "foo.yaml", ProjectFilePath("foo.yaml"))
}
