package project

import (
	"context"
	"testing"

	"github.com/eneel-project/eneel/internal/job"
	"github.com/eneel-project/eneel/internal/obslog"
	"github.com/eneel-project/eneel/internal/schema"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestRunnerSummarizesAllJobsDone(t *testing.T) {
	var source = &stubAdapter{name: "source", cols: schema.Columns{{Ordinal: 1, Name: "id", Type: schema.Integer}}}
	var target = &stubAdapter{name: "target"}

	var jobs = []job.LoadJob{
		{Source: source, Target: target, SourceSchema: "src", SourceTable: "a", TargetSchema: "tgt", TargetTable: "a", Strategy: job.FullTableLoad, TempDir: t.TempDir()},
		{Source: source, Target: target, SourceSchema: "src", SourceTable: "b", TargetSchema: "tgt", TargetTable: "b", Strategy: job.FullTableLoad, TempDir: t.TempDir()},
	}

	var runner = NewRunner("proj", 2, nil, obslog.New(discard{}))
	var summary = runner.Run(context.Background(), jobs, logrus.NewEntry(logrus.New()))
	require.Equal(t, "Completed successfully", summary)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
