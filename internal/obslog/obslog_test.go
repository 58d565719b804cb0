package obslog

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/eneel-project/eneel/internal/job"
	"github.com/eneel-project/eneel/internal/strategy"
	"github.com/stretchr/testify/require"
)

func TestSummaryEscalatesWithWorstOutcome(t *testing.T) {
	var buf bytes.Buffer
	var r = New(&buf)

	var now = time.Now()
	r.JobDone("src.a", "tgt.a", job.Outcome{Status: strategy.Done, StartedAt: now, EndedAt: now})
	require.Equal(t, "Completed successfully", r.Summary())

	r.JobDone("src.b", "tgt.b", job.Outcome{Status: strategy.Warn, StartedAt: now, EndedAt: now})
	require.Equal(t, "Completed with warnings", r.Summary())

	r.JobDone("src.c", "tgt.c", job.Outcome{Status: strategy.Error, StartedAt: now, EndedAt: now, Err: errors.New("boom")})
	require.Equal(t, "Completed with errors", r.Summary())

	var done, warn, errored = r.Counts()
	require.Equal(t, 1, done)
	require.Equal(t, 1, warn)
	require.Equal(t, 1, errored)
	require.NotEmpty(t, buf.String())
}
