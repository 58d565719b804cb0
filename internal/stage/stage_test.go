package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestWriteRowsStrippedEncodesNullAsEmptyField(t *testing.T) {
	var dir = t.TempDir()
	var s, err = New(dir, "|", false)
	require.NoError(t, err)

	var path = s.PartitionPath(0)
	var n, werr = s.WriteRows(path, [][]*string{
		{strp("1"), nil, strp("has|pipe\nand newline")},
		{strp("2"), strp("ok"), nil},
	})
	require.NoError(t, werr)
	require.Equal(t, int64(2), n)

	var rows, cerr = s.CountRows(path)
	require.NoError(t, cerr)
	require.Equal(t, int64(2), rows)

	var content, rerr = os.ReadFile(path)
	require.NoError(t, rerr)
	require.Equal(t, "1||haspipe and newline\n2|ok|\n", string(content))
}

func TestWriteRowsQuotedPreservesEmbeddedDelimiter(t *testing.T) {
	var dir = t.TempDir()
	var s, err = New(dir, ",", true)
	require.NoError(t, err)

	var path = s.PartitionPath(0)
	var _, werr = s.WriteRows(path, [][]*string{
		{strp("1"), strp("a,b"), nil},
	})
	require.NoError(t, werr)

	var rows, cerr = s.CountRows(path)
	require.NoError(t, cerr)
	require.Equal(t, int64(1), rows)

	var content, rerr = os.ReadFile(path)
	require.NoError(t, rerr)
	require.Equal(t, "1,\"a,b\",\n", string(content))
}

func TestChecksumStableForIdenticalContent(t *testing.T) {
	var dir = t.TempDir()
	var s, _ = New(dir, "|", false)
	var path = s.PartitionPath(0)
	_, _ = s.WriteRows(path, [][]*string{{strp("a")}})

	var sum1, err1 = s.Checksum(path)
	require.NoError(t, err1)
	var sum2, err2 = s.Checksum(path)
	require.NoError(t, err2)
	require.Equal(t, sum1, sum2)
	require.NotEmpty(t, sum1)
}

func TestListPartitionsDeterministicOrder(t *testing.T) {
	var dir = t.TempDir()
	var s, _ = New(dir, "|", false)
	for i := 0; i < 3; i++ {
		_, _ = s.WriteRows(s.PartitionPath(i), [][]*string{{strp("x")}})
	}
	var parts, err = s.ListPartitions()
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.Equal(t, s.PartitionPath(0), parts[0].FilePath)
	require.Equal(t, s.PartitionPath(2), parts[2].FilePath)
}

func TestSplitFileNoopWhenUnderLimit(t *testing.T) {
	var dir = t.TempDir()
	var s, _ = New(dir, "|", false)
	var path = s.PartitionPath(0)
	_, _ = s.WriteRows(path, [][]*string{{strp("small")}})

	var chunks, err = s.SplitFile(path, 1<<20)
	require.NoError(t, err)
	require.Equal(t, []string{path}, chunks)
}

func TestSplitFileProducesMultipleChunks(t *testing.T) {
	var dir = t.TempDir()
	var s, _ = New(dir, "|", false)
	var path = s.PartitionPath(0)
	var rows [][]*string
	for i := 0; i < 100; i++ {
		rows = append(rows, []*string{strp("0123456789")})
	}
	_, _ = s.WriteRows(path, rows)

	var chunks, err = s.SplitFile(path, 200)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.Equal(t, filepath.Dir(path), filepath.Dir(c))
	}
}

func TestClearRemovesDirectory(t *testing.T) {
	var dir = t.TempDir()
	var s, _ = New(dir, "|", false)
	_, _ = s.WriteRows(s.PartitionPath(0), [][]*string{{strp("x")}})
	require.NoError(t, s.Clear())

	var _, err = s.ListPartitions()
	require.Error(t, err)
}
