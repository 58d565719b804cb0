// Package stage implements the delimited-file staging area: one directory
// per job, one file per exported partition, written and read with the
// dual quoted/stripped string encoding each Adapter declares it needs
// (spec.md §4.1, §6 "Stage file format"). Line-oriented I/O is grounded on
// go/ingest/ws_csv.go's bufio/encoding-csv idiom; the directory lifecycle
// (create-if-absent, explicit cleanup) is grounded on
// materialize/sql/std_endpoint.go's transaction open/commit/cleanup shape.
package stage

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/highwayhash"
)

// checksumKey is a fixed, non-secret 32-byte key: the digest is a
// corruption/truncation detector, not an authentication tag.
var checksumKey = []byte("eneel-stage-partition-checksum!!")

// Partition describes one delimited file written for a job.
type Partition struct {
	FilePath string
	RowCount int64
	Checksum string
}

// Stage manages the staging directory for a single job run.
type Stage struct {
	Dir       string
	Delimiter string
	Quoted    bool
}

// New creates the job's staging directory if absent, and empties it if it
// already holds entries.
func New(dir, delimiter string, quoted bool) (*Stage, error) {
	if delimiter == "" {
		delimiter = "|"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating stage dir %q: %w", dir, err)
	}
	var entries, err = os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading stage dir %q: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return nil, fmt.Errorf("clearing stage dir %q: %w", dir, err)
		}
	}
	return &Stage{Dir: dir, Delimiter: delimiter, Quoted: quoted}, nil
}

// PartitionPath returns the file path this stage would use for the given
// partition index, e.g. "<dir>/part-000003.csv".
func (s *Stage) PartitionPath(index int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("part-%06d.csv", index))
}

// WriteRows appends rows to path, one record per line, NULL encoded as an
// empty field, never the literal strings "None"/"NULL" (spec.md §4.1).
// When s.Quoted is true, fields are RFC4180-quoted via encoding/csv; when
// false, embedded delimiters and newlines are stripped instead, matching
// the two documented variants in spec.md §6.
func (s *Stage) WriteRows(path string, rows [][]*string) (int64, error) {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening stage file %q: %w", path, err)
	}
	defer f.Close()

	var w = bufio.NewWriter(f)
	defer w.Flush()

	if s.Quoted {
		return s.writeQuoted(w, rows)
	}
	return s.writeStripped(w, rows)
}

func (s *Stage) writeQuoted(w *bufio.Writer, rows [][]*string) (int64, error) {
	var cw = csv.NewWriter(w)
	cw.Comma = []rune(s.Delimiter)[0]
	var count int64
	for _, row := range rows {
		var fields = make([]string, len(row))
		for i, v := range row {
			if v != nil {
				fields[i] = *v
			}
		}
		if err := cw.Write(fields); err != nil {
			return count, err
		}
		count++
	}
	cw.Flush()
	return count, cw.Error()
}

func (s *Stage) writeStripped(w *bufio.Writer, rows [][]*string) (int64, error) {
	var count int64
	for _, row := range rows {
		var fields = make([]string, len(row))
		for i, v := range row {
			if v == nil {
				fields[i] = ""
				continue
			}
			var f = strings.ReplaceAll(*v, s.Delimiter, "")
			f = strings.ReplaceAll(f, "\n", " ")
			f = strings.ReplaceAll(f, "\r", " ")
			fields[i] = f
		}
		if _, err := w.WriteString(strings.Join(fields, s.Delimiter)); err != nil {
			return count, err
		}
		if err := w.WriteByte('\n'); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ListPartitions enumerates the stage's files in deterministic order, each
// with its checksum, for PartitionScheduler's per-partition DEBUG logging.
func (s *Stage) ListPartitions() ([]Partition, error) {
	var entries, err = os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing stage dir %q: %w", s.Dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Partition
	for _, name := range names {
		var path = filepath.Join(s.Dir, name)
		var rows, cerr = s.CountRows(path)
		if cerr != nil {
			return nil, cerr
		}
		var sum, serr = s.Checksum(path)
		if serr != nil {
			return nil, serr
		}
		out = append(out, Partition{FilePath: path, RowCount: rows, Checksum: sum})
	}
	return out, nil
}

// CountRows counts newline-terminated records in path.
func (s *Stage) CountRows(path string) (int64, error) {
	var f, err = os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var scanner = bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	var count int64
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

// Checksum returns a hex-encoded HighwayHash-64 digest of path's contents,
// used only to detect truncated or corrupted stage files (spec.md §9's
// "diagnosing partial imports" note); not a security boundary.
func (s *Stage) Checksum(path string) (string, error) {
	var f, err = os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h, herr = highwayhash.New64(checksumKey)
	if herr != nil {
		return "", herr
	}
	var buf = make([]byte, 256*1024)
	for {
		var n, rerr = f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// SplitFile splits an oversized file into <=maxBytes chunks sharing the
// same delimiter, deleting the original, for adapters whose
// MaxStageFileBytes() reports a hard cap (spec.md §4.1 "splitFile").
func (s *Stage) SplitFile(path string, maxBytes int64) ([]string, error) {
	var info, err = os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() <= maxBytes {
		return []string{path}, nil
	}

	var f, ferr = os.Open(path)
	if ferr != nil {
		return nil, ferr
	}
	defer f.Close()

	var scanner = bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	var chunkIndex = 0
	var chunkPath = chunkName(path, chunkIndex)
	var chunk, cerr = os.Create(chunkPath)
	if cerr != nil {
		return nil, cerr
	}
	var chunks = []string{chunkPath}
	var written int64

	var w = bufio.NewWriter(chunk)
	for scanner.Scan() {
		var line = scanner.Bytes()
		if written > 0 && written+int64(len(line))+1 > maxBytes {
			w.Flush()
			chunk.Close()
			chunkIndex++
			chunkPath = chunkName(path, chunkIndex)
			chunk, cerr = os.Create(chunkPath)
			if cerr != nil {
				return nil, cerr
			}
			chunks = append(chunks, chunkPath)
			w = bufio.NewWriter(chunk)
			written = 0
		}
		w.Write(line)
		w.WriteByte('\n')
		written += int64(len(line)) + 1
	}
	w.Flush()
	chunk.Close()
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := os.Remove(path); err != nil {
		return nil, err
	}
	return chunks, nil
}

func chunkName(path string, index int) string {
	var ext = filepath.Ext(path)
	var base = strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.%03d%s", base, index, ext)
}

// Clear removes the entire staging directory and its contents, called on
// job exit unless keep_tempfiles is set (spec.md "Entity: StagedPartition").
func (s *Stage) Clear() error {
	return os.RemoveAll(s.Dir)
}
