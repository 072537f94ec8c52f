// Package report writes the TSV status reports produced by the compare and
// extract commands, and tallies the keep-going summary counts
// extract-all/extract-list print on exit.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Status is one compare/extract report row's classification.
type Status string

// compare statuses.
const (
	StatusOK     Status = "ok"
	StatusOrphan Status = "orphan"
	StatusAbsent Status = "absent"
	StatusDTOnly Status = "dt_only"
)

// extract statuses.
const (
	StatusMissing Status = "missing"
	StatusFailed  Status = "failed"
)

// Row is one TSV line: status, path, and an optional reason appended only
// for StatusFailed rows ("failed\t<reason>").
type Row struct {
	Status Status
	Path   string
	Reason string
}

// Writer accumulates rows and a running summary, then emits the TSV report
// on Close via an atomic renameio write — the same durability pattern
// repack uses for the archive pair, applied here to the sidecar report.
type Writer struct {
	path    string
	f       *renameio.PendingFile
	bw      *bufio.Writer
	Summary Summary
}

// Summary is the keep-going tally surfaced by extract-all/extract-list.
type Summary struct {
	OK      int
	Missing int
	Failed  int
}

// New opens a report writer at path, truncating any prior contents only once
// Close succeeds. path may be empty, in which case rows are tallied into
// Summary but never written to disk (the --report flag is optional).
func New(path string) (*Writer, error) {
	w := &Writer{path: path}
	if path == "" {
		return w, nil
	}
	f, err := renameio.TempFile("", path)
	if err != nil {
		return nil, xerrors.Errorf("creating report file: %w", err)
	}
	w.f = f
	w.bw = bufio.NewWriter(f)
	if _, err := fmt.Fprintln(w.bw, "status\tpath"); err != nil {
		f.Cleanup()
		return nil, xerrors.Errorf("writing report header: %w", err)
	}
	return w, nil
}

// Add records one row and folds it into the running Summary.
func (w *Writer) Add(r Row) error {
	switch r.Status {
	case StatusOK:
		w.Summary.OK++
	case StatusMissing:
		w.Summary.Missing++
	case StatusFailed:
		w.Summary.Failed++
	}
	if w.bw == nil {
		return nil
	}
	var err error
	if r.Status == StatusFailed && r.Reason != "" {
		_, err = fmt.Fprintf(w.bw, "%s\t%s\t%s\n", r.Status, r.Path, r.Reason)
	} else {
		_, err = fmt.Fprintf(w.bw, "%s\t%s\n", r.Status, r.Path)
	}
	if err != nil {
		return xerrors.Errorf("writing report row for %s: %w", r.Path, err)
	}
	return nil
}

// Close flushes and atomically replaces the report file at the configured
// path. A no-op (beyond summary bookkeeping) when New was given an empty
// path.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		w.f.Cleanup()
		return xerrors.Errorf("flushing report: %w", err)
	}
	if err := w.f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("committing report %s: %w", w.path, err)
	}
	return nil
}

// Discard releases any temp file without writing the report, used when the
// producing command aborts before any rows are meaningful.
func (w *Writer) Discard() {
	if w.f != nil {
		w.f.Cleanup()
	}
}

// ReadRows parses a previously written TSV report, used by tests and by
// tooling that diffs two report runs. It is not part of any pipeline's
// critical path.
func ReadRows(r io.Reader) ([]Row, error) {
	sc := bufio.NewScanner(r)
	var rows []Row
	header := true
	for sc.Scan() {
		line := sc.Text()
		if header {
			header = false
			continue
		}
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		row := Row{Status: Status(fields[0])}
		if len(fields) > 1 {
			row.Path = fields[1]
		}
		if len(fields) > 2 {
			row.Reason = fields[2]
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("reading report: %w", err)
	}
	return rows, nil
}

// ReadFile is a convenience wrapper around ReadRows for an on-disk report.
func ReadFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening report %s: %w", path, err)
	}
	defer f.Close()
	return ReadRows(f)
}
