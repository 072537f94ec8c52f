package report

import (
	"path/filepath"
	"testing"
)

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.tsv")
	w, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	rows := []Row{
		{Status: StatusOK, Path: "texture\\a.dds"},
		{Status: StatusMissing, Path: "texture\\b.dds"},
		{Status: StatusFailed, Path: "texture\\c.dds", Reason: "sha1 mismatch"},
	}
	for _, r := range rows {
		if err := w.Add(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if w.Summary.OK != 1 || w.Summary.Missing != 1 || w.Summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", w.Summary)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(got), len(rows))
	}
	for i, r := range rows {
		if got[i] != r {
			t.Fatalf("row %d: got %+v, want %+v", i, got[i], r)
		}
	}
}

func TestWriterEmptyPathIsNoop(t *testing.T) {
	w, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Add(Row{Status: StatusOK, Path: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if w.Summary.OK != 1 {
		t.Fatalf("summary not tallied: %+v", w.Summary)
	}
}
