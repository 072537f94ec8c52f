package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/arkvault/gamearc/internal/archfmt"
	"github.com/arkvault/gamearc/internal/report"
)

const extractHelp = `gamearc extract [-flags] <subcommand> [-flags]

Read entries from an archive without modifying it.

Subcommands: info, list-dt, list-orphans, compare, extract-all, extract-list

Example:
  % gamearc extract -idx game.idx info
  % gamearc extract -idx game.idx -dat game.dat extract-all -out out/
`

func extract(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	var (
		idx = fset.String("idx", "", "path to the index file")
		dat = fset.String("dat", "", "path to the data file")
	)
	fset.Usage = usage(fset, extractHelp)
	fset.Parse(args)

	if *idx == "" {
		return xerrors.Errorf("syntax: gamearc extract -idx <path> [-dat <path>] <subcommand> [options]")
	}
	rest := fset.Args()
	if len(rest) == 0 {
		return xerrors.Errorf("syntax: gamearc extract -idx <path> [-dat <path>] <subcommand> [options]")
	}
	sub, subArgs := rest[0], rest[1:]

	arc, err := archfmt.Open(*idx, *dat)
	if err != nil {
		return xerrors.Errorf("opening archive: %w", err)
	}
	defer arc.Close()

	switch sub {
	case "info":
		return extractInfo(arc)
	case "list-dt":
		return extractListDT(arc, subArgs)
	case "list-orphans":
		return extractListOrphans(arc)
	case "compare":
		return extractCompare(arc, subArgs)
	case "extract-all":
		return extractAll(arc, subArgs)
	case "extract-list":
		return extractList(arc, subArgs)
	default:
		return xerrors.Errorf("unknown extract subcommand %q", sub)
	}
}

func extractInfo(arc *archfmt.Archive) error {
	s := arc.Stat()
	fmt.Printf("page_size\t%d\n", s.PageSize)
	fmt.Printf("stripe_count\t%d\n", s.StripeCount)
	fmt.Printf("entry_count\t%d\n", s.EntryCount)
	fmt.Printf("compressed_bytes\t%d\n", s.CompressedBytes)
	names := [archfmt.NumChannels]string{"trie", "strings", "meta", "fat"}
	for c, n := range names {
		fmt.Printf("channel_%s_bytes\t%d\n", n, s.ChannelSize[c])
	}
	return nil
}

// fileEntries filters Archive.IterEntries down to file-bearing nodes:
// meta_index < meta_count and size > 0. Reachability in the trie is not
// checked.
func fileEntries(arc *archfmt.Archive) ([]archfmt.Entry, error) {
	all, err := arc.IterEntries()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if int(e.Node.MetaIndex) >= arc.Meta().Count() {
			continue
		}
		if arc.Meta().Record(e.Node.MetaIndex).Size == 0 {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func extractListDT(arc *archfmt.Archive, args []string) error {
	fset := flag.NewFlagSet("extract list-dt", flag.ExitOnError)
	onlyFiles := fset.Bool("only-files", false, "list only file-bearing entries, skipping unreferenced trie nodes")
	fset.Parse(args)

	if *onlyFiles {
		entries, err := fileEntries(arc)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Println(e.Path)
		}
		return nil
	}

	all, err := arc.IterEntries()
	if err != nil {
		return err
	}
	for _, e := range all {
		fmt.Println(e.Path)
	}
	return nil
}

// extractListOrphans prints trie nodes whose meta_index does not resolve to
// a valid, non-empty meta record: present in the node array but dangling.
func extractListOrphans(arc *archfmt.Archive) error {
	all, err := arc.IterEntries()
	if err != nil {
		return err
	}
	for _, e := range all {
		if int(e.Node.MetaIndex) >= arc.Meta().Count() || arc.Meta().Record(e.Node.MetaIndex).Size == 0 {
			fmt.Println(e.Path)
		}
	}
	return nil
}

// extractCompare writes the compare report: ok/orphan/absent/dt_only,
// comparing the archive's entries against a caller-supplied full-file-list
// (one path per line, forward-slash separated).
func extractCompare(arc *archfmt.Archive, args []string) error {
	fset := flag.NewFlagSet("extract compare", flag.ExitOnError)
	fullList := fset.String("full-list", "", "path to a file listing every path the archive is expected to contain")
	reportPath := fset.String("report", "", "write a TSV report to this path")
	fset.Parse(args)
	if *fullList == "" {
		return xerrors.Errorf("syntax: gamearc extract compare -full-list <file> [-report <tsv>]")
	}

	wantKeys, err := readLines(*fullList)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(wantKeys))
	for _, k := range wantKeys {
		want[strings.ToLower(archfmt.NormalizeKey(k))] = true
	}

	entries, err := fileEntries(arc)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(entries))
	for _, e := range entries {
		have[strings.ToLower(e.Path)] = true
	}

	w, err := report.New(*reportPath)
	if err != nil {
		return err
	}
	defer w.Discard()

	for k := range want {
		if have[k] {
			if err := w.Add(report.Row{Status: report.StatusOK, Path: k}); err != nil {
				return err
			}
		} else {
			if err := w.Add(report.Row{Status: report.StatusAbsent, Path: k}); err != nil {
				return err
			}
		}
	}
	for k := range have {
		if !want[k] {
			if err := w.Add(report.Row{Status: report.StatusOrphan, Path: k}); err != nil {
				return err
			}
		}
	}

	all, err := arc.IterEntries()
	if err != nil {
		return err
	}
	for _, e := range all {
		isFile := int(e.Node.MetaIndex) < arc.Meta().Count() && arc.Meta().Record(e.Node.MetaIndex).Size > 0
		if !isFile {
			if err := w.Add(report.Row{Status: report.StatusDTOnly, Path: e.Path}); err != nil {
				return err
			}
		}
	}

	if err := w.Close(); err != nil {
		return err
	}
	log.Printf("compare: ok=%d missing=%d", w.Summary.OK, w.Summary.Missing)
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}

func extractAll(arc *archfmt.Archive, args []string) error {
	fset := flag.NewFlagSet("extract extract-all", flag.ExitOnError)
	out := fset.String("out", "", "directory to extract into")
	keepGoing := fset.Bool("keep-going", false, "tally failures instead of aborting on the first one")
	skipExisting := fset.Bool("skip-existing", false, "skip files already present at the destination")
	reportPath := fset.String("report", "", "write a TSV report to this path")
	fset.Parse(args)
	if *out == "" {
		return xerrors.Errorf("syntax: gamearc extract extract-all -out <dir> [-keep-going] [-skip-existing] [-report <tsv>]")
	}

	entries, err := fileEntries(arc)
	if err != nil {
		return err
	}
	return extractEntries(arc, entries, *out, *keepGoing, *skipExisting, *reportPath)
}

func extractList(arc *archfmt.Archive, args []string) error {
	fset := flag.NewFlagSet("extract extract-list", flag.ExitOnError)
	fullList := fset.String("full-list", "", "path to a file listing paths to extract")
	out := fset.String("out", "", "directory to extract into")
	keepGoing := fset.Bool("keep-going", false, "tally failures instead of aborting on the first one")
	skipExisting := fset.Bool("skip-existing", false, "skip files already present at the destination")
	reportPath := fset.String("report", "", "write a TSV report to this path")
	fset.Parse(args)
	if *fullList == "" || *out == "" {
		return xerrors.Errorf("syntax: gamearc extract extract-list -full-list <file> -out <dir> [-keep-going] [-skip-existing] [-report <tsv>]")
	}

	wantKeys, err := readLines(*fullList)
	if err != nil {
		return err
	}

	w, err := report.New(*reportPath)
	if err != nil {
		return err
	}
	defer w.Discard()

	var entries []archfmt.Entry
	for _, k := range wantKeys {
		norm := archfmt.NormalizeKey(k)
		metaIdx, found, err := arc.FindMeta([]byte(norm))
		if err != nil {
			return xerrors.Errorf("looking up %s: %w", k, err)
		}
		if !found || arc.Meta().Record(metaIdx).Size == 0 {
			if err := w.Add(report.Row{Status: report.StatusMissing, Path: k}); err != nil {
				return err
			}
			if !*keepGoing {
				if closeErr := w.Close(); closeErr != nil {
					return closeErr
				}
				return xerrors.Errorf("%s: not found in archive", k)
			}
			continue
		}
		entries = append(entries, archfmt.Entry{NodeIndex: metaIdx, Path: norm, Node: archfmt.TrieNode{MetaIndex: metaIdx}})
	}

	if err := extractEntriesReport(arc, entries, *out, *keepGoing, *skipExisting, w); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Printf("extract-list: ok=%d missing=%d failed=%d", w.Summary.OK, w.Summary.Missing, w.Summary.Failed)
	return nil
}

func extractEntries(arc *archfmt.Archive, entries []archfmt.Entry, out string, keepGoing, skipExisting bool, reportPath string) error {
	w, err := report.New(reportPath)
	if err != nil {
		return err
	}
	defer w.Discard()

	if err := extractEntriesReport(arc, entries, out, keepGoing, skipExisting, w); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Printf("extract-all: ok=%d missing=%d failed=%d", w.Summary.OK, w.Summary.Missing, w.Summary.Failed)
	return nil
}

func extractEntriesReport(arc *archfmt.Archive, entries []archfmt.Entry, out string, keepGoing, skipExisting bool, w *report.Writer) error {
	for _, e := range entries {
		destRel := strings.ReplaceAll(e.Path, "\\", string(filepath.Separator))
		dest := filepath.Join(out, destRel)

		if skipExisting {
			if _, err := os.Stat(dest); err == nil {
				if err := w.Add(report.Row{Status: report.StatusOK, Path: e.Path}); err != nil {
					return err
				}
				continue
			}
		}

		if err := extractOne(arc, e, dest); err != nil {
			if err := w.Add(report.Row{Status: report.StatusFailed, Path: e.Path, Reason: err.Error()}); err != nil {
				return err
			}
			if !keepGoing {
				return xerrors.Errorf("extracting %s: %w", e.Path, err)
			}
			continue
		}
		if err := w.Add(report.Row{Status: report.StatusOK, Path: e.Path}); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(arc *archfmt.Archive, e archfmt.Entry, dest string) error {
	data, err := arc.ReadFileBytes(e.Node.MetaIndex)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0644)
}
