// Package repack builds a fresh archive from a directory tree or an explicit
// file list: deterministic key/string/trie assembly,
// parallel compression, and DAT/FAT/IDX emission.
package repack

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/arkvault/gamearc/internal/archfmt"
)

// input is one accepted (archive key, local file) pair, carried through all
// repack phases in acceptance order.
type input struct {
	Key   string // normalized: backslash-separated, lowercased
	Local string // path to the local file holding this entry's bytes
}

// gatherInputs produces the ordered, deduplicated input list for phase 1.
// When opts.FileList is non-empty its order wins verbatim; otherwise InDir is
// walked pre-order by filepath.Walk, which visits each directory's children
// in byte-wise lexical order of their names (so "B" sorts before "a"); no
// locale-aware collation is applied.
func gatherInputs(opts Options, logger *log.Logger) ([]input, error) {
	var raw []input
	var err error
	if len(opts.FileList) > 0 {
		raw, err = inputsFromList(opts)
	} else if opts.FileListFile != "" {
		raw, err = inputsFromListFile(opts)
	} else {
		raw, err = inputsFromDir(opts.InDir)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(raw))
	out := make([]input, 0, len(raw))
	for _, in := range raw {
		if seen[in.Key] {
			if logger != nil {
				logger.Printf("dedupe: %q already present, skipping %s", in.Key, in.Local)
			}
			continue
		}
		seen[in.Key] = true
		out = append(out, in)
	}
	return out, nil
}

func normalizeKey(rel string) string {
	return strings.ToLower(archfmt.NormalizeKey(rel))
}

func inputsFromDir(root string) ([]input, error) {
	var out []input
	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return xerrors.Errorf("relativizing %s: %w", path, err)
		}
		out = append(out, input{Key: normalizeKey(rel), Local: path})
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("walking %s: %w", root, err)
	}
	return out, nil
}

// inputsFromList treats opts.FileList entries as paths relative to InDir
// (or absolute), preserving the given order: when a list is given, list
// order wins.
func inputsFromList(opts Options) ([]input, error) {
	out := make([]input, 0, len(opts.FileList))
	for _, rel := range opts.FileList {
		local := filepath.FromSlash(rel)
		if !filepath.IsAbs(local) && opts.InDir != "" {
			local = filepath.Join(opts.InDir, local)
		}
		out = append(out, input{Key: normalizeKey(rel), Local: local})
	}
	return out, nil
}

// inputsFromListFile reads one relative path per line from a file, mirroring
// the CLI's --file-list flag.
func inputsFromListFile(opts Options) ([]input, error) {
	f, err := os.Open(opts.FileListFile)
	if err != nil {
		return nil, xerrors.Errorf("opening file list: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("reading file list: %w", err)
	}

	withList := opts
	withList.FileList = lines
	return inputsFromList(withList)
}
