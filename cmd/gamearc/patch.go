package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	patchpkg "github.com/arkvault/gamearc/internal/patch"
)

const patchHelp = `gamearc patch [-flags]

Replace one or more entries in an existing archive in place, appending new
payloads to the data file without recompressing or defragmenting anything
else.

Example:
  % gamearc patch -idx game.idx -dat game.dat -file texture\a.dds=new-a.dds
`

// fileFlag collects repeated -file archive=local flags.
type fileFlag []patchpkg.FileEntry

func (f *fileFlag) String() string {
	if f == nil {
		return ""
	}
	var parts []string
	for _, e := range *f {
		parts = append(parts, e.ArchiveKey+"="+e.LocalPath)
	}
	return strings.Join(parts, ",")
}

func (f *fileFlag) Set(v string) error {
	k, local, ok := strings.Cut(v, "=")
	if !ok {
		return xerrors.Errorf("-file expects archive=local, got %q", v)
	}
	*f = append(*f, patchpkg.FileEntry{ArchiveKey: k, LocalPath: local})
	return nil
}

func patch(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("patch", flag.ExitOnError)
	var (
		idx           = fset.String("idx", "", "path to the index file")
		dat           = fset.String("dat", "", "path to the data file")
		patchDir      = fset.String("patch-dir", "", "directory of replacement files, named by archive key with / in place of \\")
		compressLevel = fset.Int("compress-level", 6, "deflate compression level, 1-9")
		jobs          = fset.Int("jobs", 0, "worker count (default: logical CPU count)")
		dryRun        = fset.Bool("dry-run", false, "print the patch plan without writing anything")
	)
	var files fileFlag
	fset.Var(&files, "file", "archive=local pair, repeatable")
	fset.Usage = usage(fset, patchHelp)
	fset.Parse(args)

	if *idx == "" || *dat == "" {
		return xerrors.Errorf("syntax: gamearc patch -idx <path> -dat <path> [-file archive=local ...] [-patch-dir <dir>]")
	}

	entries := []patchpkg.FileEntry(files)
	if *patchDir != "" {
		dirEntries, err := filesFromPatchDir(*patchDir)
		if err != nil {
			return err
		}
		entries = append(entries, dirEntries...)
	}
	if len(entries) == 0 {
		return xerrors.Errorf("no replacement files given: specify -file or -patch-dir")
	}

	c := &patchpkg.Ctx{Log: log.New(os.Stderr, "patch: ", log.LstdFlags)}
	res, err := c.Run(ctx, patchpkg.Options{
		IdxPath:       *idx,
		DatPath:       *dat,
		Files:         entries,
		CompressLevel: *compressLevel,
		Jobs:          *jobs,
		DryRun:        *dryRun,
	})
	if err != nil {
		return xerrors.Errorf("patch: %w", err)
	}

	if res.DryRun {
		log.Printf("dry run: would patch %d entries (%d skipped)", len(res.Applied), len(res.Skipped))
	} else {
		log.Printf("patched %d entries (%d skipped, rolled_back=%v)", len(res.Applied), len(res.Skipped), res.RolledBack)
	}
	return nil
}

// filesFromPatchDir walks dir and maps each file's relative path (forward
// slashes) to an archive key via the same slash-to-backslash normalization
// the core pipeline applies, so -patch-dir mirrors the directory layout
// produced by a prior extract-all.
func filesFromPatchDir(dir string) ([]patchpkg.FileEntry, error) {
	var out []patchpkg.FileEntry
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return xerrors.Errorf("relativizing %s: %w", path, err)
		}
		out = append(out, patchpkg.FileEntry{
			ArchiveKey: strings.ReplaceAll(rel, string(filepath.Separator), "\\"),
			LocalPath:  path,
		})
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("walking patch dir %s: %w", dir, err)
	}
	return out, nil
}
