package main

import (
	"context"
	"flag"
	"log"
	"os"

	"golang.org/x/xerrors"

	repackpkg "github.com/arkvault/gamearc/internal/repack"
)

const repackHelp = `gamearc repack [-flags]

Build a fresh index+data pair from a directory tree or an explicit file
list.

Example:
  % gamearc repack -in-dir assets/ -out-idx game.idx -out-dat game.dat
`

func repack(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("repack", flag.ExitOnError)
	var (
		inDir         = fset.String("in-dir", "", "directory to walk for input files")
		outIdx        = fset.String("out-idx", "", "path to write the new index file to")
		outDat        = fset.String("out-dat", "", "path to write the new data file to")
		fileList      = fset.String("file-list", "", "path to a file listing one relative input path per line, in dispatch order")
		compressLevel = fset.Int("compress-level", 6, "deflate compression level, 1-9")
		jobs          = fset.Int("jobs", 0, "worker count (default: logical CPU count)")
		autoTuneJobs  = fset.Bool("auto-tune-jobs", false, "time candidate worker counts on a sample and pick the fastest")
		sizeSchedule  = fset.Bool("size-schedule", false, "dispatch largest files first")
		verify        = fset.Bool("verify", false, "re-read every entry after repack and report mismatches")
	)
	fset.Usage = usage(fset, repackHelp)
	fset.Parse(args)

	if *outIdx == "" || *outDat == "" {
		return xerrors.Errorf("syntax: gamearc repack -out-idx <path> -out-dat <path> [-in-dir <dir> | -file-list <file>]")
	}

	const minFreeBytes = 256 << 20
	warnIfLowDiskSpace(*outDat, minFreeBytes)

	c := &repackpkg.Ctx{Log: log.New(os.Stderr, "repack: ", log.LstdFlags)}
	stats, err := c.Run(ctx, repackpkg.Options{
		InDir:         *inDir,
		FileListFile:  *fileList,
		OutIdx:        *outIdx,
		OutDat:        *outDat,
		CompressLevel: *compressLevel,
		Jobs:          *jobs,
		AutoTuneJobs:  *autoTuneJobs,
		SizeSchedule:  *sizeSchedule,
		Verify:        *verify,
	})
	if err != nil {
		return xerrors.Errorf("repack: %w", err)
	}

	log.Printf("repacked %d entries (%d raw bytes, %d compressed bytes) using %d workers",
		stats.EntryCount, stats.RawBytes, stats.CompressedBytes, stats.WorkersUsed)
	if len(stats.VerifyMismatches) > 0 {
		log.Printf("verify found %d mismatches:", len(stats.VerifyMismatches))
		for _, m := range stats.VerifyMismatches {
			log.Printf("  %s", m)
		}
		return xerrors.Errorf("repack verification failed for %d entries", len(stats.VerifyMismatches))
	}
	return nil
}
