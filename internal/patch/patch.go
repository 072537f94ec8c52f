// Package patch implements the in-place, append-only patch pipeline:
// resolve target keys, compress replacement payloads, append
// them to the data file, rewrite the FAT and meta slots, verify, and roll
// back on any post-commit failure.
package patch

import (
	"context"
	"crypto/sha1"
	"log"
	"os"
	"runtime"
	"sort"

	"golang.org/x/xerrors"

	"github.com/arkvault/gamearc"
	"github.com/arkvault/gamearc/internal/archfmt"
	"github.com/arkvault/gamearc/internal/workerpool"
)

// FileEntry is one archive-key -> local-file replacement requested by the
// caller, e.g. from repeated -file archive=local flags or a -patch-dir walk.
type FileEntry struct {
	ArchiveKey string
	LocalPath  string
}

// Options configures one patch run.
type Options struct {
	IdxPath string
	DatPath string
	Files   []FileEntry

	CompressLevel int
	Jobs          int
	DryRun        bool
}

// Result summarizes a patch run's outcome.
type Result struct {
	Applied    []string
	Skipped    []string
	DryRun     bool
	RolledBack bool
}

// Ctx is the patch pipeline driver.
type Ctx struct {
	Log *log.Logger
}

func (c *Ctx) logger() *log.Logger {
	if c.Log != nil {
		return c.Log
	}
	return log.Default()
}

type resolvedPatch struct {
	Key       string
	MetaIndex uint32
	Local     string
	OldMeta   archfmt.MetaRecord
}

type preparedPatch struct {
	resolvedPatch
	Wrapped   []byte
	NewStart  uint32
	NewMeta   archfmt.MetaRecord
	RawSize   int
	RawSHA1   [sha1.Size]byte
}

// Run executes the patch state machine: Resolved -> Prepared -> DatAppended
// -> IdxUpdated -> Verified, or rolls back to Failed on any post-write error.
func (c *Ctx) Run(ctx context.Context, opts Options) (Result, error) {
	logger := c.logger()

	arc, err := archfmt.Open(opts.IdxPath, opts.DatPath)
	if err != nil {
		return Result{}, xerrors.Errorf("opening archive: %w", err)
	}
	defer arc.Close()

	resolved, skipped := resolve(arc, opts.Files, logger)

	if opts.DryRun {
		applied := make([]string, len(resolved))
		for i, r := range resolved {
			applied[i] = r.Key
			logger.Printf("would patch %s (meta %d) from %s", r.Key, r.MetaIndex, r.Local)
		}
		return Result{Applied: applied, Skipped: skipped, DryRun: true}, nil
	}

	if len(resolved) == 0 {
		return Result{Skipped: skipped}, nil
	}

	if err := preflight(arc, opts.DatPath); err != nil {
		return Result{}, err
	}

	prepared, err := prepare(ctx, arc, resolved, opts)
	if err != nil {
		return Result{}, xerrors.Errorf("preparing patch: %w", err)
	}

	origFATSize := uint32(arc.FAT().EntryCount()) * 4
	origDatSize, err := fileSize(opts.DatPath)
	if err != nil {
		return Result{}, xerrors.Errorf("stat data file: %w", err)
	}
	origMetaBytes := make(map[uint32][]byte, len(prepared))
	for _, p := range prepared {
		origMetaBytes[p.MetaIndex] = p.OldMeta.Marshal()
	}

	applied := make([]string, len(prepared))
	for i, p := range prepared {
		applied[i] = p.Key
	}

	// Register a rollback hook for the duration of the commit/verify phase.
	// It runs only if RunAtExit is called while commit or verify is still in
	// progress; it is canceled before Run performs its own rollback, and a
	// killed process runs no hooks at all.
	handle := gamearc.RegisterAtExit(func() error {
		return rollback(opts.IdxPath, opts.DatPath, origDatSize, origFATSize, origMetaBytes)
	})

	commitErr := commit(arc, opts.IdxPath, opts.DatPath, prepared, origFATSize)
	if commitErr == nil {
		if verifyErr := verify(opts.IdxPath, opts.DatPath, prepared); verifyErr != nil {
			commitErr = verifyErr
		}
	}
	gamearc.CancelAtExit(handle)
	if commitErr != nil {
		if rbErr := rollback(opts.IdxPath, opts.DatPath, origDatSize, origFATSize, origMetaBytes); rbErr != nil {
			return Result{}, xerrors.Errorf("rollback after %v failed: %w", commitErr, rbErr)
		}
		logger.Printf("patch failed, rolled back: %v", commitErr)
		return Result{Skipped: skipped, RolledBack: true}, xerrors.Errorf("committing patch: %w", commitErr)
	}

	return Result{Applied: applied, Skipped: skipped}, nil
}

// resolve is the resolution phase: normalize each query, look up
// exact then lowercase-fallback, and drop queries that land on an
// already-claimed meta_index.
func resolve(arc *archfmt.Archive, files []FileEntry, logger *log.Logger) ([]resolvedPatch, []string) {
	var resolved []resolvedPatch
	var skipped []string
	seen := make(map[uint32]bool)

	for _, f := range files {
		keyNorm := archfmt.NormalizeKey(f.ArchiveKey)
		metaIdx, found, err := arc.FindMeta([]byte(keyNorm))
		if err != nil {
			skipped = append(skipped, f.ArchiveKey+": lookup error: "+err.Error())
			logger.Printf("skipping %s: %v", f.ArchiveKey, err)
			continue
		}
		if !found {
			skipped = append(skipped, f.ArchiveKey+": not found")
			logger.Printf("skipping %s: not found in archive", f.ArchiveKey)
			continue
		}
		if seen[metaIdx] {
			skipped = append(skipped, f.ArchiveKey+": duplicate target")
			logger.Printf("skipping %s: another query already targets meta %d", f.ArchiveKey, metaIdx)
			continue
		}
		seen[metaIdx] = true
		resolved = append(resolved, resolvedPatch{
			Key:       keyNorm,
			MetaIndex: metaIdx,
			Local:     f.LocalPath,
			OldMeta:   arc.Meta().Record(metaIdx),
		})
	}
	return resolved, skipped
}

// preflight checks the fatal consistency preconditions before any
// write touches either file.
func preflight(arc *archfmt.Archive, datPath string) error {
	datSize, err := fileSize(datPath)
	if err != nil {
		return xerrors.Errorf("stat data file: %w", err)
	}
	if datSize%archfmt.BlockSize != 0 {
		return xerrors.Errorf("data file size %d not a multiple of %d: %w", datSize, archfmt.BlockSize, archfmt.ErrInconsistentArchive)
	}
	if datSize/archfmt.BlockSize != int64(arc.FAT().EntryCount()) {
		return xerrors.Errorf("data file block count %d != FAT entry count %d: %w", datSize/archfmt.BlockSize, arc.FAT().EntryCount(), archfmt.ErrInconsistentArchive)
	}
	wantFATBytes := uint32(arc.FAT().EntryCount()) * 4
	if arc.Layout().Channels[archfmt.ChanFAT].SizeBytes != wantFATBytes {
		return xerrors.Errorf("FAT channel size_bytes %d != entry count * 4 (%d): %w", arc.Layout().Channels[archfmt.ChanFAT].SizeBytes, wantFATBytes, archfmt.ErrInconsistentArchive)
	}
	return nil
}

// prepare is the prepare phase: compress every replacement
// payload, lay out contiguous block ranges in dispatch order, and build old
// and new meta record bytes without touching either file.
func prepare(ctx context.Context, arc *archfmt.Archive, resolved []resolvedPatch, opts Options) ([]preparedPatch, error) {
	level := opts.CompressLevel
	if level == 0 {
		level = 6
	}
	workers := opts.Jobs
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	jobs := make([]workerpool.Job, len(resolved))
	for i, r := range resolved {
		jobs[i] = workerpool.Job{Index: i, Path: r.Local}
	}

	compress := func(ctx context.Context, path string) ([]byte, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return archfmt.EncodeWrapped(raw, level)
	}
	pool := workerpool.New(workers, compress)
	results, err := pool.Run(ctx, jobs)
	if err != nil {
		return nil, xerrors.Errorf("compressing patch payloads: %w", err)
	}
	// Patch lays out blocks in dispatch order, not completion order.
	sort.Slice(results, func(a, b int) bool { return results[a].Index < results[b].Index })

	currentBlockCount := uint32(arc.FAT().EntryCount())
	fatCapacity := arc.Layout().ChannelCapacityBytes(archfmt.ChanFAT)
	metaCapacity := int(arc.Layout().ChannelCapacityBytes(archfmt.ChanMeta) / 16)

	prepared := make([]preparedPatch, len(results))
	for i, r := range results {
		res := resolved[r.Index]

		raw, err := os.ReadFile(res.Local)
		if err != nil {
			return nil, xerrors.Errorf("rereading %s: %w", res.Local, err)
		}
		sum := sha1.Sum(raw)

		numBlocks := (uint32(len(r.Wrapped)) + archfmt.BlockSize - 1) / archfmt.BlockSize
		if numBlocks == 0 {
			numBlocks = 1
		}
		startBlock := currentBlockCount
		currentBlockCount += numBlocks

		if int(res.MetaIndex) >= metaCapacity {
			return nil, xerrors.Errorf("meta index %d exceeds channel capacity %d entries: %w", res.MetaIndex, metaCapacity, archfmt.ErrCapacityExceeded)
		}

		newMeta := archfmt.MetaRecord{
			Flags:      res.OldMeta.Flags | archfmt.MetaFlagCompressed,
			Size:       uint32(len(r.Wrapped)),
			StartBlock: startBlock,
			Extra:      res.OldMeta.Extra,
		}

		prepared[i] = preparedPatch{
			resolvedPatch: res,
			Wrapped:       r.Wrapped,
			NewStart:      startBlock,
			NewMeta:       newMeta,
			RawSize:       len(raw),
			RawSHA1:       sum,
		}
	}

	newFATSize := int64(currentBlockCount) * 4
	if newFATSize > fatCapacity {
		return nil, xerrors.Errorf("new FAT size %d exceeds channel capacity %d: %w", newFATSize, fatCapacity, archfmt.ErrCapacityExceeded)
	}

	return prepared, nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
