package repack

import (
	"context"
	"log"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/arkvault/gamearc/internal/archfmt"
	"github.com/arkvault/gamearc/internal/workerpool"
)

// Options configures one repack run.
type Options struct {
	InDir        string   // directory to walk when FileList/FileListFile are empty
	FileList     []string // explicit archive-path list, in order; wins over InDir
	FileListFile string   // --file-list: one relative path per line

	OutIdx string
	OutDat string

	CompressLevel int // 1-9, default 6
	Jobs          int // worker count, default runtime.NumCPU()
	AutoTuneJobs  bool
	SizeSchedule  bool
	Verify        bool
}

// Stats summarizes a completed repack, surfaced to the CLI's log lines and
// the optional -verify report.
type Stats struct {
	EntryCount       int
	RawBytes         int64
	CompressedBytes  int64
	VerifyMismatches []string
	WorkersUsed      int
}

// Ctx is the repack pipeline driver. Log defaults to log.Default() when nil.
type Ctx struct {
	Log *log.Logger
}

func (c *Ctx) logger() *log.Logger {
	if c.Log != nil {
		return c.Log
	}
	return log.Default()
}

// Run executes phases 1-6 of the repack pipeline and returns once the new
// archive is durably in place at opts.OutIdx/opts.OutDat.
func (c *Ctx) Run(ctx context.Context, opts Options) (Stats, error) {
	logger := c.logger()

	level := opts.CompressLevel
	if level == 0 {
		level = 6
	}

	inputs, err := gatherInputs(opts, logger)
	if err != nil {
		return Stats{}, xerrors.Errorf("gathering inputs: %w", err)
	}

	// Phase 1: keys and strings, phase 2: trie, built together since the
	// trie must see keys in exactly the order phase 1 accepted them.
	sb := archfmt.NewStringBuilder()
	tb := archfmt.NewTrieBuilder(archfmt.SentinelNameRaw())
	nodeKeys := [][]byte{[]byte(".")} // index 0 is the sentinel
	tb.SetStringResolver(func(nodeIndex uint32) ([]byte, error) {
		return nodeKeys[nodeIndex], nil
	})

	for i, in := range inputs {
		keyBytes := []byte(in.Key)
		si := sb.Add(keyBytes)
		nodeIdx, err := tb.Insert(keyBytes, si, uint32(i))
		if err != nil {
			return Stats{}, xerrors.Errorf("inserting %q into trie: %w", in.Key, err)
		}
		for len(nodeKeys) <= int(nodeIdx) {
			nodeKeys = append(nodeKeys, nil)
		}
		nodeKeys[nodeIdx] = keyBytes
	}

	// Phase 3: compression + DAT.
	datF, err := renameio.TempFile("", opts.OutDat)
	if err != nil {
		return Stats{}, xerrors.Errorf("creating temp data file: %w", err)
	}
	defer datF.Cleanup()

	bw, err := archfmt.NewBlockWriter(datF)
	if err != nil {
		return Stats{}, xerrors.Errorf("reserving block 0: %w", err)
	}

	jobs := make([]workerpool.Job, len(inputs))
	dispatchOrder := make([]int, len(inputs))
	for i := range inputs {
		dispatchOrder[i] = i
	}
	if opts.SizeSchedule {
		dispatchOrder, err = sizeScheduleOrder(inputs)
		if err != nil {
			return Stats{}, err
		}
	}
	for pos, origIdx := range dispatchOrder {
		jobs[pos] = workerpool.Job{Index: origIdx, Path: inputs[origIdx].Local}
	}

	workers := opts.Jobs
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if opts.AutoTuneJobs && len(inputs) >= 256 {
		workers, err = autoTuneWorkers(ctx, jobs, level, workers)
		if err != nil {
			return Stats{}, xerrors.Errorf("auto-tuning worker count: %w", err)
		}
		logger.Printf("auto-tune selected %d workers", workers)
	}

	compress := compressFunc(level)
	pool := workerpool.New(workers, compress)
	results, err := pool.Run(ctx, jobs)
	if err != nil {
		return Stats{}, xerrors.Errorf("compressing inputs: %w", err)
	}

	startBlock := make([]uint32, len(inputs))
	wrappedSize := make([]uint32, len(inputs))
	var rawBytes, compressedBytes int64
	for _, r := range results {
		blk, err := bw.Append(r.Wrapped)
		if err != nil {
			return Stats{}, xerrors.Errorf("appending %s to data file: %w", r.Path, err)
		}
		startBlock[r.Index] = blk
		wrappedSize[r.Index] = uint32(len(r.Wrapped))
		compressedBytes += int64(len(r.Wrapped))
	}
	for _, in := range inputs {
		fi, err := os.Stat(in.Local)
		if err == nil {
			rawBytes += fi.Size()
		}
	}
	if err := bw.Flush(); err != nil {
		return Stats{}, xerrors.Errorf("flushing data file: %w", err)
	}
	if err := datF.Sync(); err != nil {
		return Stats{}, xerrors.Errorf("fsyncing data file: %w", err)
	}

	// Phase 4: meta + FAT buffers.
	metaBytes := make([]byte, len(inputs)*16)
	for i := range inputs {
		m := archfmt.MetaRecord{
			Flags:      archfmt.MetaFlagCompressed,
			Size:       wrappedSize[i],
			StartBlock: startBlock[i],
		}
		copy(metaBytes[i*16:(i+1)*16], m.Marshal())
	}
	fatBytes := bw.FATBytes()

	// Phase 5: index file.
	trieBytes := tb.Bytes()
	stringBytes := append(append([]byte{}, archfmt.SentinelStringRecord()...), sb.Bytes()...)

	const pageSize = 4096
	sizes := [archfmt.NumChannels]uint32{
		archfmt.ChanTrie:    uint32(len(trieBytes)),
		archfmt.ChanStrings: uint32(len(stringBytes)),
		archfmt.ChanMeta:    uint32(len(metaBytes)),
		archfmt.ChanFAT:     uint32(len(fatBytes)),
	}
	stripes := archfmt.Stripes(pageSize, sizes, archfmt.DefaultPagesPerStripe)
	if stripes == 0 {
		stripes = 1
	}
	length := archfmt.IndexFileLength(pageSize, stripes, archfmt.DefaultPagesPerStripe)

	buf := make([]byte, length)
	copy(buf, archfmt.WriteHeader(pageSize, sizes, archfmt.DefaultPagesPerStripe))
	layout := archfmt.NewLayoutForWrite(pageSize, sizes, archfmt.DefaultPagesPerStripe)
	w := &bufWriterAt{buf: buf}
	channelData := [archfmt.NumChannels][]byte{trieBytes, stringBytes, metaBytes, fatBytes}
	for c, data := range channelData {
		if len(data) == 0 {
			continue
		}
		if err := layout.WriteChannelBytes(w, c, 0, data); err != nil {
			return Stats{}, xerrors.Errorf("writing channel %d: %w", c, err)
		}
	}

	idxF, err := renameio.TempFile("", opts.OutIdx)
	if err != nil {
		return Stats{}, xerrors.Errorf("creating temp index file: %w", err)
	}
	defer idxF.Cleanup()
	if _, err := idxF.Write(buf); err != nil {
		return Stats{}, xerrors.Errorf("writing index file: %w", err)
	}

	if err := datF.CloseAtomicallyReplace(); err != nil {
		return Stats{}, xerrors.Errorf("committing data file: %w", err)
	}
	if err := idxF.CloseAtomicallyReplace(); err != nil {
		return Stats{}, xerrors.Errorf("committing index file: %w", err)
	}

	stats := Stats{
		EntryCount:      len(inputs),
		RawBytes:        rawBytes,
		CompressedBytes: compressedBytes,
		WorkersUsed:     workers,
	}

	// Phase 6: optional verify. Mismatches are reported, not fatal — the
	// repack's primary result is already committed.
	if opts.Verify {
		mismatches, err := verify(inputs, opts.OutIdx, opts.OutDat)
		if err != nil {
			return stats, xerrors.Errorf("verifying repacked archive: %w", err)
		}
		stats.VerifyMismatches = mismatches
	}

	return stats, nil
}

func compressFunc(level int) workerpool.CompressFunc {
	return func(ctx context.Context, path string) ([]byte, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return archfmt.EncodeWrapped(raw, level)
	}
}

// sizeScheduleOrder returns dispatch positions sorted by descending local
// file size, ties broken by original index, so the largest files start
// compressing first.
func sizeScheduleOrder(inputs []input) ([]int, error) {
	sizes := make([]int64, len(inputs))
	for i, in := range inputs {
		fi, err := os.Stat(in.Local)
		if err != nil {
			return nil, xerrors.Errorf("stat %s: %w", in.Local, err)
		}
		sizes[i] = fi.Size()
	}
	order := make([]int, len(inputs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return sizes[order[a]] > sizes[order[b]]
	})
	return order, nil
}

// autoTuneWorkers samples up to 128 inputs and times a compression pass at
// each candidate worker count, choosing the fastest.
func autoTuneWorkers(ctx context.Context, jobs []workerpool.Job, level, requested int) (int, error) {
	sampleN := len(jobs)
	if sampleN > 128 {
		sampleN = 128
	}
	sample := jobs[:sampleN]

	cores := runtime.NumCPU()
	candidates := uniqueInts([]int{1, maxInt(cores/2, 1), cores, cores * 2, requested})
	compress := compressFunc(level)

	return workerpool.AutoTuneWorkers(candidates, func(workers int) (int64, error) {
		pool := workerpool.New(workers, compress)
		start := time.Now()
		if _, err := pool.Run(ctx, sample); err != nil {
			return 0, err
		}
		return int64(time.Since(start)), nil
	})
}

func uniqueInts(in []int) []int {
	seen := make(map[int]bool, len(in))
	var out []int
	for _, v := range in {
		if v <= 0 || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// bufWriterAt is an in-memory io.WriterAt over a preallocated buffer, used to
// assemble the whole index file image before a single atomic write.
type bufWriterAt struct {
	buf []byte
}

func (w *bufWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n := copy(w.buf[off:], p)
	return n, nil
}
