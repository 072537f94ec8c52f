package archfmt

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// NumChannels is the fixed number of logical channels interleaved in the
// index file's page grid: directory trie, string table, meta table, FAT.
const NumChannels = 4

const (
	ChanTrie = iota
	ChanStrings
	ChanMeta
	ChanFAT
)

var indexMagic = [4]byte{'A', 'B', 'C', 'D'}

// candidatePageSizes are the page sizes inference considers: 4096 wins ties,
// otherwise the smallest surviving candidate.
var candidatePageSizes = []int{512, 1024, 2048, 4096, 8192, 16384, 32768}

// channelHeader is the on-disk (pages_per_stripe, size_bytes) pair for one
// channel, as stored in the index file's header page.
type channelHeader struct {
	PagesPerStripe uint32
	SizeBytes      uint32
}

// DefaultPagesPerStripe is the default pages-per-stripe vector;
// implementations honor whatever the header actually declares, this is only
// used by the repack pipeline when emitting a fresh archive.
var DefaultPagesPerStripe = [NumChannels]uint32{4, 8, 1, 4}

// Layout describes the striped page grid of an open index file: the inferred
// page size and the per-channel (pages_per_stripe, size_bytes) vectors read
// from the header. It provides pure offset mapping and gathers/scatters
// channel bytes across page boundaries.
type Layout struct {
	r           io.ReaderAt
	PageSize    int
	Channels    [NumChannels]channelHeader
	StripeCount uint32 // number of stripes in the data region (0 for a write-only Layout built without a known file length)
	stripeSpan  uint32 // sum of pages_per_stripe across all channels
}

// ChannelCapacityBytes returns the number of bytes channel c's page
// allotment can hold across the index file's stripes, i.e. the ceiling a
// patch's growth of that channel must not exceed.
func (l *Layout) ChannelCapacityBytes(c int) int64 {
	return int64(l.StripeCount) * int64(l.Channels[c].PagesPerStripe) * int64(l.PageSize)
}

// OpenLayout validates the index file's magic and channel header, infers the
// page size among the candidates in candidatePageSizes, and returns a Layout
// ready for channel reads. fileLen is the total size of the index file.
func OpenLayout(r io.ReaderAt, fileLen int64) (*Layout, error) {
	var hdr [4 + 4 + NumChannels*8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, xerrors.Errorf("reading index header: %w", err)
	}
	if [4]byte{hdr[0], hdr[1], hdr[2], hdr[3]} != indexMagic {
		return nil, xerrors.Errorf("magic %q: %w", hdr[0:4], ErrUnrecognizedLayout)
	}
	e := binary.LittleEndian
	channelCount := e.Uint32(hdr[4:8])
	if channelCount != NumChannels {
		return nil, xerrors.Errorf("channel count %d != %d: %w", channelCount, NumChannels, ErrUnrecognizedLayout)
	}

	l := &Layout{r: r}
	off := 8
	for c := 0; c < NumChannels; c++ {
		l.Channels[c].PagesPerStripe = e.Uint32(hdr[off : off+4])
		l.Channels[c].SizeBytes = e.Uint32(hdr[off+4 : off+8])
		l.stripeSpan += l.Channels[c].PagesPerStripe
		off += 8
	}

	pageSize, err := l.inferPageSize(fileLen)
	if err != nil {
		return nil, err
	}
	l.PageSize = pageSize
	return l, nil
}

// inferPageSize filters the candidate page sizes: a page size
// survives when it evenly divides the file length, leaves at least two
// pages, the data region divides evenly into stripes, and every channel's
// declared size fits within its stripe allotment.
func (l *Layout) inferPageSize(fileLen int64) (int, error) {
	var best int
	var bestStripes uint32
	for _, ps := range candidatePageSizes {
		if fileLen%int64(ps) != 0 {
			continue
		}
		totalPages := fileLen / int64(ps)
		if totalPages < 2 {
			continue
		}
		dataPages := totalPages - 1
		if l.stripeSpan == 0 || dataPages%int64(l.stripeSpan) != 0 {
			continue
		}
		if !l.channelsFitCapacity(ps, dataPages) {
			continue
		}
		stripes := uint32(dataPages / int64(l.stripeSpan))
		if ps == 4096 {
			l.StripeCount = stripes
			return ps, nil
		}
		if best == 0 || ps < best {
			best = ps
			bestStripes = stripes
		}
	}
	if best != 0 {
		l.StripeCount = bestStripes
		return best, nil
	}
	return 0, xerrors.Errorf("no page size in %v satisfies index file length %d: %w", candidatePageSizes, fileLen, ErrUnrecognizedLayout)
}

func (l *Layout) channelsFitCapacity(pageSize int, dataPages int64) bool {
	stripes := dataPages / int64(l.stripeSpan)
	for c := 0; c < NumChannels; c++ {
		pps := int64(l.Channels[c].PagesPerStripe)
		capacityBytes := stripes * pps * int64(pageSize)
		if int64(l.Channels[c].SizeBytes) > capacityBytes {
			return false
		}
	}
	return true
}

// NewLayoutForWrite returns a Layout with no backing reader, used by the
// repack pipeline to compute physical offsets for a fresh archive it is
// about to emit. Only the offset-mapping and WriteChannelBytes methods are
// meaningful on the result; ReadChannel would panic since there is no
// reader to gather from.
func NewLayoutForWrite(pageSize int, sizes [NumChannels]uint32, pagesPerStripe [NumChannels]uint32) *Layout {
	l := &Layout{PageSize: pageSize}
	for c := 0; c < NumChannels; c++ {
		l.Channels[c] = channelHeader{PagesPerStripe: pagesPerStripe[c], SizeBytes: sizes[c]}
		l.stripeSpan += pagesPerStripe[c]
	}
	return l
}

// prefix returns the sum of pages_per_stripe for channels preceding c.
func (l *Layout) prefix(c int) uint32 {
	var sum uint32
	for i := 0; i < c; i++ {
		sum += l.Channels[i].PagesPerStripe
	}
	return sum
}

// physicalPage maps logical page P of channel c to a physical page number
// relative to the start of the data region (i.e. 0 is the first page after
// the header page): stripe(P)*stripeSpan + prefix(c) + P mod pps[c].
func (l *Layout) physicalPage(c int, logicalPage uint32) uint32 {
	pps := l.Channels[c].PagesPerStripe
	stripe := logicalPage / pps
	return stripe*l.stripeSpan + l.prefix(c) + logicalPage%pps
}

// ChannelLogicalToFileOffset is the pure mapping from a logical byte offset
// within channel c to an absolute file offset.
func (l *Layout) ChannelLogicalToFileOffset(c int, off uint32) int64 {
	logicalPage := off / uint32(l.PageSize)
	pageOff := off % uint32(l.PageSize)
	physPage := l.physicalPage(c, logicalPage)
	// +1 because physical page 0 is the header.
	return (int64(physPage)+1)*int64(l.PageSize) + int64(pageOff)
}

// ReadChannel materializes channel c's full size_bytes-long logical view by
// gathering its pages in logical order. Any bytes beyond size_bytes in the
// last page are undefined padding and are not included.
func (l *Layout) ReadChannel(c int) ([]byte, error) {
	size := l.Channels[c].SizeBytes
	out := make([]byte, size)
	var read uint32
	for read < size {
		fileOff := l.ChannelLogicalToFileOffset(c, read)
		chunk := uint32(l.PageSize) - read%uint32(l.PageSize)
		if remaining := size - read; chunk > remaining {
			chunk = remaining
		}
		if _, err := l.r.ReadAt(out[read:read+chunk], fileOff); err != nil {
			return nil, xerrors.Errorf("reading channel %d at logical offset %d: %w", c, read, err)
		}
		read += chunk
	}
	return out, nil
}

// WriteChannelBytes scatter-writes data into channel c starting at logical
// offset off, segmenting each write so it never crosses a logical-page
// boundary. Used only by the patch pipeline; callers are responsible for a
// durability barrier (fsync) afterward.
func (l *Layout) WriteChannelBytes(w io.WriterAt, c int, off uint32, data []byte) error {
	var written uint32
	for written < uint32(len(data)) {
		cur := off + written
		fileOff := l.ChannelLogicalToFileOffset(c, cur)
		chunk := uint32(l.PageSize) - cur%uint32(l.PageSize)
		if remaining := uint32(len(data)) - written; chunk > remaining {
			chunk = remaining
		}
		if _, err := w.WriteAt(data[written:written+chunk], fileOff); err != nil {
			return xerrors.Errorf("writing channel %d at logical offset %d: %w", c, cur, err)
		}
		written += chunk
	}
	return nil
}

// Stripes returns the number of stripes needed so every channel's
// ceil(size_bytes/page_size) pages fit within stripes*pages_per_stripe[c].
func Stripes(pageSize int, sizes [NumChannels]uint32, pagesPerStripe [NumChannels]uint32) uint32 {
	var stripes uint32
	for c := 0; c < NumChannels; c++ {
		pagesNeeded := (sizes[c] + uint32(pageSize) - 1) / uint32(pageSize)
		if pagesNeeded == 0 {
			continue
		}
		need := (pagesNeeded + pagesPerStripe[c] - 1) / pagesPerStripe[c]
		if need > stripes {
			stripes = need
		}
	}
	return stripes
}

// IndexFileLength computes the total index file size for the given page
// size, stripe count, and pages-per-stripe vector.
func IndexFileLength(pageSize int, stripes uint32, pagesPerStripe [NumChannels]uint32) int64 {
	var span uint32
	for _, p := range pagesPerStripe {
		span += p
	}
	return (1 + int64(stripes)*int64(span)) * int64(pageSize)
}

// ChannelSizeFieldOffset returns the absolute file offset of channel c's
// size_bytes header word, used by the patch pipeline to rewrite the FAT
// channel's declared length in place after appending new entries.
func ChannelSizeFieldOffset(c int) int64 {
	return 8 + int64(c)*8 + 4
}

// WriteHeader serializes the index file header page (magic, channel count,
// per-channel (pages_per_stripe, size_bytes)) into a full page-sized buffer,
// zero-padded.
func WriteHeader(pageSize int, sizes [NumChannels]uint32, pagesPerStripe [NumChannels]uint32) []byte {
	buf := make([]byte, pageSize)
	copy(buf[0:4], indexMagic[:])
	e := binary.LittleEndian
	e.PutUint32(buf[4:8], NumChannels)
	off := 8
	for c := 0; c < NumChannels; c++ {
		e.PutUint32(buf[off:off+4], pagesPerStripe[c])
		e.PutUint32(buf[off+4:off+8], sizes[c])
		off += 8
	}
	return buf
}
