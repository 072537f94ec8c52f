package archfmt

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// BlockSize is the fixed data-file block size.
const BlockSize = 512

// EndOfChain marks the last block of a chain in the FAT.
const EndOfChain = 0xFFFF_FFFF

// FAT decodes the fixed 32-bit-word file allocation table (channel 3).
type FAT struct {
	entries []uint32
}

// NewFAT decodes channel-3 bytes into a FAT. Length must be a multiple of 4.
func NewFAT(data []byte) (*FAT, error) {
	if len(data)%4 != 0 {
		return nil, xerrors.Errorf("FAT channel length %d not a multiple of 4: %w", len(data), ErrUnrecognizedLayout)
	}
	n := len(data) / 4
	entries := make([]uint32, n)
	for i := 0; i < n; i++ {
		entries[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	return &FAT{entries: entries}, nil
}

// EntryCount returns the number of FAT entries (== data file size / 512).
func (f *FAT) EntryCount() int { return len(f.entries) }

// Next returns the successor block of b.
func (f *FAT) Next(b uint32) (uint32, error) {
	if int(b) >= len(f.entries) {
		return 0, xerrors.Errorf("block %d beyond FAT entry count %d: %w", b, len(f.entries), ErrUnexpectedEndOfChain)
	}
	return f.entries[b], nil
}

// ReadPayload reads a file's raw (still-wrapped) bytes given its meta
// record, walking the FAT chain starting at startBlock and reading size
// bytes total across however many 512-byte blocks that spans.
func ReadPayload(r io.ReaderAt, fat *FAT, startBlock, size uint32) ([]byte, error) {
	if startBlock == 0 || int(startBlock) >= fat.EntryCount() {
		return nil, xerrors.Errorf("start block %d: %w", startBlock, ErrInvalidStartBlock)
	}

	out := make([]byte, size)
	remaining := size
	block := startBlock

	for remaining > 0 {
		n := uint32(BlockSize)
		if n > remaining {
			n = remaining
		}
		off := int64(block) * BlockSize
		got, err := r.ReadAt(out[size-remaining:size-remaining+n], off)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, xerrors.Errorf("reading block %d: got %d of %d bytes: %v: %w", block, got, n, err, ErrShortRead)
			}
			return nil, xerrors.Errorf("reading block %d: %w", block, err)
		}
		remaining -= n

		if remaining == 0 {
			break
		}
		next, err := fat.Next(block)
		if err != nil {
			return nil, err
		}
		if next == EndOfChain {
			return nil, xerrors.Errorf("chain ended with %d bytes still unread: %w", remaining, ErrUnexpectedEndOfChain)
		}
		block = next
	}

	last, err := fat.Next(block)
	if err != nil {
		return nil, err
	}
	if last != EndOfChain {
		return nil, xerrors.Errorf("chain continues past declared size: %w", ErrUnexpectedEndOfChain)
	}
	return out, nil
}

// BlockWriter appends whole files' wrapped payloads to a data file at block
// granularity, batching pending bytes up to an 8 MiB flush threshold.
type BlockWriter struct {
	w              io.WriterAt
	nextBlock      uint32 // block count so far, including reserved block 0
	pending        []byte
	pendingAt      int64 // byte offset in the data file where pending begins
	flushThreshold int
	fatEntries     []uint32 // entries appended so far, index-aligned from block 0 (from the starting block for ContinueBlockWriter)
}

const blockWriterFlushThreshold = 8 << 20

// NewBlockWriter returns a writer positioned after the reserved, zero-filled
// block 0. w must support writes at arbitrary offsets (e.g. *os.File).
func NewBlockWriter(w io.WriterAt) (*BlockWriter, error) {
	var zero [BlockSize]byte
	if _, err := w.WriteAt(zero[:], 0); err != nil {
		return nil, xerrors.Errorf("reserving block 0: %w", err)
	}
	return &BlockWriter{
		w:              w,
		nextBlock:      1,
		flushThreshold: blockWriterFlushThreshold,
		fatEntries:     []uint32{0},
	}, nil
}

// ContinueBlockWriter returns a BlockWriter that appends past an existing
// archive's currentBlockCount blocks, used by the patch pipeline to grow an
// already-populated data file. Unlike NewBlockWriter it does not reserve or
// zero-fill block 0, since that block already exists on disk. FATBytes on
// the result contains only the newly appended entries.
func ContinueBlockWriter(w io.WriterAt, currentBlockCount uint32) *BlockWriter {
	return &BlockWriter{
		w:              w,
		nextBlock:      currentBlockCount,
		flushThreshold: blockWriterFlushThreshold,
	}
}

// Append reserves ceil(len(wrapped)/512) consecutive blocks, writes wrapped
// zero-padded to a block boundary, and appends FAT entries chaining the
// blocks together (EndOfChain on the last). Returns the first block of the
// new chain.
func (bw *BlockWriter) Append(wrapped []byte) (startBlock uint32, err error) {
	numBlocks := (uint32(len(wrapped)) + BlockSize - 1) / BlockSize
	if numBlocks == 0 {
		numBlocks = 1
	}
	startBlock = bw.nextBlock

	padded := make([]byte, numBlocks*BlockSize)
	copy(padded, wrapped)

	if err := bw.write(padded); err != nil {
		return 0, err
	}

	for i := uint32(0); i < numBlocks; i++ {
		if i == numBlocks-1 {
			bw.fatEntries = append(bw.fatEntries, EndOfChain)
		} else {
			bw.fatEntries = append(bw.fatEntries, bw.nextBlock+i+1)
		}
	}
	bw.nextBlock += numBlocks

	return startBlock, nil
}

func (bw *BlockWriter) write(data []byte) error {
	if bw.pending == nil {
		bw.pendingAt = int64(bw.nextBlock) * BlockSize
	}
	bw.pending = append(bw.pending, data...)
	if len(bw.pending) >= bw.flushThreshold {
		return bw.Flush()
	}
	return nil
}

// Flush writes any buffered bytes to the underlying writer.
func (bw *BlockWriter) Flush() error {
	if len(bw.pending) == 0 {
		return nil
	}
	if _, err := bw.w.WriteAt(bw.pending, bw.pendingAt); err != nil {
		return xerrors.Errorf("flushing %d pending bytes: %w", len(bw.pending), err)
	}
	bw.pending = nil
	return nil
}

// FATBytes serializes the accumulated FAT entries as little-endian u32s.
func (bw *BlockWriter) FATBytes() []byte {
	out := make([]byte, len(bw.fatEntries)*4)
	for i, e := range bw.fatEntries {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], e)
	}
	return out
}

// BlockCount returns the total number of blocks allocated so far, including
// the reserved block 0.
func (bw *BlockWriter) BlockCount() uint32 { return bw.nextBlock }
