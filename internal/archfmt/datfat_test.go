package archfmt

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/xerrors"
)

// memFile is a minimal in-memory io.ReaderAt/io.WriterAt for exercising
// BlockWriter and ReadPayload without touching the filesystem.
type memFile struct {
	buf []byte
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	need := off + int64(len(p))
	if need > int64(len(m.buf)) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func TestBlockWriterAppendAndReadPayload(t *testing.T) {
	f := &memFile{}
	bw, err := NewBlockWriter(f)
	if err != nil {
		t.Fatal(err)
	}

	payloads := [][]byte{
		bytes.Repeat([]byte{0x11}, 100),              // 1 block
		bytes.Repeat([]byte{0x22}, BlockSize*3-10),    // 3 blocks
		bytes.Repeat([]byte{0x33}, BlockSize),         // exactly 1 block
		[]byte{0x44},                                  // 1 block, mostly padding
	}
	starts := make([]uint32, len(payloads))
	for i, p := range payloads {
		sb, err := bw.Append(p)
		if err != nil {
			t.Fatal(err)
		}
		starts[i] = sb
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	fat, err := NewFAT(bw.FATBytes())
	if err != nil {
		t.Fatal(err)
	}

	for i, want := range payloads {
		got, err := ReadPayload(f, fat, starts[i], uint32(len(want)))
		if err != nil {
			t.Fatalf("ReadPayload(%d): %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("payload %d mismatch: got %d bytes, want %d bytes", i, len(got), len(want))
		}
	}
}

func TestReadPayloadRejectsBlockZero(t *testing.T) {
	f := &memFile{buf: make([]byte, BlockSize*2)}
	fat, err := NewFAT(make([]byte, 8)) // 2 entries
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPayload(f, fat, 0, 10); !xerrors.Is(err, ErrInvalidStartBlock) {
		t.Fatalf("got %v, want ErrInvalidStartBlock", err)
	}
}

func TestReadPayloadRejectsShortChain(t *testing.T) {
	f := &memFile{buf: make([]byte, BlockSize*2)}
	// FAT: block 0 reserved, block 1 is EndOfChain but we ask for 2 blocks
	// worth of data.
	fatBytes := make([]byte, 8)
	fatBytes[4], fatBytes[5], fatBytes[6], fatBytes[7] = 0xFF, 0xFF, 0xFF, 0xFF
	fat, err := NewFAT(fatBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPayload(f, fat, 1, BlockSize*2); !xerrors.Is(err, ErrUnexpectedEndOfChain) {
		t.Fatalf("got %v, want ErrUnexpectedEndOfChain", err)
	}
}

// shortReaderAt simulates a backing file truncated mid-block: reads past
// its buf return io.EOF along with whatever bytes were available, the same
// shape *os.File.ReadAt gives when asked to read past end-of-file.
type shortReaderAt struct {
	buf []byte
}

func (s *shortReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.buf)) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func TestReadPayloadRaisesShortReadOnTruncatedFile(t *testing.T) {
	// Declares a one-block payload but the backing file only has half a
	// block of data, as if the data file were truncated out from under us.
	f := &shortReaderAt{buf: make([]byte, BlockSize/2)}
	fatBytes := make([]byte, 8)
	fatBytes[4], fatBytes[5], fatBytes[6], fatBytes[7] = 0xFF, 0xFF, 0xFF, 0xFF
	fat, err := NewFAT(fatBytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPayload(f, fat, 1, BlockSize); !xerrors.Is(err, ErrShortRead) {
		t.Fatalf("got %v, want ErrShortRead", err)
	}
}

func TestContinueBlockWriterAppendsPastExisting(t *testing.T) {
	f := &memFile{buf: make([]byte, BlockSize*3)}
	bw := ContinueBlockWriter(f, 3)
	start, err := bw.Append(bytes.Repeat([]byte{0x55}, 50))
	if err != nil {
		t.Fatal(err)
	}
	if start != 3 {
		t.Fatalf("got start block %d, want 3", start)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	fat, err := NewFAT(bw.FATBytes())
	if err != nil {
		t.Fatal(err)
	}
	if fat.EntryCount() != 1 {
		t.Fatalf("got %d new FAT entries, want 1", fat.EntryCount())
	}
	next, err := fat.Next(0)
	if err != nil {
		t.Fatal(err)
	}
	if next != EndOfChain {
		t.Fatalf("got next %#x, want EndOfChain", next)
	}
}
