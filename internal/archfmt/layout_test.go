package archfmt

import (
	"bytes"
	"io"
	"testing"

	xe "golang.org/x/xerrors"
)

// buildTestIndex assembles a minimal index file (as many stripes as the
// channel data needs, at least one) in memory using
// the package's own Stripes/IndexFileLength/WriteHeader helpers, then writes
// channel payloads through a Layout opened on top of it. This exercises the
// header <-> layout round trip without needing a real repacked archive.
func buildTestIndex(t *testing.T, pageSize int, channelData [NumChannels][]byte, pagesPerStripe [NumChannels]uint32) []byte {
	t.Helper()

	var sizes [NumChannels]uint32
	for c, d := range channelData {
		sizes[c] = uint32(len(d))
	}
	stripes := Stripes(pageSize, sizes, pagesPerStripe)
	if stripes == 0 {
		stripes = 1
	}
	length := IndexFileLength(pageSize, stripes, pagesPerStripe)

	buf := make([]byte, length)
	copy(buf, WriteHeader(pageSize, sizes, pagesPerStripe))

	l := &Layout{PageSize: pageSize}
	for c := range l.Channels {
		l.Channels[c] = channelHeader{PagesPerStripe: pagesPerStripe[c], SizeBytes: sizes[c]}
		l.stripeSpan += pagesPerStripe[c]
	}

	w := &sliceWriterAt{buf: buf}
	for c, d := range channelData {
		if len(d) == 0 {
			continue
		}
		if err := l.WriteChannelBytes(w, c, 0, d); err != nil {
			t.Fatalf("WriteChannelBytes(%d): %v", c, err)
		}
	}
	return buf
}

type sliceWriterAt struct {
	buf []byte
}

func (s *sliceWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n := copy(s.buf[off:], p)
	return n, nil
}

func TestLayoutRoundTrip(t *testing.T) {
	pagesPerStripe := [NumChannels]uint32{1, 1, 1, 1}
	var channelData [NumChannels][]byte
	channelData[ChanTrie] = bytes.Repeat([]byte{0xAA}, trieNodeSize*3)
	channelData[ChanStrings] = bytes.Repeat([]byte{0xBB}, stringRecordSize*2)
	channelData[ChanMeta] = bytes.Repeat([]byte{0xCC}, metaRecordSize*5)
	channelData[ChanFAT] = bytes.Repeat([]byte{0xDD}, 4*10)

	raw := buildTestIndex(t, 512, channelData, pagesPerStripe)

	layout, err := OpenLayout(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if layout.PageSize != 512 {
		t.Fatalf("inferred page size %d, want 512", layout.PageSize)
	}

	for c, want := range channelData {
		got, err := layout.ReadChannel(c)
		if err != nil {
			t.Fatalf("ReadChannel(%d): %v", c, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("channel %d: got %x, want %x", c, got, want)
		}
	}
}

// TestWriteChannelBytesMidOffset writes at a logical offset that crosses a
// page boundary, then reads the whole channel back and checks the written
// range agrees, the access pattern the patch pipeline uses when appending
// FAT entries and rewriting meta slots.
func TestWriteChannelBytesMidOffset(t *testing.T) {
	pagesPerStripe := [NumChannels]uint32{2, 1, 1, 2}
	var channelData [NumChannels][]byte
	channelData[ChanFAT] = make([]byte, 512*3) // spans stripes

	raw := buildTestIndex(t, 512, channelData, pagesPerStripe)

	layout, err := OpenLayout(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte{0xEE}, 300)
	off := uint32(400) // crosses the 512-byte page boundary mid-write
	if err := layout.WriteChannelBytes(&sliceWriterAt{buf: raw}, ChanFAT, off, data); err != nil {
		t.Fatal(err)
	}

	got, err := layout.ReadChannel(ChanFAT)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[off:off+uint32(len(data))], data) {
		t.Fatalf("channel bytes at [%d, %d) disagree with what was written", off, off+uint32(len(data)))
	}
}

func TestOpenLayoutRejectsBadMagic(t *testing.T) {
	raw := make([]byte, 1024)
	copy(raw, "XXXX")
	if _, err := OpenLayout(bytes.NewReader(raw), int64(len(raw))); !xe.Is(err, ErrUnrecognizedLayout) {
		t.Fatalf("got %v, want ErrUnrecognizedLayout", err)
	}
}

func TestInferPageSizePrefers4096(t *testing.T) {
	pagesPerStripe := [NumChannels]uint32{1, 1, 1, 1}
	var sizes [NumChannels]uint32
	stripes := uint32(2)
	length := IndexFileLength(4096, stripes, pagesPerStripe)

	raw := make([]byte, length)
	copy(raw, WriteHeader(4096, sizes, pagesPerStripe))

	layout, err := OpenLayout(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if layout.PageSize != 4096 {
		t.Fatalf("got page size %d, want 4096", layout.PageSize)
	}
}

func TestOpenLayoutNoCandidateFits(t *testing.T) {
	pagesPerStripe := [NumChannels]uint32{1, 1, 1, 1}
	var sizes [NumChannels]uint32
	raw := make([]byte, 777) // odd length, no candidate page size divides it
	copy(raw, WriteHeader(512, sizes, pagesPerStripe))
	if _, err := OpenLayout(bytes.NewReader(raw), int64(len(raw))); !xe.Is(err, ErrUnrecognizedLayout) {
		t.Fatalf("got %v, want ErrUnrecognizedLayout", err)
	}
}

var _ io.ReaderAt = (*bytes.Reader)(nil)
