package archfmt

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"
)

// Wrapper header layout. 32 bytes:
//
//	0  type               uint32
//	4  decompressed_size  uint32
//	8  timestamp_a        uint64
//	16 timestamp_b        uint64
//	24 timestamp_c        uint64
const wrapperHeaderSize = 32

const (
	wrapperTypeDeflate = 1
)

// wrapperTimestampSentinel is the fixed Windows-style 100ns-tick value the
// writer stamps into all three wrapper timestamp fields. Whether the game
// client validates these is unknown; we preserve the sentinel for
// compatibility and never read it back meaningfully.
const wrapperTimestampSentinel = 0x01CA8B14A4E00000

// EncodeWrapped compresses raw at the given deflate level and returns
// header || deflate(raw, level).
func EncodeWrapped(raw []byte, level int) ([]byte, error) {
	var compressed bytes.Buffer
	zw, err := flate.NewWriter(&compressed, level)
	if err != nil {
		return nil, xerrors.Errorf("flate.NewWriter: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, xerrors.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, xerrors.Errorf("flushing compressor: %w", err)
	}

	out := make([]byte, wrapperHeaderSize+compressed.Len())
	putWrapperHeader(out[:wrapperHeaderSize], wrapperTypeDeflate, uint32(len(raw)))
	copy(out[wrapperHeaderSize:], compressed.Bytes())
	return out, nil
}

func putWrapperHeader(b []byte, typ, decompressedSize uint32) {
	_ = b[:wrapperHeaderSize]
	e := binary.LittleEndian
	e.PutUint32(b[0:4], typ)
	e.PutUint32(b[4:8], decompressedSize)
	e.PutUint64(b[8:16], wrapperTimestampSentinel)
	e.PutUint64(b[16:24], wrapperTimestampSentinel)
	e.PutUint64(b[24:32], wrapperTimestampSentinel)
}

// DecodeWrapped decodes header || payload back into the original raw bytes.
// When type == 1 it inflates and checks the decompressed length against the
// declared size (only when that size is nonzero). When type != 1 it returns
// the post-header bytes unchanged if their length equals the declared size,
// unconditionally (a zero declared size means the body must be empty too).
// Any other condition returns ErrCorruptWrapper.
func DecodeWrapped(wrapped []byte) ([]byte, error) {
	if len(wrapped) < wrapperHeaderSize {
		return nil, xerrors.Errorf("wrapper header: %w", ErrCorruptWrapper)
	}
	e := binary.LittleEndian
	typ := e.Uint32(wrapped[0:4])
	decompressedSize := e.Uint32(wrapped[4:8])
	body := wrapped[wrapperHeaderSize:]

	if typ != wrapperTypeDeflate {
		if uint32(len(body)) != decompressedSize {
			return nil, xerrors.Errorf("raw payload size %d != declared %d: %w", len(body), decompressedSize, ErrCorruptWrapper)
		}
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}

	zr := flate.NewReader(bytes.NewReader(body))
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, xerrors.Errorf("inflating payload: %v: %w", err, ErrCorruptWrapper)
	}
	if decompressedSize != 0 && uint32(len(raw)) != decompressedSize {
		return nil, xerrors.Errorf("decompressed size %d != declared %d: %w", len(raw), decompressedSize, ErrCorruptWrapper)
	}
	return raw, nil
}
