package archfmt

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// stringRecordSize is the fixed size of a string-table record: a 32-bit
// chain header followed by 60 bytes of payload.
const stringRecordSize = 64

const stringPayloadSize = stringRecordSize - 4

// stringInUse is the top bit of a record's header word; it must be 1 for
// every allocated record.
const stringInUse = 0x8000_0000

// StringReader walks the string table's chained 64-byte records. Decoded
// strings are cached per starting record index, since repeated lookups of
// the same node's name are common during trie iteration.
type StringReader struct {
	data  []byte
	cache map[uint32][]byte
}

// NewStringReader wraps the raw channel-1 bytes (already gathered by
// Layout.ReadChannel) for record-chain reads.
func NewStringReader(data []byte) *StringReader {
	return &StringReader{data: data, cache: make(map[uint32][]byte)}
}

// String reconstructs the string starting at record index i by walking next
// pointers and concatenating payload chunks. A NUL byte within a payload
// chunk terminates the string early. Cycles are rejected with
// ErrCycleInStringChain.
func (r *StringReader) String(i uint32) ([]byte, error) {
	if cached, ok := r.cache[i]; ok {
		return cached, nil
	}

	visited := make(map[uint32]bool)
	var out []byte
	cur := i
	for {
		if visited[cur] {
			return nil, xerrors.Errorf("record %d revisited while walking chain from %d: %w", cur, i, ErrCycleInStringChain)
		}
		visited[cur] = true

		recOff := int(cur) * stringRecordSize
		if recOff+stringRecordSize > len(r.data) {
			return nil, xerrors.Errorf("record %d out of bounds: %w", cur, ErrCorruptWrapper)
		}
		header := binary.LittleEndian.Uint32(r.data[recOff : recOff+4])
		payload := r.data[recOff+4 : recOff+stringRecordSize]

		if nul := bytes.IndexByte(payload, 0); nul >= 0 {
			out = append(out, payload[:nul]...)
			break
		}
		out = append(out, payload...)

		next := header & 0x7FFF_FFFF
		if next == 0 {
			break
		}
		cur = next
	}

	r.cache[i] = out
	return out, nil
}

// StringBuilder emits string-table records back-to-back, starting after the
// sentinel at record 0 (which the builder itself never writes — it's a
// caller-owned fixed prefix containing the single byte '.').
type StringBuilder struct {
	buf       bytes.Buffer
	nextIndex uint32 // records allocated so far, including the sentinel
	byKey     map[string]uint32
}

// NewStringBuilder returns a builder ready to append records starting at
// record index 1 (record 0 is the sentinel, reserved by the caller).
func NewStringBuilder() *StringBuilder {
	return &StringBuilder{nextIndex: 1, byKey: make(map[string]uint32)}
}

// Add inserts key's raw bytes into the string table, returning the index of
// its first record. Repeated adds of the same key return the cached index
// without emitting new records.
func (b *StringBuilder) Add(key []byte) uint32 {
	canon := string(key)
	if idx, ok := b.byKey[canon]; ok {
		return idx
	}

	chunks := chunkBytes(key, stringPayloadSize)
	if len(chunks) == 0 {
		chunks = [][]byte{nil}
	}

	first := b.nextIndex
	// Records must chain forward: record n's "next" points at record n+1,
	// except the last chunk's record, which terminates the chain with 0.
	base := b.nextIndex
	for i, chunk := range chunks {
		var next uint32
		if i != len(chunks)-1 {
			next = base + uint32(i) + 1
		}
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], stringInUse|next)
		b.buf.Write(hdr[:])

		var payload [stringPayloadSize]byte
		copy(payload[:], chunk)
		b.buf.Write(payload[:])
	}
	b.nextIndex += uint32(len(chunks))

	b.byKey[canon] = first
	return first
}

// Bytes returns the serialized records emitted so far (not including the
// record-0 sentinel).
func (b *StringBuilder) Bytes() []byte {
	return b.buf.Bytes()
}

// RecordCount returns the number of records emitted so far, including the
// implicit record 0 sentinel.
func (b *StringBuilder) RecordCount() uint32 {
	return b.nextIndex
}

func chunkBytes(b []byte, size int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

// SentinelStringRecord returns the fixed 64-byte record-0 sentinel: in-use,
// no next record, payload of a single '.' byte.
func SentinelStringRecord() []byte {
	buf := make([]byte, stringRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], stringInUse)
	buf[4] = '.'
	return buf
}
