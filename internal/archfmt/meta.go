package archfmt

import "encoding/binary"

// metaRecordSize is the fixed size of one meta-table record.
const metaRecordSize = 16

// MetaFlagCompressed is bit 0 of a meta record's flags field.
const MetaFlagCompressed = 1 << 0

// MetaRecord describes a file's payload location and flags.
type MetaRecord struct {
	Flags      uint32
	Size       uint32
	StartBlock uint32
	Extra      uint32
}

// Compressed reports whether bit 0 of Flags is set.
func (m MetaRecord) Compressed() bool { return m.Flags&MetaFlagCompressed != 0 }

func (m MetaRecord) Marshal() []byte {
	buf := make([]byte, metaRecordSize)
	e := binary.LittleEndian
	e.PutUint32(buf[0:4], m.Flags)
	e.PutUint32(buf[4:8], m.Size)
	e.PutUint32(buf[8:12], m.StartBlock)
	e.PutUint32(buf[12:16], m.Extra)
	return buf
}

func UnmarshalMetaRecord(b []byte) MetaRecord {
	_ = b[:metaRecordSize]
	e := binary.LittleEndian
	return MetaRecord{
		Flags:      e.Uint32(b[0:4]),
		Size:       e.Uint32(b[4:8]),
		StartBlock: e.Uint32(b[8:12]),
		Extra:      e.Uint32(b[12:16]),
	}
}

// MetaTable is the decoded channel-2 byte slice, indexable by record.
type MetaTable struct {
	data []byte
}

func NewMetaTable(data []byte) *MetaTable {
	return &MetaTable{data: data}
}

// Count returns the number of 16-byte records in the table.
func (t *MetaTable) Count() int { return len(t.data) / metaRecordSize }

// Record returns the record at index i.
func (t *MetaTable) Record(i uint32) MetaRecord {
	off := int(i) * metaRecordSize
	return UnmarshalMetaRecord(t.data[off : off+metaRecordSize])
}
