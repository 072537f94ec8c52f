package archfmt

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// trieNodeSize is the fixed size of one directory-trie node: meta_index,
// bit_index, name_raw, left, right, all little-endian.
const trieNodeSize = 20

// nameRawStringMask extracts the string-table index from a node's name_raw
// field; the top bit is always set and carries no index bits.
const nameRawStringMask = 0x7FFF_FFFF

// TrieNode is one 20-byte node of the Patricia trie over path-byte keys.
type TrieNode struct {
	MetaIndex uint32
	BitIndex  int32
	NameRaw   uint32
	Left      uint32
	Right     uint32
}

// StringIndex returns the string-table record index this node's name
// points at.
func (n TrieNode) StringIndex() uint32 {
	return n.NameRaw & nameRawStringMask
}

func (n TrieNode) marshal() []byte {
	buf := make([]byte, trieNodeSize)
	e := binary.LittleEndian
	e.PutUint32(buf[0:4], n.MetaIndex)
	e.PutUint32(buf[4:8], uint32(n.BitIndex))
	e.PutUint32(buf[8:12], n.NameRaw)
	e.PutUint32(buf[12:16], n.Left)
	e.PutUint32(buf[16:20], n.Right)
	return buf
}

func unmarshalTrieNode(b []byte) TrieNode {
	_ = b[:trieNodeSize]
	e := binary.LittleEndian
	return TrieNode{
		MetaIndex: e.Uint32(b[0:4]),
		BitIndex:  int32(e.Uint32(b[4:8])),
		NameRaw:   e.Uint32(b[8:12]),
		Left:      e.Uint32(b[12:16]),
		Right:     e.Uint32(b[16:20]),
	}
}

// SentinelNameRaw returns the name_raw value for the trie's root sentinel:
// top bit set, pointing at string-table record 0 (the "." entry).
func SentinelNameRaw() uint32 {
	return stringInUse
}

// bitAt returns bit b of key (LSB-first within each byte), or 0 when the
// byte index is beyond the key's length.
func bitAt(key []byte, b int32) int {
	if b < 0 {
		return 0
	}
	byteIdx := int(b) / 8
	if byteIdx >= len(key) {
		return 0
	}
	return int((key[byteIdx] >> (uint(b) % 8)) & 1)
}

// firstDifferingBit scans a and b byte-by-byte, XORing and then scanning
// least-significant-bit-first within each differing byte. Bytes past the end
// of the shorter key are treated as zero.
// It returns max(len(a),len(b))*8 when the keys are identical.
func firstDifferingBit(a, b []byte) int {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	for i := 0; i < maxLen; i++ {
		var ab, bb byte
		if i < len(a) {
			ab = a[i]
		}
		if i < len(b) {
			bb = b[i]
		}
		diff := ab ^ bb
		if diff == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if diff&(1<<uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return maxLen * 8
}

// TrieReader performs lookups over a decoded node array.
type TrieReader struct {
	nodes []TrieNode
}

// NewTrieReader decodes channel-0 bytes into a node array.
func NewTrieReader(data []byte) (*TrieReader, error) {
	if len(data)%trieNodeSize != 0 {
		return nil, xerrors.Errorf("trie channel length %d not a multiple of %d: %w", len(data), trieNodeSize, ErrUnrecognizedLayout)
	}
	n := len(data) / trieNodeSize
	nodes := make([]TrieNode, n)
	for i := 0; i < n; i++ {
		nodes[i] = unmarshalTrieNode(data[i*trieNodeSize : (i+1)*trieNodeSize])
	}
	return &TrieReader{nodes: nodes}, nil
}

// NodeCount returns the number of nodes, including the sentinel at index 0.
func (t *TrieReader) NodeCount() int { return len(t.nodes) }

// Node returns the node at index i.
func (t *TrieReader) Node(i uint32) TrieNode { return t.nodes[i] }

// walkTo performs the structural trie descent used by both lookup and
// insert: starting at the sentinel, it follows left/right per key's bits
// until a back-edge (bit_index non-increasing) is reached, and returns the
// index of the node the walk terminated on.
func (t *TrieReader) walkTo(key []byte) uint32 {
	parent := uint32(0)
	node := t.nodes[0].Right
	for t.nodes[parent].BitIndex < t.nodes[node].BitIndex {
		parent = node
		if bitAt(key, t.nodes[node].BitIndex) == 1 {
			node = t.nodes[node].Right
		} else {
			node = t.nodes[node].Left
		}
	}
	return node
}

// Lookup returns the node index whose referenced string equals key exactly
// (case-sensitive), or found=false.
func (t *TrieReader) Lookup(key []byte, strs *StringReader) (idx uint32, found bool, err error) {
	if len(t.nodes) == 0 {
		return 0, false, nil
	}
	leaf := t.walkTo(key)
	leafKey, err := strs.String(t.nodes[leaf].StringIndex())
	if err != nil {
		return 0, false, err
	}
	if bytes.Equal(leafKey, key) {
		return leaf, true, nil
	}
	return 0, false, nil
}

// TrieBuilder constructs a trie node-by-node in key-insertion order. The
// branching and rewiring rules must match what the game's own archives
// contain bit-for-bit, so insertion order fully determines the output.
type TrieBuilder struct {
	nodes    []TrieNode
	resolver func(nodeIndex uint32) ([]byte, error)
}

// NewTrieBuilder returns a builder seeded with the sentinel root at index 0.
// sentinelNameRaw is the name_raw value for the root (top bit set, pointing
// at string-table record 0, the "." entry).
func NewTrieBuilder(sentinelNameRaw uint32) *TrieBuilder {
	return &TrieBuilder{
		nodes: []TrieNode{{
			MetaIndex: 0,
			BitIndex:  -1,
			NameRaw:   sentinelNameRaw,
			Left:      0,
			Right:     0, // points to itself until the first key is inserted
		}},
	}
}

// Insert adds a new key, represented by its raw bytes (for bit comparisons)
// plus the string-table index and meta index it should record on its node.
// Returns the new node's index, or ErrDuplicateKey if key byte-equals an
// already-inserted key.
func (b *TrieBuilder) Insert(key []byte, stringIndex, metaIndex uint32) (uint32, error) {
	nameRaw := stringInUse | (stringIndex & nameRawStringMask)

	if len(b.nodes) == 1 {
		// First real key: bit_index is the first differing bit between key
		// and the empty byte string, i.e. the lowest set bit of key.
		diffBit := firstDifferingBit(key, nil)
		newIdx := uint32(1)
		node := TrieNode{MetaIndex: metaIndex, BitIndex: int32(diffBit), NameRaw: nameRaw}
		if bitAt(key, int32(diffBit)) == 1 {
			node.Right = newIdx
			node.Left = 0
		} else {
			node.Left = newIdx
			node.Right = 0
		}
		b.nodes = append(b.nodes, node)
		b.nodes[0].Right = newIdx
		return newIdx, nil
	}

	reader := &TrieReader{nodes: b.nodes}
	leafIdx := reader.walkTo(key)
	// The sentinel stands for the empty key in bit comparisons, the same key
	// the first node's bit_index was computed against; its "." name is never
	// compared here.
	var leafKey []byte
	if leafIdx != 0 {
		var err error
		leafKey, err = b.resolver(leafIdx)
		if err != nil {
			return 0, err
		}
	}

	diffBit := firstDifferingBit(key, leafKey)
	maxLen := len(key)
	if len(leafKey) > maxLen {
		maxLen = len(leafKey)
	}
	if diffBit == maxLen*8 {
		return 0, xerrors.Errorf("key already present: %w", ErrDuplicateKey)
	}

	// Re-walk from the root with the new key to find the parent at which
	// diffBit fits: the last node with parent.bit_index < next.bit_index
	// and next.bit_index < diffBit.
	parent := uint32(0)
	next := b.nodes[0].Right
	for b.nodes[parent].BitIndex < b.nodes[next].BitIndex && int(b.nodes[next].BitIndex) < diffBit {
		parent = next
		if bitAt(key, b.nodes[next].BitIndex) == 1 {
			next = b.nodes[next].Right
		} else {
			next = b.nodes[next].Left
		}
	}

	newIdx := uint32(len(b.nodes))
	node := TrieNode{MetaIndex: metaIndex, BitIndex: int32(diffBit), NameRaw: nameRaw}
	if bitAt(key, int32(diffBit)) == 1 {
		node.Right = newIdx
		node.Left = next
	} else {
		node.Left = newIdx
		node.Right = next
	}
	b.nodes = append(b.nodes, node)

	if b.nodes[parent].BitIndex < 0 {
		b.nodes[parent].Right = newIdx
	} else if bitAt(key, b.nodes[parent].BitIndex) == 1 {
		b.nodes[parent].Right = newIdx
	} else {
		b.nodes[parent].Left = newIdx
	}

	return newIdx, nil
}

// SetStringResolver installs the function Insert uses to fetch a node's key
// bytes (its referenced string) for bit comparisons against new keys.
func (b *TrieBuilder) SetStringResolver(resolve func(nodeIndex uint32) ([]byte, error)) {
	b.resolver = resolve
}

// Bytes serializes all nodes, including the sentinel, in index order.
func (b *TrieBuilder) Bytes() []byte {
	out := make([]byte, len(b.nodes)*trieNodeSize)
	for i, n := range b.nodes {
		copy(out[i*trieNodeSize:(i+1)*trieNodeSize], n.marshal())
	}
	return out
}

// NodeCount returns the number of nodes built so far, including the
// sentinel.
func (b *TrieBuilder) NodeCount() int { return len(b.nodes) }
