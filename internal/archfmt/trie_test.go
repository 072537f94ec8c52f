package archfmt

import (
	"bytes"
	"testing"

	"golang.org/x/xerrors"
)

func TestBitAt(t *testing.T) {
	key := []byte{0b0000_0010, 0b0000_0001} // bit 1 of byte 0, bit 0 of byte 1
	tests := []struct {
		bit  int32
		want int
	}{
		{-1, 0},
		{1, 1},
		{0, 0},
		{8, 1},
		{9, 0},
		{100, 0}, // beyond key length
	}
	for _, tt := range tests {
		if got := bitAt(key, tt.bit); got != tt.want {
			t.Errorf("bitAt(key, %d) = %d, want %d", tt.bit, got, tt.want)
		}
	}
}

func TestFirstDifferingBit(t *testing.T) {
	tests := []struct {
		a, b []byte
		want int
	}{
		{[]byte{0x00}, []byte{0x00}, 8},
		{[]byte{0x01}, []byte{0x00}, 0},
		{[]byte{0x00}, []byte{0x02}, 1},
		{[]byte("abc"), []byte("abc"), 24},
		{[]byte("abc"), []byte("abd"), 16}, // 'c'=0x63 vs 'd'=0x64, xor=0x07, lowest set bit 0 -> byte 2 * 8 + 0
		{nil, nil, 0},
	}
	for _, tt := range tests {
		got := firstDifferingBit(tt.a, tt.b)
		if got != tt.want {
			t.Errorf("firstDifferingBit(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

// buildTrie inserts keys in order using a builder wired to strs for leaf-key
// resolution, and returns a reader over the result plus the string reader.
func buildTrie(t *testing.T, keys []string) (*TrieReader, *StringReader, []uint32) {
	t.Helper()

	sb := NewStringBuilder()
	tb := NewTrieBuilder(stringInUse) // sentinel points at record 0, "."

	// Resolver needs a StringReader over the builder's in-progress output;
	// rebuild it on each call since sb.Bytes() grows as keys are added.
	resolve := func(nodeIndex uint32) ([]byte, error) {
		data := append(append([]byte{}, SentinelStringRecord()...), sb.Bytes()...)
		sr := NewStringReader(data)
		node := tb.nodes[nodeIndex]
		return sr.String(node.StringIndex())
	}
	tb.SetStringResolver(resolve)

	indices := make([]uint32, len(keys))
	for i, k := range keys {
		strIdx := sb.Add([]byte(k))
		nodeIdx, err := tb.Insert([]byte(k), strIdx, uint32(i))
		if err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
		indices[i] = nodeIdx
	}

	data := append(append([]byte{}, SentinelStringRecord()...), sb.Bytes()...)
	strs := NewStringReader(data)
	tr, err := NewTrieReader(tb.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return tr, strs, indices
}

func TestTrieBuilderSingleKey(t *testing.T) {
	tr, strs, _ := buildTrie(t, []string{"foo"})

	idx, found, err := tr.Lookup([]byte("foo"), strs)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected foo to be found")
	}
	if tr.Node(idx).MetaIndex != 0 {
		t.Fatalf("got meta index %d, want 0", tr.Node(idx).MetaIndex)
	}

	if _, found, err := tr.Lookup([]byte("bar"), strs); err != nil {
		t.Fatal(err)
	} else if found {
		t.Fatal("expected bar to not be found")
	}
}

func TestTrieBuilderMultipleKeys(t *testing.T) {
	keys := []string{
		"data\\textures\\wall.dds",
		"data\\textures\\floor.dds",
		"data\\sounds\\step.wav",
		"readme.txt",
		"a",
		"ab",
		"abc",
	}
	tr, strs, _ := buildTrie(t, keys)

	for i, k := range keys {
		idx, found, err := tr.Lookup([]byte(k), strs)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", k, err)
		}
		if !found {
			t.Fatalf("key %q not found", k)
		}
		if got := tr.Node(idx).MetaIndex; got != uint32(i) {
			t.Fatalf("key %q: meta index %d, want %d", k, got, i)
		}
	}

	for _, miss := range []string{"missing", "data\\textures", "abcd"} {
		if _, found, err := tr.Lookup([]byte(miss), strs); err != nil {
			t.Fatal(err)
		} else if found {
			t.Fatalf("expected %q to not be found", miss)
		}
	}
}

// TestTrieBuilderDeterministic builds the same key sequence twice and
// demands bit-identical output: tie-breaks are fully determined by insertion
// order, so two builds of the same order must agree.
func TestTrieBuilderDeterministic(t *testing.T) {
	keys := []string{
		"data\\models\\tree.nif",
		"data\\models\\rock.nif",
		"data\\textures\\tree.dds",
		"music\\title.ogg",
	}
	build := func() []byte {
		sb := NewStringBuilder()
		tb := NewTrieBuilder(stringInUse)
		tb.SetStringResolver(func(nodeIndex uint32) ([]byte, error) {
			data := append(append([]byte{}, SentinelStringRecord()...), sb.Bytes()...)
			return NewStringReader(data).String(tb.nodes[nodeIndex].StringIndex())
		})
		for i, k := range keys {
			si := sb.Add([]byte(k))
			if _, err := tb.Insert([]byte(k), si, uint32(i)); err != nil {
				t.Fatalf("Insert(%q): %v", k, err)
			}
		}
		return tb.Bytes()
	}
	if !bytes.Equal(build(), build()) {
		t.Fatal("two builds of the same insertion order produced different trie bytes")
	}
}

func TestTrieBuilderRejectsDuplicateKey(t *testing.T) {
	sb := NewStringBuilder()
	tb := NewTrieBuilder(stringInUse)
	resolve := func(nodeIndex uint32) ([]byte, error) {
		data := append(append([]byte{}, SentinelStringRecord()...), sb.Bytes()...)
		sr := NewStringReader(data)
		return sr.String(tb.nodes[nodeIndex].StringIndex())
	}
	tb.SetStringResolver(resolve)

	strIdx := sb.Add([]byte("same"))
	if _, err := tb.Insert([]byte("same"), strIdx, 0); err != nil {
		t.Fatal(err)
	}
	strIdx2 := sb.Add([]byte("same"))
	if _, err := tb.Insert([]byte("same"), strIdx2, 1); !xerrors.Is(err, ErrDuplicateKey) {
		t.Fatalf("got %v, want ErrDuplicateKey", err)
	}
}
