package archfmt

import (
	"bytes"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// Entry is one directory-trie leaf yielded by Archive.IterEntries.
type Entry struct {
	NodeIndex uint32
	Node      TrieNode
	Path      string
}

// Archive is a read-only facade over an open index+data file pair.
// It owns a Layout, cached channel buffers, a string reader,
// a trie reader, meta/FAT accessors, and a lazily opened data-file
// descriptor. Readers borrow immutable views; the archive must be closed
// exactly once.
type Archive struct {
	idxFile *os.File
	datPath string
	datFile *os.File

	layout  *Layout
	strings *StringReader
	trie    *TrieReader
	meta    *MetaTable
	fat     *FAT
}

// Open opens the index file at idxPath and records datPath for lazy opening
// on first payload read. idxPath is read in full up front; datPath is only
// touched by ReadFileBytes.
func Open(idxPath, datPath string) (*Archive, error) {
	idxFile, err := os.Open(idxPath)
	if err != nil {
		return nil, xerrors.Errorf("opening index file: %w", err)
	}

	fi, err := idxFile.Stat()
	if err != nil {
		idxFile.Close()
		return nil, xerrors.Errorf("stat index file: %w", err)
	}

	layout, err := OpenLayout(idxFile, fi.Size())
	if err != nil {
		idxFile.Close()
		return nil, err
	}

	a := &Archive{idxFile: idxFile, datPath: datPath, layout: layout}

	trieBytes, err := layout.ReadChannel(ChanTrie)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.trie, err = NewTrieReader(trieBytes)
	if err != nil {
		a.Close()
		return nil, err
	}

	strBytes, err := layout.ReadChannel(ChanStrings)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.strings = NewStringReader(strBytes)

	metaBytes, err := layout.ReadChannel(ChanMeta)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.meta = NewMetaTable(metaBytes)

	fatBytes, err := layout.ReadChannel(ChanFAT)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.fat, err = NewFAT(fatBytes)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Layout exposes the underlying page layout, e.g. for Stat/verify callers.
func (a *Archive) Layout() *Layout { return a.layout }

// Meta exposes the decoded meta table.
func (a *Archive) Meta() *MetaTable { return a.meta }

// FAT exposes the decoded file allocation table.
func (a *Archive) FAT() *FAT { return a.fat }

// Strings exposes the string-table reader.
func (a *Archive) Strings() *StringReader { return a.strings }

// Trie exposes the trie reader.
func (a *Archive) Trie() *TrieReader { return a.trie }

// ensureDatFile lazily opens the data file on first payload read.
func (a *Archive) ensureDatFile() error {
	if a.datFile != nil {
		return nil
	}
	f, err := os.Open(a.datPath)
	if err != nil {
		return xerrors.Errorf("opening data file: %w", err)
	}
	a.datFile = f
	return nil
}

// IterEntries yields every trie node with index >= 1 and its decoded path,
// regardless of reachability from directory listing — structural traversal
// is reserved for Lookup. Callers filter by meta_index < meta_count and
// meta.size > 0.
func (a *Archive) IterEntries() ([]Entry, error) {
	n := a.trie.NodeCount()
	entries := make([]Entry, 0, n-1)
	for i := 1; i < n; i++ {
		node := a.trie.Node(uint32(i))
		pathBytes, err := a.strings.String(node.StringIndex())
		if err != nil {
			return nil, xerrors.Errorf("decoding name for node %d: %w", i, err)
		}
		entries = append(entries, Entry{NodeIndex: uint32(i), Node: node, Path: string(pathBytes)})
	}
	return entries, nil
}

// FindMeta resolves key to a meta record index: exact match first, then (for
// the patch pipeline) a lowercase-folded retry. The reader's own trie
// Lookup is always case-sensitive; the fallback re-queries with a lowercased
// key.
func (a *Archive) FindMeta(key []byte) (metaIndex uint32, found bool, err error) {
	idx, ok, err := a.trie.Lookup(key, a.strings)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		lower := bytes.ToLower(key)
		if !bytes.Equal(lower, key) {
			idx, ok, err = a.trie.Lookup(lower, a.strings)
			if err != nil {
				return 0, false, err
			}
		}
	}
	if !ok {
		return 0, false, nil
	}
	node := a.trie.Node(idx)
	if int(node.MetaIndex) >= a.meta.Count() {
		return 0, false, nil
	}
	return node.MetaIndex, true, nil
}

// ReadFileBytes decompresses and returns a file's payload given its meta
// record index.
func (a *Archive) ReadFileBytes(metaIndex uint32) ([]byte, error) {
	if err := a.ensureDatFile(); err != nil {
		return nil, err
	}
	m := a.meta.Record(metaIndex)
	if m.Size == 0 {
		return nil, nil
	}
	wrapped, err := ReadPayload(a.datFile, a.fat, m.StartBlock, m.Size)
	if err != nil {
		return nil, xerrors.Errorf("reading payload for meta %d: %w", metaIndex, err)
	}
	return DecodeWrapped(wrapped)
}

// NormalizeKey converts forward slashes to backslashes, matching the
// normalization the repack and patch pipelines apply to query keys.
func NormalizeKey(key string) string {
	return strings.ReplaceAll(key, "/", "\\")
}

// Close releases the data-file and index-file descriptors. It must be
// called exactly once.
func (a *Archive) Close() error {
	var firstErr error
	if a.datFile != nil {
		if err := a.datFile.Close(); err != nil {
			firstErr = err
		}
		a.datFile = nil
	}
	if a.idxFile != nil {
		if err := a.idxFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.idxFile = nil
	}
	return firstErr
}
