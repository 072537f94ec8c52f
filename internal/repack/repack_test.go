package repack

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/arkvault/gamearc/internal/archfmt"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

// TestRepackSingleFile repacks a single small file into a fresh archive
// and reads it back through the archive facade.
func TestRepackSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "texture", "a.dds"), []byte{0x41, 0x42, 0x43})

	outIdx := filepath.Join(t.TempDir(), "out.idx")
	outDat := filepath.Join(t.TempDir(), "out.dat")

	c := &Ctx{}
	stats, err := c.Run(context.Background(), Options{
		InDir:         dir,
		OutIdx:        outIdx,
		OutDat:        outDat,
		CompressLevel: 6,
		Jobs:          1,
		Verify:        true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.EntryCount != 1 {
		t.Fatalf("got %d entries, want 1", stats.EntryCount)
	}
	if len(stats.VerifyMismatches) != 0 {
		t.Fatalf("verify mismatches: %v", stats.VerifyMismatches)
	}

	arc, err := archfmt.Open(outIdx, outDat)
	if err != nil {
		t.Fatal(err)
	}
	defer arc.Close()

	entries, err := arc.IterEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Path != "texture\\a.dds" {
		t.Fatalf("got path %q, want texture\\a.dds", entries[0].Path)
	}

	metaIdx, found, err := arc.FindMeta([]byte("texture\\a.dds"))
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected texture\\a.dds to be found")
	}
	got, err := arc.ReadFileBytes(metaIdx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x41, 0x42, 0x43}) {
		t.Fatalf("got %x, want 414243", got)
	}

	meta := arc.Meta().Record(metaIdx)
	if meta.StartBlock != 1 {
		t.Fatalf("got start_block %d, want 1", meta.StartBlock)
	}
	if !meta.Compressed() {
		t.Fatal("expected compressed flag set")
	}
}

// TestRepackCaseCollisionDedupe checks that two keys differing only in case
// collapse to one entry, first occurrence winning.
func TestRepackCaseCollisionDedupe(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "A", "B.TXT"), []byte("first"))
	// Same case-folded key from a different directory entry: simulate via
	// an explicit file list instead, since a real filesystem can't hold both
	// "A/B.TXT" and "a/b.txt" case-insensitively on common setups.
	listDir := t.TempDir()
	writeFile(t, filepath.Join(listDir, "A", "B.TXT"), []byte("first"))
	writeFile(t, filepath.Join(listDir, "a", "c.txt"), []byte("second"))

	outIdx := filepath.Join(t.TempDir(), "out.idx")
	outDat := filepath.Join(t.TempDir(), "out.dat")

	c := &Ctx{}
	stats, err := c.Run(context.Background(), Options{
		InDir:         listDir,
		FileList:      []string{"A/B.TXT", "a/B.txt"},
		OutIdx:        outIdx,
		OutDat:        outDat,
		CompressLevel: 6,
		Jobs:          1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.EntryCount != 1 {
		t.Fatalf("got %d entries, want 1 (dedupe expected)", stats.EntryCount)
	}

	arc, err := archfmt.Open(outIdx, outDat)
	if err != nil {
		t.Fatal(err)
	}
	defer arc.Close()

	metaIdx, found, err := arc.FindMeta([]byte("a\\b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected a\\b.txt to be found")
	}
	got, err := arc.ReadFileBytes(metaIdx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first" {
		t.Fatalf("got %q, want %q (first occurrence should win)", got, "first")
	}
}

// TestRepackMultiBlock repacks a payload spanning
// multiple 512-byte blocks.
func TestRepackMultiBlock(t *testing.T) {
	dir := t.TempDir()
	// Pseudo-random bytes do not compress, so the wrapped payload needs
	// several blocks.
	data := make([]byte, 1500)
	rand.New(rand.NewSource(1)).Read(data)
	writeFile(t, filepath.Join(dir, "big.bin"), data)

	outIdx := filepath.Join(t.TempDir(), "out.idx")
	outDat := filepath.Join(t.TempDir(), "out.dat")

	c := &Ctx{}
	if _, err := c.Run(context.Background(), Options{
		InDir:         dir,
		OutIdx:        outIdx,
		OutDat:        outDat,
		CompressLevel: 6,
		Jobs:          2,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	arc, err := archfmt.Open(outIdx, outDat)
	if err != nil {
		t.Fatal(err)
	}
	defer arc.Close()

	metaIdx, found, err := arc.FindMeta([]byte("big.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected big.bin to be found")
	}
	got, err := arc.ReadFileBytes(metaIdx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round-tripped bytes mismatch: got %d bytes, want %d", len(got), len(data))
	}

	meta := arc.Meta().Record(metaIdx)
	blocksNeeded := (meta.Size + archfmt.BlockSize - 1) / archfmt.BlockSize
	block := meta.StartBlock
	count := uint32(0)
	for {
		count++
		next, err := arc.FAT().Next(block)
		if err != nil {
			t.Fatal(err)
		}
		if next == archfmt.EndOfChain {
			break
		}
		block = next
	}
	if count != blocksNeeded {
		t.Fatalf("FAT chain length %d, want %d", count, blocksNeeded)
	}
}
