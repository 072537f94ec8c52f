package patch

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"os"

	"golang.org/x/xerrors"

	"github.com/arkvault/gamearc/internal/archfmt"
)

// commit is the commit phase: grow the data file first, then
// rewrite the index file's FAT tail, FAT size header, and meta slots.
func commit(arc *archfmt.Archive, idxPath, datPath string, prepared []preparedPatch, origFATSize uint32) error {
	datFile, err := os.OpenFile(datPath, os.O_RDWR, 0)
	if err != nil {
		return xerrors.Errorf("opening data file for append: %w", err)
	}
	defer datFile.Close()

	bw := archfmt.ContinueBlockWriter(datFile, uint32(arc.FAT().EntryCount()))
	for _, p := range prepared {
		start, err := bw.Append(p.Wrapped)
		if err != nil {
			return xerrors.Errorf("appending %s to data file: %w", p.Key, err)
		}
		if start != p.NewStart {
			return xerrors.Errorf("internal error: %s landed at block %d, planned %d", p.Key, start, p.NewStart)
		}
	}
	if err := bw.Flush(); err != nil {
		return xerrors.Errorf("flushing data file: %w", err)
	}
	if err := datFile.Sync(); err != nil {
		return xerrors.Errorf("fsyncing data file: %w", err)
	}

	idxFile, err := os.OpenFile(idxPath, os.O_RDWR, 0)
	if err != nil {
		return xerrors.Errorf("opening index file for update: %w", err)
	}
	defer idxFile.Close()

	layout := arc.Layout()
	if err := layout.WriteChannelBytes(idxFile, archfmt.ChanFAT, origFATSize, bw.FATBytes()); err != nil {
		return xerrors.Errorf("appending FAT entries: %w", err)
	}

	newFATSize := origFATSize + uint32(len(bw.FATBytes()))
	if err := writeChannelSize(idxFile, archfmt.ChanFAT, newFATSize); err != nil {
		return xerrors.Errorf("updating FAT channel size: %w", err)
	}

	for _, p := range prepared {
		if err := layout.WriteChannelBytes(idxFile, archfmt.ChanMeta, p.MetaIndex*16, p.NewMeta.Marshal()); err != nil {
			return xerrors.Errorf("rewriting meta slot %d: %w", p.MetaIndex, err)
		}
	}

	if err := idxFile.Sync(); err != nil {
		return xerrors.Errorf("fsyncing index file: %w", err)
	}
	return nil
}

func writeChannelSize(idxFile *os.File, c int, size uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], size)
	_, err := idxFile.WriteAt(buf[:], archfmt.ChannelSizeFieldOffset(c))
	return err
}

// verify is the read-back phase: reopen the archive and compare
// each patched entry's decoded bytes, by length and SHA-1, against what was
// recorded during prepare.
func verify(idxPath, datPath string, prepared []preparedPatch) error {
	arc, err := archfmt.Open(idxPath, datPath)
	if err != nil {
		return xerrors.Errorf("reopening archive for verify: %w", err)
	}
	defer arc.Close()

	for _, p := range prepared {
		got, err := arc.ReadFileBytes(p.MetaIndex)
		if err != nil {
			return xerrors.Errorf("%s: %w: %v", p.Key, archfmt.ErrVerificationFailed, err)
		}
		if len(got) != p.RawSize {
			return xerrors.Errorf("%s: length %d != %d: %w", p.Key, len(got), p.RawSize, archfmt.ErrVerificationFailed)
		}
		sum := sha1.Sum(got)
		if !bytes.Equal(sum[:], p.RawSHA1[:]) {
			return xerrors.Errorf("%s: sha1 mismatch: %w", p.Key, archfmt.ErrVerificationFailed)
		}
	}
	return nil
}

// rollback undoes a failed commit: truncate the data file
// back to its pre-patch length, restore every touched meta slot, and restore
// the FAT channel's size header, leaving any appended-but-now-unreachable
// FAT tail bytes in place.
func rollback(idxPath, datPath string, origDatSize int64, origFATSize uint32, origMetaBytes map[uint32][]byte) error {
	datFile, err := os.OpenFile(datPath, os.O_RDWR, 0)
	if err != nil {
		return xerrors.Errorf("opening data file for rollback: %w", err)
	}
	defer datFile.Close()
	if err := datFile.Truncate(origDatSize); err != nil {
		return xerrors.Errorf("truncating data file: %w", err)
	}
	if err := datFile.Sync(); err != nil {
		return xerrors.Errorf("fsyncing truncated data file: %w", err)
	}

	idxFile, err := os.OpenFile(idxPath, os.O_RDWR, 0)
	if err != nil {
		return xerrors.Errorf("opening index file for rollback: %w", err)
	}
	defer idxFile.Close()

	fi, err := idxFile.Stat()
	if err != nil {
		return xerrors.Errorf("stat index file: %w", err)
	}
	layout, err := archfmt.OpenLayout(idxFile, fi.Size())
	if err != nil {
		return xerrors.Errorf("reopening layout for rollback: %w", err)
	}

	for metaIdx, old := range origMetaBytes {
		if err := layout.WriteChannelBytes(idxFile, archfmt.ChanMeta, metaIdx*16, old); err != nil {
			return xerrors.Errorf("restoring meta slot %d: %w", metaIdx, err)
		}
	}
	if err := writeChannelSize(idxFile, archfmt.ChanFAT, origFATSize); err != nil {
		return xerrors.Errorf("restoring FAT channel size: %w", err)
	}
	if err := idxFile.Sync(); err != nil {
		return xerrors.Errorf("fsyncing rolled-back index file: %w", err)
	}
	return nil
}
