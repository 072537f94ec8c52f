package repack

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/arkvault/gamearc/internal/archfmt"
)

// verify re-opens the freshly written archive and compares every entry's
// decoded bytes against its original local file.
// It returns the mismatching keys; the caller treats the
// repack's primary result as already committed regardless of the outcome.
func verify(inputs []input, idxPath, datPath string) ([]string, error) {
	arc, err := archfmt.Open(idxPath, datPath)
	if err != nil {
		return nil, xerrors.Errorf("reopening repacked archive: %w", err)
	}
	defer arc.Close()

	var mismatches []string
	for i, in := range inputs {
		got, err := arc.ReadFileBytes(uint32(i))
		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("%s: read error: %v", in.Key, err))
			continue
		}
		want, err := os.ReadFile(in.Local)
		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("%s: rereading original: %v", in.Key, err))
			continue
		}
		if !bytes.Equal(got, want) {
			mismatches = append(mismatches, fmt.Sprintf("%s: mismatch (%d bytes vs %d bytes)", in.Key, len(got), len(want)))
		}
	}
	return mismatches, nil
}
