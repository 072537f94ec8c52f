package archfmt

import "errors"

// Sentinel error kinds, wrapped with golang.org/x/xerrors at call sites so
// errors.Is keeps working across package boundaries. There is no sentinel for
// plain I/O failures: the underlying *os.PathError is wrapped with %w, so
// errors.As still finds it.
var (
	// ErrUnrecognizedLayout indicates the index file header's magic, channel
	// count, or channel sizes don't correspond to any supported page size.
	ErrUnrecognizedLayout = errors.New("gamearc: unrecognized index layout")

	// ErrCorruptWrapper indicates a wrapper header or its payload failed to
	// decode: short header, inflate failure, or a decompressed-size mismatch.
	ErrCorruptWrapper = errors.New("gamearc: corrupt payload wrapper")

	// ErrShortRead indicates the data file returned fewer bytes than a block
	// read asked for, e.g. because the file is truncated.
	ErrShortRead = errors.New("gamearc: short read of block chain")

	// ErrUnexpectedEndOfChain indicates the FAT chain terminated before the
	// expected number of blocks had been read.
	ErrUnexpectedEndOfChain = errors.New("gamearc: unexpected end of FAT chain")

	// ErrInvalidStartBlock indicates a meta record's start_block is 0 or
	// beyond the FAT's entry count.
	ErrInvalidStartBlock = errors.New("gamearc: invalid start block")

	// ErrDuplicateKey indicates the trie builder found that two inserted keys
	// are byte-identical.
	ErrDuplicateKey = errors.New("gamearc: duplicate key")

	// ErrCycleInStringChain indicates the string reader's visited-set cycle
	// guard fired while walking a record chain.
	ErrCycleInStringChain = errors.New("gamearc: cycle in string chain")

	// ErrInconsistentArchive indicates the patch pipeline's preflight found
	// the DAT/FAT or IDX headers disagree.
	ErrInconsistentArchive = errors.New("gamearc: inconsistent archive")

	// ErrCapacityExceeded indicates a meta or FAT growth would exceed the
	// channel's allocated page capacity.
	ErrCapacityExceeded = errors.New("gamearc: channel capacity exceeded")

	// ErrVerificationFailed indicates a post-write read-back mismatch.
	ErrVerificationFailed = errors.New("gamearc: verification failed")
)
