package snap

import "github.com/cockroachdb/errors"

var (
	// ErrAbort is returned when an apply or build observes the abort flag.
	// It is a cancellation, not a failure.
	ErrAbort = errors.New("snap: operation aborted")
	// ErrTooManySnapshots is returned when the size budget cannot be met.
	ErrTooManySnapshots = errors.New("snap: too many snapshots")
	// ErrChecksumMismatch reports a column family file whose CRC32 differs from its meta.
	ErrChecksumMismatch = errors.New("snap: checksum mismatch")
	// ErrSizeMismatch reports a column family file whose size differs from its meta.
	ErrSizeMismatch = errors.New("snap: size mismatch")
	// ErrMetaCorrupted reports an unreadable or inconsistent meta file.
	ErrMetaCorrupted = errors.New("snap: meta file corrupted")
	// ErrKeyOutOfRange reports snapshot data outside the region being applied.
	ErrKeyOutOfRange = errors.New("snap: key out of region range")
	// ErrSnapshotMissing reports a snapshot whose files are not on disk.
	ErrSnapshotMissing = errors.New("snap: snapshot files missing")
)

// IsCorruption reports whether err means the snapshot data cannot be trusted.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrSizeMismatch) ||
		errors.Is(err, ErrMetaCorrupted) || errors.Is(err, ErrKeyOutOfRange)
}
