package microfs

import "errors"

var (
	// ErrNoSpace means no free inode slot, data block, or directory entry
	// slot was available. Any partially reserved resources have been
	// released before the error is returned.
	ErrNoSpace = errors.New("no space left on device")

	// ErrNotFound means a name was not present in a directory.
	ErrNotFound = errors.New("no such file or directory")

	// ErrExists means a name is already present in a directory.
	ErrExists = errors.New("file exists")

	// ErrNotEmpty means a directory still holds live entries.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrTypeMismatch means an operation was applied to the wrong kind of
	// inode, such as renaming a file over a directory.
	ErrTypeMismatch = errors.New("inode type mismatch")

	// ErrNameTooLong means an entry name exceeds MaxNameLength.
	ErrNameTooLong = errors.New("name too long")

	// ErrInvalidName means an entry name is empty, reserved, or holds
	// bytes outside the allowed set.
	ErrInvalidName = errors.New("invalid name")

	// ErrOutOfRange means a logical block position is beyond what an inode
	// can address, or beyond the blocks it currently owns.
	ErrOutOfRange = errors.New("block position out of range")

	// ErrCorrupt means the on-disk or in-memory state violated an internal
	// invariant, such as freeing an already-free bitmap position or
	// unlinking an inode whose link count is zero. It is kept distinct
	// from ordinary exhaustion so callers can tell a damaged filesystem
	// from a full one.
	ErrCorrupt = errors.New("filesystem state is inconsistent")
)
