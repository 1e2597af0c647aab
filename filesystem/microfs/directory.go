package microfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/elliotwutingfeng/asciiset"
)

const (
	entrySize = 128
	nameSize  = entrySize - 4

	// MaxNameLength is the longest entry name; names are NUL-padded within
	// their fixed field, so one byte stays reserved.
	MaxNameLength = nameSize - 1

	entriesPerBlock = BlockSize / entrySize
	maxDirEntries   = maxInodeBlocks * entriesPerBlock
)

// nameChars holds the bytes allowed in entry names: printable ASCII minus
// the path separator.
var nameChars asciiset.ASCIISet

func init() {
	var allowed bytes.Buffer
	for c := byte(0x21); c < 0x7f; c++ {
		if c != '/' {
			allowed.WriteByte(c)
		}
	}
	allowed.WriteByte(' ')
	nameChars, _ = asciiset.MakeASCIISet(allowed.String())
}

func validateEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("empty entry name: %w", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name %q exceeds %d bytes: %w", name, MaxNameLength, ErrNameTooLong)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name %q is reserved: %w", name, ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		if !nameChars.Contains(name[i]) {
			return fmt.Errorf("name %q holds invalid byte %#x: %w", name, name[i], ErrInvalidName)
		}
	}
	return nil
}

// dirEntry is one on-disk directory record. A zero inode number marks a
// dead record; live records sit densely at entry indices 0..count-1.
type dirEntry struct {
	name  string
	inode uint32
}

func (e *dirEntry) toBytes() []byte {
	b := make([]byte, entrySize)
	copy(b[:nameSize], e.name)
	binary.LittleEndian.PutUint32(b[nameSize:entrySize], e.inode)
	return b
}

func dirEntryFromBytes(b []byte) *dirEntry {
	name := b[:nameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return &dirEntry{
		name:  string(name),
		inode: binary.LittleEndian.Uint32(b[nameSize:entrySize]),
	}
}

// entryLocation pins one live entry inside a directory: its logical block,
// its index within that block, and the block's physical number plus retained
// contents so a following mutation need not reread it.
type entryLocation struct {
	blockIndex uint32
	entryIndex uint32
	physical   uint32
	buf        []byte
	entry      *dirEntry
}

func (fs *FileSystem) entryCount(d *inode) uint32 {
	return d.size / entrySize
}

// forEachEntry walks the live entries of a directory in storage order,
// stopping early when fn reports done. A dead record inside the live range
// breaks the density invariant and is reported as corruption.
func (fs *FileSystem) forEachEntry(d *inode, fn func(loc *entryLocation) (bool, error)) error {
	count := fs.entryCount(d)
	for blockIndex := uint32(0); blockIndex*entriesPerBlock < count; blockIndex++ {
		physical, err := fs.blockAt(d, blockIndex)
		if err != nil {
			return err
		}
		buf, err := fs.dev.ReadBlock(physical)
		if err != nil {
			return fmt.Errorf("could not read directory block %d of inode %d: %w", physical, d.number, err)
		}
		live := count - blockIndex*entriesPerBlock
		if live > entriesPerBlock {
			live = entriesPerBlock
		}
		for entryIndex := uint32(0); entryIndex < live; entryIndex++ {
			entry := dirEntryFromBytes(buf[entryIndex*entrySize:])
			if entry.inode == 0 {
				return fmt.Errorf("dead record at entry %d of directory %d within the live range: %w", blockIndex*entriesPerBlock+entryIndex, d.number, ErrCorrupt)
			}
			done, err := fn(&entryLocation{
				blockIndex: blockIndex,
				entryIndex: entryIndex,
				physical:   physical,
				buf:        buf,
				entry:      entry,
			})
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
	return nil
}

// findEntry locates name among the live entries of a directory.
func (fs *FileSystem) findEntry(d *inode, name string) (*entryLocation, error) {
	var found *entryLocation
	err := fs.forEachEntry(d, func(loc *entryLocation) (bool, error) {
		if loc.entry.name == name {
			found = loc
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%q not present in directory %d: %w", name, d.number, ErrNotFound)
	}
	return found, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// addEntry appends a record at entry index count, growing the directory by
// one block when the index crosses into an unallocated block. The entry
// block is written before the size moves, so a failed write never leaves
// the directory claiming a record that was not stored.
func (fs *FileSystem) addEntry(d *inode, name string, ino uint32) error {
	count := fs.entryCount(d)
	if count >= maxDirEntries {
		return fmt.Errorf("directory %d is at its maximum of %d entries: %w", d.number, maxDirEntries, ErrNoSpace)
	}
	blockIndex := count / entriesPerBlock
	entryIndex := count % entriesPerBlock

	var physical uint32
	var buf []byte
	var err error
	if blockIndex == d.blockCount {
		if physical, err = fs.growInode(d); err != nil {
			return err
		}
		buf = make([]byte, BlockSize)
	} else {
		if physical, err = fs.blockAt(d, blockIndex); err != nil {
			return err
		}
		if buf, err = fs.dev.ReadBlock(physical); err != nil {
			return fmt.Errorf("could not read directory block %d of inode %d: %w", physical, d.number, err)
		}
	}

	entry := dirEntry{name: name, inode: ino}
	copy(buf[entryIndex*entrySize:], entry.toBytes())
	if err = fs.dev.WriteBlock(physical, buf); err != nil {
		return fmt.Errorf("could not write directory block %d of inode %d: %w", physical, d.number, err)
	}

	d.size += entrySize
	now := fs.now()
	d.modifyTime = now
	d.changeTime = now
	return fs.writeInodeRecord(d)
}

// deleteEntry removes one live record and restores density by moving the
// globally last live record into the hole. When the final block empties it
// is handed back to the allocator.
func (fs *FileSystem) deleteEntry(d *inode, loc *entryLocation) error {
	count := fs.entryCount(d)
	if count == 0 {
		return fmt.Errorf("delete from empty directory %d: %w", d.number, ErrCorrupt)
	}
	lastIndex := count - 1
	lastBlockIndex := lastIndex / entriesPerBlock
	lastEntryIndex := lastIndex % entriesPerBlock
	targetIndex := loc.blockIndex*entriesPerBlock + loc.entryIndex

	switch {
	case targetIndex == lastIndex:
		// the tail record itself; nothing moves, and when it was alone in
		// its block the write is skipped because the block is freed below
		if lastEntryIndex != 0 {
			copy(loc.buf[loc.entryIndex*entrySize:], make([]byte, entrySize))
			if err := fs.dev.WriteBlock(loc.physical, loc.buf); err != nil {
				return fmt.Errorf("could not write directory block %d of inode %d: %w", loc.physical, d.number, err)
			}
		}

	case loc.blockIndex == lastBlockIndex:
		// hole and tail share a block; one write fills and clears both
		copy(loc.buf[loc.entryIndex*entrySize:], loc.buf[lastEntryIndex*entrySize:(lastEntryIndex+1)*entrySize])
		copy(loc.buf[lastEntryIndex*entrySize:], make([]byte, entrySize))
		if err := fs.dev.WriteBlock(loc.physical, loc.buf); err != nil {
			return fmt.Errorf("could not write directory block %d of inode %d: %w", loc.physical, d.number, err)
		}

	default:
		lastPhysical, err := fs.blockAt(d, lastBlockIndex)
		if err != nil {
			return err
		}
		lastBuf, err := fs.dev.ReadBlock(lastPhysical)
		if err != nil {
			return fmt.Errorf("could not read directory block %d of inode %d: %w", lastPhysical, d.number, err)
		}
		copy(loc.buf[loc.entryIndex*entrySize:], lastBuf[lastEntryIndex*entrySize:(lastEntryIndex+1)*entrySize])
		// the moved record reaches its new home before the old one clears
		if err = fs.dev.WriteBlock(loc.physical, loc.buf); err != nil {
			return fmt.Errorf("could not write directory block %d of inode %d: %w", loc.physical, d.number, err)
		}
		if lastEntryIndex != 0 {
			copy(lastBuf[lastEntryIndex*entrySize:], make([]byte, entrySize))
			if err = fs.dev.WriteBlock(lastPhysical, lastBuf); err != nil {
				return fmt.Errorf("could not write directory block %d of inode %d: %w", lastPhysical, d.number, err)
			}
		}
	}

	if lastEntryIndex == 0 {
		if err := fs.shrinkInode(d); err != nil {
			return err
		}
	}

	d.size -= entrySize
	now := fs.now()
	d.modifyTime = now
	d.changeTime = now
	return fs.writeInodeRecord(d)
}

// directoryIsEmpty reports whether a directory holds no removable entries.
// Self and parent records are tolerated when they point where they should;
// anything else makes the directory non-empty.
func (fs *FileSystem) directoryIsEmpty(d *inode, parent uint32) (bool, error) {
	empty := true
	err := fs.forEachEntry(d, func(loc *entryLocation) (bool, error) {
		switch loc.entry.name {
		case ".":
			if loc.entry.inode == d.number {
				return false, nil
			}
		case "..":
			if loc.entry.inode == parent {
				return false, nil
			}
		}
		empty = false
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return empty, nil
}

// DirEntry is one name bound in a directory.
type DirEntry struct {
	Name  string
	Inode uint32
}

// ReadDir lists a directory's live entries in storage order.
func (fs *FileSystem) ReadDir(ino uint32) ([]DirEntry, error) {
	d, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	if !d.mode.IsDir() {
		return nil, fmt.Errorf("inode %d is not a directory: %w", ino, ErrTypeMismatch)
	}
	entries := make([]DirEntry, 0, fs.entryCount(d))
	err = fs.forEachEntry(d, func(loc *entryLocation) (bool, error) {
		entries = append(entries, DirEntry{Name: loc.entry.name, Inode: loc.entry.inode})
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadDirNames lists a directory's entry names in storage order.
func (fs *FileSystem) ReadDirNames(ino uint32) ([]string, error) {
	entries, err := fs.ReadDir(ino)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}
