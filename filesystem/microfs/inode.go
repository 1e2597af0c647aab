package microfs

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FileMode carries the inode type in the upper four bits and permission bits
// below, following the usual unix mode encoding.
type FileMode uint32

const (
	ModeTypeMask    FileMode = 0xf000
	ModeSocket      FileMode = 0xc000
	ModeSymlink     FileMode = 0xa000
	ModeRegular     FileMode = 0x8000
	ModeBlockDevice FileMode = 0x6000
	ModeDirectory   FileMode = 0x4000
	ModeCharDevice  FileMode = 0x2000
	ModeFifo        FileMode = 0x1000
	ModePermMask    FileMode = 0x0fff
)

// IsDir reports whether the mode describes a directory.
func (m FileMode) IsDir() bool {
	return m&ModeTypeMask == ModeDirectory
}

// IsRegular reports whether the mode describes a regular file.
func (m FileMode) IsRegular() bool {
	return m&ModeTypeMask == ModeRegular
}

// isDevice reports whether the mode describes a character or block device,
// the only types that carry a device number.
func (m FileMode) isDevice() bool {
	t := m & ModeTypeMask
	return t == ModeCharDevice || t == ModeBlockDevice
}

// blockList is an inode's block reach: a fixed array of direct data-block
// pointers plus at most one indirection block whose contents extend the
// list. indirect is zero exactly when the inode owns numDirect or fewer
// data blocks. Pointers are physical block numbers; zero means unused.
type blockList struct {
	direct   [numDirect]uint32
	indirect uint32
}

// inode is the in-memory form of one on-disk inode record. It is the only
// state the block indexer and allocator operate on during a session, and is
// written back to its table slot when dirty.
type inode struct {
	number     uint32
	mode       FileMode
	size       uint32
	links      uint32
	blockCount uint32 // data blocks owned, not counting the indirection block
	blocks     blockList
	owner      uint32
	group      uint32
	accessTime time.Time
	modifyTime time.Time
	changeTime time.Time
	device     uint32

	// dirty marks the record as needing a write-back on sync
	dirty bool
}

// toBytes marshals the inode into its fixed-size table record.
func (in *inode) toBytes() []byte {
	b := make([]byte, inodeRecordSize)
	binary.LittleEndian.PutUint32(b[0x0:0x4], uint32(in.mode))
	binary.LittleEndian.PutUint32(b[0x4:0x8], in.size)
	binary.LittleEndian.PutUint32(b[0x8:0xc], in.links)
	binary.LittleEndian.PutUint32(b[0xc:0x10], in.blockCount)
	for i, block := range in.blocks.direct {
		binary.LittleEndian.PutUint32(b[0x10+i*4:], block)
	}
	binary.LittleEndian.PutUint32(b[0x10+numDirect*4:], in.blocks.indirect)
	binary.LittleEndian.PutUint32(b[0x4c:0x50], in.owner)
	binary.LittleEndian.PutUint32(b[0x50:0x54], in.group)
	binary.LittleEndian.PutUint32(b[0x54:0x58], uint32(in.accessTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x58:0x5c], uint32(in.modifyTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x5c:0x60], uint32(in.changeTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x60:0x64], in.device)
	return b
}

// inodeFromBytes reads an inode record out of its table slot.
func inodeFromBytes(b []byte, number uint32) (*inode, error) {
	if len(b) < inodeRecordSize {
		return nil, fmt.Errorf("inode record requires %d bytes, received %d", inodeRecordSize, len(b))
	}
	in := &inode{
		number:     number,
		mode:       FileMode(binary.LittleEndian.Uint32(b[0x0:0x4])),
		size:       binary.LittleEndian.Uint32(b[0x4:0x8]),
		links:      binary.LittleEndian.Uint32(b[0x8:0xc]),
		blockCount: binary.LittleEndian.Uint32(b[0xc:0x10]),
		owner:      binary.LittleEndian.Uint32(b[0x4c:0x50]),
		group:      binary.LittleEndian.Uint32(b[0x50:0x54]),
		accessTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x54:0x58])), 0),
		modifyTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x58:0x5c])), 0),
		changeTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x5c:0x60])), 0),
		device:     binary.LittleEndian.Uint32(b[0x60:0x64]),
	}
	for i := range in.blocks.direct {
		in.blocks.direct[i] = binary.LittleEndian.Uint32(b[0x10+i*4:])
	}
	in.blocks.indirect = binary.LittleEndian.Uint32(b[0x10+numDirect*4:])
	if in.blockCount > maxInodeBlocks {
		return nil, fmt.Errorf("inode %d claims %d blocks, maximum is %d: %w", number, in.blockCount, maxInodeBlocks, ErrCorrupt)
	}
	if in.blockCount > numDirect && in.blocks.indirect == 0 {
		return nil, fmt.Errorf("inode %d owns %d blocks but has no indirection block: %w", number, in.blockCount, ErrCorrupt)
	}
	if in.blockCount <= numDirect && in.blocks.indirect != 0 {
		return nil, fmt.Errorf("inode %d owns %d blocks but carries indirection block %d: %w", number, in.blockCount, in.blocks.indirect, ErrCorrupt)
	}
	return in, nil
}
