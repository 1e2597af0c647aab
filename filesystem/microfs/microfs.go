// Package microfs implements the on-disk storage core of the microfs
// filesystem: a fixed-geometry block layout with bitmap allocation, direct
// plus one-level-indirect block indexing, dense directory-entry arrays and
// hard-link reference counting. Path walking, caching and permission checks
// belong to the caller; this package only keeps the on-disk structures
// consistent.
package microfs

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/diskfs/go-microfs/blockdev"
	"github.com/diskfs/go-microfs/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// BlockSize is the only block size microfs reads and writes.
	BlockSize = 1024

	inodeBitmapBlock = 1
	inodeBitmapBytes = 512
	inodeSlots       = inodeBitmapBytes * 8

	dataBitmapBlock  = 2
	dataBitmapBlocks = 2
	dataBitmapBytes  = dataBitmapBlocks * BlockSize
	dataPositions    = dataBitmapBytes * 8

	inodeTableBlock  = 4
	inodeRecordSize  = 256
	inodesPerBlock   = BlockSize / inodeRecordSize
	inodeTableBlocks = inodeSlots / inodesPerBlock

	// dataRegionBlock is the first device block of the data region,
	// corresponding to data-bitmap position 1.
	dataRegionBlock = inodeTableBlock + inodeTableBlocks

	numDirect       = 14
	indirectEntries = BlockSize / 4
	maxInodeBlocks  = numDirect + indirectEntries
)

// RootInode is the inode number of the root directory, fixed at format time.
const RootInode uint32 = 1

// Credentials names the owner and group recorded on newly created inodes.
// They are supplied by the caller; microfs never inspects process identity.
type Credentials struct {
	UID uint32
	GID uint32
}

// Params controls filesystem creation. A nil Params or any zero field falls
// back to a default: a random UUID, an empty label, the system clock and
// root credentials of 0/0.
type Params struct {
	// UUID is the volume UUID to record in the superblock.
	UUID *uuid.UUID
	// VolumeLabel is recorded in the superblock, at most 64 bytes.
	VolumeLabel string
	// Clock supplies timestamps for inode records. Defaults to time.Now.
	Clock func() time.Time
	// Root owns the root directory.
	Root Credentials
}

// FileSystem is a mounted microfs instance. Directory and data blocks are
// written through to the device as they change; the superblock, the two
// bitmaps and time-only inode updates are held dirty in memory until Sync.
//
// FileSystem is not safe for concurrent use; callers serialize access.
type FileSystem struct {
	dev        blockdev.Device
	superblock *superblock
	clock      func() time.Time

	inodeBitmap *util.Bitmap
	dataBitmap  *util.Bitmap

	// inodes caches records touched during the session so that time-only
	// updates can stay pending until Sync
	inodes map[uint32]*inode

	superblockDirty  bool
	inodeBitmapDirty bool
	dataBitmapDirty  bool
}

// Create formats the device with an empty microfs filesystem holding only
// the root directory, and returns it mounted.
func Create(dev blockdev.Device, p *Params) (*FileSystem, error) {
	if p == nil {
		p = &Params{}
	}
	if dev.BlockSize() != BlockSize {
		return nil, fmt.Errorf("device block size %d, microfs requires %d", dev.BlockSize(), BlockSize)
	}
	total := dev.Blocks()
	if total <= dataRegionBlock {
		return nil, fmt.Errorf("device of %d blocks is too small, need at least %d: %w", total, dataRegionBlock+1, ErrNoSpace)
	}
	dataBlocks := total - dataRegionBlock
	if dataBlocks > dataPositions-1 {
		dataBlocks = dataPositions - 1
	}

	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	fsuuid := p.UUID
	if fsuuid == nil {
		u := uuid.New()
		fsuuid = &u
	}

	fs := &FileSystem{
		dev:   dev,
		clock: clock,
		superblock: &superblock{
			blockSize:   BlockSize,
			totalBlocks: total,
			dataBlocks:  dataBlocks,
			inodeSlots:  inodeSlots,
			nameLimit:   MaxNameLength,
			mkfsTime:    clock(),
			uuid:        fsuuid,
			volumeLabel: p.VolumeLabel,
		},
		inodeBitmap: util.NewBitmap(inodeSlots),
		dataBitmap:  util.NewBitmap(dataPositions),
		inodes:      map[uint32]*inode{},
	}

	// position 0 of both bitmaps is the reserved sentinel; data positions
	// past the device end are marked used so the allocator never finds them
	_ = fs.inodeBitmap.Set(0)
	_ = fs.dataBitmap.Set(0)
	for position := int(dataBlocks) + 1; position < dataPositions; position++ {
		_ = fs.dataBitmap.Set(position)
	}

	zero := make([]byte, BlockSize)
	for b := uint32(inodeTableBlock); b < dataRegionBlock; b++ {
		if err := fs.dev.WriteBlock(b, zero); err != nil {
			return nil, fmt.Errorf("could not zero inode table block %d: %w", b, err)
		}
	}

	root, err := fs.createInode(ModeDirectory|0o755, p.Root)
	if err != nil {
		return nil, fmt.Errorf("could not create root directory: %w", err)
	}
	if root.number != RootInode {
		return nil, fmt.Errorf("root directory received inode %d, expected %d: %w", root.number, RootInode, ErrCorrupt)
	}

	if err = fs.writeSuperblock(); err != nil {
		return nil, err
	}
	if err = fs.persistInodeBitmap(); err != nil {
		return nil, err
	}
	if err = fs.persistDataBitmap(); err != nil {
		return nil, err
	}
	if err = fs.dev.Flush(); err != nil {
		return nil, fmt.Errorf("could not flush device: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"label":  p.VolumeLabel,
		"uuid":   fsuuid.String(),
		"blocks": total,
		"data":   dataBlocks,
		"inodes": inodeSlots - 1,
	}).Info("formatted microfs filesystem")
	return fs, nil
}

// Read mounts an existing microfs filesystem from the device.
func Read(dev blockdev.Device) (*FileSystem, error) {
	if dev.BlockSize() != BlockSize {
		return nil, fmt.Errorf("device block size %d, microfs requires %d", dev.BlockSize(), BlockSize)
	}
	b, err := dev.ReadBlock(superblockBlock)
	if err != nil {
		return nil, fmt.Errorf("could not read superblock: %w", err)
	}
	sb, err := superblockFromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("could not parse superblock: %w", err)
	}
	if sb.totalBlocks > dev.Blocks() {
		return nil, fmt.Errorf("superblock names %d blocks, device has %d: %w", sb.totalBlocks, dev.Blocks(), ErrCorrupt)
	}

	ib, err := dev.ReadBlock(inodeBitmapBlock)
	if err != nil {
		return nil, fmt.Errorf("could not read inode bitmap: %w", err)
	}
	dbits := make([]byte, 0, dataBitmapBytes)
	for i := uint32(0); i < dataBitmapBlocks; i++ {
		db, err := dev.ReadBlock(dataBitmapBlock + i)
		if err != nil {
			return nil, fmt.Errorf("could not read data bitmap block %d: %w", dataBitmapBlock+i, err)
		}
		dbits = append(dbits, db...)
	}

	fs := &FileSystem{
		dev:         dev,
		superblock:  sb,
		clock:       time.Now,
		inodeBitmap: util.BitmapFromBytes(ib[:inodeBitmapBytes]),
		dataBitmap:  util.BitmapFromBytes(dbits),
		inodes:      map[uint32]*inode{},
	}
	if !fs.inodeBitmap.IsSet(int(RootInode)) {
		return nil, fmt.Errorf("root inode %d is not allocated: %w", RootInode, ErrCorrupt)
	}
	logrus.WithFields(logrus.Fields{
		"label": sb.volumeLabel,
		"uuid":  sb.uuid.String(),
	}).Debug("mounted microfs filesystem")
	return fs, nil
}

// SetClock replaces the timestamp source, primarily for tests.
func (fs *FileSystem) SetClock(clock func() time.Time) {
	fs.clock = clock
}

// Label returns the volume label.
func (fs *FileSystem) Label() string {
	return fs.superblock.volumeLabel
}

// UUID returns the volume UUID.
func (fs *FileSystem) UUID() *uuid.UUID {
	return fs.superblock.uuid
}

// Stats reports filesystem capacity. The same numbers are reported to every
// caller; no blocks are held back for privileged users.
type Stats struct {
	BlockSize     uint32
	TotalBlocks   uint32
	FreeBlocks    uint32
	TotalInodes   uint32
	FreeInodes    uint32
	MaxNameLength uint32
}

// Stats returns the current free-space accounting, counting clear bits in
// the two bitmaps past the reserved position 0.
func (fs *FileSystem) Stats() Stats {
	return Stats{
		BlockSize:     BlockSize,
		TotalBlocks:   fs.superblock.dataBlocks,
		FreeBlocks:    uint32(fs.dataBitmap.FreeCount(1)),
		TotalInodes:   fs.superblock.inodeSlots - 1,
		FreeInodes:    uint32(fs.inodeBitmap.FreeCount(1)),
		MaxNameLength: MaxNameLength,
	}
}

// Sync writes all pending metadata, the superblock, bitmaps and dirty inode
// records, through to the device and flushes it.
func (fs *FileSystem) Sync() error {
	if fs.superblockDirty {
		if err := fs.writeSuperblock(); err != nil {
			return err
		}
	}
	if fs.inodeBitmapDirty {
		if err := fs.persistInodeBitmap(); err != nil {
			return err
		}
	}
	if fs.dataBitmapDirty {
		if err := fs.persistDataBitmap(); err != nil {
			return err
		}
	}
	for _, in := range fs.inodes {
		if in.dirty {
			if err := fs.writeInodeRecord(in); err != nil {
				return err
			}
		}
	}
	if err := fs.dev.Flush(); err != nil {
		return fmt.Errorf("could not flush device: %w", err)
	}
	return nil
}

func (fs *FileSystem) writeSuperblock() error {
	b, err := fs.superblock.toBytes()
	if err != nil {
		return fmt.Errorf("could not marshal superblock: %w", err)
	}
	if err = fs.dev.WriteBlock(superblockBlock, b); err != nil {
		return fmt.Errorf("could not write superblock: %w", err)
	}
	fs.superblockDirty = false
	return nil
}

func (fs *FileSystem) now() time.Time {
	return fs.clock()
}

// readInode loads an inode record, from the session cache when present.
// Reading a slot the bitmap reports free means the caller holds a stale
// inode number, which is reported as corruption.
func (fs *FileSystem) readInode(number uint32) (*inode, error) {
	if number == 0 || number >= fs.superblock.inodeSlots {
		return nil, fmt.Errorf("inode number %d is out of range: %w", number, ErrCorrupt)
	}
	if in, ok := fs.inodes[number]; ok {
		return in, nil
	}
	if !fs.inodeBitmap.IsSet(int(number)) {
		return nil, fmt.Errorf("inode %d is not allocated: %w", number, ErrCorrupt)
	}
	block := inodeTableBlock + number/inodesPerBlock
	b, err := fs.dev.ReadBlock(block)
	if err != nil {
		return nil, fmt.Errorf("could not read inode table block %d: %w", block, err)
	}
	offset := (number % inodesPerBlock) * inodeRecordSize
	in, err := inodeFromBytes(b[offset:offset+inodeRecordSize], number)
	if err != nil {
		return nil, err
	}
	fs.inodes[number] = in
	return in, nil
}

// writeInodeRecord writes one inode record back into its table slot with a
// read-modify-write of the containing block.
func (fs *FileSystem) writeInodeRecord(in *inode) error {
	block := inodeTableBlock + in.number/inodesPerBlock
	b, err := fs.dev.ReadBlock(block)
	if err != nil {
		return fmt.Errorf("could not read inode table block %d: %w", block, err)
	}
	offset := (in.number % inodesPerBlock) * inodeRecordSize
	copy(b[offset:offset+inodeRecordSize], in.toBytes())
	if err = fs.dev.WriteBlock(block, b); err != nil {
		return fmt.Errorf("could not write inode table block %d: %w", block, err)
	}
	in.dirty = false
	fs.inodes[in.number] = in
	return nil
}

// createInode reserves an inode slot and its initial data block and writes
// the fresh record through. The slot is released again if the block
// reservation or the record write fails.
func (fs *FileSystem) createInode(mode FileMode, creds Credentials) (*inode, error) {
	number, err := fs.reserveInodeSlot()
	if err != nil {
		return nil, err
	}
	first, err := fs.reserveDataBlock()
	if err != nil {
		if rerr := fs.releaseInodeSlot(number); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	now := fs.now()
	in := &inode{
		number:     number,
		mode:       mode,
		links:      1,
		blockCount: 1,
		owner:      creds.UID,
		group:      creds.GID,
		accessTime: now,
		modifyTime: now,
		changeTime: now,
	}
	in.blocks.direct[0] = first
	if err = fs.writeInodeRecord(in); err != nil {
		return nil, err
	}
	if err = fs.persistInodeBitmap(); err != nil {
		return nil, err
	}
	if err = fs.persistDataBitmap(); err != nil {
		return nil, err
	}
	return in, nil
}

// unlinkInode drops one reference from an inode. At zero references every
// data block, the indirection block and the table slot are freed and the
// record is zeroed on disk. Reports whether the inode was destroyed.
func (fs *FileSystem) unlinkInode(in *inode) (bool, error) {
	if in.links == 0 {
		return false, fmt.Errorf("unlink of inode %d with zero links: %w", in.number, ErrCorrupt)
	}
	in.links--
	if in.links > 0 {
		in.changeTime = fs.now()
		if err := fs.writeInodeRecord(in); err != nil {
			return false, err
		}
		return false, nil
	}

	for i := uint32(0); i < in.blockCount && i < numDirect; i++ {
		if err := fs.releaseDataBlock(in.blocks.direct[i]); err != nil {
			return false, err
		}
	}
	if in.blocks.indirect != 0 {
		ib, err := fs.dev.ReadBlock(in.blocks.indirect)
		if err != nil {
			return false, fmt.Errorf("could not read indirection block %d of inode %d: %w", in.blocks.indirect, in.number, err)
		}
		for i := uint32(numDirect); i < in.blockCount; i++ {
			physical := binary.LittleEndian.Uint32(ib[(i-numDirect)*4:])
			if err = fs.releaseDataBlock(physical); err != nil {
				return false, err
			}
		}
		if err = fs.releaseDataBlock(in.blocks.indirect); err != nil {
			return false, err
		}
	}
	if err := fs.releaseInodeSlot(in.number); err != nil {
		return false, err
	}

	// zero the table slot so a stale read cannot resurrect the record
	block := inodeTableBlock + in.number/inodesPerBlock
	b, err := fs.dev.ReadBlock(block)
	if err != nil {
		return false, fmt.Errorf("could not read inode table block %d: %w", block, err)
	}
	offset := (in.number % inodesPerBlock) * inodeRecordSize
	copy(b[offset:offset+inodeRecordSize], make([]byte, inodeRecordSize))
	if err = fs.dev.WriteBlock(block, b); err != nil {
		return false, fmt.Errorf("could not write inode table block %d: %w", block, err)
	}
	delete(fs.inodes, in.number)

	if err = fs.persistInodeBitmap(); err != nil {
		return false, err
	}
	if err = fs.persistDataBitmap(); err != nil {
		return false, err
	}
	return true, nil
}

// CreateEntry makes a new inode of the given mode and binds it into the
// parent directory under name. Returns the new inode number.
func (fs *FileSystem) CreateEntry(parent uint32, name string, mode FileMode, creds Credentials) (uint32, error) {
	dir, err := fs.readInode(parent)
	if err != nil {
		return 0, err
	}
	if !dir.mode.IsDir() {
		return 0, fmt.Errorf("inode %d is not a directory: %w", parent, ErrTypeMismatch)
	}
	if err = validateEntryName(name); err != nil {
		return 0, err
	}
	if _, err = fs.findEntry(dir, name); err == nil {
		return 0, fmt.Errorf("%q already exists in inode %d: %w", name, parent, ErrExists)
	} else if !isNotFound(err) {
		return 0, err
	}

	in, err := fs.createInode(mode, creds)
	if err != nil {
		return 0, err
	}
	if err = fs.addEntry(dir, name, in.number); err != nil {
		if _, derr := fs.unlinkInode(in); derr != nil {
			return 0, derr
		}
		return 0, err
	}
	return in.number, nil
}

// Lookup resolves name within a directory to an inode number.
func (fs *FileSystem) Lookup(dir uint32, name string) (uint32, error) {
	d, err := fs.readInode(dir)
	if err != nil {
		return 0, err
	}
	if !d.mode.IsDir() {
		return 0, fmt.Errorf("inode %d is not a directory: %w", dir, ErrTypeMismatch)
	}
	loc, err := fs.findEntry(d, name)
	if err != nil {
		return 0, err
	}
	return loc.entry.inode, nil
}

// Link binds an existing inode into a directory under an additional name.
// Directories cannot be hard-linked.
func (fs *FileSystem) Link(dir uint32, name string, target uint32) error {
	d, err := fs.readInode(dir)
	if err != nil {
		return err
	}
	if !d.mode.IsDir() {
		return fmt.Errorf("inode %d is not a directory: %w", dir, ErrTypeMismatch)
	}
	if err = validateEntryName(name); err != nil {
		return err
	}
	in, err := fs.readInode(target)
	if err != nil {
		return err
	}
	if in.mode.IsDir() {
		return fmt.Errorf("inode %d is a directory and cannot be hard-linked: %w", target, ErrTypeMismatch)
	}
	if _, err = fs.findEntry(d, name); err == nil {
		return fmt.Errorf("%q already exists in inode %d: %w", name, dir, ErrExists)
	} else if !isNotFound(err) {
		return err
	}

	// the reference is durable before the name that carries it
	in.links++
	in.changeTime = fs.now()
	if err = fs.writeInodeRecord(in); err != nil {
		return err
	}
	if err = fs.addEntry(d, name, target); err != nil {
		in.links--
		if werr := fs.writeInodeRecord(in); werr != nil {
			return werr
		}
		return err
	}
	return nil
}

// Remove deletes a non-directory entry and drops one reference from its
// inode, destroying the inode when the last name goes.
func (fs *FileSystem) Remove(dir uint32, name string) error {
	d, err := fs.readInode(dir)
	if err != nil {
		return err
	}
	if !d.mode.IsDir() {
		return fmt.Errorf("inode %d is not a directory: %w", dir, ErrTypeMismatch)
	}
	loc, err := fs.findEntry(d, name)
	if err != nil {
		return err
	}
	in, err := fs.readInode(loc.entry.inode)
	if err != nil {
		return err
	}
	if in.mode.IsDir() {
		return fmt.Errorf("%q is a directory: %w", name, ErrTypeMismatch)
	}
	if err = fs.deleteEntry(d, loc); err != nil {
		return err
	}
	_, err = fs.unlinkInode(in)
	return err
}

// Rmdir deletes an empty directory entry and destroys its inode.
func (fs *FileSystem) Rmdir(parent uint32, name string) error {
	d, err := fs.readInode(parent)
	if err != nil {
		return err
	}
	if !d.mode.IsDir() {
		return fmt.Errorf("inode %d is not a directory: %w", parent, ErrTypeMismatch)
	}
	loc, err := fs.findEntry(d, name)
	if err != nil {
		return err
	}
	target, err := fs.readInode(loc.entry.inode)
	if err != nil {
		return err
	}
	if !target.mode.IsDir() {
		return fmt.Errorf("%q is not a directory: %w", name, ErrTypeMismatch)
	}
	empty, err := fs.directoryIsEmpty(target, parent)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%q still holds entries: %w", name, ErrNotEmpty)
	}
	if err = fs.deleteEntry(d, loc); err != nil {
		return err
	}
	_, err = fs.unlinkInode(target)
	return err
}

// BlockAt resolves a logical block position of an inode to a physical block
// number without allocating.
func (fs *FileSystem) BlockAt(ino uint32, pos uint32) (uint32, error) {
	in, err := fs.readInode(ino)
	if err != nil {
		return 0, err
	}
	return fs.blockAt(in, pos)
}

// BlockAtAlloc resolves a logical block position, allocating the block when
// it is the next unallocated position. Positions further out fail; the block
// list never holds holes.
func (fs *FileSystem) BlockAtAlloc(ino uint32, pos uint32) (uint32, error) {
	in, err := fs.readInode(ino)
	if err != nil {
		return 0, err
	}
	if pos < in.blockCount {
		return fs.blockAt(in, pos)
	}
	if pos != in.blockCount {
		return 0, fmt.Errorf("position %d would leave a hole after block %d of inode %d: %w", pos, in.blockCount, in.number, ErrOutOfRange)
	}
	physical, err := fs.growInode(in)
	if err != nil {
		return 0, err
	}
	in.modifyTime = fs.now()
	in.changeTime = in.modifyTime
	in.dirty = true
	return physical, nil
}
