package microfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Magic identifies a microfs superblock, stored little-endian in the
	// first four bytes of block 0.
	Magic uint32 = 0x7366636d

	superblockSize  = 0x6c
	maxLabelLength  = 64
	labelOffset     = 0x2c
	superblockBlock = 0
)

// superblock holds the fixed counts describing the filesystem geometry plus
// the volume identity. It lives in block 0 and is loaded once at mount.
type superblock struct {
	blockSize   uint32
	totalBlocks uint32
	dataBlocks  uint32 // allocatable data blocks, excluding reserved position 0
	inodeSlots  uint32
	nameLimit   uint32
	mkfsTime    time.Time
	uuid        *uuid.UUID
	volumeLabel string
}

func (sb *superblock) equal(a *superblock) bool {
	if (sb == nil) != (a == nil) {
		return false
	}
	if sb == nil {
		return true
	}
	return sb.blockSize == a.blockSize &&
		sb.totalBlocks == a.totalBlocks &&
		sb.dataBlocks == a.dataBlocks &&
		sb.inodeSlots == a.inodeSlots &&
		sb.nameLimit == a.nameLimit &&
		sb.mkfsTime.Equal(a.mkfsTime) &&
		sb.uuid.String() == a.uuid.String() &&
		sb.volumeLabel == a.volumeLabel
}

// toBytes marshals the superblock into a full block, padded with zeros.
func (sb *superblock) toBytes() ([]byte, error) {
	if len(sb.volumeLabel) > maxLabelLength {
		return nil, fmt.Errorf("volume label %q exceeds maximum length %d", sb.volumeLabel, maxLabelLength)
	}
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0x0:0x4], Magic)
	binary.LittleEndian.PutUint32(b[0x4:0x8], sb.blockSize)
	binary.LittleEndian.PutUint32(b[0x8:0xc], sb.totalBlocks)
	binary.LittleEndian.PutUint32(b[0xc:0x10], sb.dataBlocks)
	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.inodeSlots)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.nameLimit)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], uint32(sb.mkfsTime.Unix()))
	copy(b[0x1c:0x2c], sb.uuid[:])
	copy(b[labelOffset:labelOffset+maxLabelLength], sb.volumeLabel)
	return b, nil
}

// superblockFromBytes reads a superblock out of block 0 contents.
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("superblock requires at least %d bytes, received %d", superblockSize, len(b))
	}
	if magic := binary.LittleEndian.Uint32(b[0x0:0x4]); magic != Magic {
		return nil, fmt.Errorf("bad magic %#x, expected %#x", magic, Magic)
	}
	fsuuid, err := uuid.FromBytes(b[0x1c:0x2c])
	if err != nil {
		return nil, fmt.Errorf("could not read volume UUID: %w", err)
	}
	label := b[labelOffset : labelOffset+maxLabelLength]
	if i := bytes.IndexByte(label, 0); i >= 0 {
		label = label[:i]
	}
	sb := &superblock{
		blockSize:   binary.LittleEndian.Uint32(b[0x4:0x8]),
		totalBlocks: binary.LittleEndian.Uint32(b[0x8:0xc]),
		dataBlocks:  binary.LittleEndian.Uint32(b[0xc:0x10]),
		inodeSlots:  binary.LittleEndian.Uint32(b[0x10:0x14]),
		nameLimit:   binary.LittleEndian.Uint32(b[0x14:0x18]),
		mkfsTime:    time.Unix(int64(binary.LittleEndian.Uint32(b[0x18:0x1c])), 0),
		uuid:        &fsuuid,
		volumeLabel: string(label),
	}
	if sb.blockSize != BlockSize {
		return nil, fmt.Errorf("unsupported block size %d, expected %d", sb.blockSize, BlockSize)
	}
	return sb, nil
}
