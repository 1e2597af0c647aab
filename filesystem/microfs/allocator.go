package microfs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// The two bitmaps are the only allocation state. Positions are
// bitmap-relative: inode numbers are inode-bitmap positions directly, data
// positions are converted to physical block numbers with a fixed offset.
// Position 0 of either bitmap is reserved at format time and never
// allocated, so 0 can serve as the "no block" / "no inode" sentinel.

// physicalBlock converts a data-bitmap position to a device block number.
func physicalBlock(position uint32) uint32 {
	return dataRegionBlock + position - 1
}

// blockPosition converts a device block number back to its bitmap position.
func blockPosition(physical uint32) uint32 {
	return physical - dataRegionBlock + 1
}

// reserveDataBlock reserves the first free data block, zeroes it on the
// device, and returns its physical block number. The bitmap change is
// in-memory only until persistDataBitmap runs; callers persist after the
// block's pointer has been written out.
func (fs *FileSystem) reserveDataBlock() (uint32, error) {
	position := fs.dataBitmap.FirstFree(1)
	if position < 0 {
		logrus.WithField("fs", fs.superblock.volumeLabel).Debug("data bitmap exhausted")
		return 0, fmt.Errorf("could not reserve data block: %w", ErrNoSpace)
	}
	_ = fs.dataBitmap.Set(position)
	fs.dataBitmapDirty = true
	physical := physicalBlock(uint32(position))
	if err := fs.dev.WriteBlock(physical, make([]byte, BlockSize)); err != nil {
		_ = fs.dataBitmap.Clear(position)
		return 0, fmt.Errorf("could not zero reserved block %d: %w", physical, err)
	}
	return physical, nil
}

// releaseDataBlock frees the bitmap position backing a physical block.
// Freeing an already-free block reports corruption rather than going
// through silently.
func (fs *FileSystem) releaseDataBlock(physical uint32) error {
	if physical < dataRegionBlock || physical >= dataRegionBlock+fs.superblock.dataBlocks {
		return fmt.Errorf("block %d is outside the data region: %w", physical, ErrCorrupt)
	}
	position := int(blockPosition(physical))
	if !fs.dataBitmap.IsSet(position) {
		return fmt.Errorf("double free of data block %d: %w", physical, ErrCorrupt)
	}
	_ = fs.dataBitmap.Clear(position)
	fs.dataBitmapDirty = true
	return nil
}

// reserveInodeSlot reserves the first free inode slot and returns its
// number. Inode numbers start at 1; 0 is never valid.
func (fs *FileSystem) reserveInodeSlot() (uint32, error) {
	position := fs.inodeBitmap.FirstFree(1)
	if position < 0 {
		logrus.WithField("fs", fs.superblock.volumeLabel).Debug("inode bitmap exhausted")
		return 0, fmt.Errorf("could not reserve inode slot: %w", ErrNoSpace)
	}
	_ = fs.inodeBitmap.Set(position)
	fs.inodeBitmapDirty = true
	return uint32(position), nil
}

// releaseInodeSlot frees an inode number. Freeing a free slot reports
// corruption.
func (fs *FileSystem) releaseInodeSlot(number uint32) error {
	if number == 0 || number >= fs.superblock.inodeSlots {
		return fmt.Errorf("inode number %d is out of range: %w", number, ErrCorrupt)
	}
	if !fs.inodeBitmap.IsSet(int(number)) {
		return fmt.Errorf("double free of inode %d: %w", number, ErrCorrupt)
	}
	_ = fs.inodeBitmap.Clear(int(number))
	fs.inodeBitmapDirty = true
	return nil
}

// persistInodeBitmap writes the inode bitmap block through to the device.
func (fs *FileSystem) persistInodeBitmap() error {
	b := make([]byte, BlockSize)
	copy(b, fs.inodeBitmap.ToBytes())
	if err := fs.dev.WriteBlock(inodeBitmapBlock, b); err != nil {
		return fmt.Errorf("could not write inode bitmap: %w", err)
	}
	fs.inodeBitmapDirty = false
	return nil
}

// persistDataBitmap writes the data bitmap blocks through to the device.
func (fs *FileSystem) persistDataBitmap() error {
	bits := fs.dataBitmap.ToBytes()
	for i := uint32(0); i < dataBitmapBlocks; i++ {
		if err := fs.dev.WriteBlock(dataBitmapBlock+i, bits[i*BlockSize:(i+1)*BlockSize]); err != nil {
			return fmt.Errorf("could not write data bitmap block %d: %w", dataBitmapBlock+i, err)
		}
	}
	fs.dataBitmapDirty = false
	return nil
}
