package microfs

import (
	"encoding/binary"
	"fmt"
)

// The block indexer maps an inode's logical block positions onto physical
// blocks. Positions below numDirect resolve through the direct array; the
// rest resolve through the single indirection block, whose contents are a
// packed array of 4-byte physical block numbers. Growth is strictly
// sequential: a new block always lands at position blockCount, so there are
// never holes in the logical range.

// blockAt resolves logical position pos of an inode to a physical block.
func (fs *FileSystem) blockAt(in *inode, pos uint32) (uint32, error) {
	if pos >= maxInodeBlocks {
		return 0, fmt.Errorf("position %d exceeds maximum inode reach %d: %w", pos, maxInodeBlocks, ErrOutOfRange)
	}
	if pos >= in.blockCount {
		return 0, fmt.Errorf("position %d beyond the %d blocks of inode %d: %w", pos, in.blockCount, in.number, ErrOutOfRange)
	}
	if pos < numDirect {
		physical := in.blocks.direct[pos]
		if physical == 0 {
			return 0, fmt.Errorf("direct slot %d of inode %d is empty: %w", pos, in.number, ErrCorrupt)
		}
		return physical, nil
	}
	ib, err := fs.dev.ReadBlock(in.blocks.indirect)
	if err != nil {
		return 0, fmt.Errorf("could not read indirection block %d of inode %d: %w", in.blocks.indirect, in.number, err)
	}
	physical := binary.LittleEndian.Uint32(ib[(pos-numDirect)*4:])
	if physical == 0 {
		return 0, fmt.Errorf("indirect slot %d of inode %d is empty: %w", pos-numDirect, in.number, ErrCorrupt)
	}
	return physical, nil
}

// growInode attaches exactly one new data block at the inode's next logical
// position and returns its physical block number. Crossing into the
// indirect range allocates the indirection block as well; if the second
// allocation fails the first is rolled back before returning. The commit
// order is fixed: reserve, zero the data block, write the pointer, persist
// the bitmap.
func (fs *FileSystem) growInode(in *inode) (uint32, error) {
	pos := in.blockCount
	if pos >= maxInodeBlocks {
		return 0, fmt.Errorf("inode %d is at its maximum of %d blocks: %w", in.number, maxInodeBlocks, ErrNoSpace)
	}

	switch {
	case pos < numDirect:
		physical, err := fs.reserveDataBlock()
		if err != nil {
			return 0, err
		}
		in.blocks.direct[pos] = physical
		in.blockCount++
		if err = fs.commitGrow(in); err != nil {
			return 0, err
		}
		return physical, nil

	case in.blocks.indirect == 0:
		// first block past the direct range: the indirection block and
		// the data block are allocated together
		indirect, err := fs.reserveDataBlock()
		if err != nil {
			return 0, err
		}
		physical, err := fs.reserveDataBlock()
		if err != nil {
			if ferr := fs.releaseDataBlock(indirect); ferr != nil {
				return 0, ferr
			}
			return 0, err
		}
		ib := make([]byte, BlockSize)
		binary.LittleEndian.PutUint32(ib[0:4], physical)
		if err = fs.dev.WriteBlock(indirect, ib); err != nil {
			return 0, fmt.Errorf("could not write indirection block %d of inode %d: %w", indirect, in.number, err)
		}
		in.blocks.indirect = indirect
		in.blockCount++
		if err = fs.commitGrow(in); err != nil {
			return 0, err
		}
		return physical, nil

	default:
		physical, err := fs.reserveDataBlock()
		if err != nil {
			return 0, err
		}
		ib, err := fs.dev.ReadBlock(in.blocks.indirect)
		if err != nil {
			return 0, fmt.Errorf("could not read indirection block %d of inode %d: %w", in.blocks.indirect, in.number, err)
		}
		binary.LittleEndian.PutUint32(ib[(pos-numDirect)*4:], physical)
		if err = fs.dev.WriteBlock(in.blocks.indirect, ib); err != nil {
			return 0, fmt.Errorf("could not write indirection block %d of inode %d: %w", in.blocks.indirect, in.number, err)
		}
		in.blockCount++
		if err = fs.commitGrow(in); err != nil {
			return 0, err
		}
		return physical, nil
	}
}

// commitGrow persists the pointer update and then the bitmap, in that
// order, so the bitmap can never report free a block an on-disk pointer
// already names.
func (fs *FileSystem) commitGrow(in *inode) error {
	if err := fs.writeInodeRecord(in); err != nil {
		return err
	}
	return fs.persistDataBitmap()
}

// shrinkInode drops the inode's highest-numbered block: compaction always
// vacates the last block, so this is the only removal shape needed. When
// the removed block was the sole remaining indirect pointer, the
// indirection block is freed with it.
func (fs *FileSystem) shrinkInode(in *inode) error {
	if in.blockCount == 0 {
		return fmt.Errorf("shrink of empty inode %d: %w", in.number, ErrCorrupt)
	}
	pos := in.blockCount - 1

	var physical uint32
	switch {
	case pos < numDirect:
		physical = in.blocks.direct[pos]
		in.blocks.direct[pos] = 0

	case pos == numDirect:
		// last indirect pointer going away: reclaim the indirection
		// block too
		ib, err := fs.dev.ReadBlock(in.blocks.indirect)
		if err != nil {
			return fmt.Errorf("could not read indirection block %d of inode %d: %w", in.blocks.indirect, in.number, err)
		}
		physical = binary.LittleEndian.Uint32(ib[0:4])
		indirect := in.blocks.indirect
		in.blocks.indirect = 0
		in.blockCount--
		if err = fs.writeInodeRecord(in); err != nil {
			return err
		}
		if err = fs.releaseDataBlock(indirect); err != nil {
			return err
		}
		if err = fs.releaseDataBlock(physical); err != nil {
			return err
		}
		return fs.persistDataBitmap()

	default:
		ib, err := fs.dev.ReadBlock(in.blocks.indirect)
		if err != nil {
			return fmt.Errorf("could not read indirection block %d of inode %d: %w", in.blocks.indirect, in.number, err)
		}
		offset := (pos - numDirect) * 4
		physical = binary.LittleEndian.Uint32(ib[offset:])
		binary.LittleEndian.PutUint32(ib[offset:], 0)
		if err = fs.dev.WriteBlock(in.blocks.indirect, ib); err != nil {
			return fmt.Errorf("could not write indirection block %d of inode %d: %w", in.blocks.indirect, in.number, err)
		}
	}

	if physical == 0 {
		return fmt.Errorf("slot %d of inode %d was already empty: %w", pos, in.number, ErrCorrupt)
	}
	in.blockCount--
	if err := fs.writeInodeRecord(in); err != nil {
		return err
	}
	if err := fs.releaseDataBlock(physical); err != nil {
		return err
	}
	return fs.persistDataBitmap()
}
