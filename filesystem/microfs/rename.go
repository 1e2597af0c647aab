package microfs

import "fmt"

// Rename moves an entry from one directory to another, or retitles it in
// place. An existing destination of the same kind is overwritten and loses
// one reference; a destination directory must be empty. The destination is
// bound before the source name is deleted, so an interrupted rename leaves
// the inode reachable under at least one of the two names.
func (fs *FileSystem) Rename(srcDir uint32, srcName string, dstDir uint32, dstName string) error {
	sd, err := fs.readInode(srcDir)
	if err != nil {
		return err
	}
	if !sd.mode.IsDir() {
		return fmt.Errorf("inode %d is not a directory: %w", srcDir, ErrTypeMismatch)
	}
	dd, err := fs.readInode(dstDir)
	if err != nil {
		return err
	}
	if !dd.mode.IsDir() {
		return fmt.Errorf("inode %d is not a directory: %w", dstDir, ErrTypeMismatch)
	}
	if err = validateEntryName(dstName); err != nil {
		return err
	}

	srcLoc, err := fs.findEntry(sd, srcName)
	if err != nil {
		return err
	}
	src, err := fs.readInode(srcLoc.entry.inode)
	if err != nil {
		return err
	}

	dstLoc, err := fs.findEntry(dd, dstName)
	switch {
	case err == nil:
		dst, derr := fs.readInode(dstLoc.entry.inode)
		if derr != nil {
			return derr
		}
		if dst.number == src.number {
			// both names already resolve to the same inode
			return nil
		}
		if dst.mode.IsDir() != src.mode.IsDir() {
			return fmt.Errorf("cannot replace %q, source and destination differ in kind: %w", dstName, ErrTypeMismatch)
		}
		if dst.mode.IsDir() {
			empty, eerr := fs.directoryIsEmpty(dst, dstDir)
			if eerr != nil {
				return eerr
			}
			if !empty {
				return fmt.Errorf("cannot replace %q, directory still holds entries: %w", dstName, ErrNotEmpty)
			}
		}
		entry := dirEntry{name: dstName, inode: src.number}
		copy(dstLoc.buf[dstLoc.entryIndex*entrySize:], entry.toBytes())
		if err = fs.dev.WriteBlock(dstLoc.physical, dstLoc.buf); err != nil {
			return fmt.Errorf("could not write directory block %d of inode %d: %w", dstLoc.physical, dd.number, err)
		}
		if _, err = fs.unlinkInode(dst); err != nil {
			return err
		}
		now := fs.now()
		dd.modifyTime = now
		dd.changeTime = now
		dd.dirty = true

	case isNotFound(err):
		if err = fs.addEntry(dd, dstName, src.number); err != nil {
			return err
		}

	default:
		return err
	}

	// the destination mutation may have moved records in a shared
	// directory, so the source entry is located again before deletion
	srcLoc, err = fs.findEntry(sd, srcName)
	if err != nil {
		return err
	}
	if err = fs.deleteEntry(sd, srcLoc); err != nil {
		return err
	}
	src.changeTime = fs.now()
	src.dirty = true
	return nil
}
