package blockdev

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FileDevice is a Device backed by a regular file or a block special.
type FileDevice struct {
	f         *os.File
	blockSize int
	blocks    uint32
}

// CreateFileDevice creates or truncates a regular file of the given geometry
// and opens it as a device.
func CreateFileDevice(path string, blockSize int, blocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	if err = f.Truncate(int64(blockSize) * int64(blocks)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not size %s to %d blocks: %w", path, blocks, err)
	}
	logrus.WithFields(logrus.Fields{
		"path":      path,
		"blocks":    blocks,
		"blocksize": blockSize,
	}).Debug("created file device")
	return &FileDevice{f: f, blockSize: blockSize, blocks: blocks}, nil
}

// OpenFileDevice opens an existing file or block special as a device. The
// block count is derived from the file size, or from the kernel for a block
// special.
func OpenFileDevice(path string, blockSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not stat %s: %w", path, err)
	}
	size := info.Size()
	if info.Mode()&os.ModeDevice == os.ModeDevice {
		if size, err = blockDeviceSize(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("could not size block device %s: %w", path, err)
		}
	}
	if size%int64(blockSize) != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("size %d of %s is not a multiple of block size %d", size, path, blockSize)
	}
	return &FileDevice{f: f, blockSize: blockSize, blocks: uint32(size / int64(blockSize))}, nil
}

// BlockSize returns the device block size in bytes.
func (d *FileDevice) BlockSize() int {
	return d.blockSize
}

// Blocks returns the number of blocks the device holds.
func (d *FileDevice) Blocks() uint32 {
	return d.blocks
}

// ReadBlock reads block n.
func (d *FileDevice) ReadBlock(n uint32) ([]byte, error) {
	if n >= d.blocks {
		return nil, fmt.Errorf("read of block %d beyond device end %d", n, d.blocks)
	}
	b := make([]byte, d.blockSize)
	read, err := unix.Pread(int(d.f.Fd()), b, int64(n)*int64(d.blockSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", n, err)
	}
	if read != d.blockSize {
		return nil, fmt.Errorf("read %d bytes of block %d instead of %d", read, n, d.blockSize)
	}
	return b, nil
}

// WriteBlock writes block n.
func (d *FileDevice) WriteBlock(n uint32, b []byte) error {
	if len(b) != d.blockSize {
		return fmt.Errorf("write of %d bytes to block %d, device block size is %d", len(b), n, d.blockSize)
	}
	if n >= d.blocks {
		return fmt.Errorf("write of block %d beyond device end %d", n, d.blocks)
	}
	wrote, err := unix.Pwrite(int(d.f.Fd()), b, int64(n)*int64(d.blockSize))
	if err != nil {
		return fmt.Errorf("failed to write block %d: %w", n, err)
	}
	if wrote != d.blockSize {
		return fmt.Errorf("wrote %d bytes of block %d instead of %d", wrote, n, d.blockSize)
	}
	return nil
}

// Flush fsyncs the backing file.
func (d *FileDevice) Flush() error {
	if err := unix.Fsync(int(d.f.Fd())); err != nil {
		return fmt.Errorf("failed to sync device: %w", err)
	}
	return nil
}

// Close flushes and closes the backing file.
func (d *FileDevice) Close() error {
	if err := d.Flush(); err != nil {
		_ = d.f.Close()
		return err
	}
	return d.f.Close()
}
