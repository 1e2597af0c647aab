// Package blockdev provides block-addressed access to the storage backing a
// filesystem: a real file or block special via FileDevice, or an in-memory
// device for tests. All reads and writes are whole blocks of a fixed size.
package blockdev

import (
	"fmt"
	"sync"
)

// Device is a block-addressed read/write primitive. Reads and writes are
// synchronous; Flush ensures previously written blocks are durable.
type Device interface {
	// BlockSize returns the fixed size in bytes of every block.
	BlockSize() int

	// ReadBlock reads block n and returns its contents in a fresh buffer.
	ReadBlock(n uint32) ([]byte, error)

	// WriteBlock writes block n. The buffer must be exactly one block.
	WriteBlock(n uint32, b []byte) error

	// Blocks returns how many blocks the device holds.
	Blocks() uint32

	// Flush makes all completed writes durable.
	Flush() error

	// Close releases the device. The device is unusable afterward.
	Close() error
}

// MemDevice is an in-memory Device, used as the backing store in tests.
// Unlike the filesystem core it serializes its own access, so a single
// MemDevice may back concurrent independent filesystems.
type MemDevice struct {
	mu        sync.RWMutex
	blockSize int
	blocks    [][]byte
}

// NewMemDevice creates an in-memory device of the given geometry.
func NewMemDevice(blockSize int, blocks uint32) *MemDevice {
	d := &MemDevice{
		blockSize: blockSize,
		blocks:    make([][]byte, blocks),
	}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, blockSize)
	}
	return d
}

// BlockSize returns the device block size in bytes.
func (d *MemDevice) BlockSize() int {
	return d.blockSize
}

// Blocks returns the number of blocks the device holds.
func (d *MemDevice) Blocks() uint32 {
	return uint32(len(d.blocks))
}

// ReadBlock reads block n.
func (d *MemDevice) ReadBlock(n uint32) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n >= uint32(len(d.blocks)) {
		return nil, fmt.Errorf("read of block %d beyond device end %d", n, len(d.blocks))
	}
	b := make([]byte, d.blockSize)
	copy(b, d.blocks[n])
	return b, nil
}

// WriteBlock writes block n.
func (d *MemDevice) WriteBlock(n uint32, b []byte) error {
	if len(b) != d.blockSize {
		return fmt.Errorf("write of %d bytes to block %d, device block size is %d", len(b), n, d.blockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if n >= uint32(len(d.blocks)) {
		return fmt.Errorf("write of block %d beyond device end %d", n, len(d.blocks))
	}
	copy(d.blocks[n], b)
	return nil
}

// Flush is a no-op for an in-memory device.
func (d *MemDevice) Flush() error {
	return nil
}

// Close is a no-op for an in-memory device.
func (d *MemDevice) Close() error {
	return nil
}
