package util

import "fmt"

// Bitmap is a fixed-size bitmap tracking in-use positions, one bit per
// position. Bit value 1 means in use. It does not know what the positions
// mean; callers decide whether a position is a block, an inode slot, or
// anything else.
type Bitmap struct {
	bits []byte
}

// NewBitmap creates a bitmap covering the given number of positions, all
// initially free. The position count must be a multiple of 8.
func NewBitmap(positions int) *Bitmap {
	return &Bitmap{bits: make([]byte, positions/8)}
}

// BitmapFromBytes creates a bitmap backed by a copy of the given bytes,
// for example a bitmap region read off disk.
func BitmapFromBytes(b []byte) *Bitmap {
	bits := make([]byte, len(b))
	copy(bits, b)
	return &Bitmap{bits: bits}
}

// Len returns the number of positions the bitmap covers.
func (bm *Bitmap) Len() int {
	return len(bm.bits) * 8
}

// IsSet reports whether the given position is in use.
func (bm *Bitmap) IsSet(position int) bool {
	if position < 0 || position >= bm.Len() {
		return false
	}
	return bm.bits[position/8]&(1<<(position%8)) != 0
}

// Set marks the given position as in use.
func (bm *Bitmap) Set(position int) error {
	if position < 0 || position >= bm.Len() {
		return fmt.Errorf("position %d is out of range for bitmap of size %d", position, bm.Len())
	}
	bm.bits[position/8] |= 1 << (position % 8)
	return nil
}

// Clear marks the given position as free.
func (bm *Bitmap) Clear(position int) error {
	if position < 0 || position >= bm.Len() {
		return fmt.Errorf("position %d is out of range for bitmap of size %d", position, bm.Len())
	}
	bm.bits[position/8] &^= 1 << (position % 8)
	return nil
}

// FirstFree returns the first free position at or after start, or -1 if
// every position from start onward is in use.
func (bm *Bitmap) FirstFree(start int) int {
	if start < 0 {
		start = 0
	}
	for position := start; position < bm.Len(); position++ {
		if bm.bits[position/8]&(1<<(position%8)) == 0 {
			return position
		}
	}
	return -1
}

// FreeCount returns the number of free positions at or after start.
func (bm *Bitmap) FreeCount(start int) int {
	var count int
	for position := start; position < bm.Len(); position++ {
		if bm.bits[position/8]&(1<<(position%8)) == 0 {
			count++
		}
	}
	return count
}

// ToBytes returns the raw bitmap bytes, suitable for writing back to disk.
// The returned slice is the bitmap's backing store, not a copy.
func (bm *Bitmap) ToBytes() []byte {
	return bm.bits
}
