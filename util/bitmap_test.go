package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapSetClear(t *testing.T) {
	assert := assert.New(t)
	bm := NewBitmap(64)

	assert.Equal(64, bm.Len())
	assert.False(bm.IsSet(9))

	assert.NoError(bm.Set(9))
	assert.True(bm.IsSet(9))
	assert.False(bm.IsSet(8), "neighboring bit should be untouched")
	assert.False(bm.IsSet(10), "neighboring bit should be untouched")

	assert.NoError(bm.Clear(9))
	assert.False(bm.IsSet(9))

	assert.Error(bm.Set(64), "position past the end should error")
	assert.Error(bm.Clear(-1), "negative position should error")
}

func TestBitmapFirstFree(t *testing.T) {
	assert := assert.New(t)
	bm := NewBitmap(16)

	for i := 0; i < 5; i++ {
		assert.NoError(bm.Set(i))
	}
	assert.Equal(5, bm.FirstFree(0))
	assert.Equal(5, bm.FirstFree(1))
	assert.Equal(9, bm.FirstFree(9))

	for i := 5; i < 16; i++ {
		assert.NoError(bm.Set(i))
	}
	assert.Equal(-1, bm.FirstFree(0), "full bitmap has no free position")
}

func TestBitmapFreeCount(t *testing.T) {
	assert := assert.New(t)
	bm := NewBitmap(32)

	assert.Equal(31, bm.FreeCount(1))
	assert.NoError(bm.Set(0))
	assert.Equal(31, bm.FreeCount(1), "bit 0 is excluded by the start offset")
	assert.NoError(bm.Set(7))
	assert.NoError(bm.Set(8))
	assert.Equal(29, bm.FreeCount(1))
}

func TestBitmapRoundTrip(t *testing.T) {
	assert := assert.New(t)
	bm := NewBitmap(64)
	for _, i := range []int{0, 3, 17, 63} {
		assert.NoError(bm.Set(i))
	}

	restored := BitmapFromBytes(bm.ToBytes())
	for i := 0; i < 64; i++ {
		assert.Equal(bm.IsSet(i), restored.IsSet(i), "bit %d", i)
	}
}
