package blockdev

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemDeviceReadWrite(t *testing.T) {
	assert := assert.New(t)
	d := NewMemDevice(1024, 8)

	assert.Equal(1024, d.BlockSize())
	assert.Equal(uint32(8), d.Blocks())

	b := bytes.Repeat([]byte{0xa5}, 1024)
	assert.NoError(d.WriteBlock(3, b))

	got, err := d.ReadBlock(3)
	assert.NoError(err)
	assert.Equal(b, got)

	got[0] = 0xff
	again, err := d.ReadBlock(3)
	assert.NoError(err)
	assert.Equal(byte(0xa5), again[0], "ReadBlock should return a copy")
}

func TestMemDeviceBounds(t *testing.T) {
	assert := assert.New(t)
	d := NewMemDevice(1024, 4)

	_, err := d.ReadBlock(4)
	assert.Error(err)
	assert.Error(d.WriteBlock(4, make([]byte, 1024)))
	assert.Error(d.WriteBlock(0, make([]byte, 100)), "short buffer should be rejected")
}

func TestFileDeviceRoundTrip(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "image")

	d, err := CreateFileDevice(path, 1024, 16)
	assert.NoError(err)

	b := bytes.Repeat([]byte{0x42}, 1024)
	assert.NoError(d.WriteBlock(7, b))
	assert.NoError(d.Close())

	d, err = OpenFileDevice(path, 1024)
	assert.NoError(err)
	assert.Equal(uint32(16), d.Blocks())

	got, err := d.ReadBlock(7)
	assert.NoError(err)
	assert.Equal(b, got)

	zero, err := d.ReadBlock(0)
	assert.NoError(err)
	assert.Equal(make([]byte, 1024), zero)
	assert.NoError(d.Close())
}
