package microfs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenameWithinDirectory(t *testing.T) {
	fs, _ := newTestFS(t, testBlocks)
	for _, name := range []string{"a", "b", "c"} {
		_, err := fs.CreateEntry(RootInode, name, ModeRegular, Credentials{})
		require.NoError(t, err)
	}
	ino, err := fs.Lookup(RootInode, "a")
	require.NoError(t, err)

	require.NoError(t, fs.Rename(RootInode, "a", RootInode, "z"))
	checkDense(t, fs, RootInode)

	got, err := fs.Lookup(RootInode, "z")
	require.NoError(t, err)
	assert.Equal(t, ino, got)
	_, err = fs.Lookup(RootInode, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// the append-then-compact sequence leaves z where a was
	names, err := fs.ReadDirNames(RootInode)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"z", "b", "c"}, names); diff != "" {
		t.Error(diff)
	}
}

func TestRenameAcrossDirectories(t *testing.T) {
	fs, _ := newTestFS(t, testBlocks)
	d1, err := fs.CreateEntry(RootInode, "d1", ModeDirectory|0o755, Credentials{})
	require.NoError(t, err)
	d2, err := fs.CreateEntry(RootInode, "d2", ModeDirectory|0o755, Credentials{})
	require.NoError(t, err)
	ino, err := fs.CreateEntry(d1, "f", ModeRegular, Credentials{})
	require.NoError(t, err)

	require.NoError(t, fs.Rename(d1, "f", d2, "g"))
	checkDense(t, fs, d1)
	checkDense(t, fs, d2)

	got, err := fs.Lookup(d2, "g")
	require.NoError(t, err)
	assert.Equal(t, ino, got)
	_, err = fs.Lookup(d1, "f")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenameSameInodeIsNoop(t *testing.T) {
	fs, _ := newTestFS(t, testBlocks)
	ino, err := fs.CreateEntry(RootInode, "a", ModeRegular, Credentials{})
	require.NoError(t, err)
	require.NoError(t, fs.Link(RootInode, "b", ino))

	// both names resolve to one inode, so nothing moves and both survive
	require.NoError(t, fs.Rename(RootInode, "a", RootInode, "b"))
	for _, name := range []string{"a", "b"} {
		got, err := fs.Lookup(RootInode, name)
		require.NoError(t, err)
		assert.Equal(t, ino, got)
	}
	in, err := fs.readInode(ino)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), in.links)
}

func TestRenameOverwriteDropsDisplacedInode(t *testing.T) {
	fs, _ := newTestFS(t, testBlocks)
	src, err := fs.CreateEntry(RootInode, "src", ModeRegular, Credentials{})
	require.NoError(t, err)
	dst, err := fs.CreateEntry(RootInode, "dst", ModeRegular, Credentials{})
	require.NoError(t, err)
	for pos := uint32(1); pos < 4; pos++ {
		_, err = fs.BlockAtAlloc(dst, pos)
		require.NoError(t, err)
	}

	before := fs.Stats()
	require.NoError(t, fs.Rename(RootInode, "src", RootInode, "dst"))
	checkDense(t, fs, RootInode)

	got, err := fs.Lookup(RootInode, "dst")
	require.NoError(t, err)
	assert.Equal(t, src, got)
	_, err = fs.Lookup(RootInode, "src")
	assert.ErrorIs(t, err, ErrNotFound)

	// the displaced inode and its four blocks came back
	after := fs.Stats()
	assert.Equal(t, before.FreeInodes+1, after.FreeInodes)
	assert.Equal(t, before.FreeBlocks+4, after.FreeBlocks)

	_, err = fs.readInode(dst)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRenameOverwriteEmptyDirectory(t *testing.T) {
	fs, _ := newTestFS(t, testBlocks)
	_, err := fs.CreateEntry(RootInode, "src", ModeDirectory|0o755, Credentials{})
	require.NoError(t, err)
	dst, err := fs.CreateEntry(RootInode, "dst", ModeDirectory|0o755, Credentials{})
	require.NoError(t, err)

	require.NoError(t, fs.Rename(RootInode, "src", RootInode, "dst"))
	_, err = fs.readInode(dst)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRenameTypeMismatch(t *testing.T) {
	fs, _ := newTestFS(t, testBlocks)
	_, err := fs.CreateEntry(RootInode, "file", ModeRegular, Credentials{})
	require.NoError(t, err)
	_, err = fs.CreateEntry(RootInode, "dir", ModeDirectory|0o755, Credentials{})
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Rename(RootInode, "file", RootInode, "dir"), ErrTypeMismatch)
	assert.ErrorIs(t, fs.Rename(RootInode, "dir", RootInode, "file"), ErrTypeMismatch)
}

func TestRenameOverNonEmptyDirectory(t *testing.T) {
	fs, _ := newTestFS(t, testBlocks)
	_, err := fs.CreateEntry(RootInode, "src", ModeDirectory|0o755, Credentials{})
	require.NoError(t, err)
	dst, err := fs.CreateEntry(RootInode, "dst", ModeDirectory|0o755, Credentials{})
	require.NoError(t, err)
	_, err = fs.CreateEntry(dst, "occupant", ModeRegular, Credentials{})
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Rename(RootInode, "src", RootInode, "dst"), ErrNotEmpty)

	// nothing moved
	for _, name := range []string{"src", "dst"} {
		_, err = fs.Lookup(RootInode, name)
		assert.NoError(t, err)
	}
}

func TestRenameMissingSource(t *testing.T) {
	fs, _ := newTestFS(t, testBlocks)
	assert.ErrorIs(t, fs.Rename(RootInode, "ghost", RootInode, "anything"), ErrNotFound)
}
