package fat32

import (
	"testing"

	"github.com/aurora-os/aurora/internal/blockdev"
	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/vfs"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	dev := blockdev.NewRAMDevice(bytesPerSector, 64)
	fs, err := Format(dev, 32)
	require.NoError(t, err)
	return fs
}

func TestRootIsEmptyDirectory(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	entries, err := root.ReadDir()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	f, err := root.Create("init", 0)
	require.NoError(t, err)

	payload := []byte("#!/bin/init\n")
	n, err := f.WriteAt(0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	st, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(len(payload)), st.Size)

	buf := make([]byte, len(payload))
	_, err = f.ReadAt(0, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf)

	again, err := root.Lookup("init")
	require.NoError(t, err)
	again2Stat, err := again.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(len(payload)), again2Stat.Size)
}

func TestWriteSpanningMultipleClusters(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	f, err := root.Create("big.bin", 0)
	require.NoError(t, err)

	data := make([]byte, bytesPerSector*3+17)
	for i := range data {
		data[i] = byte(i % 229)
	}
	_, err = f.WriteAt(0, data)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = f.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestTruncateGrowZerofillsAndShrinkFreesClusters(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	f, err := root.Create("trunc.bin", 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(bytesPerSector*2))
	st, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(bytesPerSector*2), st.Size)

	buf := make([]byte, bytesPerSector*2)
	_, err = f.ReadAt(0, buf)
	require.NoError(t, err)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}

	fi := f.(*Inode)
	chainBefore, err := fs.chain(fi.cluster)
	require.NoError(t, err)
	require.Len(t, chainBefore, 2)

	require.NoError(t, f.Truncate(1))
	chainAfter, err := fs.chain(fi.cluster)
	require.NoError(t, err)
	require.Len(t, chainAfter, 1, "shrinking below one cluster's worth must free the tail")
}

func TestMkdirAddsDotAndDotDotAndIsLookupable(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	dir, err := root.Mkdir("sub", 0)
	require.NoError(t, err)

	self, err := dir.Lookup(".")
	require.NoError(t, err)
	selfStat, err := self.Stat()
	require.NoError(t, err)
	dirStat, err := dir.Stat()
	require.NoError(t, err)
	require.Equal(t, dirStat.Ino, selfStat.Ino)

	parent, err := dir.Lookup("..")
	require.NoError(t, err)
	parentStat, err := parent.Stat()
	require.NoError(t, err)
	rootStat, err := root.Stat()
	require.NoError(t, err)
	require.Equal(t, rootStat.Ino, parentStat.Ino)

	entries, err := root.ReadDir()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "sub", entries[0].Name)
	require.Equal(t, uint8(vfs.DTDir), entries[0].Type)
}

func TestCreateExistingNameFailsWithEExist(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	_, err = root.Create("dup", 0)
	require.NoError(t, err)
	_, err = root.Create("dup", 0)
	require.ErrorIs(t, err, kerrno.EEXIST)
}

func TestUnlinkRemovesEntryAndFreesChain(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	f, err := root.Create("gone.bin", 0)
	require.NoError(t, err)
	fi := f.(*Inode)
	_, err = f.WriteAt(0, []byte("bye"))
	require.NoError(t, err)

	require.NoError(t, root.Unlink("gone.bin"))
	_, err = root.Lookup("gone.bin")
	require.ErrorIs(t, err, kerrno.ENOENT)

	v, err := fs.getFATEntry(fi.cluster)
	require.NoError(t, err)
	require.Equal(t, uint32(0), v, "unlinking must free the file's cluster chain")
}

func TestLongFileNameEntriesAreSkippedByReadDir(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	rootInode := root.(*Inode)

	blk, err := fs.readCluster(rootInode.cluster)
	require.NoError(t, err)
	blk[0] = 0x41 // non-free/non-deleted name byte, so the LFN attr check is what skips it
	blk[11] = attrLongName
	require.NoError(t, fs.writeCluster(rootInode.cluster, blk))

	_, err = root.Create("real.txt", 0)
	require.NoError(t, err)

	entries, err := root.ReadDir()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "real.txt", entries[0].Name)
}
