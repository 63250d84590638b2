package ext4

import (
	"testing"

	"github.com/aurora-os/aurora/internal/blockcache"
	"github.com/aurora-os/aurora/internal/blockdev"
	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/vfs"
	"github.com/stretchr/testify/require"
)

const testDev blockdev.ID = 1

// newTestFS hand-builds a tiny, valid ext4 image on a RAM device: one
// block group, 32 inodes, 64 blocks, with inode 1 (reserved) and inode 2
// (root, an empty directory) already marked used. This mirrors what
// mkfs.ext4 would lay out, scaled down for a fast in-memory test.
func newTestFS(t *testing.T) *FS {
	t.Helper()
	const numBlocks = 64
	dev := blockdev.NewRAMDevice(blockcache.BlockSize, numBlocks)
	cache := blockcache.New(16)
	cache.Attach(testDev, dev)

	sb := Superblock{
		InodesCount:     32,
		BlocksCountLo:   numBlocks,
		FreeBlocksCount: numBlocks - 5,
		FreeInodesCount: 30,
		FirstDataBlock:  0,
		LogBlockSize:    2, // 1024 << 2 == 4096
		BlocksPerGroup:  numBlocks,
		InodesPerGroup:  32,
		InodeSize:       128,
	}
	var sbBlock [blockcache.BlockSize]byte
	sb.encode(sbBlock[sbOffset:])
	require.NoError(t, dev.WriteBlock(0, sbBlock[:]))

	gd := GroupDesc{
		BlockBitmap:     2,
		InodeBitmap:     3,
		InodeTable:      4,
		FreeBlocksCount: uint16(numBlocks - 5),
		FreeInodesCount: 30,
		UsedDirsCount:   1,
	}
	var gdtBlock [blockcache.BlockSize]byte
	gd.encode(gdtBlock[0:groupDescSize])
	require.NoError(t, dev.WriteBlock(1, gdtBlock[:]))

	// Block bitmap: blocks 0-4 (superblock, GDT, block bitmap, inode
	// bitmap, inode table) are metadata and already in use.
	var blockBitmap [blockcache.BlockSize]byte
	blockBitmap[0] = 0b00011111
	require.NoError(t, dev.WriteBlock(2, blockBitmap[:]))

	// Inode bitmap: bit 0 (inode 1, reserved) and bit 1 (inode 2, root)
	// are in use.
	var inodeBitmap [blockcache.BlockSize]byte
	inodeBitmap[0] = 0b00000011
	require.NoError(t, dev.WriteBlock(3, inodeBitmap[:]))

	// Inode table: inode 2 (root) is an empty directory with an empty
	// depth-0 extent header, same shape Create/Mkdir stamp on new inodes.
	var inodeTable [blockcache.BlockSize]byte
	root := onDiskInode{Mode: uint16(vfs.SIfdir | 0o755), LinksCount: 2, Flags: extentsFlag}
	writeExtHeader(root.Block[:], extHeader{Entries: 0, Depth: 0})
	root.encode(inodeTable[128:256]) // inode 2 is the second 128-byte slot
	require.NoError(t, dev.WriteBlock(4, inodeTable[:]))

	fs, err := Mount(cache, testDev)
	require.NoError(t, err)
	return fs
}

func TestRootIsAnEmptyDirectory(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)

	st, err := root.Stat()
	require.NoError(t, err)
	require.Equal(t, uint32(vfs.SIfdir|0o755), st.Mode)

	entries, err := root.ReadDir()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)

	f, err := root.Create("hello.txt", 0o644)
	require.NoError(t, err)

	payload := []byte("hello, aurora")
	n, err := f.WriteAt(0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	st, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(len(payload)), st.Size)

	buf := make([]byte, len(payload))
	n, err = f.ReadAt(0, buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)

	// A second handle opened fresh by path sees the same data, since
	// Inode re-reads through the block cache rather than caching in Go.
	again, err := root.Lookup("hello.txt")
	require.NoError(t, err)
	buf2 := make([]byte, len(payload))
	_, err = again.ReadAt(0, buf2)
	require.NoError(t, err)
	require.Equal(t, payload, buf2)
}

func TestWriteSpanningMultipleBlocksThenReadBack(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	f, err := root.Create("big.bin", 0o644)
	require.NoError(t, err)

	data := make([]byte, blockcache.BlockSize*2+100)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err = f.WriteAt(0, data)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = f.ReadAt(0, got)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestReadPastWrittenRangeWithinAHoleReadsZeros(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	f, err := root.Create("sparse.bin", 0o644)
	require.NoError(t, err)

	// Write only the second block of a two-block file; the first block's
	// logical range is never allocated and must read as zeros, not be
	// skipped or truncate the read.
	_, err = f.WriteAt(blockcache.BlockSize, []byte("second block"))
	require.NoError(t, err)

	buf := make([]byte, blockcache.BlockSize+len("second block"))
	n, err := f.ReadAt(0, buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	for _, b := range buf[:blockcache.BlockSize] {
		require.Equal(t, byte(0), b)
	}
	require.Equal(t, []byte("second block"), buf[blockcache.BlockSize:])
}

func TestTruncateGrowZerofillsAndShrinkFreesBlocks(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	f, err := root.Create("trunc.bin", 0o644)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(blockcache.BlockSize*2))
	st, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(blockcache.BlockSize*2), st.Size)

	buf := make([]byte, blockcache.BlockSize*2)
	_, err = f.ReadAt(0, buf)
	require.NoError(t, err)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}

	freeBefore := fs.sb.FreeBlocksCount
	require.NoError(t, f.Truncate(0))
	require.Greater(t, fs.sb.FreeBlocksCount, freeBefore)

	st, err = f.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(0), st.Size)
}

func TestMkdirAddsDotAndDotDotAndIsLookupable(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)

	dir, err := root.Mkdir("sub", 0o755)
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
	_, err = root.Create("dup", 0o644)
	require.NoError(t, err)
	_, err = root.Create("dup", 0o644)
	require.ErrorIs(t, err, kerrno.EEXIST)
}

func TestUnlinkRemovesEntryAndFreesBlocksOnLastLink(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	f, err := root.Create("gone.bin", 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt(0, []byte("bye"))
	require.NoError(t, err)
	freeBefore := fs.sb.FreeBlocksCount

	require.NoError(t, root.Unlink("gone.bin"))
	_, err = root.Lookup("gone.bin")
	require.ErrorIs(t, err, kerrno.ENOENT)
	require.Greater(t, fs.sb.FreeBlocksCount, freeBefore)
}

func TestExtentRootOverflowPromotesToIndexDepth(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.OpenRoot()
	require.NoError(t, err)
	f, err := root.Create("frag.bin", 0o644)
	require.NoError(t, err)

	// Each write is its own call, persisted separately, and targets a
	// block far enough from the last that its extent never merges with
	// the previous one -- forcing the 4-extent root to overflow and
	// promote to an index node on the 5th.
	for i := uint64(0); i < 6; i++ {
		_, err := f.WriteAt(i*3*blockcache.BlockSize, []byte{'x'})
		require.NoError(t, err)
	}

	fi := f.(*Inode)
	d, err := fi.fs.readInode(fi.num)
	require.NoError(t, err)
	h := readExtHeader(d.Block[:])
	require.Equal(t, uint16(1), h.Depth, "root should have promoted to an index node")
}
