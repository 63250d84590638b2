package ext4

import (
	"encoding/binary"
	"time"

	"github.com/aurora-os/aurora/internal/kerrno"
)

// onDiskInode mirrors the first 128 bytes of ext2_inode, the portion every
// inode size (128 or 256) carries in common; Aurora never reads the
// extended-attribute tail of a 256-byte inode.
type onDiskInode struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	ATime      uint32
	CTime      uint32
	MTime      uint32
	DTime      uint32
	GID        uint16
	LinksCount uint16
	BlocksLo   uint32
	Flags      uint32
	Block      [60]byte
	Generation uint32
	FileACLLo  uint32
	SizeHigh   uint32
}

func parseInode(buf []byte) onDiskInode {
	var in onDiskInode
	in.Mode = binary.LittleEndian.Uint16(buf[0:2])
	in.UID = binary.LittleEndian.Uint16(buf[2:4])
	in.SizeLo = binary.LittleEndian.Uint32(buf[4:8])
	in.ATime = binary.LittleEndian.Uint32(buf[8:12])
	in.CTime = binary.LittleEndian.Uint32(buf[12:16])
	in.MTime = binary.LittleEndian.Uint32(buf[16:20])
	in.DTime = binary.LittleEndian.Uint32(buf[20:24])
	in.GID = binary.LittleEndian.Uint16(buf[24:26])
	in.LinksCount = binary.LittleEndian.Uint16(buf[26:28])
	in.BlocksLo = binary.LittleEndian.Uint32(buf[28:32])
	in.Flags = binary.LittleEndian.Uint32(buf[32:36])
	copy(in.Block[:], buf[40:100])
	in.Generation = binary.LittleEndian.Uint32(buf[100:104])
	in.FileACLLo = binary.LittleEndian.Uint32(buf[104:108])
	in.SizeHigh = binary.LittleEndian.Uint32(buf[108:112])
	return in
}

func (in *onDiskInode) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], in.Mode)
	binary.LittleEndian.PutUint16(buf[2:4], in.UID)
	binary.LittleEndian.PutUint32(buf[4:8], in.SizeLo)
	binary.LittleEndian.PutUint32(buf[8:12], in.ATime)
	binary.LittleEndian.PutUint32(buf[12:16], in.CTime)
	binary.LittleEndian.PutUint32(buf[16:20], in.MTime)
	binary.LittleEndian.PutUint32(buf[20:24], in.DTime)
	binary.LittleEndian.PutUint16(buf[24:26], in.GID)
	binary.LittleEndian.PutUint16(buf[26:28], in.LinksCount)
	binary.LittleEndian.PutUint32(buf[28:32], in.BlocksLo)
	binary.LittleEndian.PutUint32(buf[32:36], in.Flags)
	copy(buf[40:100], in.Block[:])
	binary.LittleEndian.PutUint32(buf[100:104], in.Generation)
	binary.LittleEndian.PutUint32(buf[104:108], in.FileACLLo)
	binary.LittleEndian.PutUint32(buf[108:112], in.SizeHigh)
}

func (in *onDiskInode) size() uint64 {
	return uint64(in.SizeHigh)<<32 | uint64(in.SizeLo)
}

func (in *onDiskInode) setSize(n uint64) {
	in.SizeLo = uint32(n)
	in.SizeHigh = uint32(n >> 32)
}

func (in *onDiskInode) usesExtents() bool { return in.Flags&extentsFlag != 0 }

// inodeLocation returns the (block, offset-within-block) of inodeNum's
// on-disk record.
func (fs *FS) inodeLocation(inodeNum uint32) (uint64, uint64, error) {
	if inodeNum == 0 || inodeNum > fs.sb.InodesCount {
		return 0, 0, kerrno.ENOENT
	}
	group := (inodeNum - 1) / fs.sb.InodesPerGroup
	idx := (inodeNum - 1) % fs.sb.InodesPerGroup
	if int(group) >= len(fs.groups) {
		return 0, 0, kerrno.ENOENT
	}
	g := fs.groups[group]
	byteOff := uint64(idx) * uint64(fs.sb.InodeSize)
	blockSize := uint64(fs.sb.BlockSize())
	block := uint64(g.InodeTable) + byteOff/blockSize
	off := byteOff % blockSize
	return block, off, nil
}

func (fs *FS) readInode(inodeNum uint32) (onDiskInode, error) {
	block, off, err := fs.inodeLocation(inodeNum)
	if err != nil {
		return onDiskInode{}, err
	}
	blk, err := fs.readBlock(block)
	if err != nil {
		return onDiskInode{}, err
	}
	return parseInode(blk[off : off+128]), nil
}

func (fs *FS) writeInode(inodeNum uint32, in *onDiskInode) error {
	block, off, err := fs.inodeLocation(inodeNum)
	if err != nil {
		return err
	}
	blk, err := fs.readBlock(block)
	if err != nil {
		return err
	}
	in.encode(blk[off : off+128])
	return fs.writeBlock(block, blk)
}

// allocInode finds the first free bit in a group's inode bitmap, marks it
// used, and returns the resulting 1-based global inode number.
func (fs *FS) allocInode(isDir bool) (uint32, error) {
	for g := range fs.groups {
		gd := &fs.groups[g]
		if gd.FreeInodesCount == 0 {
			continue
		}
		bmBlock := uint64(gd.InodeBitmap)
		bm, err := fs.readBlock(bmBlock)
		if err != nil {
			return 0, err
		}
		for bit := uint32(0); bit < fs.sb.InodesPerGroup; bit++ {
			byteIdx, mask := bit/8, byte(1<<(bit%8))
			if bm[byteIdx]&mask != 0 {
				continue
			}
			bm[byteIdx] |= mask
			if err := fs.writeBlock(bmBlock, bm); err != nil {
				return 0, err
			}
			gd.FreeInodesCount--
			if isDir {
				gd.UsedDirsCount++
			}
			fs.sb.FreeInodesCount--
			fs.dirty = true
			return uint32(g)*fs.sb.InodesPerGroup + bit + 1, nil
		}
	}
	return 0, kerrno.ErrNoSpace
}

// allocBlock finds the first free bit in a group's block bitmap, marks it
// used, and returns the resulting global block number.
func (fs *FS) allocBlock() (uint64, error) {
	for g := range fs.groups {
		gd := &fs.groups[g]
		if gd.FreeBlocksCount == 0 {
			continue
		}
		bmBlock := uint64(gd.BlockBitmap)
		bm, err := fs.readBlock(bmBlock)
		if err != nil {
			return 0, err
		}
		for bit := uint32(0); bit < fs.sb.BlocksPerGroup; bit++ {
			byteIdx, mask := bit/8, byte(1<<(bit%8))
			if bm[byteIdx]&mask != 0 {
				continue
			}
			bm[byteIdx] |= mask
			if err := fs.writeBlock(bmBlock, bm); err != nil {
				return 0, err
			}
			gd.FreeBlocksCount--
			fs.sb.FreeBlocksCount--
			fs.dirty = true
			blockNo := uint64(fs.sb.FirstDataBlock) + uint64(uint32(g))*uint64(fs.sb.BlocksPerGroup) + uint64(bit)
			var zero [4096]byte
			fs.writeBlock(blockNo, zero)
			return blockNo, nil
		}
	}
	return 0, kerrno.ErrNoSpace
}

// freeBlock clears blockNo's bit in its group's block bitmap.
func (fs *FS) freeBlock(blockNo uint64) error {
	if blockNo < uint64(fs.sb.FirstDataBlock) {
		return nil
	}
	rel := blockNo - uint64(fs.sb.FirstDataBlock)
	group := rel / uint64(fs.sb.BlocksPerGroup)
	bit := rel % uint64(fs.sb.BlocksPerGroup)
	if int(group) >= len(fs.groups) {
		return nil
	}
	gd := &fs.groups[group]
	bm, err := fs.readBlock(uint64(gd.BlockBitmap))
	if err != nil {
		return err
	}
	byteIdx, mask := bit/8, byte(1<<(bit%8))
	if bm[byteIdx]&mask == 0 {
		return nil
	}
	bm[byteIdx] &^= mask
	if err := fs.writeBlock(uint64(gd.BlockBitmap), bm); err != nil {
		return err
	}
	gd.FreeBlocksCount++
	fs.sb.FreeBlocksCount++
	fs.dirty = true
	return nil
}

func unixTime(t uint32) time.Time { return time.Unix(int64(t), 0).UTC() }

func toUnixTime(t time.Time) uint32 { return uint32(t.Unix()) }
