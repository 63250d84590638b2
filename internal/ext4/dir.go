package ext4

import (
	"encoding/binary"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/vfs"
)

// ext4_dir_entry_2: a linear, inline-name directory record. rec_len is
// always a multiple of 4; the last record in a block stretches rec_len to
// the block's end so readdir can detect end-of-block by offset alone.
const (
	dirBaseLen = 8 // inode(4) + rec_len(2) + name_len(1) + file_type(1)
)

func align4(n int) int { return (n + 3) &^ 3 }

type rawDirent struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

func parseDirent(buf []byte, off int) (rawDirent, int) {
	inode := binary.LittleEndian.Uint32(buf[off:])
	recLen := binary.LittleEndian.Uint16(buf[off+4:])
	nameLen := buf[off+6]
	fileType := buf[off+7]
	name := string(buf[off+dirBaseLen : off+dirBaseLen+int(nameLen)])
	return rawDirent{Inode: inode, RecLen: recLen, NameLen: nameLen, FileType: fileType, Name: name}, off + int(recLen)
}

func writeDirent(buf []byte, off int, d rawDirent) {
	binary.LittleEndian.PutUint32(buf[off:], d.Inode)
	binary.LittleEndian.PutUint16(buf[off+4:], d.RecLen)
	buf[off+6] = d.NameLen
	buf[off+7] = d.FileType
	copy(buf[off+dirBaseLen:], d.Name)
}

// listDir reads every live directory entry across dirInode's data blocks.
func (fs *FS) listDir(dirInode *onDiskInode) ([]rawDirent, error) {
	var out []rawDirent
	size := dirInode.size()
	blockSize := uint64(fs.sb.BlockSize())
	numBlocks := (size + blockSize - 1) / blockSize
	for lb := uint64(0); lb < numBlocks; lb++ {
		phys, hole, err := fs.mapBlock(dirInode, uint32(lb))
		if err != nil {
			return nil, err
		}
		if hole {
			continue
		}
		blk, err := fs.readBlock(phys)
		if err != nil {
			return nil, err
		}
		off := 0
		for off < len(blk) {
			d, next := parseDirent(blk[:], off)
			if d.Inode != 0 && d.Name != "" {
				out = append(out, d)
			}
			if d.RecLen == 0 {
				break
			}
			off = next
		}
	}
	return out, nil
}

// findDirent looks up name within dirInode's entries.
func (fs *FS) findDirent(dirInode *onDiskInode, name string) (rawDirent, error) {
	entries, err := fs.listDir(dirInode)
	if err != nil {
		return rawDirent{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return rawDirent{}, kerrno.ENOENT
}

// addDirent inserts a new (name -> inodeNum) record into dirInode, growing
// the directory by one block if no existing block has enough free space
// to carve the new record out of its trailing entry.
func (fs *FS) addDirent(dirInodeNum uint32, dirInode *onDiskInode, name string, inodeNum uint32, fileType uint8) error {
	needed := align4(dirBaseLen + len(name))
	blockSize := uint64(fs.sb.BlockSize())
	size := dirInode.size()
	numBlocks := (size + blockSize - 1) / blockSize

	for lb := uint64(0); lb < numBlocks; lb++ {
		phys, hole, err := fs.mapBlock(dirInode, uint32(lb))
		if err != nil {
			return err
		}
		if hole {
			continue
		}
		blk, err := fs.readBlock(phys)
		if err != nil {
			return err
		}
		if insertIntoBlock(blk[:], name, inodeNum, fileType, needed) {
			return fs.writeBlock(phys, blk)
		}
	}

	// No existing block had room: append a fresh block holding a single
	// entry that spans it entirely.
	newLogical := uint32(numBlocks)
	phys, err := fs.ensureBlock(dirInode, newLogical)
	if err != nil {
		return err
	}
	var blk [4096]byte
	writeDirent(blk[:], 0, rawDirent{
		Inode: inodeNum, RecLen: uint16(fs.sb.BlockSize()),
		NameLen: uint8(len(name)), FileType: fileType, Name: name,
	})
	if err := fs.writeBlock(phys, blk); err != nil {
		return err
	}
	dirInode.setSize(size + blockSize)
	return fs.writeInode(dirInodeNum, dirInode)
}

// insertIntoBlock scans blk for a live entry whose rec_len exceeds its own
// minimal size by at least needed bytes, and if found splits it in two:
// the existing entry shrunk to its minimal size, and a new entry for the
// remaining space. Returns false if no entry in this block had room.
func insertIntoBlock(blk []byte, name string, inodeNum uint32, fileType uint8, needed int) bool {
	off := 0
	for off < len(blk) {
		d, next := parseDirent(blk, off)
		if d.RecLen == 0 {
			return false
		}
		minLen := align4(dirBaseLen + int(d.NameLen))
		free := int(d.RecLen) - minLen
		if d.Inode != 0 && free >= needed {
			d.RecLen = uint16(minLen)
			writeDirent(blk, off, d)
			writeDirent(blk, off+minLen, rawDirent{
				Inode: inodeNum, RecLen: uint16(free),
				NameLen: uint8(len(name)), FileType: fileType, Name: name,
			})
			return true
		}
		if d.Inode == 0 && int(d.RecLen) >= needed {
			writeDirent(blk, off, rawDirent{
				Inode: inodeNum, RecLen: d.RecLen,
				NameLen: uint8(len(name)), FileType: fileType, Name: name,
			})
			return true
		}
		off = next
	}
	return false
}

// removeDirent marks name's record as unused (inode 0) by merging its
// rec_len into the preceding live record in the same block, or zeroing the
// inode field if it's the first record in its block.
func (fs *FS) removeDirent(dirInode *onDiskInode, name string) error {
	blockSize := uint64(fs.sb.BlockSize())
	numBlocks := (dirInode.size() + blockSize - 1) / blockSize
	for lb := uint64(0); lb < numBlocks; lb++ {
		phys, hole, err := fs.mapBlock(dirInode, uint32(lb))
		if err != nil {
			return err
		}
		if hole {
			continue
		}
		blk, err := fs.readBlock(phys)
		if err != nil {
			return err
		}
		if removeFromBlock(blk[:], name) {
			return fs.writeBlock(phys, blk)
		}
	}
	return kerrno.ENOENT
}

func removeFromBlock(blk []byte, name string) bool {
	off := 0
	prevOff := -1
	for off < len(blk) {
		d, next := parseDirent(blk, off)
		if d.RecLen == 0 {
			return false
		}
		if d.Inode != 0 && d.Name == name {
			if prevOff >= 0 {
				prev, _ := parseDirent(blk, prevOff)
				prev.RecLen += d.RecLen
				writeDirent(blk, prevOff, prev)
			} else {
				binary.LittleEndian.PutUint32(blk[off:], 0)
			}
			return true
		}
		prevOff = off
		off = next
	}
	return false
}

func fileTypeForMode(mode uint32) uint8 { return vfs.ModeToDirType(mode) }
