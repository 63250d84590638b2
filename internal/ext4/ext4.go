package ext4

import (
	"time"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/vfs"
)

// Inode wraps one ext4 inode number and implements vfs.Inode over it.
// Each call re-reads the on-disk inode through the block cache rather than
// caching it in Go memory, so concurrent handles on the same file observe
// each other's writes immediately (the block cache is the only cache).
type Inode struct {
	fs  *FS
	num uint32
}

// OpenRoot returns the filesystem's root directory Inode, suitable as a
// vfs.MountTable open callback.
func (fs *FS) OpenRoot() (vfs.Inode, error) {
	return &Inode{fs: fs, num: rootInode}, nil
}

func (in *Inode) load() (onDiskInode, error) { return in.fs.readInode(in.num) }

func (in *Inode) Stat() (vfs.Stat, error) {
	d, err := in.load()
	if err != nil {
		return vfs.Stat{}, err
	}
	return vfs.Stat{
		Ino:     uint64(in.num),
		Mode:    uint32(d.Mode),
		Size:    d.size(),
		NLink:   uint32(d.LinksCount),
		UID:     uint32(d.UID),
		GID:     uint32(d.GID),
		ATime:   unixTime(d.ATime),
		MTime:   unixTime(d.MTime),
		CTime:   unixTime(d.CTime),
		BlkSize: in.fs.sb.BlockSize(),
		Blocks:  uint64(d.BlocksLo),
	}, nil
}

func (in *Inode) Lookup(name string) (vfs.Inode, error) {
	d, err := in.load()
	if err != nil {
		return nil, err
	}
	if uint32(d.Mode)&vfs.SIfmt != vfs.SIfdir {
		return nil, kerrno.ENOTDIR
	}
	ent, err := in.fs.findDirent(&d, name)
	if err != nil {
		return nil, err
	}
	return &Inode{fs: in.fs, num: ent.Inode}, nil
}

func (in *Inode) ReadDir() ([]vfs.DirEntry, error) {
	d, err := in.load()
	if err != nil {
		return nil, err
	}
	raw, err := in.fs.listDir(&d)
	if err != nil {
		return nil, err
	}
	out := make([]vfs.DirEntry, 0, len(raw))
	for _, r := range raw {
		out = append(out, vfs.DirEntry{Name: r.Name, Ino: uint64(r.Inode), Type: r.FileType})
	}
	return out, nil
}

func (in *Inode) ReadAt(off uint64, buf []byte) (int, error) {
	d, err := in.load()
	if err != nil {
		return 0, err
	}
	size := d.size()
	if off >= size {
		return 0, nil
	}
	if off+uint64(len(buf)) > size {
		buf = buf[:size-off]
	}
	blockSize := uint64(in.fs.sb.BlockSize())
	n := 0
	for n < len(buf) {
		logical := (off + uint64(n)) / blockSize
		inBlock := (off + uint64(n)) % blockSize
		chunk := int(blockSize - inBlock)
		if chunk > len(buf)-n {
			chunk = len(buf) - n
		}
		phys, hole, err := in.fs.mapBlock(&d, uint32(logical))
		if err != nil {
			return n, err
		}
		if hole {
			// A block number of 0 denotes a hole; zero-fill and continue,
			// never truncate the read here.
			for i := 0; i < chunk; i++ {
				buf[n+i] = 0
			}
		} else {
			blk, err := in.fs.readBlock(phys)
			if err != nil {
				return n, err
			}
			copy(buf[n:n+chunk], blk[inBlock:inBlock+uint64(chunk)])
		}
		n += chunk
	}
	return n, nil
}

func (in *Inode) WriteAt(off uint64, data []byte) (int, error) {
	d, err := in.load()
	if err != nil {
		return 0, err
	}
	blockSize := uint64(in.fs.sb.BlockSize())
	n := 0
	for n < len(data) {
		logical := (off + uint64(n)) / blockSize
		inBlock := (off + uint64(n)) % blockSize
		chunk := int(blockSize - inBlock)
		if chunk > len(data)-n {
			chunk = len(data) - n
		}
		phys, err := in.fs.ensureBlock(&d, uint32(logical))
		if err != nil {
			return n, err
		}
		blk, err := in.fs.readBlock(phys)
		if err != nil {
			return n, err
		}
		copy(blk[inBlock:inBlock+uint64(chunk)], data[n:n+chunk])
		if err := in.fs.writeBlock(phys, blk); err != nil {
			return n, err
		}
		n += chunk
	}
	if off+uint64(n) > d.size() {
		d.setSize(off + uint64(n))
	}
	now := toUnixTime(time.Now())
	d.MTime, d.CTime = now, now
	if err := in.fs.writeInode(in.num, &d); err != nil {
		return n, err
	}
	return n, nil
}

// Truncate grows or shrinks a file: growing allocates zero-filled blocks
// (allocBlock always zero-fills a fresh block), shrinking frees block
// references and clears their bitmap bits.
func (in *Inode) Truncate(size uint64) error {
	d, err := in.load()
	if err != nil {
		return err
	}
	blockSize := uint64(in.fs.sb.BlockSize())
	oldSize := d.size()

	if size > oldSize {
		// Touch every newly-covered block so holes become real zero-filled
		// allocations instead of staying sparse.
		first := oldSize / blockSize
		last := (size + blockSize - 1) / blockSize
		for lb := first; lb < last; lb++ {
			if _, err := in.fs.ensureBlock(&d, uint32(lb)); err != nil {
				return err
			}
		}
	} else if size < oldSize {
		firstFreed := (size + blockSize - 1) / blockSize
		lastBlock := (oldSize + blockSize - 1) / blockSize
		for lb := firstFreed; lb < lastBlock; lb++ {
			phys, hole, err := in.fs.mapBlock(&d, uint32(lb))
			if err != nil {
				return err
			}
			if !hole {
				if err := in.fs.freeBlock(phys); err != nil {
					return err
				}
			}
		}
	}

	d.setSize(size)
	now := toUnixTime(time.Now())
	d.MTime, d.CTime = now, now
	return in.fs.writeInode(in.num, &d)
}

func (in *Inode) Create(name string, mode uint32) (vfs.Inode, error) {
	return in.makeChild(name, mode|vfs.SIfreg)
}

func (in *Inode) Mkdir(name string, mode uint32) (vfs.Inode, error) {
	child, err := in.makeChild(name, (mode&vfs.ModePerm)|vfs.SIfdir)
	if err != nil {
		return nil, err
	}
	// A fresh directory carries "." and ".." so readdir/lookup work the
	// same way on it as on the root.
	c := child.(*Inode)
	cd, err := c.load()
	if err != nil {
		return nil, err
	}
	if err := in.fs.addDirent(c.num, &cd, ".", c.num, vfs.DTDir); err != nil {
		return nil, err
	}
	if err := in.fs.addDirent(c.num, &cd, "..", in.num, vfs.DTDir); err != nil {
		return nil, err
	}
	cd.LinksCount += 2
	if err := in.fs.writeInode(c.num, &cd); err != nil {
		return nil, err
	}
	return child, nil
}

func (in *Inode) makeChild(name string, mode uint32) (vfs.Inode, error) {
	d, err := in.load()
	if err != nil {
		return nil, err
	}
	if uint32(d.Mode)&vfs.SIfmt != vfs.SIfdir {
		return nil, kerrno.ENOTDIR
	}
	if _, err := in.fs.findDirent(&d, name); err == nil {
		return nil, kerrno.EEXIST
	}

	isDir := mode&vfs.SIfmt == vfs.SIfdir
	childNum, err := in.fs.allocInode(isDir)
	if err != nil {
		return nil, err
	}

	now := toUnixTime(time.Now())
	child := onDiskInode{
		Mode:       uint16(mode),
		LinksCount: 1,
		Flags:      extentsFlag,
		ATime:      now,
		CTime:      now,
		MTime:      now,
	}
	// An empty depth-0 extent header: no extents yet.
	writeExtHeader(child.Block[:], extHeader{Entries: 0, Depth: 0})
	if err := in.fs.writeInode(childNum, &child); err != nil {
		return nil, err
	}

	if err := in.fs.addDirent(in.num, &d, name, childNum, fileTypeForMode(mode)); err != nil {
		return nil, err
	}
	return &Inode{fs: in.fs, num: childNum}, nil
}

func (in *Inode) Unlink(name string) error {
	d, err := in.load()
	if err != nil {
		return err
	}
	ent, err := in.fs.findDirent(&d, name)
	if err != nil {
		return err
	}
	if err := in.fs.removeDirent(&d, name); err != nil {
		return err
	}

	child, err := in.fs.readInode(ent.Inode)
	if err != nil {
		return err
	}
	if child.LinksCount > 0 {
		child.LinksCount--
	}
	if child.LinksCount == 0 {
		if err := in.fs.freeInodeData(&child); err != nil {
			return err
		}
	}
	return in.fs.writeInode(ent.Inode, &child)
}

func (in *Inode) Readlink() (string, error) {
	d, err := in.load()
	if err != nil {
		return "", err
	}
	if uint32(d.Mode)&vfs.SIfmt != vfs.SIflnk {
		return "", kerrno.EINVAL
	}
	size := d.size()
	if size <= uint64(len(d.Block)) {
		// Fast symlinks store the target inline in i_block.
		return string(d.Block[:size]), nil
	}
	buf := make([]byte, size)
	if _, err := in.ReadAt(0, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// freeInodeData releases every data block still referenced by a
// fully-unlinked inode.
func (fs *FS) freeInodeData(in *onDiskInode) error {
	blockSize := uint64(fs.sb.BlockSize())
	numBlocks := (in.size() + blockSize - 1) / blockSize
	for lb := uint64(0); lb < numBlocks; lb++ {
		phys, hole, err := fs.mapBlock(in, uint32(lb))
		if err != nil {
			return err
		}
		if !hole {
			if err := fs.freeBlock(phys); err != nil {
				return err
			}
		}
	}
	in.setSize(0)
	return nil
}
