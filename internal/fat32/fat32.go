package fat32

import (
	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/vfs"
)

// Inode wraps one FAT32 file or directory. FAT32 has no inode numbers of
// its own; a file's first cluster number doubles as its identity, the way
// a host-backed vfs.Inode can stand in for a path.
// parentCluster/name remember where this entry's own 8.3 directory slot
// lives, so ReadAt/WriteAt-driven size and growth changes can be written
// back without a second directory search.
type Inode struct {
	fs            *FS
	cluster       uint32
	isDir         bool
	size          uint32
	parentCluster uint32
	name          string
	isRoot        bool
}

// OpenRoot returns the root directory Inode, suitable as a
// vfs.MountTable open callback.
func (fs *FS) OpenRoot() (vfs.Inode, error) {
	return &Inode{fs: fs, cluster: fs.bpb.RootCluster, isDir: true, isRoot: true}, nil
}

func (in *Inode) Stat() (vfs.Stat, error) {
	mode := uint32(vfs.SIfreg | 0o644)
	if in.isDir {
		mode = uint32(vfs.SIfdir | 0o755)
	}
	return vfs.Stat{
		Ino:     uint64(in.cluster),
		Mode:    mode,
		Size:    uint64(in.size),
		NLink:   1,
		BlkSize: bytesPerSector,
		Blocks:  uint64(in.size+bytesPerSector-1) / bytesPerSector,
	}, nil
}

func (in *Inode) Lookup(name string) (vfs.Inode, error) {
	if !in.isDir {
		return nil, kerrno.ENOTDIR
	}
	e, err := in.fs.findDirEntry(in.cluster, name)
	if err != nil {
		return nil, err
	}
	return &Inode{fs: in.fs, cluster: e.firstCluster, isDir: e.isDir(), size: e.size, parentCluster: in.cluster, name: e.name}, nil
}

func (in *Inode) ReadDir() ([]vfs.DirEntry, error) {
	if !in.isDir {
		return nil, kerrno.ENOTDIR
	}
	entries, err := in.fs.listDirEntries(in.cluster)
	if err != nil {
		return nil, err
	}
	out := make([]vfs.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, vfs.DirEntry{Name: e.name, Ino: uint64(e.firstCluster), Type: dirTypeFor(e.attr)})
	}
	return out, nil
}

func (in *Inode) ReadAt(off uint64, buf []byte) (int, error) {
	size := uint64(in.size)
	if off >= size {
		return 0, nil
	}
	if off+uint64(len(buf)) > size {
		buf = buf[:size-off]
	}
	clusters, err := in.fs.chain(in.cluster)
	if err != nil {
		return 0, err
	}
	n := 0
	for n < len(buf) {
		idx := (off + uint64(n)) / bytesPerSector
		inCluster := (off + uint64(n)) % bytesPerSector
		if int(idx) >= len(clusters) {
			break
		}
		chunk := int(bytesPerSector - inCluster)
		if chunk > len(buf)-n {
			chunk = len(buf) - n
		}
		blk, err := in.fs.readCluster(clusters[idx])
		if err != nil {
			return n, err
		}
		copy(buf[n:n+chunk], blk[inCluster:inCluster+uint64(chunk)])
		n += chunk
	}
	return n, nil
}

func (in *Inode) WriteAt(off uint64, data []byte) (int, error) {
	if in.isDir {
		return 0, kerrno.EISDIR
	}
	clusters, err := in.fs.chain(in.cluster)
	if err != nil {
		return 0, err
	}
	head := in.cluster
	n := 0
	for n < len(data) {
		idx := int((off + uint64(n)) / bytesPerSector)
		inCluster := (off + uint64(n)) % bytesPerSector
		chunk := int(bytesPerSector - inCluster)
		if chunk > len(data)-n {
			chunk = len(data) - n
		}
		for idx >= len(clusters) {
			h, nc, err := in.fs.growChain(head)
			if err != nil {
				return n, err
			}
			head = h
			clusters = append(clusters, nc)
		}
		blk, err := in.fs.readCluster(clusters[idx])
		if err != nil {
			return n, err
		}
		copy(blk[inCluster:inCluster+uint64(chunk)], data[n:n+chunk])
		if err := in.fs.writeCluster(clusters[idx], blk); err != nil {
			return n, err
		}
		n += chunk
	}

	if off+uint64(n) > uint64(in.size) {
		in.size = uint32(off + uint64(n))
	}
	in.cluster = head
	return n, in.persist()
}

// Truncate can grow or shrink a file: growth allocates fresh (already
// zero-filled) clusters via growChain; shrinking frees the chain past the
// clusters still needed.
func (in *Inode) Truncate(size uint64) error {
	if in.isDir {
		return kerrno.EISDIR
	}
	clusters, err := in.fs.chain(in.cluster)
	if err != nil {
		return err
	}
	needed := int((size + bytesPerSector - 1) / bytesPerSector)
	if needed == 0 {
		needed = 1 // a file always keeps at least its first cluster
	}

	head := in.cluster
	for len(clusters) < needed {
		h, nc, err := in.fs.growChain(head)
		if err != nil {
			return err
		}
		head = h
		clusters = append(clusters, nc)
	}
	if len(clusters) > needed {
		if err := in.fs.setFATEntry(clusters[needed-1], eocMin); err != nil {
			return err
		}
		for _, c := range clusters[needed:] {
			if err := in.fs.setFATEntry(c, 0); err != nil {
				return err
			}
		}
	}

	in.cluster = head
	in.size = uint32(size)
	return in.persist()
}

func (in *Inode) Create(name string, mode uint32) (vfs.Inode, error) {
	return in.makeChild(name, attrArchive, 0)
}

func (in *Inode) Mkdir(name string, mode uint32) (vfs.Inode, error) {
	child, err := in.makeChild(name, attrDirectory, 0)
	if err != nil {
		return nil, err
	}
	c := child.(*Inode)
	if err := in.fs.addDirEntry(c.cluster, ".", attrDirectory, c.cluster, 0); err != nil {
		return nil, err
	}
	if err := in.fs.addDirEntry(c.cluster, "..", attrDirectory, in.cluster, 0); err != nil {
		return nil, err
	}
	return child, nil
}

func (in *Inode) makeChild(name string, attr uint8, size uint32) (vfs.Inode, error) {
	if !in.isDir {
		return nil, kerrno.ENOTDIR
	}
	if _, err := in.fs.findDirEntry(in.cluster, name); err == nil {
		return nil, kerrno.EEXIST
	}
	cluster, err := in.fs.allocCluster()
	if err != nil {
		return nil, err
	}
	if err := in.fs.addDirEntry(in.cluster, name, attr, cluster, size); err != nil {
		return nil, err
	}
	return &Inode{fs: in.fs, cluster: cluster, isDir: attr&attrDirectory != 0, size: size, parentCluster: in.cluster, name: name}, nil
}

func (in *Inode) Unlink(name string) error {
	e, err := in.fs.findDirEntry(in.cluster, name)
	if err != nil {
		return err
	}
	if err := in.fs.freeChain(e.firstCluster); err != nil {
		return err
	}
	return in.fs.removeDirEntry(e)
}

func (in *Inode) Readlink() (string, error) {
	return "", kerrno.EINVAL // FAT32 has no symlink attribute
}

// persist rewrites this inode's own 8.3 slot in its parent after a
// write/truncate changed its size; the root directory has no slot of its
// own and is skipped.
func (in *Inode) persist() error {
	if in.isRoot {
		return nil
	}
	e, err := in.fs.findDirEntry(in.parentCluster, in.name)
	if err != nil {
		return err
	}
	return in.fs.updateDirEntry(e, in.cluster, in.size)
}
