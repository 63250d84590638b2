// Package vfs implements Aurora's virtual filesystem: the Inode trait every
// backing filesystem (ext4, FAT32) satisfies, and a longest-prefix mount
// table. The Inode shape generalizes a tagged FUSE-operation dispatch
// (internal/vfs/backend.go's GetAttr/Lookup/Open/Read/Write/ReadDir set)
// from a single in-memory FUSE backend to an interface multiple on-disk
// filesystem implementations satisfy.
package vfs

import (
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aurora-os/aurora/internal/kerrno"
)

// Linux st_mode file-type bits, reused verbatim from a goModeToLinux/
// direntTypeForNode split between Go's fs.FileMode and the on-wire Linux
// representation.
const (
	SIfmt  = 0o170000
	SIfreg = 0o100000
	SIfdir = 0o040000
	SIflnk = 0o120000
	SIfchr = 0o020000
	SIfblk = 0o060000
	SIfifo = 0o010000
	SIfsock = 0o140000

	ModeSetuid = 0o4000
	ModeSetgid = 0o2000
	ModeSticky = 0o1000
	ModePerm   = 0o0777
)

// DT_* directory-entry type tags, used by ReadDir results.
const (
	DTUnknown = 0
	DTReg     = 1
	DTDir     = 2
	DTLnk     = 3
	DTChr     = 4
	DTBlk     = 5
	DTFifo    = 6
	DTSock    = 7
)

// Stat mirrors the subset of struct stat the syscall layer marshals back to
// user space.
type Stat struct {
	Ino     uint64
	Mode    uint32
	Size    uint64
	NLink   uint32
	UID     uint32
	GID     uint32
	ATime   time.Time
	MTime   time.Time
	CTime   time.Time
	BlkSize uint32
	Blocks  uint64
}

// DirEntry is one ReadDir result, matching Linux's getdents64 dirent shape
// closely enough for the syscall layer to marshal directly.
type DirEntry struct {
	Name string
	Ino  uint64
	Type uint8
}

// Inode is the operations every mounted filesystem (ext4, FAT32) must
// implement. Unlike a FUSE backend that is both the backend and the single
// root it serves, an Inode here is one node; the filesystem as a whole is
// reached by following Lookup/ReadDir from a root Inode handed to the
// mount table at mount time.
type Inode interface {
	Stat() (Stat, error)
	Lookup(name string) (Inode, error)
	ReadDir() ([]DirEntry, error)
	ReadAt(off uint64, buf []byte) (int, error)
	WriteAt(off uint64, data []byte) (int, error)
	Truncate(size uint64) error
	Create(name string, mode uint32) (Inode, error)
	Mkdir(name string, mode uint32) (Inode, error)
	Unlink(name string) error
	Readlink() (string, error)
}

// mountEntry is one registered mount: Prefix is the path it is mounted at
// ("/" for root), Root its lazily-initialized, cached root Inode.
type mountEntry struct {
	prefix string
	open   func() (Inode, error)
	root   Inode
}

// MountTable resolves paths to (inode, relative-path) by longest matching
// mount-point prefix. Each mount's root is opened lazily on first use and
// cached so repeated lookups reuse the same Inode (and therefore the same
// block-cache-backed state) rather than re-reading the superblock.
type MountTable struct {
	mu      sync.Mutex
	mounts  []*mountEntry
}

func NewMountTable() *MountTable {
	return &MountTable{}
}

// Mount registers a filesystem at prefix. open is called at most once, the
// first time the mount's root is actually needed.
func (mt *MountTable) Mount(prefix string, open func() (Inode, error)) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	prefix = normalizePrefix(prefix)
	mt.mounts = append(mt.mounts, &mountEntry{prefix: prefix, open: open})
	sort.SliceStable(mt.mounts, func(i, j int) bool {
		return len(mt.mounts[i].prefix) > len(mt.mounts[j].prefix)
	})
}

func normalizePrefix(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Resolve finds the mount whose prefix is the longest match for path and
// returns its (cached, lazily-opened) root inode plus the remainder of path
// with that prefix stripped, ready to pass to Lookup calls.
func (mt *MountTable) Resolve(path string) (Inode, string, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	path = normalizePrefix(path)
	for _, m := range mt.mounts {
		if m.prefix == "/" || path == m.prefix || strings.HasPrefix(path, m.prefix+"/") {
			if m.root == nil {
				root, err := m.open()
				if err != nil {
					return nil, "", err
				}
				m.root = root
			}
			rest := strings.TrimPrefix(path, m.prefix)
			rest = strings.TrimPrefix(rest, "/")
			return m.root, rest, nil
		}
	}
	return nil, "", kerrno.ENOENT
}

// Walk resolves a full path to its Inode by splitting the mount-relative
// remainder on "/" and calling Lookup at each component. Used by open/stat/
// mkdir's path-resolution step.
func Walk(mt *MountTable, path string) (Inode, error) {
	root, rest, err := mt.Resolve(path)
	if err != nil {
		return nil, err
	}
	if rest == "" {
		return root, nil
	}
	cur := root
	for _, part := range strings.Split(rest, "/") {
		if part == "" {
			continue
		}
		next, err := cur.Lookup(part)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// WalkParent resolves the parent directory and final path component
// separately, as create/mkdir/unlink need: the parent Inode to operate on,
// plus the leaf name to pass to Create/Mkdir/Unlink.
func WalkParent(mt *MountTable, path string) (parent Inode, name string, err error) {
	path = normalizePrefix(path)
	idx := strings.LastIndex(path, "/")
	dir := path[:idx]
	name = path[idx+1:]
	if dir == "" {
		dir = "/"
	}
	if name == "" {
		return nil, "", kerrno.EINVAL
	}
	parent, err = Walk(mt, dir)
	return parent, name, err
}

// Flusher is implemented by filesystems that maintain write-back state (the
// ext4/FAT32 block cache); the sync() syscall calls Flush on every mounted
// filesystem that implements it.
type Flusher interface {
	Flush() error
}

// SyncAll flushes every mounted filesystem that implements Flusher,
// ignoring mounts that don't (a FAT32 ramdisk with nothing dirty, say).
func (mt *MountTable) SyncAll() error {
	mt.mu.Lock()
	roots := make([]Inode, 0, len(mt.mounts))
	for _, m := range mt.mounts {
		if m.root != nil {
			roots = append(roots, m.root)
		}
	}
	mt.mu.Unlock()

	var firstErr error
	for _, r := range roots {
		if f, ok := r.(Flusher); ok {
			if err := f.Flush(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ModeToDirType maps an on-disk mode word to the DT_* tag ReadDir results
// carry.
func ModeToDirType(mode uint32) uint8 {
	switch mode & SIfmt {
	case SIfdir:
		return DTDir
	case SIflnk:
		return DTLnk
	case SIfchr:
		return DTChr
	case SIfblk:
		return DTBlk
	case SIfifo:
		return DTFifo
	case SIfsock:
		return DTSock
	default:
		return DTReg
	}
}

// GoModeToLinux converts a Go fs.FileMode's permission bits plus
// setuid/setgid/sticky flags to the Linux low-12-bit numeric encoding
// (Go encodes those three bits as high FileMode flags, not the
// 0o4000/0o2000/0o1000 Linux uses).
func GoModeToLinux(m fs.FileMode) uint32 {
	perm := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		perm |= ModeSetuid
	}
	if m&fs.ModeSetgid != 0 {
		perm |= ModeSetgid
	}
	if m&fs.ModeSticky != 0 {
		perm |= ModeSticky
	}
	return perm
}
