package vfs

import (
	"testing"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/stretchr/testify/require"
)

// fakeInode is an in-memory Inode used only to exercise mount resolution
// and path walking without a real block device.
type fakeInode struct {
	name     string
	children map[string]*fakeInode
	data     []byte
}

func newFakeDir(name string) *fakeInode {
	return &fakeInode{name: name, children: make(map[string]*fakeInode)}
}

func (n *fakeInode) Stat() (Stat, error) { return Stat{Size: uint64(len(n.data))}, nil }

func (n *fakeInode) Lookup(name string) (Inode, error) {
	c, ok := n.children[name]
	if !ok {
		return nil, kerrno.ENOENT
	}
	return c, nil
}

func (n *fakeInode) ReadDir() ([]DirEntry, error) {
	var out []DirEntry
	for name := range n.children {
		out = append(out, DirEntry{Name: name})
	}
	return out, nil
}

func (n *fakeInode) ReadAt(off uint64, buf []byte) (int, error) {
	if off >= uint64(len(n.data)) {
		return 0, nil
	}
	return copy(buf, n.data[off:]), nil
}

func (n *fakeInode) WriteAt(off uint64, data []byte) (int, error) {
	end := int(off) + len(data)
	if end > len(n.data) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], data)
	return len(data), nil
}

func (n *fakeInode) Truncate(size uint64) error {
	if int(size) <= len(n.data) {
		n.data = n.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return nil
}

func (n *fakeInode) Create(name string, mode uint32) (Inode, error) {
	c := &fakeInode{name: name}
	n.children[name] = c
	return c, nil
}

func (n *fakeInode) Mkdir(name string, mode uint32) (Inode, error) {
	c := newFakeDir(name)
	n.children[name] = c
	return c, nil
}

func (n *fakeInode) Unlink(name string) error {
	if _, ok := n.children[name]; !ok {
		return kerrno.ENOENT
	}
	delete(n.children, name)
	return nil
}

func (n *fakeInode) Readlink() (string, error) { return "", kerrno.EINVAL }

func TestMountResolvesLongestPrefix(t *testing.T) {
	mt := NewMountTable()
	rootOpened, devOpened := 0, 0

	root := newFakeDir("")
	dev := newFakeDir("")
	mt.Mount("/", func() (Inode, error) { rootOpened++; return root, nil })
	mt.Mount("/dev", func() (Inode, error) { devOpened++; return dev, nil })

	got, rest, err := mt.Resolve("/dev/console")
	require.NoError(t, err)
	require.Same(t, dev, got)
	require.Equal(t, "console", rest)

	got, rest, err = mt.Resolve("/etc/hostname")
	require.NoError(t, err)
	require.Same(t, root, got)
	require.Equal(t, "etc/hostname", rest)

	require.Equal(t, 1, rootOpened)
	require.Equal(t, 1, devOpened)

	// Re-resolving must reuse the cached root, not reopen it.
	_, _, err = mt.Resolve("/dev/null")
	require.NoError(t, err)
	require.Equal(t, 1, devOpened, "mount root must be opened exactly once and cached")
}

func TestWalkDescendsThroughLookup(t *testing.T) {
	mt := NewMountTable()
	root := newFakeDir("")
	etc := newFakeDir("etc")
	root.children["etc"] = etc
	hostname := &fakeInode{name: "hostname", data: []byte("aurora")}
	etc.children["hostname"] = hostname
	mt.Mount("/", func() (Inode, error) { return root, nil })

	got, err := Walk(mt, "/etc/hostname")
	require.NoError(t, err)
	require.Same(t, hostname, got)

	_, err = Walk(mt, "/etc/missing")
	require.ErrorIs(t, err, kerrno.ENOENT)
}

func TestWalkParentSplitsLeafName(t *testing.T) {
	mt := NewMountTable()
	root := newFakeDir("")
	etc := newFakeDir("etc")
	root.children["etc"] = etc
	mt.Mount("/", func() (Inode, error) { return root, nil })

	parent, name, err := WalkParent(mt, "/etc/hostname")
	require.NoError(t, err)
	require.Same(t, etc, parent)
	require.Equal(t, "hostname", name)
}

func TestModeToDirType(t *testing.T) {
	require.Equal(t, uint8(DTDir), ModeToDirType(SIfdir|0o755))
	require.Equal(t, uint8(DTReg), ModeToDirType(SIfreg|0o644))
	require.Equal(t, uint8(DTLnk), ModeToDirType(SIflnk|0o777))
}

func TestSyncAllFlushesOnlyFlushers(t *testing.T) {
	mt := NewMountTable()
	fl := &flushingInode{fakeInode: newFakeDir("")}
	mt.Mount("/", func() (Inode, error) { return fl, nil })
	_, _, err := mt.Resolve("/") // force the lazy open so SyncAll has a root to flush
	require.NoError(t, err)

	require.NoError(t, mt.SyncAll())
	require.True(t, fl.flushed)
}

type flushingInode struct {
	*fakeInode
	flushed bool
}

func (f *flushingInode) Flush() error {
	f.flushed = true
	return nil
}
