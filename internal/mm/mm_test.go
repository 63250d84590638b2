package mm

import (
	"testing"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/stretchr/testify/require"
)

// sliceMemory is a byte-slice-backed PhysMemory for tests, standing in for
// the kernel's identity-mapped RAM window.
type sliceMemory struct {
	buf []byte
}

func newSliceMemory(pages int) *sliceMemory {
	return &sliceMemory{buf: make([]byte, pages*PageSize)}
}

func (m *sliceMemory) ReadAt(p PhysAddr, buf []byte)  { copy(buf, m.buf[p:]) }
func (m *sliceMemory) WriteAt(p PhysAddr, buf []byte) { copy(m.buf[p:], buf) }

func newTestAllocator(t *testing.T, pages int) *FrameAllocator {
	t.Helper()
	mem := newSliceMemory(pages)
	return NewFrameAllocator(mem, 0, PhysPageNum(pages))
}

func TestAllocFrameZeroed(t *testing.T) {
	fa := newTestAllocator(t, 4)
	ppn, err := fa.AllocFrame()
	require.NoError(t, err)

	fa.mem.WriteAt(ppn.Addr(), []byte{0xAA, 0xBB})
	require.True(t, fa.Decref(ppn), "refcount 1 -> 0 must free the frame")

	ppn2, err := fa.AllocFrame()
	require.NoError(t, err)
	require.Equal(t, ppn, ppn2, "freed frame should be recycled")

	var buf [PageSize]byte
	fa.mem.ReadAt(ppn2.Addr(), buf[:])
	require.Equal(t, [PageSize]byte{}, buf, "reused frame must be zeroed before reuse")
}

func TestAllocContiguousNeverUsesFreeList(t *testing.T) {
	fa := newTestAllocator(t, 8)
	p1, err := fa.AllocFrame()
	require.NoError(t, err)
	fa.Decref(p1)
	require.Equal(t, 1, len(fa.freeList))

	first, err := fa.AllocContiguousFrames(3)
	require.NoError(t, err)
	require.NotEqual(t, p1, first, "contiguous alloc must not be satisfied from the free list")
	require.Equal(t, 1, len(fa.freeList), "free list must be untouched")
}

func TestOutOfMemory(t *testing.T) {
	fa := newTestAllocator(t, 1)
	_, err := fa.AllocFrame()
	require.NoError(t, err)
	_, err = fa.AllocFrame()
	require.ErrorIs(t, err, kerrno.ErrOutOfMemory)
}

func TestCOWFaultInvariant(t *testing.T) {
	fa := newTestAllocator(t, 16)
	parent, err := NewAddressSpace(fa)
	require.NoError(t, err)

	vpn := VirtPageNum(1)
	_, err = parent.MapAnon(vpn, PteR|PteW|PteX)
	require.NoError(t, err)

	child, err := CloneUserRoot(parent, fa)
	require.NoError(t, err)

	ppte, ok := parent.PageTable.Translate(vpn)
	require.True(t, ok)
	require.True(t, ppte.IsCOW())
	require.False(t, ppte.Writable(), "COW=1 implies W=0")
	require.Equal(t, uint32(2), fa.Refcount(ppte.PPN()))

	// Parent writes 0xAA, triggering CoW with refcount 2 -> allocates a
	// fresh frame and leaves the child's original page untouched.
	parent.fa.mem.WriteAt(ppte.PPN().Addr(), []byte{0xAA})
	require.NoError(t, parent.HandleCOWFault(vpn.Addr()))

	newPte, ok := parent.PageTable.Translate(vpn)
	require.True(t, ok)
	require.True(t, newPte.Writable())
	require.False(t, newPte.IsCOW())
	require.NotEqual(t, ppte.PPN(), newPte.PPN(), "shared frame must not be mutated in place")

	cpte, ok := child.PageTable.Translate(vpn)
	require.True(t, ok)
	require.True(t, cpte.IsCOW())
	require.Equal(t, ppte.PPN(), cpte.PPN(), "child keeps the original shared frame")
}

func TestCOWSingleOwnerFastPath(t *testing.T) {
	fa := newTestAllocator(t, 16)
	as, err := NewAddressSpace(fa)
	require.NoError(t, err)
	vpn := VirtPageNum(2)
	ppn, err := as.MapAnon(vpn, PteR|PteW)
	require.NoError(t, err)

	pte := MakePTE(ppn, PteR|PteCOW|PteU|PteV)
	require.NoError(t, as.PageTable.SetPTE(vpn, pte))

	require.NoError(t, as.HandleCOWFault(vpn.Addr()))
	got, ok := as.PageTable.Translate(vpn)
	require.True(t, ok)
	require.Equal(t, ppn, got.PPN(), "refcount==1 fault must reuse the frame, not allocate")
	require.True(t, got.Writable())
}

func TestReleaseFreesAllFrames(t *testing.T) {
	fa := newTestAllocator(t, 32)
	before := fa.FreeFrames()

	as, err := NewAddressSpace(fa)
	require.NoError(t, err)
	for i := VirtPageNum(0); i < 5; i++ {
		_, err := as.MapAnon(i, PteR|PteW)
		require.NoError(t, err)
	}
	as.Release()

	require.Equal(t, before, fa.FreeFrames(), "releasing the address space must return all frames")
}
