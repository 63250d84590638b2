package usercopy

import (
	"testing"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/stretchr/testify/require"
)

type sliceMemory struct{ buf []byte }

func newSliceMemory(pages int) *sliceMemory { return &sliceMemory{buf: make([]byte, pages*mm.PageSize)} }

func (m *sliceMemory) ReadAt(p mm.PhysAddr, buf []byte)  { copy(buf, m.buf[p:]) }
func (m *sliceMemory) WriteAt(p mm.PhysAddr, buf []byte) { copy(m.buf[p:], buf) }

func newSpace(t *testing.T, pages int) (*mm.AddressSpace, *mm.FrameAllocator) {
	t.Helper()
	fa := mm.NewFrameAllocator(newSliceMemory(pages), 0, mm.PhysPageNum(pages))
	as, err := mm.NewAddressSpace(fa)
	require.NoError(t, err)
	return as, fa
}

func TestCopyRoundTripWithinOnePage(t *testing.T) {
	as, _ := newSpace(t, 8)
	vpn := mm.VirtPageNum(3)
	_, err := as.MapAnon(vpn, mm.PteR|mm.PteW)
	require.NoError(t, err)

	addr := vpn.Addr() + 16
	want := []byte("hello kernel")
	require.NoError(t, CopyToUser(as, addr, want))

	got := make([]byte, len(want))
	require.NoError(t, CopyFromUser(as, addr, got))
	require.Equal(t, want, got)
}

func TestCopySpansPageBoundary(t *testing.T) {
	as, _ := newSpace(t, 8)
	_, err := as.MapAnon(mm.VirtPageNum(0), mm.PteR|mm.PteW)
	require.NoError(t, err)
	_, err = as.MapAnon(mm.VirtPageNum(1), mm.PteR|mm.PteW)
	require.NoError(t, err)

	addr := mm.VirtAddr(mm.PageSize - 4) // last 4 bytes of page 0
	want := make([]byte, 16)             // spills 12 bytes into page 1
	for i := range want {
		want[i] = byte(i + 1)
	}
	require.NoError(t, CopyToUser(as, addr, want))

	got := make([]byte, 16)
	require.NoError(t, CopyFromUser(as, addr, got))
	require.Equal(t, want, got)
}

func TestCopyToUnmappedPageFaults(t *testing.T) {
	as, _ := newSpace(t, 4)
	err := CopyToUser(as, mm.VirtAddr(0x4000), []byte{1, 2, 3})
	require.ErrorIs(t, err, kerrno.EFAULT)
}

func TestCopyToUserResolvesCOWFaultTransparently(t *testing.T) {
	parent, fa := newSpace(t, 16)
	vpn := mm.VirtPageNum(1)
	_, err := parent.MapAnon(vpn, mm.PteR|mm.PteW)
	require.NoError(t, err)

	_, err = mm.CloneUserRoot(parent, fa)
	require.NoError(t, err)

	pte, ok := parent.PageTable.Translate(vpn)
	require.True(t, ok)
	require.True(t, pte.IsCOW(), "fork must have demoted the shared page to COW")

	addr := vpn.Addr() + 8
	require.NoError(t, CopyToUser(parent, addr, []byte("patched!")))

	newPte, ok := parent.PageTable.Translate(vpn)
	require.True(t, ok)
	require.False(t, newPte.IsCOW(), "write through usercopy must resolve the CoW fault")
	require.True(t, newPte.Writable())

	got := make([]byte, 8)
	require.NoError(t, CopyFromUser(parent, addr, got))
	require.Equal(t, []byte("patched!"), got)
}

func TestUserPtrU32RoundTrip(t *testing.T) {
	as, _ := newSpace(t, 4)
	_, err := as.MapAnon(mm.VirtPageNum(0), mm.PteR|mm.PteW)
	require.NoError(t, err)

	p := UserPtr{Space: as, Addr: mm.VirtAddr(100)}
	require.NoError(t, p.WriteU32(0xdeadbeef))
	got, err := p.ReadU32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), got)
}

func TestUserSliceWriteAllRejectsOversizedSource(t *testing.T) {
	as, _ := newSpace(t, 4)
	_, err := as.MapAnon(mm.VirtPageNum(0), mm.PteR|mm.PteW)
	require.NoError(t, err)

	s := UserSlice{Space: as, Addr: mm.VirtAddr(0), Len: 4}
	err = s.WriteAll([]byte{1, 2, 3, 4, 5})
	require.ErrorIs(t, err, kerrno.EFAULT)
}

func TestCopyInStringStopsAtNUL(t *testing.T) {
	as, _ := newSpace(t, 4)
	_, err := as.MapAnon(mm.VirtPageNum(0), mm.PteR|mm.PteW)
	require.NoError(t, err)

	addr := mm.VirtAddr(0)
	require.NoError(t, CopyToUser(as, addr, []byte("/bin/sh\x00garbage")))

	s, err := CopyInString(as, addr, 64)
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", s)
}

func TestCopyInStringTooLongIsEInval(t *testing.T) {
	as, _ := newSpace(t, 4)
	_, err := as.MapAnon(mm.VirtPageNum(0), mm.PteR|mm.PteW)
	require.NoError(t, err)

	long := make([]byte, 32)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, CopyToUser(as, mm.VirtAddr(0), long))

	_, err = CopyInString(as, mm.VirtAddr(0), 8)
	require.ErrorIs(t, err, kerrno.EINVAL)
}
